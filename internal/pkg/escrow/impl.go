package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/vreid/wager/internal/pkg/common"
	"github.com/vreid/wager/internal/pkg/ledger"
	"go.etcd.io/bbolt"
)

const (
	DefaultEventsLimit = 100
	MaxEventsLimit     = 1000
)

var (
	ErrEventsBucketNotFound = errors.New("events bucket doesn't exist")
	ErrNoTreasury           = errors.New("platform treasury is not configured")
	ErrMatchNotSettled      = errors.New("match is not in a terminal status")
)

type Config struct {
	Params   Params
	Treasury ledger.Address
	Now      func() time.Time
}

// Engine runs match transitions. Every transition is one bbolt read-write
// transaction, so transitions are serialized and either commit whole or not
// at all.
type Engine struct {
	db       *bbolt.DB
	params   Params
	treasury ledger.Address
	now      func() time.Time

	sink   chan<- Record
	logger *slog.Logger
}

func NewEngine(db *bbolt.DB, config Config, sink chan<- Record, logger *slog.Logger) (*Engine, error) {
	err := config.Params.Validate()
	if err != nil {
		return nil, err
	}

	if config.Treasury.IsZero() {
		return nil, ErrNoTreasury
	}

	now := config.Now
	if now == nil {
		now = time.Now
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		db:       db,
		params:   config.Params,
		treasury: config.Treasury,
		now:      now,
		sink:     sink,
		logger:   logger,
	}, nil
}

func (e *Engine) Params() Params {
	return e.params
}

func (e *Engine) Treasury() ledger.Address {
	return e.treasury
}

// vault is the escrow holding account of one match. Its address is derived
// from the match id and never leaves this package.
type vault struct {
	address ledger.Address
}

func vaultOf(id MatchID) vault {
	return vault{address: ledger.DeriveAddress("escrow", id[:])}
}

func slotOf(id MatchID) ledger.Address {
	return ledger.DeriveAddress("match", id[:])
}

func (v vault) balance(tx *bbolt.Tx) (uint64, error) {
	//nolint:wrapcheck
	return ledger.BalanceOf(tx, v.address)
}

func (v vault) deposit(tx *bbolt.Tx, from ledger.Address, amount uint64) error {
	//nolint:wrapcheck
	return ledger.Transfer(tx, from, v.address, amount)
}

func (v vault) pay(tx *bbolt.Tx, to ledger.Address, amount uint64) error {
	//nolint:wrapcheck
	return ledger.Transfer(tx, v.address, to, amount)
}

// require fails unless the vault holds at least amount.
func (v vault) require(tx *bbolt.Tx, amount uint64) error {
	held, err := v.balance(tx)
	if err != nil {
		return err
	}

	if held < amount {
		return fmt.Errorf("%w: holds %d, expected %d", ErrEscrowImbalance, held, amount)
	}

	return nil
}

func loadMatch(tx *bbolt.Tx, id MatchID) (*MatchEntry, error) {
	data, err := ledger.Load(tx, slotOf(id))
	if err != nil {
		return nil, fmt.Errorf("match %s: %w", id, err)
	}

	var entry MatchEntry

	err = common.Unmarshal(data, &entry)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal match %s: %w", id, err)
	}

	return &entry, nil
}

// loadMatchFor loads the entry a transition acts on. A missing entry is
// reported as the transition's own state error, wrapping the ledger error.
func loadMatchFor(tx *bbolt.Tx, id MatchID, stateErr *Error) (*MatchEntry, error) {
	entry, err := loadMatch(tx, id)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, fmt.Errorf("%w: %w", stateErr, err)
	}

	return entry, err
}

func storeMatch(tx *bbolt.Tx, entry *MatchEntry) error {
	data, err := common.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal match %s: %w", entry.MatchID, err)
	}

	//nolint:wrapcheck
	return ledger.Store(tx, slotOf(entry.MatchID), data)
}

// closeMatch releases a settled entry and sweeps anything left in its vault to recipient.
func closeMatch(tx *bbolt.Tx, entry *MatchEntry, recipient ledger.Address) error {
	if !entry.Status.Terminal() {
		return fmt.Errorf("%w: match %s is %s", ErrMatchNotSettled, entry.MatchID, entry.Status)
	}

	err := ledger.Release(tx, slotOf(entry.MatchID))
	if err != nil {
		return fmt.Errorf("failed to release match %s: %w", entry.MatchID, err)
	}

	_, err = ledger.Sweep(tx, vaultOf(entry.MatchID).address, recipient)
	if err != nil {
		return fmt.Errorf("failed to close escrow of match %s: %w", entry.MatchID, err)
	}

	return nil
}

func (e *Engine) appendEvent(tx *bbolt.Tx, id MatchID, event Event) (Record, error) {
	events := tx.Bucket([]byte(common.EscrowEventsBucket))
	if events == nil {
		return Record{}, ErrEventsBucketNotFound
	}

	sequence, err := events.NextSequence()
	if err != nil {
		return Record{}, fmt.Errorf("failed to allocate event sequence: %w", err)
	}

	recordID, err := uuid.NewV7()
	if err != nil {
		return Record{}, fmt.Errorf("failed to generate event id: %w", err)
	}

	record := Record{
		Sequence:  sequence,
		ID:        recordID.String(),
		Name:      event.EventName(),
		MatchID:   id,
		Timestamp: e.now().Unix(),
		Event:     event,
	}

	data, err := encodeRecord(record)
	if err != nil {
		return Record{}, err
	}

	err = events.Put(common.Uint64ToBytes(sequence), data)
	if err != nil {
		return Record{}, fmt.Errorf("failed to put event: %w", err)
	}

	return record, nil
}

func (e *Engine) publish(record Record) {
	e.logger.Info("transition committed",
		slog.String("event", record.Name),
		slog.Uint64("sequence", record.Sequence),
		slog.String("match_id", record.MatchID.String()))

	if e.sink == nil {
		return
	}

	select {
	case e.sink <- record:
	default:
		e.logger.Warn("event sink is full, record not published",
			slog.Uint64("sequence", record.Sequence))
	}
}

// transition runs fn and records its event in one transaction. Nothing is
// published unless the transaction commits.
func transition[E Event](ctx context.Context, e *Engine, id MatchID, fn func(tx *bbolt.Tx) (E, error)) (E, error) {
	var event E

	err := ctx.Err()
	if err != nil {
		return event, fmt.Errorf("transition aborted: %w", err)
	}

	var record Record

	err = e.db.Update(func(tx *bbolt.Tx) error {
		var err error

		event, err = fn(tx)
		if err != nil {
			return err
		}

		record, err = e.appendEvent(tx, id, event)

		return err
	})
	if err != nil {
		var zero E

		return zero, err
	}

	e.publish(record)

	return event, nil
}

// CreateMatch opens a match and moves the host's stake into its escrow.
func (e *Engine) CreateMatch(ctx context.Context, id MatchID, stake uint64, host ledger.Address) (MatchCreated, error) {
	return transition(ctx, e, id, func(tx *bbolt.Tx) (MatchCreated, error) {
		if host.IsZero() {
			return MatchCreated{}, ErrNotHost
		}

		err := e.params.CheckStake(stake)
		if err != nil {
			return MatchCreated{}, err
		}

		entry := &MatchEntry{
			MatchID:     id,
			Host:        host,
			StakeAmount: stake,
			Status:      StatusWaitingForChallenger,
			CreatedAt:   e.now().Unix(),
		}

		data, err := common.Marshal(entry)
		if err != nil {
			return MatchCreated{}, fmt.Errorf("failed to marshal match %s: %w", id, err)
		}

		err = ledger.Allocate(tx, slotOf(id), data)
		if err != nil {
			return MatchCreated{}, fmt.Errorf("match %s: %w", id, err)
		}

		err = vaultOf(id).deposit(tx, host, stake)
		if err != nil {
			return MatchCreated{}, fmt.Errorf("host stake: %w", err)
		}

		return MatchCreated{
			MatchID:     id,
			Host:        host,
			StakeAmount: stake,
		}, nil
	})
}

// JoinMatch seats the challenger and moves the stake fixed at creation into escrow.
func (e *Engine) JoinMatch(ctx context.Context, id MatchID, challenger ledger.Address) (MatchStarted, error) {
	return transition(ctx, e, id, func(tx *bbolt.Tx) (MatchStarted, error) {
		entry, err := loadMatchFor(tx, id, ErrMatchNotJoinable)
		if err != nil {
			return MatchStarted{}, err
		}

		if entry.Status != StatusWaitingForChallenger {
			return MatchStarted{}, fmt.Errorf("%w: status is %s", ErrMatchNotJoinable, entry.Status)
		}

		if challenger.IsZero() {
			return MatchStarted{}, ErrNotParticipant
		}

		if challenger == entry.Host {
			return MatchStarted{}, ErrCannotPlaySelf
		}

		v := vaultOf(id)

		err = v.require(tx, entry.StakeAmount)
		if err != nil {
			return MatchStarted{}, err
		}

		entry.Challenger = challenger
		entry.Status = StatusInProgress

		err = storeMatch(tx, entry)
		if err != nil {
			return MatchStarted{}, err
		}

		err = v.deposit(tx, challenger, entry.StakeAmount)
		if err != nil {
			return MatchStarted{}, fmt.Errorf("challenger stake: %w", err)
		}

		return MatchStarted{
			MatchID:    id,
			Host:       entry.Host,
			Challenger: challenger,
			TotalPot:   e.params.ComputePayout(entry.StakeAmount).TotalPot,
		}, nil
	})
}

func (e *Engine) checkTreasury(treasury ledger.Address) (ledger.Address, error) {
	if treasury.IsZero() {
		return e.treasury, nil
	}

	if treasury != e.treasury {
		return ledger.Address{}, ErrInvalidTreasury
	}

	return treasury, nil
}

// payWinner splits the pot between winnerAccount and the treasury and closes
// the match, returning leftover value to closeTo.
func (e *Engine) payWinner(
	tx *bbolt.Tx,
	entry *MatchEntry,
	winnerAccount ledger.Address,
	treasury ledger.Address,
	closeTo ledger.Address) (RewardClaimed, error) {
	payout := e.params.ComputePayout(entry.StakeAmount)
	v := vaultOf(entry.MatchID)

	err := v.require(tx, payout.TotalPot)
	if err != nil {
		return RewardClaimed{}, err
	}

	err = v.pay(tx, winnerAccount, payout.WinnerReward)
	if err != nil {
		return RewardClaimed{}, fmt.Errorf("winner reward: %w", err)
	}

	err = v.pay(tx, treasury, payout.PlatformFee)
	if err != nil {
		return RewardClaimed{}, fmt.Errorf("platform fee: %w", err)
	}

	err = closeMatch(tx, entry, closeTo)
	if err != nil {
		return RewardClaimed{}, err
	}

	return RewardClaimed{
		MatchID:     entry.MatchID,
		Winner:      entry.Winner,
		Amount:      payout.WinnerReward,
		PlatformFee: payout.PlatformFee,
	}, nil
}

// ResolveWithWinner records the winner and pays out in one step. Either
// participant may report; the first report to commit wins.
func (e *Engine) ResolveWithWinner(
	ctx context.Context,
	id MatchID,
	caller ledger.Address,
	request ResolveRequest) (RewardClaimed, error) {
	return transition(ctx, e, id, func(tx *bbolt.Tx) (RewardClaimed, error) {
		entry, err := loadMatchFor(tx, id, ErrMatchNotInProgress)
		if err != nil {
			return RewardClaimed{}, err
		}

		if entry.Status != StatusInProgress {
			return RewardClaimed{}, fmt.Errorf("%w: status is %s", ErrMatchNotInProgress, entry.Status)
		}

		if !entry.IsParticipant(caller) {
			return RewardClaimed{}, ErrNotParticipant
		}

		if !entry.IsParticipant(request.Winner) {
			return RewardClaimed{}, ErrInvalidWinner
		}

		if request.WinnerAccount != request.Winner {
			return RewardClaimed{}, fmt.Errorf("%w: payout account differs from declared winner", ErrInvalidWinner)
		}

		treasury, err := e.checkTreasury(request.Treasury)
		if err != nil {
			return RewardClaimed{}, err
		}

		entry.Winner = request.Winner
		entry.Status = StatusCompleted

		return e.payWinner(tx, entry, request.WinnerAccount, treasury, caller)
	})
}

// CancelMatch refunds the host of a match nobody has joined yet.
func (e *Engine) CancelMatch(ctx context.Context, id MatchID, caller ledger.Address) (MatchCancelled, error) {
	return transition(ctx, e, id, func(tx *bbolt.Tx) (MatchCancelled, error) {
		entry, err := loadMatchFor(tx, id, ErrCannotCancelStartedMatch)
		if err != nil {
			return MatchCancelled{}, err
		}

		if entry.Status != StatusWaitingForChallenger {
			return MatchCancelled{}, fmt.Errorf("%w: status is %s", ErrCannotCancelStartedMatch, entry.Status)
		}

		if caller != entry.Host {
			return MatchCancelled{}, ErrNotHost
		}

		v := vaultOf(id)

		err = v.require(tx, entry.StakeAmount)
		if err != nil {
			return MatchCancelled{}, err
		}

		entry.Status = StatusCancelled

		err = v.pay(tx, entry.Host, entry.StakeAmount)
		if err != nil {
			return MatchCancelled{}, fmt.Errorf("host refund: %w", err)
		}

		err = closeMatch(tx, entry, entry.Host)
		if err != nil {
			return MatchCancelled{}, err
		}

		return MatchCancelled{
			MatchID:    id,
			RefundedTo: entry.Host,
			Amount:     entry.StakeAmount,
		}, nil
	})
}

// DeclareDraw refunds each participant their stake. No fee is charged.
func (e *Engine) DeclareDraw(ctx context.Context, id MatchID, caller ledger.Address) (MatchDraw, error) {
	return transition(ctx, e, id, func(tx *bbolt.Tx) (MatchDraw, error) {
		entry, err := loadMatchFor(tx, id, ErrMatchNotInProgress)
		if err != nil {
			return MatchDraw{}, err
		}

		if entry.Status != StatusInProgress {
			return MatchDraw{}, fmt.Errorf("%w: status is %s", ErrMatchNotInProgress, entry.Status)
		}

		if !entry.IsParticipant(caller) {
			return MatchDraw{}, ErrNotParticipant
		}

		v := vaultOf(id)

		err = v.require(tx, 2*entry.StakeAmount)
		if err != nil {
			return MatchDraw{}, err
		}

		entry.Status = StatusDraw

		err = v.pay(tx, entry.Host, entry.StakeAmount)
		if err != nil {
			return MatchDraw{}, fmt.Errorf("host refund: %w", err)
		}

		err = v.pay(tx, entry.Challenger, entry.StakeAmount)
		if err != nil {
			return MatchDraw{}, fmt.Errorf("challenger refund: %w", err)
		}

		err = closeMatch(tx, entry, caller)
		if err != nil {
			return MatchDraw{}, err
		}

		return MatchDraw{
			MatchID:      id,
			RefundAmount: entry.StakeAmount,
		}, nil
	})
}

// DeclareWinner is the first half of the two-step settlement. The pot stays
// in escrow until the winner calls ClaimReward.
//
// Deprecated: use ResolveWithWinner.
func (e *Engine) DeclareWinner(
	ctx context.Context,
	id MatchID,
	caller ledger.Address,
	winner ledger.Address) (WinnerDeclared, error) {
	return transition(ctx, e, id, func(tx *bbolt.Tx) (WinnerDeclared, error) {
		entry, err := loadMatchFor(tx, id, ErrMatchNotInProgress)
		if err != nil {
			return WinnerDeclared{}, err
		}

		if entry.Status != StatusInProgress {
			return WinnerDeclared{}, fmt.Errorf("%w: status is %s", ErrMatchNotInProgress, entry.Status)
		}

		if !entry.IsParticipant(caller) {
			return WinnerDeclared{}, ErrNotParticipant
		}

		if !entry.IsParticipant(winner) {
			return WinnerDeclared{}, ErrInvalidWinner
		}

		entry.Winner = winner
		entry.Status = StatusCompleted

		err = storeMatch(tx, entry)
		if err != nil {
			return WinnerDeclared{}, err
		}

		return WinnerDeclared{
			MatchID:    id,
			Winner:     winner,
			DeclaredBy: caller,
		}, nil
	})
}

// ClaimReward pays out a match settled by DeclareWinner. Only the winner may claim.
//
// Deprecated: use ResolveWithWinner.
func (e *Engine) ClaimReward(
	ctx context.Context,
	id MatchID,
	caller ledger.Address,
	treasury ledger.Address) (RewardClaimed, error) {
	return transition(ctx, e, id, func(tx *bbolt.Tx) (RewardClaimed, error) {
		entry, err := loadMatchFor(tx, id, ErrMatchNotCompleted)
		if err != nil {
			return RewardClaimed{}, err
		}

		if entry.Status != StatusCompleted {
			return RewardClaimed{}, fmt.Errorf("%w: status is %s", ErrMatchNotCompleted, entry.Status)
		}

		if caller.IsZero() || caller != entry.Winner {
			return RewardClaimed{}, ErrNotWinner
		}

		treasury, err := e.checkTreasury(treasury)
		if err != nil {
			return RewardClaimed{}, err
		}

		return e.payWinner(tx, entry, entry.Winner, treasury, entry.Winner)
	})
}

// Match returns the live entry for id with its escrow balance.
func (e *Engine) Match(ctx context.Context, id MatchID) (MatchInfo, error) {
	var info MatchInfo

	err := ctx.Err()
	if err != nil {
		return info, fmt.Errorf("lookup aborted: %w", err)
	}

	err = e.db.View(func(tx *bbolt.Tx) error {
		entry, err := loadMatch(tx, id)
		if err != nil {
			return err
		}

		held, err := vaultOf(id).balance(tx)
		if err != nil {
			return err
		}

		info = MatchInfo{
			MatchEntry:    *entry,
			EscrowBalance: held,
			TotalPot:      e.params.ComputePayout(entry.StakeAmount).TotalPot,
		}

		return nil
	})
	if err != nil {
		return MatchInfo{}, err
	}

	return info, nil
}

func (e *Engine) MatchExists(ctx context.Context, id MatchID) (bool, error) {
	_, err := e.Match(ctx, id)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}

// Events lists committed records with sequence greater than after, oldest
// first, at most MaxEventsLimit at a time. A non-nil match restricts the
// listing to that match.
func (e *Engine) Events(ctx context.Context, after uint64, limit int, match *MatchID) ([]Record, error) {
	err := ctx.Err()
	if err != nil {
		return nil, fmt.Errorf("listing aborted: %w", err)
	}

	if limit <= 0 {
		limit = DefaultEventsLimit
	}

	limit = min(limit, MaxEventsLimit)

	if after == math.MaxUint64 {
		return []Record{}, nil
	}

	records := make([]Record, 0, limit)

	err = e.db.View(func(tx *bbolt.Tx) error {
		events := tx.Bucket([]byte(common.EscrowEventsBucket))
		if events == nil {
			return ErrEventsBucketNotFound
		}

		c := events.Cursor()
		for k, v := c.Seek(common.Uint64ToBytes(after + 1)); k != nil && len(records) < limit; k, v = c.Next() {
			record, err := decodeRecord(v)
			if err != nil {
				return err
			}

			if match != nil && record.MatchID != *match {
				continue
			}

			records = append(records, record)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}
