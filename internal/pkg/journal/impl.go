package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/samber/do/v2"
	"github.com/vreid/wager/internal/pkg/common"
	"github.com/vreid/wager/internal/pkg/escrow"
	"github.com/vreid/wager/internal/pkg/ledger"
	"go.etcd.io/bbolt"
)

const (
	catchUpBatch           = 256
	defaultCatchUpInterval = 30 * time.Second
)

var (
	ErrTalliesBucketNotFound  = errors.New("tallies bucket doesn't exist")
	ErrPairingsBucketNotFound = errors.New("pairings bucket doesn't exist")
	ErrCursorBucketNotFound   = errors.New("cursor bucket doesn't exist")
	ErrNoRecordLog            = errors.New("no event log to catch up from")
	ErrOutOfSequence          = errors.New("record does not follow the journal cursor")
)

var cursorKey = []byte("applied")

// RecordLog is the durable event log the journal reads from.
type RecordLog interface {
	Events(ctx context.Context, after uint64, limit int, match *escrow.MatchID) ([]escrow.Record, error)
}

// JournalService keeps tallies in step with the event log. Records arriving
// on RecordSource are applied directly when they are next in sequence; any
// gap is filled from Log.
type JournalService struct {
	DatabaseService *common.DatabaseService
	Logger          *slog.Logger

	Log             RecordLog
	RecordSource    <-chan escrow.Record
	CatchUpInterval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func NewJournalService(i do.Injector) (*JournalService, error) {
	databaseService := do.MustInvoke[*common.DatabaseService](i)
	logger := do.MustInvoke[*slog.Logger](i)
	recordSource := do.MustInvokeNamed[<-chan escrow.Record](i, "record-source")

	escrowService, err := do.Invoke[*escrow.EscrowService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create escrow service: %w", err)
	}

	result := &JournalService{
		DatabaseService: databaseService,
		Logger:          logger.With(slog.String("service", "journal")),

		Log:             escrowService.Engine,
		RecordSource:    recordSource,
		CatchUpInterval: defaultCatchUpInterval,
	}

	echoService, err := do.Invoke[*common.EchoService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create echo service: %w", err)
	}

	echoService.Register(result.Register)

	return result, nil
}

func (s *JournalService) Register(e *echo.Echo) {
	apiGroup := e.Group("/api")

	playersGroup := apiGroup.Group("/players")

	playersGroup.GET("/:address", s.GetPlayer)
}

func (s *JournalService) Start() {
	ctx, cancel := context.WithCancel(context.Background())

	s.cancel = cancel
	s.done = make(chan struct{})

	go s.processRecords(ctx)
}

// Shutdown stops the record loop and waits for it to return.
func (s *JournalService) Shutdown() error {
	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done

	return nil
}

type tallyStore struct {
	tallies *bbolt.Bucket
}

func (t tallyStore) update(addr ledger.Address, fn func(tally *Tally)) error {
	if addr.IsZero() {
		return nil
	}

	tally := Tally{Address: addr}

	data := t.tallies.Get(addr[:])
	if data != nil {
		err := common.Unmarshal(data, &tally)
		if err != nil {
			return fmt.Errorf("failed to unmarshal tally of %s: %w", addr, err)
		}
	}

	fn(&tally)

	encoded, err := common.Marshal(tally)
	if err != nil {
		return fmt.Errorf("failed to marshal tally of %s: %w", addr, err)
	}

	//nolint:wrapcheck
	return t.tallies.Put(addr[:], encoded)
}

func getPairing(pairings *bbolt.Bucket, id escrow.MatchID) (Pairing, bool, error) {
	var pairing Pairing

	data := pairings.Get(id[:])
	if data == nil {
		return pairing, false, nil
	}

	err := common.Unmarshal(data, &pairing)
	if err != nil {
		return pairing, false, fmt.Errorf("failed to unmarshal pairing of %s: %w", id, err)
	}

	return pairing, true, nil
}

func putPairing(pairings *bbolt.Bucket, pairing Pairing) error {
	data, err := common.Marshal(pairing)
	if err != nil {
		return fmt.Errorf("failed to marshal pairing of %s: %w", pairing.MatchID, err)
	}

	//nolint:wrapcheck
	return pairings.Put(pairing.MatchID[:], data)
}

//nolint:cyclop,funlen // one case per event kind
func applyRecord(tx *bbolt.Tx, record escrow.Record) error {
	tallies := tx.Bucket([]byte(common.JournalTalliesBucket))
	if tallies == nil {
		return ErrTalliesBucketNotFound
	}

	pairings := tx.Bucket([]byte(common.JournalPairingsBucket))
	if pairings == nil {
		return ErrPairingsBucketNotFound
	}

	store := tallyStore{tallies: tallies}

	switch event := record.Event.(type) {
	case escrow.MatchCreated:
		err := putPairing(pairings, Pairing{MatchID: event.MatchID, Host: event.Host, Stake: event.StakeAmount})
		if err != nil {
			return err
		}

		return store.update(event.Host, func(tally *Tally) {
			tally.Hosted++
			tally.Staked += event.StakeAmount
		})
	case escrow.MatchStarted:
		stake := event.TotalPot / 2

		err := putPairing(pairings, Pairing{
			MatchID:    event.MatchID,
			Host:       event.Host,
			Challenger: event.Challenger,
			Stake:      stake,
		})
		if err != nil {
			return err
		}

		return store.update(event.Challenger, func(tally *Tally) {
			tally.Joined++
			tally.Staked += stake
		})
	case escrow.WinnerDeclared:
		return nil
	case escrow.RewardClaimed:
		pairing, found, err := getPairing(pairings, event.MatchID)
		if err != nil {
			return err
		}

		err = store.update(event.Winner, func(tally *Tally) {
			tally.Wins++
			tally.Won += event.Amount
		})
		if err != nil {
			return err
		}

		if found {
			loser := pairing.Host
			if loser == event.Winner {
				loser = pairing.Challenger
			}

			err = store.update(loser, func(tally *Tally) {
				tally.Losses++
			})
			if err != nil {
				return err
			}
		}

		//nolint:wrapcheck
		return pairings.Delete(event.MatchID[:])
	case escrow.MatchCancelled:
		err := store.update(event.RefundedTo, func(tally *Tally) {
			tally.Cancelled++
			tally.Refunded += event.Amount
		})
		if err != nil {
			return err
		}

		//nolint:wrapcheck
		return pairings.Delete(event.MatchID[:])
	case escrow.MatchDraw:
		pairing, found, err := getPairing(pairings, event.MatchID)
		if err != nil {
			return err
		}

		if found {
			for _, addr := range []ledger.Address{pairing.Host, pairing.Challenger} {
				err = store.update(addr, func(tally *Tally) {
					tally.Draws++
					tally.Refunded += event.RefundAmount
				})
				if err != nil {
					return err
				}
			}
		}

		//nolint:wrapcheck
		return pairings.Delete(event.MatchID[:])
	default:
		return fmt.Errorf("%w: %s", escrow.ErrUnknownEvent, record.Name)
	}
}

func readCursor(tx *bbolt.Tx) (uint64, error) {
	cursor := tx.Bucket([]byte(common.JournalCursorBucket))
	if cursor == nil {
		return 0, ErrCursorBucketNotFound
	}

	return common.BytesToUint64(cursor.Get(cursorKey), 0), nil
}

// Cursor returns the sequence of the last record applied to the tallies.
func (s *JournalService) Cursor() (uint64, error) {
	var applied uint64

	err := s.DatabaseService.DB.View(func(tx *bbolt.Tx) error {
		var err error

		applied, err = readCursor(tx)

		return err
	})
	if err != nil {
		return 0, err
	}

	return applied, nil
}

// apply updates the tallies and the cursor together. Records at or below the
// cursor are skipped, so replays are harmless.
func (s *JournalService) apply(record escrow.Record) (bool, error) {
	applied := false

	err := s.DatabaseService.DB.Update(func(tx *bbolt.Tx) error {
		cursor, err := readCursor(tx)
		if err != nil {
			return err
		}

		if record.Sequence <= cursor {
			return nil
		}

		if record.Sequence != cursor+1 {
			return fmt.Errorf("%w: record %d, cursor %d", ErrOutOfSequence, record.Sequence, cursor)
		}

		err = applyRecord(tx, record)
		if err != nil {
			return err
		}

		applied = true

		//nolint:wrapcheck
		return tx.Bucket([]byte(common.JournalCursorBucket)).Put(cursorKey, common.Uint64ToBytes(record.Sequence))
	})
	if err != nil {
		return false, fmt.Errorf("failed to journal record %d: %w", record.Sequence, err)
	}

	return applied, nil
}

// CatchUp applies every logged record past the cursor.
func (s *JournalService) CatchUp(ctx context.Context) error {
	if s.Log == nil {
		return ErrNoRecordLog
	}

	for {
		cursor, err := s.Cursor()
		if err != nil {
			return err
		}

		records, err := s.Log.Events(ctx, cursor, catchUpBatch, nil)
		if err != nil {
			return fmt.Errorf("failed to read event log after %d: %w", cursor, err)
		}

		if len(records) == 0 {
			return nil
		}

		for _, record := range records {
			_, err = s.apply(record)
			if err != nil {
				return err
			}
		}

		s.Logger.Debug("journal caught up",
			slog.Uint64("from", cursor),
			slog.Uint64("to", records[len(records)-1].Sequence))
	}
}

func (s *JournalService) HandleRecord(ctx context.Context, record escrow.Record) {
	cursor, err := s.Cursor()
	if err != nil {
		s.Logger.Error("failed to read journal cursor", slog.String("error", err.Error()))

		return
	}

	if record.Sequence > cursor+1 {
		s.Logger.Warn("journal gap, reading event log",
			slog.Uint64("cursor", cursor),
			slog.Uint64("sequence", record.Sequence))

		err = s.CatchUp(ctx)
		if err != nil {
			s.Logger.Error("failed to catch up journal", slog.String("error", err.Error()))
		}

		return
	}

	applied, err := s.apply(record)
	if err != nil {
		s.Logger.Error("failed to journal record",
			slog.Uint64("sequence", record.Sequence),
			slog.String("event", record.Name),
			slog.String("error", err.Error()))

		return
	}

	if applied {
		s.Logger.Debug("record journaled",
			slog.Uint64("sequence", record.Sequence),
			slog.String("event", record.Name),
			slog.String("match_id", record.MatchID.String()))
	}
}

func (s *JournalService) catchUp(ctx context.Context) {
	err := s.CatchUp(ctx)
	if err != nil && ctx.Err() == nil {
		s.Logger.Error("failed to catch up journal", slog.String("error", err.Error()))
	}
}

func (s *JournalService) processRecords(ctx context.Context) {
	defer close(s.done)

	s.catchUp(ctx)

	var tick <-chan time.Time

	if s.CatchUpInterval > 0 {
		ticker := time.NewTicker(s.CatchUpInterval)
		defer ticker.Stop()

		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			s.catchUp(ctx)
		case record, ok := <-s.RecordSource:
			if !ok {
				return
			}

			s.HandleRecord(ctx, record)
		}
	}
}

func (s *JournalService) Player(addr ledger.Address) (PlayerView, error) {
	view := PlayerView{Tally: Tally{Address: addr}}

	err := s.DatabaseService.DB.View(func(tx *bbolt.Tx) error {
		tallies := tx.Bucket([]byte(common.JournalTalliesBucket))
		if tallies == nil {
			return ErrTalliesBucketNotFound
		}

		data := tallies.Get(addr[:])
		if data != nil {
			err := common.Unmarshal(data, &view.Tally)
			if err != nil {
				return fmt.Errorf("failed to unmarshal tally of %s: %w", addr, err)
			}
		}

		balance, err := ledger.BalanceOf(tx, addr)
		if err != nil {
			return err
		}

		view.Balance = balance

		return nil
	})
	if err != nil {
		return PlayerView{}, err
	}

	return view, nil
}

func (s *JournalService) GetPlayer(c echo.Context) error {
	addr, err := ledger.ParseAddress(c.Param("address"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid address")
	}

	view, err := s.Player(addr)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read player")
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, view)
}
