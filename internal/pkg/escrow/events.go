package escrow

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/vreid/wager/internal/pkg/common"
	"github.com/vreid/wager/internal/pkg/ledger"
)

const (
	EventMatchCreated   = "MatchCreated"
	EventMatchStarted   = "MatchStarted"
	EventWinnerDeclared = "WinnerDeclared"
	EventRewardClaimed  = "RewardClaimed"
	EventMatchCancelled = "MatchCancelled"
	EventMatchDraw      = "MatchDraw"
)

var ErrUnknownEvent = errors.New("unknown event")

type Event interface {
	EventName() string
}

type MatchCreated struct {
	MatchID     MatchID        `cbor:"1,keyasint" json:"match_id"`
	Host        ledger.Address `cbor:"2,keyasint" json:"host"`
	StakeAmount uint64         `cbor:"3,keyasint" json:"stake_amount"`
}

type MatchStarted struct {
	MatchID    MatchID        `cbor:"1,keyasint" json:"match_id"`
	Host       ledger.Address `cbor:"2,keyasint" json:"host"`
	Challenger ledger.Address `cbor:"3,keyasint" json:"challenger"`
	TotalPot   uint64         `cbor:"4,keyasint" json:"total_pot"`
}

// WinnerDeclared is only emitted by the deprecated two-step settlement.
type WinnerDeclared struct {
	MatchID    MatchID        `cbor:"1,keyasint" json:"match_id"`
	Winner     ledger.Address `cbor:"2,keyasint" json:"winner"`
	DeclaredBy ledger.Address `cbor:"3,keyasint" json:"declared_by"`
}

type RewardClaimed struct {
	MatchID     MatchID        `cbor:"1,keyasint" json:"match_id"`
	Winner      ledger.Address `cbor:"2,keyasint" json:"winner"`
	Amount      uint64         `cbor:"3,keyasint" json:"amount"`
	PlatformFee uint64         `cbor:"4,keyasint" json:"platform_fee"`
}

type MatchCancelled struct {
	MatchID    MatchID        `cbor:"1,keyasint" json:"match_id"`
	RefundedTo ledger.Address `cbor:"2,keyasint" json:"refunded_to"`
	Amount     uint64         `cbor:"3,keyasint" json:"amount"`
}

type MatchDraw struct {
	MatchID      MatchID `cbor:"1,keyasint" json:"match_id"`
	RefundAmount uint64  `cbor:"2,keyasint" json:"refund_amount"`
}

func (MatchCreated) EventName() string   { return EventMatchCreated }
func (MatchStarted) EventName() string   { return EventMatchStarted }
func (WinnerDeclared) EventName() string { return EventWinnerDeclared }
func (RewardClaimed) EventName() string  { return EventRewardClaimed }
func (MatchCancelled) EventName() string { return EventMatchCancelled }
func (MatchDraw) EventName() string      { return EventMatchDraw }

// Record is an event as committed to the event log.
type Record struct {
	Sequence  uint64          `cbor:"1,keyasint" json:"sequence"`
	ID        string          `cbor:"2,keyasint" json:"id"`
	Name      string          `cbor:"3,keyasint" json:"name"`
	MatchID   MatchID         `cbor:"4,keyasint" json:"match_id"`
	Timestamp int64           `cbor:"5,keyasint" json:"timestamp"`
	Payload   cbor.RawMessage `cbor:"6,keyasint" json:"-"`

	Event Event `cbor:"-" json:"event"`
}

func encodeRecord(record Record) ([]byte, error) {
	payload, err := common.Marshal(record.Event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", record.Name, err)
	}

	record.Payload = payload

	data, err := common.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s record: %w", record.Name, err)
	}

	return data, nil
}

func decodeRecord(data []byte) (Record, error) {
	var record Record

	err := common.Unmarshal(data, &record)
	if err != nil {
		return record, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	event, err := decodeEvent(record.Name, record.Payload)
	if err != nil {
		return record, err
	}

	record.Event = event
	record.Payload = nil

	return record, nil
}

func decodeEvent(name string, payload []byte) (Event, error) {
	var (
		event Event
		err   error
	)

	switch name {
	case EventMatchCreated:
		var e MatchCreated
		err = common.Unmarshal(payload, &e)
		event = e
	case EventMatchStarted:
		var e MatchStarted
		err = common.Unmarshal(payload, &e)
		event = e
	case EventWinnerDeclared:
		var e WinnerDeclared
		err = common.Unmarshal(payload, &e)
		event = e
	case EventRewardClaimed:
		var e RewardClaimed
		err = common.Unmarshal(payload, &e)
		event = e
	case EventMatchCancelled:
		var e MatchCancelled
		err = common.Unmarshal(payload, &e)
		event = e
	case EventMatchDraw:
		var e MatchDraw
		err = common.Unmarshal(payload, &e)
		event = e
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", name, err)
	}

	return event, nil
}
