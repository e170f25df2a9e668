package escrow

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/vreid/wager/internal/pkg/ledger"
)

var (
	ErrInvalidMatchID = errors.New("invalid match id")
	ErrInvalidStatus  = errors.New("invalid match status")
)

type MatchID [32]byte

func ParseMatchID(s string) (MatchID, error) {
	var id MatchID

	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("%w: %w", ErrInvalidMatchID, err)
	}

	if len(b) != len(id) {
		return id, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidMatchID, len(id), len(b))
	}

	copy(id[:], b)

	return id, nil
}

// MatchIDFromRoomCode zero-pads (or truncates) the code's UTF-8 bytes to 32.
func MatchIDFromRoomCode(code string) MatchID {
	var id MatchID

	copy(id[:], code)

	return id
}

func (id MatchID) String() string {
	return hex.EncodeToString(id[:])
}

func (id MatchID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *MatchID) UnmarshalText(text []byte) error {
	parsed, err := ParseMatchID(string(text))
	if err != nil {
		return err
	}

	*id = parsed

	return nil
}

type Status uint8

const (
	StatusWaitingForChallenger Status = iota
	StatusInProgress
	StatusCompleted
	StatusCancelled
	StatusDraw
)

var statusNames = [...]string{
	StatusWaitingForChallenger: "WaitingForChallenger",
	StatusInProgress:           "InProgress",
	StatusCompleted:            "Completed",
	StatusCancelled:            "Cancelled",
	StatusDraw:                 "Draw",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}

	return fmt.Sprintf("Status(%d)", s)
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusDraw
}

func (s Status) MarshalText() ([]byte, error) {
	if int(s) >= len(statusNames) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidStatus, s)
	}

	return []byte(statusNames[s]), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if name == string(text) {
			*s = Status(i)

			return nil
		}
	}

	return fmt.Errorf("%w: %q", ErrInvalidStatus, text)
}

// MatchEntry is the durable record of one match.
type MatchEntry struct {
	MatchID     MatchID        `cbor:"1,keyasint" json:"match_id"`
	Host        ledger.Address `cbor:"2,keyasint" json:"host"`
	Challenger  ledger.Address `cbor:"3,keyasint" json:"challenger"`
	StakeAmount uint64         `cbor:"4,keyasint" json:"stake_amount"`
	Status      Status         `cbor:"5,keyasint" json:"status"`
	Winner      ledger.Address `cbor:"6,keyasint" json:"winner"`
	CreatedAt   int64          `cbor:"7,keyasint" json:"created_at"`
}

func (m *MatchEntry) IsParticipant(addr ledger.Address) bool {
	if addr.IsZero() {
		return false
	}

	return addr == m.Host || addr == m.Challenger
}

// MatchInfo is the public view of a match: the entry plus what its escrow holds.
type MatchInfo struct {
	MatchEntry

	EscrowBalance uint64 `json:"escrow_balance"`
	TotalPot      uint64 `json:"total_pot"`
}

type CreateMatchRequest struct {
	MatchID     string `json:"match_id"`
	RoomCode    string `json:"room_code"`
	StakeAmount uint64 `json:"stake_amount"`
}

type ResolveRequest struct {
	Winner        ledger.Address `json:"winner"`
	WinnerAccount ledger.Address `json:"winner_account"`
	Treasury      ledger.Address `json:"treasury"`
}

type DeclareWinnerRequest struct {
	Winner ledger.Address `json:"winner"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
