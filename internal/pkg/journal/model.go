package journal

import (
	"github.com/vreid/wager/internal/pkg/escrow"
	"github.com/vreid/wager/internal/pkg/ledger"
)

// Tally is the running record of one identity across settled matches.
type Tally struct {
	Address ledger.Address `cbor:"1,keyasint" json:"address"`

	Hosted    int64 `cbor:"2,keyasint" json:"hosted"`
	Joined    int64 `cbor:"3,keyasint" json:"joined"`
	Wins      int64 `cbor:"4,keyasint" json:"wins"`
	Losses    int64 `cbor:"5,keyasint" json:"losses"`
	Draws     int64 `cbor:"6,keyasint" json:"draws"`
	Cancelled int64 `cbor:"7,keyasint" json:"cancelled"`

	Staked   uint64 `cbor:"8,keyasint" json:"staked"`
	Won      uint64 `cbor:"9,keyasint" json:"won"`
	Refunded uint64 `cbor:"10,keyasint" json:"refunded"`
}

// Pairing remembers who sits in an open match so later events that only
// name the match can be attributed.
type Pairing struct {
	MatchID    escrow.MatchID `cbor:"1,keyasint"`
	Host       ledger.Address `cbor:"2,keyasint"`
	Challenger ledger.Address `cbor:"3,keyasint"`
	Stake      uint64         `cbor:"4,keyasint"`
}

type PlayerView struct {
	Tally

	Balance uint64 `json:"balance"`
}
