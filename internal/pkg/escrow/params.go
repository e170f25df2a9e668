package escrow

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
)

const (
	BasisPoints = 10_000

	DefaultFeeBps   = 250
	DefaultMinStake = 10_000_000
	DefaultMaxStake = 10_000_000_000
)

var ErrInvalidParams = errors.New("invalid protocol parameters")

// Params are the protocol constants. They are fixed for the lifetime of an Engine.
type Params struct {
	FeeBps   uint64
	MinStake uint64
	MaxStake uint64
}

func DefaultParams() Params {
	return Params{
		FeeBps:   DefaultFeeBps,
		MinStake: DefaultMinStake,
		MaxStake: DefaultMaxStake,
	}
}

func (p Params) Validate() error {
	if p.FeeBps > BasisPoints {
		return fmt.Errorf("%w: fee of %d bps exceeds %d", ErrInvalidParams, p.FeeBps, BasisPoints)
	}

	if p.MinStake == 0 {
		return fmt.Errorf("%w: minimum stake must be positive", ErrInvalidParams)
	}

	if p.MinStake > p.MaxStake {
		return fmt.Errorf("%w: minimum stake %d exceeds maximum %d", ErrInvalidParams, p.MinStake, p.MaxStake)
	}

	// The pot is twice the stake and must fit in a uint64.
	if p.MaxStake > math.MaxUint64/2 {
		return fmt.Errorf("%w: maximum stake %d overflows the pot", ErrInvalidParams, p.MaxStake)
	}

	return nil
}

func (p Params) CheckStake(stake uint64) error {
	if stake < p.MinStake {
		return fmt.Errorf("%w: %d < %d", ErrStakeTooLow, stake, p.MinStake)
	}

	if stake > p.MaxStake {
		return fmt.Errorf("%w: %d > %d", ErrStakeTooHigh, stake, p.MaxStake)
	}

	return nil
}

type Payout struct {
	TotalPot     uint64 `json:"total_pot"`
	PlatformFee  uint64 `json:"platform_fee"`
	WinnerReward uint64 `json:"winner_reward"`
}

// ComputePayout splits the pot for a stake. The fee rounds down.
func (p Params) ComputePayout(stake uint64) Payout {
	pot := 2 * stake

	hi, lo := bits.Mul64(pot, p.FeeBps)
	fee, _ := bits.Div64(hi, lo, BasisPoints)

	return Payout{
		TotalPot:     pot,
		PlatformFee:  fee,
		WinnerReward: pot - fee,
	}
}
