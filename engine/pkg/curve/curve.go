// Package curve prices share issuance and redemption against a linear
// bonding curve. All arithmetic is integer, in minor units; the closed-form
// sums are exact, so no rounding happens at this layer.
package curve

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrMaxSupplyExceeded indicates a buy would push supply past the cap.
	ErrMaxSupplyExceeded = errors.New("curve: max supply exceeded")

	// ErrInsufficientSupply indicates a sell exceeds the current supply.
	ErrInsufficientSupply = errors.New("curve: insufficient supply")

	// ErrNegativeAmount indicates a negative share amount.
	ErrNegativeAmount = errors.New("curve: negative amount")
)

// Config holds the curve parameters.
type Config struct {
	// Slope is the price of the first share in minor units. The k-th share
	// issued costs Slope*k, so the unit price strictly increases with supply.
	Slope int64

	// MaxSupply caps cumulative issued shares per creator.
	MaxSupply int64
}

func (cfg *Config) Validate() error {
	if cfg.Slope <= 0 {
		return errors.New("curve: slope must be positive")
	}
	if cfg.MaxSupply <= 0 {
		return errors.New("curve: max supply must be positive")
	}
	// The largest interval sum is MaxSupply*(MaxSupply+1)/2 share steps.
	steps := cfg.MaxSupply * (cfg.MaxSupply + 1) / 2
	if cfg.Slope > math.MaxInt64/steps {
		return fmt.Errorf("curve: slope %d overflows at max supply %d", cfg.Slope, cfg.MaxSupply)
	}
	return nil
}

// Curve is a pure pricing function over cumulative issued supply.
type Curve struct {
	cfg Config
}

// New constructs a curve after validating its parameters.
func New(cfg Config) (*Curve, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Curve{cfg: cfg}, nil
}

// MaxSupply returns the configured supply cap.
func (c *Curve) MaxSupply() int64 { return c.cfg.MaxSupply }

// BuyCost returns the cost of buying amount shares at the given supply:
// the discrete integral of the unit price over (supply, supply+amount].
// A zero amount costs zero.
func (c *Curve) BuyCost(supply, amount int64) (int64, error) {
	if amount < 0 || supply < 0 {
		return 0, ErrNegativeAmount
	}
	if amount == 0 {
		return 0, nil
	}
	if supply+amount > c.cfg.MaxSupply {
		return 0, fmt.Errorf("%w: supply %d + amount %d > cap %d",
			ErrMaxSupplyExceeded, supply, amount, c.cfg.MaxSupply)
	}
	// Slope * sum_{k=supply+1..supply+amount} k. The product
	// amount*(2*supply+amount+1) is always even, so division is exact.
	return c.cfg.Slope * (amount * (2*supply + amount + 1) / 2), nil
}

// SellProceeds returns the gross proceeds of selling amount shares at the
// given supply, defined as BuyCost(supply-amount, amount) so that buying and
// selling over the same supply interval are symmetric before fees.
func (c *Curve) SellProceeds(supply, amount int64) (int64, error) {
	if amount < 0 || supply < 0 {
		return 0, ErrNegativeAmount
	}
	if amount > supply {
		return 0, fmt.Errorf("%w: amount %d > supply %d", ErrInsufficientSupply, amount, supply)
	}
	return c.BuyCost(supply-amount, amount)
}

// UnitPrice returns the price of the next share at the given supply.
func (c *Curve) UnitPrice(supply int64) int64 {
	return c.cfg.Slope * (supply + 1)
}
