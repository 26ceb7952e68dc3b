// Package ledger tracks per-creator fee accruals between epoch boundaries.
package ledger

import (
	"context"
	"errors"
	"log/slog"

	"github.com/fanbase-labs/divvy/engine/pkg/faults"
	"github.com/fanbase-labs/divvy/engine/pkg/store"
)

// ErrNegativeAmount rejects fee accruals below zero. Fees only ever grow
// between snapshots.
var ErrNegativeAmount = errors.New("ledger: fee amount must not be negative")

// Config holds the ledger configuration.
type Config struct {
	Logger *slog.Logger
	Store  store.Store
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	return nil
}

// Ledger is the fee accrual surface. All amounts are integer minor units.
type Ledger struct {
	log *slog.Logger
	st  store.Store
}

// New constructs a ledger.
func New(cfg Config) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{log: cfg.Logger, st: cfg.Store}, nil
}

// AccrueShareFees credits the reward pool from a share-trade fee.
func (l *Ledger) AccrueShareFees(ctx context.Context, creatorID string, amount int64) error {
	return l.accrue(ctx, l.st, creatorID, amount, 0)
}

// AccrueShareFeesIn is AccrueShareFees inside an open transaction.
func (l *Ledger) AccrueShareFeesIn(ctx context.Context, tx store.Store, creatorID string, amount int64) error {
	return l.accrue(ctx, tx, creatorID, amount, 0)
}

// AccrueMarketFees credits the reward pool from prediction-market activity.
func (l *Ledger) AccrueMarketFees(ctx context.Context, creatorID string, amount int64) error {
	return l.accrue(ctx, l.st, creatorID, 0, amount)
}

// AccrueMarketFeesIn is AccrueMarketFees inside an open transaction.
func (l *Ledger) AccrueMarketFeesIn(ctx context.Context, tx store.Store, creatorID string, amount int64) error {
	return l.accrue(ctx, tx, creatorID, 0, amount)
}

func (l *Ledger) accrue(ctx context.Context, st store.Store, creatorID string, shareFees, marketFees int64) error {
	if shareFees < 0 || marketFees < 0 {
		return faults.Validation(ErrNegativeAmount)
	}
	if shareFees == 0 && marketFees == 0 {
		return nil
	}
	if err := st.AccrueFees(ctx, creatorID, shareFees, marketFees); err != nil {
		return faults.Transientf("ledger: accrue fees: %w", err)
	}
	l.log.Debug("ledger: fees accrued",
		"creator_id", creatorID,
		"share_fees", shareFees,
		"market_fees", marketFees,
	)
	return nil
}

// Accrued returns the fees accumulated since the last snapshot.
func (l *Ledger) Accrued(ctx context.Context, creatorID string) (store.FeeSnapshot, error) {
	snap, err := l.st.FeeAccruals(ctx, creatorID)
	if err != nil {
		return store.FeeSnapshot{}, faults.Transientf("ledger: read accruals: %w", err)
	}
	return snap, nil
}

// SnapshotAndReset atomically reads the accrued fees and zeroes the
// accumulators. Fees accrued while the snapshot is taken land in the next
// window, never in both or neither.
func (l *Ledger) SnapshotAndReset(ctx context.Context, tx store.Store, creatorID string) (store.FeeSnapshot, error) {
	snap, err := tx.ResetFees(ctx, creatorID)
	if err != nil {
		return store.FeeSnapshot{}, faults.Transientf("ledger: reset fees: %w", err)
	}
	return snap, nil
}
