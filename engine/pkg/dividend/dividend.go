// Package dividend computes proportional payouts for finalized epochs.
// Amounts use floor division, so the sum distributed never exceeds the
// epoch's fee pool; the remainder stays undistributed dust.
package dividend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/fanbase-labs/divvy/engine/pkg/events"
	"github.com/fanbase-labs/divvy/engine/pkg/faults"
	"github.com/fanbase-labs/divvy/engine/pkg/holdings"
	"github.com/fanbase-labs/divvy/engine/pkg/metrics"
	"github.com/fanbase-labs/divvy/engine/pkg/store"
)

// ErrNotFinalized means the epoch is still open and has no fee totals yet.
var ErrNotFinalized = errors.New("dividend: epoch not finalized")

// Config holds the calculator configuration.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  store.Store
	Bus    *events.Bus
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Calculator writes claimable dividends for finalized epochs.
type Calculator struct {
	log   *slog.Logger
	clock clockwork.Clock
	st    store.Store
	bus   *events.Bus
}

// NewCalculator constructs a calculator.
func NewCalculator(cfg Config) (*Calculator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{log: cfg.Logger, clock: cfg.Clock, st: cfg.Store, bus: cfg.Bus}, nil
}

// Result reports a completed calculation.
type Result struct {
	EpochID           string
	ShareholdersCount int
	TotalFees         int64
	TotalDistributed  int64
	Dust              int64
	AlreadyComputed   bool
}

// Calculate writes one claimable dividend per holder of the epoch's snapshot,
// proportional to shares held, floor-divided. A second call for the same
// epoch is a no-op reporting the existing rows. Holders whose floor share
// rounds to zero get no row.
func (c *Calculator) Calculate(ctx context.Context, epochID string) (Result, error) {
	ep, err := c.st.GetEpoch(ctx, epochID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, faults.Validationf("dividend: epoch %s: %w", epochID, err)
		}
		return Result{}, faults.Transientf("dividend: get epoch: %w", err)
	}
	if !ep.Distributed {
		return Result{}, faults.Validation(fmt.Errorf("%w: epoch %s", ErrNotFinalized, epochID))
	}

	var res Result
	err = c.st.InTx(ctx, func(tx store.Store) error {
		existing, err := tx.CountClaimables(ctx, epochID)
		if err != nil {
			return faults.Transientf("dividend: count claimables: %w", err)
		}
		if existing > 0 {
			rows, err := tx.ListClaimablesByEpoch(ctx, epochID)
			if err != nil {
				return faults.Transientf("dividend: list claimables: %w", err)
			}
			res = summarize(ep, rows)
			res.AlreadyComputed = true
			return nil
		}

		if ep.TotalSharesAtSnapshot == 0 || ep.TotalFees == 0 {
			res = Result{EpochID: epochID, TotalFees: ep.TotalFees, Dust: ep.TotalFees}
			return nil
		}

		snap, err := holdings.SnapshotAtIn(ctx, tx, ep.CreatorID, ep.EndTime)
		if err != nil {
			return err
		}
		if snap.TotalShares != ep.TotalSharesAtSnapshot {
			metrics.IntegrityFaultsTotal.WithLabelValues("dividend").Inc()
			return faults.Integrityf(
				"dividend: holdings replay of epoch %s yields %d shares, snapshot recorded %d",
				epochID, snap.TotalShares, ep.TotalSharesAtSnapshot)
		}

		now := c.clock.Now().UTC()
		rows := make([]store.ClaimableDividend, 0, len(snap.Balances))
		var distributed int64
		for _, holder := range snap.Holders() {
			shares := snap.Balances[holder]
			amount := ep.TotalFees * shares / snap.TotalShares
			if amount == 0 {
				// A holder whose floor share rounds to zero gets no row at
				// all: they see no claim rather than a zero claim, and the
				// unpaid units stay in the dust remainder.
				continue
			}
			distributed += amount
			rows = append(rows, store.ClaimableDividend{
				EpochID:    epochID,
				CreatorID:  ep.CreatorID,
				Holder:     holder,
				SharesHeld: shares,
				Amount:     amount,
				CreatedAt:  now,
			})
		}

		if _, err := tx.InsertClaimables(ctx, rows); err != nil {
			return faults.Transientf("dividend: insert claimables: %w", err)
		}
		res = Result{
			EpochID:           epochID,
			ShareholdersCount: len(rows),
			TotalFees:         ep.TotalFees,
			TotalDistributed:  distributed,
			Dust:              ep.TotalFees - distributed,
		}
		return nil
	})
	if err != nil {
		metrics.DividendsCalculatedTotal.WithLabelValues("error").Inc()
		return Result{}, err
	}

	if res.AlreadyComputed {
		metrics.DividendsCalculatedTotal.WithLabelValues("duplicate").Inc()
		c.log.Debug("dividend: already calculated", "epoch_id", epochID)
		return res, nil
	}

	metrics.DividendsCalculatedTotal.WithLabelValues("ok").Inc()
	c.log.Info("dividend: calculated",
		"epoch_id", epochID,
		"creator_id", ep.CreatorID,
		"shareholders", res.ShareholdersCount,
		"total_fees", res.TotalFees,
		"distributed", res.TotalDistributed,
		"dust", res.Dust,
	)
	if c.bus != nil {
		c.bus.Publish(events.Event{
			Type: events.TypeDividendsCalculated,
			At:   c.clock.Now().UTC(),
			Payload: events.DividendsCalculated{
				EpochID:           epochID,
				ShareholdersCount: res.ShareholdersCount,
				TotalFees:         res.TotalFees,
			},
		})
	}
	return res, nil
}

func summarize(ep store.Epoch, rows []store.ClaimableDividend) Result {
	var distributed int64
	for _, r := range rows {
		distributed += r.Amount
	}
	return Result{
		EpochID:           ep.ID,
		ShareholdersCount: len(rows),
		TotalFees:         ep.TotalFees,
		TotalDistributed:  distributed,
		Dust:              ep.TotalFees - distributed,
	}
}
