// Package epoch manages the per-creator accounting windows: one open epoch
// per creator at all times, a gap-free 1-based sequence, and transactional
// finalization that snapshots fees and holdings in the same commit.
package epoch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/fanbase-labs/divvy/engine/pkg/events"
	"github.com/fanbase-labs/divvy/engine/pkg/faults"
	"github.com/fanbase-labs/divvy/engine/pkg/holdings"
	"github.com/fanbase-labs/divvy/engine/pkg/ledger"
	"github.com/fanbase-labs/divvy/engine/pkg/metrics"
	"github.com/fanbase-labs/divvy/engine/pkg/store"
)

var (
	// ErrStillOpen means the open epoch's end time has not passed yet.
	ErrStillOpen = errors.New("epoch: epoch still open")

	// ErrNoOpenEpoch means the creator has no open epoch to finalize.
	ErrNoOpenEpoch = errors.New("epoch: no open epoch")
)

// Config holds the manager configuration.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  store.Store
	Bus    *events.Bus
	Ledger *ledger.Ledger

	// Duration is the length of each epoch window.
	Duration time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Duration <= 0 {
		return errors.New("duration must be positive")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Manager owns epoch lifecycle for all creators.
type Manager struct {
	log      *slog.Logger
	clock    clockwork.Clock
	st       store.Store
	bus      *events.Bus
	ledger   *ledger.Ledger
	duration time.Duration
}

// NewManager constructs a manager.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		log:      cfg.Logger,
		clock:    cfg.Clock,
		st:       cfg.Store,
		bus:      cfg.Bus,
		ledger:   cfg.Ledger,
		duration: cfg.Duration,
	}, nil
}

// Duration returns the configured epoch length.
func (m *Manager) Duration() time.Duration { return m.duration }

// EnsureOpenEpoch returns the creator's open epoch, creating epoch #1 (or the
// successor of the last finalized epoch) if none is open. Safe to call
// repeatedly.
func (m *Manager) EnsureOpenEpoch(ctx context.Context, creatorID string) (store.Epoch, error) {
	var out store.Epoch
	err := m.st.InTx(ctx, func(tx store.Store) error {
		open, err := tx.OpenEpoch(ctx, creatorID)
		if err == nil {
			out = open
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return faults.Transientf("epoch: read open epoch: %w", err)
		}

		if _, err := tx.GetCreator(ctx, creatorID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return faults.Validationf("epoch: creator %s: %w", creatorID, err)
			}
			return faults.Transientf("epoch: get creator: %w", err)
		}

		number := int64(1)
		prev, err := tx.ListEpochs(ctx, creatorID, 1)
		if err != nil {
			return faults.Transientf("epoch: list epochs: %w", err)
		}
		if len(prev) > 0 {
			number = prev[0].Number + 1
		}

		now := m.clock.Now().UTC()
		created, err := tx.CreateEpoch(ctx, store.Epoch{
			ID:        uuid.NewString(),
			CreatorID: creatorID,
			Number:    number,
			StartTime: now,
			EndTime:   now.Add(m.duration),
		})
		if err != nil {
			if errors.Is(err, store.ErrOpenEpochExists) {
				return faults.Conflictf("epoch: open epoch race: %w", err)
			}
			return faults.Transientf("epoch: create epoch: %w", err)
		}
		out = created
		m.log.Info("epoch: opened",
			"creator_id", creatorID,
			"epoch_id", created.ID,
			"epoch_number", created.Number,
			"end_time", created.EndTime,
		)
		return nil
	})
	if err != nil {
		return store.Epoch{}, err
	}
	return out, nil
}

// Result reports a completed finalization.
type Result struct {
	Finalized store.Epoch
	Next      store.Epoch
}

// Finalize closes the creator's open epoch once its end time has passed.
// In a single transaction it snapshots-and-resets the fee accumulators,
// reconstructs holdings at the epoch boundary, marks the epoch finalized
// with immutable fee totals, and opens the successor epoch. A second call
// for the same window fails with ErrAlreadyFinalized and changes nothing.
func (m *Manager) Finalize(ctx context.Context, creatorID string) (Result, error) {
	now := m.clock.Now().UTC()
	var res Result

	started := time.Now()
	defer func() {
		metrics.EpochFinalizeDuration.Observe(time.Since(started).Seconds())
	}()

	err := m.st.InTx(ctx, func(tx store.Store) error {
		ep, err := tx.OpenEpochForUpdate(ctx, creatorID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return faults.Validation(fmt.Errorf("%w: creator %s", ErrNoOpenEpoch, creatorID))
			}
			return faults.Transientf("epoch: lock open epoch: %w", err)
		}
		if ep.EndTime.After(now) {
			return faults.Validation(fmt.Errorf("%w: epoch %d of creator %s ends at %s",
				ErrStillOpen, ep.Number, creatorID, ep.EndTime.Format(time.RFC3339)))
		}

		fees, err := m.ledger.SnapshotAndReset(ctx, tx, creatorID)
		if err != nil {
			return err
		}

		snap, err := holdings.SnapshotAtIn(ctx, tx, creatorID, ep.EndTime)
		if err != nil {
			return err
		}

		if err := tx.MarkEpochFinalized(ctx, ep.ID, fees, snap.TotalShares, now); err != nil {
			if errors.Is(err, store.ErrAlreadyFinalized) {
				return faults.Conflictf("epoch: %w", err)
			}
			return faults.Transientf("epoch: mark finalized: %w", err)
		}

		ep.ShareFees = fees.ShareFees
		ep.MarketFees = fees.MarketFees
		ep.TotalFees = fees.Total()
		ep.TotalSharesAtSnapshot = snap.TotalShares
		ep.Distributed = true
		ep.DistributedAt = now

		next, err := tx.CreateEpoch(ctx, store.Epoch{
			ID:        uuid.NewString(),
			CreatorID: creatorID,
			Number:    ep.Number + 1,
			StartTime: now,
			EndTime:   now.Add(m.duration),
		})
		if err != nil {
			return faults.Transientf("epoch: open successor: %w", err)
		}

		res = Result{Finalized: ep, Next: next}
		return nil
	})
	if err != nil {
		metrics.EpochFinalizeTotal.WithLabelValues("error").Inc()
		return Result{}, err
	}

	metrics.EpochFinalizeTotal.WithLabelValues("ok").Inc()
	m.log.Info("epoch: finalized",
		"creator_id", creatorID,
		"epoch_id", res.Finalized.ID,
		"epoch_number", res.Finalized.Number,
		"total_fees", res.Finalized.TotalFees,
		"total_shares", res.Finalized.TotalSharesAtSnapshot,
		"next_epoch_id", res.Next.ID,
	)
	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type: events.TypeEpochFinalized,
			At:   now,
			Payload: events.EpochFinalized{
				CreatorID:   creatorID,
				EpochID:     res.Finalized.ID,
				EpochNumber: res.Finalized.Number,
				TotalFees:   res.Finalized.TotalFees,
			},
		})
	}
	return res, nil
}

// DueForFinalize reports whether the creator's open epoch has ended. A
// missing open epoch is not due; EnsureOpenEpoch handles that case.
func (m *Manager) DueForFinalize(ctx context.Context, creatorID string) (bool, error) {
	ep, err := m.st.OpenEpoch(ctx, creatorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, faults.Transientf("epoch: read open epoch: %w", err)
	}
	return !ep.EndTime.After(m.clock.Now().UTC()), nil
}

// Current returns the creator's open epoch.
func (m *Manager) Current(ctx context.Context, creatorID string) (store.Epoch, error) {
	ep, err := m.st.OpenEpoch(ctx, creatorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Epoch{}, faults.Validation(fmt.Errorf("%w: creator %s", ErrNoOpenEpoch, creatorID))
		}
		return store.Epoch{}, faults.Transientf("epoch: read open epoch: %w", err)
	}
	return ep, nil
}

// History returns the creator's epochs, newest first.
func (m *Manager) History(ctx context.Context, creatorID string, limit int) ([]store.Epoch, error) {
	eps, err := m.st.ListEpochs(ctx, creatorID, limit)
	if err != nil {
		return nil, faults.Transientf("epoch: list epochs: %w", err)
	}
	return eps, nil
}
