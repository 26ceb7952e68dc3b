// Package volume tracks lifetime trading volume per creator and latches the
// share-unlock flag once the configured threshold is crossed. The latch is
// one-way; later volume never re-locks shares.
package volume

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/fanbase-labs/divvy/engine/pkg/events"
	"github.com/fanbase-labs/divvy/engine/pkg/faults"
	"github.com/fanbase-labs/divvy/engine/pkg/metrics"
	"github.com/fanbase-labs/divvy/engine/pkg/store"
)

// ErrNegativeVolume rejects volume deltas below zero. TotalVolume is a
// monotonic counter.
var ErrNegativeVolume = errors.New("volume: delta must not be negative")

// Config holds the tracker configuration.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  store.Store
	Bus    *events.Bus

	// UnlockThreshold is the lifetime volume, in minor units, past which a
	// creator's shares unlock.
	UnlockThreshold int64
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.UnlockThreshold <= 0 {
		return errors.New("unlock threshold must be positive")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Tracker accumulates volume and drives the unlock latch.
type Tracker struct {
	log       *slog.Logger
	clock     clockwork.Clock
	st        store.Store
	bus       *events.Bus
	threshold int64
}

// NewTracker constructs a tracker.
func NewTracker(cfg Config) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Tracker{
		log:       cfg.Logger,
		clock:     cfg.Clock,
		st:        cfg.Store,
		bus:       cfg.Bus,
		threshold: cfg.UnlockThreshold,
	}, nil
}

// Record adds delta to the creator's lifetime volume and returns the new
// total. The threshold check itself runs separately in CheckUnlock.
func (t *Tracker) Record(ctx context.Context, st store.Store, creatorID string, delta int64) (int64, error) {
	if delta < 0 {
		return 0, faults.Validation(ErrNegativeVolume)
	}
	if delta == 0 {
		c, err := st.GetCreator(ctx, creatorID)
		if err != nil {
			return 0, classifyStoreErr("volume: get creator", err)
		}
		return c.TotalVolume, nil
	}
	total, err := st.AddVolume(ctx, creatorID, delta)
	if err != nil {
		return 0, classifyStoreErr("volume: add volume", err)
	}
	return total, nil
}

// CheckUnlock latches the shares-unlocked flag if the creator's lifetime
// volume has reached the threshold. Returns true only on the transition.
func (t *Tracker) CheckUnlock(ctx context.Context, creatorID string) (bool, error) {
	c, err := t.st.GetCreator(ctx, creatorID)
	if err != nil {
		return false, classifyStoreErr("volume: get creator", err)
	}
	if c.SharesUnlocked || c.TotalVolume < t.threshold {
		return false, nil
	}

	now := t.clock.Now().UTC()
	flipped, err := t.st.LatchSharesUnlocked(ctx, creatorID, now)
	if err != nil {
		return false, faults.Transientf("volume: latch unlock: %w", err)
	}
	if !flipped {
		// Another worker latched first.
		return false, nil
	}

	t.log.Info("volume: shares unlocked",
		"creator_id", creatorID,
		"total_volume", c.TotalVolume,
		"threshold", t.threshold,
	)
	metrics.SharesUnlockedTotal.Inc()
	if t.bus != nil {
		t.bus.Publish(events.Event{
			Type: events.TypeSharesUnlocked,
			At:   now,
			Payload: events.SharesUnlocked{
				CreatorID:   creatorID,
				TotalVolume: c.TotalVolume,
			},
		})
	}
	return true, nil
}

// Threshold returns the configured unlock threshold.
func (t *Tracker) Threshold() int64 { return t.threshold }

func classifyStoreErr(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return faults.Validationf("%s: %w", op, err)
	}
	return faults.Transientf("%s: %w", op, err)
}
