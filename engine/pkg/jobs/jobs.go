// Package jobs drives the periodic work of the engine: finalizing due
// epochs, calculating dividends, and checking the share-unlock threshold.
// Each unit of work retries with backoff on transient failure; a unit that
// exhausts its budget is written to the dead-letter table for manual replay.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/fanbase-labs/divvy/engine/pkg/dividend"
	"github.com/fanbase-labs/divvy/engine/pkg/epoch"
	"github.com/fanbase-labs/divvy/engine/pkg/faults"
	"github.com/fanbase-labs/divvy/engine/pkg/metrics"
	"github.com/fanbase-labs/divvy/engine/pkg/store"
	"github.com/fanbase-labs/divvy/engine/pkg/volume"
	"github.com/fanbase-labs/divvy/utils/pkg/retry"
)

// Job kinds, as recorded in dead letters.
const (
	KindFinalizeEpoch      = "finalize-epoch"
	KindCalculateDividends = "calculate-dividends"
	KindCheckUnlock        = "check-unlock"
)

// Config holds the runner configuration.
type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Store     store.Store
	Epochs    *epoch.Manager
	Dividends *dividend.Calculator
	Volume    *volume.Tracker

	// Interval is the scheduler tick. Each tick scans every creator.
	Interval time.Duration

	// MaxConcurrency bounds how many creators are processed in parallel.
	MaxConcurrency int

	// Retry is the per-job retry budget. Clock is overridden with the
	// runner's clock.
	Retry retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Epochs == nil {
		return errors.New("epoch manager is required")
	}
	if cfg.Dividends == nil {
		return errors.New("dividend calculator is required")
	}
	if cfg.Volume == nil {
		return errors.New("volume tracker is required")
	}
	if cfg.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	cfg.Retry.Clock = cfg.Clock
	if cfg.Retry.RetryIf == nil {
		cfg.Retry.RetryIf = faults.IsRetryable
	}
	return nil
}

// Runner is the periodic scheduler.
type Runner struct {
	log       *slog.Logger
	clock     clockwork.Clock
	st        store.Store
	epochs    *epoch.Manager
	dividends *dividend.Calculator
	volume    *volume.Tracker
	interval  time.Duration
	workers   int
	retryCfg  retry.Config

	readyOnce sync.Once
	readyCh   chan struct{}
}

// NewRunner constructs a runner.
func NewRunner(cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{
		log:       cfg.Logger,
		clock:     cfg.Clock,
		st:        cfg.Store,
		epochs:    cfg.Epochs,
		dividends: cfg.Dividends,
		volume:    cfg.Volume,
		interval:  cfg.Interval,
		workers:   cfg.MaxConcurrency,
		retryCfg:  cfg.Retry,
		readyCh:   make(chan struct{}),
	}, nil
}

// Start launches the scheduler loop. It returns immediately; the loop stops
// when ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	go r.run(ctx)
}

// Ready is closed after the first full pass over all creators.
func (r *Runner) Ready() <-chan struct{} { return r.readyCh }

func (r *Runner) run(ctx context.Context) {
	r.log.Info("jobs: scheduler started", "interval", r.interval, "workers", r.workers)

	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Error("jobs: pass failed", "error", err)
		}
		r.readyOnce.Do(func() { close(r.readyCh) })

		select {
		case <-ctx.Done():
			r.log.Info("jobs: scheduler stopped")
			return
		case <-ticker.Chan():
		}
	}
}

// RunOnce processes every creator a single time. Failures are handled per
// creator; the pass itself only fails on context cancellation or when the
// creator listing fails.
func (r *Runner) RunOnce(ctx context.Context) error {
	ids, err := r.st.ListCreatorIDs(ctx)
	if err != nil {
		return faults.Transientf("jobs: list creators: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for _, id := range ids {
		g.Go(func() error {
			r.processCreator(ctx, id)
			return ctx.Err()
		})
	}
	return g.Wait()
}

// processCreator runs the creator's due work in order: finalize, then
// dividends for any finalized epoch still awaiting them, then the unlock
// check. A failed step does not block later independent steps.
func (r *Runner) processCreator(ctx context.Context, creatorID string) {
	if _, err := r.epochs.EnsureOpenEpoch(ctx, creatorID); err != nil {
		r.log.Error("jobs: ensure open epoch", "creator_id", creatorID, "error", err)
	}

	due, err := r.epochs.DueForFinalize(ctx, creatorID)
	if err != nil {
		r.log.Error("jobs: due check", "creator_id", creatorID, "error", err)
	}
	if due {
		r.runJob(ctx, KindFinalizeEpoch, creatorID, map[string]string{"creator_id": creatorID}, func() error {
			_, err := r.epochs.Finalize(ctx, creatorID)
			return err
		})
	}

	r.sweepDividends(ctx, creatorID)

	r.runJob(ctx, KindCheckUnlock, creatorID, map[string]string{"creator_id": creatorID}, func() error {
		_, err := r.volume.CheckUnlock(ctx, creatorID)
		return err
	})
}

// sweepDividends calculates dividends for the newest finalized epoch that has
// fees but no claimable rows yet. Running it every tick, not just after a
// finalize in the same pass, means a crash between the finalize commit and
// the calculation is repaired on the next tick; Calculate is idempotent, so
// sweeping an already-calculated epoch changes nothing.
func (r *Runner) sweepDividends(ctx context.Context, creatorID string) {
	eps, err := r.st.ListEpochs(ctx, creatorID, 2)
	if err != nil {
		r.log.Error("jobs: list epochs", "creator_id", creatorID, "error", err)
		return
	}
	for _, ep := range eps {
		if !ep.Distributed {
			continue
		}
		if ep.TotalFees <= 0 || ep.TotalSharesAtSnapshot <= 0 {
			return
		}
		n, err := r.st.CountClaimables(ctx, ep.ID)
		if err != nil {
			r.log.Error("jobs: count claimables", "epoch_id", ep.ID, "error", err)
			return
		}
		if n > 0 {
			return
		}
		r.runJob(ctx, KindCalculateDividends, creatorID, map[string]string{"epoch_id": ep.ID}, func() error {
			_, err := r.dividends.Calculate(ctx, ep.ID)
			return err
		})
		return
	}
}

// runJob executes fn under the retry budget and routes terminal failures.
// Validation and conflict faults are permanent but benign duplicates of work
// already done, so they are skipped; everything else that survives the
// budget goes to the dead-letter table.
func (r *Runner) runJob(ctx context.Context, kind, creatorID string, payload any, fn func() error) {
	attempts := 0
	err := retry.Do(ctx, r.retryCfg, func() error {
		attempts++
		if attempts > 1 {
			metrics.JobRetriesTotal.WithLabelValues(kind).Inc()
		}
		return fn()
	})
	if err == nil {
		metrics.JobRunsTotal.WithLabelValues(kind, "ok").Inc()
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}

	switch faults.KindOf(err) {
	case faults.KindValidation, faults.KindConflict:
		metrics.JobRunsTotal.WithLabelValues(kind, "skipped").Inc()
		r.log.Debug("jobs: skipped", "kind", kind, "creator_id", creatorID, "reason", err)
		return
	}

	metrics.JobRunsTotal.WithLabelValues(kind, "error").Inc()
	r.deadLetter(ctx, kind, creatorID, payload, attempts, err)
}

func (r *Runner) deadLetter(ctx context.Context, kind, creatorID string, payload any, attempts int, cause error) {
	body, merr := json.Marshal(payload)
	if merr != nil {
		body = []byte(`{}`)
	}
	dl := store.DeadLetter{
		ID:        uuid.NewString(),
		JobKind:   kind,
		CreatorID: creatorID,
		Payload:   body,
		Attempts:  attempts,
		LastError: cause.Error(),
		CreatedAt: r.clock.Now().UTC(),
	}
	if err := r.st.InsertDeadLetter(ctx, dl); err != nil {
		r.log.Error("jobs: dead-letter write failed",
			"kind", kind, "creator_id", creatorID, "cause", cause, "error", err)
		return
	}
	metrics.DeadLettersTotal.WithLabelValues(kind).Inc()
	r.log.Error("jobs: dead-lettered",
		"kind", kind,
		"creator_id", creatorID,
		"attempts", attempts,
		"error", cause,
	)
}
