// Package claim processes dividend claims. The state flip, the audit record
// and the payout all happen inside one transaction; a payout failure rolls
// the claim back so the holder can retry.
package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/fanbase-labs/divvy/engine/pkg/events"
	"github.com/fanbase-labs/divvy/engine/pkg/faults"
	"github.com/fanbase-labs/divvy/engine/pkg/metrics"
	"github.com/fanbase-labs/divvy/engine/pkg/store"
)

// ErrNothingToClaim means no claimable dividend exists for the
// (epoch, holder) pair.
var ErrNothingToClaim = errors.New("claim: no claimable dividend")

// PayoutExecutor moves the claimed amount to the holder. Execute must be
// safe to abort: it runs inside the claim transaction and its side effects
// are only considered durable once the transaction commits.
type PayoutExecutor interface {
	Execute(ctx context.Context, holder string, amount int64) (txRef string, err error)
}

// LoggingPayout is the development executor. It performs no transfer and
// fabricates a reference.
type LoggingPayout struct {
	Logger *slog.Logger
}

func (p *LoggingPayout) Execute(ctx context.Context, holder string, amount int64) (string, error) {
	ref := "payout-" + uuid.NewString()
	p.Logger.Info("claim: simulated payout", "holder", holder, "amount", amount, "tx_ref", ref)
	return ref, nil
}

// Config holds the registry configuration.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  store.Store
	Payout PayoutExecutor
	Bus    *events.Bus
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Payout == nil {
		return errors.New("payout executor is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Registry is the claim surface.
type Registry struct {
	log    *slog.Logger
	clock  clockwork.Clock
	st     store.Store
	payout PayoutExecutor
	bus    *events.Bus
}

// NewRegistry constructs a registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Registry{
		log:    cfg.Logger,
		clock:  cfg.Clock,
		st:     cfg.Store,
		payout: cfg.Payout,
		bus:    cfg.Bus,
	}, nil
}

// Claim pays out a holder's dividend for an epoch exactly once. Concurrent
// claims for the same (epoch, holder) are serialized by the row lock; the
// loser observes ErrAlreadyClaimed.
func (r *Registry) Claim(ctx context.Context, epochID, holder string) (store.ClaimableDividend, error) {
	now := r.clock.Now().UTC()
	var claimed store.ClaimableDividend

	err := r.st.InTx(ctx, func(tx store.Store) error {
		cd, err := tx.ClaimableForUpdate(ctx, epochID, holder)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return faults.Validation(fmt.Errorf("%w: epoch %s holder %s", ErrNothingToClaim, epochID, holder))
			}
			return faults.Transientf("claim: lock claimable: %w", err)
		}
		if cd.Claimed {
			return faults.Conflictf("claim: %w", store.ErrAlreadyClaimed)
		}

		txRef, err := r.payout.Execute(ctx, holder, cd.Amount)
		if err != nil {
			return faults.Transientf("claim: payout: %w", err)
		}

		if err := tx.MarkClaimed(ctx, epochID, holder, txRef, now); err != nil {
			if errors.Is(err, store.ErrAlreadyClaimed) {
				return faults.Conflictf("claim: %w", err)
			}
			return faults.Transientf("claim: mark claimed: %w", err)
		}
		if err := tx.InsertClaim(ctx, store.DividendClaim{
			ID:        uuid.NewString(),
			EpochID:   epochID,
			Holder:    holder,
			Amount:    cd.Amount,
			TxRef:     txRef,
			ClaimedAt: now,
		}); err != nil {
			return faults.Transientf("claim: record claim: %w", err)
		}

		cd.Claimed = true
		cd.TxRef = txRef
		cd.ClaimedAt = now
		claimed = cd
		return nil
	})
	if err != nil {
		status := "error"
		switch faults.KindOf(err) {
		case faults.KindConflict:
			status = "duplicate"
		case faults.KindValidation:
			status = "rejected"
		}
		metrics.ClaimsTotal.WithLabelValues(status).Inc()
		return store.ClaimableDividend{}, err
	}

	metrics.ClaimsTotal.WithLabelValues("ok").Inc()
	r.log.Info("claim: paid",
		"epoch_id", epochID,
		"holder", holder,
		"amount", claimed.Amount,
		"tx_ref", claimed.TxRef,
	)
	if r.bus != nil {
		r.bus.Publish(events.Event{
			Type: events.TypeDividendClaimed,
			At:   now,
			Payload: events.DividendClaimed{
				EpochID: epochID,
				Holder:  holder,
				Amount:  claimed.Amount,
				TxRef:   claimed.TxRef,
			},
		})
	}
	return claimed, nil
}

// Claimable lists a holder's dividends across epochs, claimed and unclaimed.
func (r *Registry) Claimable(ctx context.Context, holder string) ([]store.ClaimableDividend, error) {
	rows, err := r.st.ListClaimablesByHolder(ctx, holder)
	if err != nil {
		return nil, faults.Transientf("claim: list claimables: %w", err)
	}
	return rows, nil
}

// History lists a holder's completed claims.
func (r *Registry) History(ctx context.Context, holder string) ([]store.DividendClaim, error) {
	rows, err := r.st.ListClaims(ctx, holder)
	if err != nil {
		return nil, faults.Transientf("claim: list claims: %w", err)
	}
	return rows, nil
}
