// Package holdings reconstructs share balances from the trade log. The
// snapshot is point-in-time at the window end, not a time-weighted average;
// dividend accounting depends on exactly this choice.
package holdings

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/fanbase-labs/divvy/engine/pkg/faults"
	"github.com/fanbase-labs/divvy/engine/pkg/metrics"
	"github.com/fanbase-labs/divvy/engine/pkg/store"
)

// ErrNegativeBalance indicates the raw trade log drives a holder below zero.
// That is a data-integrity fault in the upstream stream, never corrected
// silently here.
var ErrNegativeBalance = errors.New("holdings: trade log implies negative balance")

// Snapshot holds each address's share balance at the end of a window,
// filtered to positive balances.
type Snapshot struct {
	Balances    map[string]int64
	TotalShares int64
}

// Holders returns the snapshot's addresses in deterministic order.
func (s Snapshot) Holders() []string {
	out := make([]string, 0, len(s.Balances))
	for h := range s.Balances {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Reconstruct replays trades in order, accumulating signed share deltas per
// trader. It fails with a data-integrity fault if any balance would go
// negative.
func Reconstruct(trades []store.ShareTrade) (Snapshot, error) {
	balances := make(map[string]int64)
	for _, tr := range trades {
		next := balances[tr.Trader] + tr.ShareDelta
		if next < 0 {
			return Snapshot{}, faults.Integrity(
				errors.Join(ErrNegativeBalance,
					errors.New("trade "+tr.ID+" trader "+tr.Trader)))
		}
		balances[tr.Trader] = next
	}

	snap := Snapshot{Balances: make(map[string]int64, len(balances))}
	for holder, shares := range balances {
		if shares > 0 {
			snap.Balances[holder] = shares
			snap.TotalShares += shares
		}
	}
	return snap, nil
}

// Config holds the tracker configuration.
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

// Tracker reconstructs holdings from persisted trades.
type Tracker struct {
	log *slog.Logger
	st  store.Store
}

// NewTracker constructs a tracker.
func NewTracker(cfg Config) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Tracker{log: cfg.Logger, st: cfg.Store}, nil
}

// SnapshotAt returns the holdings of a creator's shares at the given instant,
// replaying all trades executed strictly before it.
func (t *Tracker) SnapshotAt(ctx context.Context, creatorID string, at time.Time) (Snapshot, error) {
	return snapshotAt(ctx, t.st, creatorID, at)
}

// SnapshotAtIn is SnapshotAt against an explicit store view, for callers that
// need the replay inside an open transaction.
func SnapshotAtIn(ctx context.Context, st store.Store, creatorID string, at time.Time) (Snapshot, error) {
	return snapshotAt(ctx, st, creatorID, at)
}

func snapshotAt(ctx context.Context, st store.Store, creatorID string, at time.Time) (Snapshot, error) {
	trades, err := st.ListTradesUntil(ctx, creatorID, at)
	if err != nil {
		return Snapshot{}, faults.Transientf("holdings: list trades: %w", err)
	}
	snap, err := Reconstruct(trades)
	if err != nil {
		metrics.IntegrityFaultsTotal.WithLabelValues("holdings").Inc()
		return Snapshot{}, err
	}
	return snap, nil
}
