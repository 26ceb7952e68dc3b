package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/fanbase-labs/divvy/engine/pkg/dividend"
	"github.com/fanbase-labs/divvy/engine/pkg/epoch"
	"github.com/fanbase-labs/divvy/engine/pkg/ledger"
	"github.com/fanbase-labs/divvy/engine/pkg/store"
	"github.com/fanbase-labs/divvy/engine/pkg/store/mem"
	"github.com/fanbase-labs/divvy/engine/pkg/volume"
	"github.com/fanbase-labs/divvy/utils/pkg/logger"
)

const epochLen = 24 * time.Hour

// flakyStore fails LatchSharesUnlocked until the failure budget runs out.
type flakyStore struct {
	store.Store
	failures int
}

func (f *flakyStore) LatchSharesUnlocked(ctx context.Context, creatorID string, at time.Time) (bool, error) {
	if f.failures > 0 {
		f.failures--
		return false, errors.New("connection reset")
	}
	return f.Store.LatchSharesUnlocked(ctx, creatorID, at)
}

type fixture struct {
	runner *Runner
	store  store.Store
	mem    *mem.Store
	clock  *clockwork.FakeClock
	epochs *epoch.Manager
}

func newFixture(t *testing.T, wrap func(store.Store) store.Store) *fixture {
	t.Helper()
	ms := mem.New()
	var st store.Store = ms
	if wrap != nil {
		st = wrap(ms)
	}
	clock := clockwork.NewFakeClockAt(time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC))
	log := logger.NewTest()

	led, err := ledger.New(ledger.Config{Logger: log, Store: st})
	require.NoError(t, err)
	epochs, err := epoch.NewManager(epoch.Config{Logger: log, Clock: clock, Store: st, Ledger: led, Duration: epochLen})
	require.NoError(t, err)
	dividends, err := dividend.NewCalculator(dividend.Config{Logger: log, Clock: clock, Store: st})
	require.NoError(t, err)
	vol, err := volume.NewTracker(volume.Config{Logger: log, Clock: clock, Store: st, UnlockThreshold: 3_000_000})
	require.NoError(t, err)

	runner, err := NewRunner(Config{
		Logger:         log,
		Clock:          clock,
		Store:          st,
		Epochs:         epochs,
		Dividends:      dividends,
		Volume:         vol,
		Interval:       time.Minute,
		MaxConcurrency: 2,
	})
	require.NoError(t, err)
	return &fixture{runner: runner, store: st, mem: ms, clock: clock, epochs: epochs}
}

func TestRunner_RunOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("opens epochs for new creators", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		_, err := f.store.CreateCreator(ctx, store.Creator{ID: "alice"})
		require.NoError(t, err)

		require.NoError(t, f.runner.RunOnce(ctx))

		ep, err := f.store.OpenEpoch(ctx, "alice")
		require.NoError(t, err)
		require.EqualValues(t, 1, ep.Number)
	})

	t.Run("finalizes due epochs and writes dividends", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		_, err := f.store.CreateCreator(ctx, store.Creator{ID: "alice"})
		require.NoError(t, err)
		require.NoError(t, f.runner.RunOnce(ctx))

		first, err := f.store.OpenEpoch(ctx, "alice")
		require.NoError(t, err)

		_, err = f.store.InsertTrade(ctx, store.ShareTrade{
			ID: "t1", CreatorID: "alice", Trader: "bob", Side: store.SideBuy,
			ShareDelta: 10, ExecutedAt: f.clock.Now().UTC(),
		})
		require.NoError(t, err)
		require.NoError(t, f.store.AccrueFees(ctx, "alice", 500, 0))

		f.clock.Advance(epochLen)
		require.NoError(t, f.runner.RunOnce(ctx))

		got, err := f.store.GetEpoch(ctx, first.ID)
		require.NoError(t, err)
		require.True(t, got.Distributed)
		require.EqualValues(t, 500, got.TotalFees)

		rows, err := f.store.ListClaimablesByEpoch(ctx, first.ID)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		require.EqualValues(t, 500, rows[0].Amount)

		next, err := f.store.OpenEpoch(ctx, "alice")
		require.NoError(t, err)
		require.EqualValues(t, 2, next.Number)
	})

	t.Run("epochs finalized outside the scheduler still get dividends", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		_, err := f.store.CreateCreator(ctx, store.Creator{ID: "alice"})
		require.NoError(t, err)

		// Finalize directly, as the HTTP endpoint would, so no tick has seen
		// the finalized epoch yet.
		first, err := f.epochs.EnsureOpenEpoch(ctx, "alice")
		require.NoError(t, err)
		_, err = f.store.InsertTrade(ctx, store.ShareTrade{
			ID: "t1", CreatorID: "alice", Trader: "bob", Side: store.SideBuy,
			ShareDelta: 10, ExecutedAt: f.clock.Now().UTC(),
		})
		require.NoError(t, err)
		require.NoError(t, f.store.AccrueFees(ctx, "alice", 500, 0))
		f.clock.Advance(epochLen)
		_, err = f.epochs.Finalize(ctx, "alice")
		require.NoError(t, err)

		rows, err := f.store.ListClaimablesByEpoch(ctx, first.ID)
		require.NoError(t, err)
		require.Empty(t, rows)

		require.NoError(t, f.runner.RunOnce(ctx))

		rows, err = f.store.ListClaimablesByEpoch(ctx, first.ID)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		require.EqualValues(t, 500, rows[0].Amount)

		dls, err := f.store.ListDeadLetters(ctx, 0)
		require.NoError(t, err)
		require.Empty(t, dls)
	})

	t.Run("mid-window ticks do nothing", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		_, err := f.store.CreateCreator(ctx, store.Creator{ID: "alice"})
		require.NoError(t, err)

		require.NoError(t, f.runner.RunOnce(ctx))
		first, err := f.store.OpenEpoch(ctx, "alice")
		require.NoError(t, err)

		f.clock.Advance(epochLen / 2)
		require.NoError(t, f.runner.RunOnce(ctx))

		still, err := f.store.OpenEpoch(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, first.ID, still.ID)
	})

	t.Run("unlocks creators over the threshold", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		_, err := f.store.CreateCreator(ctx, store.Creator{ID: "alice", TotalVolume: 3_000_000})
		require.NoError(t, err)

		require.NoError(t, f.runner.RunOnce(ctx))

		c, err := f.store.GetCreator(ctx, "alice")
		require.NoError(t, err)
		require.True(t, c.SharesUnlocked)
	})

	t.Run("transient failures retry and then succeed", func(t *testing.T) {
		t.Parallel()
		var fs *flakyStore
		f := newFixture(t, func(s store.Store) store.Store {
			fs = &flakyStore{Store: s, failures: 2}
			return fs
		})
		// Tiny real-clock backoff keeps retries from waiting on the fake
		// scheduler clock.
		f.runner.retryCfg.Clock = clockwork.NewRealClock()
		f.runner.retryCfg.BaseBackoff = time.Millisecond
		f.runner.retryCfg.MaxBackoff = time.Millisecond

		_, err := f.store.CreateCreator(ctx, store.Creator{ID: "alice", TotalVolume: 3_000_000})
		require.NoError(t, err)

		require.NoError(t, f.runner.RunOnce(ctx))

		c, err := f.store.GetCreator(ctx, "alice")
		require.NoError(t, err)
		require.True(t, c.SharesUnlocked)

		dls, err := f.store.ListDeadLetters(ctx, 0)
		require.NoError(t, err)
		require.Empty(t, dls)
	})

	t.Run("exhausted retries dead-letter the job", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, func(s store.Store) store.Store {
			return &flakyStore{Store: s, failures: 1000}
		})
		f.runner.retryCfg.Clock = clockwork.NewRealClock()
		f.runner.retryCfg.MaxAttempts = 2
		f.runner.retryCfg.BaseBackoff = time.Millisecond
		f.runner.retryCfg.MaxBackoff = time.Millisecond

		_, err := f.store.CreateCreator(ctx, store.Creator{ID: "alice", TotalVolume: 3_000_000})
		require.NoError(t, err)

		require.NoError(t, f.runner.RunOnce(ctx))

		dls, err := f.store.ListDeadLetters(ctx, 0)
		require.NoError(t, err)
		require.Len(t, dls, 1)
		require.Equal(t, KindCheckUnlock, dls[0].JobKind)
		require.Equal(t, "alice", dls[0].CreatorID)
		require.Equal(t, 2, dls[0].Attempts)
		require.Contains(t, dls[0].LastError, "connection reset")
	})
}

func TestRunner_Start(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.runner.Start(ctx)
	select {
	case <-f.runner.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("runner never became ready")
	}
}
