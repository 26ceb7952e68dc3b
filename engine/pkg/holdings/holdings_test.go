package holdings

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fanbase-labs/divvy/engine/pkg/faults"
	"github.com/fanbase-labs/divvy/engine/pkg/store"
	"github.com/fanbase-labs/divvy/engine/pkg/store/mem"
	"github.com/fanbase-labs/divvy/utils/pkg/logger"
)

func trade(id, trader string, delta int64, at time.Time) store.ShareTrade {
	side := store.SideBuy
	if delta < 0 {
		side = store.SideSell
	}
	return store.ShareTrade{ID: id, CreatorID: "alice", Trader: trader, Side: side, ShareDelta: delta, ExecutedAt: at}
}

func TestReconstruct(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()

	t.Run("sums signed deltas per trader", func(t *testing.T) {
		t.Parallel()
		snap, err := Reconstruct([]store.ShareTrade{
			trade("t1", "bob", 10, now),
			trade("t2", "carol", 4, now),
			trade("t3", "bob", -3, now),
		})
		require.NoError(t, err)
		require.EqualValues(t, 7, snap.Balances["bob"])
		require.EqualValues(t, 4, snap.Balances["carol"])
		require.EqualValues(t, 11, snap.TotalShares)
	})

	t.Run("drops zero balances", func(t *testing.T) {
		t.Parallel()
		snap, err := Reconstruct([]store.ShareTrade{
			trade("t1", "bob", 5, now),
			trade("t2", "bob", -5, now),
		})
		require.NoError(t, err)
		require.NotContains(t, snap.Balances, "bob")
		require.EqualValues(t, 0, snap.TotalShares)
	})

	t.Run("negative balance is an integrity fault", func(t *testing.T) {
		t.Parallel()
		_, err := Reconstruct([]store.ShareTrade{
			trade("t1", "bob", 2, now),
			trade("t2", "bob", -3, now),
		})
		require.Error(t, err)
		require.ErrorIs(t, err, ErrNegativeBalance)
		require.Equal(t, faults.KindIntegrity, faults.KindOf(err))
	})

	t.Run("empty log yields empty snapshot", func(t *testing.T) {
		t.Parallel()
		snap, err := Reconstruct(nil)
		require.NoError(t, err)
		require.Empty(t, snap.Balances)
	})

	t.Run("holders are sorted", func(t *testing.T) {
		t.Parallel()
		snap, err := Reconstruct([]store.ShareTrade{
			trade("t1", "zed", 1, now),
			trade("t2", "amy", 1, now),
			trade("t3", "bob", 1, now),
		})
		require.NoError(t, err)
		require.Equal(t, []string{"amy", "bob", "zed"}, snap.Holders())
	})
}

func TestTracker_SnapshotAt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := mem.New()
	_, err := s.CreateCreator(ctx, store.Creator{ID: "alice"})
	require.NoError(t, err)

	base := time.Now().UTC()
	for _, tr := range []store.ShareTrade{
		trade("t1", "bob", 10, base),
		trade("t2", "carol", 5, base.Add(time.Minute)),
		trade("t3", "bob", -2, base.Add(2*time.Minute)),
	} {
		_, err := s.InsertTrade(ctx, tr)
		require.NoError(t, err)
	}

	tracker, err := NewTracker(Config{Logger: logger.NewTest(), Store: s})
	require.NoError(t, err)

	// Cutoff excludes the sell at +2m.
	snap, err := tracker.SnapshotAt(ctx, "alice", base.Add(2*time.Minute))
	require.NoError(t, err)
	require.EqualValues(t, 10, snap.Balances["bob"])
	require.EqualValues(t, 15, snap.TotalShares)

	snap, err = tracker.SnapshotAt(ctx, "alice", base.Add(time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 8, snap.Balances["bob"])
	require.EqualValues(t, 13, snap.TotalShares)
}
