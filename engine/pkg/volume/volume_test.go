package volume

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/fanbase-labs/divvy/engine/pkg/events"
	"github.com/fanbase-labs/divvy/engine/pkg/faults"
	"github.com/fanbase-labs/divvy/engine/pkg/store"
	"github.com/fanbase-labs/divvy/engine/pkg/store/mem"
	"github.com/fanbase-labs/divvy/utils/pkg/logger"
)

const threshold = 3_000_000

func newTracker(t *testing.T) (*Tracker, *mem.Store, *events.Bus, clockwork.Clock) {
	t.Helper()
	s := mem.New()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC))
	bus := events.NewBus(logger.NewTest())
	tr, err := NewTracker(Config{
		Logger:          logger.NewTest(),
		Clock:           clock,
		Store:           s,
		Bus:             bus,
		UnlockThreshold: threshold,
	})
	require.NoError(t, err)

	_, err = s.CreateCreator(context.Background(), store.Creator{ID: "alice"})
	require.NoError(t, err)
	return tr, s, bus, clock
}

func TestTracker_Record(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("accumulates monotonically", func(t *testing.T) {
		t.Parallel()
		tr, s, _, _ := newTracker(t)

		total, err := tr.Record(ctx, s, "alice", 1000)
		require.NoError(t, err)
		require.EqualValues(t, 1000, total)

		total, err = tr.Record(ctx, s, "alice", 500)
		require.NoError(t, err)
		require.EqualValues(t, 1500, total)
	})

	t.Run("negative delta rejected", func(t *testing.T) {
		t.Parallel()
		tr, s, _, _ := newTracker(t)

		_, err := tr.Record(ctx, s, "alice", -1)
		require.ErrorIs(t, err, ErrNegativeVolume)
		require.Equal(t, faults.KindValidation, faults.KindOf(err))
	})

	t.Run("unknown creator rejected", func(t *testing.T) {
		t.Parallel()
		tr, s, _, _ := newTracker(t)

		_, err := tr.Record(ctx, s, "nobody", 10)
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestTracker_CheckUnlock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("one unit below threshold stays locked", func(t *testing.T) {
		t.Parallel()
		tr, s, _, _ := newTracker(t)
		_, err := tr.Record(ctx, s, "alice", threshold-1)
		require.NoError(t, err)

		flipped, err := tr.CheckUnlock(ctx, "alice")
		require.NoError(t, err)
		require.False(t, flipped)

		c, err := s.GetCreator(ctx, "alice")
		require.NoError(t, err)
		require.False(t, c.SharesUnlocked)
	})

	t.Run("reaching the threshold unlocks exactly once", func(t *testing.T) {
		t.Parallel()
		tr, s, bus, clock := newTracker(t)
		ch, cancel := bus.Subscribe(4)
		defer cancel()

		_, err := tr.Record(ctx, s, "alice", threshold)
		require.NoError(t, err)

		flipped, err := tr.CheckUnlock(ctx, "alice")
		require.NoError(t, err)
		require.True(t, flipped)

		c, err := s.GetCreator(ctx, "alice")
		require.NoError(t, err)
		require.True(t, c.SharesUnlocked)
		require.Equal(t, clock.Now().UTC(), c.SharesUnlockedAt)

		ev := <-ch
		require.Equal(t, events.TypeSharesUnlocked, ev.Type)
		payload, ok := ev.Payload.(events.SharesUnlocked)
		require.True(t, ok)
		require.Equal(t, "alice", payload.CreatorID)
		require.EqualValues(t, threshold, payload.TotalVolume)

		// Second check is a no-op, no second event.
		flipped, err = tr.CheckUnlock(ctx, "alice")
		require.NoError(t, err)
		require.False(t, flipped)
		select {
		case ev := <-ch:
			t.Fatalf("unexpected event %v", ev.Type)
		default:
		}
	})

	t.Run("later volume never re-locks", func(t *testing.T) {
		t.Parallel()
		tr, s, _, _ := newTracker(t)

		_, err := tr.Record(ctx, s, "alice", threshold+500)
		require.NoError(t, err)
		flipped, err := tr.CheckUnlock(ctx, "alice")
		require.NoError(t, err)
		require.True(t, flipped)

		_, err = tr.Record(ctx, s, "alice", 1)
		require.NoError(t, err)
		c, err := s.GetCreator(ctx, "alice")
		require.NoError(t, err)
		require.True(t, c.SharesUnlocked)
	})
}
