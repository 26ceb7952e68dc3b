package claim

import (
	"context"
	"errors"
	"sync"
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

type stubPayout struct {
	mu    sync.Mutex
	calls int
	fail  error
}

func (p *stubPayout) Execute(ctx context.Context, holder string, amount int64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail != nil {
		return "", p.fail
	}
	return "ref-" + holder, nil
}

func newRegistry(t *testing.T, payout PayoutExecutor) (*Registry, *mem.Store, *events.Bus) {
	t.Helper()
	s := mem.New()
	bus := events.NewBus(logger.NewTest())
	if payout == nil {
		payout = &stubPayout{}
	}
	r, err := NewRegistry(Config{
		Logger: logger.NewTest(),
		Clock:  clockwork.NewFakeClockAt(time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)),
		Store:  s,
		Payout: payout,
		Bus:    bus,
	})
	require.NoError(t, err)

	_, err = s.InsertClaimables(context.Background(), []store.ClaimableDividend{
		{EpochID: "e1", CreatorID: "alice", Holder: "bob", SharesHeld: 6, Amount: 600},
		{EpochID: "e1", CreatorID: "alice", Holder: "carol", SharesHeld: 4, Amount: 400},
	})
	require.NoError(t, err)
	return r, s, bus
}

func TestRegistry_Claim(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("pays once and records the audit row", func(t *testing.T) {
		t.Parallel()
		r, s, bus := newRegistry(t, nil)
		ch, cancel := bus.Subscribe(4)
		defer cancel()

		cd, err := r.Claim(ctx, "e1", "bob")
		require.NoError(t, err)
		require.True(t, cd.Claimed)
		require.EqualValues(t, 600, cd.Amount)
		require.Equal(t, "ref-bob", cd.TxRef)

		claims, err := s.ListClaims(ctx, "bob")
		require.NoError(t, err)
		require.Len(t, claims, 1)
		require.EqualValues(t, 600, claims[0].Amount)

		ev := <-ch
		require.Equal(t, events.TypeDividendClaimed, ev.Type)
		payload := ev.Payload.(events.DividendClaimed)
		require.Equal(t, "bob", payload.Holder)
		require.EqualValues(t, 600, payload.Amount)
	})

	t.Run("second claim is a conflict", func(t *testing.T) {
		t.Parallel()
		r, s, _ := newRegistry(t, nil)

		_, err := r.Claim(ctx, "e1", "bob")
		require.NoError(t, err)

		_, err = r.Claim(ctx, "e1", "bob")
		require.ErrorIs(t, err, store.ErrAlreadyClaimed)
		require.Equal(t, faults.KindConflict, faults.KindOf(err))

		claims, err := s.ListClaims(ctx, "bob")
		require.NoError(t, err)
		require.Len(t, claims, 1)
	})

	t.Run("concurrent claims pay exactly once", func(t *testing.T) {
		t.Parallel()
		payout := &stubPayout{}
		r, s, _ := newRegistry(t, payout)

		const n = 8
		errs := make(chan error, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := r.Claim(ctx, "e1", "bob")
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		ok, conflicts := 0, 0
		for err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, store.ErrAlreadyClaimed):
				conflicts++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		require.Equal(t, 1, ok)
		require.Equal(t, n-1, conflicts)

		claims, err := s.ListClaims(ctx, "bob")
		require.NoError(t, err)
		require.Len(t, claims, 1)
	})

	t.Run("payout failure rolls everything back", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("payment rail down")
		r, s, _ := newRegistry(t, &stubPayout{fail: boom})

		_, err := r.Claim(ctx, "e1", "bob")
		require.ErrorIs(t, err, boom)
		require.Equal(t, faults.KindTransient, faults.KindOf(err))

		// Claimable is untouched, so the holder can retry.
		cd, err := s.ClaimableForUpdate(ctx, "e1", "bob")
		require.NoError(t, err)
		require.False(t, cd.Claimed)

		claims, err := s.ListClaims(ctx, "bob")
		require.NoError(t, err)
		require.Empty(t, claims)
	})

	t.Run("unknown pair is a validation fault", func(t *testing.T) {
		t.Parallel()
		r, _, _ := newRegistry(t, nil)

		_, err := r.Claim(ctx, "e1", "mallory")
		require.ErrorIs(t, err, ErrNothingToClaim)
		require.Equal(t, faults.KindValidation, faults.KindOf(err))
	})
}

func TestRegistry_Queries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _, _ := newRegistry(t, nil)

	_, err := r.Claim(ctx, "e1", "carol")
	require.NoError(t, err)

	claimable, err := r.Claimable(ctx, "carol")
	require.NoError(t, err)
	require.Len(t, claimable, 1)
	require.True(t, claimable[0].Claimed)

	history, err := r.History(ctx, "carol")
	require.NoError(t, err)
	require.Len(t, history, 1)

	history, err = r.History(ctx, "bob")
	require.NoError(t, err)
	require.Empty(t, history)
}
