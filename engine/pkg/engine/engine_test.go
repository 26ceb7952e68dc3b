package engine

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/fanbase-labs/divvy/engine/pkg/market"
	"github.com/fanbase-labs/divvy/engine/pkg/store"
	"github.com/fanbase-labs/divvy/engine/pkg/store/mem"
	"github.com/fanbase-labs/divvy/utils/pkg/logger"
)

func TestEngine_New(t *testing.T) {
	t.Parallel()

	t.Run("defaults fill in", func(t *testing.T) {
		t.Parallel()
		e, err := New(Config{
			Logger:     logger.NewTest(),
			Store:      mem.New(),
			ListenAddr: ":0",
		})
		require.NoError(t, err)
		require.NotNil(t, e.Market)
		require.NotNil(t, e.Runner)
		require.NotNil(t, e.Server)
	})

	t.Run("missing store rejected", func(t *testing.T) {
		t.Parallel()
		_, err := New(Config{Logger: logger.NewTest(), ListenAddr: ":0"})
		require.Error(t, err)
	})
}

// A full pass through the engine components against one store: trade, epoch
// close, dividend split, claim.
func TestEngine_EndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := mem.New()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC))

	params := DefaultParams()
	params.JobInterval = time.Minute
	e, err := New(Config{
		Logger:     logger.NewTest(),
		Clock:      clock,
		Store:      s,
		ListenAddr: ":0",
		Params:     params,
	})
	require.NoError(t, err)

	_, err = s.CreateCreator(ctx, store.Creator{ID: "alice", CreatedAt: clock.Now().UTC()})
	require.NoError(t, err)
	_, err = e.Epochs.EnsureOpenEpoch(ctx, "alice")
	require.NoError(t, err)

	// Bob takes 60 shares, Carol 40.
	_, err = e.Market.Buy(ctx, market.Order{TradeID: "b1", CreatorID: "alice", Trader: "bob", Amount: 60})
	require.NoError(t, err)
	_, err = e.Market.Buy(ctx, market.Order{TradeID: "b2", CreatorID: "alice", Trader: "carol", Amount: 40})
	require.NoError(t, err)

	// Market activity funds the pool.
	_, err = e.Market.RecordMarketVolume(ctx, "alice", 2_000_000)
	require.NoError(t, err)

	clock.Advance(params.EpochDuration)
	res, err := e.Epochs.Finalize(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 100, res.Finalized.TotalSharesAtSnapshot)
	require.EqualValues(t, 3000, res.Finalized.TotalFees) // 0.15% of 2,000,000

	div, err := e.Dividends.Calculate(ctx, res.Finalized.ID)
	require.NoError(t, err)
	require.Equal(t, 2, div.ShareholdersCount)
	require.EqualValues(t, 3000, div.TotalDistributed)

	cd, err := e.Claims.Claim(ctx, res.Finalized.ID, "bob")
	require.NoError(t, err)
	require.EqualValues(t, 1800, cd.Amount)

	cd, err = e.Claims.Claim(ctx, res.Finalized.ID, "carol")
	require.NoError(t, err)
	require.EqualValues(t, 1200, cd.Amount)
}
