package market

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/fanbase-labs/divvy/engine/pkg/curve"
	"github.com/fanbase-labs/divvy/engine/pkg/faults"
	"github.com/fanbase-labs/divvy/engine/pkg/ledger"
	"github.com/fanbase-labs/divvy/engine/pkg/store"
	"github.com/fanbase-labs/divvy/engine/pkg/store/mem"
	"github.com/fanbase-labs/divvy/utils/pkg/logger"
)

// Slope 100, sell fee 5%, market fee 0.15%.
func newMarket(t *testing.T) (*Market, *mem.Store) {
	t.Helper()
	s := mem.New()
	crv, err := curve.New(curve.Config{Slope: 100, MaxSupply: 1000})
	require.NoError(t, err)
	led, err := ledger.New(ledger.Config{Logger: logger.NewTest(), Store: s})
	require.NoError(t, err)
	m, err := New(Config{
		Logger:       logger.NewTest(),
		Clock:        clockwork.NewFakeClockAt(time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)),
		Store:        s,
		Curve:        crv,
		Ledger:       led,
		SellFeeBps:   500,
		MarketFeeBps: 15,
	})
	require.NoError(t, err)

	_, err = s.CreateCreator(context.Background(), store.Creator{ID: "alice"})
	require.NoError(t, err)
	return m, s
}

func TestMarket_Buy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("prices along the curve and moves supply", func(t *testing.T) {
		t.Parallel()
		m, s := newMarket(t)

		// First share on an empty curve: slope * 1.
		res, err := m.Buy(ctx, Order{TradeID: "t1", CreatorID: "alice", Trader: "bob", Amount: 1})
		require.NoError(t, err)
		require.EqualValues(t, 100, res.Trade.QuoteAmount)
		require.EqualValues(t, 1, res.NewSupply)
		require.EqualValues(t, 0, res.Fee)

		// Next two shares cost steps 2 and 3.
		res, err = m.Buy(ctx, Order{TradeID: "t2", CreatorID: "alice", Trader: "bob", Amount: 2})
		require.NoError(t, err)
		require.EqualValues(t, 500, res.Trade.QuoteAmount)
		require.EqualValues(t, 3, res.NewSupply)

		c, err := s.GetCreator(ctx, "alice")
		require.NoError(t, err)
		require.EqualValues(t, 3, c.Supply)
		require.EqualValues(t, 600, c.TotalVolume)

		balance, err := s.HolderBalance(ctx, "alice", "bob")
		require.NoError(t, err)
		require.EqualValues(t, 3, balance)
	})

	t.Run("duplicate trade id changes nothing", func(t *testing.T) {
		t.Parallel()
		m, s := newMarket(t)

		_, err := m.Buy(ctx, Order{TradeID: "t1", CreatorID: "alice", Trader: "bob", Amount: 5})
		require.NoError(t, err)

		res, err := m.Buy(ctx, Order{TradeID: "t1", CreatorID: "alice", Trader: "bob", Amount: 5})
		require.NoError(t, err)
		require.True(t, res.Duplicate)

		c, err := s.GetCreator(ctx, "alice")
		require.NoError(t, err)
		require.EqualValues(t, 5, c.Supply)
	})

	t.Run("redelivery echoes the stored trade, not a reprice", func(t *testing.T) {
		t.Parallel()
		m, _ := newMarket(t)

		first, err := m.Buy(ctx, Order{TradeID: "t1", CreatorID: "alice", Trader: "bob", Amount: 2})
		require.NoError(t, err)

		// Supply moves before the redelivery arrives.
		_, err = m.Buy(ctx, Order{TradeID: "t2", CreatorID: "alice", Trader: "carol", Amount: 50})
		require.NoError(t, err)

		dup, err := m.Buy(ctx, Order{TradeID: "t1", CreatorID: "alice", Trader: "bob", Amount: 2})
		require.NoError(t, err)
		require.True(t, dup.Duplicate)
		require.Equal(t, first.Trade.QuoteAmount, dup.Trade.QuoteAmount)
		require.Equal(t, first.Trade.ExecutedAt, dup.Trade.ExecutedAt)
	})

	t.Run("concurrent buys never exceed the supply cap", func(t *testing.T) {
		t.Parallel()
		m, s := newMarket(t)

		_, err := m.Buy(ctx, Order{TradeID: "seed", CreatorID: "alice", Trader: "bob", Amount: 995})
		require.NoError(t, err)

		errs := make(chan error, 10)
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := m.Buy(ctx, Order{
					TradeID:   fmt.Sprintf("c%d", i),
					CreatorID: "alice",
					Trader:    "bob",
					Amount:    1,
				})
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)

		var ok, rejected int
		for err := range errs {
			if err == nil {
				ok++
				continue
			}
			require.ErrorIs(t, err, curve.ErrMaxSupplyExceeded)
			rejected++
		}
		require.Equal(t, 5, ok)
		require.Equal(t, 5, rejected)

		c, err := s.GetCreator(ctx, "alice")
		require.NoError(t, err)
		require.EqualValues(t, 1000, c.Supply)
	})

	t.Run("cap and input validation", func(t *testing.T) {
		t.Parallel()
		m, _ := newMarket(t)

		_, err := m.Buy(ctx, Order{TradeID: "t1", CreatorID: "alice", Trader: "bob", Amount: 1001})
		require.ErrorIs(t, err, curve.ErrMaxSupplyExceeded)
		require.Equal(t, faults.KindValidation, faults.KindOf(err))

		_, err = m.Buy(ctx, Order{TradeID: "t2", CreatorID: "alice", Trader: "bob", Amount: 0})
		require.ErrorIs(t, err, ErrAmountNotPositive)

		_, err = m.Buy(ctx, Order{CreatorID: "alice", Trader: "bob", Amount: 1})
		require.ErrorIs(t, err, ErrMissingTradeID)

		_, err = m.Buy(ctx, Order{TradeID: "t3", CreatorID: "nobody", Trader: "bob", Amount: 1})
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestMarket_Sell(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("fee splits between reward pool and platform", func(t *testing.T) {
		t.Parallel()
		m, s := newMarket(t)

		_, err := m.Buy(ctx, Order{TradeID: "buy", CreatorID: "alice", Trader: "bob", Amount: 10})
		require.NoError(t, err)

		// Selling 10 at supply 10 grosses the same 5500 the buy cost.
		res, err := m.Sell(ctx, Order{TradeID: "sell", CreatorID: "alice", Trader: "bob", Amount: 10})
		require.NoError(t, err)
		require.EqualValues(t, 5500, res.Trade.QuoteAmount)
		require.EqualValues(t, 275, res.Fee)
		require.EqualValues(t, 137, res.RewardPoolFee)
		require.EqualValues(t, 138, res.PlatformFee)
		require.EqualValues(t, 0, res.NewSupply)

		fees, err := s.FeeAccruals(ctx, "alice")
		require.NoError(t, err)
		require.EqualValues(t, 137, fees.ShareFees)

		platform, err := s.PlatformFees(ctx, "alice")
		require.NoError(t, err)
		require.EqualValues(t, 138, platform)

		// Odd unit goes to the platform, never back to the pool.
		require.Equal(t, res.Fee, res.RewardPoolFee+res.PlatformFee)
		require.GreaterOrEqual(t, res.PlatformFee, res.RewardPoolFee)
	})

	t.Run("redelivery reports the stored fee split", func(t *testing.T) {
		t.Parallel()
		m, s := newMarket(t)

		_, err := m.Buy(ctx, Order{TradeID: "buy", CreatorID: "alice", Trader: "bob", Amount: 10})
		require.NoError(t, err)
		first, err := m.Sell(ctx, Order{TradeID: "sell", CreatorID: "alice", Trader: "bob", Amount: 5})
		require.NoError(t, err)

		dup, err := m.Sell(ctx, Order{TradeID: "sell", CreatorID: "alice", Trader: "bob", Amount: 5})
		require.NoError(t, err)
		require.True(t, dup.Duplicate)
		require.Equal(t, first.Trade.QuoteAmount, dup.Trade.QuoteAmount)
		require.Equal(t, first.Fee, dup.Fee)
		require.Equal(t, first.RewardPoolFee, dup.RewardPoolFee)
		require.Equal(t, first.PlatformFee, dup.PlatformFee)

		// No double accrual.
		fees, err := s.FeeAccruals(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, first.RewardPoolFee, fees.ShareFees)
	})

	t.Run("selling more than held is rejected", func(t *testing.T) {
		t.Parallel()
		m, _ := newMarket(t)

		_, err := m.Buy(ctx, Order{TradeID: "buy", CreatorID: "alice", Trader: "bob", Amount: 3})
		require.NoError(t, err)

		_, err = m.Sell(ctx, Order{TradeID: "sell", CreatorID: "alice", Trader: "bob", Amount: 4})
		require.ErrorIs(t, err, ErrInsufficientShares)
		require.Equal(t, faults.KindValidation, faults.KindOf(err))
	})

	t.Run("round trips extract no value", func(t *testing.T) {
		t.Parallel()
		m, _ := newMarket(t)

		var spent, received int64
		for i, amount := range []int64{3, 7, 2} {
			buy, err := m.Buy(ctx, Order{TradeID: "b" + string(rune('0'+i)), CreatorID: "alice", Trader: "bob", Amount: amount})
			require.NoError(t, err)
			spent += buy.Trade.QuoteAmount

			sell, err := m.Sell(ctx, Order{TradeID: "s" + string(rune('0'+i)), CreatorID: "alice", Trader: "bob", Amount: amount})
			require.NoError(t, err)
			received += sell.Trade.QuoteAmount - sell.Fee
		}
		require.Less(t, received, spent)
	})

	t.Run("volume counts gross on both sides", func(t *testing.T) {
		t.Parallel()
		m, s := newMarket(t)

		buy, err := m.Buy(ctx, Order{TradeID: "b", CreatorID: "alice", Trader: "bob", Amount: 5})
		require.NoError(t, err)
		sell, err := m.Sell(ctx, Order{TradeID: "sl", CreatorID: "alice", Trader: "bob", Amount: 5})
		require.NoError(t, err)

		c, err := s.GetCreator(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, buy.Trade.QuoteAmount+sell.Trade.QuoteAmount, c.TotalVolume)
	})
}

func TestMarket_RecordMarketVolume(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("accrues the reward pool cut", func(t *testing.T) {
		t.Parallel()
		m, s := newMarket(t)

		// 0.15% of 1,000,000 is 1,500.
		fee, err := m.RecordMarketVolume(ctx, "alice", 1_000_000)
		require.NoError(t, err)
		require.EqualValues(t, 1500, fee)

		fees, err := s.FeeAccruals(ctx, "alice")
		require.NoError(t, err)
		require.EqualValues(t, 1500, fees.MarketFees)

		c, err := s.GetCreator(ctx, "alice")
		require.NoError(t, err)
		require.EqualValues(t, 1_000_000, c.TotalVolume)
	})

	t.Run("fractional fee rounds up", func(t *testing.T) {
		t.Parallel()
		m, s := newMarket(t)

		// 0.15% of 100 is 0.15, rounded up to 1.
		fee, err := m.RecordMarketVolume(ctx, "alice", 100)
		require.NoError(t, err)
		require.EqualValues(t, 1, fee)

		fees, err := s.FeeAccruals(ctx, "alice")
		require.NoError(t, err)
		require.EqualValues(t, 1, fees.MarketFees)
	})

	t.Run("non-positive volume rejected", func(t *testing.T) {
		t.Parallel()
		m, _ := newMarket(t)
		_, err := m.RecordMarketVolume(ctx, "alice", 0)
		require.ErrorIs(t, err, ErrAmountNotPositive)
	})
}
