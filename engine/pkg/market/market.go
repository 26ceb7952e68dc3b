// Package market ingests share trades against the bonding curve and routes
// the resulting fees. Buys carry no fee; sell fees split evenly between the
// creator's reward pool and the platform accumulator, with the odd unit going
// to the platform. Trade IDs make at-least-once delivery idempotent.
package market

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/fanbase-labs/divvy/engine/pkg/curve"
	"github.com/fanbase-labs/divvy/engine/pkg/faults"
	"github.com/fanbase-labs/divvy/engine/pkg/ledger"
	"github.com/fanbase-labs/divvy/engine/pkg/metrics"
	"github.com/fanbase-labs/divvy/engine/pkg/store"
)

var (
	// ErrAmountNotPositive rejects zero or negative share amounts.
	ErrAmountNotPositive = errors.New("market: amount must be positive")

	// ErrInsufficientShares rejects a sell exceeding the trader's balance.
	ErrInsufficientShares = errors.New("market: insufficient shares")

	// ErrMissingTradeID rejects trades without an idempotency key.
	ErrMissingTradeID = errors.New("market: trade id is required")
)

// Config holds the market configuration.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  store.Store
	Curve  *curve.Curve
	Ledger *ledger.Ledger

	// SellFeeBps is the fee on sell proceeds, in basis points, rounded up
	// in the protocol's favor.
	SellFeeBps int64

	// MarketFeeBps is the reward-pool cut of prediction-market volume, in
	// basis points.
	MarketFeeBps int64
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Curve == nil {
		return errors.New("curve is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.SellFeeBps < 0 || cfg.SellFeeBps > 10_000 {
		return errors.New("sell fee bps out of range")
	}
	if cfg.MarketFeeBps < 0 || cfg.MarketFeeBps > 10_000 {
		return errors.New("market fee bps out of range")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Market executes share trades and records prediction-market volume.
type Market struct {
	log          *slog.Logger
	clock        clockwork.Clock
	st           store.Store
	curve        *curve.Curve
	ledger       *ledger.Ledger
	sellFeeBps   int64
	marketFeeBps int64
}

// New constructs a market.
func New(cfg Config) (*Market, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Market{
		log:          cfg.Logger,
		clock:        cfg.Clock,
		st:           cfg.Store,
		curve:        cfg.Curve,
		ledger:       cfg.Ledger,
		sellFeeBps:   cfg.SellFeeBps,
		marketFeeBps: cfg.MarketFeeBps,
	}, nil
}

// Order is a share trade request. TradeID is the caller's idempotency key.
type Order struct {
	TradeID   string
	CreatorID string
	Trader    string
	Amount    int64
}

// TradeResult reports an executed (or deduplicated) trade.
type TradeResult struct {
	Trade     store.ShareTrade
	NewSupply int64

	// Fee breakdown, sells only.
	Fee           int64
	RewardPoolFee int64
	PlatformFee   int64

	// Duplicate is set when the trade ID was seen before; no state changed.
	Duplicate bool
}

// Buy purchases shares at the current curve price. No fee applies.
func (m *Market) Buy(ctx context.Context, o Order) (TradeResult, error) {
	if err := o.validate(); err != nil {
		metrics.TradesIngestedTotal.WithLabelValues(string(store.SideBuy), "rejected").Inc()
		return TradeResult{}, err
	}

	var res TradeResult
	err := m.st.InTx(ctx, func(tx store.Store) error {
		// Lock the creator row so the supply read, the cap check, and the
		// supply update see the same value under concurrent trades.
		c, err := tx.GetCreatorForUpdate(ctx, o.CreatorID)
		if err != nil {
			return classifyStoreErr("market: get creator", err)
		}

		cost, err := m.curve.BuyCost(c.Supply, o.Amount)
		if err != nil {
			return faults.Validationf("market: price buy: %w", err)
		}

		tr := store.ShareTrade{
			ID:          o.TradeID,
			CreatorID:   o.CreatorID,
			Trader:      o.Trader,
			Side:        store.SideBuy,
			ShareDelta:  o.Amount,
			QuoteAmount: cost,
			ExecutedAt:  m.clock.Now().UTC(),
		}
		inserted, err := tx.InsertTrade(ctx, tr)
		if err != nil {
			return faults.Transientf("market: insert trade: %w", err)
		}
		if !inserted {
			prev, err := tx.GetTrade(ctx, o.TradeID)
			if err != nil {
				return faults.Transientf("market: read duplicate trade: %w", err)
			}
			res = TradeResult{Trade: prev, NewSupply: c.Supply, Duplicate: true}
			return nil
		}

		supply, err := tx.AdjustSupply(ctx, o.CreatorID, o.Amount)
		if err != nil {
			return faults.Transientf("market: adjust supply: %w", err)
		}
		if _, err := tx.AddVolume(ctx, o.CreatorID, cost); err != nil {
			return faults.Transientf("market: add volume: %w", err)
		}

		res = TradeResult{Trade: tr, NewSupply: supply}
		return nil
	})
	if err != nil {
		metrics.TradesIngestedTotal.WithLabelValues(string(store.SideBuy), statusOf(err)).Inc()
		return TradeResult{}, err
	}

	if res.Duplicate {
		metrics.TradesIngestedTotal.WithLabelValues(string(store.SideBuy), "duplicate").Inc()
		m.log.Debug("market: duplicate trade skipped", "trade_id", o.TradeID)
		return res, nil
	}
	metrics.TradesIngestedTotal.WithLabelValues(string(store.SideBuy), "ok").Inc()
	m.log.Info("market: buy executed",
		"trade_id", o.TradeID,
		"creator_id", o.CreatorID,
		"trader", o.Trader,
		"amount", o.Amount,
		"cost", res.Trade.QuoteAmount,
		"supply", res.NewSupply,
	)
	return res, nil
}

// Sell sells shares back to the curve. The fee comes out of gross proceeds:
// half to the creator's reward pool, the rest to the platform.
func (m *Market) Sell(ctx context.Context, o Order) (TradeResult, error) {
	if err := o.validate(); err != nil {
		metrics.TradesIngestedTotal.WithLabelValues(string(store.SideSell), "rejected").Inc()
		return TradeResult{}, err
	}

	var res TradeResult
	err := m.st.InTx(ctx, func(tx store.Store) error {
		c, err := tx.GetCreatorForUpdate(ctx, o.CreatorID)
		if err != nil {
			return classifyStoreErr("market: get creator", err)
		}

		balance, err := tx.HolderBalance(ctx, o.CreatorID, o.Trader)
		if err != nil {
			return faults.Transientf("market: holder balance: %w", err)
		}
		if balance < o.Amount {
			return faults.Validationf("market: %w: trader %s holds %d, selling %d",
				ErrInsufficientShares, o.Trader, balance, o.Amount)
		}

		gross, err := m.curve.SellProceeds(c.Supply, o.Amount)
		if err != nil {
			return faults.Validationf("market: price sell: %w", err)
		}
		fee := ceilBps(gross, m.sellFeeBps)
		reward := fee / 2
		platform := fee - reward

		tr := store.ShareTrade{
			ID:          o.TradeID,
			CreatorID:   o.CreatorID,
			Trader:      o.Trader,
			Side:        store.SideSell,
			ShareDelta:  -o.Amount,
			QuoteAmount: gross,
			Fee:         fee,
			ExecutedAt:  m.clock.Now().UTC(),
		}
		inserted, err := tx.InsertTrade(ctx, tr)
		if err != nil {
			return faults.Transientf("market: insert trade: %w", err)
		}
		if !inserted {
			prev, err := tx.GetTrade(ctx, o.TradeID)
			if err != nil {
				return faults.Transientf("market: read duplicate trade: %w", err)
			}
			prevReward := prev.Fee / 2
			res = TradeResult{
				Trade:         prev,
				NewSupply:     c.Supply,
				Fee:           prev.Fee,
				RewardPoolFee: prevReward,
				PlatformFee:   prev.Fee - prevReward,
				Duplicate:     true,
			}
			return nil
		}

		supply, err := tx.AdjustSupply(ctx, o.CreatorID, -o.Amount)
		if err != nil {
			if errors.Is(err, store.ErrInsufficientSupply) {
				return faults.Integrityf("market: supply underflow on sell: %w", err)
			}
			return faults.Transientf("market: adjust supply: %w", err)
		}
		if _, err := tx.AddVolume(ctx, o.CreatorID, gross); err != nil {
			return faults.Transientf("market: add volume: %w", err)
		}
		if err := m.ledger.AccrueShareFeesIn(ctx, tx, o.CreatorID, reward); err != nil {
			return err
		}
		if platform > 0 {
			if err := tx.AddPlatformFees(ctx, o.CreatorID, platform); err != nil {
				return faults.Transientf("market: accrue platform fees: %w", err)
			}
		}

		res = TradeResult{
			Trade:         tr,
			NewSupply:     supply,
			Fee:           fee,
			RewardPoolFee: reward,
			PlatformFee:   platform,
		}
		return nil
	})
	if err != nil {
		metrics.TradesIngestedTotal.WithLabelValues(string(store.SideSell), statusOf(err)).Inc()
		return TradeResult{}, err
	}

	if res.Duplicate {
		metrics.TradesIngestedTotal.WithLabelValues(string(store.SideSell), "duplicate").Inc()
		m.log.Debug("market: duplicate trade skipped", "trade_id", o.TradeID)
		return res, nil
	}
	metrics.TradesIngestedTotal.WithLabelValues(string(store.SideSell), "ok").Inc()
	m.log.Info("market: sell executed",
		"trade_id", o.TradeID,
		"creator_id", o.CreatorID,
		"trader", o.Trader,
		"amount", o.Amount,
		"gross", res.Trade.QuoteAmount,
		"fee", res.Fee,
		"reward_pool_fee", res.RewardPoolFee,
		"supply", res.NewSupply,
	)
	return res, nil
}

// RecordMarketVolume ingests settled prediction-market volume for a creator,
// accruing the reward-pool cut and counting the volume toward the unlock
// threshold.
func (m *Market) RecordMarketVolume(ctx context.Context, creatorID string, volume int64) (fee int64, err error) {
	if volume <= 0 {
		return 0, faults.Validationf("market: %w: volume %d", ErrAmountNotPositive, volume)
	}
	fee = ceilBps(volume, m.marketFeeBps)
	err = m.st.InTx(ctx, func(tx store.Store) error {
		if _, err := tx.GetCreator(ctx, creatorID); err != nil {
			return classifyStoreErr("market: get creator", err)
		}
		if _, err := tx.AddVolume(ctx, creatorID, volume); err != nil {
			return faults.Transientf("market: add volume: %w", err)
		}
		return m.ledger.AccrueMarketFeesIn(ctx, tx, creatorID, fee)
	})
	if err != nil {
		return 0, err
	}
	m.log.Debug("market: volume recorded",
		"creator_id", creatorID,
		"volume", volume,
		"market_fee", fee,
	)
	return fee, nil
}

func (o Order) validate() error {
	if o.TradeID == "" {
		return faults.Validation(ErrMissingTradeID)
	}
	if o.CreatorID == "" {
		return faults.Validationf("market: creator id is required")
	}
	if o.Trader == "" {
		return faults.Validationf("market: trader is required")
	}
	if o.Amount <= 0 {
		return faults.Validation(ErrAmountNotPositive)
	}
	return nil
}

// ceilBps applies a basis-point rate rounding up, so fractional units favor
// the fee side.
func ceilBps(amount, bps int64) int64 {
	if amount <= 0 || bps <= 0 {
		return 0
	}
	return (amount*bps + 9_999) / 10_000
}

func statusOf(err error) string {
	switch faults.KindOf(err) {
	case faults.KindValidation:
		return "rejected"
	case faults.KindConflict:
		return "duplicate"
	default:
		return "error"
	}
}

func classifyStoreErr(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return faults.Validationf("%s: %w", op, err)
	}
	return faults.Transientf("%s: %w", op, err)
}
