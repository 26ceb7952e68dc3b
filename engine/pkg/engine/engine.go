// Package engine wires the dividend accounting components together behind a
// single lifecycle: construct with New, run with Start, serve over HTTP via
// the embedded server.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/fanbase-labs/divvy/engine/pkg/claim"
	"github.com/fanbase-labs/divvy/engine/pkg/curve"
	"github.com/fanbase-labs/divvy/engine/pkg/dividend"
	"github.com/fanbase-labs/divvy/engine/pkg/epoch"
	"github.com/fanbase-labs/divvy/engine/pkg/events"
	"github.com/fanbase-labs/divvy/engine/pkg/holdings"
	"github.com/fanbase-labs/divvy/engine/pkg/jobs"
	"github.com/fanbase-labs/divvy/engine/pkg/ledger"
	"github.com/fanbase-labs/divvy/engine/pkg/market"
	"github.com/fanbase-labs/divvy/engine/pkg/server"
	"github.com/fanbase-labs/divvy/engine/pkg/store"
	"github.com/fanbase-labs/divvy/engine/pkg/volume"
	"github.com/fanbase-labs/divvy/utils/pkg/retry"
)

// Params are the economic and scheduling constants of the engine. All money
// amounts are integer minor units.
type Params struct {
	CurveSlope      int64
	MaxSupply       int64
	SellFeeBps      int64
	MarketFeeBps    int64
	EpochDuration   time.Duration
	UnlockThreshold int64
	JobInterval     time.Duration
	MaxConcurrency  int
	RetryAttempts   int
}

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	return Params{
		CurveSlope:      100,
		MaxSupply:       1_000,
		SellFeeBps:      500,
		MarketFeeBps:    15,
		EpochDuration:   24 * time.Hour,
		UnlockThreshold: 3_000_000,
		JobInterval:     time.Minute,
		MaxConcurrency:  4,
		RetryAttempts:   4,
	}
}

// Config holds the engine configuration.
type Config struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Store      store.Store
	Payout     claim.PayoutExecutor
	Params     Params
	ListenAddr string

	// RateLimit and RateBurst apply to the HTTP API. Zero disables.
	RateLimit rate.Limit
	RateBurst int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Payout == nil {
		cfg.Payout = &claim.LoggingPayout{Logger: cfg.Logger}
	}
	if cfg.Params == (Params{}) {
		cfg.Params = DefaultParams()
	}
	return nil
}

// Engine owns all components and their shared event bus.
type Engine struct {
	log *slog.Logger

	Bus       *events.Bus
	Market    *market.Market
	Ledger    *ledger.Ledger
	Epochs    *epoch.Manager
	Holdings  *holdings.Tracker
	Dividends *dividend.Calculator
	Claims    *claim.Registry
	Volume    *volume.Tracker
	Runner    *jobs.Runner
	Server    *server.Server

	ready atomic.Bool
}

// New constructs and wires the engine.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := cfg.Params

	crv, err := curve.New(curve.Config{Slope: p.CurveSlope, MaxSupply: p.MaxSupply})
	if err != nil {
		return nil, err
	}

	e := &Engine{log: cfg.Logger, Bus: events.NewBus(cfg.Logger)}

	e.Ledger, err = ledger.New(ledger.Config{Logger: cfg.Logger, Store: cfg.Store})
	if err != nil {
		return nil, err
	}

	e.Market, err = market.New(market.Config{
		Logger:       cfg.Logger,
		Clock:        cfg.Clock,
		Store:        cfg.Store,
		Curve:        crv,
		Ledger:       e.Ledger,
		SellFeeBps:   p.SellFeeBps,
		MarketFeeBps: p.MarketFeeBps,
	})
	if err != nil {
		return nil, err
	}

	e.Holdings, err = holdings.NewTracker(holdings.Config{Logger: cfg.Logger, Store: cfg.Store})
	if err != nil {
		return nil, err
	}

	e.Epochs, err = epoch.NewManager(epoch.Config{
		Logger:   cfg.Logger,
		Clock:    cfg.Clock,
		Store:    cfg.Store,
		Bus:      e.Bus,
		Ledger:   e.Ledger,
		Duration: p.EpochDuration,
	})
	if err != nil {
		return nil, err
	}

	e.Dividends, err = dividend.NewCalculator(dividend.Config{
		Logger: cfg.Logger,
		Clock:  cfg.Clock,
		Store:  cfg.Store,
		Bus:    e.Bus,
	})
	if err != nil {
		return nil, err
	}

	e.Claims, err = claim.NewRegistry(claim.Config{
		Logger: cfg.Logger,
		Clock:  cfg.Clock,
		Store:  cfg.Store,
		Payout: cfg.Payout,
		Bus:    e.Bus,
	})
	if err != nil {
		return nil, err
	}

	e.Volume, err = volume.NewTracker(volume.Config{
		Logger:          cfg.Logger,
		Clock:           cfg.Clock,
		Store:           cfg.Store,
		Bus:             e.Bus,
		UnlockThreshold: p.UnlockThreshold,
	})
	if err != nil {
		return nil, err
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = p.RetryAttempts
	e.Runner, err = jobs.NewRunner(jobs.Config{
		Logger:         cfg.Logger,
		Clock:          cfg.Clock,
		Store:          cfg.Store,
		Epochs:         e.Epochs,
		Dividends:      e.Dividends,
		Volume:         e.Volume,
		Interval:       p.JobInterval,
		MaxConcurrency: p.MaxConcurrency,
		Retry:          retryCfg,
	})
	if err != nil {
		return nil, err
	}

	e.Server, err = server.New(server.Config{
		Logger:     cfg.Logger,
		Clock:      cfg.Clock,
		ListenAddr: cfg.ListenAddr,
		Store:      cfg.Store,
		Market:     e.Market,
		Epochs:     e.Epochs,
		Dividends:  e.Dividends,
		Claims:     e.Claims,
		Ready:      e.ready.Load,
		RateLimit:  cfg.RateLimit,
		RateBurst:  cfg.RateBurst,
	})
	if err != nil {
		return nil, err
	}

	return e, nil
}

// Start launches the scheduler and serves HTTP until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	e.Runner.Start(ctx)
	go func() {
		select {
		case <-e.Runner.Ready():
			e.ready.Store(true)
			e.log.Info("engine: ready")
		case <-ctx.Done():
		}
	}()
	return e.Server.Start(ctx)
}
