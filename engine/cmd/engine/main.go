package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/fanbase-labs/divvy/engine/pkg/engine"
	"github.com/fanbase-labs/divvy/engine/pkg/metrics"
	"github.com/fanbase-labs/divvy/engine/pkg/store"
	"github.com/fanbase-labs/divvy/engine/pkg/store/mem"
	"github.com/fanbase-labs/divvy/engine/pkg/store/pg"
	"github.com/fanbase-labs/divvy/utils/pkg/logger"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A .env file is optional; real env vars win either way.
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenFlag := flag.String("listen", ":8080", "HTTP listen address (or set DIVVY_LISTEN env var)")
	databaseURLFlag := flag.String("database-url", "", "Postgres URL; empty runs the in-memory store (or set DATABASE_URL env var)")
	migrateFlag := flag.Bool("migrate", false, "run database migrations before starting")

	epochDurationFlag := flag.Duration("epoch-duration", 24*time.Hour, "length of each dividend epoch")
	jobIntervalFlag := flag.Duration("job-interval", time.Minute, "scheduler tick interval")
	curveSlopeFlag := flag.Int64("curve-slope", 100, "bonding curve slope in minor units per share step")
	maxSupplyFlag := flag.Int64("max-supply", 1000, "maximum share supply per creator")
	sellFeeBpsFlag := flag.Int64("sell-fee-bps", 500, "sell fee in basis points")
	marketFeeBpsFlag := flag.Int64("market-fee-bps", 15, "reward-pool cut of market volume in basis points")
	unlockThresholdFlag := flag.Int64("unlock-threshold", 3_000_000, "lifetime volume, in minor units, that unlocks creator shares")
	workersFlag := flag.Int("workers", 4, "max creators processed concurrently per tick")
	retryAttemptsFlag := flag.Int("retry-attempts", 4, "retry budget per scheduled job")
	rateLimitFlag := flag.Float64("rate-limit", 0, "per-IP API requests per second, 0 disables")
	rateBurstFlag := flag.Int("rate-burst", 20, "per-IP API burst size")
	flag.Parse()

	if env := os.Getenv("DIVVY_LISTEN"); env != "" {
		*listenFlag = env
	}
	if env := os.Getenv("DATABASE_URL"); env != "" {
		*databaseURLFlag = env
	}
	if os.Getenv("DIVVY_MIGRATE") == "true" {
		*migrateFlag = true
	}
	if env := os.Getenv("DIVVY_EPOCH_DURATION"); env != "" {
		d, err := time.ParseDuration(env)
		if err != nil {
			return fmt.Errorf("invalid DIVVY_EPOCH_DURATION: %w", err)
		}
		*epochDurationFlag = d
	}
	if env := os.Getenv("DIVVY_UNLOCK_THRESHOLD"); env != "" {
		v, err := strconv.ParseInt(env, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid DIVVY_UNLOCK_THRESHOLD: %w", err)
		}
		*unlockThresholdFlag = v
	}

	log := logger.New(*verboseFlag)
	log.Info("starting dividend engine", "version", version)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st store.Store
	if *databaseURLFlag != "" {
		if *migrateFlag {
			if err := pg.Migrate(log, *databaseURLFlag); err != nil {
				return err
			}
		}
		pool, err := pg.Connect(ctx, *databaseURLFlag)
		if err != nil {
			return err
		}
		pgStore := pg.New(pool)
		defer pgStore.Close()
		st = pgStore
		log.Info("using postgres store")
	} else {
		st = mem.New()
		log.Warn("using in-memory store; state is lost on restart")
	}

	eng, err := engine.New(engine.Config{
		Logger:     log,
		Store:      st,
		ListenAddr: *listenFlag,
		RateLimit:  rate.Limit(*rateLimitFlag),
		RateBurst:  *rateBurstFlag,
		Params: engine.Params{
			CurveSlope:      *curveSlopeFlag,
			MaxSupply:       *maxSupplyFlag,
			SellFeeBps:      *sellFeeBpsFlag,
			MarketFeeBps:    *marketFeeBpsFlag,
			EpochDuration:   *epochDurationFlag,
			UnlockThreshold: *unlockThresholdFlag,
			JobInterval:     *jobIntervalFlag,
			MaxConcurrency:  *workersFlag,
			RetryAttempts:   *retryAttemptsFlag,
		},
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}
	log.Info("dividend engine stopped")
	return nil
}
