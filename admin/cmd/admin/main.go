package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/fanbase-labs/divvy/admin/internal/admin"
	"github.com/fanbase-labs/divvy/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	databaseURLFlag := flag.String("database-url", "", "Postgres URL (or set DATABASE_URL env var)")

	// Commands
	migrateFlag := flag.Bool("migrate", false, "Run database migrations using goose")
	migrateDownFlag := flag.Bool("migrate-down", false, "Roll back the most recent migration")
	migrateStatusFlag := flag.Bool("migrate-status", false, "Show database migration status")
	resetDBFlag := flag.Bool("reset-db", false, "Drop all engine tables")
	dryRunFlag := flag.Bool("dry-run", false, "Dry run mode - show what would be done without actually executing")
	yesFlag := flag.Bool("yes", false, "Skip confirmation prompt (use with caution)")
	flag.Parse()

	log := logger.New(*verboseFlag)

	if env := os.Getenv("DATABASE_URL"); env != "" {
		*databaseURLFlag = env
	}
	if *databaseURLFlag == "" {
		return fmt.Errorf("--database-url or DATABASE_URL is required")
	}

	switch {
	case *migrateFlag:
		return admin.PgMigrateUp(log, *databaseURLFlag)
	case *migrateDownFlag:
		return admin.PgMigrateDown(log, *databaseURLFlag)
	case *migrateStatusFlag:
		return admin.PgMigrateStatus(log, *databaseURLFlag)
	case *resetDBFlag:
		return admin.ResetDB(log, *databaseURLFlag, *dryRunFlag, *yesFlag)
	default:
		flag.Usage()
		return fmt.Errorf("no command specified")
	}
}
