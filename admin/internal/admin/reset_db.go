package admin

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/fanbase-labs/divvy/engine/pkg/store/pg"
)

// engineTables are dropped newest-dependency-first so foreign keys do not
// block the drops.
var engineTables = []string{
	"dead_letters",
	"dividend_claims",
	"claimable_dividends",
	"epochs",
	"platform_fees",
	"fee_accruals",
	"share_trades",
	"creators",
	"goose_db_version",
}

// ResetDB drops every engine table, including the goose bookkeeping table.
func ResetDB(log *slog.Logger, databaseURL string, dryRun, skipConfirm bool) error {
	ctx := context.Background()

	pool, err := pg.Connect(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer pool.Close()

	var existing []string
	for _, table := range engineTables {
		var found bool
		err := pool.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM information_schema.tables
				WHERE table_schema = 'public' AND table_name = $1
			)`, table).Scan(&found)
		if err != nil {
			return fmt.Errorf("failed to check table %s: %w", table, err)
		}
		if found {
			existing = append(existing, table)
		}
	}

	if len(existing) == 0 {
		log.Info("no engine tables found, nothing to do")
		return nil
	}

	log.Info("tables to drop", "tables", strings.Join(existing, ", "))
	if dryRun {
		log.Info("dry run, no changes made")
		return nil
	}

	if !skipConfirm {
		fmt.Printf("Drop %d tables? This cannot be undone. [y/N]: ", len(existing))
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		if strings.TrimSpace(strings.ToLower(answer)) != "y" {
			log.Info("aborted")
			return nil
		}
	}

	for _, table := range existing {
		if _, err := pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s CASCADE`, table)); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", table, err)
		}
		log.Info("dropped table", "table", table)
	}

	log.Info("database reset complete")
	return nil
}
