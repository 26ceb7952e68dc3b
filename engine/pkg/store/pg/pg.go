// Package pg is the Postgres implementation of the engine store, backed by a
// pgxpool connection pool with goose-managed migrations embedded in the
// binary.
package pg

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for goose
	"github.com/pressly/goose/v3"

	"github.com/fanbase-labs/divvy/engine/pkg/store"
)

//go:embed migrations/*.sql
var EmbedMigrations embed.FS

const uniqueViolation = "23505"

// Connect opens a connection pool and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pg: parse config: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(pingCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pg: create pool: %w", err)
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}
	return pool, nil
}

// Migrate applies all pending migrations.
func Migrate(log *slog.Logger, databaseURL string) error {
	goose.SetBaseFS(EmbedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("pg: set goose dialect: %w", err)
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("pg: open for migrations: %w", err)
	}
	defer db.Close()

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("pg: run migrations: %w", err)
	}
	log.Info("pg: migrations applied")
	return nil
}

// MigrateDown rolls back the most recent migration.
func MigrateDown(log *slog.Logger, databaseURL string) error {
	goose.SetBaseFS(EmbedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("pg: set goose dialect: %w", err)
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("pg: open for migrations: %w", err)
	}
	defer db.Close()

	if err := goose.Down(db, "migrations"); err != nil {
		return fmt.Errorf("pg: roll back migration: %w", err)
	}
	log.Info("pg: migration rolled back")
	return nil
}

// dbtx is the query surface shared by the pool and an open transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the pool-backed store.
type Store struct {
	pool *pgxpool.Pool
	q    queries
}

var (
	_ store.Store = (*Store)(nil)
	_ store.Store = (*txStore)(nil)
)

// New wraps an open pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: queries{db: pool}}
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// InTx runs fn inside a database transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Store) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&txStore{q: queries{db: tx}})
	})
}

// txStore is the store view inside an open transaction. Nested InTx joins
// the enclosing transaction.
type txStore struct {
	q queries
}

func (t *txStore) InTx(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(t)
}

// Delegations. Both views share the queries implementation below.

func (s *Store) CreateCreator(ctx context.Context, c store.Creator) (store.Creator, error) {
	return s.q.createCreator(ctx, c)
}
func (t *txStore) CreateCreator(ctx context.Context, c store.Creator) (store.Creator, error) {
	return t.q.createCreator(ctx, c)
}

func (s *Store) GetCreator(ctx context.Context, id string) (store.Creator, error) {
	return s.q.getCreator(ctx, id, false)
}
func (t *txStore) GetCreator(ctx context.Context, id string) (store.Creator, error) {
	return t.q.getCreator(ctx, id, false)
}

func (s *Store) GetCreatorForUpdate(ctx context.Context, id string) (store.Creator, error) {
	return s.q.getCreator(ctx, id, true)
}
func (t *txStore) GetCreatorForUpdate(ctx context.Context, id string) (store.Creator, error) {
	return t.q.getCreator(ctx, id, true)
}

func (s *Store) ListCreatorIDs(ctx context.Context) ([]string, error) {
	return s.q.listCreatorIDs(ctx)
}
func (t *txStore) ListCreatorIDs(ctx context.Context) ([]string, error) {
	return t.q.listCreatorIDs(ctx)
}

func (s *Store) AdjustSupply(ctx context.Context, creatorID string, delta int64) (int64, error) {
	return s.q.adjustSupply(ctx, creatorID, delta)
}
func (t *txStore) AdjustSupply(ctx context.Context, creatorID string, delta int64) (int64, error) {
	return t.q.adjustSupply(ctx, creatorID, delta)
}

func (s *Store) AddVolume(ctx context.Context, creatorID string, delta int64) (int64, error) {
	return s.q.addVolume(ctx, creatorID, delta)
}
func (t *txStore) AddVolume(ctx context.Context, creatorID string, delta int64) (int64, error) {
	return t.q.addVolume(ctx, creatorID, delta)
}

func (s *Store) LatchSharesUnlocked(ctx context.Context, creatorID string, at time.Time) (bool, error) {
	return s.q.latchSharesUnlocked(ctx, creatorID, at)
}
func (t *txStore) LatchSharesUnlocked(ctx context.Context, creatorID string, at time.Time) (bool, error) {
	return t.q.latchSharesUnlocked(ctx, creatorID, at)
}

func (s *Store) InsertTrade(ctx context.Context, tr store.ShareTrade) (bool, error) {
	return s.q.insertTrade(ctx, tr)
}
func (t *txStore) InsertTrade(ctx context.Context, tr store.ShareTrade) (bool, error) {
	return t.q.insertTrade(ctx, tr)
}

func (s *Store) GetTrade(ctx context.Context, id string) (store.ShareTrade, error) {
	return s.q.getTrade(ctx, id)
}
func (t *txStore) GetTrade(ctx context.Context, id string) (store.ShareTrade, error) {
	return t.q.getTrade(ctx, id)
}

func (s *Store) ListTradesUntil(ctx context.Context, creatorID string, until time.Time) ([]store.ShareTrade, error) {
	return s.q.listTradesUntil(ctx, creatorID, until)
}
func (t *txStore) ListTradesUntil(ctx context.Context, creatorID string, until time.Time) ([]store.ShareTrade, error) {
	return t.q.listTradesUntil(ctx, creatorID, until)
}

func (s *Store) HolderBalance(ctx context.Context, creatorID, holder string) (int64, error) {
	return s.q.holderBalance(ctx, creatorID, holder)
}
func (t *txStore) HolderBalance(ctx context.Context, creatorID, holder string) (int64, error) {
	return t.q.holderBalance(ctx, creatorID, holder)
}

func (s *Store) AccrueFees(ctx context.Context, creatorID string, shareFees, marketFees int64) error {
	return s.q.accrueFees(ctx, creatorID, shareFees, marketFees)
}
func (t *txStore) AccrueFees(ctx context.Context, creatorID string, shareFees, marketFees int64) error {
	return t.q.accrueFees(ctx, creatorID, shareFees, marketFees)
}

func (s *Store) FeeAccruals(ctx context.Context, creatorID string) (store.FeeSnapshot, error) {
	return s.q.feeAccruals(ctx, creatorID)
}
func (t *txStore) FeeAccruals(ctx context.Context, creatorID string) (store.FeeSnapshot, error) {
	return t.q.feeAccruals(ctx, creatorID)
}

func (s *Store) ResetFees(ctx context.Context, creatorID string) (store.FeeSnapshot, error) {
	return s.q.resetFees(ctx, creatorID)
}
func (t *txStore) ResetFees(ctx context.Context, creatorID string) (store.FeeSnapshot, error) {
	return t.q.resetFees(ctx, creatorID)
}

func (s *Store) AddPlatformFees(ctx context.Context, creatorID string, amount int64) error {
	return s.q.addPlatformFees(ctx, creatorID, amount)
}
func (t *txStore) AddPlatformFees(ctx context.Context, creatorID string, amount int64) error {
	return t.q.addPlatformFees(ctx, creatorID, amount)
}

func (s *Store) PlatformFees(ctx context.Context, creatorID string) (int64, error) {
	return s.q.platformFees(ctx, creatorID)
}
func (t *txStore) PlatformFees(ctx context.Context, creatorID string) (int64, error) {
	return t.q.platformFees(ctx, creatorID)
}

func (s *Store) CreateEpoch(ctx context.Context, e store.Epoch) (store.Epoch, error) {
	return s.q.createEpoch(ctx, e)
}
func (t *txStore) CreateEpoch(ctx context.Context, e store.Epoch) (store.Epoch, error) {
	return t.q.createEpoch(ctx, e)
}

func (s *Store) OpenEpoch(ctx context.Context, creatorID string) (store.Epoch, error) {
	return s.q.openEpoch(ctx, creatorID, false)
}
func (t *txStore) OpenEpoch(ctx context.Context, creatorID string) (store.Epoch, error) {
	return t.q.openEpoch(ctx, creatorID, false)
}

func (s *Store) OpenEpochForUpdate(ctx context.Context, creatorID string) (store.Epoch, error) {
	return s.q.openEpoch(ctx, creatorID, true)
}
func (t *txStore) OpenEpochForUpdate(ctx context.Context, creatorID string) (store.Epoch, error) {
	return t.q.openEpoch(ctx, creatorID, true)
}

func (s *Store) GetEpoch(ctx context.Context, id string) (store.Epoch, error) {
	return s.q.getEpoch(ctx, id)
}
func (t *txStore) GetEpoch(ctx context.Context, id string) (store.Epoch, error) {
	return t.q.getEpoch(ctx, id)
}

func (s *Store) ListEpochs(ctx context.Context, creatorID string, limit int) ([]store.Epoch, error) {
	return s.q.listEpochs(ctx, creatorID, limit)
}
func (t *txStore) ListEpochs(ctx context.Context, creatorID string, limit int) ([]store.Epoch, error) {
	return t.q.listEpochs(ctx, creatorID, limit)
}

func (s *Store) MarkEpochFinalized(ctx context.Context, id string, fees store.FeeSnapshot, totalShares int64, at time.Time) error {
	return s.q.markEpochFinalized(ctx, id, fees, totalShares, at)
}
func (t *txStore) MarkEpochFinalized(ctx context.Context, id string, fees store.FeeSnapshot, totalShares int64, at time.Time) error {
	return t.q.markEpochFinalized(ctx, id, fees, totalShares, at)
}

func (s *Store) InsertClaimables(ctx context.Context, rows []store.ClaimableDividend) (int, error) {
	return s.q.insertClaimables(ctx, rows)
}
func (t *txStore) InsertClaimables(ctx context.Context, rows []store.ClaimableDividend) (int, error) {
	return t.q.insertClaimables(ctx, rows)
}

func (s *Store) CountClaimables(ctx context.Context, epochID string) (int, error) {
	return s.q.countClaimables(ctx, epochID)
}
func (t *txStore) CountClaimables(ctx context.Context, epochID string) (int, error) {
	return t.q.countClaimables(ctx, epochID)
}

func (s *Store) ListClaimablesByEpoch(ctx context.Context, epochID string) ([]store.ClaimableDividend, error) {
	return s.q.listClaimablesByEpoch(ctx, epochID)
}
func (t *txStore) ListClaimablesByEpoch(ctx context.Context, epochID string) ([]store.ClaimableDividend, error) {
	return t.q.listClaimablesByEpoch(ctx, epochID)
}

func (s *Store) ListClaimablesByHolder(ctx context.Context, holder string) ([]store.ClaimableDividend, error) {
	return s.q.listClaimablesByHolder(ctx, holder)
}
func (t *txStore) ListClaimablesByHolder(ctx context.Context, holder string) ([]store.ClaimableDividend, error) {
	return t.q.listClaimablesByHolder(ctx, holder)
}

func (s *Store) ClaimableForUpdate(ctx context.Context, epochID, holder string) (store.ClaimableDividend, error) {
	return s.q.claimableForUpdate(ctx, epochID, holder)
}
func (t *txStore) ClaimableForUpdate(ctx context.Context, epochID, holder string) (store.ClaimableDividend, error) {
	return t.q.claimableForUpdate(ctx, epochID, holder)
}

func (s *Store) MarkClaimed(ctx context.Context, epochID, holder, txRef string, at time.Time) error {
	return s.q.markClaimed(ctx, epochID, holder, txRef, at)
}
func (t *txStore) MarkClaimed(ctx context.Context, epochID, holder, txRef string, at time.Time) error {
	return t.q.markClaimed(ctx, epochID, holder, txRef, at)
}

func (s *Store) InsertClaim(ctx context.Context, c store.DividendClaim) error {
	return s.q.insertClaim(ctx, c)
}
func (t *txStore) InsertClaim(ctx context.Context, c store.DividendClaim) error {
	return t.q.insertClaim(ctx, c)
}

func (s *Store) ListClaims(ctx context.Context, holder string) ([]store.DividendClaim, error) {
	return s.q.listClaims(ctx, holder)
}
func (t *txStore) ListClaims(ctx context.Context, holder string) ([]store.DividendClaim, error) {
	return t.q.listClaims(ctx, holder)
}

func (s *Store) InsertDeadLetter(ctx context.Context, d store.DeadLetter) error {
	return s.q.insertDeadLetter(ctx, d)
}
func (t *txStore) InsertDeadLetter(ctx context.Context, d store.DeadLetter) error {
	return t.q.insertDeadLetter(ctx, d)
}

func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]store.DeadLetter, error) {
	return s.q.listDeadLetters(ctx, limit)
}
func (t *txStore) ListDeadLetters(ctx context.Context, limit int) ([]store.DeadLetter, error) {
	return t.q.listDeadLetters(ctx, limit)
}
