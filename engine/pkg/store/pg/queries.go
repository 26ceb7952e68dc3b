package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fanbase-labs/divvy/engine/pkg/store"
)

// queries holds the SQL against a pool or transaction.
type queries struct {
	db dbtx
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (q queries) createCreator(ctx context.Context, c store.Creator) (store.Creator, error) {
	_, err := q.db.Exec(ctx, `
		INSERT INTO creators (id, supply, total_volume, shares_unlocked, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.Supply, c.TotalVolume, c.SharesUnlocked, c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.Creator{}, store.ErrAlreadyExists
		}
		return store.Creator{}, fmt.Errorf("pg: create creator: %w", err)
	}
	return c, nil
}

func (q queries) getCreator(ctx context.Context, id string, forUpdate bool) (store.Creator, error) {
	var (
		c          store.Creator
		unlockedAt *time.Time
	)
	sql := `
		SELECT id, supply, total_volume, shares_unlocked, shares_unlocked_at, created_at
		FROM creators WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	err := q.db.QueryRow(ctx, sql, id).
		Scan(&c.ID, &c.Supply, &c.TotalVolume, &c.SharesUnlocked, &unlockedAt, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Creator{}, store.ErrNotFound
		}
		return store.Creator{}, fmt.Errorf("pg: get creator: %w", err)
	}
	if unlockedAt != nil {
		c.SharesUnlockedAt = *unlockedAt
	}
	return c, nil
}

func (q queries) listCreatorIDs(ctx context.Context) ([]string, error) {
	rows, err := q.db.Query(ctx, `SELECT id FROM creators ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("pg: list creators: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("pg: scan creator id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (q queries) adjustSupply(ctx context.Context, creatorID string, delta int64) (int64, error) {
	var supply int64
	err := q.db.QueryRow(ctx, `
		UPDATE creators SET supply = supply + $2
		WHERE id = $1 AND supply + $2 >= 0
		RETURNING supply`, creatorID, delta).Scan(&supply)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, gerr := q.getCreator(ctx, creatorID, false); gerr != nil {
				return 0, gerr
			}
			return 0, store.ErrInsufficientSupply
		}
		return 0, fmt.Errorf("pg: adjust supply: %w", err)
	}
	return supply, nil
}

func (q queries) addVolume(ctx context.Context, creatorID string, delta int64) (int64, error) {
	var total int64
	err := q.db.QueryRow(ctx, `
		UPDATE creators SET total_volume = total_volume + $2
		WHERE id = $1
		RETURNING total_volume`, creatorID, delta).Scan(&total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, fmt.Errorf("pg: add volume: %w", err)
	}
	return total, nil
}

func (q queries) latchSharesUnlocked(ctx context.Context, creatorID string, at time.Time) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE creators SET shares_unlocked = TRUE, shares_unlocked_at = $2
		WHERE id = $1 AND NOT shares_unlocked`, creatorID, at)
	if err != nil {
		return false, fmt.Errorf("pg: latch unlock: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := q.getCreator(ctx, creatorID, false); err != nil {
		return false, err
	}
	return false, nil
}

func (q queries) insertTrade(ctx context.Context, tr store.ShareTrade) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		INSERT INTO share_trades (id, creator_id, trader, side, share_delta, quote_amount, fee, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		tr.ID, tr.CreatorID, tr.Trader, string(tr.Side), tr.ShareDelta, tr.QuoteAmount, tr.Fee, tr.ExecutedAt)
	if err != nil {
		return false, fmt.Errorf("pg: insert trade: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q queries) getTrade(ctx context.Context, id string) (store.ShareTrade, error) {
	var (
		tr   store.ShareTrade
		side string
	)
	err := q.db.QueryRow(ctx, `
		SELECT id, creator_id, trader, side, share_delta, quote_amount, fee, executed_at
		FROM share_trades WHERE id = $1`, id).
		Scan(&tr.ID, &tr.CreatorID, &tr.Trader, &side, &tr.ShareDelta, &tr.QuoteAmount, &tr.Fee, &tr.ExecutedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ShareTrade{}, store.ErrNotFound
		}
		return store.ShareTrade{}, fmt.Errorf("pg: get trade: %w", err)
	}
	tr.Side = store.TradeSide(side)
	return tr, nil
}

func (q queries) listTradesUntil(ctx context.Context, creatorID string, until time.Time) ([]store.ShareTrade, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, creator_id, trader, side, share_delta, quote_amount, fee, executed_at
		FROM share_trades
		WHERE creator_id = $1 AND executed_at < $2
		ORDER BY executed_at, id`, creatorID, until)
	if err != nil {
		return nil, fmt.Errorf("pg: list trades: %w", err)
	}
	defer rows.Close()

	var out []store.ShareTrade
	for rows.Next() {
		var (
			tr   store.ShareTrade
			side string
		)
		if err := rows.Scan(&tr.ID, &tr.CreatorID, &tr.Trader, &side,
			&tr.ShareDelta, &tr.QuoteAmount, &tr.Fee, &tr.ExecutedAt); err != nil {
			return nil, fmt.Errorf("pg: scan trade: %w", err)
		}
		tr.Side = store.TradeSide(side)
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (q queries) holderBalance(ctx context.Context, creatorID, holder string) (int64, error) {
	var balance int64
	err := q.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(share_delta), 0)
		FROM share_trades
		WHERE creator_id = $1 AND trader = $2`, creatorID, holder).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("pg: holder balance: %w", err)
	}
	return balance, nil
}

func (q queries) accrueFees(ctx context.Context, creatorID string, shareFees, marketFees int64) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO fee_accruals (creator_id, share_fees, market_fees)
		VALUES ($1, $2, $3)
		ON CONFLICT (creator_id) DO UPDATE SET
			share_fees = fee_accruals.share_fees + EXCLUDED.share_fees,
			market_fees = fee_accruals.market_fees + EXCLUDED.market_fees`,
		creatorID, shareFees, marketFees)
	if err != nil {
		return fmt.Errorf("pg: accrue fees: %w", err)
	}
	return nil
}

func (q queries) feeAccruals(ctx context.Context, creatorID string) (store.FeeSnapshot, error) {
	var snap store.FeeSnapshot
	err := q.db.QueryRow(ctx, `
		SELECT share_fees, market_fees FROM fee_accruals WHERE creator_id = $1`, creatorID).
		Scan(&snap.ShareFees, &snap.MarketFees)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.FeeSnapshot{}, nil
		}
		return store.FeeSnapshot{}, fmt.Errorf("pg: fee accruals: %w", err)
	}
	return snap, nil
}

// resetFees zeroes the accumulators and returns the values they held, in one
// statement so no accrual can slip between the read and the reset.
func (q queries) resetFees(ctx context.Context, creatorID string) (store.FeeSnapshot, error) {
	var snap store.FeeSnapshot
	err := q.db.QueryRow(ctx, `
		UPDATE fee_accruals new SET share_fees = 0, market_fees = 0
		FROM fee_accruals old
		WHERE new.creator_id = old.creator_id AND new.creator_id = $1
		RETURNING old.share_fees, old.market_fees`, creatorID).
		Scan(&snap.ShareFees, &snap.MarketFees)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.FeeSnapshot{}, nil
		}
		return store.FeeSnapshot{}, fmt.Errorf("pg: reset fees: %w", err)
	}
	return snap, nil
}

func (q queries) addPlatformFees(ctx context.Context, creatorID string, amount int64) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO platform_fees (creator_id, amount)
		VALUES ($1, $2)
		ON CONFLICT (creator_id) DO UPDATE SET
			amount = platform_fees.amount + EXCLUDED.amount`, creatorID, amount)
	if err != nil {
		return fmt.Errorf("pg: add platform fees: %w", err)
	}
	return nil
}

func (q queries) platformFees(ctx context.Context, creatorID string) (int64, error) {
	var amount int64
	err := q.db.QueryRow(ctx, `
		SELECT amount FROM platform_fees WHERE creator_id = $1`, creatorID).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("pg: platform fees: %w", err)
	}
	return amount, nil
}

func (q queries) createEpoch(ctx context.Context, e store.Epoch) (store.Epoch, error) {
	_, err := q.db.Exec(ctx, `
		INSERT INTO epochs (id, creator_id, number, start_time, end_time)
		VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.CreatorID, e.Number, e.StartTime, e.EndTime)
	if err != nil {
		if isUniqueViolation(err) {
			return store.Epoch{}, store.ErrOpenEpochExists
		}
		return store.Epoch{}, fmt.Errorf("pg: create epoch: %w", err)
	}
	return e, nil
}

const epochColumns = `id, creator_id, number, start_time, end_time,
	share_fees, market_fees, total_fees, total_shares, distributed, distributed_at`

func scanEpoch(row pgx.Row) (store.Epoch, error) {
	var (
		e             store.Epoch
		distributedAt *time.Time
	)
	err := row.Scan(&e.ID, &e.CreatorID, &e.Number, &e.StartTime, &e.EndTime,
		&e.ShareFees, &e.MarketFees, &e.TotalFees, &e.TotalSharesAtSnapshot,
		&e.Distributed, &distributedAt)
	if err != nil {
		return store.Epoch{}, err
	}
	if distributedAt != nil {
		e.DistributedAt = *distributedAt
	}
	return e, nil
}

func (q queries) openEpoch(ctx context.Context, creatorID string, forUpdate bool) (store.Epoch, error) {
	sql := `SELECT ` + epochColumns + ` FROM epochs WHERE creator_id = $1 AND NOT distributed`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	e, err := scanEpoch(q.db.QueryRow(ctx, sql, creatorID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Epoch{}, store.ErrNotFound
		}
		return store.Epoch{}, fmt.Errorf("pg: open epoch: %w", err)
	}
	return e, nil
}

func (q queries) getEpoch(ctx context.Context, id string) (store.Epoch, error) {
	e, err := scanEpoch(q.db.QueryRow(ctx,
		`SELECT `+epochColumns+` FROM epochs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Epoch{}, store.ErrNotFound
		}
		return store.Epoch{}, fmt.Errorf("pg: get epoch: %w", err)
	}
	return e, nil
}

func (q queries) listEpochs(ctx context.Context, creatorID string, limit int) ([]store.Epoch, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.Query(ctx, `
		SELECT `+epochColumns+` FROM epochs
		WHERE creator_id = $1
		ORDER BY number DESC
		LIMIT $2`, creatorID, limit)
	if err != nil {
		return nil, fmt.Errorf("pg: list epochs: %w", err)
	}
	defer rows.Close()

	var out []store.Epoch
	for rows.Next() {
		e, err := scanEpoch(rows)
		if err != nil {
			return nil, fmt.Errorf("pg: scan epoch: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (q queries) markEpochFinalized(ctx context.Context, id string, fees store.FeeSnapshot, totalShares int64, at time.Time) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE epochs SET
			share_fees = $2, market_fees = $3, total_fees = $4,
			total_shares = $5, distributed = TRUE, distributed_at = $6
		WHERE id = $1 AND NOT distributed`,
		id, fees.ShareFees, fees.MarketFees, fees.Total(), totalShares, at)
	if err != nil {
		return fmt.Errorf("pg: mark epoch finalized: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := q.getEpoch(ctx, id); err != nil {
		return err
	}
	return store.ErrAlreadyFinalized
}

func (q queries) insertClaimables(ctx context.Context, rows []store.ClaimableDividend) (int, error) {
	inserted := 0
	for _, r := range rows {
		tag, err := q.db.Exec(ctx, `
			INSERT INTO claimable_dividends (epoch_id, creator_id, holder, shares_held, amount, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (epoch_id, holder) DO NOTHING`,
			r.EpochID, r.CreatorID, r.Holder, r.SharesHeld, r.Amount, r.CreatedAt)
		if err != nil {
			return inserted, fmt.Errorf("pg: insert claimable: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func (q queries) countClaimables(ctx context.Context, epochID string) (int, error) {
	var n int
	err := q.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM claimable_dividends WHERE epoch_id = $1`, epochID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pg: count claimables: %w", err)
	}
	return n, nil
}

const claimableColumns = `epoch_id, creator_id, holder, shares_held, amount,
	claimed, claimed_at, tx_ref, created_at`

func scanClaimable(row pgx.Row) (store.ClaimableDividend, error) {
	var (
		cd        store.ClaimableDividend
		claimedAt *time.Time
	)
	err := row.Scan(&cd.EpochID, &cd.CreatorID, &cd.Holder, &cd.SharesHeld,
		&cd.Amount, &cd.Claimed, &claimedAt, &cd.TxRef, &cd.CreatedAt)
	if err != nil {
		return store.ClaimableDividend{}, err
	}
	if claimedAt != nil {
		cd.ClaimedAt = *claimedAt
	}
	return cd, nil
}

func (q queries) listClaimables(ctx context.Context, where string, arg any) ([]store.ClaimableDividend, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+claimableColumns+` FROM claimable_dividends
		WHERE `+where+`
		ORDER BY epoch_id, holder`, arg)
	if err != nil {
		return nil, fmt.Errorf("pg: list claimables: %w", err)
	}
	defer rows.Close()

	var out []store.ClaimableDividend
	for rows.Next() {
		cd, err := scanClaimable(rows)
		if err != nil {
			return nil, fmt.Errorf("pg: scan claimable: %w", err)
		}
		out = append(out, cd)
	}
	return out, rows.Err()
}

func (q queries) listClaimablesByEpoch(ctx context.Context, epochID string) ([]store.ClaimableDividend, error) {
	return q.listClaimables(ctx, `epoch_id = $1`, epochID)
}

func (q queries) listClaimablesByHolder(ctx context.Context, holder string) ([]store.ClaimableDividend, error) {
	return q.listClaimables(ctx, `holder = $1`, holder)
}

func (q queries) claimableForUpdate(ctx context.Context, epochID, holder string) (store.ClaimableDividend, error) {
	cd, err := scanClaimable(q.db.QueryRow(ctx, `
		SELECT `+claimableColumns+` FROM claimable_dividends
		WHERE epoch_id = $1 AND holder = $2
		FOR UPDATE`, epochID, holder))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ClaimableDividend{}, store.ErrNotFound
		}
		return store.ClaimableDividend{}, fmt.Errorf("pg: lock claimable: %w", err)
	}
	return cd, nil
}

func (q queries) markClaimed(ctx context.Context, epochID, holder, txRef string, at time.Time) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE claimable_dividends SET claimed = TRUE, tx_ref = $3, claimed_at = $4
		WHERE epoch_id = $1 AND holder = $2 AND NOT claimed`,
		epochID, holder, txRef, at)
	if err != nil {
		return fmt.Errorf("pg: mark claimed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := q.claimableForUpdate(ctx, epochID, holder); err != nil {
		return err
	}
	return store.ErrAlreadyClaimed
}

func (q queries) insertClaim(ctx context.Context, c store.DividendClaim) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO dividend_claims (id, epoch_id, holder, amount, tx_ref, claimed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.EpochID, c.Holder, c.Amount, c.TxRef, c.ClaimedAt)
	if err != nil {
		return fmt.Errorf("pg: insert claim: %w", err)
	}
	return nil
}

func (q queries) listClaims(ctx context.Context, holder string) ([]store.DividendClaim, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, epoch_id, holder, amount, tx_ref, claimed_at
		FROM dividend_claims
		WHERE $1 = '' OR holder = $1
		ORDER BY claimed_at, id`, holder)
	if err != nil {
		return nil, fmt.Errorf("pg: list claims: %w", err)
	}
	defer rows.Close()

	var out []store.DividendClaim
	for rows.Next() {
		var c store.DividendClaim
		if err := rows.Scan(&c.ID, &c.EpochID, &c.Holder, &c.Amount, &c.TxRef, &c.ClaimedAt); err != nil {
			return nil, fmt.Errorf("pg: scan claim: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (q queries) insertDeadLetter(ctx context.Context, d store.DeadLetter) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO dead_letters (id, job_kind, creator_id, payload, attempts, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID, d.JobKind, d.CreatorID, d.Payload, d.Attempts, d.LastError, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("pg: insert dead letter: %w", err)
	}
	return nil
}

func (q queries) listDeadLetters(ctx context.Context, limit int) ([]store.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.Query(ctx, `
		SELECT id, job_kind, creator_id, payload, attempts, last_error, created_at
		FROM dead_letters
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("pg: list dead letters: %w", err)
	}
	defer rows.Close()

	var out []store.DeadLetter
	for rows.Next() {
		var d store.DeadLetter
		if err := rows.Scan(&d.ID, &d.JobKind, &d.CreatorID, &d.Payload,
			&d.Attempts, &d.LastError, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("pg: scan dead letter: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
