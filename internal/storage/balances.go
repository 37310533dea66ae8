package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const (
	getBalanceSQL = `SELECT balance FROM users WHERE user_id = $1;`

	upsertCreditSQL = `INSERT INTO users (user_id, balance)
    VALUES ($1, $2)
    ON CONFLICT (user_id) DO UPDATE
    SET balance = users.balance + EXCLUDED.balance, updated_at = now()
    RETURNING balance;`

	lockBalanceSQL = `SELECT balance FROM users WHERE user_id = $1 FOR UPDATE;`

	updateBalanceSQL = `UPDATE users SET balance = $2, updated_at = now() WHERE user_id = $1;`

	upsertSetBalanceSQL = `INSERT INTO users (user_id, balance)
    VALUES ($1, $2)
    ON CONFLICT (user_id) DO UPDATE
    SET balance = EXCLUDED.balance, updated_at = now()
    RETURNING balance;`

	insertAuditSQL = `INSERT INTO balance_audit (user_id, delta, balance_after, reason, ref_id)
    VALUES ($1, $2, $3, $4, NULLIF($5, ''));`

	listRecentAuditSQL = `SELECT id, user_id, delta, balance_after, reason, ref_id, created_at
    FROM balance_audit
    ORDER BY created_at DESC, id DESC
    LIMIT $1;`

	listAuditBetweenSQL = `SELECT id, user_id, delta, balance_after, reason, ref_id, created_at
    FROM balance_audit
    WHERE created_at >= $1 AND created_at < $2
    ORDER BY created_at, id;`
)

// GetBalance returns the user's balance, zero when the user is unknown.
func (s *Store) GetBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	pool, err := s.getPool()
	if err != nil {
		return decimal.Decimal{}, err
	}

	var balanceStr string
	if scanErr := pool.QueryRow(ctx, getBalanceSQL, userID).Scan(&balanceStr); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Decimal{}, fmt.Errorf("get balance: %w", scanErr)
	}
	return decimal.NewFromString(balanceStr)
}

// Credit increases the user's balance and appends an audit entry, in one
// transaction. Unknown users are created on first credit.
func (s *Store) Credit(ctx context.Context, userID int64, amount decimal.Decimal, reason, refID string) (decimal.Decimal, error) {
	if amount.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("credit amount must be positive, got %s", amount)
	}

	pool, err := s.getPool()
	if err != nil {
		return decimal.Decimal{}, err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("begin credit tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	newBalance, err := creditInTx(ctx, tx, userID, amount, reason, refID)
	if err != nil {
		return decimal.Decimal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return decimal.Decimal{}, fmt.Errorf("commit credit tx: %w", err)
	}
	return newBalance, nil
}

// Debit decreases the user's balance and appends an audit entry, in one
// transaction. Fails with ErrInsufficientBalance when the balance cannot
// cover the amount; nothing is mutated in that case.
func (s *Store) Debit(ctx context.Context, userID int64, amount decimal.Decimal, reason, refID string) (decimal.Decimal, error) {
	if amount.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("debit amount must be positive, got %s", amount)
	}

	pool, err := s.getPool()
	if err != nil {
		return decimal.Decimal{}, err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("begin debit tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	newBalance, err := debitInTx(ctx, tx, userID, amount, reason, refID)
	if err != nil {
		return decimal.Decimal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return decimal.Decimal{}, fmt.Errorf("commit debit tx: %w", err)
	}
	return newBalance, nil
}

// SetBalance overwrites the user's balance (administrative path) and
// records the applied delta in the audit trail.
func (s *Store) SetBalance(ctx context.Context, userID int64, amount decimal.Decimal, refID string) (decimal.Decimal, error) {
	if amount.Sign() < 0 {
		return decimal.Decimal{}, fmt.Errorf("balance cannot be negative, got %s", amount)
	}

	pool, err := s.getPool()
	if err != nil {
		return decimal.Decimal{}, err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("begin set-balance tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	previous := decimal.Zero
	var prevStr string
	err = tx.QueryRow(ctx, lockBalanceSQL, userID).Scan(&prevStr)
	switch {
	case err == nil:
		if previous, err = decimal.NewFromString(prevStr); err != nil {
			return decimal.Decimal{}, fmt.Errorf("parse balance: %w", err)
		}
	case errors.Is(err, pgx.ErrNoRows):
		// New user; previous stays zero.
	default:
		return decimal.Decimal{}, fmt.Errorf("lock balance: %w", err)
	}

	var newStr string
	if err := tx.QueryRow(ctx, upsertSetBalanceSQL, userID, amount.String()).Scan(&newStr); err != nil {
		return decimal.Decimal{}, fmt.Errorf("set balance: %w", err)
	}
	newBalance, err := decimal.NewFromString(newStr)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse balance: %w", err)
	}

	delta := newBalance.Sub(previous)
	if _, err := tx.Exec(ctx, insertAuditSQL, userID, delta.String(), newBalance.String(), ReasonAdminSet, refID); err != nil {
		return decimal.Decimal{}, fmt.Errorf("insert audit entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return decimal.Decimal{}, fmt.Errorf("commit set-balance tx: %w", err)
	}
	return newBalance, nil
}

// ListRecentAudit lists the most recent audit entries.
func (s *Store) ListRecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAuditSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent audit: %w", queryErr)
	}
	return collectAudit(rows)
}

// ListAuditBetween lists audit entries within a time window, oldest first.
func (s *Store) ListAuditBetween(ctx context.Context, from, to time.Time) ([]AuditEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAuditBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list audit between: %w", queryErr)
	}
	return collectAudit(rows)
}

func creditInTx(ctx context.Context, tx pgx.Tx, userID int64, amount decimal.Decimal, reason, refID string) (decimal.Decimal, error) {
	var newStr string
	if err := tx.QueryRow(ctx, upsertCreditSQL, userID, amount.String()).Scan(&newStr); err != nil {
		return decimal.Decimal{}, fmt.Errorf("credit balance: %w", err)
	}
	newBalance, err := decimal.NewFromString(newStr)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse balance: %w", err)
	}

	if _, err := tx.Exec(ctx, insertAuditSQL, userID, amount.String(), newBalance.String(), reason, refID); err != nil {
		return decimal.Decimal{}, fmt.Errorf("insert audit entry: %w", err)
	}
	return newBalance, nil
}

func debitInTx(ctx context.Context, tx pgx.Tx, userID int64, amount decimal.Decimal, reason, refID string) (decimal.Decimal, error) {
	var balanceStr string
	if err := tx.QueryRow(ctx, lockBalanceSQL, userID).Scan(&balanceStr); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Decimal{}, ErrInsufficientBalance
		}
		return decimal.Decimal{}, fmt.Errorf("lock balance: %w", err)
	}

	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse balance: %w", err)
	}
	if balance.LessThan(amount) {
		return decimal.Decimal{}, ErrInsufficientBalance
	}

	newBalance := balance.Sub(amount)
	if _, err := tx.Exec(ctx, updateBalanceSQL, userID, newBalance.String()); err != nil {
		return decimal.Decimal{}, fmt.Errorf("debit balance: %w", err)
	}

	if _, err := tx.Exec(ctx, insertAuditSQL, userID, amount.Neg().String(), newBalance.String(), reason, refID); err != nil {
		return decimal.Decimal{}, fmt.Errorf("insert audit entry: %w", err)
	}
	return newBalance, nil
}

func collectAudit(rows pgx.Rows) ([]AuditEntry, error) {
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var (
			entry    AuditEntry
			deltaStr string
			afterStr string
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.UserID,
			&deltaStr,
			&afterStr,
			&entry.Reason,
			&entry.RefID,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}

		var err error
		if entry.Delta, err = decimal.NewFromString(deltaStr); err != nil {
			return nil, fmt.Errorf("parse audit delta: %w", err)
		}
		if entry.BalanceAfter, err = decimal.NewFromString(afterStr); err != nil {
			return nil, fmt.Errorf("parse audit balance: %w", err)
		}
		entries = append(entries, entry)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entries, nil
}
