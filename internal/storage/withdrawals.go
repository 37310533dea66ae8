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
	insertWithdrawalSQL = `INSERT INTO withdrawal_history
    (id, user_id, usd_amount, fee_usd, net_usd, sol_amount, destination, status, created_at)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);`

	reserveWithdrawalRowSQL = `SELECT user_id, usd_amount FROM withdrawal_history
    WHERE id = $1 AND status = 'initiated' FOR UPDATE;`

	markReservedSQL = `UPDATE withdrawal_history SET status = 'reserved' WHERE id = $1;`

	markFailedSQL = `UPDATE withdrawal_history
    SET status = 'failed', error = $2, finalized_at = now()
    WHERE id = $1 AND status = 'initiated';`

	markSubmittedSQL = `UPDATE withdrawal_history
    SET status = 'submitted', tx_signature = COALESCE($2, tx_signature), submitted_at = now()
    WHERE id = $1 AND status = 'reserved';`

	attachSignatureSQL = `UPDATE withdrawal_history
    SET tx_signature = $2
    WHERE id = $1 AND status = 'submitted';`

	completeWithdrawalSQL = `UPDATE withdrawal_history
    SET status = 'completed', tx_signature = $2, finalized_at = now()
    WHERE id = $1 AND status = 'submitted';`

	rollbackWithdrawalSQL = `UPDATE withdrawal_history
    SET status = 'rolled_back', error = $2, finalized_at = now()
    WHERE id = $1 AND status IN ('reserved', 'submitted')
    RETURNING user_id, usd_amount;`

	inFlightWithdrawalSQL = `SELECT EXISTS (
      SELECT 1 FROM withdrawal_history
      WHERE user_id = $1 AND status IN ('initiated', 'reserved', 'submitted')
    );`

	countWithdrawalsSinceSQL = `SELECT count(*) FROM withdrawal_history
    WHERE user_id = $1
      AND status IN ('reserved', 'submitted', 'completed')
      AND created_at >= $2;`

	withdrawalColumns = `id, user_id, usd_amount, fee_usd, net_usd, sol_amount,
    destination, status, tx_signature, error, created_at, submitted_at, finalized_at`

	listSubmittedBeforeSQL = `SELECT ` + withdrawalColumns + `
    FROM withdrawal_history
    WHERE status = 'submitted' AND submitted_at < $1
    ORDER BY submitted_at;`

	listStalePreSubmitSQL = `SELECT ` + withdrawalColumns + `
    FROM withdrawal_history
    WHERE status IN ('initiated', 'reserved') AND created_at < $1
    ORDER BY created_at;`

	listRecentWithdrawalsSQL = `SELECT ` + withdrawalColumns + `
    FROM withdrawal_history
    ORDER BY created_at DESC
    LIMIT $1;`

	getWithdrawalSQL = `SELECT ` + withdrawalColumns + `
    FROM withdrawal_history
    WHERE id = $1;`
)

// CreateWithdrawal records a new withdrawal row in its initial state. No
// balance is touched yet; ReserveWithdrawal performs the debit.
func (s *Store) CreateWithdrawal(ctx context.Context, req WithdrawalRequest) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, err = pool.Exec(ctx, insertWithdrawalSQL,
		req.ID,
		req.UserID,
		req.USDAmount.String(),
		req.FeeUSD.String(),
		req.NetUSD.String(),
		req.SOLAmount.String(),
		req.Destination,
		WithdrawalInitiated,
		req.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert withdrawal: %w", err)
	}
	return nil
}

// ReserveWithdrawal debits the user for the full withdrawal amount and moves
// the row to reserved, atomically. On insufficient balance the row is marked
// failed and ErrInsufficientBalance is returned; the balance is untouched.
func (s *Store) ReserveWithdrawal(ctx context.Context, id string) (decimal.Decimal, error) {
	pool, err := s.getPool()
	if err != nil {
		return decimal.Decimal{}, err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("begin reserve tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var (
		userID    int64
		amountStr string
	)
	if err := tx.QueryRow(ctx, reserveWithdrawalRowSQL, id).Scan(&userID, &amountStr); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Decimal{}, ErrConflict
		}
		return decimal.Decimal{}, fmt.Errorf("lock withdrawal %s: %w", id, err)
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse withdrawal amount: %w", err)
	}

	newBalance, debitErr := debitInTx(ctx, tx, userID, amount, ReasonWithdrawalReserve, id)
	if debitErr != nil {
		if errors.Is(debitErr, ErrInsufficientBalance) {
			// Fail the row in the same transaction so the attempt is
			// visible in history but never retried.
			if _, markErr := tx.Exec(ctx, markFailedSQL, id, "insufficient balance"); markErr != nil {
				return decimal.Decimal{}, fmt.Errorf("mark withdrawal failed: %w", markErr)
			}
			if commitErr := tx.Commit(ctx); commitErr != nil {
				return decimal.Decimal{}, fmt.Errorf("commit failed withdrawal: %w", commitErr)
			}
			return decimal.Decimal{}, ErrInsufficientBalance
		}
		return decimal.Decimal{}, debitErr
	}

	if _, err := tx.Exec(ctx, markReservedSQL, id); err != nil {
		return decimal.Decimal{}, fmt.Errorf("mark withdrawal reserved: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return decimal.Decimal{}, fmt.Errorf("commit reserve tx: %w", err)
	}
	return newBalance, nil
}

// MarkSubmitted transitions a reserved withdrawal to submitted, recording the
// network signature when already known. Called before the transfer is sent so
// a crash mid-send leaves the row in a reconcilable state.
func (s *Store) MarkSubmitted(ctx context.Context, id string, signature *string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tag, err := pool.Exec(ctx, markSubmittedSQL, id, signature)
	if err != nil {
		return fmt.Errorf("mark withdrawal submitted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// AttachSignature records the network signature on a submitted withdrawal.
func (s *Store) AttachSignature(ctx context.Context, id, signature string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tag, err := pool.Exec(ctx, attachSignatureSQL, id, signature)
	if err != nil {
		return fmt.Errorf("attach signature: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// CompleteWithdrawal finalizes a submitted withdrawal as settled on-chain.
func (s *Store) CompleteWithdrawal(ctx context.Context, id string, signature string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tag, err := pool.Exec(ctx, completeWithdrawalSQL, id, signature)
	if err != nil {
		return fmt.Errorf("complete withdrawal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// RollbackWithdrawal refunds a reserved or submitted withdrawal and moves it
// to rolled_back, in one transaction. A second call for the same id finds no
// eligible row and returns (false, nil), so retries cannot double-refund.
func (s *Store) RollbackWithdrawal(ctx context.Context, id, reason string) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin rollback tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var (
		userID    int64
		amountStr string
	)
	if err := tx.QueryRow(ctx, rollbackWithdrawalSQL, id, reason).Scan(&userID, &amountStr); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("rollback withdrawal %s: %w", id, err)
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return false, fmt.Errorf("parse withdrawal amount: %w", err)
	}

	if _, err := creditInTx(ctx, tx, userID, amount, ReasonWithdrawalRollback, id); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit rollback tx: %w", err)
	}
	return true, nil
}

// FailWithdrawal marks an initiated withdrawal as failed. Reports false when
// the row already progressed past the initiated state.
func (s *Store) FailWithdrawal(ctx context.Context, id, reason string) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	tag, err := pool.Exec(ctx, markFailedSQL, id, reason)
	if err != nil {
		return false, fmt.Errorf("fail withdrawal: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// HasInFlightWithdrawal reports whether the user has a withdrawal that has
// not yet reached a terminal state.
func (s *Store) HasInFlightWithdrawal(ctx context.Context, userID int64) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	var exists bool
	if err := pool.QueryRow(ctx, inFlightWithdrawalSQL, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check in-flight withdrawal: %w", err)
	}
	return exists, nil
}

// CountWithdrawalsSince counts withdrawals that consumed rate-limit budget in
// the window. Failed and rolled-back attempts do not count.
func (s *Store) CountWithdrawalsSince(ctx context.Context, userID int64, since time.Time) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var count int
	if err := pool.QueryRow(ctx, countWithdrawalsSinceSQL, userID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("count withdrawals: %w", err)
	}
	return count, nil
}

// ListSubmittedBefore lists submitted withdrawals whose submission predates
// the cutoff, oldest first. The reconciler works through these.
func (s *Store) ListSubmittedBefore(ctx context.Context, cutoff time.Time) ([]WithdrawalRequest, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSubmittedBeforeSQL, cutoff)
	if queryErr != nil {
		return nil, fmt.Errorf("list submitted withdrawals: %w", queryErr)
	}
	return collectWithdrawals(rows)
}

// ListStalePreSubmit lists withdrawals still initiated or reserved whose
// creation predates the cutoff, oldest first. Such rows were abandoned
// before the send path ran, typically by a crash, and the reconciler cleans
// them up.
func (s *Store) ListStalePreSubmit(ctx context.Context, cutoff time.Time) ([]WithdrawalRequest, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listStalePreSubmitSQL, cutoff)
	if queryErr != nil {
		return nil, fmt.Errorf("list stale withdrawals: %w", queryErr)
	}
	return collectWithdrawals(rows)
}

// ListRecentWithdrawals lists the most recently created withdrawals.
func (s *Store) ListRecentWithdrawals(ctx context.Context, limit int) ([]WithdrawalRequest, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentWithdrawalsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent withdrawals: %w", queryErr)
	}
	return collectWithdrawals(rows)
}

// GetWithdrawal fetches a single withdrawal by id.
func (s *Store) GetWithdrawal(ctx context.Context, id string) (WithdrawalRequest, error) {
	pool, err := s.getPool()
	if err != nil {
		return WithdrawalRequest{}, err
	}

	rows, queryErr := pool.Query(ctx, getWithdrawalSQL, id)
	if queryErr != nil {
		return WithdrawalRequest{}, fmt.Errorf("get withdrawal: %w", queryErr)
	}
	withdrawals, err := collectWithdrawals(rows)
	if err != nil {
		return WithdrawalRequest{}, err
	}
	if len(withdrawals) == 0 {
		return WithdrawalRequest{}, pgx.ErrNoRows
	}
	return withdrawals[0], nil
}

func collectWithdrawals(rows pgx.Rows) ([]WithdrawalRequest, error) {
	defer rows.Close()

	var withdrawals []WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		withdrawals = append(withdrawals, w)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return withdrawals, nil
}

func scanWithdrawal(row pgx.Row) (WithdrawalRequest, error) {
	var (
		w   WithdrawalRequest
		usd string
		fee string
		net string
		sol string
	)
	if err := row.Scan(
		&w.ID,
		&w.UserID,
		&usd,
		&fee,
		&net,
		&sol,
		&w.Destination,
		&w.Status,
		&w.TxSignature,
		&w.Error,
		&w.CreatedAt,
		&w.SubmittedAt,
		&w.FinalizedAt,
	); err != nil {
		return WithdrawalRequest{}, fmt.Errorf("scan withdrawal: %w", err)
	}

	var err error
	if w.USDAmount, err = decimal.NewFromString(usd); err != nil {
		return WithdrawalRequest{}, fmt.Errorf("parse usd amount: %w", err)
	}
	if w.FeeUSD, err = decimal.NewFromString(fee); err != nil {
		return WithdrawalRequest{}, fmt.Errorf("parse fee: %w", err)
	}
	if w.NetUSD, err = decimal.NewFromString(net); err != nil {
		return WithdrawalRequest{}, fmt.Errorf("parse net amount: %w", err)
	}
	if w.SOLAmount, err = decimal.NewFromString(sol); err != nil {
		return WithdrawalRequest{}, fmt.Errorf("parse sol amount: %w", err)
	}
	return w, nil
}
