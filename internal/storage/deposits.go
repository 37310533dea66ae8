package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

const (
	insertDepositSQL = `INSERT INTO pending_sol_deposits (
        deposit_id,
        user_id,
        usd_amount,
        sol_amount,
        sol_price_usd,
        status,
        created_at,
        expires_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8);`

	pendingFingerprintSQL = `SELECT EXISTS (
        SELECT 1 FROM pending_sol_deposits
        WHERE sol_amount = $1 AND status = 'pending'
    );`

	expirePendingSQL = `UPDATE pending_sol_deposits
    SET status = 'expired'
    WHERE status = 'pending' AND expires_at < $1;`

	getDepositSQL = `SELECT
        deposit_id, user_id, usd_amount, sol_amount, sol_price_usd,
        status, matched_signature, created_at, expires_at, matched_at
    FROM pending_sol_deposits
    WHERE deposit_id = $1;`

	claimSignatureSQL = `INSERT INTO consumed_transfers (signature, sol_amount, attributed, note)
    VALUES ($1, $2, FALSE, '')
    ON CONFLICT (signature) DO NOTHING;`

	lockPendingByAmountSQL = `SELECT
        deposit_id, user_id, usd_amount, sol_amount, sol_price_usd,
        status, matched_signature, created_at, expires_at, matched_at
    FROM pending_sol_deposits
    WHERE sol_amount = $1 AND status = 'pending'
    ORDER BY created_at
    FOR UPDATE;`

	countExpiredByAmountSQL = `SELECT COUNT(*) FROM pending_sol_deposits
    WHERE sol_amount = $1 AND status = 'expired';`

	markMatchedSQL = `UPDATE pending_sol_deposits
    SET status = 'matched', matched_signature = $2, matched_at = $3
    WHERE deposit_id = $1 AND status = 'pending';`

	noteConsumedSQL = `UPDATE consumed_transfers
    SET note = $2
    WHERE signature = $1;`

	attributeConsumedSQL = `UPDATE consumed_transfers
    SET attributed = TRUE, deposit_id = $2
    WHERE signature = $1;`
)

// CreateDeposit inserts a pending deposit request. A concurrent request
// holding the same fingerprint amount surfaces as ErrFingerprintTaken via
// the partial unique index.
func (s *Store) CreateDeposit(ctx context.Context, req DepositRequest) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertDepositSQL,
		req.ID,
		req.UserID,
		req.USDAmount.String(),
		req.SOLAmount.String(),
		req.SOLPriceUSD.String(),
		req.Status,
		req.CreatedAt,
		req.ExpiresAt,
	)
	if execErr != nil {
		if isUniqueViolation(execErr) {
			return ErrFingerprintTaken
		}
		return fmt.Errorf("insert deposit: %w", execErr)
	}
	return nil
}

// PendingFingerprintExists reports whether a pending request already holds
// the exact amount.
func (s *Store) PendingFingerprintExists(ctx context.Context, amount decimal.Decimal) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	var exists bool
	if scanErr := pool.QueryRow(ctx, pendingFingerprintSQL, amount.String()).Scan(&exists); scanErr != nil {
		return false, fmt.Errorf("check pending fingerprint: %w", scanErr)
	}
	return exists, nil
}

// ExpirePendingDeposits transitions pending requests past their deadline to
// expired and returns how many were swept.
func (s *Store) ExpirePendingDeposits(ctx context.Context, now time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	tag, execErr := pool.Exec(ctx, expirePendingSQL, now)
	if execErr != nil {
		return 0, fmt.Errorf("expire pending deposits: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// GetDeposit fetches a deposit request by id.
func (s *Store) GetDeposit(ctx context.Context, id string) (DepositRequest, error) {
	pool, err := s.getPool()
	if err != nil {
		return DepositRequest{}, err
	}

	row := pool.QueryRow(ctx, getDepositSQL, id)
	return scanDeposit(row)
}

// SettleTransfer consumes an observed inbound transfer in a single
// transaction: the signature is claimed exactly once, the oldest pending
// request with the exact fingerprint amount is matched, and the user is
// credited with the requested fiat amount. Re-observing a consumed
// signature is a no-op.
func (s *Store) SettleTransfer(ctx context.Context, signature string, amount decimal.Decimal) (SettleResult, error) {
	pool, err := s.getPool()
	if err != nil {
		return SettleResult{}, err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return SettleResult{}, fmt.Errorf("begin settle tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	tag, err := tx.Exec(ctx, claimSignatureSQL, signature, amount.String())
	if err != nil {
		return SettleResult{}, fmt.Errorf("claim signature: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return SettleResult{Outcome: SettleDuplicate}, nil
	}

	rows, err := tx.Query(ctx, lockPendingByAmountSQL, amount.String())
	if err != nil {
		return SettleResult{}, fmt.Errorf("lock pending deposits: %w", err)
	}
	candidates, err := collectDeposits(rows)
	if err != nil {
		return SettleResult{}, err
	}

	if len(candidates) == 0 {
		outcome := SettleUnattributed
		note := "unattributed"

		var expiredCount int
		if err := tx.QueryRow(ctx, countExpiredByAmountSQL, amount.String()).Scan(&expiredCount); err != nil {
			return SettleResult{}, fmt.Errorf("count expired by amount: %w", err)
		}
		if expiredCount > 0 {
			outcome = SettleExpiredFingerprint
			note = "expired_fingerprint"
		}

		if _, err := tx.Exec(ctx, noteConsumedSQL, signature, note); err != nil {
			return SettleResult{}, fmt.Errorf("note consumed transfer: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return SettleResult{}, fmt.Errorf("commit settle tx: %w", err)
		}
		return SettleResult{Outcome: outcome}, nil
	}

	// Oldest pending request wins; extra candidates indicate a
	// fingerprint collision the caller flags for audit.
	winner := candidates[0]

	matchedAt := time.Now().UTC()
	matchTag, err := tx.Exec(ctx, markMatchedSQL, winner.ID, signature, matchedAt)
	if err != nil {
		return SettleResult{}, fmt.Errorf("mark deposit matched: %w", err)
	}
	if matchTag.RowsAffected() == 0 {
		return SettleResult{}, ErrConflict
	}

	newBalance, err := creditInTx(ctx, tx, winner.UserID, winner.USDAmount, ReasonDeposit, winner.ID)
	if err != nil {
		return SettleResult{}, err
	}

	if _, err := tx.Exec(ctx, attributeConsumedSQL, signature, winner.ID); err != nil {
		return SettleResult{}, fmt.Errorf("attribute consumed transfer: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return SettleResult{}, fmt.Errorf("commit settle tx: %w", err)
	}

	winner.Status = DepositMatched
	winner.MatchedSignature = &signature
	winner.MatchedAt = &matchedAt

	return SettleResult{
		Outcome:           SettleMatched,
		Deposit:           &winner,
		NewBalance:        newBalance,
		PendingCollisions: len(candidates),
	}, nil
}

func collectDeposits(rows pgx.Rows) ([]DepositRequest, error) {
	defer rows.Close()

	var deposits []DepositRequest
	for rows.Next() {
		dep, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		deposits = append(deposits, dep)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return deposits, nil
}

func scanDeposit(row pgx.Row) (DepositRequest, error) {
	var (
		dep       DepositRequest
		usdStr    string
		solStr    string
		priceStr  string
		signature *string
		matchedAt *time.Time
	)

	if err := row.Scan(
		&dep.ID,
		&dep.UserID,
		&usdStr,
		&solStr,
		&priceStr,
		&dep.Status,
		&signature,
		&dep.CreatedAt,
		&dep.ExpiresAt,
		&matchedAt,
	); err != nil {
		return DepositRequest{}, fmt.Errorf("scan deposit: %w", err)
	}

	var err error
	if dep.USDAmount, err = decimal.NewFromString(usdStr); err != nil {
		return DepositRequest{}, fmt.Errorf("parse usd amount: %w", err)
	}
	if dep.SOLAmount, err = decimal.NewFromString(solStr); err != nil {
		return DepositRequest{}, fmt.Errorf("parse sol amount: %w", err)
	}
	if dep.SOLPriceUSD, err = decimal.NewFromString(priceStr); err != nil {
		return DepositRequest{}, fmt.Errorf("parse sol price: %w", err)
	}
	dep.MatchedSignature = signature
	dep.MatchedAt = matchedAt

	return dep, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
