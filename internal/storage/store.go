package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"sol-custody/internal/config"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrInsufficientBalance indicates a debit larger than the user's
	// balance. No state is mutated.
	ErrInsufficientBalance = errors.New("storage: insufficient balance")
	// ErrFingerprintTaken indicates a pending deposit already carries the
	// amount. Callers re-roll the fingerprint.
	ErrFingerprintTaken = errors.New("storage: fingerprint amount already pending")
	// ErrConflict indicates a conditional status transition found the row
	// in an unexpected state.
	ErrConflict = errors.New("storage: conflicting state transition")
)

const (
	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// DepositStore defines deposit registry persistence.
type DepositStore interface {
	CreateDeposit(ctx context.Context, req DepositRequest) error
	PendingFingerprintExists(ctx context.Context, amount decimal.Decimal) (bool, error)
	ExpirePendingDeposits(ctx context.Context, now time.Time) (int64, error)
	SettleTransfer(ctx context.Context, signature string, amount decimal.Decimal) (SettleResult, error)
	GetDeposit(ctx context.Context, id string) (DepositRequest, error)
}

// BalanceStore defines the balance ledger: every balance mutation goes
// through it and appends an audit entry in the same transaction.
type BalanceStore interface {
	GetBalance(ctx context.Context, userID int64) (decimal.Decimal, error)
	Credit(ctx context.Context, userID int64, amount decimal.Decimal, reason, refID string) (decimal.Decimal, error)
	Debit(ctx context.Context, userID int64, amount decimal.Decimal, reason, refID string) (decimal.Decimal, error)
	SetBalance(ctx context.Context, userID int64, amount decimal.Decimal, refID string) (decimal.Decimal, error)
	ListRecentAudit(ctx context.Context, limit int) ([]AuditEntry, error)
	ListAuditBetween(ctx context.Context, from, to time.Time) ([]AuditEntry, error)
}

// WithdrawalStore defines withdrawal lifecycle persistence.
type WithdrawalStore interface {
	CreateWithdrawal(ctx context.Context, req WithdrawalRequest) error
	ReserveWithdrawal(ctx context.Context, id string) (decimal.Decimal, error)
	MarkSubmitted(ctx context.Context, id string, signature *string) error
	AttachSignature(ctx context.Context, id, signature string) error
	CompleteWithdrawal(ctx context.Context, id string, signature string) error
	RollbackWithdrawal(ctx context.Context, id, reason string) (bool, error)
	FailWithdrawal(ctx context.Context, id, reason string) (bool, error)
	HasInFlightWithdrawal(ctx context.Context, userID int64) (bool, error)
	CountWithdrawalsSince(ctx context.Context, userID int64, since time.Time) (int, error)
	ListSubmittedBefore(ctx context.Context, cutoff time.Time) ([]WithdrawalRequest, error)
	ListStalePreSubmit(ctx context.Context, cutoff time.Time) ([]WithdrawalRequest, error)
	ListRecentWithdrawals(ctx context.Context, limit int) ([]WithdrawalRequest, error)
	GetWithdrawal(ctx context.Context, id string) (WithdrawalRequest, error)
}

// CursorStore persists the poller's resume position.
type CursorStore interface {
	LoadCursor(ctx context.Context) (string, error)
	SaveCursor(ctx context.Context, signature string) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// Store aggregates access to deposits, balances, withdrawals, audit, and
// the poll cursor.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns
// a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}
