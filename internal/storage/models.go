package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Deposit request lifecycle. Rows are never deleted; status is the only
// mutable field.
const (
	DepositPending  = "pending"
	DepositMatched  = "matched"
	DepositExpired  = "expired"
	DepositCanceled = "canceled"
)

// Withdrawal request lifecycle. Once completed or rolled_back a row is
// immutable.
const (
	WithdrawalInitiated  = "initiated"
	WithdrawalReserved   = "reserved"
	WithdrawalSubmitted  = "submitted"
	WithdrawalCompleted  = "completed"
	WithdrawalFailed     = "failed"
	WithdrawalRolledBack = "rolled_back"
)

// Audit reasons attached to balance mutations.
const (
	ReasonDeposit            = "deposit"
	ReasonWithdrawalReserve  = "withdrawal_reserve"
	ReasonWithdrawalRollback = "withdrawal_rollback"
	ReasonAdminSet           = "admin_set"
	ReasonAdminAdjust        = "admin_adjust"
)

// DepositRequest is a pending or settled deposit intent. SOLAmount is the
// fingerprint: unique among pending rows and matched exactly against
// inbound transfers.
type DepositRequest struct {
	ID               string
	UserID           int64
	USDAmount        decimal.Decimal
	SOLAmount        decimal.Decimal
	SOLPriceUSD      decimal.Decimal
	Status           string
	MatchedSignature *string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	MatchedAt        *time.Time
}

// WithdrawalRequest tracks an outbound transfer through its state machine.
type WithdrawalRequest struct {
	ID          string
	UserID      int64
	USDAmount   decimal.Decimal
	FeeUSD      decimal.Decimal
	NetUSD      decimal.Decimal
	SOLAmount   decimal.Decimal
	Destination string
	Status      string
	TxSignature *string
	Error       *string
	CreatedAt   time.Time
	SubmittedAt *time.Time
	FinalizedAt *time.Time
}

// AuditEntry is an immutable record of a balance mutation.
type AuditEntry struct {
	ID           int64
	UserID       int64
	Delta        decimal.Decimal
	BalanceAfter decimal.Decimal
	Reason       string
	RefID        *string
	CreatedAt    time.Time
}

// SettleOutcome classifies what happened to an observed inbound transfer.
type SettleOutcome int

const (
	// SettleDuplicate: the signature was already consumed; nothing changed.
	SettleDuplicate SettleOutcome = iota
	// SettleUnattributed: no pending request carries this fingerprint.
	SettleUnattributed
	// SettleExpiredFingerprint: the fingerprint belongs to an expired
	// request; flagged for manual reconciliation, no credit issued.
	SettleExpiredFingerprint
	// SettleMatched: a pending request was settled and the user credited.
	SettleMatched
)

// SettleResult reports the outcome of consuming an inbound transfer.
type SettleResult struct {
	Outcome    SettleOutcome
	Deposit    *DepositRequest
	NewBalance decimal.Decimal
	// PendingCollisions counts pending requests sharing the fingerprint at
	// match time. Anything above 1 indicates a fingerprinting failure and
	// is flagged for audit.
	PendingCollisions int
}
