package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Error taxonomy for ledger access. Submission callers must distinguish
// definitive rejections (safe to roll back) from transient or ambiguous
// failures (never safe to roll back without reconciliation).
var (
	// ErrRPCUnavailable covers timeouts and transport failures. The outcome
	// of a submission that fails this way is unknown.
	ErrRPCUnavailable = errors.New("ledger: rpc unavailable")
	// ErrInsufficientFunds means the custodial wallet cannot cover the
	// transfer. Reported during preflight, before broadcast.
	ErrInsufficientFunds = errors.New("ledger: insufficient wallet funds")
	// ErrInvalidAddress means the destination is not a valid account address.
	ErrInvalidAddress = errors.New("ledger: invalid address")
	// ErrRejectedByNetwork means the network refused the transaction during
	// preflight simulation, before broadcast.
	ErrRejectedByNetwork = errors.New("ledger: rejected by network")
	// ErrSigningUnavailable means no signing key is configured; outbound
	// transfers cannot be submitted.
	ErrSigningUnavailable = errors.New("ledger: signing key not configured")
)

// Cursor is an opaque resume position within the wallet's transaction
// history. The zero value means "start from the most recent history".
type Cursor string

// Transfer is a read-only projection of an on-ledger transfer touching the
// custodial wallet.
type Transfer struct {
	Signature   string
	Source      string
	Destination string
	Amount      decimal.Decimal
	BlockTime   time.Time
	Slot        uint64
}

// SubmissionStatus reports the ground-truth state of a submitted transfer.
type SubmissionStatus int

const (
	// StatusUnknown: the ledger has no record of the signature (yet).
	StatusUnknown SubmissionStatus = iota
	// StatusConfirmed: the transaction landed and succeeded.
	StatusConfirmed
	// StatusFailedOnChain: the transaction landed but execution failed, so
	// no funds moved.
	StatusFailedOnChain
)

// Client abstracts read and write access to the external ledger.
type Client interface {
	// ListInboundTransfers returns inbound transfers to the custodial wallet
	// newer than the cursor, oldest first, plus the new tip cursor. The tip
	// must only be persisted after every returned transfer has been durably
	// consumed.
	ListInboundTransfers(ctx context.Context, since Cursor, limit int) ([]Transfer, Cursor, error)

	// WalletBalance returns the custodial wallet balance in SOL.
	WalletBalance(ctx context.Context) (decimal.Decimal, error)

	// SubmitTransfer signs and broadcasts an outbound transfer and returns
	// the external signature. Errors wrap the package taxonomy.
	SubmitTransfer(ctx context.Context, destination string, amount decimal.Decimal) (string, error)

	// FindTransfer re-queries ground truth for a previously submitted
	// signature.
	FindTransfer(ctx context.Context, signature string) (SubmissionStatus, error)

	// FindOutbound searches the destination's recent history for an outbound
	// transfer from the custodial wallet matching amount within the window.
	// Returns nil when no such transfer is visible.
	FindOutbound(ctx context.Context, destination string, amount decimal.Decimal, notBefore time.Time) (*Transfer, error)
}

var lamportsPerSOL = decimal.NewFromInt(1_000_000_000)

// LamportsToSOL converts raw lamports into a SOL decimal.
func LamportsToSOL(lamports uint64) decimal.Decimal {
	return decimal.NewFromUint64(lamports).Div(lamportsPerSOL)
}

// SOLToLamports converts a SOL amount into lamports, truncating any
// precision below one lamport.
func SOLToLamports(amount decimal.Decimal) uint64 {
	return uint64(amount.Mul(lamportsPerSOL).IntPart())
}
