package withdraw

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"sol-custody/internal/alerting"
	"sol-custody/internal/ledger"
	"sol-custody/internal/storage"
)

const testDestination = "11111111111111111111111111111111"

// memStore is an in-memory WithdrawalStore plus a balance, enough to drive
// the processor's state machine end to end.
type memStore struct {
	rows    map[string]*storage.WithdrawalRequest
	balance decimal.Decimal
	order   []string
}

func newMemStore(balance string) *memStore {
	return &memStore{
		rows:    map[string]*storage.WithdrawalRequest{},
		balance: decimal.RequireFromString(balance),
	}
}

func (m *memStore) CreateWithdrawal(_ context.Context, req storage.WithdrawalRequest) error {
	req.Status = storage.WithdrawalInitiated
	m.rows[req.ID] = &req
	m.order = append(m.order, req.ID)
	return nil
}

func (m *memStore) ReserveWithdrawal(_ context.Context, id string) (decimal.Decimal, error) {
	row := m.rows[id]
	if m.balance.LessThan(row.USDAmount) {
		row.Status = storage.WithdrawalFailed
		return decimal.Decimal{}, storage.ErrInsufficientBalance
	}
	m.balance = m.balance.Sub(row.USDAmount)
	row.Status = storage.WithdrawalReserved
	return m.balance, nil
}

func (m *memStore) MarkSubmitted(_ context.Context, id string, signature *string) error {
	row := m.rows[id]
	if row.Status != storage.WithdrawalReserved {
		return storage.ErrConflict
	}
	row.Status = storage.WithdrawalSubmitted
	row.TxSignature = signature
	now := time.Now()
	row.SubmittedAt = &now
	return nil
}

func (m *memStore) AttachSignature(_ context.Context, id, signature string) error {
	m.rows[id].TxSignature = &signature
	return nil
}

func (m *memStore) CompleteWithdrawal(_ context.Context, id string, signature string) error {
	row := m.rows[id]
	if row.Status != storage.WithdrawalSubmitted {
		return storage.ErrConflict
	}
	row.Status = storage.WithdrawalCompleted
	row.TxSignature = &signature
	return nil
}

func (m *memStore) RollbackWithdrawal(_ context.Context, id, reason string) (bool, error) {
	row := m.rows[id]
	if row.Status != storage.WithdrawalReserved && row.Status != storage.WithdrawalSubmitted {
		return false, nil
	}
	m.balance = m.balance.Add(row.USDAmount)
	row.Status = storage.WithdrawalRolledBack
	row.Error = &reason
	return true, nil
}

func (m *memStore) FailWithdrawal(_ context.Context, id, reason string) (bool, error) {
	row := m.rows[id]
	if row.Status != storage.WithdrawalInitiated {
		return false, nil
	}
	row.Status = storage.WithdrawalFailed
	row.Error = &reason
	return true, nil
}

func (m *memStore) HasInFlightWithdrawal(_ context.Context, userID int64) (bool, error) {
	for _, row := range m.rows {
		if row.UserID != userID {
			continue
		}
		switch row.Status {
		case storage.WithdrawalInitiated, storage.WithdrawalReserved, storage.WithdrawalSubmitted:
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) CountWithdrawalsSince(_ context.Context, userID int64, since time.Time) (int, error) {
	count := 0
	for _, row := range m.rows {
		if row.UserID != userID || row.CreatedAt.Before(since) {
			continue
		}
		switch row.Status {
		case storage.WithdrawalReserved, storage.WithdrawalSubmitted, storage.WithdrawalCompleted:
			count++
		}
	}
	return count, nil
}

func (m *memStore) ListSubmittedBefore(_ context.Context, cutoff time.Time) ([]storage.WithdrawalRequest, error) {
	var out []storage.WithdrawalRequest
	for _, id := range m.order {
		row := m.rows[id]
		if row.Status == storage.WithdrawalSubmitted && row.SubmittedAt != nil && row.SubmittedAt.Before(cutoff) {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (m *memStore) ListStalePreSubmit(_ context.Context, cutoff time.Time) ([]storage.WithdrawalRequest, error) {
	var out []storage.WithdrawalRequest
	for _, id := range m.order {
		row := m.rows[id]
		switch row.Status {
		case storage.WithdrawalInitiated, storage.WithdrawalReserved:
			if row.CreatedAt.Before(cutoff) {
				out = append(out, *row)
			}
		}
	}
	return out, nil
}

func (m *memStore) ListRecentWithdrawals(context.Context, int) ([]storage.WithdrawalRequest, error) {
	return nil, nil
}

func (m *memStore) GetWithdrawal(_ context.Context, id string) (storage.WithdrawalRequest, error) {
	return *m.rows[id], nil
}

func (m *memStore) last() *storage.WithdrawalRequest {
	if len(m.order) == 0 {
		return nil
	}
	return m.rows[m.order[len(m.order)-1]]
}

type fakeChain struct {
	balance    decimal.Decimal
	signature  string
	submitErr  error
	submitted  []decimal.Decimal
	findStatus ledger.SubmissionStatus
	findErr    error
	outbound   *ledger.Transfer
}

func (f *fakeChain) WalletBalance(context.Context) (decimal.Decimal, error) {
	return f.balance, nil
}

func (f *fakeChain) SubmitTransfer(_ context.Context, _ string, amount decimal.Decimal) (string, error) {
	f.submitted = append(f.submitted, amount)
	return f.signature, f.submitErr
}

func (f *fakeChain) FindTransfer(context.Context, string) (ledger.SubmissionStatus, error) {
	return f.findStatus, f.findErr
}

func (f *fakeChain) FindOutbound(context.Context, string, decimal.Decimal, time.Time) (*ledger.Transfer, error) {
	return f.outbound, nil
}

type staticPrices struct{ price decimal.Decimal }

func (s staticPrices) SOLPrice(context.Context) (decimal.Decimal, error) {
	return s.price, nil
}

func testOptions() Options {
	return Options{
		Enabled:       true,
		MinUSD:        decimal.NewFromInt(10),
		MaxUSD:        decimal.NewFromInt(1000),
		FeePct:        decimal.RequireFromString("0.01"),
		MaxPerDay:     3,
		FeeReserveSOL: decimal.RequireFromString("0.01"),
	}
}

func newTestProcessor(store *memStore, chain *fakeChain) *Processor {
	return NewProcessor(store, chain, staticPrices{price: decimal.NewFromInt(150)}, nil, testOptions(), zerolog.Nop())
}

func TestWithdrawCompletes(t *testing.T) {
	store := newMemStore("100")
	chain := &fakeChain{balance: decimal.NewFromInt(10), signature: "sig1"}
	proc := newTestProcessor(store, chain)

	result, err := proc.Withdraw(context.Background(), 1, decimal.NewFromInt(50), testDestination)
	if err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}

	if !result.FeeUSD.Equal(decimal.RequireFromString("0.50")) {
		t.Fatalf("fee should be 0.50 USD, got %s", result.FeeUSD)
	}
	if !result.NetUSD.Equal(decimal.RequireFromString("49.50")) {
		t.Fatalf("net should be 49.50 USD, got %s", result.NetUSD)
	}
	// 49.50 / 150 = 0.33 SOL exactly.
	if !result.SOLAmount.Equal(decimal.RequireFromString("0.33")) {
		t.Fatalf("payout should be 0.33 SOL, got %s", result.SOLAmount)
	}
	if result.Status != storage.WithdrawalCompleted {
		t.Fatalf("status should be completed, got %q", result.Status)
	}
	if !store.balance.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("gross amount should be debited, balance %s", store.balance)
	}
	if len(chain.submitted) != 1 || !chain.submitted[0].Equal(result.SOLAmount) {
		t.Fatalf("exactly one transfer of the payout amount should be sent, got %v", chain.submitted)
	}
}

func TestWithdrawRollsBackOnRejectedSubmission(t *testing.T) {
	store := newMemStore("100")
	chain := &fakeChain{balance: decimal.NewFromInt(10), submitErr: ledger.ErrRejectedByNetwork}
	proc := newTestProcessor(store, chain)

	_, err := proc.Withdraw(context.Background(), 1, decimal.NewFromInt(50), testDestination)
	if !errors.Is(err, ledger.ErrRejectedByNetwork) {
		t.Fatalf("expected rejection error, got %v", err)
	}
	if !store.balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("balance should be restored after rollback, got %s", store.balance)
	}
	if row := store.last(); row.Status != storage.WithdrawalRolledBack {
		t.Fatalf("row should be rolled back, got %q", row.Status)
	}
}

func TestWithdrawAmbiguousStaysSubmitted(t *testing.T) {
	store := newMemStore("100")
	chain := &fakeChain{balance: decimal.NewFromInt(10), submitErr: ledger.ErrRPCUnavailable}
	proc := newTestProcessor(store, chain)

	_, err := proc.Withdraw(context.Background(), 1, decimal.NewFromInt(50), testDestination)
	if !errors.Is(err, ErrPendingConfirmation) {
		t.Fatalf("expected pending-confirmation error, got %v", err)
	}
	if !store.balance.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("debit must stand on an ambiguous outcome, balance %s", store.balance)
	}
	if row := store.last(); row.Status != storage.WithdrawalSubmitted {
		t.Fatalf("row should stay submitted, got %q", row.Status)
	}
}

func TestWithdrawInsufficientBalance(t *testing.T) {
	store := newMemStore("20")
	chain := &fakeChain{balance: decimal.NewFromInt(10)}
	proc := newTestProcessor(store, chain)

	_, err := proc.Withdraw(context.Background(), 1, decimal.NewFromInt(50), testDestination)
	if !errors.Is(err, storage.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if !store.balance.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("balance should be untouched, got %s", store.balance)
	}
	if len(chain.submitted) != 0 {
		t.Fatal("no transfer should be sent without a successful debit")
	}
}

func TestWithdrawAmountBounds(t *testing.T) {
	proc := newTestProcessor(newMemStore("5000"), &fakeChain{balance: decimal.NewFromInt(100)})

	for _, amount := range []string{"9.99", "1000.01"} {
		if _, err := proc.Withdraw(context.Background(), 1, decimal.RequireFromString(amount), testDestination); !errors.Is(err, ErrAmountOutOfRange) {
			t.Fatalf("amount %s should be out of range, got %v", amount, err)
		}
	}
	for _, amount := range []string{"10", "1000"} {
		if _, err := proc.Withdraw(context.Background(), 1, decimal.RequireFromString(amount), testDestination); err != nil {
			t.Fatalf("amount %s should be accepted, got %v", amount, err)
		}
	}
}

func TestWithdrawRateLimit(t *testing.T) {
	store := newMemStore("5000")
	chain := &fakeChain{balance: decimal.NewFromInt(100), signature: "sig"}
	proc := newTestProcessor(store, chain)

	for i := 0; i < 3; i++ {
		if _, err := proc.Withdraw(context.Background(), 1, decimal.NewFromInt(20), testDestination); err != nil {
			t.Fatalf("withdrawal %d should succeed: %v", i+1, err)
		}
	}
	if _, err := proc.Withdraw(context.Background(), 1, decimal.NewFromInt(20), testDestination); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("fourth withdrawal in the window should be rate limited, got %v", err)
	}

	// Another user is unaffected.
	if _, err := proc.Withdraw(context.Background(), 2, decimal.NewFromInt(20), testDestination); err != nil {
		t.Fatalf("other user should not be limited: %v", err)
	}
}

func TestWithdrawInFlightRejected(t *testing.T) {
	store := newMemStore("5000")
	chain := &fakeChain{balance: decimal.NewFromInt(100), submitErr: ledger.ErrRPCUnavailable}
	proc := newTestProcessor(store, chain)

	if _, err := proc.Withdraw(context.Background(), 1, decimal.NewFromInt(20), testDestination); !errors.Is(err, ErrPendingConfirmation) {
		t.Fatalf("first withdrawal should be left pending, got %v", err)
	}
	if _, err := proc.Withdraw(context.Background(), 1, decimal.NewFromInt(20), testDestination); !errors.Is(err, ErrInFlight) {
		t.Fatalf("second withdrawal should be rejected while one is in flight, got %v", err)
	}
}

func TestWithdrawDisabled(t *testing.T) {
	proc := newTestProcessor(newMemStore("100"), &fakeChain{balance: decimal.NewFromInt(10)})
	proc.SetEnabled(false)

	if _, err := proc.Withdraw(context.Background(), 1, decimal.NewFromInt(50), testDestination); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected disabled error, got %v", err)
	}
}

func TestWithdrawCustodyUnfunded(t *testing.T) {
	store := newMemStore("100")
	chain := &fakeChain{balance: decimal.RequireFromString("0.3")}
	notifier := &captureNotifier{}
	proc := NewProcessor(store, chain, staticPrices{price: decimal.NewFromInt(150)}, notifier, testOptions(), zerolog.Nop())

	// 50 USD nets 0.33 SOL; 0.3 SOL cannot cover it plus the 0.01 reserve.
	_, err := proc.Withdraw(context.Background(), 1, decimal.NewFromInt(50), testDestination)
	if !errors.Is(err, ErrCustodyUnfunded) {
		t.Fatalf("expected custody unfunded, got %v", err)
	}
	if !store.balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("no debit should happen, balance %s", store.balance)
	}
	if len(notifier.events) != 1 || notifier.events[0].Kind != alerting.EventCustodyBalanceLow {
		t.Fatalf("expected a low-balance alert, got %v", notifier.events)
	}
}

func TestWithdrawInvalidDestination(t *testing.T) {
	proc := newTestProcessor(newMemStore("100"), &fakeChain{balance: decimal.NewFromInt(10)})

	if _, err := proc.Withdraw(context.Background(), 1, decimal.NewFromInt(50), "not-an-address"); !errors.Is(err, ledger.ErrInvalidAddress) {
		t.Fatalf("expected invalid address, got %v", err)
	}
}

type captureNotifier struct {
	events []alerting.Event
}

func (c *captureNotifier) Notify(_ context.Context, event alerting.Event) error {
	c.events = append(c.events, event)
	return nil
}
