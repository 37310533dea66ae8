package withdraw

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"sol-custody/internal/alerting"
	"sol-custody/internal/ledger"
	"sol-custody/internal/storage"
)

func submittedRow(t *testing.T, store *memStore, id string, signature *string, age time.Duration) {
	t.Helper()
	req := storage.WithdrawalRequest{
		ID:          id,
		UserID:      1,
		USDAmount:   decimal.NewFromInt(50),
		FeeUSD:      decimal.RequireFromString("0.50"),
		NetUSD:      decimal.RequireFromString("49.50"),
		SOLAmount:   decimal.RequireFromString("0.33"),
		Destination: testDestination,
		CreatedAt:   time.Now().Add(-age),
	}
	if err := store.CreateWithdrawal(context.Background(), req); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.ReserveWithdrawal(context.Background(), id); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := store.MarkSubmitted(context.Background(), id, signature); err != nil {
		t.Fatalf("mark submitted: %v", err)
	}
	at := time.Now().Add(-age)
	store.rows[id].SubmittedAt = &at
}

func newTestReconciler(store *memStore, chain *fakeChain, notifier alerting.Notifier) *Reconciler {
	return NewReconciler(store, chain, notifier, ReconcilerOptions{
		Grace:  2 * time.Minute,
		Cutoff: 15 * time.Minute,
	}, zerolog.Nop())
}

func TestReconcilerConfirmsBySignature(t *testing.T) {
	store := newMemStore("100")
	sig := "sigX"
	submittedRow(t, store, "w1", &sig, 5*time.Minute)
	chain := &fakeChain{findStatus: ledger.StatusConfirmed}

	if err := newTestReconciler(store, chain, nil).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if store.rows["w1"].Status != storage.WithdrawalCompleted {
		t.Fatalf("row should complete, got %q", store.rows["w1"].Status)
	}
	if !store.balance.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("debit must stand on confirmation, balance %s", store.balance)
	}
}

func TestReconcilerRefundsOnChainFailure(t *testing.T) {
	store := newMemStore("100")
	sig := "sigX"
	submittedRow(t, store, "w1", &sig, 5*time.Minute)
	chain := &fakeChain{findStatus: ledger.StatusFailedOnChain}
	notifier := &captureNotifier{}

	if err := newTestReconciler(store, chain, notifier).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if store.rows["w1"].Status != storage.WithdrawalRolledBack {
		t.Fatalf("row should roll back, got %q", store.rows["w1"].Status)
	}
	if !store.balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("refund should restore the balance, got %s", store.balance)
	}
	if len(notifier.events) != 1 || notifier.events[0].Kind != alerting.EventWithdrawalRolledBack {
		t.Fatalf("expected a rollback alert, got %v", notifier.events)
	}
}

func TestReconcilerLeavesUnknownWithinCutoff(t *testing.T) {
	store := newMemStore("100")
	sig := "sigX"
	submittedRow(t, store, "w1", &sig, 5*time.Minute)
	chain := &fakeChain{findStatus: ledger.StatusUnknown}

	if err := newTestReconciler(store, chain, nil).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if store.rows["w1"].Status != storage.WithdrawalSubmitted {
		t.Fatalf("row should stay submitted, got %q", store.rows["w1"].Status)
	}
}

func TestReconcilerRefundsUnknownPastCutoff(t *testing.T) {
	store := newMemStore("100")
	sig := "sigX"
	submittedRow(t, store, "w1", &sig, 30*time.Minute)
	chain := &fakeChain{findStatus: ledger.StatusUnknown}

	if err := newTestReconciler(store, chain, nil).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if store.rows["w1"].Status != storage.WithdrawalRolledBack {
		t.Fatalf("row should roll back past the cutoff, got %q", store.rows["w1"].Status)
	}
	if !store.balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("refund should restore the balance, got %s", store.balance)
	}
}

func TestReconcilerAttributesWithoutSignature(t *testing.T) {
	store := newMemStore("100")
	submittedRow(t, store, "w1", nil, 5*time.Minute)
	chain := &fakeChain{outbound: &ledger.Transfer{
		Signature:   "found",
		Destination: testDestination,
		Amount:      decimal.RequireFromString("0.33"),
	}}

	if err := newTestReconciler(store, chain, nil).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	row := store.rows["w1"]
	if row.Status != storage.WithdrawalCompleted {
		t.Fatalf("row should complete, got %q", row.Status)
	}
	if row.TxSignature == nil || *row.TxSignature != "found" {
		t.Fatalf("attributed signature should be recorded, got %v", row.TxSignature)
	}
}

func TestReconcilerRefundsMissingTransferPastCutoff(t *testing.T) {
	store := newMemStore("100")
	submittedRow(t, store, "w1", nil, 30*time.Minute)
	chain := &fakeChain{}

	if err := newTestReconciler(store, chain, nil).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if store.rows["w1"].Status != storage.WithdrawalRolledBack {
		t.Fatalf("row should roll back, got %q", store.rows["w1"].Status)
	}
	if !store.balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("refund should restore the balance, got %s", store.balance)
	}
}

func preSubmitRow(t *testing.T, store *memStore, id, status string, age time.Duration) {
	t.Helper()
	req := storage.WithdrawalRequest{
		ID:          id,
		UserID:      1,
		USDAmount:   decimal.NewFromInt(50),
		FeeUSD:      decimal.RequireFromString("0.50"),
		NetUSD:      decimal.RequireFromString("49.50"),
		SOLAmount:   decimal.RequireFromString("0.33"),
		Destination: testDestination,
		CreatedAt:   time.Now().Add(-age),
	}
	if err := store.CreateWithdrawal(context.Background(), req); err != nil {
		t.Fatalf("create: %v", err)
	}
	if status == storage.WithdrawalReserved {
		if _, err := store.ReserveWithdrawal(context.Background(), id); err != nil {
			t.Fatalf("reserve: %v", err)
		}
	}
}

func TestReconcilerRefundsAbandonedReservation(t *testing.T) {
	store := newMemStore("100")
	preSubmitRow(t, store, "w1", storage.WithdrawalReserved, 10*time.Minute)
	chain := &fakeChain{balance: decimal.NewFromInt(10), signature: "sig1"}
	notifier := &captureNotifier{}
	rec := newTestReconciler(store, chain, notifier)

	for i := 0; i < 3; i++ {
		if err := rec.Run(context.Background()); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	}
	if store.rows["w1"].Status != storage.WithdrawalRolledBack {
		t.Fatalf("abandoned reservation should roll back, got %q", store.rows["w1"].Status)
	}
	if !store.balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("debit should be refunded exactly once, balance %s", store.balance)
	}
	if len(notifier.events) != 1 || notifier.events[0].Kind != alerting.EventWithdrawalRolledBack {
		t.Fatalf("expected a single rollback alert, got %v", notifier.events)
	}

	// The in-flight slot is freed: a new withdrawal goes through.
	proc := newTestProcessor(store, chain)
	if _, err := proc.Withdraw(context.Background(), 1, decimal.NewFromInt(50), testDestination); err != nil {
		t.Fatalf("user should be unblocked after recovery: %v", err)
	}
}

func TestReconcilerFailsAbandonedInitiation(t *testing.T) {
	store := newMemStore("100")
	preSubmitRow(t, store, "w1", storage.WithdrawalInitiated, 10*time.Minute)
	rec := newTestReconciler(store, &fakeChain{}, nil)

	if err := rec.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if store.rows["w1"].Status != storage.WithdrawalFailed {
		t.Fatalf("abandoned initiation should fail, got %q", store.rows["w1"].Status)
	}
	if !store.balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("no debit existed, balance must be untouched, got %s", store.balance)
	}
	inFlight, err := store.HasInFlightWithdrawal(context.Background(), 1)
	if err != nil {
		t.Fatalf("in-flight check failed: %v", err)
	}
	if inFlight {
		t.Fatal("failed row must not count as in flight")
	}
}

func TestReconcilerLeavesFreshPreSubmitRows(t *testing.T) {
	store := newMemStore("100")
	preSubmitRow(t, store, "w1", storage.WithdrawalReserved, time.Minute)
	rec := newTestReconciler(store, &fakeChain{}, nil)

	if err := rec.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if store.rows["w1"].Status != storage.WithdrawalReserved {
		t.Fatalf("row within the grace period should stay reserved, got %q", store.rows["w1"].Status)
	}
	if !store.balance.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("debit should stand within the grace period, balance %s", store.balance)
	}
}
