package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// newTestStore connects to the database named by DATABASE_URL, applies the
// migrations, and truncates all tables so each test starts clean. Tests
// skip when no database is configured.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping postgres-backed tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	store := NewStore(pool)
	if err := store.Migrate(ctx, "../../migrations"); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	tables := []string{
		"consumed_transfers",
		"balance_audit",
		"withdrawal_history",
		"pending_sol_deposits",
		"poll_state",
		"users",
	}
	for _, table := range tables {
		if _, err := pool.Exec(ctx, "TRUNCATE "+table+" CASCADE"); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
	return store
}

func pendingDeposit(t *testing.T, store *Store, id string, userID int64, amount string, expiresIn time.Duration) DepositRequest {
	t.Helper()
	now := time.Now().UTC()
	req := DepositRequest{
		ID:          id,
		UserID:      userID,
		USDAmount:   decimal.NewFromInt(10),
		SOLAmount:   decimal.RequireFromString(amount),
		SOLPriceUSD: decimal.NewFromInt(150),
		Status:      DepositPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(expiresIn),
	}
	if err := store.CreateDeposit(context.Background(), req); err != nil {
		t.Fatalf("create deposit %s: %v", id, err)
	}
	return req
}

func TestSettleTransferMatchesOnceAndReportsDuplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	amount := decimal.RequireFromString("0.067341")
	pendingDeposit(t, store, "d1", 7, "0.067341", 20*time.Minute)

	result, err := store.SettleTransfer(ctx, "sigA", amount)
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if result.Outcome != SettleMatched {
		t.Fatalf("expected match, got outcome %d", result.Outcome)
	}
	if result.Deposit == nil || result.Deposit.ID != "d1" {
		t.Fatalf("matched deposit not reported: %+v", result.Deposit)
	}
	if !result.NewBalance.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected balance 10 after credit, got %s", result.NewBalance)
	}

	// The signature was claimed; a replay must not credit again.
	again, err := store.SettleTransfer(ctx, "sigA", amount)
	if err != nil {
		t.Fatalf("replay settle failed: %v", err)
	}
	if again.Outcome != SettleDuplicate {
		t.Fatalf("replay should report duplicate, got outcome %d", again.Outcome)
	}
	balance, err := store.GetBalance(ctx, 7)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("balance must be credited exactly once, got %s", balance)
	}

	settled, err := store.GetDeposit(ctx, "d1")
	if err != nil {
		t.Fatalf("get deposit: %v", err)
	}
	if settled.Status != DepositMatched {
		t.Fatalf("deposit should be matched, got %q", settled.Status)
	}
	if settled.MatchedSignature == nil || *settled.MatchedSignature != "sigA" {
		t.Fatalf("matched signature not recorded: %v", settled.MatchedSignature)
	}
}

func TestSettleTransferUnattributed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	result, err := store.SettleTransfer(ctx, "sigB", decimal.RequireFromString("0.055555"))
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if result.Outcome != SettleUnattributed {
		t.Fatalf("expected unattributed, got outcome %d", result.Outcome)
	}

	// The signature is consumed even when nothing matched.
	again, err := store.SettleTransfer(ctx, "sigB", decimal.RequireFromString("0.055555"))
	if err != nil {
		t.Fatalf("replay settle failed: %v", err)
	}
	if again.Outcome != SettleDuplicate {
		t.Fatalf("replay should report duplicate, got outcome %d", again.Outcome)
	}
}

func TestSettleTransferExpiredFingerprint(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pendingDeposit(t, store, "d1", 7, "0.044444", -time.Minute)

	swept, err := store.ExpirePendingDeposits(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("expire failed: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 expired row, got %d", swept)
	}

	result, err := store.SettleTransfer(ctx, "sigC", decimal.RequireFromString("0.044444"))
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if result.Outcome != SettleExpiredFingerprint {
		t.Fatalf("expected expired-fingerprint outcome, got %d", result.Outcome)
	}
	balance, err := store.GetBalance(ctx, 7)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if !balance.IsZero() {
		t.Fatalf("late transfer must not credit, balance %s", balance)
	}
}

func TestCreateDepositFingerprintUniqueness(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pendingDeposit(t, store, "d1", 7, "0.033333", 20*time.Minute)

	second := DepositRequest{
		ID:          "d2",
		UserID:      8,
		USDAmount:   decimal.NewFromInt(10),
		SOLAmount:   decimal.RequireFromString("0.033333"),
		SOLPriceUSD: decimal.NewFromInt(150),
		Status:      DepositPending,
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   time.Now().UTC().Add(20 * time.Minute),
	}
	if err := store.CreateDeposit(ctx, second); !errors.Is(err, ErrFingerprintTaken) {
		t.Fatalf("expected ErrFingerprintTaken, got %v", err)
	}

	// The index only guards pending rows; once the holder expires the
	// amount becomes available again.
	if _, err := store.ExpirePendingDeposits(ctx, time.Now().UTC().Add(time.Hour)); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if err := store.CreateDeposit(ctx, second); err != nil {
		t.Fatalf("amount should be reusable after expiry: %v", err)
	}
}

func withdrawalRow(t *testing.T, store *Store, id string, userID int64, usd string, age time.Duration) {
	t.Helper()
	req := WithdrawalRequest{
		ID:          id,
		UserID:      userID,
		USDAmount:   decimal.RequireFromString(usd),
		FeeUSD:      decimal.RequireFromString("0.50"),
		NetUSD:      decimal.RequireFromString("49.50"),
		SOLAmount:   decimal.RequireFromString("0.33"),
		Destination: "11111111111111111111111111111111",
		CreatedAt:   time.Now().UTC().Add(-age),
	}
	if err := store.CreateWithdrawal(context.Background(), req); err != nil {
		t.Fatalf("create withdrawal %s: %v", id, err)
	}
}

func TestReserveAndRollbackWithdrawal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.Credit(ctx, 9, decimal.NewFromInt(100), ReasonAdminAdjust, ""); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	withdrawalRow(t, store, "w1", 9, "50", 0)

	newBalance, err := store.ReserveWithdrawal(ctx, "w1")
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if !newBalance.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected balance 50 after debit, got %s", newBalance)
	}
	row, err := store.GetWithdrawal(ctx, "w1")
	if err != nil {
		t.Fatalf("get withdrawal: %v", err)
	}
	if row.Status != WithdrawalReserved {
		t.Fatalf("row should be reserved, got %q", row.Status)
	}

	// Reserving a second time must not double-debit.
	if _, err := store.ReserveWithdrawal(ctx, "w1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("re-reserve should conflict, got %v", err)
	}

	rolled, err := store.RollbackWithdrawal(ctx, "w1", "test refund")
	if err != nil {
		t.Fatalf("rollback failed: %v", err)
	}
	if !rolled {
		t.Fatal("rollback should act on the reserved row")
	}
	balance, err := store.GetBalance(ctx, 9)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("refund should restore the balance, got %s", balance)
	}

	// A second rollback finds no eligible row and must not refund again.
	rolled, err = store.RollbackWithdrawal(ctx, "w1", "test refund")
	if err != nil {
		t.Fatalf("repeat rollback failed: %v", err)
	}
	if rolled {
		t.Fatal("repeat rollback must be a no-op")
	}
	balance, err = store.GetBalance(ctx, 9)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("repeat rollback double-refunded, balance %s", balance)
	}
}

func TestReserveWithdrawalInsufficientBalance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	withdrawalRow(t, store, "w1", 9, "50", 0)

	if _, err := store.ReserveWithdrawal(ctx, "w1"); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	row, err := store.GetWithdrawal(ctx, "w1")
	if err != nil {
		t.Fatalf("get withdrawal: %v", err)
	}
	if row.Status != WithdrawalFailed {
		t.Fatalf("row should be failed, got %q", row.Status)
	}
	inFlight, err := store.HasInFlightWithdrawal(ctx, 9)
	if err != nil {
		t.Fatalf("in-flight check: %v", err)
	}
	if inFlight {
		t.Fatal("failed row must not block future withdrawals")
	}
}

func TestListStalePreSubmitAndFail(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.Credit(ctx, 9, decimal.NewFromInt(100), ReasonAdminAdjust, ""); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	withdrawalRow(t, store, "old-initiated", 9, "50", 10*time.Minute)
	withdrawalRow(t, store, "old-reserved", 9, "50", 10*time.Minute)
	if _, err := store.ReserveWithdrawal(ctx, "old-reserved"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	withdrawalRow(t, store, "fresh", 9, "50", 0)

	stale, err := store.ListStalePreSubmit(ctx, time.Now().UTC().Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 2 {
		t.Fatalf("expected the two aged rows, got %d", len(stale))
	}
	if stale[0].ID != "old-initiated" || stale[1].ID != "old-reserved" {
		t.Fatalf("stale rows out of order: %s, %s", stale[0].ID, stale[1].ID)
	}

	failed, err := store.FailWithdrawal(ctx, "old-initiated", "abandoned")
	if err != nil {
		t.Fatalf("fail withdrawal: %v", err)
	}
	if !failed {
		t.Fatal("initiated row should be failable")
	}
	failed, err = store.FailWithdrawal(ctx, "old-reserved", "abandoned")
	if err != nil {
		t.Fatalf("fail withdrawal: %v", err)
	}
	if failed {
		t.Fatal("reserved rows hold a debit and must not be failed directly")
	}
}

func TestCursorRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cursor, err := store.LoadCursor(ctx)
	if err != nil {
		t.Fatalf("load cursor: %v", err)
	}
	if cursor != "" {
		t.Fatalf("fresh cursor should be empty, got %q", cursor)
	}

	if err := store.SaveCursor(ctx, "sigZ"); err != nil {
		t.Fatalf("save cursor: %v", err)
	}
	if err := store.SaveCursor(ctx, "sigZ2"); err != nil {
		t.Fatalf("overwrite cursor: %v", err)
	}
	cursor, err = store.LoadCursor(ctx)
	if err != nil {
		t.Fatalf("reload cursor: %v", err)
	}
	if cursor != "sigZ2" {
		t.Fatalf("expected latest cursor, got %q", cursor)
	}
}
