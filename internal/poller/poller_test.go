package poller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"sol-custody/internal/ledger"
	"sol-custody/internal/storage"
)

type fakeLocker struct {
	acquired bool
	calls    int
}

func (f *fakeLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	f.calls++
	return func() {}, f.acquired, nil
}

type fakeDeposits struct {
	expired int64
}

func (f *fakeDeposits) CreateDeposit(context.Context, storage.DepositRequest) error { return nil }
func (f *fakeDeposits) PendingFingerprintExists(context.Context, decimal.Decimal) (bool, error) {
	return false, nil
}
func (f *fakeDeposits) ExpirePendingDeposits(context.Context, time.Time) (int64, error) {
	return f.expired, nil
}
func (f *fakeDeposits) SettleTransfer(context.Context, string, decimal.Decimal) (storage.SettleResult, error) {
	return storage.SettleResult{}, nil
}
func (f *fakeDeposits) GetDeposit(context.Context, string) (storage.DepositRequest, error) {
	return storage.DepositRequest{}, nil
}

type fakeCursors struct {
	cursor string
	saved  []string
}

func (f *fakeCursors) LoadCursor(context.Context) (string, error) { return f.cursor, nil }
func (f *fakeCursors) SaveCursor(_ context.Context, signature string) error {
	f.saved = append(f.saved, signature)
	f.cursor = signature
	return nil
}

type fakeChain struct {
	transfers []ledger.Transfer
	tip       ledger.Cursor
	since     []ledger.Cursor
}

func (f *fakeChain) ListInboundTransfers(_ context.Context, since ledger.Cursor, _ int) ([]ledger.Transfer, ledger.Cursor, error) {
	f.since = append(f.since, since)
	return f.transfers, f.tip, nil
}

type fakeConsumer struct {
	consumed []string
	failOn   string
}

func (f *fakeConsumer) Consume(_ context.Context, transfer ledger.Transfer) error {
	if f.failOn != "" && transfer.Signature == f.failOn {
		return errors.New("settle failed")
	}
	f.consumed = append(f.consumed, transfer.Signature)
	return nil
}

type fakeReconciler struct {
	runs int
}

func (f *fakeReconciler) Run(context.Context) error {
	f.runs++
	return nil
}

func newTestPoller(locker *fakeLocker, cursors *fakeCursors, chain *fakeChain, consumer *fakeConsumer, reconciler *fakeReconciler) *Poller {
	return New(locker, &fakeDeposits{}, cursors, chain, consumer, reconciler, Options{
		AdvisoryLockKey: 1,
		SignatureLimit:  50,
	}, zerolog.Nop())
}

func TestTickConsumesAndAdvancesCursor(t *testing.T) {
	locker := &fakeLocker{acquired: true}
	cursors := &fakeCursors{cursor: "old"}
	chain := &fakeChain{
		transfers: []ledger.Transfer{
			{Signature: "s1", Amount: decimal.RequireFromString("0.067335")},
			{Signature: "s2", Amount: decimal.RequireFromString("0.120001")},
		},
		tip: "s2",
	}
	consumer := &fakeConsumer{}
	reconciler := &fakeReconciler{}
	p := newTestPoller(locker, cursors, chain, consumer, reconciler)

	if err := p.Tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	if len(chain.since) != 1 || chain.since[0] != "old" {
		t.Fatalf("scan should start from the stored cursor, got %v", chain.since)
	}
	if len(consumer.consumed) != 2 {
		t.Fatalf("both transfers should be consumed, got %v", consumer.consumed)
	}
	if len(cursors.saved) != 1 || cursors.saved[0] != "s2" {
		t.Fatalf("cursor should advance to the batch tip, got %v", cursors.saved)
	}
	if reconciler.runs != 1 {
		t.Fatalf("reconciler should run once per tick, got %d", reconciler.runs)
	}
}

func TestTickHoldsCursorOnConsumeFailure(t *testing.T) {
	locker := &fakeLocker{acquired: true}
	cursors := &fakeCursors{cursor: "old"}
	chain := &fakeChain{
		transfers: []ledger.Transfer{{Signature: "s1"}, {Signature: "s2"}},
		tip:       "s2",
	}
	consumer := &fakeConsumer{failOn: "s2"}
	p := newTestPoller(locker, cursors, chain, consumer, &fakeReconciler{})

	if err := p.Tick(context.Background(), time.Now()); err == nil {
		t.Fatal("Tick should surface the consume failure")
	}
	if len(cursors.saved) != 0 {
		t.Fatalf("cursor must not advance past an unconsumed transfer, got %v", cursors.saved)
	}
}

func TestTickSkipsWhenLockHeld(t *testing.T) {
	locker := &fakeLocker{acquired: false}
	cursors := &fakeCursors{}
	chain := &fakeChain{}
	p := newTestPoller(locker, cursors, chain, &fakeConsumer{}, &fakeReconciler{})

	if err := p.Tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("Tick should skip silently: %v", err)
	}
	if len(chain.since) != 0 {
		t.Fatal("no scan should happen without the lock")
	}
}

func TestTickNoNewTransfers(t *testing.T) {
	locker := &fakeLocker{acquired: true}
	cursors := &fakeCursors{cursor: "tip"}
	chain := &fakeChain{tip: "tip"}
	p := newTestPoller(locker, cursors, chain, &fakeConsumer{}, &fakeReconciler{})

	if err := p.Tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if len(cursors.saved) != 0 {
		t.Fatalf("cursor should not be rewritten without progress, got %v", cursors.saved)
	}
}
