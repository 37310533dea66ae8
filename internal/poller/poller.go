// Package poller drives the periodic ledger scan: it expires stale deposit
// requests, consumes new inbound transfers, and runs withdrawal
// reconciliation. A PostgreSQL advisory lock keeps concurrent replicas from
// scanning the same wallet at once.
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"sol-custody/internal/ledger"
	"sol-custody/internal/storage"
)

// ChainSource lists inbound transfers from the ledger.
type ChainSource interface {
	ListInboundTransfers(ctx context.Context, since ledger.Cursor, limit int) ([]ledger.Transfer, ledger.Cursor, error)
}

// Consumer settles one inbound transfer.
type Consumer interface {
	Consume(ctx context.Context, transfer ledger.Transfer) error
}

// Reconciler resolves in-flight withdrawals.
type Reconciler interface {
	Run(ctx context.Context) error
}

// Options tune the polling pass.
type Options struct {
	AdvisoryLockKey int64
	SignatureLimit  int
}

// Poller owns one scan cycle over the custodial wallet.
type Poller struct {
	locker     storage.AdvisoryLocker
	deposits   storage.DepositStore
	cursors    storage.CursorStore
	chain      ChainSource
	consumer   Consumer
	reconciler Reconciler
	opts       Options
	logger     zerolog.Logger
}

// New constructs a Poller.
func New(locker storage.AdvisoryLocker, deposits storage.DepositStore, cursors storage.CursorStore, chain ChainSource, consumer Consumer, reconciler Reconciler, opts Options, logger zerolog.Logger) *Poller {
	return &Poller{
		locker:     locker,
		deposits:   deposits,
		cursors:    cursors,
		chain:      chain,
		consumer:   consumer,
		reconciler: reconciler,
		opts:       opts,
		logger:     logger.With().Str("component", "poller").Logger(),
	}
}

// Tick runs one scan cycle. When another replica holds the advisory lock the
// cycle is skipped silently. The resume cursor is persisted only after every
// transfer in the batch has been consumed; a partial batch is rescanned next
// cycle, which is safe because settlement is idempotent per signature.
func (p *Poller) Tick(ctx context.Context, now time.Time) error {
	unlock, acquired, err := p.locker.TryAdvisoryLock(ctx, p.opts.AdvisoryLockKey)
	if err != nil {
		return fmt.Errorf("poll: advisory lock: %w", err)
	}
	if !acquired {
		p.logger.Debug().Msg("another replica is polling, skipping cycle")
		return nil
	}
	defer unlock()

	expired, err := p.deposits.ExpirePendingDeposits(ctx, now)
	if err != nil {
		return fmt.Errorf("poll: expire deposits: %w", err)
	}
	if expired > 0 {
		p.logger.Info().Int64("count", expired).Msg("expired stale deposit requests")
	}

	if err := p.scanTransfers(ctx); err != nil {
		return err
	}

	if p.reconciler != nil {
		if err := p.reconciler.Run(ctx); err != nil {
			return fmt.Errorf("poll: reconcile withdrawals: %w", err)
		}
	}
	return nil
}

func (p *Poller) scanTransfers(ctx context.Context) error {
	cursor, err := p.cursors.LoadCursor(ctx)
	if err != nil {
		return fmt.Errorf("poll: load cursor: %w", err)
	}

	transfers, tip, err := p.chain.ListInboundTransfers(ctx, ledger.Cursor(cursor), p.opts.SignatureLimit)
	if err != nil {
		return fmt.Errorf("poll: list transfers: %w", err)
	}
	if len(transfers) == 0 && string(tip) == cursor {
		return nil
	}

	for _, transfer := range transfers {
		if err := p.consumer.Consume(ctx, transfer); err != nil {
			// Leave the cursor in place; this and the remaining
			// transfers are retried next cycle.
			return fmt.Errorf("poll: consume %s: %w", transfer.Signature, err)
		}
	}

	if string(tip) != "" && string(tip) != cursor {
		if err := p.cursors.SaveCursor(ctx, string(tip)); err != nil {
			return fmt.Errorf("poll: save cursor: %w", err)
		}
	}

	p.logger.Info().
		Int("transfers", len(transfers)).
		Str("cursor", string(tip)).
		Msg("scan cycle complete")
	return nil
}
