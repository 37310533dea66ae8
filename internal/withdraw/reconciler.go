package withdraw

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"sol-custody/internal/alerting"
	"sol-custody/internal/ledger"
	"sol-custody/internal/storage"
)

// Lookup is the ledger surface the reconciler needs.
type Lookup interface {
	FindTransfer(ctx context.Context, signature string) (ledger.SubmissionStatus, error)
	FindOutbound(ctx context.Context, destination string, amount decimal.Decimal, notBefore time.Time) (*ledger.Transfer, error)
}

// ReconcilerOptions bound how long an ambiguous submission may stay open.
type ReconcilerOptions struct {
	// Grace is how long after submission a row is left alone before the
	// reconciler starts asking the ledger about it.
	Grace time.Duration
	// Cutoff is the age past which an unresolvable submission is refunded.
	Cutoff time.Duration
}

// Reconciler resolves withdrawals stuck in the submitted state: it confirms
// them against the ledger, completing or refunding as the evidence dictates.
type Reconciler struct {
	store    storage.WithdrawalStore
	chain    Lookup
	notifier alerting.Notifier
	opts     ReconcilerOptions
	logger   zerolog.Logger
	now      func() time.Time
}

// NewReconciler constructs a Reconciler.
func NewReconciler(store storage.WithdrawalStore, chain Lookup, notifier alerting.Notifier, opts ReconcilerOptions, logger zerolog.Logger) *Reconciler {
	if notifier == nil {
		notifier = alerting.NoopNotifier{}
	}
	return &Reconciler{
		store:    store,
		chain:    chain,
		notifier: notifier,
		opts:     opts,
		logger:   logger.With().Str("component", "withdraw_reconciler").Logger(),
		now:      time.Now,
	}
}

// Run works through every submitted withdrawal older than the grace period,
// then sweeps rows abandoned before submission. Per-row errors are logged
// and skipped so one bad row cannot wedge the sweep.
func (r *Reconciler) Run(ctx context.Context) error {
	now := r.now().UTC()
	cutoff := now.Add(-r.opts.Grace)

	rows, err := r.store.ListSubmittedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("reconcile: list submitted: %w", err)
	}
	for _, row := range rows {
		if err := r.resolve(ctx, row, now); err != nil {
			r.logger.Error().Err(err).Str("request_id", row.ID).Msg("reconcile failed for withdrawal")
		}
	}

	stale, err := r.store.ListStalePreSubmit(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("reconcile: list stale: %w", err)
	}
	for _, row := range stale {
		if err := r.recover(ctx, row, now); err != nil {
			r.logger.Error().Err(err).Str("request_id", row.ID).Msg("recovery failed for withdrawal")
		}
	}
	return nil
}

// recover cleans up a withdrawal abandoned before submission, usually by a
// crash between creation and the send path. The row moves to submitted
// before any transfer is broadcast, so a reserved row this old was never
// sent and its debit is refunded. An initiated row never debited anything
// and is simply failed; both free the user's in-flight slot.
func (r *Reconciler) recover(ctx context.Context, row storage.WithdrawalRequest, now time.Time) error {
	switch row.Status {
	case storage.WithdrawalReserved:
		return r.refund(ctx, row, now, "abandoned before submission")
	case storage.WithdrawalInitiated:
		failed, err := r.store.FailWithdrawal(ctx, row.ID, "abandoned before reservation")
		if err != nil {
			return err
		}
		if failed {
			r.logger.Warn().Str("request_id", row.ID).Msg("abandoned withdrawal marked failed")
		}
		return nil
	default:
		return nil
	}
}

func (r *Reconciler) resolve(ctx context.Context, row storage.WithdrawalRequest, now time.Time) error {
	pastCutoff := row.SubmittedAt != nil && now.Sub(*row.SubmittedAt) > r.opts.Cutoff

	if row.TxSignature != nil && *row.TxSignature != "" {
		status, err := r.chain.FindTransfer(ctx, *row.TxSignature)
		if err != nil {
			return err
		}
		switch status {
		case ledger.StatusConfirmed:
			if err := r.store.CompleteWithdrawal(ctx, row.ID, *row.TxSignature); err != nil {
				return err
			}
			r.logger.Info().Str("request_id", row.ID).Str("signature", *row.TxSignature).Msg("withdrawal confirmed on reconcile")
			return nil
		case ledger.StatusFailedOnChain:
			return r.refund(ctx, row, now, "transaction failed on chain")
		default:
			if pastCutoff {
				return r.refund(ctx, row, now, "signature never confirmed before cutoff")
			}
			return nil
		}
	}

	// No signature was recorded; look for an outbound transfer matching the
	// destination and exact amount since the row was created.
	transfer, err := r.chain.FindOutbound(ctx, row.Destination, row.SOLAmount, row.CreatedAt)
	if err != nil {
		return err
	}
	if transfer != nil {
		if err := r.store.CompleteWithdrawal(ctx, row.ID, transfer.Signature); err != nil {
			return err
		}
		r.logger.Info().Str("request_id", row.ID).Str("signature", transfer.Signature).Msg("withdrawal attributed on reconcile")
		return nil
	}

	if pastCutoff {
		return r.refund(ctx, row, now, "no matching transfer found before cutoff")
	}

	r.logger.Debug().Str("request_id", row.ID).Msg("withdrawal still unresolved, within cutoff")
	return nil
}

func (r *Reconciler) refund(ctx context.Context, row storage.WithdrawalRequest, now time.Time, reason string) error {
	rolled, err := r.store.RollbackWithdrawal(ctx, row.ID, reason)
	if err != nil {
		return err
	}
	if !rolled {
		return nil
	}

	r.logger.Warn().Str("request_id", row.ID).Str("reason", reason).Msg("withdrawal refunded on reconcile")
	if err := r.notifier.Notify(ctx, alerting.Event{
		Kind:      alerting.EventWithdrawalRolledBack,
		At:        now,
		RequestID: row.ID,
		UserID:    row.UserID,
		AmountUSD: row.USDAmount,
		Detail:    reason,
	}); err != nil {
		r.logger.Error().Err(err).Str("request_id", row.ID).Msg("alert delivery failed")
	}
	return nil
}
