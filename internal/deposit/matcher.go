package deposit

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"sol-custody/internal/alerting"
	"sol-custody/internal/ledger"
	"sol-custody/internal/storage"
)

// Matcher consumes observed inbound transfers and settles them against
// pending deposit requests.
type Matcher struct {
	store    storage.DepositStore
	notifier alerting.Notifier
	logger   zerolog.Logger
}

// NewMatcher constructs a Matcher.
func NewMatcher(store storage.DepositStore, notifier alerting.Notifier, logger zerolog.Logger) *Matcher {
	if notifier == nil {
		notifier = alerting.NoopNotifier{}
	}
	return &Matcher{
		store:    store,
		notifier: notifier,
		logger:   logger.With().Str("component", "deposit_matcher").Logger(),
	}
}

// Consume settles one inbound transfer. Every signature is consumed exactly
// once; replays are cheap no-ops. Alert delivery failures are logged but do
// not fail the settlement, which has already committed.
func (m *Matcher) Consume(ctx context.Context, transfer ledger.Transfer) error {
	result, err := m.store.SettleTransfer(ctx, transfer.Signature, transfer.Amount)
	if err != nil {
		return fmt.Errorf("settle transfer %s: %w", transfer.Signature, err)
	}

	switch result.Outcome {
	case storage.SettleDuplicate:
		m.logger.Debug().
			Str("signature", transfer.Signature).
			Msg("transfer already consumed")

	case storage.SettleMatched:
		m.logger.Info().
			Str("signature", transfer.Signature).
			Str("request_id", result.Deposit.ID).
			Int64("user_id", result.Deposit.UserID).
			Str("sol_amount", transfer.Amount.String()).
			Str("usd_credited", result.Deposit.USDAmount.String()).
			Str("new_balance", result.NewBalance.String()).
			Msg("deposit matched and credited")
		if result.PendingCollisions > 1 {
			m.alert(ctx, alerting.Event{
				Kind:      alerting.EventFingerprintCollision,
				At:        transfer.BlockTime,
				Signature: transfer.Signature,
				RequestID: result.Deposit.ID,
				UserID:    result.Deposit.UserID,
				AmountSOL: transfer.Amount,
				Detail:    fmt.Sprintf("%d pending requests shared this amount", result.PendingCollisions),
			})
		}

	case storage.SettleExpiredFingerprint:
		m.logger.Warn().
			Str("signature", transfer.Signature).
			Str("sol_amount", transfer.Amount.String()).
			Msg("transfer matches an expired request, held for manual review")
		m.alert(ctx, alerting.Event{
			Kind:      alerting.EventExpiredFingerprint,
			At:        transfer.BlockTime,
			Signature: transfer.Signature,
			AmountSOL: transfer.Amount,
		})

	case storage.SettleUnattributed:
		m.logger.Warn().
			Str("signature", transfer.Signature).
			Str("source", transfer.Source).
			Str("sol_amount", transfer.Amount.String()).
			Msg("unattributed inbound transfer")
		m.alert(ctx, alerting.Event{
			Kind:      alerting.EventUnattributedTransfer,
			At:        transfer.BlockTime,
			Signature: transfer.Signature,
			AmountSOL: transfer.Amount,
			Detail:    fmt.Sprintf("source %s", transfer.Source),
		})
	}

	return nil
}

func (m *Matcher) alert(ctx context.Context, event alerting.Event) {
	if err := m.notifier.Notify(ctx, event); err != nil {
		m.logger.Error().Err(err).Str("kind", event.Kind).Msg("alert delivery failed")
	}
}
