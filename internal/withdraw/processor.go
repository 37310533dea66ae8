// Package withdraw implements withdrawal settlement: balance reservation,
// on-chain submission, and reconciliation of ambiguous outcomes. The
// invariant throughout is debit-before-send; funds leave the internal
// balance before any transfer is attempted, and only a confirmed failure
// refunds them.
package withdraw

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"sol-custody/internal/alerting"
	"sol-custody/internal/ledger"
	"sol-custody/internal/storage"
)

var (
	// ErrDisabled means withdrawals are administratively paused.
	ErrDisabled = errors.New("withdraw: withdrawals are disabled")
	// ErrAmountOutOfRange means the requested fiat amount is outside policy.
	ErrAmountOutOfRange = errors.New("withdraw: amount outside allowed range")
	// ErrRateLimited means the user exhausted the trailing-window budget.
	ErrRateLimited = errors.New("withdraw: daily withdrawal limit reached")
	// ErrInFlight means the user already has an unfinished withdrawal.
	ErrInFlight = errors.New("withdraw: a withdrawal is already in flight")
	// ErrCustodyUnfunded means the custodial wallet cannot cover the payout
	// plus the network fee reserve.
	ErrCustodyUnfunded = errors.New("withdraw: custodial wallet balance too low")
	// ErrPendingConfirmation means the transfer was sent but its network
	// outcome is unknown; the reconciler will finalize it.
	ErrPendingConfirmation = errors.New("withdraw: submission outcome unknown, pending reconciliation")
)

// Chain is the ledger surface the processor needs.
type Chain interface {
	WalletBalance(ctx context.Context) (decimal.Decimal, error)
	SubmitTransfer(ctx context.Context, destination string, amount decimal.Decimal) (string, error)
}

// PriceSource supplies the SOL/USD conversion rate.
type PriceSource interface {
	SOLPrice(ctx context.Context) (decimal.Decimal, error)
}

// Options define withdrawal policy.
type Options struct {
	Enabled       bool
	MinUSD        decimal.Decimal
	MaxUSD        decimal.Decimal
	FeePct        decimal.Decimal
	MaxPerDay     int
	FeeReserveSOL decimal.Decimal
	// RateWindow is the trailing window the per-day budget is measured
	// over.
	RateWindow time.Duration
}

// Result reports a processed withdrawal.
type Result struct {
	ID        string
	USDAmount decimal.Decimal
	FeeUSD    decimal.Decimal
	NetUSD    decimal.Decimal
	SOLAmount decimal.Decimal
	Signature string
	Status    string
}

// Processor executes withdrawals.
type Processor struct {
	store    storage.WithdrawalStore
	chain    Chain
	prices   PriceSource
	notifier alerting.Notifier
	opts     Options
	logger   zerolog.Logger

	enabled atomic.Bool

	// userLocks serializes withdrawals per user so the in-flight and
	// rate-limit checks cannot race against a concurrent request from the
	// same user.
	mu        sync.Mutex
	userLocks map[int64]*sync.Mutex

	now   func() time.Time
	newID func() string
}

// NewProcessor constructs a Processor.
func NewProcessor(store storage.WithdrawalStore, chain Chain, prices PriceSource, notifier alerting.Notifier, opts Options, logger zerolog.Logger) *Processor {
	if notifier == nil {
		notifier = alerting.NoopNotifier{}
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = 24 * time.Hour
	}
	p := &Processor{
		store:     store,
		chain:     chain,
		prices:    prices,
		notifier:  notifier,
		opts:      opts,
		logger:    logger.With().Str("component", "withdraw").Logger(),
		userLocks: make(map[int64]*sync.Mutex),
		now:       time.Now,
		newID:     func() string { return ulid.Make().String() },
	}
	p.enabled.Store(opts.Enabled)
	return p
}

// SetEnabled toggles withdrawal processing at runtime.
func (p *Processor) SetEnabled(enabled bool) {
	p.enabled.Store(enabled)
	p.logger.Info().Bool("enabled", enabled).Msg("withdrawal switch changed")
}

// Enabled reports the current switch state.
func (p *Processor) Enabled() bool {
	return p.enabled.Load()
}

// Withdraw runs the full settlement sequence for one request. The user is
// debited for the gross amount before the transfer is sent; a confirmed
// send failure rolls the debit back, an ambiguous one leaves the row
// submitted for the reconciler.
func (p *Processor) Withdraw(ctx context.Context, userID int64, usdAmount decimal.Decimal, destination string) (Result, error) {
	if !p.enabled.Load() {
		return Result{}, ErrDisabled
	}
	if usdAmount.LessThan(p.opts.MinUSD) || usdAmount.GreaterThan(p.opts.MaxUSD) {
		return Result{}, fmt.Errorf("%w: %s USD not in [%s, %s]", ErrAmountOutOfRange, usdAmount, p.opts.MinUSD, p.opts.MaxUSD)
	}
	if err := ledger.ValidateAddress(destination); err != nil {
		return Result{}, err
	}

	unlock := p.lockUser(userID)
	defer unlock()

	now := p.now().UTC()

	inFlight, err := p.store.HasInFlightWithdrawal(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	if inFlight {
		return Result{}, ErrInFlight
	}

	used, err := p.store.CountWithdrawalsSince(ctx, userID, now.Add(-p.opts.RateWindow))
	if err != nil {
		return Result{}, err
	}
	if used >= p.opts.MaxPerDay {
		return Result{}, ErrRateLimited
	}

	price, err := p.prices.SOLPrice(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("withdraw: resolve price: %w", err)
	}

	fee := usdAmount.Mul(p.opts.FeePct).RoundCeil(2)
	net := usdAmount.Sub(fee)
	sol := net.Div(price).RoundDown(6)
	if sol.Sign() <= 0 {
		return Result{}, fmt.Errorf("%w: net payout rounds to zero SOL", ErrAmountOutOfRange)
	}

	custodyBalance, err := p.chain.WalletBalance(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("withdraw: custody balance: %w", err)
	}
	if custodyBalance.LessThan(sol.Add(p.opts.FeeReserveSOL)) {
		p.alert(ctx, alerting.Event{
			Kind:      alerting.EventCustodyBalanceLow,
			At:        now,
			UserID:    userID,
			AmountSOL: sol,
			Detail:    fmt.Sprintf("custody balance %s SOL, need %s SOL plus reserve", custodyBalance, sol),
		})
		return Result{}, ErrCustodyUnfunded
	}

	req := storage.WithdrawalRequest{
		ID:          p.newID(),
		UserID:      userID,
		USDAmount:   usdAmount,
		FeeUSD:      fee,
		NetUSD:      net,
		SOLAmount:   sol,
		Destination: destination,
		CreatedAt:   now,
	}
	if err := p.store.CreateWithdrawal(ctx, req); err != nil {
		return Result{}, err
	}

	if _, err := p.store.ReserveWithdrawal(ctx, req.ID); err != nil {
		return Result{}, err
	}

	// Submitted before the send so a crash between here and the network
	// call leaves a row the reconciler knows to investigate.
	if err := p.store.MarkSubmitted(ctx, req.ID, nil); err != nil {
		return Result{}, err
	}

	result := Result{
		ID:        req.ID,
		USDAmount: usdAmount,
		FeeUSD:    fee,
		NetUSD:    net,
		SOLAmount: sol,
	}

	signature, submitErr := p.chain.SubmitTransfer(ctx, destination, sol)
	if submitErr == nil {
		if err := p.store.CompleteWithdrawal(ctx, req.ID, signature); err != nil {
			return Result{}, err
		}
		p.logger.Info().
			Str("request_id", req.ID).
			Int64("user_id", userID).
			Str("usd_amount", usdAmount.String()).
			Str("sol_amount", sol.String()).
			Str("signature", signature).
			Msg("withdrawal completed")
		result.Signature = signature
		result.Status = storage.WithdrawalCompleted
		return result, nil
	}

	if signature != "" {
		if err := p.store.AttachSignature(ctx, req.ID, signature); err != nil {
			p.logger.Error().Err(err).Str("request_id", req.ID).Msg("attach signature failed")
		}
	}

	if definitelyNotEffected(submitErr) {
		reason := fmt.Sprintf("submission rejected: %v", submitErr)
		if _, err := p.store.RollbackWithdrawal(ctx, req.ID, reason); err != nil {
			return Result{}, err
		}
		p.logger.Warn().
			Str("request_id", req.ID).
			Int64("user_id", userID).
			Err(submitErr).
			Msg("withdrawal rolled back after rejected submission")
		return Result{}, submitErr
	}

	// Ambiguous outcome. The debit stands and the row stays submitted; the
	// reconciler confirms or refunds once the chain answers.
	p.logger.Warn().
		Str("request_id", req.ID).
		Int64("user_id", userID).
		Err(submitErr).
		Msg("withdrawal submission outcome unknown")
	result.Signature = signature
	result.Status = storage.WithdrawalSubmitted
	return result, fmt.Errorf("%w: %v", ErrPendingConfirmation, submitErr)
}

func (p *Processor) lockUser(userID int64) func() {
	p.mu.Lock()
	lock, ok := p.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		p.userLocks[userID] = lock
	}
	p.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func (p *Processor) alert(ctx context.Context, event alerting.Event) {
	if err := p.notifier.Notify(ctx, event); err != nil {
		p.logger.Error().Err(err).Str("kind", event.Kind).Msg("alert delivery failed")
	}
}

// definitelyNotEffected reports whether the submission error guarantees the
// transfer never reached the ledger. Only these justify an immediate refund.
func definitelyNotEffected(err error) bool {
	return errors.Is(err, ledger.ErrInvalidAddress) ||
		errors.Is(err, ledger.ErrInsufficientFunds) ||
		errors.Is(err, ledger.ErrRejectedByNetwork) ||
		errors.Is(err, ledger.ErrSigningUnavailable)
}
