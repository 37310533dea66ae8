// Package fingerprint derives unique deposit amounts. A deposit request is
// attributed to a user purely by the SOL amount of the inbound transfer, so
// the derived amount must never collide with another pending request.
package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/shopspring/decimal"
)

// amountPlaces is the fractional precision of a fingerprint amount.
// Matching is exact at this precision.
const amountPlaces = 6

// perturbMax bounds the random offset, in units of 1e-6 SOL. With at most a
// few hundred concurrently pending requests the per-attempt collision
// probability stays below a few percent, and the bounded re-roll plus the
// registry uniqueness check push the effective failure rate to negligible.
const perturbMax = 9999

var (
	// ErrBelowMinimum means the fiat amount converts to less SOL than the
	// configured floor.
	ErrBelowMinimum = errors.New("fingerprint: amount below minimum deposit")
	// ErrNoUniqueAmount means every re-roll collided with a pending request.
	ErrNoUniqueAmount = errors.New("fingerprint: could not derive a unique amount")
)

// PendingChecker reports whether a pending deposit request with the exact
// amount already exists.
type PendingChecker func(ctx context.Context, amount decimal.Decimal) (bool, error)

// Options tune fingerprint derivation.
type Options struct {
	// MinSOL is the smallest acceptable deposit amount.
	MinSOL decimal.Decimal
	// BufferPct pads the conversion against price movement between intent
	// creation and the on-chain transfer.
	BufferPct decimal.Decimal
	// Attempts bounds uniqueness re-rolls.
	Attempts int
}

// Fingerprinter derives deposit amounts.
type Fingerprinter struct {
	opts Options
	intN func(n int) int
}

// New constructs a Fingerprinter.
func New(opts Options) *Fingerprinter {
	if opts.Attempts <= 0 {
		opts.Attempts = 5
	}
	return &Fingerprinter{opts: opts, intN: rand.IntN}
}

// Base converts the fiat amount into buffered SOL at the given rate,
// rounded up to fingerprint precision. The random perturbation is not yet
// applied.
func (f *Fingerprinter) Base(usd, rate decimal.Decimal) (decimal.Decimal, error) {
	if usd.Sign() <= 0 {
		return decimal.Decimal{}, errors.New("fingerprint: fiat amount must be positive")
	}
	if rate.Sign() <= 0 {
		return decimal.Decimal{}, errors.New("fingerprint: conversion rate must be positive")
	}

	base := usd.Div(rate).RoundCeil(amountPlaces)
	if f.opts.BufferPct.Sign() > 0 {
		base = base.Mul(decimal.NewFromInt(1).Add(f.opts.BufferPct)).RoundCeil(amountPlaces)
	}

	if !f.opts.MinSOL.IsZero() && base.LessThan(f.opts.MinSOL) {
		return decimal.Decimal{}, fmt.Errorf("%w: %s SOL < %s SOL", ErrBelowMinimum, base, f.opts.MinSOL)
	}
	return base, nil
}

// Derive produces a fingerprint amount guaranteed unique among pending
// requests per the checker, re-rolling the perturbation on collision.
func (f *Fingerprinter) Derive(ctx context.Context, usd, rate decimal.Decimal, exists PendingChecker) (decimal.Decimal, error) {
	base, err := f.Base(usd, rate)
	if err != nil {
		return decimal.Decimal{}, err
	}

	for attempt := 0; attempt < f.opts.Attempts; attempt++ {
		offset := decimal.New(int64(f.intN(perturbMax))+1, -amountPlaces)
		amount := base.Add(offset)

		taken, err := exists(ctx, amount)
		if err != nil {
			return decimal.Decimal{}, err
		}
		if !taken {
			return amount, nil
		}
	}
	return decimal.Decimal{}, ErrNoUniqueAmount
}
