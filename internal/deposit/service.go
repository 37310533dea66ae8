// Package deposit implements the deposit side of the custody flow: intent
// creation with fingerprinted amounts, and matching observed inbound
// transfers back to their requests.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"sol-custody/internal/fingerprint"
	"sol-custody/internal/storage"
)

// PriceSource supplies the SOL/USD conversion rate.
type PriceSource interface {
	SOLPrice(ctx context.Context) (decimal.Decimal, error)
}

// Intent is what the caller relays to the user: send exactly SOLAmount to
// WalletAddress before ExpiresAt.
type Intent struct {
	RequestID     string
	UserID        int64
	USDAmount     decimal.Decimal
	SOLAmount     decimal.Decimal
	SOLPriceUSD   decimal.Decimal
	WalletAddress string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Options tune the deposit service.
type Options struct {
	WalletAddress string
	Expiry        time.Duration
	// CreateAttempts bounds retries when a derived amount loses the insert
	// race against a concurrent request.
	CreateAttempts int
}

// Service creates and reads deposit intents.
type Service struct {
	store  storage.DepositStore
	prices PriceSource
	fp     *fingerprint.Fingerprinter
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string
}

// NewService constructs the deposit service.
func NewService(store storage.DepositStore, prices PriceSource, fp *fingerprint.Fingerprinter, opts Options, logger zerolog.Logger) *Service {
	if opts.CreateAttempts <= 0 {
		opts.CreateAttempts = 3
	}
	return &Service{
		store:  store,
		prices: prices,
		fp:     fp,
		opts:   opts,
		logger: logger.With().Str("component", "deposit").Logger(),
		now:    time.Now,
		newID:  func() string { return ulid.Make().String() },
	}
}

// CreateIntent derives a unique deposit amount for the fiat value and
// registers a pending request. The returned intent expires; transfers
// arriving after the deadline are not credited automatically.
func (s *Service) CreateIntent(ctx context.Context, userID int64, usdAmount decimal.Decimal) (Intent, error) {
	if usdAmount.Sign() <= 0 {
		return Intent{}, errors.New("deposit: fiat amount must be positive")
	}

	price, err := s.prices.SOLPrice(ctx)
	if err != nil {
		return Intent{}, fmt.Errorf("deposit: resolve price: %w", err)
	}

	createdAt := s.now().UTC()
	expiresAt := createdAt.Add(s.opts.Expiry)

	for attempt := 0; attempt < s.opts.CreateAttempts; attempt++ {
		amount, err := s.fp.Derive(ctx, usdAmount, price, s.store.PendingFingerprintExists)
		if err != nil {
			return Intent{}, err
		}

		req := storage.DepositRequest{
			ID:          s.newID(),
			UserID:      userID,
			USDAmount:   usdAmount,
			SOLAmount:   amount,
			SOLPriceUSD: price,
			Status:      storage.DepositPending,
			CreatedAt:   createdAt,
			ExpiresAt:   expiresAt,
		}

		if err := s.store.CreateDeposit(ctx, req); err != nil {
			if errors.Is(err, storage.ErrFingerprintTaken) {
				s.logger.Warn().
					Int64("user_id", userID).
					Str("sol_amount", amount.String()).
					Int("attempt", attempt+1).
					Msg("fingerprint insert race, re-deriving")
				continue
			}
			return Intent{}, err
		}

		s.logger.Info().
			Str("request_id", req.ID).
			Int64("user_id", userID).
			Str("usd_amount", usdAmount.String()).
			Str("sol_amount", amount.String()).
			Time("expires_at", expiresAt).
			Msg("deposit intent created")

		return Intent{
			RequestID:     req.ID,
			UserID:        userID,
			USDAmount:     usdAmount,
			SOLAmount:     amount,
			SOLPriceUSD:   price,
			WalletAddress: s.opts.WalletAddress,
			CreatedAt:     createdAt,
			ExpiresAt:     expiresAt,
		}, nil
	}

	return Intent{}, fingerprint.ErrNoUniqueAmount
}

// GetRequest fetches a deposit request by id.
func (s *Service) GetRequest(ctx context.Context, id string) (storage.DepositRequest, error) {
	return s.store.GetDeposit(ctx, id)
}
