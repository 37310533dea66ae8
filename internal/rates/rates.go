package rates

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrPriceUnavailable means no source produced a usable SOL/USD rate and
// the cache is empty or too stale to trust for pricing money movements.
var ErrPriceUnavailable = errors.New("rates: no valid SOL price available")

// Source produces a SOL/USD rate from one upstream.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (decimal.Decimal, error)
}

// Options tune caching behaviour.
type Options struct {
	// CacheTTL is how long a fetched price stays fresh.
	CacheTTL time.Duration
	// MaxStale caps how old a cached price may be when every source is
	// down. Beyond this the service refuses to price operations.
	MaxStale time.Duration
}

// Service resolves the SOL/USD conversion rate with source fallback and a
// bounded-staleness cache.
type Service struct {
	sources []Source
	opts    Options
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex
	cached   decimal.Decimal
	cachedAt time.Time
}

// NewService builds a rate service over the given sources, tried in order.
func NewService(sources []Source, opts Options, logger zerolog.Logger) *Service {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 90 * time.Minute
	}
	if opts.MaxStale <= 0 {
		opts.MaxStale = 24 * time.Hour
	}
	return &Service{
		sources: sources,
		opts:    opts,
		logger:  logger.With().Str("component", "rates").Logger(),
		now:     time.Now,
	}
}

// SOLPrice returns the current SOL/USD rate. A fresh cached value is
// returned without network access; otherwise sources are tried in order and
// the first positive rate wins. When every source fails, a cached value no
// older than MaxStale is used as a last resort.
func (s *Service) SOLPrice(ctx context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !s.cached.IsZero() && now.Sub(s.cachedAt) < s.opts.CacheTTL {
		return s.cached, nil
	}

	for _, source := range s.sources {
		price, err := source.Fetch(ctx)
		if err != nil {
			s.logger.Debug().Err(err).Str("source", source.Name()).Msg("price source failed")
			continue
		}
		if price.Sign() <= 0 {
			s.logger.Debug().Str("source", source.Name()).Str("price", price.String()).Msg("price source returned non-positive rate")
			continue
		}

		s.cached = price
		s.cachedAt = now
		s.logger.Info().Str("source", source.Name()).Str("price_usd", price.StringFixed(2)).Msg("SOL price refreshed")
		return price, nil
	}

	if !s.cached.IsZero() {
		age := now.Sub(s.cachedAt)
		if age <= s.opts.MaxStale {
			s.logger.Warn().Dur("age", age).Str("price_usd", s.cached.StringFixed(2)).Msg("all price sources failed; using cached price")
			return s.cached, nil
		}
		s.logger.Error().Dur("age", age).Msg("cached price too old to use")
	}

	return decimal.Decimal{}, ErrPriceUnavailable
}
