package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/posengine/internal/domain"
)

// PriceService resolves mark prices for a scope. The venue's mark source is
// authoritative; the price cache is written through on every fetch and is
// read back only for symbols the source could not price, and only while the
// cached value is younger than maxAge.
type PriceService struct {
	source  domain.MarkSource
	cache   domain.PriceCache
	timeout time.Duration
	maxAge  time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewPriceService creates a PriceService. cache may be nil.
func NewPriceService(source domain.MarkSource, cache domain.PriceCache, logger *slog.Logger) *PriceService {
	return &PriceService{
		source:  source,
		cache:   cache,
		timeout: 5 * time.Second,
		maxAge:  time.Minute,
		logger:  logger.With(slog.String("component", "marks")),
		now:     time.Now,
	}
}

// WithLimits sets the per-fetch timeout and the oldest cached mark that may
// stand in for a live one.
func (s *PriceService) WithLimits(timeout, maxAge time.Duration) *PriceService {
	if timeout > 0 {
		s.timeout = timeout
	}
	if maxAge > 0 {
		s.maxAge = maxAge
	}
	return s
}

// WithClock replaces the wall clock.
func (s *PriceService) WithClock(now func() time.Time) *PriceService {
	s.now = now
	return s
}

// Marks returns strictly positive marks for the requested symbols. Symbols
// with no usable price are omitted; callers treat them as unpriced.
func (s *PriceService) Marks(ctx context.Context, symbols []string) (map[string]float64, error) {
	out := make(map[string]float64, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	live, err := s.source.Marks(fetchCtx, symbols)
	cancel()
	if err != nil {
		s.logger.WarnContext(ctx, "price_service: mark fetch failed, using cache",
			slog.Int("symbols", len(symbols)),
			slog.String("error", err.Error()),
		)
	}

	now := s.now().UTC()
	for sym, price := range live {
		if !domain.PositiveFinite(price) {
			continue
		}
		out[sym] = price
		if s.cache != nil {
			if cerr := s.cache.SetPrice(ctx, sym, price, now); cerr != nil {
				s.logger.WarnContext(ctx, "price_service: cache write failed",
					slog.String("symbol", sym),
					slog.String("error", cerr.Error()),
				)
			}
		}
	}

	if s.cache == nil {
		return out, nil
	}
	for _, sym := range symbols {
		if _, ok := out[sym]; ok {
			continue
		}
		price, ts, cerr := s.cache.GetPrice(ctx, sym)
		if cerr != nil || !domain.PositiveFinite(price) {
			continue
		}
		if now.Sub(ts) > s.maxAge {
			s.logger.DebugContext(ctx, "price_service: cached mark too old",
				slog.String("symbol", sym),
				slog.Duration("age", now.Sub(ts)),
			)
			continue
		}
		out[sym] = price
	}
	return out, nil
}

// Mark returns the mark for one symbol, or ErrNotFound when none is usable.
func (s *PriceService) Mark(ctx context.Context, symbol string) (float64, error) {
	marks, err := s.Marks(ctx, []string{symbol})
	if err != nil {
		return 0, fmt.Errorf("price_service: mark %s: %w", symbol, err)
	}
	price, ok := marks[symbol]
	if !ok {
		return 0, fmt.Errorf("price_service: mark %s: %w", symbol, domain.ErrNotFound)
	}
	return price, nil
}
