package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/posengine/internal/domain"
	"github.com/alanyoungcy/posengine/internal/metrics"
	"github.com/alanyoungcy/posengine/internal/retry"
)

// BalanceConfig controls how a scope's balance is fetched and when a cached
// value stops being trusted.
type BalanceConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	Timeout    time.Duration
	Retry      retry.Policy
}

// BalanceService keeps the last known account balance for one scope. When a
// refresh exhausts its retries the scope is put into exit-only mode until a
// later refresh succeeds.
type BalanceService struct {
	scope   string
	venue   domain.Venue
	cfg     BalanceConfig
	bus     domain.SignalBus
	alerter Alerter
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	snapshot domain.BalanceSnapshot
	failures int
	exitOnly bool
}

// NewBalanceService creates a BalanceService. bus may be nil.
func NewBalanceService(scope string, venue domain.Venue, cfg BalanceConfig, bus domain.SignalBus, logger *slog.Logger) *BalanceService {
	if cfg.Retry.Attempts < 1 {
		cfg.Retry = retry.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	return &BalanceService{
		scope:  scope,
		venue:  venue,
		cfg:    cfg,
		bus:    bus,
		logger: logger.With(slog.String("component", "balance"), slog.String("scope", scope)),
		now:    time.Now,
	}
}

// WithAlerter attaches an operator notifier.
func (s *BalanceService) WithAlerter(a Alerter) *BalanceService {
	s.alerter = a
	return s
}

// WithMetrics attaches a metrics sink.
func (s *BalanceService) WithMetrics(m *metrics.Metrics) *BalanceService {
	s.metrics = m
	return s
}

// WithClock replaces the wall clock.
func (s *BalanceService) WithClock(now func() time.Time) *BalanceService {
	s.now = now
	return s
}

// Refresh fetches the balance from the venue, retrying transient failures.
// On success the snapshot is replaced and exit-only mode is cleared. On
// exhaustion the previous snapshot is kept, exit-only mode is entered, and
// the returned error wraps ErrBalanceFetchExhausted.
func (s *BalanceService) Refresh(ctx context.Context) error {
	var snap domain.BalanceSnapshot
	err := s.cfg.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
		var ferr error
		snap, ferr = s.venue.GetBalance(callCtx)
		if ferr != nil {
			s.metrics.BalanceFetchFailed(s.scope)
			s.logger.WarnContext(ctx, "balance_service: fetch failed",
				slog.Int("attempt", attempt),
				slog.String("error", ferr.Error()),
			)
		}
		return ferr
	})
	if err != nil {
		return s.fetchFailed(ctx, err)
	}

	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = s.now().UTC()
	}

	s.mu.Lock()
	wasExitOnly := s.exitOnly
	s.snapshot = snap
	s.snapshot.ConsecutiveFetchErrors = 0
	s.failures = 0
	s.exitOnly = false
	s.mu.Unlock()

	s.metrics.SetExitOnly(s.scope, false)
	if wasExitOnly {
		s.logger.InfoContext(ctx, "balance_service: balance recovered, entries allowed again",
			slog.Float64("available", snap.Available),
		)
		publish(ctx, s.bus, s.logger, domain.ChannelScopes, "exit_only_cleared", s.scope, nil)
	}
	s.logger.DebugContext(ctx, "balance_service: refreshed",
		slog.Float64("total_equity", snap.TotalEquity),
		slog.Float64("available", snap.Available),
		slog.Float64("locked", snap.LockedInPositions),
	)
	return nil
}

func (s *BalanceService) fetchFailed(ctx context.Context, cause error) error {
	s.mu.Lock()
	s.failures++
	s.snapshot.ConsecutiveFetchErrors = s.failures
	entered := !s.exitOnly
	s.exitOnly = true
	failures := s.failures
	s.mu.Unlock()

	s.metrics.SetExitOnly(s.scope, true)
	s.logger.ErrorContext(ctx, "balance_service: retries exhausted, scope is exit-only",
		slog.Int("consecutive_failures", failures),
		slog.String("error", cause.Error()),
	)
	if entered {
		alert(ctx, s.alerter, s.logger, AlertExitOnly,
			"Scope entered exit-only mode",
			fmt.Sprintf("%s: balance unavailable: %v", s.scope, cause))
		publish(ctx, s.bus, s.logger, domain.ChannelScopes, "exit_only_entered", s.scope, map[string]any{
			"error": cause.Error(),
		})
	}
	return fmt.Errorf("balance_service: %s: %w: %w", s.scope, domain.ErrBalanceFetchExhausted, cause)
}

// View returns the last snapshot with its age.
func (s *BalanceService) View() domain.BalanceView {
	s.mu.RLock()
	snap := s.snapshot
	exitOnly := s.exitOnly
	s.mu.RUnlock()

	v := domain.BalanceView{Snapshot: snap, ExitOnly: exitOnly}
	if snap.Empty() {
		v.Stale = true
		return v
	}
	v.Age = s.now().Sub(snap.CapturedAt)
	v.Stale = v.Age > s.cfg.StaleAfter
	return v
}

// ExitOnly reports whether new entries are currently blocked.
func (s *BalanceService) ExitOnly() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exitOnly
}

// Run refreshes on every interval until ctx is cancelled.
func (s *BalanceService) Run(ctx context.Context) error {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	_ = s.Refresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = s.Refresh(ctx)
		}
	}
}
