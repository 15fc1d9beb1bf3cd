package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/posengine/internal/domain"
	"github.com/alanyoungcy/posengine/internal/metrics"
)

// Veto reasons.
const (
	VetoExitOnly           = "exit_only"
	VetoBalanceUnavailable = "balance_unavailable"
	VetoBalanceStale       = "balance_stale"
	VetoPriceUnavailable   = "price_unavailable"
	VetoMaxPositions       = "max_positions"
	VetoReentryCooldown    = "reentry_cooldown"
	VetoInsufficientFunds  = "insufficient_available"
)

// VetoError explains why an entry candidate was refused.
type VetoError struct {
	Scope  string
	Symbol string
	Reason string
	Detail string
}

func (e *VetoError) Error() string {
	return fmt.Sprintf("risk_service: %s %s vetoed: %s (%s)", e.Scope, e.Symbol, e.Reason, e.Detail)
}

// RiskConfig holds the tunable parameters for pre-trade risk checks. Zero
// values disable the corresponding check.
type RiskConfig struct {
	MaxPositions    int
	ReentryCooldown time.Duration
}

// BalanceReader is the part of the balance monitor the gate consults.
type BalanceReader interface {
	View() domain.BalanceView
}

// MarkReader resolves the current mark for a symbol.
type MarkReader interface {
	Mark(ctx context.Context, symbol string) (float64, error)
}

// RiskService is the capital protection gate: a fresh pre-entry check over
// the balance monitor, the ledger and the current mark. Exits never pass
// through it.
type RiskService struct {
	scope   string
	ledger  *PositionService
	balance BalanceReader
	marks   MarkReader
	cfg     RiskConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	lastExits map[string]time.Time
}

// NewRiskService creates a RiskService. A scope cannot trade without a
// ledger, so a nil ledger is a construction error.
func NewRiskService(
	scope string,
	ledger *PositionService,
	balance BalanceReader,
	marks MarkReader,
	cfg RiskConfig,
	logger *slog.Logger,
) (*RiskService, error) {
	if ledger == nil {
		return nil, fmt.Errorf("risk_service: scope %s: %w", scope, domain.ErrLedgerUnavailable)
	}
	return &RiskService{
		scope:     scope,
		ledger:    ledger,
		balance:   balance,
		marks:     marks,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "gate"), slog.String("scope", scope)),
		now:       time.Now,
		lastExits: make(map[string]time.Time),
	}, nil
}

// WithMetrics attaches a metrics sink.
func (s *RiskService) WithMetrics(m *metrics.Metrics) *RiskService {
	s.metrics = m
	return s
}

// WithClock replaces the wall clock.
func (s *RiskService) WithClock(now func() time.Time) *RiskService {
	s.now = now
	return s
}

// PreTradeCheck validates an entry candidate of the given notional. It
// returns the mark the entry would be priced at, or a *VetoError naming the
// first failed check.
//
// Checks performed:
//  1. Scope is not exit-only
//  2. A balance snapshot exists and is fresh
//  3. The symbol has a strictly positive mark
//  4. Open positions are below the cap (adding to a held symbol is exempt)
//  5. The symbol is not in its re-entry cooldown
//  6. Available balance covers the notional
func (s *RiskService) PreTradeCheck(ctx context.Context, p domain.EntryProposal, notional float64) (float64, error) {
	view := s.balance.View()
	if view.ExitOnly {
		return 0, s.veto(ctx, p.Symbol, VetoExitOnly, "balance fetch retries exhausted",
			slog.Int("consecutive_failures", view.Snapshot.ConsecutiveFetchErrors))
	}
	if view.Snapshot.Empty() {
		return 0, s.veto(ctx, p.Symbol, VetoBalanceUnavailable, "no balance snapshot")
	}
	if view.Stale {
		return 0, s.veto(ctx, p.Symbol, VetoBalanceStale, fmt.Sprintf("snapshot age %s", view.Age.Round(time.Second)),
			slog.Duration("age", view.Age))
	}

	mark, err := s.marks.Mark(ctx, p.Symbol)
	if err != nil || !domain.PositiveFinite(mark) {
		detail := fmt.Sprintf("mark %v", mark)
		if err != nil {
			detail = err.Error()
		}
		return 0, s.veto(ctx, p.Symbol, VetoPriceUnavailable, detail, slog.Float64("mark", mark))
	}

	if _, held := s.ledger.Get(p.Symbol); !held && s.cfg.MaxPositions > 0 {
		if open := s.ledger.Len(); open >= s.cfg.MaxPositions {
			return 0, s.veto(ctx, p.Symbol, VetoMaxPositions, fmt.Sprintf("%d/%d open", open, s.cfg.MaxPositions),
				slog.Int("open", open),
				slog.Int("max", s.cfg.MaxPositions))
		}
	}

	if s.cfg.ReentryCooldown > 0 {
		s.mu.Lock()
		last, ok := s.lastExits[p.Symbol]
		s.mu.Unlock()
		if ok {
			if since := s.now().Sub(last); since < s.cfg.ReentryCooldown {
				return 0, s.veto(ctx, p.Symbol, VetoReentryCooldown, fmt.Sprintf("exited %s ago", since.Round(time.Second)),
					slog.Duration("since_exit", since),
					slog.Duration("cooldown", s.cfg.ReentryCooldown))
			}
		}
	}

	if view.Snapshot.Available < notional {
		return 0, s.veto(ctx, p.Symbol, VetoInsufficientFunds,
			fmt.Sprintf("available %.2f < notional %.2f", view.Snapshot.Available, notional),
			slog.Float64("available", view.Snapshot.Available),
			slog.Float64("notional", notional))
	}

	return mark, nil
}

// RecordExit starts the re-entry cooldown for symbol.
func (s *RiskService) RecordExit(symbol string) {
	s.mu.Lock()
	s.lastExits[symbol] = s.now()
	s.mu.Unlock()
}

func (s *RiskService) veto(ctx context.Context, symbol, reason, detail string, attrs ...any) error {
	s.metrics.Veto(s.scope, reason)
	attrs = append([]any{
		slog.String("symbol", symbol),
		slog.String("reason", reason),
		slog.String("detail", detail),
	}, attrs...)
	s.logger.WarnContext(ctx, "risk_service: entry vetoed", attrs...)
	return &VetoError{Scope: s.scope, Symbol: symbol, Reason: reason, Detail: detail}
}
