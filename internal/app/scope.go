package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/posengine/internal/config"
	"github.com/alanyoungcy/posengine/internal/domain"
	"github.com/alanyoungcy/posengine/internal/executor"
	"github.com/alanyoungcy/posengine/internal/exits"
	"github.com/alanyoungcy/posengine/internal/server/handler"
	"github.com/alanyoungcy/posengine/internal/service"
)

// Scope is the service graph of one isolated ledger. Supervisor is nil
// when the scope does not trade.
type Scope struct {
	ID         string
	Venue      domain.Venue
	Ledger     *service.PositionService
	Marks      *service.PriceService
	Gateway    *service.OrderService
	Balance    *service.BalanceService
	Gate       *service.RiskService
	Reconciler *service.ReconcileService
	Supervisor *executor.Supervisor
}

// BuildScopes constructs every configured scope. Venues are shared by name,
// so two scopes on one venue see the same account. Token generators are
// shared by credential.
func BuildScopes(ctx context.Context, cfg *config.Config, deps *Dependencies, trading bool, logger *slog.Logger) ([]*Scope, error) {
	venues := make(map[string]domain.Venue, len(cfg.Venues))
	for _, vc := range cfg.Venues {
		v, err := newVenue(vc)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		venues[vc.Name] = v
	}

	engine, err := exits.New(exitsConfig(cfg.Exits))
	if err != nil {
		return nil, fmt.Errorf("app: exit rules: %w", err)
	}

	scopes := make([]*Scope, 0, len(cfg.Scopes))
	for _, sc := range cfg.Scopes {
		vc, ok := cfg.Venue(sc.Venue)
		if !ok {
			return nil, fmt.Errorf("app: scope %s: unknown venue %q", sc.ID, sc.Venue)
		}
		s, err := buildScope(ctx, cfg, sc, vc, venues[vc.Name], engine, deps, trading, logger)
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, s)
	}
	return scopes, nil
}

func buildScope(
	ctx context.Context,
	cfg *config.Config,
	sc config.ScopeConfig,
	vc config.VenueConfig,
	venue domain.Venue,
	engine *exits.Engine,
	deps *Dependencies,
	trading bool,
	logger *slog.Logger,
) (*Scope, error) {
	timeout := vc.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ledger := service.NewPositionService(sc.ID, deps.Ledgers, deps.SignalBus, deps.Audit, logger).
		WithMetrics(deps.Metrics)
	if err := ledger.Load(ctx); err != nil {
		return nil, fmt.Errorf("app: scope %s: %w", sc.ID, err)
	}

	source, ok := venue.(domain.MarkSource)
	if !ok {
		return nil, fmt.Errorf("app: scope %s: venue %s provides no marks", sc.ID, venue.Name())
	}
	marks := service.NewPriceService(source, deps.PriceCache, logger).
		WithLimits(timeout, cfg.Redis.MarkTTL.Duration)

	balance := service.NewBalanceService(sc.ID, venue, service.BalanceConfig{
		Interval:   cfg.Balance.Interval.Duration,
		StaleAfter: cfg.Balance.StaleAfter.Duration,
		Timeout:    timeout,
		Retry:      deps.Retry,
	}, deps.SignalBus, logger).
		WithAlerter(deps.Alerter).
		WithMetrics(deps.Metrics)

	reconcileCfg := service.ReconcileConfig{
		Interval:      orDuration(sc.ReconcileInterval.Duration, cfg.Reconcile.Interval.Duration),
		DustNotional:  cfg.Reconcile.DustNotional,
		IgnoreSymbols: cfg.Reconcile.IgnoreSymbols,
		Timeout:       timeout,
		Retry:         deps.Retry,
	}

	s := &Scope{
		ID:      sc.ID,
		Venue:   venue,
		Ledger:  ledger,
		Marks:   marks,
		Balance: balance,
	}

	if !trading {
		// Without a gateway the emergency scripts are refused.
		s.Reconciler = service.NewReconcileService(sc.ID, venue, ledger, nil, nil, reconcileCfg, deps.SignalBus, logger).
			WithAlerter(deps.Alerter).
			WithMetrics(deps.Metrics)
		return s, nil
	}

	gateway := service.NewOrderService(
		sc.ID, venue, deps.Nonces.For(vc.Credential()), ledger,
		deps.Executions, deps.SignalBus, deps.Audit, logger,
	).
		WithRetry(deps.Retry, timeout).
		WithAlerter(deps.Alerter).
		WithMetrics(deps.Metrics)
	if deps.RateLimiter != nil && vc.MaxOrdersPerSec > 0 {
		gateway.WithRateLimit(deps.RateLimiter, vc.MaxOrdersPerSec, time.Second)
	}

	reconciler := service.NewReconcileService(sc.ID, venue, ledger, gateway, engine, reconcileCfg, deps.SignalBus, logger).
		WithAlerter(deps.Alerter).
		WithMetrics(deps.Metrics)
	gateway.
		OnAmbiguous(reconciler.Trigger).
		OnExitFailure(func(string) { reconciler.Trigger() })

	gate, err := service.NewRiskService(sc.ID, ledger, balance, marks, service.RiskConfig{
		MaxPositions:    orInt(sc.MaxPositions, cfg.Risk.MaxPositions),
		ReentryCooldown: orDuration(sc.ReentryCooldown.Duration, cfg.Risk.ReentryCooldown.Duration),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	gate.WithMetrics(deps.Metrics)

	s.Gateway = gateway
	s.Gate = gate
	s.Reconciler = reconciler
	s.Supervisor = executor.NewSupervisor(executor.Config{
		Scope:         sc.ID,
		TickInterval:  sc.TickInterval.Duration,
		EntryNotional: sc.EntryNotional,
		MinStrength:   sc.MinStrength,
	}, ledger, gateway, gate, balance, marks, engine, logger).
		WithAlerter(deps.Alerter).
		WithMetrics(deps.Metrics)
	return s, nil
}

// APIScope adapts the service graph for the HTTP handlers.
func (s *Scope) APIScope(deps *Dependencies) *handler.Scope {
	out := &handler.Scope{
		ID:         s.ID,
		Venue:      s.Venue.Name(),
		Ledger:     s.Ledger,
		Balance:    s.Balance,
		Reconciler: s.Reconciler,
		Executions: deps.Executions,
	}
	if s.Supervisor != nil {
		out.Entries = s.Supervisor
	}
	if deps.SignalBus != nil {
		out.Events = deps.SignalBus
	}
	return out
}

func exitsConfig(c config.ExitsConfig) exits.Config {
	return exits.Config{
		CatastrophicStopPct: c.CatastrophicStopPct,
		ProfitTiersPct:      c.ProfitTiersPct,
		PrimaryStopPct:      c.PrimaryStopPct,
		LossGrace:           c.LossGrace.Duration,
		LossMaxHold:         c.LossMaxHold.Duration,
		MaxHold:             c.MaxHold.Duration,
	}
}

func orDuration(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}

func orInt(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
