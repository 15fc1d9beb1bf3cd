package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alanyoungcy/posengine/internal/domain"
	"github.com/alanyoungcy/posengine/internal/exits"
	"github.com/alanyoungcy/posengine/internal/metrics"
	"github.com/alanyoungcy/posengine/internal/retry"
)

// ReconcileConfig controls reconciliation against venue holdings.
type ReconcileConfig struct {
	Interval      time.Duration
	DustNotional  float64
	IgnoreSymbols []string // quote currency and other non-position balances
	Timeout       time.Duration
	Retry         retry.Policy
}

// Report summarises one reconciliation pass.
type Report struct {
	Purged    []string      `json:"purged"`
	Adopted   []string      `json:"adopted"`
	Synced    []string      `json:"synced"`
	Dust      []string      `json:"dust"`
	Refused   []string      `json:"refused"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
}

// Changed reports whether the pass touched the ledger.
func (r Report) Changed() bool {
	return len(r.Purged)+len(r.Adopted)+len(r.Synced) > 0
}

// ReconcileService makes the ledger agree with what the venue actually
// holds. The venue is the system of record.
type ReconcileService struct {
	scope   string
	venue   domain.Venue
	ledger  *PositionService
	gateway *OrderService
	engine  *exits.Engine
	cfg     ReconcileConfig
	ignore  map[string]struct{}
	alerter Alerter
	bus     domain.SignalBus
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	trigger chan struct{}

	lastMu sync.RWMutex
	last   Report
}

// NewReconcileService creates a ReconcileService. gateway and engine are
// needed only by the emergency operations.
func NewReconcileService(
	scope string,
	venue domain.Venue,
	ledger *PositionService,
	gateway *OrderService,
	engine *exits.Engine,
	cfg ReconcileConfig,
	bus domain.SignalBus,
	logger *slog.Logger,
) *ReconcileService {
	if cfg.Retry.Attempts < 1 {
		cfg.Retry = retry.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	ignore := make(map[string]struct{}, len(cfg.IgnoreSymbols))
	for _, s := range cfg.IgnoreSymbols {
		ignore[s] = struct{}{}
	}
	return &ReconcileService{
		scope:   scope,
		venue:   venue,
		ledger:  ledger,
		gateway: gateway,
		engine:  engine,
		cfg:     cfg,
		ignore:  ignore,
		bus:     bus,
		logger:  logger.With(slog.String("component", "reconcile"), slog.String("scope", scope)),
		now:     time.Now,
		trigger: make(chan struct{}, 1),
	}
}

// WithAlerter attaches an operator notifier.
func (s *ReconcileService) WithAlerter(a Alerter) *ReconcileService {
	s.alerter = a
	return s
}

// WithMetrics attaches a metrics sink.
func (s *ReconcileService) WithMetrics(m *metrics.Metrics) *ReconcileService {
	s.metrics = m
	return s
}

// WithClock replaces the wall clock.
func (s *ReconcileService) WithClock(now func() time.Time) *ReconcileService {
	s.now = now
	return s
}

// Trigger requests a pass as soon as possible. Requests made while one is
// already pending are coalesced; Trigger never blocks.
func (s *ReconcileService) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// LastReport returns the most recent completed pass.
func (s *ReconcileService) LastReport() Report {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	return s.last
}

// Reconcile runs one pass. If holdings cannot be fetched the ledger is left
// untouched and an error is returned. The pass excludes order submission on
// the scope from the holdings fetch until the last ledger correction.
func (s *ReconcileService) Reconcile(ctx context.Context) (Report, error) {
	release := s.ledger.holdSettlement()
	defer release()

	report := Report{StartedAt: s.now().UTC()}

	var holdings []domain.Holding
	err := s.cfg.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
		var herr error
		holdings, herr = s.venue.GetHoldings(callCtx)
		if herr != nil {
			s.logger.WarnContext(ctx, "reconcile_service: fetch holdings failed",
				slog.Int("attempt", attempt),
				slog.String("error", herr.Error()),
			)
		}
		return herr
	})
	if err != nil {
		return report, fmt.Errorf("reconcile_service: %s: fetch holdings: %w", s.scope, err)
	}

	venue := make(map[string]domain.Holding, len(holdings))
	for _, h := range holdings {
		if !finite(h.Quantity) || !finite(h.NotionalValue) {
			return report, fmt.Errorf("reconcile_service: %s: holding %s quantity %v notional %v: %w",
				s.scope, h.Symbol, h.Quantity, h.NotionalValue, domain.ErrCorruptState)
		}
		if prev, ok := venue[h.Symbol]; ok {
			h.Quantity += prev.Quantity
			h.NotionalValue += prev.NotionalValue
		}
		venue[h.Symbol] = h
	}

	var errs []error
	for _, p := range s.ledger.Snapshot() {
		h, ok := venue[p.Symbol]
		delete(venue, p.Symbol)

		if !ok || h.Quantity <= 0 || holdingValue(h, p.EntryPrice) <= s.cfg.DustNotional {
			if err := s.ledger.Purge(ctx, p.Symbol); err != nil {
				errs = append(errs, err)
				continue
			}
			report.Purged = append(report.Purged, p.Symbol)
			continue
		}

		unit := unitPrice(h, p.EntryPrice)
		if drift := math.Abs(h.Quantity-p.Quantity) * unit; drift > s.cfg.DustNotional {
			s.logger.WarnContext(ctx, "reconcile_service: quantity drift",
				slog.String("symbol", p.Symbol),
				slog.Float64("ledger_qty", p.Quantity),
				slog.Float64("venue_qty", h.Quantity),
				slog.Float64("drift_notional", drift),
				slog.String("error", domain.ErrReconciliationDrift.Error()),
			)
			if err := s.ledger.SyncQuantity(ctx, p.Symbol, h.Quantity); err != nil {
				errs = append(errs, err)
				continue
			}
			report.Synced = append(report.Synced, p.Symbol)
		}
	}

	for sym, h := range venue {
		if _, skip := s.ignore[sym]; skip {
			continue
		}
		if h.Quantity <= 0 || h.NotionalValue <= s.cfg.DustNotional {
			report.Dust = append(report.Dust, sym)
			continue
		}
		if !s.venue.Supports(sym) {
			s.logger.DebugContext(ctx, "reconcile_service: holding not tradable here, skipped",
				slog.String("symbol", sym),
				slog.Float64("notional", h.NotionalValue),
			)
			continue
		}
		price := h.NotionalValue / h.Quantity
		if _, err := s.ledger.Adopt(ctx, sym, h.Quantity, price, domain.OriginAdoptedUnknownAge); err != nil {
			if errors.Is(err, domain.ErrEntryPriceMissing) {
				report.Refused = append(report.Refused, sym)
				s.logger.ErrorContext(ctx, "reconcile_service: adoption refused",
					slog.String("symbol", sym),
					slog.Float64("quantity", h.Quantity),
					slog.Float64("notional", h.NotionalValue),
					slog.String("error", err.Error()),
				)
				continue
			}
			errs = append(errs, err)
			continue
		}
		report.Adopted = append(report.Adopted, sym)
	}

	report.Duration = s.now().Sub(report.StartedAt)
	s.metrics.ReconcileAction(s.scope, "purged", len(report.Purged))
	s.metrics.ReconcileAction(s.scope, "adopted", len(report.Adopted))
	s.metrics.ReconcileAction(s.scope, "synced", len(report.Synced))
	s.metrics.ReconcileAction(s.scope, "refused", len(report.Refused))

	s.lastMu.Lock()
	s.last = report
	s.lastMu.Unlock()

	attrs := []any{
		slog.Int("holdings", len(holdings)),
		slog.Any("purged", report.Purged),
		slog.Any("adopted", report.Adopted),
		slog.Any("synced", report.Synced),
		slog.Int("dust", len(report.Dust)),
		slog.Duration("duration", report.Duration),
	}
	if report.Changed() {
		s.logger.WarnContext(ctx, "reconcile_service: ledger corrected", attrs...)
		alert(ctx, s.alerter, s.logger, AlertReconcileDrift, "Ledger corrected from venue",
			fmt.Sprintf("%s: purged %v adopted %v synced %v", s.scope, report.Purged, report.Adopted, report.Synced))
		publish(ctx, s.bus, s.logger, domain.ChannelScopes, "reconciled", s.scope, report)
	} else {
		s.logger.InfoContext(ctx, "reconcile_service: ledger matches venue", attrs...)
	}

	if len(errs) > 0 {
		return report, fmt.Errorf("reconcile_service: %s: %w", s.scope, errors.Join(errs...))
	}
	return report, nil
}

// holdingValue is the holding's notional, estimated from the ledger price
// when the venue omits it.
func holdingValue(h domain.Holding, entry float64) float64 {
	if h.NotionalValue > 0 {
		return h.NotionalValue
	}
	return h.Quantity * entry
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

func unitPrice(h domain.Holding, entry float64) float64 {
	if h.NotionalValue > 0 && h.Quantity > 0 {
		return h.NotionalValue / h.Quantity
	}
	return entry
}

// Run reconciles on every interval and whenever Trigger is called, until
// ctx is cancelled.
func (s *ReconcileService) Run(ctx context.Context) error {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx)
		case <-s.trigger:
			s.runOnce(ctx)
		}
	}
}

func (s *ReconcileService) runOnce(ctx context.Context) {
	if _, err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
		s.logger.ErrorContext(ctx, "reconcile_service: pass failed",
			slog.String("error", err.Error()),
		)
	}
}

// ForceLiquidateAll closes every open ledger position through the normal
// gateway, ignoring exit rules and the entry gate. Positions with an exit
// already in flight are left to it. Failed closes are collected; a
// reconciliation pass runs afterwards either way.
func (s *ReconcileService) ForceLiquidateAll(ctx context.Context, reason string) ([]domain.Order, error) {
	if s.gateway == nil || s.engine == nil {
		return nil, fmt.Errorf("reconcile_service: %s: liquidation not configured: %w", s.scope, domain.ErrInvalidOrder)
	}
	if reason == "" {
		reason = "manual"
	}
	var open []domain.Position
	for _, p := range s.ledger.Snapshot() {
		if p.Status == domain.PositionStatusOpen {
			open = append(open, p)
		}
	}
	closes := s.engine.LiquidateAll(open, nil, reason)

	s.logger.WarnContext(ctx, "reconcile_service: force liquidating all positions",
		slog.Int("positions", len(closes)),
		slog.String("reason", reason),
	)
	alert(ctx, s.alerter, s.logger, AlertLiquidation, "Forced liquidation",
		fmt.Sprintf("%s: closing %d positions (%s)", s.scope, len(closes), reason))

	var (
		orders []domain.Order
		errs   []error
	)
	for _, c := range closes {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.ledger.ClaimClose(ctx, c.Symbol); err != nil {
			if errors.Is(err, domain.ErrPositionClosing) || errors.Is(err, domain.ErrNotFound) {
				s.logger.InfoContext(ctx, "reconcile_service: position already closing, skipped",
					slog.String("symbol", c.Symbol),
				)
				continue
			}
			errs = append(errs, fmt.Errorf("close %s: %w", c.Symbol, err))
			continue
		}
		order, err := s.gateway.Submit(ctx, OrderRequest{
			Symbol:   c.Symbol,
			Side:     c.Side,
			Effect:   domain.OrderEffectExit,
			Size:     c.Quantity,
			SizeType: domain.SizeTypeBaseQuantity,
			Reason:   string(c.Rule) + ": " + c.Reason,
		})
		if order.ID != "" {
			orders = append(orders, order)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.Symbol, err))
			if serr := s.ledger.SetStatus(context.WithoutCancel(ctx), c.Symbol, domain.PositionStatusOpen); serr != nil &&
				!errors.Is(serr, domain.ErrNotFound) {
				errs = append(errs, fmt.Errorf("reopen %s: %w", c.Symbol, serr))
			}
		}
	}

	if _, err := s.Reconcile(ctx); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return orders, fmt.Errorf("reconcile_service: %s: liquidate: %w", s.scope, errors.Join(errs...))
	}
	return orders, nil
}

// CancelAllOrders cancels every resting order on venues that support it.
func (s *ReconcileService) CancelAllOrders(ctx context.Context) (int, error) {
	canceller, ok := s.venue.(domain.OrderCanceller)
	if !ok {
		return 0, fmt.Errorf("reconcile_service: %s cannot cancel orders: %w", s.venue.Name(), domain.ErrInvalidOrder)
	}
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	n, err := canceller.CancelAll(callCtx)
	if err != nil {
		return n, fmt.Errorf("reconcile_service: %s: cancel all: %w", s.scope, err)
	}
	s.logger.WarnContext(ctx, "reconcile_service: cancelled all resting orders",
		slog.Int("cancelled", n),
	)
	return n, nil
}
