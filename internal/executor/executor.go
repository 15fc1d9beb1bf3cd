package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/posengine/internal/domain"
	"github.com/alanyoungcy/posengine/internal/exits"
	"github.com/alanyoungcy/posengine/internal/metrics"
	"github.com/alanyoungcy/posengine/internal/service"
)

// Gateway submits orders. *service.OrderService implements it.
type Gateway interface {
	Submit(ctx context.Context, req service.OrderRequest) (domain.Order, error)
}

// Ledger is the part of the position ledger the supervisor reads and marks.
type Ledger interface {
	Snapshot() []domain.Position
	ClaimClose(ctx context.Context, symbol string) error
	SetStatus(ctx context.Context, symbol string, status domain.PositionStatus) error
}

// EntryGate vets entry candidates. *service.RiskService implements it.
type EntryGate interface {
	PreTradeCheck(ctx context.Context, p domain.EntryProposal, notional float64) (float64, error)
	RecordExit(symbol string)
}

// BalanceMonitor refreshes the scope's balance.
type BalanceMonitor interface {
	Refresh(ctx context.Context) error
}

// MarkFetcher resolves current marks.
type MarkFetcher interface {
	Marks(ctx context.Context, symbols []string) (map[string]float64, error)
}

// Config controls one scope's supervision loop.
type Config struct {
	Scope         string
	TickInterval  time.Duration
	EntryNotional float64 // quote amount per new entry
	MinStrength   float64 // proposals weaker than this are dropped
	QueueSize     int
	DedupTTL      time.Duration
}

// Supervisor runs one scope's trading cycle on a fixed cadence: evaluate
// exits against current marks, submit closes, refresh the balance, then
// submit gated entries. It is the only goroutine that submits orders for its scope
// in normal operation.
type Supervisor struct {
	cfg     Config
	ledger  Ledger
	gateway Gateway
	gate    EntryGate
	balance BalanceMonitor
	marks   MarkFetcher
	engine  *exits.Engine
	alerter service.Alerter
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	proposals chan domain.EntryProposal
	dedup     *Dedup

	mu     sync.Mutex
	warned map[string]exits.Rule
	ticks  uint64
	last   time.Time
}

// NewSupervisor creates a Supervisor for one scope.
func NewSupervisor(
	cfg Config,
	ledger Ledger,
	gateway Gateway,
	gate EntryGate,
	balance BalanceMonitor,
	marks MarkFetcher,
	engine *exits.Engine,
	logger *slog.Logger,
) *Supervisor {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	s := &Supervisor{
		cfg:       cfg,
		ledger:    ledger,
		gateway:   gateway,
		gate:      gate,
		balance:   balance,
		marks:     marks,
		engine:    engine,
		logger:    logger.With(slog.String("component", "supervisor"), slog.String("scope", cfg.Scope)),
		now:       time.Now,
		proposals: make(chan domain.EntryProposal, cfg.QueueSize),
		warned:    make(map[string]exits.Rule),
	}
	s.dedup = NewDedup(cfg.DedupTTL, func() time.Time { return s.now() })
	return s
}

// WithAlerter attaches an operator notifier.
func (s *Supervisor) WithAlerter(a service.Alerter) *Supervisor {
	s.alerter = a
	return s
}

// WithMetrics attaches a metrics sink.
func (s *Supervisor) WithMetrics(m *metrics.Metrics) *Supervisor {
	s.metrics = m
	return s
}

// WithClock replaces the wall clock.
func (s *Supervisor) WithClock(now func() time.Time) *Supervisor {
	s.now = now
	return s
}

// Scope returns the supervised scope ID.
func (s *Supervisor) Scope() string { return s.cfg.Scope }

// Propose queues an entry candidate for the next tick. It never blocks and
// returns false when the queue is full.
func (s *Supervisor) Propose(p domain.EntryProposal) bool {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.ReceivedAt.IsZero() {
		p.ReceivedAt = s.now().UTC()
	}
	select {
	case s.proposals <- p:
		return true
	default:
		s.logger.Warn("executor: proposal queue full, dropping",
			slog.String("proposal_id", p.ID),
			slog.String("symbol", p.Symbol),
		)
		return false
	}
}

// Pending returns the number of queued proposals.
func (s *Supervisor) Pending() int { return len(s.proposals) }

// LastTick returns when the most recent tick finished and how many ran.
func (s *Supervisor) LastTick() (time.Time, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.ticks
}

// Run ticks until ctx is cancelled. An order already submitted when ctx ends
// still resolves inside the gateway; no new order is started.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("executor: supervisor started",
		slog.Duration("tick_interval", s.cfg.TickInterval),
	)
	defer s.logger.Info("executor: supervisor stopped")

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			if n := len(s.proposals); n > 0 {
				s.logger.Warn("executor: discarding queued proposals on shutdown",
					slog.Int("pending", n),
				)
			}
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
			s.dedup.Cleanup()
		}
	}
}

// Tick runs one cycle. Exits are evaluated and submitted before any entry.
// The balance is refreshed only after the closes, so a slow or failing
// balance read delays entries but never exits.
func (s *Supervisor) Tick(ctx context.Context) {
	pending := s.takeProposals()
	positions := s.ledger.Snapshot()

	marks := map[string]float64{}
	if symbols := symbolsOf(positions); len(symbols) > 0 {
		m, err := s.marks.Marks(ctx, symbols)
		if err != nil {
			s.logger.WarnContext(ctx, "executor: mark fetch failed",
				slog.String("error", err.Error()),
			)
		}
		if m != nil {
			marks = m
		}
	}

	decision := s.engine.Evaluate(positions, marks, s.now())
	if len(decision.Unpriced) > 0 {
		s.logger.WarnContext(ctx, "executor: positions without a mark, exit rules skipped",
			slog.Any("symbols", decision.Unpriced),
		)
	}
	s.warnOnce(ctx, decision.Warnings)

	for _, c := range decision.Closes {
		if ctx.Err() != nil {
			return
		}
		s.close(ctx, c, positions)
	}

	if len(pending) > 0 {
		if err := s.balance.Refresh(ctx); err != nil {
			s.logger.WarnContext(ctx, "executor: balance refresh failed, entries gated",
				slog.String("error", err.Error()),
			)
		}
	}

	for _, p := range pending {
		if ctx.Err() != nil {
			return
		}
		s.enter(ctx, p)
	}

	s.mu.Lock()
	s.ticks++
	s.last = s.now()
	s.mu.Unlock()
}

func (s *Supervisor) takeProposals() []domain.EntryProposal {
	var out []domain.EntryProposal
	for {
		select {
		case p := <-s.proposals:
			out = append(out, p)
		default:
			return out
		}
	}
}

// close submits one exit. The position is claimed as closing for the
// duration so neither a later evaluation nor a forced liquidation closes it
// twice.
func (s *Supervisor) close(ctx context.Context, c exits.CloseInstruction, positions []domain.Position) {
	attrs := []any{
		slog.String("symbol", c.Symbol),
		slog.String("rule", string(c.Rule)),
		slog.Float64("tier", c.Tier),
		slog.Float64("pnl_pct", c.PnLPct),
		slog.Float64("mark", c.Mark),
		slog.Float64("quantity", c.Quantity),
		slog.String("reason", c.Reason),
	}
	for _, p := range positions {
		if p.Symbol == c.Symbol {
			attrs = append(attrs, slog.Float64("entry_price", p.EntryPrice), slog.String("origin", string(p.Origin)))
			break
		}
	}
	s.logger.WarnContext(ctx, "executor: exit triggered", attrs...)
	s.metrics.ExitDecision(s.cfg.Scope, string(c.Rule))

	if c.Rule == exits.RuleCatastrophicStop {
		s.alert(ctx, service.AlertCatastrophicStop, "Catastrophic stop",
			fmt.Sprintf("%s %s: %s", s.cfg.Scope, c.Symbol, c.Reason))
	}

	if err := s.ledger.ClaimClose(ctx, c.Symbol); err != nil {
		if errors.Is(err, domain.ErrPositionClosing) {
			s.logger.InfoContext(ctx, "executor: exit already in flight",
				slog.String("symbol", c.Symbol),
			)
			return
		}
		s.logger.ErrorContext(ctx, "executor: mark closing failed",
			slog.String("symbol", c.Symbol),
			slog.String("error", err.Error()),
		)
		return
	}

	_, err := s.gateway.Submit(ctx, service.OrderRequest{
		Symbol:   c.Symbol,
		Side:     c.Side,
		Effect:   domain.OrderEffectExit,
		Size:     c.Quantity,
		SizeType: domain.SizeTypeBaseQuantity,
		Reason:   string(c.Rule),
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "executor: exit not confirmed",
			slog.String("symbol", c.Symbol),
			slog.String("rule", string(c.Rule)),
			slog.String("error", err.Error()),
		)
		// The flag must not outlive a failed exit or the position is never
		// evaluated again.
		if serr := s.ledger.SetStatus(context.WithoutCancel(ctx), c.Symbol, domain.PositionStatusOpen); serr != nil &&
			!errors.Is(serr, domain.ErrNotFound) {
			s.logger.ErrorContext(ctx, "executor: reset closing flag failed",
				slog.String("symbol", c.Symbol),
				slog.String("error", serr.Error()),
			)
		}
		return
	}

	s.gate.RecordExit(c.Symbol)
	s.mu.Lock()
	delete(s.warned, c.Symbol)
	s.mu.Unlock()
}

// enter vets and submits one entry proposal.
func (s *Supervisor) enter(ctx context.Context, p domain.EntryProposal) {
	log := s.logger.With(
		slog.String("proposal_id", p.ID),
		slog.String("source", p.Source),
		slog.String("symbol", p.Symbol),
		slog.String("side", string(p.Side)),
	)

	if s.dedup.IsDuplicate(p.ID) {
		log.DebugContext(ctx, "executor: proposal deduplicated, skipping")
		return
	}
	if p.Strength < s.cfg.MinStrength {
		log.DebugContext(ctx, "executor: proposal below strength threshold",
			slog.Float64("strength", p.Strength),
			slog.Float64("min_strength", s.cfg.MinStrength),
		)
		return
	}

	mark, err := s.gate.PreTradeCheck(ctx, p, s.cfg.EntryNotional)
	if err != nil {
		// The gate logs the numeric inputs of each veto.
		return
	}

	req := service.OrderRequest{
		IntentID: p.ID,
		Symbol:   p.Symbol,
		Effect:   domain.OrderEffectEntry,
		Reason:   p.Source,
	}
	switch p.Side {
	case domain.PositionSideShort:
		req.Side = domain.OrderSideSell
		req.Size = s.cfg.EntryNotional / mark
		req.SizeType = domain.SizeTypeBaseQuantity
	default:
		req.Side = domain.OrderSideBuy
		req.Size = s.cfg.EntryNotional
		req.SizeType = domain.SizeTypeNotional
	}

	order, err := s.gateway.Submit(ctx, req)
	if err != nil {
		log.WarnContext(ctx, "executor: entry not confirmed",
			slog.String("error", err.Error()),
		)
		return
	}
	log.InfoContext(ctx, "executor: entry confirmed",
		slog.String("order_id", order.ID),
		slog.Float64("fill_price", order.FillPrice),
		slog.Float64("fill_qty", order.FilledQuantity()),
	)
}

// warnOnce logs each warning the first time it appears for a symbol and
// forgets symbols that no longer warn.
func (s *Supervisor) warnOnce(ctx context.Context, warnings []exits.Warning) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[string]struct{}, len(warnings))
	for _, w := range warnings {
		current[w.Symbol] = struct{}{}
		if s.warned[w.Symbol] == w.Rule {
			continue
		}
		s.warned[w.Symbol] = w.Rule
		s.logger.WarnContext(ctx, "executor: position warning",
			slog.String("symbol", w.Symbol),
			slog.String("reason", w.Reason),
			slog.String("rule", string(w.Rule)),
			slog.Float64("pnl_pct", w.PnLPct),
			slog.Duration("age", w.Age),
		)
	}
	for sym := range s.warned {
		if _, ok := current[sym]; !ok {
			delete(s.warned, sym)
		}
	}
}

func (s *Supervisor) alert(ctx context.Context, event, title, message string) {
	if s.alerter == nil {
		return
	}
	if err := s.alerter.Notify(ctx, event, title, message); err != nil {
		s.logger.WarnContext(ctx, "executor: notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func symbolsOf(positions []domain.Position) []string {
	out := make([]string, 0, len(positions))
	for _, p := range positions {
		out = append(out, p.Symbol)
	}
	sort.Strings(out)
	return out
}

// String returns a human-readable description of the supervisor.
func (s *Supervisor) String() string {
	return fmt.Sprintf("Supervisor(scope=%s)", s.cfg.Scope)
}
