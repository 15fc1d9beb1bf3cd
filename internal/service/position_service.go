package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/posengine/internal/domain"
	"github.com/alanyoungcy/posengine/internal/metrics"
)

// quantityEpsilon is the fraction of a position below which a reduce is
// treated as a full close.
const quantityEpsilon = 1e-9

// PositionService is a scope's authoritative ledger of open positions.
// Every mutation is persisted through the LedgerStore before it becomes
// visible in memory; if persistence fails the ledger is unchanged.
type PositionService struct {
	scope   string
	store   domain.LedgerStore
	bus     domain.SignalBus
	audit   domain.AuditStore
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.RWMutex
	positions map[string]domain.Position
	loaded    bool

	// settleMu is held by the gateway from submission until the fill is
	// applied, and by reconciliation for a whole pass, so a pass never
	// compares holdings against a ledger that moved underneath it.
	settleMu sync.Mutex
}

// NewPositionService creates a PositionService with all required
// dependencies. bus and audit may be nil.
func NewPositionService(
	scope string,
	store domain.LedgerStore,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		scope:     scope,
		store:     store,
		bus:       bus,
		audit:     audit,
		logger:    logger.With(slog.String("component", "ledger"), slog.String("scope", scope)),
		now:       time.Now,
		positions: make(map[string]domain.Position),
	}
}

// WithMetrics attaches a metrics sink.
func (s *PositionService) WithMetrics(m *metrics.Metrics) *PositionService {
	s.metrics = m
	return s
}

// WithClock replaces the wall clock.
func (s *PositionService) WithClock(now func() time.Time) *PositionService {
	s.now = now
	return s
}

// Load replaces the in-memory ledger with the persisted one. A record with
// an unusable entry price or quantity makes the whole ledger unavailable.
func (s *PositionService) Load(ctx context.Context) error {
	if s.store == nil {
		return fmt.Errorf("position_service: %s has no ledger store: %w", s.scope, domain.ErrLedgerUnavailable)
	}
	stored, err := s.store.Load(ctx, s.scope)
	if err != nil {
		return fmt.Errorf("position_service: load ledger %s: %w: %w", s.scope, domain.ErrLedgerUnavailable, err)
	}

	loaded := make(map[string]domain.Position, len(stored))
	for _, p := range stored {
		if !domain.PositiveFinite(p.EntryPrice) || !domain.PositiveFinite(p.Quantity) {
			s.logger.ErrorContext(ctx, "position_service: invalid persisted position",
				slog.String("symbol", p.Symbol),
				slog.Float64("entry_price", p.EntryPrice),
				slog.Float64("quantity", p.Quantity),
			)
			return fmt.Errorf("position_service: load ledger %s: %s entry %v qty %v: %w: %w",
				s.scope, p.Symbol, p.EntryPrice, p.Quantity, domain.ErrLedgerUnavailable, domain.ErrEntryPriceMissing)
		}
		p.Scope = s.scope
		if p.Status == domain.PositionStatusClosing {
			// No exit survives a restart; reconciliation settles the truth.
			p.Status = domain.PositionStatusOpen
		}
		loaded[p.Symbol] = p
	}

	s.mu.Lock()
	s.positions = loaded
	s.loaded = true
	s.mu.Unlock()

	s.metrics.SetOpenPositions(s.scope, len(loaded))
	s.logger.InfoContext(ctx, "position_service: ledger loaded",
		slog.Int("positions", len(loaded)),
	)
	return nil
}

// Scope returns the broker scope this ledger belongs to.
func (s *PositionService) Scope() string { return s.scope }

// Snapshot returns a copy of every open position ordered by symbol.
func (s *PositionService) Snapshot() []domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedPositions(s.positions)
}

// Get returns the position for symbol.
func (s *PositionService) Get(symbol string) (domain.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[symbol]
	return p, ok
}

// Len returns the number of open positions.
func (s *PositionService) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}

// OpenOrAdd records a confirmed entry fill. An existing position is
// extended with a quantity-weighted average entry price; a position adopted
// with unknown age contributes its quantity but not its price.
func (s *PositionService) OpenOrAdd(
	ctx context.Context,
	symbol string,
	side domain.PositionSide,
	fillPrice, fillQty float64,
	filledAt time.Time,
) (domain.Position, error) {
	if !domain.PositiveFinite(fillPrice) {
		return domain.Position{}, fmt.Errorf("position_service: open %s at %v: %w", symbol, fillPrice, domain.ErrEntryPriceMissing)
	}
	if !domain.PositiveFinite(fillQty) {
		return domain.Position{}, fmt.Errorf("position_service: open %s quantity %v: %w", symbol, fillQty, domain.ErrInvalidOrder)
	}

	var result domain.Position
	err := s.mutate(ctx, func(next map[string]domain.Position) error {
		now := s.now().UTC()
		existing, ok := next[symbol]
		switch {
		case !ok:
			opened := filledAt.UTC()
			result = domain.Position{
				Scope:      s.scope,
				Symbol:     symbol,
				Side:       side,
				EntryPrice: fillPrice,
				Quantity:   fillQty,
				Status:     domain.PositionStatusOpen,
				Origin:     domain.OriginEngineOpened,
				OpenedAt:   &opened,
				UpdatedAt:  now,
			}
		case existing.Side != side:
			return fmt.Errorf("position_service: %s is %s, cannot add %s: %w",
				symbol, existing.Side, side, domain.ErrInvalidOrder)
		case existing.Origin == domain.OriginAdoptedUnknownAge:
			opened := filledAt.UTC()
			qty, _ := decimal.NewFromFloat(existing.Quantity).Add(decimal.NewFromFloat(fillQty)).Float64()
			result = existing
			result.EntryPrice = fillPrice
			result.Quantity = qty
			result.Origin = domain.OriginEngineOpened
			result.OpenedAt = &opened
			result.Status = domain.PositionStatusOpen
			result.UpdatedAt = now
		default:
			entry, qty := weightedEntry(existing.EntryPrice, existing.Quantity, fillPrice, fillQty)
			result = existing
			result.EntryPrice = entry
			result.Quantity = qty
			result.Status = domain.PositionStatusOpen
			result.UpdatedAt = now
		}
		next[symbol] = result
		return nil
	})
	if err != nil {
		return domain.Position{}, err
	}

	s.logger.InfoContext(ctx, "position_service: position opened or extended",
		slog.String("symbol", symbol),
		slog.Float64("fill_price", fillPrice),
		slog.Float64("fill_qty", fillQty),
		slog.Float64("entry_price", result.EntryPrice),
		slog.Float64("quantity", result.Quantity),
	)
	s.changed(ctx, "position_opened", result)
	return result, nil
}

// ReduceOrClose removes qty from the position. Reducing by the full
// quantity (or more) closes it; closed reports which happened.
func (s *PositionService) ReduceOrClose(ctx context.Context, symbol string, qty float64) (remaining domain.Position, closed bool, err error) {
	if !domain.PositiveFinite(qty) {
		return domain.Position{}, false, fmt.Errorf("position_service: reduce %s by %v: %w", symbol, qty, domain.ErrInvalidOrder)
	}

	err = s.mutate(ctx, func(next map[string]domain.Position) error {
		existing, ok := next[symbol]
		if !ok {
			return fmt.Errorf("position_service: reduce %s: %w", symbol, domain.ErrNotFound)
		}
		left := decimal.NewFromFloat(existing.Quantity).Sub(decimal.NewFromFloat(qty))
		if left.LessThanOrEqual(decimal.NewFromFloat(existing.Quantity * quantityEpsilon)) {
			delete(next, symbol)
			remaining = existing
			remaining.Quantity = 0
			remaining.Status = domain.PositionStatusClosed
			closed = true
			return nil
		}
		remaining = existing
		remaining.Quantity, _ = left.Float64()
		remaining.Status = domain.PositionStatusOpen
		remaining.UpdatedAt = s.now().UTC()
		next[symbol] = remaining
		return nil
	})
	if err != nil {
		return domain.Position{}, false, err
	}

	event := "position_reduced"
	if closed {
		event = "position_closed"
	}
	s.logger.InfoContext(ctx, "position_service: "+event,
		slog.String("symbol", symbol),
		slog.Float64("qty", qty),
		slog.Float64("remaining", remaining.Quantity),
	)
	s.changed(ctx, event, remaining)
	return remaining, closed, nil
}

// UnrealizedPnL returns profit or loss at mark in quote currency and as a
// percentage of the entry price.
func (s *PositionService) UnrealizedPnL(symbol string, mark float64) (abs, pct float64, err error) {
	p, ok := s.Get(symbol)
	if !ok {
		return 0, 0, fmt.Errorf("position_service: pnl %s: %w", symbol, domain.ErrNotFound)
	}
	if !domain.PositiveFinite(mark) {
		return 0, 0, fmt.Errorf("position_service: pnl %s at mark %v: %w", symbol, mark, domain.ErrInvalidFillPrice)
	}
	return p.PnL(mark), p.PnLPct(mark), nil
}

// Adopt records a venue holding the ledger did not know about. The price
// must be known; there is no fallback for a missing one.
func (s *PositionService) Adopt(ctx context.Context, symbol string, qty, price float64, origin domain.PositionOrigin) (domain.Position, error) {
	if !domain.PositiveFinite(price) {
		return domain.Position{}, fmt.Errorf("position_service: adopt %s at %v: %w", symbol, price, domain.ErrEntryPriceMissing)
	}
	if !domain.PositiveFinite(qty) {
		return domain.Position{}, fmt.Errorf("position_service: adopt %s quantity %v: %w", symbol, qty, domain.ErrInvalidOrder)
	}

	var adopted domain.Position
	err := s.mutate(ctx, func(next map[string]domain.Position) error {
		if _, ok := next[symbol]; ok {
			return fmt.Errorf("position_service: adopt %s: %w", symbol, domain.ErrAlreadyExists)
		}
		now := s.now().UTC()
		adopted = domain.Position{
			Scope:      s.scope,
			Symbol:     symbol,
			Side:       domain.PositionSideLong,
			EntryPrice: price,
			Quantity:   qty,
			Status:     domain.PositionStatusOpen,
			Origin:     origin,
			AdoptedAt:  &now,
			UpdatedAt:  now,
		}
		if origin != domain.OriginAdoptedUnknownAge {
			adopted.OpenedAt = &now
		}
		next[symbol] = adopted
		return nil
	})
	if err != nil {
		return domain.Position{}, err
	}

	s.logger.WarnContext(ctx, "position_service: adopted untracked holding",
		slog.String("symbol", symbol),
		slog.Float64("quantity", qty),
		slog.Float64("price", price),
		slog.String("origin", string(origin)),
	)
	s.changed(ctx, "position_adopted", adopted)
	return adopted, nil
}

// Purge drops a position the venue no longer holds.
func (s *PositionService) Purge(ctx context.Context, symbol string) error {
	var purged domain.Position
	err := s.mutate(ctx, func(next map[string]domain.Position) error {
		p, ok := next[symbol]
		if !ok {
			return fmt.Errorf("position_service: purge %s: %w", symbol, domain.ErrNotFound)
		}
		purged = p
		delete(next, symbol)
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.WarnContext(ctx, "position_service: purged phantom position",
		slog.String("symbol", symbol),
		slog.Float64("quantity", purged.Quantity),
		slog.Float64("entry_price", purged.EntryPrice),
	)
	purged.Status = domain.PositionStatusClosed
	s.changed(ctx, "position_purged", purged)
	return nil
}

// SyncQuantity sets the position's quantity to what the venue reports,
// keeping its entry price.
func (s *PositionService) SyncQuantity(ctx context.Context, symbol string, qty float64) error {
	if !domain.PositiveFinite(qty) {
		return fmt.Errorf("position_service: sync %s quantity %v: %w", symbol, qty, domain.ErrInvalidOrder)
	}
	var synced domain.Position
	var before float64
	err := s.mutate(ctx, func(next map[string]domain.Position) error {
		p, ok := next[symbol]
		if !ok {
			return fmt.Errorf("position_service: sync %s: %w", symbol, domain.ErrNotFound)
		}
		before = p.Quantity
		p.Quantity = qty
		p.UpdatedAt = s.now().UTC()
		next[symbol] = p
		synced = p
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.WarnContext(ctx, "position_service: quantity synced to venue",
		slog.String("symbol", symbol),
		slog.Float64("ledger_qty", before),
		slog.Float64("venue_qty", qty),
	)
	s.changed(ctx, "position_synced", synced)
	return nil
}

// SetStatus marks a position open or closing.
func (s *PositionService) SetStatus(ctx context.Context, symbol string, status domain.PositionStatus) error {
	return s.mutate(ctx, func(next map[string]domain.Position) error {
		p, ok := next[symbol]
		if !ok {
			return fmt.Errorf("position_service: set status %s: %w", symbol, domain.ErrNotFound)
		}
		if p.Status == status {
			return errUnchanged
		}
		p.Status = status
		p.UpdatedAt = s.now().UTC()
		next[symbol] = p
		return nil
	})
}

// ClaimClose moves an open position to closing. It fails with
// ErrPositionClosing when another caller already claimed it, so exactly one
// exit is in flight per position.
func (s *PositionService) ClaimClose(ctx context.Context, symbol string) error {
	return s.mutate(ctx, func(next map[string]domain.Position) error {
		p, ok := next[symbol]
		if !ok {
			return fmt.Errorf("position_service: claim close %s: %w", symbol, domain.ErrNotFound)
		}
		if p.Status == domain.PositionStatusClosing {
			return fmt.Errorf("position_service: claim close %s: %w", symbol, domain.ErrPositionClosing)
		}
		p.Status = domain.PositionStatusClosing
		p.UpdatedAt = s.now().UTC()
		next[symbol] = p
		return nil
	})
}

// holdSettlement blocks until no other submission or reconciliation pass is
// in progress for this scope. The returned func releases it.
func (s *PositionService) holdSettlement() func() {
	s.settleMu.Lock()
	return s.settleMu.Unlock
}

var errUnchanged = errors.New("unchanged")

// mutate applies fn to a copy of the ledger, persists the copy, then swaps
// it in. fn returning errUnchanged skips persistence without error.
func (s *PositionService) mutate(ctx context.Context, fn func(next map[string]domain.Position) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		return fmt.Errorf("position_service: ledger %s not loaded: %w", s.scope, domain.ErrLedgerUnavailable)
	}

	next := make(map[string]domain.Position, len(s.positions)+1)
	for k, v := range s.positions {
		next[k] = v
	}
	if err := fn(next); err != nil {
		if errors.Is(err, errUnchanged) {
			return nil
		}
		return err
	}

	if err := s.store.Replace(ctx, s.scope, sortedPositions(next)); err != nil {
		return fmt.Errorf("position_service: persist ledger %s: %w", s.scope, err)
	}
	s.positions = next
	s.metrics.SetOpenPositions(s.scope, len(next))
	return nil
}

func (s *PositionService) changed(ctx context.Context, event string, p domain.Position) {
	publish(ctx, s.bus, s.logger, domain.ChannelPositions, event, s.scope, positionPayload(p))
	audit(ctx, s.audit, s.logger, event, map[string]any{
		"scope":       s.scope,
		"symbol":      p.Symbol,
		"side":        string(p.Side),
		"entry_price": p.EntryPrice,
		"quantity":    p.Quantity,
		"origin":      string(p.Origin),
	})
}

// weightedEntry returns the quantity-weighted average entry price and the
// combined quantity, computed in decimal to avoid float drift.
func weightedEntry(p1, q1, p2, q2 float64) (entry, qty float64) {
	dp1, dq1 := decimal.NewFromFloat(p1), decimal.NewFromFloat(q1)
	dp2, dq2 := decimal.NewFromFloat(p2), decimal.NewFromFloat(q2)
	total := dq1.Add(dq2)
	avg := dp1.Mul(dq1).Add(dp2.Mul(dq2)).DivRound(total, 12)
	entry, _ = avg.Float64()
	qty, _ = total.Float64()
	return entry, qty
}

func sortedPositions(m map[string]domain.Position) []domain.Position {
	out := make([]domain.Position, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// PositionView is the JSON shape of a position on the bus and the HTTP API.
type PositionView struct {
	Scope      string     `json:"scope"`
	Symbol     string     `json:"symbol"`
	Side       string     `json:"side"`
	EntryPrice float64    `json:"entry_price"`
	Quantity   float64    `json:"quantity"`
	CostBasis  float64    `json:"cost_basis"`
	Status     string     `json:"status"`
	Origin     string     `json:"origin"`
	OpenedAt   *time.Time `json:"opened_at,omitempty"`
	AdoptedAt  *time.Time `json:"adopted_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func positionPayload(p domain.Position) PositionView {
	return PositionView{
		Scope:      p.Scope,
		Symbol:     p.Symbol,
		Side:       string(p.Side),
		EntryPrice: p.EntryPrice,
		Quantity:   p.Quantity,
		CostBasis:  p.CostBasis(),
		Status:     string(p.Status),
		Origin:     string(p.Origin),
		OpenedAt:   p.OpenedAt,
		AdoptedAt:  p.AdoptedAt,
		UpdatedAt:  p.UpdatedAt,
	}
}

// NewPositionView converts a position for API responses.
func NewPositionView(p domain.Position) PositionView {
	return positionPayload(p)
}
