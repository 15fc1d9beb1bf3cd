package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/posengine/internal/domain"
	"github.com/alanyoungcy/posengine/internal/metrics"
	"github.com/alanyoungcy/posengine/internal/retry"
)

// TokenSource issues idempotency tokens for one venue credential.
// *nonce.Generator implements it.
type TokenSource interface {
	Next(ctx context.Context) (uint64, error)
	Jump(ctx context.Context) error
}

// OrderRequest is an instruction to trade. IntentID ties retries of the same
// instruction together; an intent is confirmed at most once.
type OrderRequest struct {
	IntentID string
	Symbol   string
	Side     domain.OrderSide
	Effect   domain.OrderEffect
	Size     float64
	SizeType domain.SizeType
	Reason   string
}

// OrderService is the execution gateway: it submits orders to the venue,
// classifies the venue's answer, records every terminal outcome, and applies
// confirmed fills to the ledger.
type OrderService struct {
	scope      string
	venue      domain.Venue
	tokens     TokenSource
	ledger     *PositionService
	executions domain.ExecutionStore
	bus        domain.SignalBus
	audit      domain.AuditStore
	alerter    Alerter
	metrics    *metrics.Metrics
	logger     *slog.Logger

	limiter     domain.RateLimiter
	rateLimit   int
	rateWindow  time.Duration
	policy      retry.Policy
	timeout     time.Duration
	onAmbiguous func()
	onExitFail  func(symbol string)
	now         func() time.Time
}

// NewOrderService creates an OrderService with all required dependencies.
func NewOrderService(
	scope string,
	venue domain.Venue,
	tokens TokenSource,
	ledger *PositionService,
	executions domain.ExecutionStore,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *OrderService {
	return &OrderService{
		scope:      scope,
		venue:      venue,
		tokens:     tokens,
		ledger:     ledger,
		executions: executions,
		bus:        bus,
		audit:      audit,
		logger:     logger.With(slog.String("component", "gateway"), slog.String("scope", scope)),
		policy:     retry.Default(),
		timeout:    10 * time.Second,
		now:        time.Now,
	}
}

// WithRateLimit throttles submissions per venue.
func (s *OrderService) WithRateLimit(limiter domain.RateLimiter, limit int, window time.Duration) *OrderService {
	s.limiter = limiter
	s.rateLimit = limit
	s.rateWindow = window
	return s
}

// WithRetry sets how many stale-token rejections are retried with a new
// token and how long each venue call may take.
func (s *OrderService) WithRetry(policy retry.Policy, submitTimeout time.Duration) *OrderService {
	s.policy = policy
	if submitTimeout > 0 {
		s.timeout = submitTimeout
	}
	return s
}

// WithAlerter attaches an operator notifier.
func (s *OrderService) WithAlerter(a Alerter) *OrderService {
	s.alerter = a
	return s
}

// WithMetrics attaches a metrics sink.
func (s *OrderService) WithMetrics(m *metrics.Metrics) *OrderService {
	s.metrics = m
	return s
}

// OnAmbiguous registers a hook run after an ambiguous outcome or a ledger
// write failure, typically a reconciliation trigger.
func (s *OrderService) OnAmbiguous(fn func()) *OrderService {
	s.onAmbiguous = fn
	return s
}

// OnExitFailure registers a hook run when an exit does not confirm.
func (s *OrderService) OnExitFailure(fn func(symbol string)) *OrderService {
	s.onExitFail = fn
	return s
}

// WithClock replaces the wall clock.
func (s *OrderService) WithClock(now func() time.Time) *OrderService {
	s.now = now
	return s
}

// Submit executes req. The returned order is the terminal execution record.
// A nil error means the order confirmed and the ledger was updated; otherwise
// the error wraps ErrOrderRejected or ErrOrderAmbiguous. Requests that fail
// validation return ErrInvalidOrder or ErrUnsupportedSymbol and leave no
// record.
func (s *OrderService) Submit(ctx context.Context, req OrderRequest) (domain.Order, error) {
	if err := s.validate(req); err != nil {
		return domain.Order{}, err
	}
	if req.IntentID == "" {
		req.IntentID = uuid.NewString()
	}

	prior, err := s.executions.FindConfirmed(ctx, s.scope, req.IntentID)
	switch {
	case err == nil:
		s.logger.InfoContext(ctx, "order_service: intent already confirmed, not resubmitting",
			slog.String("intent_id", req.IntentID),
			slog.String("order_id", prior.ID),
		)
		return prior, nil
	case !errors.Is(err, domain.ErrNotFound):
		return domain.Order{}, fmt.Errorf("order_service: check intent %s: %w", req.IntentID, err)
	}

	// Exits are never throttled.
	if s.limiter != nil && req.Effect == domain.OrderEffectEntry {
		if err := s.limiter.Wait(ctx, "orders:"+s.venue.Name(), s.rateLimit, s.rateWindow); err != nil {
			return domain.Order{}, fmt.Errorf("order_service: rate limiter: %w", err)
		}
	}

	release := s.ledger.holdSettlement()
	defer release()

	var final domain.Order
	err = s.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		var cause error
		final, cause = s.attempt(ctx, req, attempt)
		if final.Status == domain.OrderStatusRejected && errors.Is(cause, domain.ErrStaleToken) {
			if jerr := s.tokens.Jump(ctx); jerr != nil {
				s.logger.ErrorContext(ctx, "order_service: token jump failed",
					slog.String("error", jerr.Error()),
				)
				return retry.Permanent(jerr)
			}
			return domain.ErrStaleToken
		}
		return nil
	})
	if final.ID == "" {
		// Cancelled before the first attempt; nothing was sent.
		return domain.Order{}, fmt.Errorf("order_service: submit %s: %w", req.Symbol, err)
	}

	return final, s.settle(ctx, final)
}

// attempt runs one submission with a fresh order and token and records the
// terminal outcome.
func (s *OrderService) attempt(ctx context.Context, req OrderRequest, attempt int) (domain.Order, error) {
	order := domain.Order{
		ID:        uuid.NewString(),
		IntentID:  req.IntentID,
		Scope:     s.scope,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Effect:    req.Effect,
		Size:      req.Size,
		SizeType:  req.SizeType,
		Status:    domain.OrderStatusValidated,
		Reason:    req.Reason,
		CreatedAt: s.now().UTC(),
	}

	token, err := s.tokens.Next(ctx)
	if err != nil {
		cause := fmt.Errorf("issue token: %w", err)
		s.finish(ctx, &order, domain.OrderStatusRejected, domain.SubmitResult{}, cause)
		return order, cause
	}
	order.Token = token
	order.Status = domain.OrderStatusSubmitted

	s.logger.InfoContext(ctx, "order_service: submitting order",
		slog.String("order_id", order.ID),
		slog.String("intent_id", order.IntentID),
		slog.String("symbol", order.Symbol),
		slog.String("side", string(order.Side)),
		slog.String("effect", string(order.Effect)),
		slog.Float64("size", order.Size),
		slog.String("size_type", string(order.SizeType)),
		slog.Uint64("token", token),
		slog.Int("attempt", attempt),
	)

	// Once submitted the call runs to completion or timeout even if the
	// caller is shutting down, so its outcome is always recorded.
	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	start := time.Now()
	res, err := s.venue.SubmitOrder(submitCtx, domain.SubmitRequest{
		ClientOrderID: order.ID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Size:          order.Size,
		SizeType:      order.SizeType,
		Token:         token,
	})
	cancel()
	s.metrics.ObserveSubmit(s.scope, time.Since(start))

	status, cause := Classify(res, err)
	s.finish(ctx, &order, status, res, cause)
	return order, cause
}

// Classify maps a venue response to a terminal status. An explicit venue
// refusal is REJECTED; everything the venue did not clearly answer,
// including timeouts and a missing order id, is AMBIGUOUS.
func Classify(res domain.SubmitResult, err error) (domain.OrderStatus, error) {
	if err != nil {
		if isVenueRefusal(err) {
			return domain.OrderStatusRejected, err
		}
		return domain.OrderStatusAmbiguous, fmt.Errorf("%w: %w", domain.ErrOrderAmbiguous, err)
	}
	if res.OrderID == "" {
		return domain.OrderStatusAmbiguous, fmt.Errorf("%w: venue returned no order id", domain.ErrOrderAmbiguous)
	}
	if !domain.PositiveFinite(res.FillPrice) {
		return domain.OrderStatusRejected, fmt.Errorf("%w: fill price %v", domain.ErrInvalidFillPrice, res.FillPrice)
	}
	if res.FillQuantity != 0 && !domain.PositiveFinite(res.FillQuantity) {
		return domain.OrderStatusAmbiguous, fmt.Errorf("%w: fill quantity %v", domain.ErrOrderAmbiguous, res.FillQuantity)
	}
	return domain.OrderStatusConfirmed, nil
}

func isVenueRefusal(err error) bool {
	for _, target := range []error{
		domain.ErrOrderRejected,
		domain.ErrStaleToken,
		domain.ErrRateLimited,
		domain.ErrInvalidOrder,
		domain.ErrUnsupportedSymbol,
		domain.ErrUnauthorized,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// finish moves order to its terminal status and appends it to the execution
// record. The order is never touched again afterwards.
func (s *OrderService) finish(ctx context.Context, order *domain.Order, status domain.OrderStatus, res domain.SubmitResult, cause error) {
	done := s.now().UTC()
	order.Status = status
	order.CompletedAt = &done
	order.VenueOrderID = res.OrderID
	if status == domain.OrderStatusConfirmed {
		order.FillPrice = res.FillPrice
		order.FillQuantity = res.FillQuantity
	}
	if cause != nil {
		order.Error = cause.Error()
	}

	s.metrics.OrderOutcome(s.scope, string(order.Side), string(order.Effect), string(status))

	if err := s.executions.Append(context.WithoutCancel(ctx), *order); err != nil {
		s.logger.ErrorContext(ctx, "order_service: append execution record failed",
			slog.String("order_id", order.ID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}

	attrs := []any{
		slog.String("order_id", order.ID),
		slog.String("intent_id", order.IntentID),
		slog.String("symbol", order.Symbol),
		slog.String("status", string(status)),
		slog.String("venue_order_id", order.VenueOrderID),
		slog.Float64("fill_price", order.FillPrice),
	}
	if cause != nil {
		attrs = append(attrs, slog.String("error", cause.Error()))
	}
	switch status {
	case domain.OrderStatusConfirmed:
		s.logger.InfoContext(ctx, "order_service: order confirmed", attrs...)
	case domain.OrderStatusAmbiguous:
		s.logger.ErrorContext(ctx, "order_service: order outcome ambiguous", attrs...)
	default:
		s.logger.WarnContext(ctx, "order_service: order rejected", attrs...)
	}

	publish(ctx, s.bus, s.logger, domain.ChannelOrders, "order_"+string(status), s.scope, NewOrderView(*order))
}

// settle applies a final outcome: confirmed fills go to the ledger, and a
// non-confirmed outcome fires the failure hooks.
func (s *OrderService) settle(ctx context.Context, order domain.Order) error {
	switch order.Status {
	case domain.OrderStatusConfirmed:
		s.apply(context.WithoutCancel(ctx), order)
		audit(ctx, s.audit, s.logger, "order_confirmed", map[string]any{
			"order_id":   order.ID,
			"intent_id":  order.IntentID,
			"scope":      s.scope,
			"symbol":     order.Symbol,
			"side":       string(order.Side),
			"effect":     string(order.Effect),
			"fill_price": order.FillPrice,
			"fill_qty":   order.FilledQuantity(),
			"reason":     order.Reason,
		})
		return nil

	case domain.OrderStatusAmbiguous:
		alert(ctx, s.alerter, s.logger, AlertOrderAmbiguous,
			"Order outcome unknown",
			fmt.Sprintf("%s %s %s %s: %s", s.scope, order.Effect, order.Side, order.Symbol, order.Error))
		s.exitFailed(order)
		s.reconcile()
		return fmt.Errorf("order_service: %s %s: %w", order.Symbol, order.ID, domain.ErrOrderAmbiguous)

	default:
		s.exitFailed(order)
		return fmt.Errorf("order_service: %s %s: %w: %s", order.Symbol, order.ID, domain.ErrOrderRejected, order.Error)
	}
}

// apply writes a confirmed fill into the ledger. The venue already holds the
// asset, so a ledger failure is left for reconciliation to correct.
func (s *OrderService) apply(ctx context.Context, order domain.Order) {
	var err error
	filledAt := order.CreatedAt
	if order.CompletedAt != nil {
		filledAt = *order.CompletedAt
	}
	qty := order.FilledQuantity()
	switch order.Effect {
	case domain.OrderEffectEntry:
		_, err = s.ledger.OpenOrAdd(ctx, order.Symbol, EntrySide(order.Side), order.FillPrice, qty, filledAt)
	case domain.OrderEffectExit:
		_, _, err = s.ledger.ReduceOrClose(ctx, order.Symbol, qty)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "order_service: ledger update after confirmed fill failed",
			slog.String("order_id", order.ID),
			slog.String("symbol", order.Symbol),
			slog.String("effect", string(order.Effect)),
			slog.String("error", err.Error()),
		)
		s.reconcile()
	}
}

func (s *OrderService) exitFailed(order domain.Order) {
	if order.Effect == domain.OrderEffectExit && s.onExitFail != nil {
		s.onExitFail(order.Symbol)
	}
}

func (s *OrderService) reconcile() {
	if s.onAmbiguous != nil {
		s.onAmbiguous()
	}
}

func (s *OrderService) validate(req OrderRequest) error {
	if req.Symbol == "" {
		return fmt.Errorf("order_service: empty symbol: %w", domain.ErrInvalidOrder)
	}
	if !domain.PositiveFinite(req.Size) {
		return fmt.Errorf("order_service: %s size %v: %w", req.Symbol, req.Size, domain.ErrInvalidOrder)
	}
	if req.Side != domain.OrderSideBuy && req.Side != domain.OrderSideSell {
		return fmt.Errorf("order_service: %s side %q: %w", req.Symbol, req.Side, domain.ErrInvalidOrder)
	}
	if req.Effect != domain.OrderEffectEntry && req.Effect != domain.OrderEffectExit {
		return fmt.Errorf("order_service: %s effect %q: %w", req.Symbol, req.Effect, domain.ErrInvalidOrder)
	}
	switch req.SizeType {
	case domain.SizeTypeNotional, domain.SizeTypeBaseQuantity:
	default:
		return fmt.Errorf("order_service: %s size type %q: %w", req.Symbol, req.SizeType, domain.ErrInvalidOrder)
	}
	if req.Side == domain.OrderSideSell && req.SizeType != domain.SizeTypeBaseQuantity {
		return fmt.Errorf("order_service: %s sells must be sized in base quantity: %w", req.Symbol, domain.ErrInvalidOrder)
	}
	if !s.venue.Supports(req.Symbol) {
		return fmt.Errorf("order_service: %s on %s: %w", req.Symbol, s.venue.Name(), domain.ErrUnsupportedSymbol)
	}
	return nil
}

// EntrySide maps the side of an entry order to the position it opens.
func EntrySide(side domain.OrderSide) domain.PositionSide {
	if side == domain.OrderSideSell {
		return domain.PositionSideShort
	}
	return domain.PositionSideLong
}

// OrderView is the JSON shape of an execution record.
type OrderView struct {
	ID           string     `json:"id"`
	IntentID     string     `json:"intent_id"`
	Scope        string     `json:"scope"`
	Symbol       string     `json:"symbol"`
	Side         string     `json:"side"`
	Effect       string     `json:"effect"`
	Size         float64    `json:"size"`
	SizeType     string     `json:"size_type"`
	Token        uint64     `json:"token"`
	Status       string     `json:"status"`
	VenueOrderID string     `json:"venue_order_id,omitempty"`
	FillPrice    float64    `json:"fill_price,omitempty"`
	FillQuantity float64    `json:"fill_quantity,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// NewOrderView converts an order for the bus and API responses.
func NewOrderView(o domain.Order) OrderView {
	return OrderView{
		ID:           o.ID,
		IntentID:     o.IntentID,
		Scope:        o.Scope,
		Symbol:       o.Symbol,
		Side:         string(o.Side),
		Effect:       string(o.Effect),
		Size:         o.Size,
		SizeType:     string(o.SizeType),
		Token:        o.Token,
		Status:       string(o.Status),
		VenueOrderID: o.VenueOrderID,
		FillPrice:    o.FillPrice,
		FillQuantity: o.FillQuantity,
		Reason:       o.Reason,
		Error:        o.Error,
		CreatedAt:    o.CreatedAt,
		CompletedAt:  o.CompletedAt,
	}
}
