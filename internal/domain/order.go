package domain

import (
	"math"
	"time"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// SizeType says how Order.Size is denominated.
type SizeType string

const (
	SizeTypeNotional     SizeType = "notional"      // quote currency amount
	SizeTypeBaseQuantity SizeType = "base_quantity" // units of the asset
)

// OrderEffect says whether a confirmed fill opens/extends or reduces a
// ledger position.
type OrderEffect string

const (
	OrderEffectEntry OrderEffect = "entry"
	OrderEffectExit  OrderEffect = "exit"
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusValidated OrderStatus = "validated"
	OrderStatusSubmitted OrderStatus = "submitted"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusAmbiguous OrderStatus = "ambiguous"
)

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusConfirmed, OrderStatusRejected, OrderStatusAmbiguous:
		return true
	default:
		return false
	}
}

// Order is one submission attempt. Once terminal it is never mutated; a
// retry is a new Order with a new Token. Terminal orders are the execution
// record.
type Order struct {
	ID           string
	IntentID     string // stable across retries of the same instruction
	Scope        string
	Symbol       string
	Side         OrderSide
	Effect       OrderEffect
	Size         float64
	SizeType     SizeType
	Token        uint64
	Status       OrderStatus
	VenueOrderID string
	FillPrice    float64
	FillQuantity float64
	Reason       string // exit rule or entry source
	Error        string
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// FilledQuantity resolves the base quantity a confirmed order filled. Venues
// that omit the fill quantity are sized from the request.
func (o Order) FilledQuantity() float64 {
	if PositiveFinite(o.FillQuantity) {
		return o.FillQuantity
	}
	if o.SizeType == SizeTypeBaseQuantity {
		return o.Size
	}
	if PositiveFinite(o.FillPrice) {
		return o.Size / o.FillPrice
	}
	return 0
}

// PositiveFinite reports whether x is usable as a price or quantity: above
// zero, not NaN and not infinite.
func PositiveFinite(x float64) bool {
	return x > 0 && !math.IsInf(x, 1)
}
