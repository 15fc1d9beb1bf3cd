package domain

import "context"

// SubmitRequest is what the gateway sends to a venue.
type SubmitRequest struct {
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Size          float64
	SizeType      SizeType
	Token         uint64
}

// SubmitResult is a venue's answer to a submission. A missing OrderID means
// the venue did not confirm that the order exists.
type SubmitResult struct {
	OrderID      string
	FillPrice    float64
	FillQuantity float64
	Message      string
}

// Holding is one asset balance as reported by the venue.
type Holding struct {
	Symbol        string
	Quantity      float64
	NotionalValue float64
}

// Venue is the capability set every exchange adapter provides. Explicit
// venue refusals are returned wrapped in ErrOrderRejected (or ErrStaleToken
// for replayed tokens); any other error means the outcome is unknown.
type Venue interface {
	Name() string
	Supports(symbol string) bool
	SubmitOrder(ctx context.Context, req SubmitRequest) (SubmitResult, error)
	GetBalance(ctx context.Context) (BalanceSnapshot, error)
	GetHoldings(ctx context.Context) ([]Holding, error)
}

// MarkSource provides current mark prices keyed by symbol. Symbols without
// a price are omitted from the result.
type MarkSource interface {
	Marks(ctx context.Context, symbols []string) (map[string]float64, error)
}

// OrderCanceller is implemented by venues that can cancel resting orders.
type OrderCanceller interface {
	CancelAll(ctx context.Context) (int, error)
}
