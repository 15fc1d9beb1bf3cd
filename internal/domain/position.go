package domain

import "time"

// PositionSide is the direction of exposure.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// PositionStatus tracks where a position is in its lifecycle.
type PositionStatus string

const (
	PositionStatusOpen    PositionStatus = "open"
	PositionStatusClosing PositionStatus = "closing"
	PositionStatusClosed  PositionStatus = "closed"
)

// PositionOrigin records how the ledger learned about a position.
type PositionOrigin string

const (
	OriginEngineOpened      PositionOrigin = "engine_opened"
	OriginAdoptedKnownPrice PositionOrigin = "adopted_known_price"
	OriginAdoptedUnknownAge PositionOrigin = "adopted_unknown_age"
)

// Position is one open holding tracked by a scope's ledger. Scope plus
// Symbol is unique.
type Position struct {
	Scope      string
	Symbol     string
	Side       PositionSide
	EntryPrice float64
	Quantity   float64
	Status     PositionStatus
	Origin     PositionOrigin
	OpenedAt   *time.Time // nil when the opening time is not known
	AdoptedAt  *time.Time // set when reconciliation adopted the holding
	UpdatedAt  time.Time
}

// CostBasis is EntryPrice * Quantity.
func (p Position) CostBasis() float64 {
	return p.EntryPrice * p.Quantity
}

// Age returns how long the position has been held. ok is false when the
// opening time is unknown.
func (p Position) Age(now time.Time) (age time.Duration, ok bool) {
	if p.OpenedAt == nil {
		return 0, false
	}
	return now.Sub(*p.OpenedAt), true
}

// PnLPct returns the unrealized profit or loss at mark as a percentage of
// the entry price. Shorts profit when the mark falls.
func (p Position) PnLPct(mark float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	pct := (mark - p.EntryPrice) / p.EntryPrice * 100
	if p.Side == PositionSideShort {
		return -pct
	}
	return pct
}

// PnL returns the unrealized profit or loss at mark in quote currency.
func (p Position) PnL(mark float64) float64 {
	diff := (mark - p.EntryPrice) * p.Quantity
	if p.Side == PositionSideShort {
		return -diff
	}
	return diff
}

// CloseSide is the order side that reduces this position.
func (p Position) CloseSide() OrderSide {
	if p.Side == PositionSideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}
