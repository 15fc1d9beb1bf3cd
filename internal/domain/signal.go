package domain

import "time"

// EntryProposal is an upstream request to open or extend a position.
// Strength is in [0, 1]; proposals below the scope's threshold are dropped.
type EntryProposal struct {
	ID         string // dedup key; generated when empty
	Scope      string
	Symbol     string
	Side       PositionSide
	Strength   float64
	Source     string
	ReceivedAt time.Time
}

// Event is published on the signal bus whenever engine state changes.
type Event struct {
	Type    string    `json:"type"`
	Scope   string    `json:"scope"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Signal bus channels.
const (
	ChannelOrders    = "orders"
	ChannelPositions = "positions"
	ChannelScopes    = "scopes"
)

// EntryChannel is the bus channel a scope reads entry proposals from.
func EntryChannel(scope string) string {
	return "entries:" + scope
}

// EventStream is the durable stream holding a scope's recent events.
func EventStream(scope string) string {
	return "events:" + scope
}
