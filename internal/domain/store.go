package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// LedgerStore persists a scope's open positions. Replace swaps the whole
// set atomically: readers observe either the old or the new set.
type LedgerStore interface {
	Load(ctx context.Context, scope string) ([]Position, error)
	Replace(ctx context.Context, scope string, positions []Position) error
}

// TokenStore persists the last issued idempotency token per credential.
// Load returns ErrNotFound when nothing was stored and ErrCorruptState when
// the stored value cannot be read.
type TokenStore interface {
	Load(ctx context.Context, credential string) (uint64, error)
	Save(ctx context.Context, credential string, value uint64) error
}

// ExecutionStore is the append-only record of terminal orders.
type ExecutionStore interface {
	Append(ctx context.Context, order Order) error
	FindConfirmed(ctx context.Context, scope, intentID string) (Order, error)
	List(ctx context.Context, scope string, opts ListOpts) ([]Order, error)
	ListBetween(ctx context.Context, from, to time.Time) ([]Order, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
