package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/posengine/internal/domain"
)

// ExecutionStore implements domain.ExecutionStore using PostgreSQL. The
// table rejects updates and deletes at the trigger level.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates a new ExecutionStore backed by the given connection pool.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

const executionSelectCols = `id, intent_id, scope, symbol, side, effect, size, size_type,
	token, status, venue_order_id, fill_price, fill_quantity, reason, error,
	created_at, completed_at`

func scanExecution(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	var side, effect, sizeType, status string
	var token int64
	err := row.Scan(
		&o.ID, &o.IntentID, &o.Scope, &o.Symbol, &side, &effect, &o.Size, &sizeType,
		&token, &status, &o.VenueOrderID, &o.FillPrice, &o.FillQuantity, &o.Reason, &o.Error,
		&o.CreatedAt, &o.CompletedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Side = domain.OrderSide(side)
	o.Effect = domain.OrderEffect(effect)
	o.SizeType = domain.SizeType(sizeType)
	o.Status = domain.OrderStatus(status)
	o.Token = uint64(token)
	return o, nil
}

func scanExecutions(rows pgx.Rows) ([]domain.Order, error) {
	var out []domain.Order
	for rows.Next() {
		o, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Append inserts one terminal order.
func (s *ExecutionStore) Append(ctx context.Context, o domain.Order) error {
	if !o.Status.Terminal() {
		return fmt.Errorf("postgres: append execution %s: status %q is not terminal: %w",
			o.ID, o.Status, domain.ErrInvalidOrder)
	}
	const query = `
		INSERT INTO execution_records (
			id, intent_id, scope, symbol, side, effect, size, size_type,
			token, status, venue_order_id, fill_price, fill_quantity, reason, error,
			created_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
	_, err := s.pool.Exec(ctx, query,
		o.ID, o.IntentID, o.Scope, o.Symbol, string(o.Side), string(o.Effect), o.Size, string(o.SizeType),
		int64(o.Token), string(o.Status), o.VenueOrderID, o.FillPrice, o.FillQuantity, o.Reason, o.Error,
		o.CreatedAt, o.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append execution %s: %w", o.ID, err)
	}
	return nil
}

// FindConfirmed returns the confirmed order for intentID, or ErrNotFound.
func (s *ExecutionStore) FindConfirmed(ctx context.Context, scope, intentID string) (domain.Order, error) {
	query := `SELECT ` + executionSelectCols + ` FROM execution_records
		WHERE scope = $1 AND intent_id = $2 AND status = 'confirmed'
		ORDER BY created_at LIMIT 1`
	o, err := scanExecution(s.pool.QueryRow(ctx, query, scope, intentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, fmt.Errorf("postgres: confirmed execution for intent %s: %w", intentID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("postgres: find execution %s: %w", intentID, err)
	}
	return o, nil
}

// List returns the scope's records newest first.
func (s *ExecutionStore) List(ctx context.Context, scope string, opts domain.ListOpts) ([]domain.Order, error) {
	query, args := listClause(
		`SELECT `+executionSelectCols+` FROM execution_records WHERE scope = $1`,
		[]any{scope}, "created_at", opts,
	)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions %s: %w", scope, err)
	}
	defer rows.Close()

	out, err := scanExecutions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan executions %s: %w", scope, err)
	}
	return out, nil
}

// ListBetween returns records of every scope created in [from, to), oldest
// first.
func (s *ExecutionStore) ListBetween(ctx context.Context, from, to time.Time) ([]domain.Order, error) {
	query := `SELECT ` + executionSelectCols + ` FROM execution_records
		WHERE created_at >= $1 AND created_at < $2 ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions between: %w", err)
	}
	defer rows.Close()

	out, err := scanExecutions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan executions between: %w", err)
	}
	return out, nil
}
