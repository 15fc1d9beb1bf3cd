package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/posengine/internal/domain"
)

// LedgerStore implements domain.LedgerStore using PostgreSQL. A scope's
// rows are swapped inside one transaction.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a new LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

const ledgerSelectCols = `scope, symbol, side, entry_price, quantity,
	status, origin, opened_at, adopted_at, updated_at`

func scanLedgerRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		var p domain.Position
		var side, status, origin string
		if err := rows.Scan(
			&p.Scope, &p.Symbol, &side, &p.EntryPrice, &p.Quantity,
			&status, &origin, &p.OpenedAt, &p.AdoptedAt, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		p.Side = domain.PositionSide(side)
		p.Status = domain.PositionStatus(status)
		p.Origin = domain.PositionOrigin(origin)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Load returns every position recorded for scope.
func (s *LedgerStore) Load(ctx context.Context, scope string) ([]domain.Position, error) {
	query := `SELECT ` + ledgerSelectCols + ` FROM ledger_positions WHERE scope = $1 ORDER BY symbol`
	rows, err := s.pool.Query(ctx, query, scope)
	if err != nil {
		return nil, fmt.Errorf("postgres: load ledger %s: %w", scope, err)
	}
	defer rows.Close()

	positions, err := scanLedgerRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan ledger %s: %w", scope, err)
	}
	return positions, nil
}

// Replace deletes the scope's rows and inserts positions in one transaction.
func (s *LedgerStore) Replace(ctx context.Context, scope string, positions []domain.Position) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin ledger tx %s: %w", scope, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM ledger_positions WHERE scope = $1`, scope); err != nil {
		return fmt.Errorf("postgres: clear ledger %s: %w", scope, err)
	}

	if len(positions) > 0 {
		const insert = `
			INSERT INTO ledger_positions (
				scope, symbol, side, entry_price, quantity,
				status, origin, opened_at, adopted_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
		batch := &pgx.Batch{}
		for _, p := range positions {
			batch.Queue(insert,
				scope, p.Symbol, string(p.Side), p.EntryPrice, p.Quantity,
				string(p.Status), string(p.Origin), p.OpenedAt, p.AdoptedAt, p.UpdatedAt,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("postgres: insert ledger %s: %w", scope, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit ledger %s: %w", scope, err)
	}
	return nil
}
