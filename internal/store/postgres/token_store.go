package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/posengine/internal/domain"
)

// TokenStore implements domain.TokenStore using PostgreSQL. Saves never move
// a credential's counter backwards.
type TokenStore struct {
	pool *pgxpool.Pool
}

// NewTokenStore creates a new TokenStore backed by the given connection pool.
func NewTokenStore(pool *pgxpool.Pool) *TokenStore {
	return &TokenStore{pool: pool}
}

// Load returns the last saved token for credential.
func (s *TokenStore) Load(ctx context.Context, credential string) (uint64, error) {
	var v int64
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM idempotency_tokens WHERE credential = $1`, credential,
	).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: load token %s: %w", credential, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("postgres: token %s is negative: %w", credential, domain.ErrCorruptState)
	}
	return uint64(v), nil
}

// Save records value, keeping the larger of the stored and new values.
func (s *TokenStore) Save(ctx context.Context, credential string, value uint64) error {
	if value > 1<<63-1 {
		return fmt.Errorf("postgres: token %d overflows bigint: %w", value, domain.ErrCorruptState)
	}
	const query = `
		INSERT INTO idempotency_tokens (credential, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (credential) DO UPDATE
		SET value = GREATEST(idempotency_tokens.value, EXCLUDED.value),
		    updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, query, credential, int64(value)); err != nil {
		return fmt.Errorf("postgres: save token %s: %w", credential, err)
	}
	return nil
}
