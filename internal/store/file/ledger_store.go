package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/alanyoungcy/posengine/internal/domain"
)

const ledgerVersion = 1

type ledgerFile struct {
	Version   int              `json:"version"`
	Scope     string           `json:"scope"`
	SavedAt   time.Time        `json:"saved_at"`
	Positions []positionRecord `json:"positions"`
}

type positionRecord struct {
	Symbol     string     `json:"symbol"`
	Side       string     `json:"side"`
	EntryPrice float64    `json:"entry_price"`
	Quantity   float64    `json:"quantity"`
	Status     string     `json:"status"`
	Origin     string     `json:"origin"`
	OpenedAt   *time.Time `json:"opened_at,omitempty"`
	AdoptedAt  *time.Time `json:"adopted_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// LedgerStore implements domain.LedgerStore with one JSON snapshot per scope.
type LedgerStore struct {
	c *Client
}

// NewLedgerStore creates a new LedgerStore.
func NewLedgerStore(c *Client) *LedgerStore {
	return &LedgerStore{c: c}
}

func (s *LedgerStore) file(scope string) string {
	return s.c.path("ledger", safeName(scope)+".json")
}

// Load returns the scope's positions. A scope that never saved has an empty
// ledger; an unreadable snapshot is ErrCorruptState.
func (s *LedgerStore) Load(_ context.Context, scope string) ([]domain.Position, error) {
	path := s.file(scope)
	l := s.c.fileLock(path)
	l.Lock()
	defer l.Unlock()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: read ledger %s: %w", scope, err)
	}

	var lf ledgerFile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("filestore: decode ledger %s: %w: %v", scope, domain.ErrCorruptState, err)
	}
	if lf.Version != ledgerVersion {
		return nil, fmt.Errorf("filestore: ledger %s version %d: %w", scope, lf.Version, domain.ErrCorruptState)
	}

	out := make([]domain.Position, 0, len(lf.Positions))
	for _, r := range lf.Positions {
		out = append(out, domain.Position{
			Scope:      scope,
			Symbol:     r.Symbol,
			Side:       domain.PositionSide(r.Side),
			EntryPrice: r.EntryPrice,
			Quantity:   r.Quantity,
			Status:     domain.PositionStatus(r.Status),
			Origin:     domain.PositionOrigin(r.Origin),
			OpenedAt:   r.OpenedAt,
			AdoptedAt:  r.AdoptedAt,
			UpdatedAt:  r.UpdatedAt,
		})
	}
	return out, nil
}

// Replace atomically swaps the scope's snapshot for positions.
func (s *LedgerStore) Replace(_ context.Context, scope string, positions []domain.Position) error {
	lf := ledgerFile{
		Version:   ledgerVersion,
		Scope:     scope,
		SavedAt:   time.Now().UTC(),
		Positions: make([]positionRecord, 0, len(positions)),
	}
	for _, p := range positions {
		lf.Positions = append(lf.Positions, positionRecord{
			Symbol:     p.Symbol,
			Side:       string(p.Side),
			EntryPrice: p.EntryPrice,
			Quantity:   p.Quantity,
			Status:     string(p.Status),
			Origin:     string(p.Origin),
			OpenedAt:   p.OpenedAt,
			AdoptedAt:  p.AdoptedAt,
			UpdatedAt:  p.UpdatedAt,
		})
	}

	data, err := json.MarshalIndent(lf, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: encode ledger %s: %w", scope, err)
	}

	path := s.file(scope)
	l := s.c.fileLock(path)
	l.Lock()
	defer l.Unlock()
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("filestore: write ledger %s: %w", scope, err)
	}
	return nil
}
