package filestore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/alanyoungcy/posengine/internal/domain"
)

type orderRecord struct {
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

func toOrderRecord(o domain.Order) orderRecord {
	return orderRecord{
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

func (r orderRecord) order() domain.Order {
	return domain.Order{
		ID:           r.ID,
		IntentID:     r.IntentID,
		Scope:        r.Scope,
		Symbol:       r.Symbol,
		Side:         domain.OrderSide(r.Side),
		Effect:       domain.OrderEffect(r.Effect),
		Size:         r.Size,
		SizeType:     domain.SizeType(r.SizeType),
		Token:        r.Token,
		Status:       domain.OrderStatus(r.Status),
		VenueOrderID: r.VenueOrderID,
		FillPrice:    r.FillPrice,
		FillQuantity: r.FillQuantity,
		Reason:       r.Reason,
		Error:        r.Error,
		CreatedAt:    r.CreatedAt,
		CompletedAt:  r.CompletedAt,
	}
}

// ExecutionStore implements domain.ExecutionStore as one JSONL file per
// scope. Lines are only ever appended.
type ExecutionStore struct {
	c *Client
}

// NewExecutionStore creates a new ExecutionStore.
func NewExecutionStore(c *Client) *ExecutionStore {
	return &ExecutionStore{c: c}
}

func (s *ExecutionStore) file(scope string) string {
	return s.c.path("executions", safeName(scope)+".jsonl")
}

// Append writes one terminal order and fsyncs before returning.
func (s *ExecutionStore) Append(_ context.Context, order domain.Order) error {
	if !order.Status.Terminal() {
		return fmt.Errorf("filestore: append execution %s: status %q is not terminal: %w",
			order.ID, order.Status, domain.ErrInvalidOrder)
	}
	line, err := json.Marshal(toOrderRecord(order))
	if err != nil {
		return fmt.Errorf("filestore: encode execution %s: %w", order.ID, err)
	}
	line = append(line, '\n')

	path := s.file(order.Scope)
	l := s.c.fileLock(path)
	l.Lock()
	defer l.Unlock()
	if err := appendLine(path, line); err != nil {
		return fmt.Errorf("filestore: append execution %s: %w", order.ID, err)
	}
	return nil
}

// FindConfirmed returns the confirmed order for intentID, or ErrNotFound.
func (s *ExecutionStore) FindConfirmed(_ context.Context, scope, intentID string) (domain.Order, error) {
	orders, err := s.readScope(scope)
	if err != nil {
		return domain.Order{}, err
	}
	for _, o := range orders {
		if o.IntentID == intentID && o.Status == domain.OrderStatusConfirmed {
			return o, nil
		}
	}
	return domain.Order{}, fmt.Errorf("filestore: confirmed execution for intent %s: %w", intentID, domain.ErrNotFound)
}

// List returns the scope's records newest first.
func (s *ExecutionStore) List(_ context.Context, scope string, opts domain.ListOpts) ([]domain.Order, error) {
	orders, err := s.readScope(scope)
	if err != nil {
		return nil, err
	}
	filtered := orders[:0]
	for _, o := range orders {
		if opts.Since != nil && o.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !o.CreatedAt.Before(*opts.Until) {
			continue
		}
		filtered = append(filtered, o)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})
	return paginate(filtered, opts), nil
}

// ListBetween returns records of every scope created in [from, to), oldest
// first.
func (s *ExecutionStore) ListBetween(_ context.Context, from, to time.Time) ([]domain.Order, error) {
	files, err := filepath.Glob(s.c.path("executions", "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("filestore: list execution files: %w", err)
	}
	var out []domain.Order
	for _, f := range files {
		orders, err := s.readFile(f)
		if err != nil {
			return nil, err
		}
		for _, o := range orders {
			if !o.CreatedAt.Before(from) && o.CreatedAt.Before(to) {
				out = append(out, o)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *ExecutionStore) readScope(scope string) ([]domain.Order, error) {
	return s.readFile(s.file(scope))
}

// readFile decodes every complete line. A torn final line from a crash
// mid-append is skipped.
func (s *ExecutionStore) readFile(path string) ([]domain.Order, error) {
	l := s.c.fileLock(path)
	l.Lock()
	defer l.Unlock()

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	var out []domain.Order
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var r orderRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		out = append(out, r.order())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("filestore: scan %s: %w", filepath.Base(path), err)
	}
	return out, nil
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}
