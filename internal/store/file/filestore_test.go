package filestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alanyoungcy/posengine/internal/domain"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestLedgerReplaceAndLoad(t *testing.T) {
	c := newClient(t)
	s := NewLedgerStore(c)
	ctx := context.Background()

	got, err := s.Load(ctx, "alpha")
	if err != nil || len(got) != 0 {
		t.Fatalf("Load on fresh scope = %v, %v; want empty, nil", got, err)
	}

	opened := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	positions := []domain.Position{
		{Scope: "alpha", Symbol: "BTC-USD", Side: domain.PositionSideLong, EntryPrice: 100, Quantity: 2,
			Status: domain.PositionStatusOpen, Origin: domain.OriginEngineOpened, OpenedAt: &opened},
		{Scope: "alpha", Symbol: "ETH-USD", Side: domain.PositionSideLong, EntryPrice: 10, Quantity: 1,
			Status: domain.PositionStatusOpen, Origin: domain.OriginAdoptedUnknownAge},
	}
	if err := s.Replace(ctx, "alpha", positions); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	got, err = s.Load(ctx, "alpha")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Load returned %d positions, want 2", len(got))
	}
	if got[0].OpenedAt == nil || !got[0].OpenedAt.Equal(opened) {
		t.Errorf("OpenedAt = %v, want %v", got[0].OpenedAt, opened)
	}
	if got[1].OpenedAt != nil {
		t.Errorf("unknown-age position gained OpenedAt %v", got[1].OpenedAt)
	}

	leftovers, _ := filepath.Glob(filepath.Join(c.Dir(), "ledger", "*.tmp-*"))
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}

func TestLedgerCorrupt(t *testing.T) {
	c := newClient(t)
	s := NewLedgerStore(c)
	if err := os.WriteFile(s.file("alpha"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(context.Background(), "alpha"); !errors.Is(err, domain.ErrCorruptState) {
		t.Errorf("Load corrupt = %v, want ErrCorruptState", err)
	}
}

func TestTokenStore(t *testing.T) {
	c := newClient(t)
	s := NewTokenStore(c)
	ctx := context.Background()

	if _, err := s.Load(ctx, "acct"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Load missing = %v, want ErrNotFound", err)
	}
	if err := s.Save(ctx, "acct", 1712345678901234); err != nil {
		t.Fatalf("Save: %v", err)
	}
	v, err := s.Load(ctx, "acct")
	if err != nil || v != 1712345678901234 {
		t.Errorf("Load = %d, %v", v, err)
	}

	if err := os.WriteFile(s.file("acct"), []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(ctx, "acct"); !errors.Is(err, domain.ErrCorruptState) {
		t.Errorf("Load corrupt = %v, want ErrCorruptState", err)
	}
}

func TestExecutionStoreAppendOnly(t *testing.T) {
	c := newClient(t)
	s := NewExecutionStore(c)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.Append(ctx, domain.Order{ID: "o0", Scope: "alpha", Status: domain.OrderStatusSubmitted}); !errors.Is(err, domain.ErrInvalidOrder) {
		t.Errorf("Append non-terminal = %v, want ErrInvalidOrder", err)
	}

	orders := []domain.Order{
		{ID: "o1", IntentID: "i1", Scope: "alpha", Status: domain.OrderStatusRejected, CreatedAt: now.Add(-2 * time.Minute)},
		{ID: "o2", IntentID: "i1", Scope: "alpha", Status: domain.OrderStatusConfirmed, VenueOrderID: "v2", FillPrice: 101, CreatedAt: now.Add(-time.Minute)},
		{ID: "o3", IntentID: "i2", Scope: "alpha", Status: domain.OrderStatusAmbiguous, CreatedAt: now},
	}
	for _, o := range orders {
		if err := s.Append(ctx, o); err != nil {
			t.Fatalf("Append %s: %v", o.ID, err)
		}
	}

	got, err := s.FindConfirmed(ctx, "alpha", "i1")
	if err != nil || got.ID != "o2" {
		t.Errorf("FindConfirmed(i1) = %s, %v; want o2", got.ID, err)
	}
	if _, err := s.FindConfirmed(ctx, "alpha", "i2"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("FindConfirmed(i2) = %v, want ErrNotFound", err)
	}

	list, err := s.List(ctx, "alpha", domain.ListOpts{Limit: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != "o3" || list[1].ID != "o2" {
		t.Errorf("List newest first = %v", ids(list))
	}

	between, err := s.ListBetween(ctx, now.Add(-90*time.Second), now)
	if err != nil {
		t.Fatalf("ListBetween: %v", err)
	}
	if len(between) != 1 || between[0].ID != "o2" {
		t.Errorf("ListBetween = %v, want [o2]", ids(between))
	}
}

func TestExecutionStoreSkipsTornLine(t *testing.T) {
	c := newClient(t)
	s := NewExecutionStore(c)
	ctx := context.Background()
	if err := s.Append(ctx, domain.Order{ID: "o1", Scope: "alpha", Status: domain.OrderStatusConfirmed}); err != nil {
		t.Fatal(err)
	}
	if err := appendLine(s.file("alpha"), []byte(`{"id":"o2","sco`)); err != nil {
		t.Fatal(err)
	}
	list, err := s.List(ctx, "alpha", domain.ListOpts{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("List = %v, want only o1", ids(list))
	}
}

func TestAuditStore(t *testing.T) {
	c := newClient(t)
	s := NewAuditStore(c)
	ctx := context.Background()
	for _, ev := range []string{"order_confirmed", "position_purged"} {
		if err := s.Log(ctx, ev, map[string]any{"symbol": "BTC-USD"}); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}
	entries, err := s.List(ctx, domain.ListOpts{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 || entries[0].Event != "position_purged" || entries[0].ID != 2 {
		t.Errorf("entries = %+v", entries)
	}
}

func ids(orders []domain.Order) []string {
	out := make([]string, len(orders))
	for i, o := range orders {
		out[i] = o.ID
	}
	return out
}
