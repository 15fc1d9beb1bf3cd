package service

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/alanyoungcy/posengine/internal/domain"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestOpenOrAddWeightedAverage(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	l := newLoadedLedger(t, newMemLedger(), clock)

	if _, err := l.OpenOrAdd(ctx, "BTC", domain.PositionSideLong, 10, 5, clock.Now()); err != nil {
		t.Fatalf("first fill: %v", err)
	}
	p, err := l.OpenOrAdd(ctx, "BTC", domain.PositionSideLong, 11, 5, clock.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("second fill: %v", err)
	}
	if !approx(p.EntryPrice, 10.5) || !approx(p.Quantity, 10) {
		t.Fatalf("position = %.6f x %.6f, want 10.5 x 10", p.EntryPrice, p.Quantity)
	}
	if !p.OpenedAt.Equal(clock.Now()) {
		t.Fatalf("opened_at moved to %v", p.OpenedAt)
	}
	if !approx(p.CostBasis(), 105) {
		t.Fatalf("cost basis = %v, want 105", p.CostBasis())
	}
}

func TestOpenOrAddRejectsBadInputs(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	l := newLoadedLedger(t, newMemLedger(), clock)

	for _, tt := range []struct {
		name  string
		price float64
		qty   float64
		want  error
	}{
		{"zero price", 0, 1, domain.ErrEntryPriceMissing},
		{"negative price", -3, 1, domain.ErrEntryPriceMissing},
		{"NaN price", math.NaN(), 1, domain.ErrEntryPriceMissing},
		{"infinite price", math.Inf(1), 1, domain.ErrEntryPriceMissing},
		{"negative infinite price", math.Inf(-1), 1, domain.ErrEntryPriceMissing},
		{"zero quantity", 10, 0, domain.ErrInvalidOrder},
		{"NaN quantity", 10, math.NaN(), domain.ErrInvalidOrder},
		{"infinite quantity", 10, math.Inf(1), domain.ErrInvalidOrder},
	} {
		if _, err := l.OpenOrAdd(ctx, "BTC", domain.PositionSideLong, tt.price, tt.qty, clock.Now()); !errors.Is(err, tt.want) {
			t.Fatalf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}
	if l.Len() != 0 {
		t.Fatalf("len = %d after rejected inputs", l.Len())
	}
	if _, err := l.OpenOrAdd(ctx, "BTC", domain.PositionSideLong, 10, 1, clock.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := l.OpenOrAdd(ctx, "BTC", domain.PositionSideShort, 10, 1, clock.Now()); !errors.Is(err, domain.ErrInvalidOrder) {
		t.Fatalf("opposite side err = %v, want ErrInvalidOrder", err)
	}
	if l.Len() != 1 {
		t.Fatalf("len = %d, want 1", l.Len())
	}
}

func TestFillOnUnknownAgeAdoptionStartsFresh(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	l := newLoadedLedger(t, newMemLedger(), clock)

	if _, err := l.Adopt(ctx, "ETH", 2, 50, domain.OriginAdoptedUnknownAge); err != nil {
		t.Fatalf("Adopt: %v", err)
	}
	p, err := l.OpenOrAdd(ctx, "ETH", domain.PositionSideLong, 60, 1, clock.Now())
	if err != nil {
		t.Fatalf("OpenOrAdd: %v", err)
	}
	if p.EntryPrice != 60 || !approx(p.Quantity, 3) {
		t.Fatalf("position = %v x %v, want 60 x 3", p.EntryPrice, p.Quantity)
	}
	if p.Origin != domain.OriginEngineOpened || p.OpenedAt == nil {
		t.Fatalf("origin = %s opened %v, want engine_opened with time", p.Origin, p.OpenedAt)
	}
}

func TestReduceOrClose(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	l := newLoadedLedger(t, newMemLedger(), clock)
	if _, err := l.OpenOrAdd(ctx, "SOL", domain.PositionSideLong, 20, 10, clock.Now()); err != nil {
		t.Fatal(err)
	}

	p, closed, err := l.ReduceOrClose(ctx, "SOL", 4)
	if err != nil || closed {
		t.Fatalf("partial reduce = closed %v err %v", closed, err)
	}
	if !approx(p.Quantity, 6) || p.EntryPrice != 20 {
		t.Fatalf("after reduce = %v x %v", p.EntryPrice, p.Quantity)
	}

	if _, closed, err = l.ReduceOrClose(ctx, "SOL", 6.5); err != nil || !closed {
		t.Fatalf("full reduce = closed %v err %v", closed, err)
	}
	if _, ok := l.Get("SOL"); ok {
		t.Fatal("closed position still in ledger")
	}
	if _, _, err := l.ReduceOrClose(ctx, "SOL", 1); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("reduce missing err = %v, want ErrNotFound", err)
	}
}

func TestUnrealizedPnL(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	l := newLoadedLedger(t, newMemLedger(), clock)
	if _, err := l.OpenOrAdd(ctx, "BTC", domain.PositionSideLong, 100, 2, clock.Now()); err != nil {
		t.Fatal(err)
	}
	abs, pct, err := l.UnrealizedPnL("BTC", 103)
	if err != nil {
		t.Fatal(err)
	}
	if !approx(abs, 6) || !approx(pct, 3) {
		t.Fatalf("pnl = %v (%v%%), want 6 (3%%)", abs, pct)
	}
	if _, _, err := l.UnrealizedPnL("BTC", 0); err == nil {
		t.Fatal("zero mark accepted")
	}
}

func TestMutationFailureLeavesLedgerUnchanged(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := newMemLedger()
	l := newLoadedLedger(t, store, clock)
	if _, err := l.OpenOrAdd(ctx, "BTC", domain.PositionSideLong, 100, 1, clock.Now()); err != nil {
		t.Fatal(err)
	}

	store.failSave = errors.New("disk full")
	if _, err := l.OpenOrAdd(ctx, "BTC", domain.PositionSideLong, 200, 1, clock.Now()); err == nil {
		t.Fatal("expected persist failure")
	}
	if err := l.Purge(ctx, "BTC"); err == nil {
		t.Fatal("expected persist failure on purge")
	}

	p, ok := l.Get("BTC")
	if !ok || p.EntryPrice != 100 || p.Quantity != 1 {
		t.Fatalf("in-memory ledger changed after failed persist: %+v", p)
	}
}

func TestAdoptRules(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	l := newLoadedLedger(t, newMemLedger(), clock)

	if _, err := l.Adopt(ctx, "XRP", 10, 0, domain.OriginAdoptedUnknownAge); !errors.Is(err, domain.ErrEntryPriceMissing) {
		t.Fatalf("zero price adopt err = %v", err)
	}
	if _, err := l.Adopt(ctx, "XRP", 10, math.NaN(), domain.OriginAdoptedUnknownAge); !errors.Is(err, domain.ErrEntryPriceMissing) {
		t.Fatalf("NaN price adopt err = %v", err)
	}
	p, err := l.Adopt(ctx, "XRP", 10, 0.5, domain.OriginAdoptedUnknownAge)
	if err != nil {
		t.Fatal(err)
	}
	if p.OpenedAt != nil || p.AdoptedAt == nil {
		t.Fatalf("unknown-age adoption has opened_at %v adopted_at %v", p.OpenedAt, p.AdoptedAt)
	}
	if _, err := l.Adopt(ctx, "XRP", 1, 1, domain.OriginAdoptedUnknownAge); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("duplicate adopt err = %v", err)
	}
}

func TestLoadResetsClosing(t *testing.T) {
	ctx := context.Background()
	opened := newClock().Now()
	store := newMemLedger()
	store.data["master"] = []domain.Position{
		{Symbol: "GOOD", Side: domain.PositionSideLong, EntryPrice: 10, Quantity: 1, Status: domain.PositionStatusClosing, OpenedAt: &opened},
	}

	l := NewPositionService("master", store, nil, nil, testLogger())
	if err := l.Load(ctx); err != nil {
		t.Fatal(err)
	}
	snap := l.Snapshot()
	if len(snap) != 1 || snap[0].Symbol != "GOOD" {
		t.Fatalf("snapshot = %+v, want only GOOD", snap)
	}
	if snap[0].Status != domain.PositionStatusOpen {
		t.Fatalf("status = %s, want open after restart", snap[0].Status)
	}
}

func TestLoadRejectsInvalidRecords(t *testing.T) {
	tests := []struct {
		name  string
		price float64
		qty   float64
	}{
		{"zero price", 0, 1},
		{"NaN price", math.NaN(), 1},
		{"infinite price", math.Inf(1), 1},
		{"zero quantity", 5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemLedger()
			store.data["master"] = []domain.Position{
				{Symbol: "GOOD", Side: domain.PositionSideLong, EntryPrice: 10, Quantity: 1},
				{Symbol: "BAD", Side: domain.PositionSideLong, EntryPrice: tt.price, Quantity: tt.qty},
			}
			l := NewPositionService("master", store, nil, nil, testLogger())
			err := l.Load(context.Background())
			if !errors.Is(err, domain.ErrLedgerUnavailable) {
				t.Fatalf("err = %v, want ErrLedgerUnavailable", err)
			}
			if l.Len() != 0 {
				t.Fatalf("partial ledger loaded: %+v", l.Snapshot())
			}
		})
	}
}

func TestClaimCloseIsExclusive(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	l := newLoadedLedger(t, newMemLedger(), clock)
	if _, err := l.OpenOrAdd(ctx, "BTC", domain.PositionSideLong, 100, 1, clock.Now()); err != nil {
		t.Fatal(err)
	}
	if err := l.ClaimClose(ctx, "BTC"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := l.ClaimClose(ctx, "BTC"); !errors.Is(err, domain.ErrPositionClosing) {
		t.Fatalf("second claim err = %v, want ErrPositionClosing", err)
	}
	if err := l.ClaimClose(ctx, "ETH"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing claim err = %v, want ErrNotFound", err)
	}
}

func TestLoadFailureIsLedgerUnavailable(t *testing.T) {
	store := newMemLedger()
	store.failLoad = domain.ErrCorruptState
	l := NewPositionService("master", store, nil, nil, testLogger())
	if err := l.Load(context.Background()); !errors.Is(err, domain.ErrLedgerUnavailable) {
		t.Fatalf("err = %v, want ErrLedgerUnavailable", err)
	}
	if _, err := l.OpenOrAdd(context.Background(), "BTC", domain.PositionSideLong, 1, 1, time.Now()); !errors.Is(err, domain.ErrLedgerUnavailable) {
		t.Fatalf("mutation on unloaded ledger err = %v", err)
	}
}

func TestSetStatusSkipsNoop(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := newMemLedger()
	l := newLoadedLedger(t, store, clock)
	if _, err := l.OpenOrAdd(ctx, "BTC", domain.PositionSideLong, 100, 1, clock.Now()); err != nil {
		t.Fatal(err)
	}
	saves := store.saves
	if err := l.SetStatus(ctx, "BTC", domain.PositionStatusOpen); err != nil {
		t.Fatal(err)
	}
	if store.saves != saves {
		t.Fatal("no-op status change was persisted")
	}
	if err := l.SetStatus(ctx, "BTC", domain.PositionStatusClosing); err != nil {
		t.Fatal(err)
	}
	if p, _ := l.Get("BTC"); p.Status != domain.PositionStatusClosing {
		t.Fatalf("status = %s", p.Status)
	}
}
