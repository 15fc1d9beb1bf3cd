package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/posengine/internal/domain"
)

type memPrices struct {
	mu     sync.Mutex
	prices map[string]float64
	times  map[string]time.Time
}

func newMemPrices() *memPrices {
	return &memPrices{prices: map[string]float64{}, times: map[string]time.Time{}}
}

func (m *memPrices) SetPrice(_ context.Context, symbol string, price float64, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
	m.times[symbol] = ts
	return nil
}

func (m *memPrices) GetPrice(_ context.Context, symbol string) (float64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[symbol]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, m.times[symbol], nil
}

func (m *memPrices) GetPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	out := map[string]float64{}
	for _, s := range symbols {
		if p, _, err := m.GetPrice(ctx, s); err == nil {
			out[s] = p
		}
	}
	return out, nil
}

type failingMarks struct{}

func (failingMarks) Marks(context.Context, []string) (map[string]float64, error) {
	return nil, errors.New("feed down")
}

func TestPriceServiceWritesThroughAndFallsBack(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	cache := newMemPrices()

	live := NewPriceService(fakeMarks{"BTC": 100, "BAD": -1}, cache, testLogger()).WithClock(clock.Now)
	marks, err := live.Marks(ctx, []string{"BTC", "BAD", "NONE"})
	if err != nil {
		t.Fatal(err)
	}
	if len(marks) != 1 || marks["BTC"] != 100 {
		t.Fatalf("marks = %v, want only BTC", marks)
	}
	if p, _, err := cache.GetPrice(ctx, "BTC"); err != nil || p != 100 {
		t.Fatalf("cache = %v %v", p, err)
	}

	down := NewPriceService(failingMarks{}, cache, testLogger()).
		WithLimits(time.Second, time.Minute).
		WithClock(clock.Now)
	clock.Advance(30 * time.Second)
	if p, err := down.Mark(ctx, "BTC"); err != nil || p != 100 {
		t.Fatalf("fallback mark = %v %v, want cached 100", p, err)
	}

	clock.Advance(time.Minute)
	if _, err := down.Mark(ctx, "BTC"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("old cached mark used: %v", err)
	}
}
