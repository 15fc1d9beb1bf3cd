package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/posengine/internal/domain"
	"github.com/alanyoungcy/posengine/internal/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastRetry keeps retrying tests quick.
func fastRetry(attempts int) retry.Policy {
	return retry.Policy{Attempts: attempts, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memLedger is an in-memory LedgerStore whose writes can be made to fail.
type memLedger struct {
	mu       sync.Mutex
	data     map[string][]domain.Position
	failSave error
	failLoad error
	saves    int
}

func newMemLedger() *memLedger {
	return &memLedger{data: make(map[string][]domain.Position)}
}

func (m *memLedger) Load(_ context.Context, scope string) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failLoad != nil {
		return nil, m.failLoad
	}
	return append([]domain.Position(nil), m.data[scope]...), nil
}

func (m *memLedger) Replace(_ context.Context, scope string, positions []domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave != nil {
		return m.failSave
	}
	m.saves++
	m.data[scope] = append([]domain.Position(nil), positions...)
	return nil
}

// memExecutions is an in-memory ExecutionStore.
type memExecutions struct {
	mu      sync.Mutex
	orders  []domain.Order
	failGet error
}

func (m *memExecutions) Append(_ context.Context, o domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !o.Status.Terminal() {
		return fmt.Errorf("append %s: %w", o.Status, domain.ErrInvalidOrder)
	}
	m.orders = append(m.orders, o)
	return nil
}

func (m *memExecutions) FindConfirmed(_ context.Context, scope, intentID string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet != nil {
		return domain.Order{}, m.failGet
	}
	for _, o := range m.orders {
		if o.Scope == scope && o.IntentID == intentID && o.Status == domain.OrderStatusConfirmed {
			return o, nil
		}
	}
	return domain.Order{}, domain.ErrNotFound
}

func (m *memExecutions) List(_ context.Context, scope string, _ domain.ListOpts) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, o := range m.orders {
		if o.Scope == scope {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memExecutions) ListBetween(_ context.Context, from, to time.Time) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, o := range m.orders {
		if !o.CreatedAt.Before(from) && o.CreatedAt.Before(to) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memExecutions) all() []domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Order(nil), m.orders...)
}

// fakeTokens hands out consecutive tokens and counts jumps.
type fakeTokens struct {
	mu    sync.Mutex
	last  uint64
	jumps int
	fail  error
}

func (f *fakeTokens) Next(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return 0, f.fail
	}
	f.last++
	return f.last, nil
}

func (f *fakeTokens) Jump(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jumps++
	f.last += 1_000_000
	return nil
}

// scriptedVenue returns queued submit responses in order and configurable
// balance and holdings answers.
type scriptedVenue struct {
	mu          sync.Mutex
	unsupported map[string]bool
	submits     []submitReply
	requests    []domain.SubmitRequest

	balance      domain.BalanceSnapshot
	balanceErrs  []error // consumed one per call before succeeding
	balanceCalls int

	holdings    []domain.Holding
	holdingsErr error
	cancelled   int

	// When set, the next GetHoldings signals entered and then waits on
	// release before answering.
	holdingsEntered chan struct{}
	holdingsRelease chan struct{}
}

type submitReply struct {
	res domain.SubmitResult
	err error
}

func (v *scriptedVenue) Name() string { return "scripted" }

func (v *scriptedVenue) Supports(symbol string) bool { return !v.unsupported[symbol] }

func (v *scriptedVenue) SubmitOrder(_ context.Context, req domain.SubmitRequest) (domain.SubmitResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.requests = append(v.requests, req)
	if len(v.submits) == 0 {
		return domain.SubmitResult{}, errors.New("no scripted reply")
	}
	r := v.submits[0]
	v.submits = v.submits[1:]
	return r.res, r.err
}

func (v *scriptedVenue) GetBalance(context.Context) (domain.BalanceSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balanceCalls++
	if len(v.balanceErrs) > 0 {
		err := v.balanceErrs[0]
		v.balanceErrs = v.balanceErrs[1:]
		return domain.BalanceSnapshot{}, err
	}
	return v.balance, nil
}

func (v *scriptedVenue) GetHoldings(context.Context) ([]domain.Holding, error) {
	v.mu.Lock()
	entered, release := v.holdingsEntered, v.holdingsRelease
	v.holdingsEntered, v.holdingsRelease = nil, nil
	v.mu.Unlock()
	if entered != nil {
		close(entered)
		<-release
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.holdingsErr != nil {
		return nil, v.holdingsErr
	}
	return append([]domain.Holding(nil), v.holdings...), nil
}

func (v *scriptedVenue) CancelAll(context.Context) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancelled++
	return 3, nil
}

func (v *scriptedVenue) reply(res domain.SubmitResult, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.submits = append(v.submits, submitReply{res: res, err: err})
}

func (v *scriptedVenue) submitted() []domain.SubmitRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]domain.SubmitRequest(nil), v.requests...)
}

type fakeMarks map[string]float64

func (f fakeMarks) Mark(_ context.Context, symbol string) (float64, error) {
	p, ok := f[symbol]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return p, nil
}

func (f fakeMarks) Marks(_ context.Context, symbols []string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, s := range symbols {
		if p, ok := f[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingAlerter) Notify(_ context.Context, event, _, _ string) error {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()
	return nil
}

func (a *recordingAlerter) count(event string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.events {
		if e == event {
			n++
		}
	}
	return n
}

func newLoadedLedger(t interface{ Fatalf(string, ...any) }, store domain.LedgerStore, clock *fakeClock) *PositionService {
	l := NewPositionService("master", store, nil, nil, testLogger()).WithClock(clock.Now)
	if err := l.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return l
}
