package nonce

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/posengine/internal/domain"
	"github.com/alanyoungcy/posengine/internal/retry"
)

type memStore struct {
	mu      sync.Mutex
	values  map[string]uint64
	loadErr error
	saveErr error
	saves   int
}

func newMemStore() *memStore {
	return &memStore{values: make(map[string]uint64)}
}

func (m *memStore) Load(_ context.Context, credential string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return 0, m.loadErr
	}
	v, ok := m.values[credential]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return v, nil
}

func (m *memStore) Save(_ context.Context, credential string, value uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.values[credential] = value
	return nil
}

func (m *memStore) get(credential string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[credential]
}

func testConfig() Config {
	return Config{
		SafetyMargin: time.Second,
		StaleJump:    time.Minute,
		Retry:        retry.Policy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestSeedFromClockPlusMargin(t *testing.T) {
	store := newMemStore()
	g := New("acct", store, testConfig(), discard(), WithClock(fixedClock(epoch)))

	tok, err := g.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := uint64(epoch.Add(time.Second).UnixMicro()) + 1
	if tok != want {
		t.Errorf("first token = %d, want %d", tok, want)
	}
	if got := store.get("acct"); got != tok {
		t.Errorf("persisted = %d, want %d", got, tok)
	}
}

func TestSeedFromPersistedWhenAhead(t *testing.T) {
	store := newMemStore()
	ahead := uint64(epoch.Add(time.Hour).UnixMicro())
	store.values["acct"] = ahead
	g := New("acct", store, testConfig(), discard(), WithClock(fixedClock(epoch)))

	tok, err := g.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if tok != ahead+1 {
		t.Errorf("token = %d, want %d", tok, ahead+1)
	}
}

func TestConcurrentTokensStrictlyIncreasing(t *testing.T) {
	store := newMemStore()
	g := New("acct", store, testConfig(), discard())

	const workers, perWorker = 16, 50
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		all []uint64
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var prev uint64
			for i := 0; i < perWorker; i++ {
				tok, err := g.Next(context.Background())
				if err != nil {
					t.Errorf("Next: %v", err)
					return
				}
				if tok <= prev {
					t.Errorf("token %d not above previous %d", tok, prev)
				}
				prev = tok
				mu.Lock()
				all = append(all, tok)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(all) != workers*perWorker {
		t.Fatalf("got %d tokens, want %d", len(all), workers*perWorker)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	for i := 1; i < len(all); i++ {
		if all[i] == all[i-1] {
			t.Fatalf("duplicate token %d", all[i])
		}
	}
	if got := store.get("acct"); got != all[len(all)-1] {
		t.Errorf("persisted = %d, want highest issued %d", got, all[len(all)-1])
	}
}

func TestRestartWithClockBehindKeepsIncreasing(t *testing.T) {
	store := newMemStore()
	first := New("acct", store, testConfig(), discard(), WithClock(fixedClock(epoch)))
	var last uint64
	for i := 0; i < 10; i++ {
		tok, err := first.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		last = tok
	}

	// The restarted process sees a clock an hour in the past.
	second := New("acct", store, testConfig(), discard(), WithClock(fixedClock(epoch.Add(-time.Hour))))
	tok, err := second.Next(context.Background())
	if err != nil {
		t.Fatalf("Next after restart: %v", err)
	}
	if tok <= last {
		t.Errorf("token after restart = %d, want > %d", tok, last)
	}
}

func TestCorruptStateReseeds(t *testing.T) {
	store := newMemStore()
	store.loadErr = domain.ErrCorruptState
	g := New("acct", store, testConfig(), discard(), WithClock(fixedClock(epoch)))

	tok, err := g.Next(context.Background())
	if err != nil {
		t.Fatalf("Next with corrupt state: %v", err)
	}
	if floor := uint64(epoch.Add(time.Second).UnixMicro()); tok <= floor {
		t.Errorf("token = %d, want > %d", tok, floor)
	}
}

func TestJumpAdvancesPastReplayWindow(t *testing.T) {
	store := newMemStore()
	g := New("acct", store, testConfig(), discard(), WithClock(fixedClock(epoch)))

	before, err := g.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if err := g.Jump(context.Background()); err != nil {
		t.Fatalf("Jump: %v", err)
	}
	after, err := g.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if gap := after - before; gap <= uint64(time.Minute/time.Microsecond) {
		t.Errorf("gap after jump = %d, want > %d", gap, uint64(time.Minute/time.Microsecond))
	}
}

func TestPersistFailureWithholdsToken(t *testing.T) {
	store := newMemStore()
	g := New("acct", store, testConfig(), discard(), WithClock(fixedClock(epoch)))
	first, err := g.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	store.mu.Lock()
	store.saveErr = errors.New("disk full")
	store.mu.Unlock()
	if _, err := g.Next(context.Background()); err == nil {
		t.Fatal("Next succeeded although persistence failed")
	}

	store.mu.Lock()
	store.saveErr = nil
	store.mu.Unlock()
	next, err := g.Next(context.Background())
	if err != nil {
		t.Fatalf("Next after recovery: %v", err)
	}
	if next <= first+1 {
		t.Errorf("token after failed persist = %d, want > %d", next, first+1)
	}
}

func TestRegistrySharesGeneratorPerCredential(t *testing.T) {
	reg := NewRegistry(newMemStore(), testConfig(), discard())
	a, b, c := reg.For("shared"), reg.For("shared"), reg.For("other")
	if a != b {
		t.Error("scopes sharing a credential got different generators")
	}
	if a == c {
		t.Error("distinct credentials share a generator")
	}
}
