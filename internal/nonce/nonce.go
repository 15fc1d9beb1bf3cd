// Package nonce issues strictly increasing idempotency tokens per venue
// credential. A token is persisted before it is handed out, so a restart
// never reissues a value the venue may already have seen.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/posengine/internal/domain"
	"github.com/alanyoungcy/posengine/internal/retry"
)

// Config controls seeding and recovery. Tokens are microsecond-scaled so
// that a clock-seeded value stays ahead of anything issued before a restart.
type Config struct {
	// SafetyMargin is added to the wall clock when seeding.
	SafetyMargin time.Duration
	// StaleJump is how far the counter advances after the venue rejects a
	// token as already used or out of window.
	StaleJump time.Duration
	// LockTTL bounds the cross-process lock, when one is configured.
	LockTTL time.Duration
	Retry   retry.Policy
}

// DefaultConfig returns the defaults used when the config file omits them.
func DefaultConfig() Config {
	return Config{
		SafetyMargin: time.Second,
		StaleJump:    time.Minute,
		LockTTL:      5 * time.Second,
		Retry:        retry.Default(),
	}
}

// Observer receives token lifecycle notifications (metrics).
type Observer interface {
	TokenJumped(credential string)
	TokenReseeded(credential string)
}

// Option customises a Generator.
type Option func(*Generator)

// WithLock guards read-increment-persist with a distributed lock so several
// processes sharing one credential stay ordered.
func WithLock(lm domain.LockManager) Option {
	return func(g *Generator) { g.lock = lm }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithObserver attaches an Observer.
func WithObserver(o Observer) Option {
	return func(g *Generator) { g.observer = o }
}

// Generator is the per-credential token counter. It is safe for concurrent
// use; all scopes sharing the credential share one Generator.
type Generator struct {
	credential string
	store      domain.TokenStore
	lock       domain.LockManager
	observer   Observer
	cfg        Config
	now        func() time.Time
	logger     *slog.Logger

	mu     sync.Mutex
	last   uint64
	seeded bool
}

// New creates a Generator for credential backed by store.
func New(credential string, store domain.TokenStore, cfg Config, logger *slog.Logger, opts ...Option) *Generator {
	g := &Generator{
		credential: credential,
		store:      store,
		cfg:        cfg,
		now:        time.Now,
		logger: logger.With(
			slog.String("component", "nonce"),
			slog.String("credential", credential),
		),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Credential returns the credential this generator serves.
func (g *Generator) Credential() string { return g.credential }

// Next returns a token strictly greater than every token previously issued
// for this credential, including before a restart.
func (g *Generator) Next(ctx context.Context) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	unlock, err := g.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()

	g.seedLocked(ctx)

	candidate := g.last + 1
	if clock := g.clockValue(0); clock > candidate {
		candidate = clock
	}
	if err := g.persistLocked(ctx, candidate); err != nil {
		return 0, err
	}
	return candidate, nil
}

// Jump advances the counter by StaleJump. Call it when the venue rejects a
// token as stale; the next token will clear the venue's replay window.
func (g *Generator) Jump(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	unlock, err := g.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	g.seedLocked(ctx)

	next := g.last + uint64(g.cfg.StaleJump/time.Microsecond)
	if err := g.persistLocked(ctx, next); err != nil {
		return err
	}
	g.logger.WarnContext(ctx, "nonce: counter jumped after stale token rejection",
		slog.Uint64("token", next),
		slog.Duration("jump", g.cfg.StaleJump),
	)
	if g.observer != nil {
		g.observer.TokenJumped(g.credential)
	}
	return nil
}

// Last returns the most recently issued token, or zero before first use.
func (g *Generator) Last() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

func (g *Generator) acquire(ctx context.Context) (func(), error) {
	if g.lock == nil {
		return func() {}, nil
	}
	unlock, err := g.lock.Acquire(ctx, "nonce:"+g.credential, g.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("nonce: acquire lock: %w", err)
	}
	// Another process may have advanced the counter while we waited.
	g.seeded = false
	return unlock, nil
}

// seedLocked loads the persisted counter once. Unreadable state never fails
// closed: the counter reseeds from the clock plus the safety margin.
func (g *Generator) seedLocked(ctx context.Context) {
	if g.seeded {
		return
	}

	var persisted uint64
	err := g.cfg.Retry.Do(ctx, func(ctx context.Context, _ int) error {
		v, err := g.store.Load(ctx, g.credential)
		switch {
		case err == nil:
			persisted = v
			return nil
		case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrCorruptState):
			return retry.Permanent(err)
		default:
			return err
		}
	})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		g.logger.InfoContext(ctx, "nonce: no persisted counter, seeding from clock")
	default:
		g.logger.WarnContext(ctx, "nonce: persisted counter unreadable, reseeding from clock",
			slog.String("error", err.Error()),
		)
		if g.observer != nil {
			g.observer.TokenReseeded(g.credential)
		}
	}

	seed := g.clockValue(g.cfg.SafetyMargin)
	if persisted > seed {
		seed = persisted
	}
	if seed > g.last {
		g.last = seed
	}
	g.seeded = true
}

// persistLocked saves value and only then records it as issued. On failure
// the in-memory counter is untouched and the next call reloads from the
// store, since a failed write may still have landed.
func (g *Generator) persistLocked(ctx context.Context, value uint64) error {
	err := g.cfg.Retry.Do(ctx, func(ctx context.Context, _ int) error {
		return g.store.Save(ctx, g.credential, value)
	})
	if err != nil {
		g.seeded = false
		if value > g.last {
			// Never reissue a value that may have reached the store.
			g.last = value
		}
		return fmt.Errorf("nonce: persist token %d: %w", value, err)
	}
	g.last = value
	return nil
}

func (g *Generator) clockValue(margin time.Duration) uint64 {
	us := g.now().Add(margin).UnixMicro()
	if us < 0 {
		return 0
	}
	return uint64(us)
}

// Registry hands out one Generator per credential.
type Registry struct {
	store  domain.TokenStore
	cfg    Config
	logger *slog.Logger
	opts   []Option

	mu   sync.Mutex
	gens map[string]*Generator
}

// NewRegistry creates a Registry whose generators share store and options.
func NewRegistry(store domain.TokenStore, cfg Config, logger *slog.Logger, opts ...Option) *Registry {
	return &Registry{
		store:  store,
		cfg:    cfg,
		logger: logger,
		opts:   opts,
		gens:   make(map[string]*Generator),
	}
}

// For returns the Generator for credential, creating it on first use.
func (r *Registry) For(credential string) *Generator {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gens[credential]; ok {
		return g
	}
	g := New(credential, r.store, r.cfg, r.logger, r.opts...)
	r.gens[credential] = g
	return g
}
