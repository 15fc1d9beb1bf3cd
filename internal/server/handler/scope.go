package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/alanyoungcy/posengine/internal/domain"
	"github.com/alanyoungcy/posengine/internal/service"
)

// Ledger is the read side of a scope's position ledger.
type Ledger interface {
	Snapshot() []domain.Position
}

// BalanceReader exposes the scope's last balance snapshot.
type BalanceReader interface {
	View() domain.BalanceView
}

// Reconciler runs reconciliation and the emergency scripts for a scope.
type Reconciler interface {
	Reconcile(ctx context.Context) (service.Report, error)
	LastReport() service.Report
	ForceLiquidateAll(ctx context.Context, reason string) ([]domain.Order, error)
	CancelAllOrders(ctx context.Context) (int, error)
}

// EntrySink accepts entry proposals. It is nil for scopes that do not trade.
type EntrySink interface {
	Propose(p domain.EntryProposal) bool
	Pending() int
	LastTick() (time.Time, uint64)
}

// EventReader reads a scope's durable event stream.
type EventReader interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
}

// Scope bundles the services the API exposes for one isolated ledger. Every
// field except ID, Venue, Ledger and Balance may be nil.
type Scope struct {
	ID         string
	Venue      string
	Ledger     Ledger
	Balance    BalanceReader
	Reconciler Reconciler
	Entries    EntrySink
	Executions domain.ExecutionStore
	Events     EventReader
}

// ScopeHandler serves the per-scope read API and admin actions.
type ScopeHandler struct {
	scopes map[string]*Scope
	mode   string
	logger *slog.Logger
	now    func() time.Time
}

// NewScopeHandler creates a ScopeHandler over the given scopes.
func NewScopeHandler(mode string, scopes []*Scope, logger *slog.Logger) *ScopeHandler {
	m := make(map[string]*Scope, len(scopes))
	for _, s := range scopes {
		m[s.ID] = s
	}
	return &ScopeHandler{
		scopes: m,
		mode:   mode,
		logger: logHandler(logger, "scope"),
		now:    time.Now,
	}
}

// WithClock replaces the time source.
func (h *ScopeHandler) WithClock(now func() time.Time) *ScopeHandler {
	h.now = now
	return h
}

// lookup resolves {id} or writes a 404.
func (h *ScopeHandler) lookup(w http.ResponseWriter, r *http.Request) (*Scope, bool) {
	id := pathParam(r, "id")
	s, ok := h.scopes[id]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown scope "+id)
		return nil, false
	}
	return s, true
}

type balanceResponse struct {
	TotalEquity            float64    `json:"total_equity"`
	Available              float64    `json:"available"`
	LockedInPositions      float64    `json:"locked_in_positions"`
	CapturedAt             *time.Time `json:"captured_at,omitempty"`
	AgeSeconds             float64    `json:"age_seconds"`
	Stale                  bool       `json:"stale"`
	ExitOnly               bool       `json:"exit_only"`
	ConsecutiveFetchErrors int        `json:"consecutive_fetch_errors"`
}

func newBalanceResponse(v domain.BalanceView) balanceResponse {
	out := balanceResponse{
		TotalEquity:            v.Snapshot.TotalEquity,
		Available:              v.Snapshot.Available,
		LockedInPositions:      v.Snapshot.LockedInPositions,
		AgeSeconds:             v.Age.Seconds(),
		Stale:                  v.Stale,
		ExitOnly:               v.ExitOnly,
		ConsecutiveFetchErrors: v.Snapshot.ConsecutiveFetchErrors,
	}
	if !v.Snapshot.Empty() {
		at := v.Snapshot.CapturedAt
		out.CapturedAt = &at
	}
	return out
}

type scopeSummary struct {
	ID        string  `json:"id"`
	Venue     string  `json:"venue"`
	Positions int     `json:"positions"`
	Trading   bool    `json:"trading"`
	ExitOnly  bool    `json:"exit_only"`
	Stale     bool    `json:"stale"`
	Available float64 `json:"available"`
}

// ListScopes returns a summary row per scope, ordered by id.
// GET /api/scopes
func (h *ScopeHandler) ListScopes(w http.ResponseWriter, r *http.Request) {
	ids := make([]string, 0, len(h.scopes))
	for id := range h.scopes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]scopeSummary, 0, len(ids))
	for _, id := range ids {
		s := h.scopes[id]
		view := s.Balance.View()
		out = append(out, scopeSummary{
			ID:        s.ID,
			Venue:     s.Venue,
			Positions: len(s.Ledger.Snapshot()),
			Trading:   s.Entries != nil,
			ExitOnly:  view.ExitOnly,
			Stale:     view.Stale,
			Available: view.Snapshot.Available,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":   h.mode,
		"scopes": out,
	})
}

// GetBalance returns the last balance snapshot with its age.
// GET /api/scopes/{id}/balance
func (h *ScopeHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newBalanceResponse(s.Balance.View()))
}

type statusResponse struct {
	Scope         string          `json:"scope"`
	Venue         string          `json:"venue"`
	Mode          string          `json:"mode"`
	Positions     int             `json:"positions"`
	Balance       balanceResponse `json:"balance"`
	Pending       int             `json:"pending_proposals"`
	Ticks         uint64          `json:"ticks"`
	LastTick      *time.Time      `json:"last_tick,omitempty"`
	LastReconcile *service.Report `json:"last_reconcile,omitempty"`
	CheckedAt     time.Time       `json:"checked_at"`
}

// GetStatus reports supervisor progress, balance state and the last
// reconciliation pass.
// GET /api/scopes/{id}/status
func (h *ScopeHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	resp := statusResponse{
		Scope:     s.ID,
		Venue:     s.Venue,
		Mode:      h.mode,
		Positions: len(s.Ledger.Snapshot()),
		Balance:   newBalanceResponse(s.Balance.View()),
		CheckedAt: h.now().UTC(),
	}
	if s.Entries != nil {
		resp.Pending = s.Entries.Pending()
		last, ticks := s.Entries.LastTick()
		resp.Ticks = ticks
		if !last.IsZero() {
			resp.LastTick = &last
		}
	}
	if s.Reconciler != nil {
		if rep := s.Reconciler.LastReport(); !rep.StartedAt.IsZero() {
			resp.LastReconcile = &rep
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
