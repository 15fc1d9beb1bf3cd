package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/posengine/internal/domain"
	"github.com/alanyoungcy/posengine/internal/service"
)

// listExecutionsResponse wraps the execution history response.
type listExecutionsResponse struct {
	Scope      string              `json:"scope"`
	Executions []service.OrderView `json:"executions"`
}

// ListExecutions returns terminal order records, newest first.
// GET /api/scopes/{id}/executions?limit=50&offset=0&since=...&until=...
func (h *ScopeHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if s.Executions == nil {
		writeError(w, http.StatusNotImplemented, "execution history not configured")
		return
	}

	orders, err := s.Executions.List(r.Context(), s.ID, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list executions failed",
			slog.String("scope", s.ID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	out := make([]service.OrderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, service.NewOrderView(o))
	}
	writeJSON(w, http.StatusOK, listExecutionsResponse{Scope: s.ID, Executions: out})
}

type eventEntry struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

// ListEvents reads the scope's recent event stream. Pass the last seen id as
// after to page forward.
// GET /api/scopes/{id}/events?after=0&count=100
func (h *ScopeHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if s.Events == nil {
		writeError(w, http.StatusNotImplemented, "event stream not configured")
		return
	}

	q := r.URL.Query()
	after := q.Get("after")
	if after == "" {
		after = "0"
	}
	count := 100
	if v := q.Get("count"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			count = n
		}
	}

	msgs, err := s.Events.StreamRead(r.Context(), domain.EventStream(s.ID), after, count)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: read events failed",
			slog.String("scope", s.ID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}

	out := make([]eventEntry, 0, len(msgs))
	for _, m := range msgs {
		if !json.Valid(m.Payload) {
			continue
		}
		out = append(out, eventEntry{ID: m.ID, Event: m.Payload})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scope":  s.ID,
		"events": out,
	})
}
