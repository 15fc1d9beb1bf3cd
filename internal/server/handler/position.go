package handler

import (
	"net/http"

	"github.com/alanyoungcy/posengine/internal/service"
)

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Scope     string                 `json:"scope"`
	Positions []service.PositionView `json:"positions"`
}

// ListPositions returns every open position of a scope, ordered by symbol.
// GET /api/scopes/{id}/positions
func (h *ScopeHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	snap := s.Ledger.Snapshot()
	out := make([]service.PositionView, 0, len(snap))
	for _, p := range snap {
		out = append(out, service.NewPositionView(p))
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Scope: s.ID, Positions: out})
}
