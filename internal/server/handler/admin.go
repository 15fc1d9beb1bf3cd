package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/posengine/internal/domain"
	"github.com/alanyoungcy/posengine/internal/executor"
	"github.com/alanyoungcy/posengine/internal/service"
	"github.com/google/uuid"
)

type liquidateRequest struct {
	Reason string `json:"reason"`
}

// Reconcile runs one reconciliation pass synchronously and returns its report.
// POST /api/scopes/{id}/reconcile
func (h *ScopeHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if s.Reconciler == nil {
		writeError(w, http.StatusNotImplemented, "reconciliation not configured")
		return
	}
	h.logger.InfoContext(r.Context(), "handler: reconcile requested", slog.String("scope", s.ID))

	report, err := s.Reconciler.Reconcile(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: reconcile failed",
			slog.String("scope", s.ID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "reconcile failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type liquidateResponse struct {
	Scope  string              `json:"scope"`
	Orders []service.OrderView `json:"orders"`
	Error  string              `json:"error,omitempty"`
}

// Liquidate closes every position in the scope. The body may carry a reason.
// Partial failures still return the orders that were sent, with status 502.
// POST /api/scopes/{id}/liquidate
func (h *ScopeHandler) Liquidate(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if s.Reconciler == nil {
		writeError(w, http.StatusNotImplemented, "liquidation not configured")
		return
	}

	var req liquidateRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "api"
	}

	orders, err := s.Reconciler.ForceLiquidateAll(r.Context(), req.Reason)
	if errors.Is(err, domain.ErrInvalidOrder) && len(orders) == 0 {
		writeError(w, http.StatusNotImplemented, "scope cannot submit orders")
		return
	}
	resp := liquidateResponse{Scope: s.ID, Orders: make([]service.OrderView, 0, len(orders))}
	for _, o := range orders {
		resp.Orders = append(resp.Orders, service.NewOrderView(o))
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: liquidate failed",
			slog.String("scope", s.ID),
			slog.String("error", err.Error()),
		)
		resp.Error = err.Error()
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// CancelAll cancels resting orders at the scope's venue.
// POST /api/scopes/{id}/cancel-all
func (h *ScopeHandler) CancelAll(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if s.Reconciler == nil {
		writeError(w, http.StatusNotImplemented, "cancel not configured")
		return
	}

	n, err := s.Reconciler.CancelAllOrders(r.Context())
	if err != nil {
		if errors.Is(err, domain.ErrInvalidOrder) {
			writeError(w, http.StatusNotImplemented, "venue cannot cancel orders")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: cancel all failed",
			slog.String("scope", s.ID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "cancel failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scope":     s.ID,
		"cancelled": n,
	})
}

// SubmitEntry queues an entry proposal for the scope's next tick. The body
// uses the same JSON shape as the entries bus channel.
// POST /api/scopes/{id}/entries
func (h *ScopeHandler) SubmitEntry(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if s.Entries == nil {
		writeError(w, http.StatusConflict, "scope is not trading")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	p, err := executor.DecodeProposal(s.ID, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Source == "" {
		p.Source = "api"
	}
	p.ReceivedAt = h.now()

	if !s.Entries.Propose(p) {
		writeError(w, http.StatusServiceUnavailable, "proposal queue full")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "queued",
		"scope":  s.ID,
		"symbol": p.Symbol,
		"id":     p.ID,
	})
}

// decodeOptional decodes a JSON body into v; an empty body leaves v as is.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
