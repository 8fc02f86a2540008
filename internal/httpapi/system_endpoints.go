package httpapi

import (
	"net/http"
	"strconv"

	"pkt.systems/rseata/api"
	"pkt.systems/rseata/internal/event"
)

// handleAudit godoc
// @Summary      Recent coordinator events
// @Description  Returns the audit ring oldest first. limit keeps only the newest entries.
// @Tags         system
// @Produce      json
// @Param        limit  query     int  false  "Maximum number of events"
// @Success      200    {object}  api.AuditResponse
// @Router       /v1/audit [get]
func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, http.MethodGet); err != nil {
		return err
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return httpError{Status: http.StatusBadRequest, Code: "invalid_limit", Detail: "limit must be a non-negative integer"}
		}
		limit = n
	}
	resp := api.AuditResponse{BaseResponse: api.OK(), Events: []api.AuditEvent{}}
	if h.audit != nil {
		events := h.audit.Snapshot()
		if limit > 0 && len(events) > limit {
			events = events[len(events)-limit:]
		}
		resp.Total = h.audit.Total()
		for _, ev := range events {
			resp.Events = append(resp.Events, auditEvent(ev))
		}
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func auditEvent(ev event.Event) api.AuditEvent {
	return api.AuditEvent{
		ID:             ev.ID,
		Type:           string(ev.Type),
		Time:           ev.Time,
		Xid:            ev.Xid,
		TransactionID:  ev.TransactionID,
		BranchID:       ev.BranchID,
		BranchType:     ev.BranchType.Code(),
		ResourceID:     ev.ResourceID,
		ClientID:       ev.ClientID,
		Status:         ev.Status,
		DurationMillis: ev.Duration.Milliseconds(),
		Error:          ev.Error,
	}
}

// handleHealth godoc
// @Summary      Liveness probe
// @Tags         system
// @Produce      plain
// @Success      200  {string}  string  "OK"
// @Router       /healthz [get]
func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusOK)
	return nil
}

// handleReady godoc
// @Summary      Readiness probe
// @Tags         system
// @Produce      plain
// @Success      200  {string}  string  "Ready"
// @Failure      503  {object}  api.ErrorResponse
// @Router       /readyz [get]
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) error {
	if state := h.currentShutdownState(); state.Draining {
		return httpError{Status: http.StatusServiceUnavailable, Code: "shutdown_draining", Detail: "coordinator is shutting down"}
	}
	if h.readiness != nil {
		if err := h.readiness(r.Context()); err != nil {
			return httpError{Status: http.StatusServiceUnavailable, Code: "not_ready", Detail: err.Error()}
		}
	}
	w.WriteHeader(http.StatusOK)
	return nil
}
