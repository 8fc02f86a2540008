package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/rseata/api"
	"pkt.systems/rseata/internal/atcore"
	"pkt.systems/rseata/internal/tcrm"
	"pkt.systems/rseata/internal/txn"
)

// handleBranchRegister godoc
// @Summary      Register a branch
// @Description  Enlists a branch in a global transaction in Begin. With lock-on-register enabled the lock key is acquired first and a conflict rejects the branch.
// @Tags         rm
// @Accept       json
// @Produce      json
// @Param        request  body      api.BranchRegisterRequest  true  "Branch attributes"
// @Success      200      {object}  api.BranchRegisterResponse
// @Failure      404      {object}  api.ErrorResponse
// @Failure      409      {object}  api.ErrorResponse
// @Router       /v1/rm/branch/register [post]
func (h *Handler) handleBranchRegister(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, http.MethodPost); err != nil {
		return err
	}
	var req api.BranchRegisterRequest
	if err := h.decodeRequest(w, r, &req); err != nil {
		return err
	}
	xid, err := requireXid(r.Context(), req.Xid)
	if err != nil {
		return err
	}
	branchID, err := h.at.BranchRegister(r.Context(), atcore.RegisterRequest{
		Xid:             xid,
		BranchType:      txn.BranchTypeFromCode(req.BranchType),
		ResourceGroupID: req.ResourceGroupID,
		ResourceID:      req.ResourceID,
		ClientID:        req.ClientID,
		LockKey:         req.LockKey,
		ApplicationData: req.ApplicationData,
	})
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.BranchRegisterResponse{BaseResponse: api.OK(), BranchID: branchID}, nil)
	return nil
}

// handleBranchReport godoc
// @Summary      Report a branch status
// @Tags         rm
// @Accept       json
// @Produce      json
// @Param        request  body      api.BranchReportRequest  true  "Branch status"
// @Success      200      {object}  api.BranchReportResponse
// @Failure      404      {object}  api.ErrorResponse
// @Router       /v1/rm/branch/report [post]
func (h *Handler) handleBranchReport(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, http.MethodPost); err != nil {
		return err
	}
	var req api.BranchReportRequest
	if err := h.decodeRequest(w, r, &req); err != nil {
		return err
	}
	xid, err := requireXid(r.Context(), req.Xid)
	if err != nil {
		return err
	}
	if err := h.at.BranchReport(r.Context(), atcore.ReportRequest{
		Xid:             xid,
		BranchID:        req.BranchID,
		Status:          txn.BranchStatusFromCode(req.Status),
		ApplicationData: req.ApplicationData,
	}); err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.BranchReportResponse{BaseResponse: api.OK()}, nil)
	return nil
}

// handleLockQuery godoc
// @Summary      Check whether rows are lockable
// @Tags         rm
// @Accept       json
// @Produce      json
// @Param        request  body      api.LockQueryRequest  true  "Rows to check"
// @Success      200      {object}  api.LockQueryResponse
// @Failure      404      {object}  api.ErrorResponse
// @Router       /v1/rm/lock/query [post]
func (h *Handler) handleLockQuery(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, http.MethodPost); err != nil {
		return err
	}
	var req api.LockQueryRequest
	if err := h.decodeRequest(w, r, &req); err != nil {
		return err
	}
	xid, err := requireXid(r.Context(), req.Xid)
	if err != nil {
		return err
	}
	lockable, err := h.at.LockQuery(r.Context(), atcore.LockQueryRequest{
		Xid:        xid,
		ResourceID: req.ResourceID,
		LockKey:    req.LockKey,
	})
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.LockQueryResponse{BaseResponse: api.OK(), Lockable: lockable}, nil)
	return nil
}

// handleResourceRegister godoc
// @Summary      Open a resource instruction stream
// @Description  Reads one resource announcement and streams NDJSON instructions (commit, rollback, ping) until either side disconnects. A newer stream for the same resource and client replaces this one.
// @Tags         rm
// @Accept       json
// @Produce      application/x-ndjson
// @Param        request  body      api.ResourceAnnouncement  true  "Resource identity"
// @Success      200      {object}  api.Instruction
// @Failure      400      {object}  api.ErrorResponse
// @Failure      503      {object}  api.ErrorResponse
// @Router       /v1/rm/resource/register [post]
func (h *Handler) handleResourceRegister(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, http.MethodPost); err != nil {
		return err
	}
	var ann api.ResourceAnnouncement
	if err := h.decodeRequest(w, r, &ann); err != nil {
		return err
	}
	if state := h.currentShutdownState(); state.Draining {
		return httpError{
			Status:     http.StatusServiceUnavailable,
			Code:       "shutdown_draining",
			Detail:     "coordinator is shutting down",
			RetryAfter: 1,
		}
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		return httpError{Status: http.StatusInternalServerError, Code: "streaming_unsupported", Detail: "streaming not supported by response writer"}
	}
	conn, err := h.registry.Register(tcrm.Resource{
		GroupID:    strings.TrimSpace(ann.ResourceGroupID),
		ResourceID: ann.ResourceID,
		ClientID:   ann.ClientID,
		BranchType: txn.BranchTypeFromCode(ann.BranchType),
	})
	if err != nil {
		return err
	}
	defer h.registry.Unregister(conn)

	ctx := r.Context()
	logger := pslog.LoggerFromContext(ctx).With(
		"resource_id", conn.Resource.ResourceID,
		"client_id", conn.Resource.ClientID,
		"connection", conn.ID,
	)
	w.Header().Set("Content-Type", contentTypeNDJSON)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	write := func(ins api.Instruction) error {
		if err := enc.Encode(ins); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	ping := api.Instruction{Type: api.InstructionPing, ConnectionID: conn.ID}
	if err := write(ping); err != nil {
		logger.Debug("rm.stream.write_failed", "error", err)
		return nil
	}
	logger.Info("rm.stream.connect", "remote_addr", r.RemoteAddr)

	delivered := 0
	reason := "client"
	defer func() {
		logger.Info("rm.stream.disconnect", "reason", reason, "delivered", delivered)
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-conn.Done():
			reason = "evicted"
			return nil
		case ins := <-conn.Instructions():
			ins.ConnectionID = conn.ID
			if err := write(ins); err != nil {
				reason = "write_error"
				logger.Warn("rm.stream.write_failed", "xid", ins.Xid, "branch_id", ins.BranchID, "error", err)
				return nil
			}
			delivered++
			logger.Debug("rm.stream.instruction", "type", string(ins.Type), "xid", ins.Xid, "branch_id", ins.BranchID)
		case <-h.clock.After(h.heartbeat):
			if err := write(ping); err != nil {
				reason = "write_error"
				return nil
			}
		}
	}
}

// handleResourceList godoc
// @Summary      List connected resource managers
// @Tags         rm
// @Produce      json
// @Success      200  {object}  api.ResourceListResponse
// @Router       /v1/rm/resource/list [get]
func (h *Handler) handleResourceList(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, http.MethodGet); err != nil {
		return err
	}
	infos := h.registry.List()
	resp := api.ResourceListResponse{BaseResponse: api.OK(), Resources: make([]api.ResourceInfo, 0, len(infos))}
	for _, info := range infos {
		resp.Resources = append(resp.Resources, api.ResourceInfo{
			ConnectionID:    info.ID,
			ResourceGroupID: info.Resource.GroupID,
			ResourceID:      info.Resource.ResourceID,
			ClientID:        info.Resource.ClientID,
			BranchType:      info.Resource.BranchType.Code(),
			ConnectedAt:     info.ConnectedAt,
			Queued:          info.Queued,
		})
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}
