package httpapi

import (
	"net/http"

	"pkt.systems/pslog"

	"pkt.systems/rseata/api"
	"pkt.systems/rseata/internal/txn"
	"pkt.systems/rseata/internal/txncoord"
)

// handleBegin godoc
// @Summary      Begin a global transaction
// @Tags         tm
// @Accept       json
// @Produce      json
// @Param        request  body      api.BeginRequest  true  "Transaction attributes"
// @Success      200      {object}  api.BeginResponse
// @Failure      400      {object}  api.ErrorResponse
// @Router       /v1/tm/begin [post]
func (h *Handler) handleBegin(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, http.MethodPost); err != nil {
		return err
	}
	var req api.BeginRequest
	if err := h.decodeRequest(w, r, &req); err != nil {
		return err
	}
	g, err := h.coord.Begin(r.Context(), txncoord.BeginRequest{
		ApplicationID:           req.ApplicationID,
		TransactionServiceGroup: req.TransactionServiceGroup,
		TransactionName:         req.TransactionName,
		TimeoutMillis:           req.TimeoutMillis,
	})
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.BeginResponse{
		BaseResponse:  api.OK(),
		Xid:           g.Xid,
		TransactionID: g.TransactionID,
	}, nil)
	return nil
}

// handleCommit godoc
// @Summary      Commit a global transaction
// @Description  Drives the transaction towards Committed. The returned status is the outcome; Committing means phase one is still pending on some branch.
// @Tags         tm
// @Accept       json
// @Produce      json
// @Param        request  body      api.GlobalRequest  true  "Transaction id"
// @Success      200      {object}  api.GlobalStatusResponse
// @Failure      404      {object}  api.ErrorResponse
// @Router       /v1/tm/commit [post]
func (h *Handler) handleCommit(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, http.MethodPost); err != nil {
		return err
	}
	var req api.GlobalRequest
	if err := h.decodeRequest(w, r, &req); err != nil {
		return err
	}
	xid, err := requireXid(r.Context(), req.Xid)
	if err != nil {
		return err
	}
	status, err := h.coord.Commit(r.Context(), xid)
	if err != nil {
		return err
	}
	h.writeStatus(w, xid, status)
	return nil
}

// handleRollback godoc
// @Summary      Roll back a global transaction
// @Tags         tm
// @Accept       json
// @Produce      json
// @Param        request  body      api.GlobalRequest  true  "Transaction id"
// @Success      200      {object}  api.GlobalStatusResponse
// @Failure      404      {object}  api.ErrorResponse
// @Router       /v1/tm/rollback [post]
func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, http.MethodPost); err != nil {
		return err
	}
	var req api.GlobalRequest
	if err := h.decodeRequest(w, r, &req); err != nil {
		return err
	}
	xid, err := requireXid(r.Context(), req.Xid)
	if err != nil {
		return err
	}
	status, err := h.coord.Rollback(r.Context(), xid)
	if err != nil {
		return err
	}
	h.writeStatus(w, xid, status)
	return nil
}

// handleStatus godoc
// @Summary      Read the status of a global transaction
// @Description  Live sessions are read from the session store; retired ones from the archive.
// @Tags         tm
// @Produce      json
// @Param        xid  query     string  false  "Transaction id (GET)"
// @Success      200  {object}  api.GlobalStatusResponse
// @Failure      404  {object}  api.ErrorResponse
// @Router       /v1/tm/status [get]
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, http.MethodGet, http.MethodPost); err != nil {
		return err
	}
	var req api.GlobalRequest
	if r.Method == http.MethodGet {
		req.Xid = r.URL.Query().Get("xid")
	} else if err := h.decodeRequest(w, r, &req); err != nil {
		return err
	}
	xid, err := requireXid(r.Context(), req.Xid)
	if err != nil {
		return err
	}
	status, err := h.coord.GetStatus(r.Context(), xid)
	if err != nil {
		return err
	}
	h.writeStatus(w, xid, status)
	return nil
}

// handleGlobalReport godoc
// @Summary      Report an externally decided global outcome
// @Tags         tm
// @Accept       json
// @Produce      json
// @Param        request  body      api.GlobalReportRequest  true  "Reported status"
// @Success      200      {object}  api.GlobalStatusResponse
// @Failure      400      {object}  api.ErrorResponse
// @Router       /v1/tm/report [post]
func (h *Handler) handleGlobalReport(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, http.MethodPost); err != nil {
		return err
	}
	var req api.GlobalReportRequest
	if err := h.decodeRequest(w, r, &req); err != nil {
		return err
	}
	xid, err := requireXid(r.Context(), req.Xid)
	if err != nil {
		return err
	}
	reported := txn.GlobalStatusFromCode(req.GlobalStatus)
	status, err := h.coord.GlobalReport(r.Context(), xid, reported)
	if err != nil {
		return err
	}
	pslog.LoggerFromContext(r.Context()).Debug("tm.report", "xid", xid, "reported", reported.String(), "status", status.String())
	h.writeStatus(w, xid, status)
	return nil
}

func (h *Handler) writeStatus(w http.ResponseWriter, xid string, status txn.GlobalStatus) {
	h.writeJSON(w, http.StatusOK, api.GlobalStatusResponse{
		BaseResponse: api.OK(),
		Xid:          xid,
		GlobalStatus: status.Code(),
		StatusName:   status.String(),
	}, nil)
}
