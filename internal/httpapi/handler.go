package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/rseata/api"
	"pkt.systems/rseata/internal/atcore"
	"pkt.systems/rseata/internal/clock"
	"pkt.systems/rseata/internal/correlation"
	"pkt.systems/rseata/internal/event"
	"pkt.systems/rseata/internal/loggingutil"
	"pkt.systems/rseata/internal/tcrm"
	"pkt.systems/rseata/internal/txncoord"
)

const headerCorrelationID = "X-Correlation-Id"
const headerShutdownImminent = "Shutdown-Imminent"
const contentTypeNDJSON = "application/x-ndjson"

// DefaultJSONMaxBytes caps request bodies when Config.JSONMaxBytes is unset.
const DefaultJSONMaxBytes = 1 << 20

// DefaultHeartbeat is the ping interval on resource instruction streams.
const DefaultHeartbeat = 15 * time.Second

// Handler wires HTTP endpoints to the coordinator.
type Handler struct {
	coord              *txncoord.Coordinator
	at                 *atcore.Core
	registry           *tcrm.Registry
	audit              *event.Audit
	logger             pslog.Logger
	clock              clock.Clock
	tracer             trace.Tracer
	jsonMaxBytes       int64
	heartbeat          time.Duration
	shutdownState      func() ShutdownState
	readiness          func(context.Context) error
	httpTracingEnabled bool
}

// ShutdownState reports whether the server is draining.
type ShutdownState struct {
	Draining  bool
	Remaining time.Duration
	Notify    bool
}

// Config wires a Handler.
type Config struct {
	Coordinator *txncoord.Coordinator
	AT          *atcore.Core
	Registry    *tcrm.Registry
	// Audit backs GET /v1/audit. Nil serves an empty list.
	Audit  *event.Audit
	Logger pslog.Logger
	Clock  clock.Clock

	JSONMaxBytes int64
	// Heartbeat is the ping interval on instruction streams.
	Heartbeat time.Duration
	// ShutdownState lets the server announce a drain to clients.
	ShutdownState func() ShutdownState
	// Readiness gates /readyz. Nil is always ready.
	Readiness          func(context.Context) error
	DisableHTTPTracing bool
}

// New constructs a Handler using the supplied configuration.
func New(cfg Config) (*Handler, error) {
	if cfg.Coordinator == nil {
		return nil, errors.New("httpapi: coordinator required")
	}
	if cfg.AT == nil {
		return nil, errors.New("httpapi: AT core required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("httpapi: resource registry required")
	}
	maxBytes := cfg.JSONMaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultJSONMaxBytes
	}
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Handler{
		coord:              cfg.Coordinator,
		at:                 cfg.AT,
		registry:           cfg.Registry,
		audit:              cfg.Audit,
		logger:             loggingutil.EnsureLogger(cfg.Logger),
		clock:              clock.Ensure(cfg.Clock),
		tracer:             otel.Tracer("pkt.systems/rseata/httpapi"),
		jsonMaxBytes:       maxBytes,
		heartbeat:          heartbeat,
		shutdownState:      cfg.ShutdownState,
		readiness:          cfg.Readiness,
		httpTracingEnabled: !cfg.DisableHTTPTracing,
	}, nil
}

// Register mounts every endpoint on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/v1/tm/begin", h.wrap("tm.begin", h.handleBegin))
	mux.Handle("/v1/tm/commit", h.wrap("tm.commit", h.handleCommit))
	mux.Handle("/v1/tm/rollback", h.wrap("tm.rollback", h.handleRollback))
	mux.Handle("/v1/tm/status", h.wrap("tm.status", h.handleStatus))
	mux.Handle("/v1/tm/report", h.wrap("tm.report", h.handleGlobalReport))
	mux.Handle("/v1/rm/branch/register", h.wrap("rm.branch.register", h.handleBranchRegister))
	mux.Handle("/v1/rm/branch/report", h.wrap("rm.branch.report", h.handleBranchReport))
	mux.Handle("/v1/rm/lock/query", h.wrap("rm.lock.query", h.handleLockQuery))
	mux.Handle("/v1/rm/resource/register", h.wrap("rm.resource.register", h.handleResourceRegister))
	mux.Handle("/v1/rm/resource/list", h.wrap("rm.resource.list", h.handleResourceList))
	mux.Handle("/v1/audit", h.wrap("audit", h.handleAudit))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("/readyz", h.wrap("readyz", h.handleReady))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) currentShutdownState() ShutdownState {
	if h.shutdownState == nil {
		return ShutdownState{}
	}
	return h.shutdownState()
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	httpSpanName := "rseata.http." + operation
	txSpanName := "rseata.tc." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := correlation.NewID()
		instrument := h.httpTracingEnabled
		var span trace.Span
		if instrument {
			ctx, span = h.tracer.Start(ctx, txSpanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(attribute.String("rseata.sys", sys)),
			)
			span.SetAttributes(
				attribute.String("rseata.operation", operation),
				attribute.String("rseata.route", r.URL.Path),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		logger := loggingutil.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)

		if corr := strings.TrimSpace(r.Header.Get(headerCorrelationID)); corr != "" {
			if normalized, ok := correlation.Normalize(corr); ok {
				ctx = correlation.Set(ctx, normalized)
			}
		}
		if !correlation.Has(ctx) {
			ctx = correlation.Set(ctx, correlation.Generate())
		}
		ctx, logger = applyCorrelation(ctx, logger, span)
		r = r.WithContext(ctx)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		if state := h.currentShutdownState(); state.Draining && state.Notify {
			w.Header().Set(headerShutdownImminent, "true")
		}
		if corr := correlation.ID(ctx); corr != "" {
			w.Header().Set(headerCorrelationID, corr)
		}

		result := "ok"
		status := codes.Ok
		statusMsg := ""
		defer func() {
			if instrument {
				span.SetStatus(status, statusMsg)
				span.AddEvent("rseata.tc.end", trace.WithAttributes(
					attribute.String("rseata.result", result),
					attribute.Int64("rseata.duration_ms", time.Since(start).Milliseconds()),
				))
			}
		}()

		if err := fn(w, r); err != nil {
			result = "error"
			status = codes.Error
			statusMsg = "handler_error"
			if errors.Is(err, context.Canceled) {
				result = "context"
				statusMsg = "context_canceled"
				logger.Trace("http.request.canceled", "elapsed", time.Since(start))
				return
			}
			if instrument {
				span.RecordError(err)
			}
			err = convertCoreError(err)
			var httpErr httpError
			if errors.As(err, &httpErr) && instrument {
				span.SetAttributes(
					attribute.String("rseata.error_code", httpErr.Code),
					attribute.Int("rseata.error_status", httpErr.Status),
				)
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
			"retry_after", httpErr.RetryAfter,
		)
		resp := api.ErrorResponse{
			ErrorCode:         httpErr.Code,
			Detail:            httpErr.Detail,
			RetryAfterSeconds: httpErr.RetryAfter,
		}
		headers := map[string]string{}
		if httpErr.RetryAfter > 0 {
			headers["Retry-After"] = strconv.FormatInt(httpErr.RetryAfter, 10)
		}
		h.writeJSON(w, httpErr.Status, resp, headers)
		return
	}
	logger.Error("http.request.internal_error", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		ErrorCode: "internal_error",
		Detail:    "internal server error",
	}, nil)
}

type httpError struct {
	Status     int
	Code       string
	Detail     string
	RetryAfter int64
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}
