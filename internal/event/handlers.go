package event

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"pkt.systems/rseata/internal/loggingutil"
)

// LogHandler writes every event at debug level, failures at warn.
func LogHandler(logger pslog.Logger) Handler {
	logger = loggingutil.WithSubsystem(logger, "tc.audit")
	return HandlerFunc(func(_ context.Context, ev Event) {
		fields := []any{"id", ev.ID, "xid", ev.Xid}
		if ev.BranchID != 0 {
			fields = append(fields, "branch_id", ev.BranchID)
		}
		if ev.ResourceID != "" {
			fields = append(fields, "resource_id", ev.ResourceID, "client_id", ev.ClientID)
		}
		if ev.Status != "" {
			fields = append(fields, "status", ev.Status)
		}
		if ev.Duration > 0 {
			fields = append(fields, "duration", ev.Duration)
		}
		if ev.Error != "" {
			logger.Warn("event."+string(ev.Type), append(fields, "error", ev.Error)...)
			return
		}
		logger.Debug("event."+string(ev.Type), fields...)
	})
}

type metricsHandler struct {
	events   metric.Int64Counter
	duration metric.Int64Histogram
}

// MetricsHandler counts events by type and records global outcome
// durations.
func MetricsHandler(logger pslog.Logger) Handler {
	meter := otel.Meter("pkt.systems/rseata/event")
	h := &metricsHandler{}
	var err error
	h.events, err = meter.Int64Counter(
		"rseata.events",
		metric.WithDescription("Coordinator lifecycle events"),
	)
	logMetricInitError(logger, "rseata.events", err)
	h.duration, err = meter.Int64Histogram(
		"rseata.global.duration_ms",
		metric.WithDescription("Time from begin to global commit or rollback"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "rseata.global.duration_ms", err)
	return h
}

func (h *metricsHandler) Handle(ctx context.Context, ev Event) {
	attrs := []attribute.KeyValue{attribute.String("rseata.event.type", string(ev.Type))}
	if ev.Status != "" {
		attrs = append(attrs, attribute.String("rseata.status", ev.Status))
	}
	if h.events != nil {
		h.events.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if h.duration != nil && ev.Duration > 0 && (ev.Type == GlobalCommit || ev.Type == GlobalRollback) {
		h.duration.Record(ctx, ev.Duration.Milliseconds(), metric.WithAttributes(attrs...))
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
