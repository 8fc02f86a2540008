package txncoord

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"pkt.systems/rseata/api"
	"pkt.systems/rseata/internal/txn"
)

type txncoordMetrics struct {
	decideDuration   metric.Int64Histogram
	dispatchDuration metric.Int64Histogram
	dispatchAttempts metric.Int64Counter
	dispatchFailed   metric.Int64Counter
	sweepTimeouts    metric.Int64Counter
}

func newTxncoordMetrics(logger pslog.Logger) *txncoordMetrics {
	meter := otel.Meter("pkt.systems/rseata/txncoord")
	m := &txncoordMetrics{}
	var err error

	m.decideDuration, err = meter.Int64Histogram(
		"rseata.txn.tc.decide.duration_ms",
		metric.WithDescription("Time spent driving a global commit or rollback to its outcome"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "rseata.txn.tc.decide.duration_ms", err)

	m.dispatchDuration, err = meter.Int64Histogram(
		"rseata.txn.dispatch.duration_ms",
		metric.WithDescription("Time spent fanning phase two instructions out to branches"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "rseata.txn.dispatch.duration_ms", err)

	m.dispatchAttempts, err = meter.Int64Counter(
		"rseata.txn.dispatch.attempts",
		metric.WithDescription("Branch instruction attempts"),
	)
	logMetricInitError(logger, "rseata.txn.dispatch.attempts", err)

	m.dispatchFailed, err = meter.Int64Counter(
		"rseata.txn.dispatch.failed",
		metric.WithDescription("Branch instruction failures after retries"),
	)
	logMetricInitError(logger, "rseata.txn.dispatch.failed", err)

	m.sweepTimeouts, err = meter.Int64Counter(
		"rseata.txn.sweep.timeouts",
		metric.WithDescription("Global transactions rolled back by the timeout sweep"),
	)
	logMetricInitError(logger, "rseata.txn.sweep.timeouts", err)

	return m
}

func (m *txncoordMetrics) recordDecide(ctx context.Context, status txn.GlobalStatus, duration time.Duration) {
	if m == nil || m.decideDuration == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := []attribute.KeyValue{attribute.String("rseata.txn.status", status.String())}
	m.decideDuration.Record(ctx, duration.Milliseconds(), metric.WithAttributes(attrs...))
}

func (m *txncoordMetrics) recordDispatch(ctx context.Context, kind api.InstructionType, duration time.Duration, result string) {
	if m == nil || m.dispatchDuration == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := []attribute.KeyValue{
		attribute.String("rseata.txn.instruction", string(kind)),
		attribute.String("rseata.txn.result", result),
	}
	m.dispatchDuration.Record(ctx, duration.Milliseconds(), metric.WithAttributes(attrs...))
}

func (m *txncoordMetrics) recordDispatchAttempt(ctx context.Context, kind api.InstructionType, resourceID string) {
	if m == nil || m.dispatchAttempts == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := []attribute.KeyValue{attribute.String("rseata.txn.instruction", string(kind))}
	if resourceID != "" {
		attrs = append(attrs, attribute.String("rseata.resource_id", resourceID))
	}
	m.dispatchAttempts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *txncoordMetrics) recordDispatchFailure(ctx context.Context, kind api.InstructionType, resourceID, reason string) {
	if m == nil || m.dispatchFailed == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := []attribute.KeyValue{
		attribute.String("rseata.txn.instruction", string(kind)),
		attribute.String("rseata.txn.dispatch_reason", reason),
	}
	if resourceID != "" {
		attrs = append(attrs, attribute.String("rseata.resource_id", resourceID))
	}
	m.dispatchFailed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *txncoordMetrics) recordSweepTimeout(ctx context.Context, status txn.GlobalStatus) {
	if m == nil || m.sweepTimeouts == nil {
		return
	}
	ctx = metricContext(ctx)
	m.sweepTimeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("rseata.txn.status", status.String())))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
