package lock

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

const (
	acquireAcquired    = "acquired"
	acquireConflict    = "conflict"
	acquireRollbacking = "rollbacking"
)

type lockMetrics struct {
	acquire  metric.Int64Counter
	released metric.Int64Counter
}

func newLockMetrics(meter metric.Meter, logger pslog.Logger) *lockMetrics {
	m := &lockMetrics{}
	var err error

	m.acquire, err = meter.Int64Counter(
		"rseata.lock.acquire",
		metric.WithDescription("Row lock acquisitions by result"),
	)
	logMetricInitError(logger, "rseata.lock.acquire", err)

	m.released, err = meter.Int64Counter(
		"rseata.lock.released_rows",
		metric.WithDescription("Row locks released"),
	)
	logMetricInitError(logger, "rseata.lock.released_rows", err)

	return m
}

func (m *lockMetrics) recordAcquire(resourceID, result string) {
	if m == nil || m.acquire == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("rseata.lock.result", result)}
	if resourceID != "" {
		attrs = append(attrs, attribute.String("rseata.resource_id", resourceID))
	}
	m.acquire.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

func (m *lockMetrics) recordReleased(rows int) {
	if m == nil || m.released == nil || rows == 0 {
		return
	}
	m.released.Add(context.Background(), int64(rows))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
