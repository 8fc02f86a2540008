// Package logging decorates a storage.Backend with trace spans and debug
// logging.
package logging

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/rseata/internal/correlation"
	"pkt.systems/rseata/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with spans named rseata.storage.<op>.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/rseata/storage"),
		sys:    sys,
	}
}

func (b *backend) start(ctx context.Context, op, key string) (context.Context, trace.Span, pslog.Logger, func(error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "rseata.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("rseata.storage.operation", op),
		attribute.String("rseata.storage.key", key),
		attribute.String("rseata.sys", b.sys),
	)
	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	if fields := correlation.Fields(ctx); len(fields) > 0 {
		logger = logger.With(fields...)
	}
	if corr := correlation.ID(ctx); corr != "" {
		span.SetAttributes(attribute.String("rseata.correlation_id", corr))
	}
	if xid := correlation.Xid(ctx); xid != "" {
		span.SetAttributes(attribute.String("rseata.xid", xid))
	}
	ctx = pslog.ContextWithLogger(ctx, logger)
	logger.Trace("storage."+op+".begin", "key", key)
	return ctx, span, logger, func(err error) {
		elapsed := time.Since(begin)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
			logger.Debug("storage."+op+".error", "key", key, "error", err, "elapsed", elapsed)
		} else {
			span.SetStatus(codes.Ok, "")
			logger.Debug("storage."+op+".success", "key", key, "elapsed", elapsed)
		}
		span.End()
	}
}

func (b *backend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	ctx, span, _, finish := b.start(ctx, "put_object", key)
	span.SetAttributes(attribute.Bool("rseata.storage.if_not_exists", opts.IfNotExists))
	info, err := b.inner.PutObject(ctx, key, body, opts)
	finish(err)
	return info, err
}

func (b *backend) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	ctx, _, _, finish := b.start(ctx, "get_object", key)
	res, err := b.inner.GetObject(ctx, key)
	finish(err)
	return res, err
}

func (b *backend) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	ctx, _, _, finish := b.start(ctx, "delete_object", key)
	err := b.inner.DeleteObject(ctx, key, opts)
	finish(err)
	return err
}

func (b *backend) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	ctx, span, _, finish := b.start(ctx, "list_objects", opts.Prefix)
	res, err := b.inner.ListObjects(ctx, opts)
	if res != nil {
		span.SetAttributes(attribute.Int("rseata.storage.count", len(res.Objects)))
	}
	finish(err)
	return res, err
}

func (b *backend) Close() error {
	return b.inner.Close()
}
