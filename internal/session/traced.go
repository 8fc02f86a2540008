package session

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/rseata/internal/core"
	"pkt.systems/rseata/internal/txn"
)

type tracedStore struct {
	inner  Store
	logger pslog.Logger
	tracer trace.Tracer
}

// Traced decorates inner with spans named rseata.session.<op> and trace
// level logging of every mutation.
func Traced(inner Store, logger pslog.Logger) Store {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &tracedStore{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/rseata/session"),
	}
}

func (t *tracedStore) start(ctx context.Context, op, xid string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "rseata.session."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("rseata.session.operation", op),
		attribute.String("rseata.xid", xid),
	)
	return ctx, span
}

func finish(span trace.Span, err error) {
	if err != nil && !core.IsNotFound(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session_store_error")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (t *tracedStore) WriteSession(ctx context.Context, op LogOperation, global *txn.GlobalSession, branch *txn.BranchSession) error {
	xid := ""
	if global != nil {
		xid = global.Xid
	}
	ctx, span := t.start(ctx, op.String(), xid)
	if branch != nil {
		span.SetAttributes(attribute.Int64("rseata.branch_id", int64(branch.BranchID)))
	}
	err := t.inner.WriteSession(ctx, op, global, branch)
	finish(span, err)
	if err != nil {
		t.logger.Debug("session.write.error", "op", op.String(), "xid", xid, "error", err)
	} else {
		t.logger.Trace("session.write", "op", op.String(), "xid", xid)
	}
	return err
}

func (t *tracedStore) ReadSession(ctx context.Context, xid string, withBranches bool) (*txn.GlobalSession, error) {
	ctx, span := t.start(ctx, "read", xid)
	span.SetAttributes(attribute.Bool("rseata.session.with_branches", withBranches))
	g, err := t.inner.ReadSession(ctx, xid, withBranches)
	finish(span, err)
	return g, err
}

func (t *tracedStore) ReadSessions(ctx context.Context, cond txn.Condition) ([]*txn.GlobalSession, error) {
	ctx, span := t.start(ctx, "query", cond.Xid)
	out, err := t.inner.ReadSessions(ctx, cond)
	span.SetAttributes(attribute.Int("rseata.session.count", len(out)))
	finish(span, err)
	return out, err
}

func (t *tracedStore) Close() error {
	return t.inner.Close()
}
