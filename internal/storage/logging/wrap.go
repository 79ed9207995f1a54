package logging

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/hellofn/internal/fault"
	"pkt.systems/hellofn/internal/invocation"
	"pkt.systems/hellofn/internal/storage"
	"pkt.systems/hellofn/internal/svcfields"
)

const instrumentationName = "pkt.systems/hellofn/storage"

type backend struct {
	inner    storage.Backend
	logger   pslog.Logger
	tracer   trace.Tracer
	duration metric.Float64Histogram
	sys      string
	label    string
}

// Wrap decorates inner with tracing, a write-duration histogram and
// trace/debug logging.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	duration, err := otel.Meter(instrumentationName).Float64Histogram(
		"hellofn.object.write.duration",
		metric.WithDescription("Duration of object writes"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		logger.Warn("storage.metrics.init_failed", "error", err)
	}
	return &backend{
		inner:    inner,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		duration: duration,
		sys:      sys,
		label:    storage.Describe(inner),
	}
}

// Unwrap returns the decorated backend.
func Unwrap(b storage.Backend) storage.Backend {
	if w, ok := b.(*backend); ok {
		return w.inner
	}
	return b
}

func (b *backend) Describe() string { return b.label }

func (b *backend) start(ctx context.Context, op string) (context.Context, trace.Span, pslog.Logger, func(string, error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "hellofn.storage."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("hellofn.storage.operation", op),
		attribute.String("hellofn.storage.backend", b.label),
		attribute.String("hellofn.sys", b.sys),
	)

	logger := b.logger
	id := invocation.ID(ctx)
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	} else if id != "" {
		logger = svcfields.WithInvocation(logger, id)
	}
	if id != "" {
		span.SetAttributes(attribute.String("hellofn.invocation_id", id))
	}

	ctx = pslog.ContextWithLogger(ctx, logger)
	return ctx, span, logger, func(result string, err error) {
		elapsed := time.Since(begin)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, fault.KindOf(err).String())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		if b.duration != nil {
			b.duration.Record(ctx, float64(elapsed.Microseconds())/1000, metric.WithAttributes(
				attribute.String("backend", b.label),
				attribute.String("result", result),
			))
		}
	}
}

func (b *backend) PutObject(ctx context.Context, target storage.Target, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	ctx, span, verbose, finish := b.start(ctx, "put_object")
	defer span.End()

	span.SetAttributes(
		attribute.String("hellofn.storage.namespace", target.Namespace),
		attribute.String("hellofn.storage.bucket", target.Bucket),
		attribute.String("hellofn.storage.object", key),
	)
	verbose = verbose.With("namespace", target.Namespace, "bucket", target.Bucket, "object", key)
	begin := time.Now()
	verbose.Trace("storage.put_object.begin", "content_type", opts.ContentType)

	info, err := b.inner.PutObject(ctx, target, key, body, opts)
	if err != nil {
		finish("error", err)
		fields := []any{"error", err, "elapsed", time.Since(begin)}
		if d, ok := fault.UpstreamOf(err); ok {
			fields = append(fields, "upstream_status", d.Status, "upstream_code", d.Code, "upstream_request_id", d.RequestID)
		}
		verbose.Debug("storage.put_object.error", fields...)
		return nil, err
	}
	span.SetAttributes(attribute.Int64("hellofn.storage.size", info.Size))
	finish("ok", nil)
	verbose.Debug("storage.put_object.success",
		"etag", info.ETag,
		"size", info.Size,
		"version_id", info.VersionID,
		"request_id", info.RequestID,
		"elapsed", time.Since(begin),
	)
	return info, nil
}

func (b *backend) Close() error {
	err := b.inner.Close()
	if err != nil {
		b.logger.Debug("storage.close.error", "error", err)
	}
	return err
}
