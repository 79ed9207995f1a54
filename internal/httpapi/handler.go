// Package httpapi serves the function's HTTP surface: the invocation
// endpoint and the health probes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/hellofn/internal/database"
	"pkt.systems/hellofn/internal/envconfig"
	"pkt.systems/hellofn/internal/fault"
	"pkt.systems/hellofn/internal/invocation"
	"pkt.systems/hellofn/internal/storage"
	"pkt.systems/hellofn/internal/svcfields"
)

const (
	// ResponseHeaderInvocationID echoes the invocation id on every response.
	ResponseHeaderInvocationID = "Fn-Invoke-Id"

	// DefaultObjectPrefix prefixes every object name.
	DefaultObjectPrefix = "hello-from-function"
	// DefaultGreeting opens every object payload.
	DefaultGreeting = "Hello from OCI Function!"

	instrumentationName = "pkt.systems/hellofn/httpapi"
)

// VersionQuerier reports the database server version.
type VersionQuerier interface {
	Version(ctx context.Context) (string, error)
}

type statReporter interface {
	Stat() database.Stats
}

// Config wires the handler to the process-wide dependencies. Every field is
// read-only once New returns.
type Config struct {
	Store storage.Backend
	// DB is nil when no database is configured.
	DB VersionQuerier
	// DatabaseRequired marks the database step as mandatory; a nil DB then
	// answers 503.
	DatabaseRequired bool
	Namespace        string
	Bucket           string
	ObjectPrefix     string
	Greeting         string
	Logger           pslog.Logger
	// EnableHTTPTracing wraps routes with otelhttp.
	EnableHTTPTracing bool
}

// Handler serves /call, /healthz and /readyz.
type Handler struct {
	store              storage.Backend
	db                 VersionQuerier
	dbRequired         bool
	target             storage.Target
	prefix             string
	greeting           string
	logger             pslog.Logger
	tracer             trace.Tracer
	invocations        metric.Int64Counter
	httpTracingEnabled bool
}

// New constructs a Handler.
func New(cfg Config) *Handler {
	logger := svcfields.WithSubsystem(cfg.Logger, "api.http")
	prefix := strings.TrimSpace(cfg.ObjectPrefix)
	if prefix == "" {
		prefix = DefaultObjectPrefix
	}
	greeting := strings.TrimSpace(cfg.Greeting)
	if greeting == "" {
		greeting = DefaultGreeting
	}
	counter, err := otel.Meter(instrumentationName).Int64Counter(
		"hellofn.invocations",
		metric.WithDescription("Invocations served, by result"),
	)
	if err != nil {
		logger.Warn("http.metrics.init_failed", "error", err)
	}
	return &Handler{
		store:              cfg.Store,
		db:                 cfg.DB,
		dbRequired:         cfg.DatabaseRequired,
		target:             storage.Target{Namespace: strings.TrimSpace(cfg.Namespace), Bucket: strings.TrimSpace(cfg.Bucket)},
		prefix:             prefix,
		greeting:           greeting,
		logger:             logger,
		tracer:             otel.Tracer(instrumentationName),
		invocations:        counter,
		httpTracingEnabled: cfg.EnableHTTPTracing,
	}
}

// Register wires the routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/call", h.wrap("call", h.handleCall))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealthz))
	mux.Handle("/readyz", h.wrap("readyz", h.handleReadyz))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

type httpError struct {
	Status int
	Detail string
}

func (e httpError) Error() string { return e.Detail }

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	spanName := "hellofn.http." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		ctx, span := h.tracer.Start(ctx, "hellofn.invocation."+operation,
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(attribute.String("hellofn.sys", sys)),
		)
		defer span.End()

		id, supplied := invocation.FromHeader(r.Header)
		ctx = invocation.WithID(ctx, id)
		span.SetAttributes(
			attribute.String("hellofn.invocation_id", id),
			attribute.Bool("hellofn.invocation_id_supplied", supplied),
		)
		logger := svcfields.WithInvocation(svcfields.WithSubsystem(h.logger, sys), id).With(
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)
		w.Header().Set(ResponseHeaderInvocationID, id)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr, "id_supplied", supplied)
		if err := fn(w, r); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, fault.KindOf(err).String())
			h.count(ctx, operation, "error")
			h.handleError(ctx, w, err)
			logger.Trace("http.request.complete", "elapsed", time.Since(start), "result", "error")
			return
		}
		span.SetStatus(codes.Ok, "")
		h.count(ctx, operation, "ok")
		logger.Trace("http.request.complete", "elapsed", time.Since(start), "result", "ok")
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, spanName)
}

func (h *Handler) count(ctx context.Context, operation, result string) {
	if h.invocations == nil || operation != "call" {
		return
	}
	h.invocations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// handleError maps err onto a status with fault.HTTPStatus. Only the
// client-safe message is returned; the full error is logged.
func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure", "status", httpErr.Status, "detail", httpErr.Detail)
		h.writeJSON(w, httpErr.Status, ErrorResponse{Status: "error", Message: httpErr.Detail})
		return
	}
	kind := fault.KindOf(err)
	status := fault.HTTPStatus(kind)
	fields := []any{"status", status, "kind", kind.String(), "error", err}
	if d, ok := fault.UpstreamOf(err); ok {
		fields = append(fields,
			"upstream_service", d.Service,
			"upstream_status", d.Status,
			"upstream_code", d.Code,
			"upstream_request_id", d.RequestID,
		)
	}
	if kind == fault.KindUnexpected {
		logger.Error("http.request.unexpected", fields...)
	} else {
		logger.Error("http.request.failure", fields...)
	}
	h.writeJSON(w, status, ErrorResponse{Status: "error", Message: fault.Public(err)})
}

func routerSys(operation string) string {
	operation = strings.Trim(operation, "./")
	if operation == "" {
		return "api.http.router"
	}
	return "api.http." + operation
}

func (h *Handler) missingTargetKey() string {
	switch {
	case h.target.Namespace == "":
		return envconfig.KeyNamespace
	case h.target.Bucket == "":
		return envconfig.KeyBucket
	}
	return ""
}
