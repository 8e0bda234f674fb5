package observe

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// Transport is an [http.RoundTripper] that traces and times outbound
// requests:
//
//  1. Starts a client span named after the method and host.
//  2. Injects W3C trace context into the request headers.
//  3. Records the round trip to [Metrics.HTTPClientDuration].
//  4. Logs the outcome at debug level with the opc-request-id.
type Transport struct {
	// Base performs the request. Nil means http.DefaultTransport.
	Base http.RoundTripper

	// Metrics receives the duration. Nil means [DefaultMetrics].
	Metrics *Metrics
}

// NewTransport wraps base.
func NewTransport(base http.RoundTripper, m *Metrics) *Transport {
	return &Transport{Base: base, Metrics: m}
}

// RoundTrip implements [http.RoundTripper].
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	m := t.Metrics
	if m == nil {
		m = DefaultMetrics()
	}

	start := time.Now()
	ctx, span := StartSpan(req.Context(), "HTTP "+req.Method+" "+req.URL.Host,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(req.Method),
			semconv.ServerAddress(req.URL.Hostname()),
			semconv.URLPath(req.URL.Path),
		),
	)
	defer span.End()

	// RoundTrippers must not modify the caller's request.
	req = req.Clone(ctx)
	propagation.TraceContext{}.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := base.RoundTrip(req)
	duration := time.Since(start)

	status := "error"
	if resp != nil {
		status = strconv.Itoa(resp.StatusCode)
		span.SetAttributes(semconv.HTTPResponseStatusCode(resp.StatusCode))
	}
	m.HTTPClientDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("method", req.Method),
			attribute.String("host", req.URL.Host),
			attribute.String("status", status),
		),
	)
	if err != nil {
		span.RecordError(err)
	}

	attrs := []slog.Attr{
		slog.String("method", req.Method),
		slog.String("host", req.URL.Host),
		slog.String("path", req.URL.Path),
		slog.String("status", status),
		slog.Duration("duration", duration),
	}
	if resp != nil {
		if id := resp.Header.Get("opc-request-id"); id != "" {
			attrs = append(attrs, slog.String("opc_request_id", id))
		}
	}
	LoggerFrom(ctx, nil).LogAttrs(ctx, slog.LevelDebug, "oci request completed", attrs...)

	return resp, err
}
