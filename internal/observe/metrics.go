// Package observe provides the observability primitives shared by the
// providers and the realtime client: OpenTelemetry metrics, tracing and
// trace-aware structured logging.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// bridges them to a Prometheus exporter. A package-level [DefaultMetrics]
// instance backs production code; tests should use [NewMetrics] with their
// own [metric.MeterProvider].
package observe

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all ocigenai metrics.
const meterName = "github.com/acedergren/ocigenai"

// Metrics holds every metric instrument the module records. All fields are
// safe for concurrent use.
type Metrics struct {
	// RequestDuration tracks the wall time of a resilience-wrapped call,
	// retries included. Attributes: operation.
	RequestDuration metric.Float64Histogram

	// ProviderRequests counts completed calls. Attributes: operation, status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts failed calls. Attributes: operation, kind.
	ProviderErrors metric.Int64Counter

	// Retries counts backoff retries. Attributes: operation.
	Retries metric.Int64Counter

	// ActiveRealtimeSessions tracks connected realtime transcription
	// sessions.
	ActiveRealtimeSessions metric.Int64UpDownCounter

	// RealtimeReconnects counts reconnect attempts. Attributes: outcome.
	RealtimeReconnects metric.Int64Counter

	// TranscriptionResults counts delivered results. Attributes: final.
	TranscriptionResults metric.Int64Counter

	// AudioSent accumulates the estimated duration of streamed audio.
	AudioSent metric.Float64Counter

	// StreamParts counts decoded chat stream parts. Attributes: type.
	StreamParts metric.Int64Counter

	// HTTPClientDuration tracks single outbound HTTP round trips.
	// Attributes: method, host, status.
	HTTPClientDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, sized for model
// inference calls.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.RequestDuration, err = m.Float64Histogram("ocigenai.request.duration",
		metric.WithDescription("Latency of OCI Generative AI calls including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("ocigenai.provider.requests",
		metric.WithDescription("Total provider calls by operation and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("ocigenai.provider.errors",
		metric.WithDescription("Total provider errors by operation and error kind."),
	); err != nil {
		return nil, err
	}
	if met.Retries, err = m.Int64Counter("ocigenai.provider.retries",
		metric.WithDescription("Total backoff retries by operation."),
	); err != nil {
		return nil, err
	}

	if met.ActiveRealtimeSessions, err = m.Int64UpDownCounter("ocigenai.realtime.active_sessions",
		metric.WithDescription("Number of connected realtime transcription sessions."),
	); err != nil {
		return nil, err
	}
	if met.RealtimeReconnects, err = m.Int64Counter("ocigenai.realtime.reconnects",
		metric.WithDescription("Realtime reconnect attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionResults, err = m.Int64Counter("ocigenai.realtime.results",
		metric.WithDescription("Transcription results delivered, split by finality."),
	); err != nil {
		return nil, err
	}
	if met.AudioSent, err = m.Float64Counter("ocigenai.realtime.audio",
		metric.WithDescription("Estimated duration of audio streamed to the service."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.StreamParts, err = m.Int64Counter("ocigenai.chat.stream_parts",
		metric.WithDescription("Decoded chat stream parts by type."),
	); err != nil {
		return nil, err
	}

	if met.HTTPClientDuration, err = m.Float64Histogram("ocigenai.http.client.duration",
		metric.WithDescription("Latency of outbound HTTP round trips by method, host and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], created on first use
// from [otel.GetMeterProvider]. Panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest counts one completed call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, operation, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError counts one failed call.
func (m *Metrics) RecordProviderError(ctx context.Context, operation, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("kind", kind),
		),
	)
}

// RecordRetry counts one backoff retry.
func (m *Metrics) RecordRetry(ctx context.Context, operation string) {
	m.Retries.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

// RecordRequestDuration observes the latency of one call in seconds.
func (m *Metrics) RecordRequestDuration(ctx context.Context, operation string, seconds float64) {
	m.RequestDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("operation", operation)))
}

// RecordReconnect counts one realtime reconnect attempt. outcome is
// "scheduled", "succeeded" or "failed".
func (m *Metrics) RecordReconnect(ctx context.Context, outcome string) {
	m.RealtimeReconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordTranscriptionResult counts one delivered transcription result.
func (m *Metrics) RecordTranscriptionResult(ctx context.Context, final bool) {
	m.TranscriptionResults.Add(ctx, 1, metric.WithAttributes(attribute.String("final", strconv.FormatBool(final))))
}

// RecordAudio adds seconds of streamed audio.
func (m *Metrics) RecordAudio(ctx context.Context, seconds float64) {
	m.AudioSent.Add(ctx, seconds)
}

// RecordStreamPart counts one decoded chat stream part.
func (m *Metrics) RecordStreamPart(ctx context.Context, partType string) {
	m.StreamParts.Add(ctx, 1, metric.WithAttributes(attribute.String("type", partType)))
}
