// Package observe provides application-wide observability primitives for
// Vocaform: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Vocaform metrics.
const meterName = "github.com/MrWong99/vocaform"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// STTDuration tracks how long a single utterance capture and
	// transcription takes.
	STTDuration metric.Float64Histogram

	// TTSDuration tracks prompt synthesis and playback time.
	TTSDuration metric.Float64Histogram

	// HandoffDuration tracks sink round-trip time. Use with attribute:
	//   attribute.String("sink", ...)
	HandoffDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// SessionsStarted counts sessions by tool ID.
	SessionsStarted metric.Int64Counter

	// SessionOutcomes counts terminal sessions. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("outcome", completed|cancelled|error)
	SessionOutcomes metric.Int64Counter

	// FieldAttempts counts answers evaluated per field. Use with attributes:
	//   attribute.String("type", ...), attribute.String("result", valid|invalid)
	FieldAttempts metric.Int64Counter

	// ValidationFailures counts rejected answers by error code.
	ValidationFailures metric.Int64Counter

	// HandoffAttempts counts handoff attempts. Use with attributes:
	//   attribute.String("sink", api|database), attribute.String("status", success|failure)
	HandoffAttempts metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of running collection sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Speech
// stages run for whole utterances, so the range reaches a minute.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("vocaform.stt.duration",
		metric.WithDescription("Latency of utterance capture and transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("vocaform.tts.duration",
		metric.WithDescription("Latency of prompt synthesis and playback."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HandoffDuration, err = m.Float64Histogram("vocaform.handoff.duration",
		metric.WithDescription("Round-trip time of handoff deliveries by sink."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("vocaform.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("vocaform.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.SessionsStarted, err = m.Int64Counter("vocaform.session.started",
		metric.WithDescription("Total collection sessions started by tool."),
	); err != nil {
		return nil, err
	}
	if met.SessionOutcomes, err = m.Int64Counter("vocaform.session.outcomes",
		metric.WithDescription("Total finished sessions by tool and outcome."),
	); err != nil {
		return nil, err
	}
	if met.FieldAttempts, err = m.Int64Counter("vocaform.field.attempts",
		metric.WithDescription("Total answers evaluated by field type and result."),
	); err != nil {
		return nil, err
	}
	if met.ValidationFailures, err = m.Int64Counter("vocaform.field.validation_failures",
		metric.WithDescription("Total rejected answers by validation code."),
	); err != nil {
		return nil, err
	}
	if met.HandoffAttempts, err = m.Int64Counter("vocaform.handoff.attempts",
		metric.WithDescription("Total handoff attempts by sink and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("vocaform.active_sessions",
		metric.WithDescription("Number of running collection sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("vocaform.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordSessionStart increments the started counter and the active gauge.
func (m *Metrics) RecordSessionStart(ctx context.Context, toolID string) {
	m.SessionsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", toolID)))
	m.ActiveSessions.Add(ctx, 1)
}

// RecordSessionEnd records the outcome and decrements the active gauge.
func (m *Metrics) RecordSessionEnd(ctx context.Context, toolID, outcome string) {
	m.SessionOutcomes.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", toolID),
			attribute.String("outcome", outcome),
		),
	)
	m.ActiveSessions.Add(ctx, -1)
}

// RecordFieldAttempt records one evaluated answer. codes holds the
// validation codes of a rejected answer and is empty for accepted ones.
func (m *Metrics) RecordFieldAttempt(ctx context.Context, fieldType string, codes ...string) {
	result := "valid"
	if len(codes) > 0 {
		result = "invalid"
	}
	m.FieldAttempts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("type", fieldType),
			attribute.String("result", result),
		),
	)
	for _, c := range codes {
		m.ValidationFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("code", c)))
	}
}

// RecordHandoff records one handoff attempt and its duration.
func (m *Metrics) RecordHandoff(ctx context.Context, sink string, success bool, d time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.HandoffAttempts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("sink", sink),
			attribute.String("status", status),
		),
	)
	m.HandoffDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("sink", sink)))
}
