// Package observe provides application-wide observability primitives for
// turnline: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

	"github.com/turnline-ai/turnline/internal/turn"
)

// meterName is the instrumentation scope name used for all turnline metrics.
const meterName = "github.com/turnline-ai/turnline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
//
// Metrics implements [turn.Metrics], so a single instance can be handed
// straight to the call manager as the pipeline's observation sink.
type Metrics struct {
	// RoundTripDuration tracks speech-start to playback-start latency for
	// naturally completed turns.
	RoundTripDuration metric.Float64Histogram

	// BargeIns counts replies preempted by new caller speech.
	BargeIns metric.Int64Counter

	// ProviderErrors counts degraded turns by pipeline stage. Use with
	// attribute.String("stage", ...) — one of "stt", "policy", "tts".
	ProviderErrors metric.Int64Counter

	// IngestedEvents counts latency events accepted over the HTTP ingest
	// endpoint. Use with attribute.String("milestone", ...).
	IngestedEvents metric.Int64Counter

	// ActiveCalls tracks the number of live calls. Observed through the
	// callback registered with [Metrics.ObserveActiveCalls].
	ActiveCalls metric.Int64ObservableGauge

	// DroppedEvents tracks telemetry events discarded under backpressure.
	// Observed through the callback registered with
	// [Metrics.ObserveDroppedEvents].
	DroppedEvents metric.Int64ObservableCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	meter metric.Meter
}

var _ turn.Metrics = (*Metrics)(nil)

// roundTripBuckets defines histogram bucket boundaries (in seconds) sized
// for conversational round trips: anything under ~800 ms feels immediate,
// while multi-second responses are outliers worth investigating.
var roundTripBuckets = []float64{
	0.1, 0.2, 0.3, 0.5, 0.8, 1.2, 2, 3, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.RoundTripDuration, err = m.Float64Histogram("turnline.turn.round_trip.duration",
		metric.WithDescription("Latency from caller speech start to reply playback start."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(roundTripBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("turnline.turn.barge_ins",
		metric.WithDescription("Total replies preempted by new caller speech."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("turnline.provider.errors",
		metric.WithDescription("Total degraded turns by pipeline stage."),
	); err != nil {
		return nil, err
	}
	if met.IngestedEvents, err = m.Int64Counter("turnline.telemetry.ingested",
		metric.WithDescription("Total latency events accepted over the ingest endpoint."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCalls, err = m.Int64ObservableGauge("turnline.calls.active",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}
	if met.DroppedEvents, err = m.Int64ObservableCounter("turnline.telemetry.dropped",
		metric.WithDescription("Total telemetry events discarded under backpressure."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("turnline.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// ObserveActiveCalls registers f as the source for the active-calls gauge.
// Typically wired to the call manager's ActiveCalls method.
func (m *Metrics) ObserveActiveCalls(f func() int64) error {
	_, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.ActiveCalls, f())
		return nil
	}, m.ActiveCalls)
	return err
}

// ObserveDroppedEvents registers f as the source for the dropped-events
// counter. Typically wired to the telemetry recorder's Dropped method.
func (m *Metrics) ObserveDroppedEvents(f func() uint64) error {
	_, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.DroppedEvents, int64(f()))
		return nil
	}, m.DroppedEvents)
	return err
}

// TurnCompleted records one naturally completed turn's round trip.
// Implements [turn.Metrics].
func (m *Metrics) TurnCompleted(roundTrip time.Duration) {
	m.RoundTripDuration.Record(context.Background(), roundTrip.Seconds())
}

// BargeIn records a reply preempted by new speech. Implements [turn.Metrics].
func (m *Metrics) BargeIn() {
	m.BargeIns.Add(context.Background(), 1)
}

// ProviderError records a degraded turn by pipeline stage.
// Implements [turn.Metrics].
func (m *Metrics) ProviderError(stage string) {
	m.ProviderErrors.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordIngestedEvent counts one accepted latency event by milestone.
func (m *Metrics) RecordIngestedEvent(ctx context.Context, milestone string) {
	m.IngestedEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("milestone", milestone)),
	)
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}
