// Package observe provides application-wide observability primitives for
// voxwire: OpenTelemetry metrics, distributed tracing, structured logging
// helpers, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so the broker can expose
// a standard /metrics endpoint. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxwire metrics.
const meterName = "github.com/feldgren/voxwire"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// NegotiationDuration tracks the full session-start handshake: settings
	// resolution, scoped-credential mint, and SDP exchange.
	NegotiationDuration metric.Float64Histogram

	// UpstreamDuration tracks broker calls to the realtime provider. Use
	// with attribute.String("endpoint", ...).
	UpstreamDuration metric.Float64Histogram

	// HTTPRequestDuration tracks broker HTTP request processing time. Use
	// with attributes method and path.
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// SessionStarts counts session-start attempts. Use with
	// attribute.String("status", "ok"|"error").
	SessionStarts metric.Int64Counter

	// TokenRenewals counts credential renewal attempts by status.
	TokenRenewals metric.Int64Counter

	// EventsSent counts outbound channel events by type and status.
	EventsSent metric.Int64Counter

	// EventsReceived counts inbound channel events by type.
	EventsReceived metric.Int64Counter

	// SettingsFetches counts cached-settings fetches by field and status.
	SettingsFetches metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live sessions (0 or 1 per client).
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// interactive signaling and token exchanges.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.NegotiationDuration, err = m.Float64Histogram("voxwire.session.negotiation.duration",
		metric.WithDescription("Latency of the session-start handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UpstreamDuration, err = m.Float64Histogram("voxwire.broker.upstream.duration",
		metric.WithDescription("Latency of broker calls to the realtime provider by endpoint."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxwire.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SessionStarts, err = m.Int64Counter("voxwire.session.starts",
		metric.WithDescription("Total session-start attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.TokenRenewals, err = m.Int64Counter("voxwire.auth.renewals",
		metric.WithDescription("Total credential renewal attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.EventsSent, err = m.Int64Counter("voxwire.events.sent",
		metric.WithDescription("Total outbound channel events by type and status."),
	); err != nil {
		return nil, err
	}
	if met.EventsReceived, err = m.Int64Counter("voxwire.events.received",
		metric.WithDescription("Total inbound channel events by type."),
	); err != nil {
		return nil, err
	}
	if met.SettingsFetches, err = m.Int64Counter("voxwire.settings.fetches",
		metric.WithDescription("Total cached-settings fetches by field and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxwire.active_sessions",
		metric.WithDescription("Number of live sessions."),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
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

// RecordSessionStart records one session-start attempt.
func (m *Metrics) RecordSessionStart(ctx context.Context, status string) {
	m.SessionStarts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordRenewal records one credential renewal attempt.
func (m *Metrics) RecordRenewal(ctx context.Context, status string) {
	m.TokenRenewals.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordEventSent records one outbound channel event.
func (m *Metrics) RecordEventSent(ctx context.Context, eventType, status string) {
	m.EventsSent.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("type", eventType),
			attribute.String("status", status),
		),
	)
}

// RecordEventReceived records one inbound channel event.
func (m *Metrics) RecordEventReceived(ctx context.Context, eventType string) {
	m.EventsReceived.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", eventType)),
	)
}

// RecordSettingsFetch records one cached-settings fetch.
func (m *Metrics) RecordSettingsFetch(ctx context.Context, field, status string) {
	m.SettingsFetches.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("field", field),
			attribute.String("status", status),
		),
	)
}
