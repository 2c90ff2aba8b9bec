// Package observe provides application-wide observability primitives for
// Photon: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Photon metrics.
const meterName = "github.com/photonmcp/photon"

// Metrics holds all OpenTelemetry metric instruments for the runtime.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// InvocationDuration tracks end-to-end tool invocation latency.
	InvocationDuration metric.Float64Histogram

	// LoadDuration tracks source analyze+instantiate latency.
	LoadDuration metric.Float64Histogram

	// --- Counters ---

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// Reloads counts watcher-triggered reloads. Use with attribute:
	//   attribute.String("status", ...)
	Reloads metric.Int64Counter

	// ChannelPublishes counts broker publishes by channel.
	ChannelPublishes metric.Int64Counter

	// Elicitations counts elicitation round-trips by action.
	Elicitations metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live client sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveInvocations tracks the number of in-flight invocations.
	ActiveInvocations metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Invocation
// latencies span fast local methods up to elicitation-bound calls.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.InvocationDuration, err = m.Float64Histogram("photon.invocation.duration",
		metric.WithDescription("End-to-end latency of tool invocations."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LoadDuration, err = m.Float64Histogram("photon.load.duration",
		metric.WithDescription("Latency of source analysis and instantiation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ToolCalls, err = m.Int64Counter("photon.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.Reloads, err = m.Int64Counter("photon.reloads",
		metric.WithDescription("Total watcher-triggered reloads by status."),
	); err != nil {
		return nil, err
	}
	if met.ChannelPublishes, err = m.Int64Counter("photon.channel.publishes",
		metric.WithDescription("Total broker publishes by channel."),
	); err != nil {
		return nil, err
	}
	if met.Elicitations, err = m.Int64Counter("photon.elicitations",
		metric.WithDescription("Total elicitation round-trips by action."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("photon.active_sessions",
		metric.WithDescription("Number of live client sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveInvocations, err = m.Int64UpDownCounter("photon.active_invocations",
		metric.WithDescription("Number of in-flight invocations."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("photon.http.request.duration",
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordReload records a reload counter increment.
func (m *Metrics) RecordReload(ctx context.Context, status string) {
	m.Reloads.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordPublish records a channel publish counter increment.
func (m *Metrics) RecordPublish(ctx context.Context, channel string) {
	m.ChannelPublishes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("channel", channel)),
	)
}

// RecordElicitation records an elicitation counter increment by outcome
// action ("accept", "decline", "cancel").
func (m *Metrics) RecordElicitation(ctx context.Context, action string) {
	m.Elicitations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("action", action)),
	)
}
