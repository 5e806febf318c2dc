// Package observe provides application-wide observability primitives for
// Toolbridge: OpenTelemetry metrics with a Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. Production
// code calls [InitProvider] once and constructs a [Metrics] from the global
// meter provider; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/toolbridge/toolbridge"

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// provider and tool call latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// ProviderDuration tracks chat completion latency. Attributes:
	//   provider, model, status.
	ProviderDuration metric.Float64Histogram

	// ProviderRequests counts chat completion calls. Attributes:
	//   provider, model, status.
	ProviderRequests metric.Int64Counter

	// ToolExecutionDuration tracks tool execution latency. Attributes:
	//   server, tool, status.
	ToolExecutionDuration metric.Float64Histogram

	// ToolCalls counts tool invocations. Attributes: server, tool, status.
	ToolCalls metric.Int64Counter

	// Truncations counts requests reduced by the token budget manager.
	// Attribute: provider.
	Truncations metric.Int64Counter
}

// NewMetrics creates a fully initialised [Metrics] using the given meter
// provider. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ProviderDuration, err = m.Float64Histogram("toolbridge.provider.duration",
		metric.WithDescription("Latency of chat provider completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("toolbridge.provider.requests",
		metric.WithDescription("Number of chat provider completion calls."),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("toolbridge.tool.duration",
		metric.WithDescription("Latency of tool server executions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("toolbridge.tool.calls",
		metric.WithDescription("Number of tool invocations."),
	); err != nil {
		return nil, err
	}
	if met.Truncations, err = m.Int64Counter("toolbridge.budget.truncations",
		metric.WithDescription("Number of requests reduced by the token budget manager."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// RecordToolCall updates the tool invocation instruments.
func (m *Metrics) RecordToolCall(ctx context.Context, server, tool, status string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolExecutionDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordTruncation counts one request the budget manager had to shrink.
func (m *Metrics) RecordTruncation(ctx context.Context, provider string) {
	m.Truncations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// RecordProviderRequest updates the provider completion instruments.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, model, status string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("status", status),
	)
	m.ProviderRequests.Add(ctx, 1, attrs)
	m.ProviderDuration.Record(ctx, elapsed.Seconds(), attrs)
}
