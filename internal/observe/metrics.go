// Package observe provides application-wide observability primitives for
// the proxy: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all proxy metrics.
const meterName = "github.com/onmcp/onmcp"

// Metrics holds all OpenTelemetry metric instruments for the proxy. All
// fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SearchDuration tracks BM25 discover-query latency.
	SearchDuration metric.Float64Histogram

	// ToolCallDuration tracks end-to-end tools/call latency, from the
	// proxy core through the owning child and back.
	ToolCallDuration metric.Float64Histogram

	// ChildStartupDuration tracks how long a child takes to answer
	// initialize after being spawned.
	ChildStartupDuration metric.Float64Histogram

	// CacheFlushDuration tracks how long writing the schema-cache snapshot
	// to disk takes.
	CacheFlushDuration metric.Float64Histogram

	// --- Counters ---

	// ChildSpawns counts child process starts, by server and outcome
	// ("ready", "failed").
	ChildSpawns metric.Int64Counter

	// ChildCrashes counts child processes observed to exit unexpectedly.
	ChildCrashes metric.Int64Counter

	// ToolCalls counts tools/call invocations, by tool and status.
	ToolCalls metric.Int64Counter

	// SearchQueries counts discover invocations by a strategy attribute.
	// The proxy core records every discover call as "bm25", including calls
	// whose results came from the Jaro-Winkler fallback.
	SearchQueries metric.Int64Counter

	// --- Gauges ---

	// ChildPoolInFlight tracks the number of in-flight calls currently held
	// by a server's child pool. Use with attribute.String("server", ...).
	ChildPoolInFlight metric.Int64UpDownCounter

	// SSESessions tracks the number of live SSE sessions.
	SSESessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time (the SSE
	// transport's /sse and /message routes). Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds), tuned for
// subprocess round-trips rather than network calls: most tool calls finish
// under a second, but a cold child spawn can take several.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SearchDuration, err = m.Float64Histogram("onmcp.search.duration",
		metric.WithDescription("Latency of BM25 discover queries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolCallDuration, err = m.Float64Histogram("onmcp.tool_call.duration",
		metric.WithDescription("Latency of tools/call dispatch, child round-trip included."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChildStartupDuration, err = m.Float64Histogram("onmcp.child.startup.duration",
		metric.WithDescription("Time from spawning a child to it answering initialize."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CacheFlushDuration, err = m.Float64Histogram("onmcp.cache.flush.duration",
		metric.WithDescription("Time to write the schema-cache snapshot to disk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ChildSpawns, err = m.Int64Counter("onmcp.child.spawns",
		metric.WithDescription("Total child process starts by server and outcome."),
	); err != nil {
		return nil, err
	}
	if met.ChildCrashes, err = m.Int64Counter("onmcp.child.crashes",
		metric.WithDescription("Total child processes observed to exit unexpectedly."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("onmcp.tool.calls",
		metric.WithDescription("Total tools/call invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.SearchQueries, err = m.Int64Counter("onmcp.search.queries",
		metric.WithDescription("Total discover invocations by match strategy."),
	); err != nil {
		return nil, err
	}

	if met.ChildPoolInFlight, err = m.Int64UpDownCounter("onmcp.child.pool.in_flight",
		metric.WithDescription("In-flight calls currently held by a server's child pool."),
	); err != nil {
		return nil, err
	}
	if met.SSESessions, err = m.Int64UpDownCounter("onmcp.sse.sessions",
		metric.WithDescription("Number of live SSE sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("onmcp.http.request.duration",
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

// RecordChildSpawn records a child process start attempt and its outcome.
func (m *Metrics) RecordChildSpawn(ctx context.Context, server, outcome string) {
	m.ChildSpawns.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("server", server),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordChildCrash records an unexpected child exit.
func (m *Metrics) RecordChildCrash(ctx context.Context, server string) {
	m.ChildCrashes.Add(ctx, 1, metric.WithAttributes(attribute.String("server", server)))
}

// RecordToolCall records a tools/call invocation outcome.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordSearchQuery records one discover invocation and which strategy
// (bm25 or fuzzy) produced its results.
func (m *Metrics) RecordSearchQuery(ctx context.Context, strategy string) {
	m.SearchQueries.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", strategy)))
}
