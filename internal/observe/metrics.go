// Package observe provides application-wide observability primitives for
// agentengine: OpenTelemetry metrics, tracing, trace-aware structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so the same instruments can
// be scraped from /metrics. [DefaultMetrics] returns a package-level instance
// bound to the global provider; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all agentengine metrics.
const meterName = "github.com/MrWong99/agentengine"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// GenerationDuration tracks backend generation latency. Attributes:
	//   attribute.String("backend", ...), attribute.String("status", ...)
	GenerationDuration metric.Float64Histogram

	// CrawlDuration tracks live research-source fetches. Attributes:
	//   attribute.String("source", ...)
	CrawlDuration metric.Float64Histogram

	// QueryDuration tracks SQL execution latency for the query agent.
	QueryDuration metric.Float64Histogram

	// --- Counters ---

	// Tasks counts terminal tasks. Attributes:
	//   attribute.String("backend", ...), attribute.String("status", ...)
	Tasks metric.Int64Counter

	// BackendSelections counts resolver decisions. Attributes:
	//   attribute.String("kind", ...), attribute.Bool("fallback", ...)
	BackendSelections metric.Int64Counter

	// CrawlRequests counts research-source lookups. Attributes:
	//   attribute.String("source", ...), attribute.String("status", ...)
	// where status is one of "hit", "fetched", "error".
	CrawlRequests metric.Int64Counter

	// WorkflowItems counts items processed by a workflow. Attributes:
	//   attribute.String("workflow", ...), attribute.String("status", ...)
	WorkflowItems metric.Int64Counter

	// --- Error counters ---

	// CleanupFailures counts asset deletions that failed during lifecycle
	// clearing. These are logged and never surfaced.
	CleanupFailures metric.Int64Counter

	// --- Gauges ---

	// ActiveEngines tracks the number of open chat engines.
	ActiveEngines metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// model generation, which ranges from sub-second remote calls to minutes of
// local decoding.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.GenerationDuration, err = m.Float64Histogram("agentengine.generation.duration",
		metric.WithDescription("Latency of backend generation calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CrawlDuration, err = m.Float64Histogram("agentengine.crawl.duration",
		metric.WithDescription("Latency of live research-source fetches."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.QueryDuration, err = m.Float64Histogram("agentengine.query.duration",
		metric.WithDescription("Latency of generated SQL execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Tasks, err = m.Int64Counter("agentengine.tasks",
		metric.WithDescription("Total terminal tasks by backend and status."),
	); err != nil {
		return nil, err
	}
	if met.BackendSelections, err = m.Int64Counter("agentengine.backend.selections",
		metric.WithDescription("Total backend resolutions by kind and fallback."),
	); err != nil {
		return nil, err
	}
	if met.CrawlRequests, err = m.Int64Counter("agentengine.crawl.requests",
		metric.WithDescription("Total research-source lookups by source and status."),
	); err != nil {
		return nil, err
	}
	if met.WorkflowItems, err = m.Int64Counter("agentengine.workflow.items",
		metric.WithDescription("Total workflow items by workflow and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.CleanupFailures, err = m.Int64Counter("agentengine.cleanup.failures",
		metric.WithDescription("Total asset deletions that failed during cleanup."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveEngines, err = m.Int64UpDownCounter("agentengine.active_engines",
		metric.WithDescription("Number of open chat engines."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("agentengine.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordGeneration records one backend call's latency in seconds.
func (m *Metrics) RecordGeneration(ctx context.Context, backend, status string, seconds float64) {
	m.GenerationDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("status", status),
		),
	)
}

// RecordTask records a task reaching a terminal status.
func (m *Metrics) RecordTask(ctx context.Context, backend, status string) {
	m.Tasks.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("status", status),
		),
	)
}

// RecordBackendSelection records a resolver decision. fallback is true when
// acceleration was requested but standard local was chosen instead.
func (m *Metrics) RecordBackendSelection(ctx context.Context, kind string, fallback bool) {
	m.BackendSelections.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.Bool("fallback", fallback),
		),
	)
}

// RecordCrawlRequest records a research-source lookup.
func (m *Metrics) RecordCrawlRequest(ctx context.Context, source, status string) {
	m.CrawlRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("status", status),
		),
	)
}

// RecordCrawlDuration records the latency of one live research-source fetch.
func (m *Metrics) RecordCrawlDuration(ctx context.Context, source string, seconds float64) {
	m.CrawlDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("source", source)))
}

// RecordQueryDuration records the latency of one SQL statement.
func (m *Metrics) RecordQueryDuration(ctx context.Context, status string, seconds float64) {
	m.QueryDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("status", status)))
}

// RecordWorkflowItem records one processed workflow item.
func (m *Metrics) RecordWorkflowItem(ctx context.Context, workflow, status string) {
	m.WorkflowItems.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("workflow", workflow),
			attribute.String("status", status),
		),
	)
}

// RecordCleanupFailure records a failed asset deletion.
func (m *Metrics) RecordCleanupFailure(ctx context.Context) {
	m.CleanupFailures.Add(ctx, 1)
}
