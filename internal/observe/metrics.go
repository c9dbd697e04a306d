// Package observe provides application-wide observability primitives for
// Crosstalk: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all Crosstalk metrics.
const meterName = "github.com/mykolastupakov-spsoft/crosstalk"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// StepDuration tracks per-pipeline-step latency. Use with attributes:
	//   attribute.Int("step", ...), attribute.String("status", ...)
	StepDuration metric.Float64Histogram

	// RunDuration tracks whole-run latency. Use with attribute:
	//   attribute.String("status", ...)
	RunDuration metric.Float64Histogram

	// VendorRequests counts external vendor calls. Use with attributes:
	//   attribute.String("vendor", ...), attribute.String("status", ...)
	VendorRequests metric.Int64Counter

	// VendorErrors counts external vendor failures. Use with attribute:
	//   attribute.String("vendor", ...)
	VendorErrors metric.Int64Counter

	// CacheLookups counts cache reads. Use with attributes:
	//   attribute.String("cache", ...), attribute.String("result", "hit"|"miss")
	CacheLookups metric.Int64Counter

	// ActiveRuns tracks the number of pipeline runs in flight.
	ActiveRuns metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// stepBuckets defines histogram bucket boundaries (in seconds). Pipeline
// steps span three orders of magnitude: cache hits answer in milliseconds,
// batch ASR jobs take minutes.
var stepBuckets = []float64{
	0.05, 0.25, 1, 5, 15, 60, 180, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StepDuration, err = m.Float64Histogram("crosstalk.step.duration",
		metric.WithDescription("Latency of one pipeline step by step number and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stepBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RunDuration, err = m.Float64Histogram("crosstalk.run.duration",
		metric.WithDescription("End-to-end pipeline run latency by terminal status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stepBuckets...),
	); err != nil {
		return nil, err
	}

	if met.VendorRequests, err = m.Int64Counter("crosstalk.vendor.requests",
		metric.WithDescription("Total external vendor requests by vendor and status."),
	); err != nil {
		return nil, err
	}
	if met.VendorErrors, err = m.Int64Counter("crosstalk.vendor.errors",
		metric.WithDescription("Total external vendor failures by vendor."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("crosstalk.cache.lookups",
		metric.WithDescription("Total cache reads by cache name and hit/miss result."),
	); err != nil {
		return nil, err
	}

	if met.ActiveRuns, err = m.Int64UpDownCounter("crosstalk.active_runs",
		metric.WithDescription("Number of pipeline runs currently in flight."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("crosstalk.http.request.duration",
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

// RecordStep records one pipeline step's duration.
func (m *Metrics) RecordStep(ctx context.Context, step int, status string, seconds float64) {
	m.StepDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.Int("step", step),
			attribute.String("status", status),
		),
	)
}

// RecordVendorRequest records one vendor call, incrementing the error counter
// as well when status is "error".
func (m *Metrics) RecordVendorRequest(ctx context.Context, vendor, status string) {
	m.VendorRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("vendor", vendor),
			attribute.String("status", status),
		),
	)
	if status == "error" {
		m.VendorErrors.Add(ctx, 1,
			metric.WithAttributes(attribute.String("vendor", vendor)),
		)
	}
}

// RecordCacheLookup records one cache read as a hit or a miss.
func (m *Metrics) RecordCacheLookup(ctx context.Context, cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("cache", cache),
			attribute.String("result", result),
		),
	)
}
