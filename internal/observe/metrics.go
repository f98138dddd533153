// Package observe ties Wordsmith's logs, traces and metrics together.
//
// Instruments are created through the OpenTelemetry metrics API and scraped
// through the Prometheus bridge set up by [InitProvider]. Production code
// shares [DefaultMetrics]; tests build their own with [NewMetrics] over a
// ManualReader.
package observe

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of every Wordsmith instrument.
const meterName = "github.com/MrWong99/wordsmith"

// Metrics holds the instruments recorded by the server. Prefer the Record
// helpers over the raw fields; they fix the attribute keys.
type Metrics struct {
	// LLMDuration is the model call latency by operation, mode and status.
	LLMDuration metric.Float64Histogram
	// SynonymsReturned is the synonym count per answered request.
	SynonymsReturned metric.Int64Histogram
	// ActiveStreams is the number of open streaming answers.
	ActiveStreams metric.Int64UpDownCounter
	// HTTPRequestDuration is the handler latency by method, route and status.
	HTTPRequestDuration metric.Float64Histogram

	ProviderRequests     metric.Int64Counter // by provider, kind, status
	ProviderErrors       metric.Int64Counter // by provider, kind
	BreakerTransitions   metric.Int64Counter // by provider, state
	ValidationRejections metric.Int64Counter // by reason
	ExtractFallbacks     metric.Int64Counter // by operation
}

// Bucket boundaries in seconds sized for hosted model round trips, and for
// the short lists the synonym endpoint returns.
var (
	latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30}
	countBuckets   = []float64{0, 1, 2, 3, 4, 5, 6, 8, 10}
)

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var errs []error
	keep := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var err error
	met.LLMDuration, err = m.Float64Histogram("wordsmith.llm.duration",
		metric.WithDescription("Latency of model calls by operation, mode and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...))
	keep(err)
	met.SynonymsReturned, err = m.Int64Histogram("wordsmith.synonyms.returned",
		metric.WithDescription("Number of synonyms returned per request."),
		metric.WithExplicitBucketBoundaries(countBuckets...))
	keep(err)
	met.ActiveStreams, err = m.Int64UpDownCounter("wordsmith.active_streams",
		metric.WithDescription("Streaming answers currently in flight."))
	keep(err)
	met.HTTPRequestDuration, err = m.Float64Histogram("wordsmith.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"))
	keep(err)

	met.ProviderRequests, err = m.Int64Counter("wordsmith.provider.requests",
		metric.WithDescription("Model backend requests by provider, kind and status."))
	keep(err)
	met.ProviderErrors, err = m.Int64Counter("wordsmith.provider.errors",
		metric.WithDescription("Failed model backend requests by provider and kind."))
	keep(err)
	met.BreakerTransitions, err = m.Int64Counter("wordsmith.provider.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by provider and new state."))
	keep(err)
	met.ValidationRejections, err = m.Int64Counter("wordsmith.guard.rejections",
		metric.WithDescription("Inputs rejected by the validator, by reason."))
	keep(err)
	met.ExtractFallbacks, err = m.Int64Counter("wordsmith.extract.fallbacks",
		metric.WithDescription("Structured answers recovered from free text, by operation."))
	keep(err)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide instance built on the global
// meter provider. Call it after [InitProvider] so that the instruments are
// exported.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordLLMCall records the latency of one model call.
func (m *Metrics) RecordLLMCall(ctx context.Context, operation, mode, status string, d time.Duration) {
	m.LLMDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("mode", mode),
		attribute.String("status", status),
	))
}

// RecordProviderRequest counts one request that reached a backend.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

// RecordProviderError counts one failed backend request.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

// RecordBreakerTransition counts a circuit breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, state string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("state", state),
	))
}

func (m *Metrics) RecordRejection(ctx context.Context, reason string) {
	m.ValidationRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordExtractFallback(ctx context.Context, operation string) {
	m.ExtractFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}
