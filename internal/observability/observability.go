// Package observability implements spec.md §4's "Observability" column:
// counters and histograms at per-path, per-model, and per-backend
// granularity, a request-duration and per-backend-duration histogram pair,
// and the two exported surfaces (`GET /metrics` JSON snapshot,
// `GET /metrics/prometheus` Prometheus text) spec.md §6 names.
//
// Grounded on the teacher's internal/metrics package: one otel Meter per
// process, gen_ai semantic-convention-shaped histograms recorded through
// it, and a Prometheus exporter wired in as a sdkmetric.Reader. Unlike the
// teacher (which is an Envoy ext_proc filter with no HTTP surface of its
// own to serve /metrics from), this gateway also keeps a small
// mutex-guarded aggregate — spec.md §5 "Metrics use a single mutex;
// recording paths may briefly contend but never block I/O" — so the JSON
// snapshot endpoint can answer without scraping through the otel SDK's own
// (considerably heavier) collection path.
package observability

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/envoyproxy/llmgw/internal/gatewaytypes"
)

const (
	attrPath    = "llmgw.request.path"
	attrModel   = "gen_ai.request.model"
	attrBackend = "gen_ai.system.name"
	attrScope   = "llmgw.scope"
	attrStatus  = "http.response.status_code"
)

// Metrics is the process-wide observability handle. It implements
// internal/admission.Metrics and is also driven directly by internal/attempt
// for per-backend-attempt bookkeeping.
type Metrics struct {
	meter metric.Meter

	requestsTotal       metric.Int64Counter
	rateLimitedTotal    metric.Int64Counter
	budgetExceededTotal metric.Int64Counter
	requestDuration     metric.Float64Histogram
	backendDuration     metric.Float64Histogram

	promRegistry *prometheus.Registry
	provider     *sdkmetric.MeterProvider

	mu        sync.Mutex
	snapshot  snapshot
}

// snapshot is the mutex-guarded aggregate behind the JSON /metrics
// endpoint, kept separate from the otel SDK's own aggregation temporality
// so a snapshot read never has to wait on an exporter collection pass.
type snapshot struct {
	requests       uint64
	rateLimited    map[gatewaytypes.Scope]uint64
	budgetExceeded map[gatewaytypes.Scope]uint64
	byPath         map[string]*counterAgg
	byModel        map[string]*counterAgg
	byBackend      map[string]*counterAgg
}

type counterAgg struct {
	Requests        uint64
	Errors          uint64
	TotalDurationMS float64
}

func newSnapshot() snapshot {
	return snapshot{
		rateLimited:    make(map[gatewaytypes.Scope]uint64),
		budgetExceeded: make(map[gatewaytypes.Scope]uint64),
		byPath:         make(map[string]*counterAgg),
		byModel:        make(map[string]*counterAgg),
		byBackend:      make(map[string]*counterAgg),
	}
}

// New builds a Metrics instance backed by a fresh Prometheus registerer and
// an otel MeterProvider reading from it. serviceName is attached as the
// otel resource's service.name attribute.
func New(serviceName string) (*Metrics, error) {
	reg := prometheus.NewRegistry()
	exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	meter := provider.Meter("github.com/envoyproxy/llmgw")

	requestsTotal, err := meter.Int64Counter("llmgw.requests.total",
		metric.WithDescription("Admitted requests, before backend dispatch."))
	if err != nil {
		return nil, err
	}
	rateLimitedTotal, err := meter.Int64Counter("llmgw.rate_limited.total",
		metric.WithDescription("Requests rejected by a per-scope rate limit."))
	if err != nil {
		return nil, err
	}
	budgetExceededTotal, err := meter.Int64Counter("llmgw.budget_exceeded.total",
		metric.WithDescription("Requests rejected by a per-scope budget reservation."))
	if err != nil {
		return nil, err
	}
	requestDuration, err := meter.Float64Histogram("gen_ai.server.request.duration",
		metric.WithDescription("End-to-end request duration, admission through response."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.02, 0.04, 0.08, 0.16, 0.32, 0.64, 1.28, 2.56, 5.12, 10.24, 20.48))
	if err != nil {
		return nil, err
	}
	backendDuration, err := meter.Float64Histogram("llmgw.backend.attempt.duration",
		metric.WithDescription("Duration of a single backend candidate attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.02, 0.04, 0.08, 0.16, 0.32, 0.64, 1.28, 2.56, 5.12, 10.24, 20.48))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		meter:               meter,
		requestsTotal:       requestsTotal,
		rateLimitedTotal:    rateLimitedTotal,
		budgetExceededTotal: budgetExceededTotal,
		requestDuration:     requestDuration,
		backendDuration:     backendDuration,
		promRegistry:        reg,
		provider:            provider,
		snapshot:            newSnapshot(),
	}, nil
}

// RecordRequest implements internal/admission.Metrics.
func (m *Metrics) RecordRequest() {
	m.requestsTotal.Add(context.Background(), 1)
	m.mu.Lock()
	m.snapshot.requests++
	m.mu.Unlock()
}

// RecordRateLimited implements internal/admission.Metrics.
func (m *Metrics) RecordRateLimited(scope gatewaytypes.Scope) {
	m.rateLimitedTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String(attrScope, string(scope))))
	m.mu.Lock()
	m.snapshot.rateLimited[scope]++
	m.mu.Unlock()
}

// RecordBudgetExceeded implements internal/admission.Metrics.
func (m *Metrics) RecordBudgetExceeded(scope gatewaytypes.Scope) {
	m.budgetExceededTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String(attrScope, string(scope))))
	m.mu.Lock()
	m.snapshot.budgetExceeded[scope]++
	m.mu.Unlock()
}

// RecordRequestDuration records the total admission-through-response
// latency of one request at per-path and per-model granularity, per
// spec.md §5's "histograms record total request duration and per-backend
// duration".
func (m *Metrics) RecordRequestDuration(path, model string, status int, dur time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String(attrPath, path),
		attribute.String(attrModel, model),
		attribute.Int(attrStatus, status),
	)
	m.requestDuration.Record(context.Background(), dur.Seconds(), attrs)

	m.mu.Lock()
	defer m.mu.Unlock()
	recordInto(m.snapshot.byPath, path, status, dur)
	recordInto(m.snapshot.byModel, model, status, dur)
}

// RecordBackendAttempt records one candidate attempt's outcome, driven by
// internal/attempt.Engine after each Dispatcher call returns.
func (m *Metrics) RecordBackendAttempt(backend string, status int, dur time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String(attrBackend, backend),
		attribute.Int(attrStatus, status),
	)
	m.backendDuration.Record(context.Background(), dur.Seconds(), attrs)

	m.mu.Lock()
	defer m.mu.Unlock()
	recordInto(m.snapshot.byBackend, backend, status, dur)
}

func recordInto(into map[string]*counterAgg, key string, status int, dur time.Duration) {
	if key == "" {
		key = "unknown"
	}
	agg, ok := into[key]
	if !ok {
		agg = &counterAgg{}
		into[key] = agg
	}
	agg.Requests++
	agg.TotalDurationMS += float64(dur.Milliseconds())
	if status >= 400 {
		agg.Errors++
	}
}

// Snapshot is the JSON body served by GET /metrics.
type Snapshot struct {
	Requests       uint64                    `json:"requests_total"`
	RateLimited    map[gatewaytypes.Scope]uint64 `json:"rate_limited_total,omitempty"`
	BudgetExceeded map[gatewaytypes.Scope]uint64 `json:"budget_exceeded_total,omitempty"`
	ByPath         map[string]AggregateView  `json:"by_path,omitempty"`
	ByModel        map[string]AggregateView  `json:"by_model,omitempty"`
	ByBackend      map[string]AggregateView  `json:"by_backend,omitempty"`
}

// AggregateView is one bucket of Snapshot's per-dimension breakdown.
type AggregateView struct {
	Requests       uint64  `json:"requests"`
	Errors         uint64  `json:"errors"`
	AvgDurationMS  float64 `json:"avg_duration_ms"`
}

// Snapshot returns a point-in-time copy of the mutex-guarded aggregate for
// JSON rendering. It never touches the otel SDK's own collection path.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Snapshot{
		Requests:       m.snapshot.requests,
		RateLimited:    copyScopeMap(m.snapshot.rateLimited),
		BudgetExceeded: copyScopeMap(m.snapshot.budgetExceeded),
		ByPath:         copyAggMap(m.snapshot.byPath),
		ByModel:        copyAggMap(m.snapshot.byModel),
		ByBackend:      copyAggMap(m.snapshot.byBackend),
	}
	return out
}

func copyScopeMap(in map[gatewaytypes.Scope]uint64) map[gatewaytypes.Scope]uint64 {
	out := make(map[gatewaytypes.Scope]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyAggMap(in map[string]*counterAgg) map[string]AggregateView {
	out := make(map[string]AggregateView, len(in))
	for k, agg := range in {
		avg := 0.0
		if agg.Requests > 0 {
			avg = agg.TotalDurationMS / float64(agg.Requests)
		}
		out[k] = AggregateView{Requests: agg.Requests, Errors: agg.Errors, AvgDurationMS: avg}
	}
	return out
}

// PrometheusHandler returns the http.Handler for GET /metrics/prometheus.
func (m *Metrics) PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(m.promRegistry, promhttp.HandlerOpts{})
}

// Shutdown flushes and closes the underlying MeterProvider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
