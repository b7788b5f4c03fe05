package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tierOps         *prometheus.CounterVec
	reductionRuns   *prometheus.CounterVec
	reductionItems  *prometheus.CounterVec
	sweptSlots      prometheus.Counter
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent_context",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agent_context",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		tierOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent_context",
			Name:      "tier_operations_total",
			Help:      "Tier operations by tier, operation and outcome.",
		}, []string{"tier", "op", "outcome"}),
		reductionRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent_context",
			Name:      "reduction_runs_total",
			Help:      "Reduction passes by outcome.",
		}, []string{"outcome"}),
		reductionItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent_context",
			Name:      "reduction_items_total",
			Help:      "Items changed by reduction passes, by kind.",
		}, []string{"kind"}),
		sweptSlots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agent_context",
			Name:      "working_slots_swept_total",
			Help:      "Expired working-memory slots removed by the sweep job.",
		}),
	}
	m.registry.MustRegister(
		m.requests, m.requestDuration, m.tierOps, m.reductionRuns, m.reductionItems, m.sweptSlots,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, route, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, code).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// TierOp records one tier operation outcome (ok, miss, or an error kind).
func (m *Metrics) TierOp(tier, op, outcome string) {
	if m == nil {
		return
	}
	m.tierOps.WithLabelValues(tier, op, outcome).Inc()
}

// ReductionRun records a finished reduction pass and what it changed.
func (m *Metrics) ReductionRun(outcome string, pruned, summaries, archived, deleted int) {
	if m == nil {
		return
	}
	m.reductionRuns.WithLabelValues(outcome).Inc()
	m.reductionItems.WithLabelValues("messages_pruned").Add(float64(pruned))
	m.reductionItems.WithLabelValues("summaries_written").Add(float64(summaries))
	m.reductionItems.WithLabelValues("entities_archived").Add(float64(archived))
	m.reductionItems.WithLabelValues("entities_deleted").Add(float64(deleted))
}

// SlotsSwept records expired slots removed by a sweep.
func (m *Metrics) SlotsSwept(n int) {
	if m == nil {
		return
	}
	m.sweptSlots.Add(float64(n))
}
