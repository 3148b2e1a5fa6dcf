/*
metrics.go - Prometheus collectors for the loyalty engine and HTTP surface

PURPOSE:
  Implements loyalty.Metrics on Prometheus counters and records HTTP request
  counts and latencies keyed by chi route pattern.

REGISTRY:
  Each Metrics owns its registry so tests and multiple servers in one
  process never collide on registration. Handler() exposes it for /metrics.

SERIES (namespace "loyalty" by default):
  transactions_total
  credits_earned_total{mode}
  vouchers_issued_total{source}
  codes_presented_total
  redemptions_total{outcome}
  reconciliation_records_total{result}
  http_requests_total{route,method,status}
  http_request_duration_seconds{route,method}
*/
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/loyalty-engine/loyalty"
)

// Metrics implements loyalty.Metrics.
type Metrics struct {
	registry *prometheus.Registry

	transactions prometheus.Counter
	credits      *prometheus.CounterVec
	vouchers     *prometheus.CounterVec
	presented    prometheus.Counter
	redemptions  *prometheus.CounterVec
	records      *prometheus.CounterVec

	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

var _ loyalty.Metrics = (*Metrics)(nil)

// New builds and registers every collector under namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "loyalty"
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Spend/visit events recorded.",
		}),
		credits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_earned_total",
			Help:      "Credits earned segmented by earning mode.",
		}, []string{"mode"}),
		vouchers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vouchers_issued_total",
			Help:      "Vouchers issued segmented by source (manual or auto).",
		}, []string{"source"}),
		presented: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "codes_presented_total",
			Help:      "Presentation codes generated.",
		}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redemptions_total",
			Help:      "Redemption attempts segmented by outcome.",
		}, []string{"outcome"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_records_total",
			Help:      "Settlement rows processed segmented by match result.",
		}, []string{"result"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests segmented by route, method and status code.",
		}, []string{"route", "method", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	m.registry.MustRegister(
		m.transactions, m.credits, m.vouchers, m.presented, m.redemptions, m.records,
		m.requests, m.durations,
	)
	return m
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TransactionRecorded() { m.transactions.Inc() }

func (m *Metrics) CreditsEarned(mode loyalty.EarningMode, n int64) {
	if n > 0 {
		m.credits.WithLabelValues(string(mode)).Add(float64(n))
	}
}

func (m *Metrics) VoucherIssued(source loyalty.IssueSource) {
	m.vouchers.WithLabelValues(string(source)).Inc()
}

func (m *Metrics) CodePresented() { m.presented.Inc() }

func (m *Metrics) RedemptionAttempt(outcome string) {
	m.redemptions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ReconciliationRecords(matched, unmatched int) {
	m.records.WithLabelValues("matched").Add(float64(matched))
	m.records.WithLabelValues("unmatched").Add(float64(unmatched))
}

// Middleware records request count and latency. The route label is the chi
// pattern (e.g. /api/diners/{dinerID}/balances) so IDs don't explode
// cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		m.requests.WithLabelValues(route, r.Method, strconv.Itoa(recorder.status)).Inc()
		m.durations.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
