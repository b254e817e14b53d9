// Package metrics exposes Prometheus instrumentation for generation runs,
// the overdue sweep, interest accrual, the cron driver and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/condo/billing-engine/billing"
)

// Metrics holds all billing engine metrics. It implements billing.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	// Generation
	GenerationRuns     *prometheus.CounterVec
	GenerationDuration *prometheus.HistogramVec
	QuotasCreated      prometheus.Counter
	QuotasFailed       prometheus.Counter
	AmountGenerated    prometheus.Counter

	// Sweep / accrual
	QuotasMarkedOverdue prometheus.Counter
	InterestUpdated     prometheus.Counter
	InterestConflicts   prometheus.Counter

	// Cron driver
	CycleDuration prometheus.Histogram
	ScheduleLocks *prometheus.CounterVec
	SchedulesDue  prometheus.Gauge

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var _ billing.Recorder = (*Metrics)(nil)

// New creates a Metrics instance on its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "billing"
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{registry: registry}

	m.GenerationRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_runs_total",
			Help:      "Quota generation runs by final status",
		},
		[]string{"status"},
	)
	m.GenerationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Duration of quota generation runs",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"status"},
	)
	m.QuotasCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "quotas_created_total",
		Help:      "Quotas created by generation runs",
	})
	m.QuotasFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "quota_evaluations_failed_total",
		Help:      "Units whose formula evaluation failed",
	})
	m.AmountGenerated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "amount_generated_total",
		Help:      "Sum of base amounts of created quotas, all currencies",
	})
	m.QuotasMarkedOverdue = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "quotas_marked_overdue_total",
		Help:      "Quotas transitioned from pending to overdue",
	})
	m.InterestUpdated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "interest_updates_total",
		Help:      "Quotas whose interest amount was raised",
	})
	m.InterestConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "interest_version_conflicts_total",
		Help:      "Interest updates skipped on a stale quota version",
	})
	m.CycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "cycle_duration_seconds",
		Help:      "Duration of a full cron cycle",
		Buckets:   []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300},
	})
	m.ScheduleLocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_locks_total",
			Help:      "Per-schedule lock attempts by outcome",
		},
		[]string{"outcome"},
	)
	m.SchedulesDue = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "schedules_due",
		Help:      "Schedules found due in the last cycle",
	})
	m.HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	m.HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	registry.MustRegister(
		m.GenerationRuns, m.GenerationDuration, m.QuotasCreated, m.QuotasFailed, m.AmountGenerated,
		m.QuotasMarkedOverdue, m.InterestUpdated, m.InterestConflicts,
		m.CycleDuration, m.ScheduleLocks, m.SchedulesDue,
		m.HTTPRequestsTotal, m.HTTPRequestDuration,
	)
	return m
}

// Handler returns the /metrics handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// =============================================================================
// billing.Recorder
// =============================================================================

func (m *Metrics) RecordGeneration(status billing.GenerationStatus, created, failed int, total decimal.Decimal, elapsed time.Duration) {
	m.GenerationRuns.WithLabelValues(string(status)).Inc()
	m.GenerationDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
	m.QuotasCreated.Add(float64(created))
	m.QuotasFailed.Add(float64(failed))
	if total.IsPositive() {
		m.AmountGenerated.Add(total.InexactFloat64())
	}
}

func (m *Metrics) RecordOverdue(n int) {
	m.QuotasMarkedOverdue.Add(float64(n))
}

func (m *Metrics) RecordAccrual(updated, conflicts int) {
	m.InterestUpdated.Add(float64(updated))
	m.InterestConflicts.Add(float64(conflicts))
}

// =============================================================================
// Cron driver
// =============================================================================

func (m *Metrics) RecordCycle(due int, elapsed time.Duration) {
	m.SchedulesDue.Set(float64(due))
	m.CycleDuration.Observe(elapsed.Seconds())
}

// RecordLock counts a per-schedule lock attempt: acquired, busy or error.
func (m *Metrics) RecordLock(outcome string) {
	m.ScheduleLocks.WithLabelValues(outcome).Inc()
}

// =============================================================================
// HTTP
// =============================================================================

// Middleware records request counts and latency, labelled by chi route
// pattern so path parameters don't explode cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
