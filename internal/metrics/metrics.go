// Package metrics exposes Prometheus collectors for the HTTP surface and for
// ledger events.
//
// Each Metrics value owns its registry, so a server and its tests never fight
// over the global default registerer. A nil *Metrics is valid and records
// nothing, which keeps the services usable without instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "carbon_ledger"

// Redemption outcomes.
const (
	OutcomeRedeemed     = "redeemed"
	OutcomeUnknown      = "unknown_reward"
	OutcomeDuplicate    = "already_redeemed"
	OutcomeInsufficient = "insufficient_balance"
	OutcomeError        = "error"
)

// Metrics holds every collector the server records.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	contributionsCreated prometheus.Counter
	quotaRejections      prometheus.Counter
	growthUpdates        *prometheus.CounterVec
	redemptions          *prometheus.CounterVec
	credits              *prometheus.CounterVec
	storeRetries         *prometheus.CounterVec
}

// New creates the collectors and registers them, together with the process
// and Go runtime collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Number of HTTP requests currently being served.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),

		contributionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "contributions",
			Name:      "created_total",
			Help:      "Contributions written to the store.",
		}),
		quotaRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "contributions",
			Name:      "quota_rejections_total",
			Help:      "Submissions refused by the daily quota.",
		}),
		growthUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "contributions",
			Name:      "growth_updates_total",
			Help:      "Growth updates appended or removed.",
		}, []string{"op"}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rewards",
			Name:      "redemptions_total",
			Help:      "Redemption attempts by outcome.",
		}, []string{"outcome"}),
		credits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "credits_total",
			Help:      "Credits moved through the ledger by transaction kind.",
		}, []string{"kind"}),
		storeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "retries_total",
			Help:      "Store transactions retried after a transient failure.",
		}, []string{"op"}),
	}

	m.registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.contributionsCreated,
		m.quotaRejections,
		m.growthUpdates,
		m.redemptions,
		m.credits,
		m.storeRetries,
	)
	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// InstrumentHandler records in-flight count, request totals and latency.
// The route label is the chi route pattern ("/api/contributions/{id}"), not
// the raw path, so ids never blow up label cardinality.
func (m *Metrics) InstrumentHandler(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) ContributionCreated() {
	if m != nil {
		m.contributionsCreated.Inc()
	}
}

func (m *Metrics) QuotaRejected() {
	if m != nil {
		m.quotaRejections.Inc()
	}
}

// GrowthUpdate counts a growth operation; op is "append" or "remove".
func (m *Metrics) GrowthUpdate(op string) {
	if m != nil {
		m.growthUpdates.WithLabelValues(op).Inc()
	}
}

// Redemption counts one redemption attempt by outcome.
func (m *Metrics) Redemption(outcome string) {
	if m != nil {
		m.redemptions.WithLabelValues(outcome).Inc()
	}
}

// Credits adds amount to the counter for kind (earn, convert, spend).
func (m *Metrics) Credits(kind string, amount int64) {
	if m != nil && amount > 0 {
		m.credits.WithLabelValues(kind).Add(float64(amount))
	}
}

// StoreRetry matches the sqlite.Config.OnRetry hook.
func (m *Metrics) StoreRetry(op string, _ int, _ error) {
	if m != nil {
		m.storeRetries.WithLabelValues(op).Inc()
	}
}
