// Package metrics holds the Prometheus collectors and adapts them to the recorder interfaces
// of the domain packages.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"pagewise/api/internal/formula"
	"pagewise/api/internal/logging"
	"pagewise/api/internal/rbac"
)

type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimitedTotal    prometheus.Counter

	// Domain metrics
	AuthorizationDecisionsTotal *prometheus.CounterVec
	FormulaFailuresTotal        *prometheus.CounterVec
	RollupBatchFailuresTotal    prometheus.Counter
	InvitationTransitionsTotal  *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewise_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagewise_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		RateLimitedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pagewise_http_rate_limited_total",
				Help: "Requests rejected by the per-client rate limit",
			},
		),
		AuthorizationDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewise_authorization_decisions_total",
				Help: "Permission checks by action and result (allow, deny, error)",
			},
			[]string{"action", "result"},
		),
		FormulaFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewise_formula_failures_total",
				Help: "Formula evaluations that degraded to null, by reason",
			},
			[]string{"reason"},
		),
		RollupBatchFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pagewise_rollup_batch_failures_total",
				Help: "Related-document batch fetches left out of a rollup",
			},
		),
		InvitationTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewise_invitation_transitions_total",
				Help: "Invitation lifecycle transitions",
			},
			[]string{"transition"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RateLimitedTotal,
		m.AuthorizationDecisionsTotal,
		m.FormulaFailuresTotal,
		m.RollupBatchFailuresTotal,
		m.InvitationTransitionsTotal,
	)
	return m
}

func (m *Metrics) ObserveHTTPRequest(method, route string, status int, elapsed time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRateLimited() {
	m.RateLimitedTotal.Inc()
}

func (m *Metrics) ObserveAuthorization(action rbac.Action, result string) {
	m.AuthorizationDecisionsTotal.WithLabelValues(string(action), result).Inc()
}

func (m *Metrics) ObserveRollupBatchFailure() {
	m.RollupBatchFailuresTotal.Inc()
}

func (m *Metrics) ObserveInvitation(transition string, count int) {
	if count <= 0 {
		return
	}
	m.InvitationTransitionsTotal.WithLabelValues(transition).Add(float64(count))
}

// FormulaReporter counts each failure and logs it with the formula text and property keys.
func (m *Metrics) FormulaReporter(log logrus.FieldLogger) formula.Reporter {
	log = logging.OrDiscard(log)
	return formula.ReporterFunc(func(f formula.Failure) {
		m.FormulaFailuresTotal.WithLabelValues(f.Reason).Inc()
		entry := log.WithFields(logrus.Fields{
			"formula":       f.Formula,
			"property_keys": f.PropertyKeys,
			"reason":        f.Reason,
		})
		if f.Err != nil {
			entry = entry.WithError(f.Err)
		}
		entry.Warn("formula evaluation failed")
	})
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
