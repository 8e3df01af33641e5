// Package metrics exposes Prometheus collectors for the leave engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leave_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "leave_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leave_transitions_total",
		Help: "Lifecycle transitions attempted, by transition and result",
	}, []string{"transition", "result"})

	daysDebited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leave_days_debited_total",
		Help: "Days debited from ledgers on approval",
	}, []string{"leave_type"})

	ledgerDrift = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "leave_ledger_drift_owners",
		Help: "Owners whose ledger disagreed with the journal in the last audit",
	})
)

// ObserveHTTPRequest records an HTTP request metric.
func ObserveHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// ObserveTransition counts an apply/approve/reject/cancel attempt. result is
// "ok" or the error class.
func ObserveTransition(transition, result string) {
	transitionsTotal.WithLabelValues(transition, result).Inc()
}

// ObserveDebit adds days to the debited counter for leaveType.
func ObserveDebit(leaveType string, days int) {
	daysDebited.WithLabelValues(leaveType).Add(float64(days))
}

// SetLedgerDrift records how many owners failed the last audit.
func SetLedgerDrift(owners int) {
	ledgerDrift.Set(float64(owners))
}

// HTTPMiddleware instruments requests. The path label is the chi route
// pattern, or UnmatchedRoute when nothing matched.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		ObserveHTTPRequest(r.Method, routeLabel(r), strconv.Itoa(ww.status), time.Since(start))
	})
}

// UnmatchedRoute labels requests no route pattern matched.
const UnmatchedRoute = "unmatched"

func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return UnmatchedRoute
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
