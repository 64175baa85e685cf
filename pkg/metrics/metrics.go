package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns the process metrics. A nil *Registry is valid and records
// nothing, so components can take it as an optional dependency.
type Registry struct {
	reg          *prometheus.Registry
	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
	outcomes     *prometheus.CounterVec
	redemptions  *prometheus.CounterVec
	reconciles   *prometheus.CounterVec
	abuse        *prometheus.CounterVec
	sweeps       *prometheus.CounterVec
	pending      prometheus.Gauge
	streamConns  prometheus.Gauge
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "darkroom",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "darkroom",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "darkroom",
			Name:      "entitlement_outcomes_total",
			Help:      "Entitlement and cart outcomes by kind.",
		}, []string{"operation", "outcome"}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "darkroom",
			Name:      "token_redemptions_total",
			Help:      "Download token redemptions by result.",
		}, []string{"result"}),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "darkroom",
			Name:      "payment_reconciliations_total",
			Help:      "Payment reconciliations by result.",
		}, []string{"result"}),
		abuse: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "darkroom",
			Name:      "abuse_verdicts_total",
			Help:      "Abuse guard verdicts by level.",
		}, []string{"verdict"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "darkroom",
			Name:      "sweeper_items_total",
			Help:      "Items removed or expired by background sweepers.",
		}, []string{"sweeper"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "darkroom",
			Name:      "pending_entitlements_expired_last_sweep",
			Help:      "Pending paid entitlements expired by the most recent sweep.",
		}),
		streamConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "darkroom",
			Name:      "stream_subscribers",
			Help:      "Connected event stream subscribers.",
		}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.httpRequests, r.httpLatency, r.outcomes, r.redemptions,
		r.reconciles, r.abuse, r.sweeps, r.pending, r.streamConns,
	)
	return r
}

func (r *Registry) Observe(route string, status int, d time.Duration) {
	if r == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	r.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.httpLatency.WithLabelValues(route).Observe(d.Seconds())
}

func (r *Registry) IncOutcome(operation, outcome string) {
	if r == nil || outcome == "" {
		return
	}
	r.outcomes.WithLabelValues(operation, outcome).Inc()
}

func (r *Registry) IncRedemption(result string) {
	if r == nil || result == "" {
		return
	}
	r.redemptions.WithLabelValues(result).Inc()
}

func (r *Registry) IncReconcile(result string) {
	if r == nil || result == "" {
		return
	}
	r.reconciles.WithLabelValues(result).Inc()
}

func (r *Registry) IncAbuse(verdict string) {
	if r == nil || verdict == "" {
		return
	}
	r.abuse.WithLabelValues(verdict).Inc()
}

func (r *Registry) AddSwept(sweeper string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.sweeps.WithLabelValues(sweeper).Add(float64(n))
}

func (r *Registry) SetPendingExpired(n int) {
	if r == nil {
		return
	}
	r.pending.Set(float64(n))
}

func (r *Registry) AddStreamSubscribers(delta int) {
	if r == nil {
		return
	}
	r.streamConns.Add(float64(delta))
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
