package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Metrics bundles the HTTP request metrics with the membership-domain
// counters incremented by the reconciler and access controller.
type Metrics struct {
	registry *prometheus.Registry

	reqCnt *prometheus.CounterVec
	reqDur *prometheus.HistogramVec

	// WebhookEvents counts processor events by type and outcome
	// (handled, duplicate, rejected, ignored, failed).
	WebhookEvents *prometheus.CounterVec
	Activations   prometheus.Counter
	Expirations   *prometheus.CounterVec
	SweepRuns     prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		reqCnt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests processed, partitioned by status code, method and route.",
		}, []string{"code", "method", "route"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "http_request_duration_ms",
			Help: "HTTP request latencies in milliseconds.",
		}, []string{"code", "method", "route"}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Payment processor webhook events by type and outcome.",
		}, []string{"event_type", "outcome"}),
		Activations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "subscription_activations_total",
			Help: "Subscriptions activated or extended.",
		}),
		Expirations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "subscription_expirations_total",
			Help: "Subscriptions expired, partitioned by reason.",
		}, []string{"reason"}),
		SweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "expiry_sweep_runs_total",
			Help: "Expiry sweep invocations (scheduled and manual).",
		}),
	}
	reg.MustRegister(m.reqCnt, m.reqDur, m.WebhookEvents, m.Activations, m.Expirations, m.SweepRuns)
	return m
}

// GinMiddleware records request count and latency per route.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		code := strconv.Itoa(c.Writer.Status())
		m.reqCnt.WithLabelValues(code, c.Request.Method, route).Inc()
		m.reqDur.WithLabelValues(code, c.Request.Method, route).
			Observe(float64(time.Since(start).Milliseconds()))
	}
}

// Serve exposes /metrics on its own listener, separate from the API port.
func (m *Metrics) Serve(addr string, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Errorf("metrics listener error: %v", err)
		}
	}()
}

var Module = fx.Options(
	fx.Provide(New),
)
