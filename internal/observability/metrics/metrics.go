package metrics

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Config carries the constant labels stamped on every metric.
type Config struct {
	ServiceName string
	Environment string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	creditConsumes *prometheus.CounterVec
	creditRefunds  *prometheus.CounterVec
	allocations    *prometheus.CounterVec
	dispatches     *prometheus.CounterVec
	webhooks       *prometheus.CounterVec
	poolRefills    prometheus.Counter
	alertsEmitted  *prometheus.CounterVec
}

// New registers the domain instruments with the provided registerer.
func New(cfg Config, registerer prometheus.Registerer) (*Metrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "preset-credits"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &Metrics{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "credits_http_requests_total",
			Help:        "HTTP requests by route, method and status.",
			ConstLabels: constLabels,
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "credits_http_request_duration_seconds",
			Help:        "HTTP request latency by route.",
			Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			ConstLabels: constLabels,
		}, []string{"route", "method"}),
		creditConsumes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "credits_consume_total",
			Help:        "Credit consume attempts by funding source and outcome.",
			ConstLabels: constLabels,
		}, []string{"source", "outcome"}),
		creditRefunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "credits_refund_total",
			Help:        "Credit refunds by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "credits_monthly_allocations_total",
			Help:        "Monthly allocation grants by subscription tier.",
			ConstLabels: constLabels,
		}, []string{"tier"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "credits_generation_dispatch_total",
			Help:        "Generation dispatches by provider and outcome.",
			ConstLabels: constLabels,
		}, []string{"provider", "outcome"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "credits_generation_webhooks_total",
			Help:        "Provider webhook deliveries by provider and outcome.",
			ConstLabels: constLabels,
		}, []string{"provider", "outcome"}),
		poolRefills: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "credits_pool_refills_total",
			Help:        "Platform pool refill operations.",
			ConstLabels: constLabels,
		}),
		alertsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "credits_alerts_total",
			Help:        "System alerts emitted by type.",
			ConstLabels: constLabels,
		}, []string{"type"}),
	}

	collectors := []prometheus.Collector{
		m.httpRequests,
		m.httpDuration,
		m.creditConsumes,
		m.creditRefunds,
		m.allocations,
		m.dispatches,
		m.webhooks,
		m.poolRefills,
		m.alertsEmitted,
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return nil, err
			}
		}
	}

	return m, nil
}

// GinMiddleware records request counts and latency per route.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	if m == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		method := c.Request.Method
		m.httpRequests.WithLabelValues(route, method, statusClass(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
	}
}

// RecordConsume increments credit consume counts.
func (m *Metrics) RecordConsume(source, outcome string) {
	if m == nil {
		return
	}
	m.creditConsumes.WithLabelValues(source, outcome).Inc()
}

// RecordRefund increments credit refund counts.
func (m *Metrics) RecordRefund(outcome string) {
	if m == nil {
		return
	}
	m.creditRefunds.WithLabelValues(outcome).Inc()
}

// RecordAllocation increments monthly allocation counts by tier.
func (m *Metrics) RecordAllocation(tier string) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(strings.TrimSpace(tier)).Inc()
}

// RecordDispatch increments generation dispatch counts.
func (m *Metrics) RecordDispatch(provider, outcome string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(strings.TrimSpace(provider), outcome).Inc()
}

// RecordWebhook increments webhook delivery counts.
func (m *Metrics) RecordWebhook(provider, outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(strings.TrimSpace(provider), outcome).Inc()
}

// RecordPoolRefill increments the pool refill counter.
func (m *Metrics) RecordPoolRefill() {
	if m == nil {
		return
	}
	m.poolRefills.Inc()
}

// RecordAlert increments the alert counter by alert type.
func (m *Metrics) RecordAlert(alertType string) {
	if m == nil {
		return
	}
	m.alertsEmitted.WithLabelValues(strings.TrimSpace(alertType)).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
