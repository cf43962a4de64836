package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "license_server"

// Metrics holds the Prometheus collectors for the license server.
type Metrics struct {
	operationsTotal   *prometheus.CounterVec
	hoursConsumed     prometheus.Counter
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	rateLimitedTotal  *prometheus.CounterVec
	webhooksTotal     *prometheus.CounterVec
	websocketClients  prometheus.Gauge
}

var (
	defaultInstance *Metrics
	defaultOnce     sync.Once
)

// Default returns the metrics registered on the global Prometheus registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultInstance = New(prometheus.DefaultRegisterer)
	})
	return defaultInstance
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "license",
				Name:      "operations_total",
				Help:      "License operations by operation and outcome reason",
			},
			[]string{"operation", "outcome"},
		),
		hoursConsumed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "license",
				Name:      "hours_consumed_total",
				Help:      "Prepaid hours debited by usage tracking",
			},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by method, route and status code",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency by route",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		rateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter by backend",
			},
			[]string{"backend"},
		),
		webhooksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "payments",
				Name:      "webhooks_total",
				Help:      "Payment webhooks by gateway and result",
			},
			[]string{"gateway", "result"},
		),
		websocketClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "websocket",
				Name:      "clients",
				Help:      "Connected license event websocket clients",
			},
		),
	}

	reg.MustRegister(
		m.operationsTotal,
		m.hoursConsumed,
		m.httpRequestsTotal,
		m.httpDuration,
		m.rateLimitedTotal,
		m.webhooksTotal,
		m.websocketClients,
	)

	return m
}

// ObserveOperation records the outcome of a license operation.
func (m *Metrics) ObserveOperation(operation, outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	m.operationsTotal.WithLabelValues(operation, outcome).Inc()
}

// ObserveHoursConsumed adds debited hours.
func (m *Metrics) ObserveHoursConsumed(hours float64) {
	if hours > 0 {
		m.hoursConsumed.Add(hours)
	}
}

// ObserveHTTP records one completed request. Unmatched routes are grouped.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// ObserveRateLimited records a rejected request.
func (m *Metrics) ObserveRateLimited(backend string) {
	m.rateLimitedTotal.WithLabelValues(backend).Inc()
}

// ObserveWebhook records a processed payment webhook.
func (m *Metrics) ObserveWebhook(gateway, result string) {
	m.webhooksTotal.WithLabelValues(gateway, result).Inc()
}

// WebSocketConnected adjusts the connected-clients gauge by delta.
func (m *Metrics) WebSocketConnected(delta int) {
	m.websocketClients.Add(float64(delta))
}
