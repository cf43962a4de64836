package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveOperation(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveOperation("track_usage", "ok")
	m.ObserveOperation("track_usage", "ok")
	m.ObserveOperation("track_usage", "insufficient_hours")
	m.ObserveOperation("validate", "")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.operationsTotal.WithLabelValues("track_usage", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operationsTotal.WithLabelValues("track_usage", "insufficient_hours")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operationsTotal.WithLabelValues("validate", "unknown")))
}

func TestObserveHoursConsumedIgnoresNonPositive(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveHoursConsumed(0.5)
	m.ObserveHoursConsumed(0)
	m.ObserveHoursConsumed(-1)

	assert.Equal(t, 0.5, testutil.ToFloat64(m.hoursConsumed))
}

func TestObserveHTTP(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveHTTP("POST", "/api/licenses/validate", 200, 15*time.Millisecond)
	m.ObserveHTTP("GET", "", 404, time.Millisecond)
	m.ObserveRateLimited("redis")
	m.ObserveWebhook("stripe", "created")
	m.WebSocketConnected(2)
	m.WebSocketConnected(-1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("POST", "/api/licenses/validate", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "unmatched", "404")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimitedTotal.WithLabelValues("redis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhooksTotal.WithLabelValues("stripe", "created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.websocketClients))
	assert.Equal(t, 2, testutil.CollectAndCount(m.httpDuration))
}
