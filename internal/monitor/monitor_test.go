package monitor

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/events"
)

func scrape(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetricsExposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.OrderExecuted("rest", true, 120*time.Millisecond)
	m.OrderExecuted("ws", false, 30*time.Millisecond)
	m.StopUpdate("success")
	m.SafetyStop()
	m.SetProxySessions(3)
	m.HTTPRequest("GET", "/api/asl", 200, 5*time.Millisecond)

	out := scrape(t, reg)
	assert.Contains(t, out, `execution_orders_total{path="rest",result="success"} 1`)
	assert.Contains(t, out, `execution_orders_total{path="ws",result="failed"} 1`)
	assert.Contains(t, out, `execution_order_latency_seconds_count 2`)
	assert.Contains(t, out, `asl_updates_total{result="success"} 1`)
	assert.Contains(t, out, `asl_safety_stops_total 1`)
	assert.Contains(t, out, `proxy_sessions 3`)
	assert.Contains(t, out, `http_request_duration_seconds_count{method="GET",route="/api/asl",status="200"} 1`)

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.OrdersProcessed)
	assert.Equal(t, uint64(1), snap.ErrorsCount)
	assert.Equal(t, 2, snap.OrderLatency.Count)
	assert.InDelta(t, 120, snap.OrderLatency.Max, 0.001)
}

func TestLatencyWindow(t *testing.T) {
	h := NewLatencyHistogram(3)
	for _, v := range []float64{50, 10, 20, 30} {
		h.Record(v)
	}
	s := h.Stats()
	assert.Equal(t, 3, s.Count)
	assert.Equal(t, 10.0, s.Min)
	assert.Equal(t, 30.0, s.Max)
	assert.Equal(t, 20.0, s.Avg)
}

func TestMonitorTracksConnectionAndAlerts(t *testing.T) {
	reg := prometheus.NewRegistry()
	bus := events.NewBus()
	var mu sync.Mutex
	var alerts []string
	mon := &Monitor{
		Bus:     bus,
		Metrics: NewMetrics(reg),
		Session: "trading",
		Sink: SinkFunc(func(msg string) error {
			mu.Lock()
			alerts = append(alerts, msg)
			mu.Unlock()
			return nil
		}),
	}
	mon.Start()
	defer mon.Stop()

	bus.Publish(events.KindReconnecting, events.Reconnecting{Session: "trading", Attempt: 1, Delay: time.Second})
	bus.Publish(events.KindOpen, events.Open{Session: "market"})
	bus.Publish(events.KindFailed, events.Failed{Session: "trading", Attempts: 10})
	bus.Publish(events.KindStopUpdated, events.StopUpdated{PositionID: "BTCUSDT_LONG", OrderID: "9", StopPrice: 90, Safety: true})
	bus.Publish(events.KindStopUpdated, events.StopUpdated{PositionID: "BTCUSDT_LONG", OrderID: "10", StopPrice: 99, Level: 1})
	bus.Publish(events.KindExecution, events.Execution{Symbol: "BTCUSDT", Side: "BUY", OrderID: "1", Partial: true, Message: "rejected"})

	out := scrape(t, reg)
	assert.Contains(t, out, "connection_reconnects_total 1")
	assert.Contains(t, out, "connection_state -1")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, alerts, 3)
	assert.Contains(t, alerts[0], "trading session gave up after 10")
	assert.Contains(t, alerts[1], "safety stop installed for BTCUSDT_LONG")
	assert.Contains(t, alerts[2], "without stop-loss")
}
