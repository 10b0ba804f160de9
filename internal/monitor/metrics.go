// Package monitor exposes Prometheus metrics and raises operator alerts from bus events.
package monitor

import (
	"runtime"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector of the execution core. Register once per registry.
type Metrics struct {
	orders        *prometheus.CounterVec
	orderLatency  prometheus.Histogram
	reconnects    prometheus.Counter
	connState     prometheus.Gauge
	aslUpdates    *prometheus.CounterVec
	safetyStops   prometheus.Counter
	proxySessions prometheus.Gauge
	httpRequests  *prometheus.HistogramVec

	// OrderLatency keeps recent samples for the status endpoint.
	OrderLatency *LatencyHistogram

	ordersProcessed atomic.Uint64
	errorsCount     atomic.Uint64
}

// NewMetrics builds the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "execution_orders_total",
				Help: "Orders submitted, by transport path and result",
			},
			[]string{"path", "result"},
		),
		orderLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "execution_order_latency_seconds",
			Help:    "Time from order intent to venue acknowledgement",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "connection_reconnects_total",
			Help: "Reconnect attempts of the trading session",
		}),
		// 0 disconnected, 1 connecting/reconnecting, 2 connected, -1 failed.
		connState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "connection_state",
			Help: "Trading session state",
		}),
		aslUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "asl_updates_total",
				Help: "Trailing stop replace attempts by result",
			},
			[]string{"result"},
		),
		safetyStops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asl_safety_stops_total",
			Help: "Safety stops installed by the watchdog",
		}),
		proxySessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_sessions",
			Help: "Sessions held by the execution proxy",
		}),
		httpRequests: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency by route and status",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
		OrderLatency: NewLatencyHistogram(1000),
	}
	if reg != nil {
		reg.MustRegister(m.orders, m.orderLatency, m.reconnects, m.connState, m.aslUpdates, m.safetyStops, m.proxySessions, m.httpRequests)
	}
	return m
}

// OrderExecuted records one order outcome.
func (m *Metrics) OrderExecuted(path string, success bool, latency time.Duration) {
	result := "success"
	if !success {
		result = "failed"
		m.errorsCount.Add(1)
	}
	if path == "" {
		path = "none"
	}
	m.orders.WithLabelValues(path, result).Inc()
	m.orderLatency.Observe(latency.Seconds())
	m.OrderLatency.RecordDuration(latency)
	m.ordersProcessed.Add(1)
}

// StopUpdate counts a trailing stop replace attempt.
func (m *Metrics) StopUpdate(result string) {
	m.aslUpdates.WithLabelValues(result).Inc()
}

// SafetyStop counts a watchdog-installed stop.
func (m *Metrics) SafetyStop() {
	m.safetyStops.Inc()
}

// Reconnect counts a reconnect attempt.
func (m *Metrics) Reconnect() {
	m.reconnects.Inc()
}

// SetConnectionState maps the session state onto the gauge.
func (m *Metrics) SetConnectionState(v float64) {
	m.connState.Set(v)
}

// SetProxySessions reports the proxy's live session count.
func (m *Metrics) SetProxySessions(n int) {
	m.proxySessions.Set(float64(n))
}

// HTTPRequest observes one served request. It matches middleware.Observer.
func (m *Metrics) HTTPRequest(method, route string, status int, latency time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(latency.Seconds())
}

// LatencyHistogram tracks latency samples over a sliding window. Stats are recomputed lazily.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewLatencyHistogram creates a sliding window of size samples.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration records d in milliseconds.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg and percentiles of the window.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}
	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}
	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

// LatencyStats holds computed latency statistics in milliseconds.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// Snapshot is a point-in-time process view served by the status endpoint.
type Snapshot struct {
	OrderLatency    LatencyStats `json:"order_latency"`
	OrdersProcessed uint64       `json:"orders_processed"`
	ErrorsCount     uint64       `json:"errors_count"`
	GoroutineCount  int          `json:"goroutine_count"`
	HeapAlloc       uint64       `json:"heap_alloc_bytes"`
	Timestamp       time.Time    `json:"timestamp"`
}

// Snapshot returns current process metrics.
func (m *Metrics) Snapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return Snapshot{
		OrderLatency:    m.OrderLatency.Stats(),
		OrdersProcessed: m.ordersProcessed.Load(),
		ErrorsCount:     m.errorsCount.Load(),
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAlloc:       mem.HeapAlloc,
		Timestamp:       time.Now(),
	}
}
