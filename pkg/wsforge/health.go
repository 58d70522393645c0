package wsforge

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthStatus is the coarse rollup reported on the health endpoint.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

const durationSampleCap = 1000
const durationSampleTrimTo = 500

// HealthMonitor aggregates the counters and gauges of spec.md §4.7 and
// serves them over two gin routes: a plain health rollup and a
// Prometheus-formatted metrics page.
type HealthMonitor struct {
	mu sync.Mutex

	totalUpgrades   int64
	activeUpgrades  int64
	closedTotal     int64
	rejectedTotal   int64
	errorTotal      int64
	messagesIn      int64
	messagesOut     int64
	durationSamples []time.Duration

	pool     *Pool
	memory   *MemoryManager
	breaker  *BreakerRegistry
	capacity int

	registry *prometheus.Registry

	upgradesTotal *prometheus.CounterVec
	rejectsTotal  *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	messagesTotal *prometheus.CounterVec
	activeGauge   prometheus.Gauge
	durationHist  prometheus.Histogram
}

// NewHealthMonitor wires a process-independent prometheus registry and
// returns a monitor ready to observe traffic. pool/memory/breaker may
// be nil in tests that only exercise the counters.
func NewHealthMonitor(pool *Pool, memory *MemoryManager, breaker *BreakerRegistry) *HealthMonitor {
	reg := prometheus.NewRegistry()
	fac := promauto.With(reg)
	return &HealthMonitor{
		pool:     pool,
		memory:   memory,
		breaker:  breaker,
		registry: reg,
		upgradesTotal: fac.NewCounterVec(prometheus.CounterOpts{
			Name: "wsforge_upgrades_total",
			Help: "Total WebSocket upgrade attempts that succeeded",
		}, []string{"route"}),
		rejectsTotal: fac.NewCounterVec(prometheus.CounterOpts{
			Name: "wsforge_rejects_total",
			Help: "Total WebSocket upgrade attempts rejected before handshake",
		}, []string{"route", "reason"}),
		errorsTotal: fac.NewCounterVec(prometheus.CounterOpts{
			Name: "wsforge_errors_total",
			Help: "Total connection-lifecycle errors by kind",
		}, []string{"kind"}),
		messagesTotal: fac.NewCounterVec(prometheus.CounterOpts{
			Name: "wsforge_messages_total",
			Help: "Total messages sent/received across all connections",
		}, []string{"direction"}),
		activeGauge: fac.NewGauge(prometheus.GaugeOpts{
			Name: "wsforge_active_connections",
			Help: "Currently open WebSocket connections",
		}),
		durationHist: fac.NewHistogram(prometheus.HistogramOpts{
			Name:    "wsforge_connection_duration_seconds",
			Help:    "Lifetime of closed WebSocket connections",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// SetCapacity records the connection cap used to compute the
// active-connections-vs-capacity degraded threshold.
func (h *HealthMonitor) SetCapacity(capacity int) {
	h.mu.Lock()
	h.capacity = capacity
	h.mu.Unlock()
}

// RecordUpgrade records a successful handshake for route.
func (h *HealthMonitor) RecordUpgrade(route string) {
	h.mu.Lock()
	h.totalUpgrades++
	h.activeUpgrades++
	h.mu.Unlock()
	h.upgradesTotal.WithLabelValues(route).Inc()
	h.activeGauge.Inc()
}

// RecordReject records an admission-time rejection for route, tagged
// with a short reason (e.g. "rate_limited", "route_not_found",
// "breaker_open").
func (h *HealthMonitor) RecordReject(route, reason string) {
	h.mu.Lock()
	h.rejectedTotal++
	h.mu.Unlock()
	h.rejectsTotal.WithLabelValues(route, reason).Inc()
}

// RecordError records a connection-lifecycle error by kind.
func (h *HealthMonitor) RecordError(kind string) {
	h.mu.Lock()
	h.errorTotal++
	h.mu.Unlock()
	h.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordMessage records one message crossing a connection in the given
// direction ("in" or "out"), per spec.md §3's messages-in/out counters.
func (h *HealthMonitor) RecordMessage(direction string) {
	h.mu.Lock()
	if direction == "out" {
		h.messagesOut++
	} else {
		h.messagesIn++
	}
	h.mu.Unlock()
	h.messagesTotal.WithLabelValues(direction).Inc()
}

// RecordClose records the lifetime of a connection that just closed.
func (h *HealthMonitor) RecordClose(lifetime time.Duration) {
	h.mu.Lock()
	h.activeUpgrades--
	h.closedTotal++
	h.durationSamples = append(h.durationSamples, lifetime)
	if len(h.durationSamples) > durationSampleCap {
		h.durationSamples = h.durationSamples[len(h.durationSamples)-durationSampleTrimTo:]
	}
	h.mu.Unlock()
	h.activeGauge.Dec()
	h.durationHist.Observe(lifetime.Seconds())
}

// Snapshot is the JSON-serializable body of the health endpoint.
type Snapshot struct {
	Status          HealthStatus `json:"status"`
	TotalUpgrades   int64        `json:"totalUpgrades"`
	ActiveUpgrades  int64        `json:"activeConnections"`
	ClosedTotal     int64        `json:"closedTotal"`
	RejectedTotal   int64        `json:"rejectedTotal"`
	ErrorTotal      int64        `json:"errorTotal"`
	MessagesIn      int64        `json:"messagesIn"`
	MessagesOut     int64        `json:"messagesOut"`
	P50DurationMs   int64        `json:"p50DurationMs"`
	P99DurationMs   int64        `json:"p99DurationMs"`
	PoolConnections int          `json:"poolConnections,omitempty"`
	AnyBreakerOpen  bool         `json:"anyBreakerOpen,omitempty"`
}

func (h *HealthMonitor) Snapshot() Snapshot {
	h.mu.Lock()
	samples := append([]time.Duration(nil), h.durationSamples...)
	snap := Snapshot{
		TotalUpgrades:  h.totalUpgrades,
		ActiveUpgrades: h.activeUpgrades,
		ClosedTotal:    h.closedTotal,
		RejectedTotal:  h.rejectedTotal,
		ErrorTotal:     h.errorTotal,
		MessagesIn:     h.messagesIn,
		MessagesOut:    h.messagesOut,
	}
	capacity := h.capacity
	h.mu.Unlock()

	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	snap.P50DurationMs = percentileMs(samples, 0.50)
	snap.P99DurationMs = percentileMs(samples, 0.99)

	if h.pool != nil {
		snap.PoolConnections = h.pool.Count()
	}
	if h.breaker != nil {
		snap.AnyBreakerOpen = h.breaker.AnyOpen()
	}
	snap.Status = h.classify(snap, capacity)
	return snap
}

func percentileMs(sorted []time.Duration, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx].Milliseconds()
}

// classify applies spec.md §4.7's status rollup: unhealthy if the
// upgrade-failure ratio exceeds 0.5 or heap usage exceeds 90%; degraded
// if the failure ratio exceeds 0.2, heap usage exceeds 80%, any breaker
// is OPEN, or active connections are at or above 90% of capacity.
func (h *HealthMonitor) classify(snap Snapshot, capacity int) HealthStatus {
	attempts := snap.TotalUpgrades + snap.RejectedTotal
	var failureRatio float64
	if attempts > 0 {
		failureRatio = float64(snap.RejectedTotal) / float64(attempts)
	}

	var heapPct float64
	if h.memory != nil {
		heapPct = h.memory.Stats().HeapUsedPct
	}

	if failureRatio > 0.5 || heapPct > 0.90 {
		return StatusUnhealthy
	}
	if failureRatio > 0.2 || heapPct > 0.80 || snap.AnyBreakerOpen {
		return StatusDegraded
	}
	if capacity > 0 && float64(snap.ActiveUpgrades) >= 0.90*float64(capacity) {
		return StatusDegraded
	}
	return StatusHealthy
}

// RegisterRoutes mounts the health and metrics endpoints on r, rooted
// at path (e.g. "/ws/health" yields "/ws/health" and
// "/ws/health/metrics").
func (h *HealthMonitor) RegisterRoutes(r gin.IRouter, path string) {
	r.GET(path, func(c *gin.Context) {
		snap := h.Snapshot()
		c.Header("Cache-Control", "no-cache")
		status := http.StatusOK
		if snap.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, snap)
	})
	r.GET(path+"/metrics", gin.WrapH(promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})))
}
