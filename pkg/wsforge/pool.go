package wsforge

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// statsIdleThreshold is the fixed "idle" cutoff spec.md §4.5 uses for
// stats() (active = total - idle where idle = last_activity < now-60s).
// It is independent of Pool.idleTimeout, which governs when
// CleanupIdleConnections actually closes a connection.
const statsIdleThreshold = 60 * time.Second

// approxBytesPerConnection is a rough per-socket memory estimate (read
// and write buffers plus bookkeeping overhead), used only to give
// stats() a ballpark "approximate memory" figure, not an exact one.
const approxBytesPerConnection = 8192 + 4096

// PoolStats is the snapshot returned by Pool.Stats.
type PoolStats struct {
	TotalConnections  int
	Active            int
	Idle              int
	Peak              int
	ApproxMemoryBytes int64
	ByRoute           map[string]int
	IdleEvicted       int64
}

// Pool is the bounded connection registry of spec.md §4.5: every
// upgraded client is tracked here from admission to teardown, broadcast
// and idle reaping read a point-in-time snapshot rather than holding the
// registry lock across a fan-out.
type Pool struct {
	mu      sync.RWMutex
	clients map[string]*Client
	byRoute map[string]map[string]*Client

	idleEvicted int64
	peak        int

	sched          *schedulerHandle
	idleTimeout    time.Duration
	heapTriggerPct float64
}

// NewPool builds an empty pool. idleTimeout is how long a connection
// may go without activity before the background sweep closes it.
func NewPool(idleTimeout time.Duration) *Pool {
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	return &Pool{
		clients:        make(map[string]*Client),
		byRoute:        make(map[string]map[string]*Client),
		idleTimeout:    idleTimeout,
		heapTriggerPct: 0.80,
	}
}

// Add registers a connection. Returns false if the pool is already at
// capacity for this route.
func (p *Pool) Add(c *Client, maxForRoute int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if maxForRoute > 0 {
		if len(p.byRoute[c.Route]) >= maxForRoute {
			return false
		}
	}
	p.clients[c.ID] = c
	if p.byRoute[c.Route] == nil {
		p.byRoute[c.Route] = make(map[string]*Client)
	}
	p.byRoute[c.Route][c.ID] = c
	if len(p.clients) > p.peak {
		p.peak = len(p.clients)
	}
	return true
}

// Remove deregisters a connection. Safe to call more than once.
func (p *Pool) Remove(c *Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clients, c.ID)
	if route, ok := p.byRoute[c.Route]; ok {
		delete(route, c.ID)
		if len(route) == 0 {
			delete(p.byRoute, c.Route)
		}
	}
}

// Get looks up a connection by id.
func (p *Pool) Get(id string) (*Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.clients[id]
	return c, ok
}

// Count returns the total number of tracked connections.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

// CountForRoute returns how many connections are tracked for route.
func (p *Pool) CountForRoute(route string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byRoute[route])
}

// ConnectionsByPath returns a snapshot slice of the clients currently
// registered for route. Callers must not assume the slice stays in
// sync with the pool after the call returns.
func (p *Pool) ConnectionsByPath(route string) []*Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	bucket := p.byRoute[route]
	out := make([]*Client, 0, len(bucket))
	for _, c := range bucket {
		out = append(out, c)
	}
	return out
}

// snapshot copies the full client list under the lock, so Broadcast and
// CleanupIdleConnections never hold the registry lock while they write
// to sockets or call back into Remove.
func (p *Pool) snapshot() []*Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		out = append(out, c)
	}
	return out
}

// Broadcast sends data to every connection on route (or every connection
// if route is empty), skipping ones that error without aborting the
// rest of the fan-out.
func (p *Pool) Broadcast(route string, data []byte) (sent, failed int) {
	var targets []*Client
	if route == "" {
		targets = p.snapshot()
	} else {
		targets = p.ConnectionsByPath(route)
	}
	for _, c := range targets {
		if err := c.Send(data); err != nil {
			failed++
			continue
		}
		sent++
	}
	return sent, failed
}

// CleanupIdleConnections sends an orderly 1000/"Idle timeout" close to
// every connection idle for longer than the pool's idle timeout. Returns
// the number closed.
func (p *Pool) CleanupIdleConnections() int {
	closed := 0
	for _, c := range p.snapshot() {
		if c.Idle(p.idleTimeout) {
			CloseWebSocketGracefully(c, CloseNormal, "Idle timeout", defaultCloseTimeout)
			p.Remove(c)
			closed++
		}
	}
	if closed > 0 {
		p.mu.Lock()
		p.idleEvicted += int64(closed)
		p.mu.Unlock()
	}
	return closed
}

// Stats returns a point-in-time snapshot of pool occupancy: active is
// total minus idle, where idle here means no activity for at least
// statsIdleThreshold (60s) — a fixed stats-only definition, independent
// of the pool's configurable idleTimeout used by CleanupIdleConnections.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	byRoute := make(map[string]int, len(p.byRoute))
	for route, conns := range p.byRoute {
		byRoute[route] = len(conns)
	}
	idle := 0
	for _, c := range p.clients {
		if c.Idle(statsIdleThreshold) {
			idle++
		}
	}
	total := len(p.clients)
	return PoolStats{
		TotalConnections:  total,
		Active:            total - idle,
		Idle:              idle,
		Peak:              p.peak,
		ApproxMemoryBytes: int64(total) * approxBytesPerConnection,
		ByRoute:           byRoute,
		IdleEvicted:       p.idleEvicted,
	}
}

// ResetMetrics zeroes the cumulative counters without touching live
// connections.
func (p *Pool) ResetMetrics() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idleEvicted = 0
}

// StartSweep reaps idle connections every five minutes, requesting a GC
// cycle afterward if the process heap is over the configured threshold.
func (p *Pool) StartSweep(sched *schedulerHandle) {
	p.sched = sched
	sched.addEvery(5*time.Minute, func(ctx context.Context) {
		closed := p.CleanupIdleConnections()
		if closed > 0 {
			logrus.WithField("closed", closed).Debug("wsforge: pool sweep closed idle connections")
		}
		if p.heapOverThreshold() {
			runtime.GC()
		}
	})
}

func (p *Pool) heapOverThreshold() bool {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	if m.HeapSys == 0 {
		return false
	}
	return float64(m.HeapInuse)/float64(m.HeapSys) >= p.heapTriggerPct
}

// Destroy closes all tracked connections with an orderly 1000/"Server
// shutdown" close frame and empties the registry.
func (p *Pool) Destroy() {
	for _, c := range p.snapshot() {
		CloseWebSocketGracefully(c, CloseNormal, "Server shutdown", defaultCloseTimeout)
	}
	p.mu.Lock()
	p.clients = make(map[string]*Client)
	p.byRoute = make(map[string]map[string]*Client)
	p.mu.Unlock()
}
