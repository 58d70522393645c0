package wsforge

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"wsforge/pkg/wserr"
)

// reservedPathPrefixes are internal upgrade channels the orchestrator
// never intercepts, mirroring the host framework's own machinery.
var reservedPathPrefixes = []string{"/__wsforge_internal/"}

const heartbeatInterval = 30 * time.Second

// Orchestrator wires C1-C9 into the nine-step admission-and-lifecycle
// pipeline of spec.md §4.10, attached exactly once per host server.
type Orchestrator struct {
	cfg *Config

	tracker  *ConnectionTracker
	limiter  *RateLimiter
	resolver *Resolver
	memory   *MemoryManager
	pool     *Pool
	breaker  *BreakerRegistry
	health   *HealthMonitor

	upgrader websocket.Upgrader

	mu       sync.Mutex
	attached bool
}

// NewOrchestrator assembles an orchestrator from its component
// singletons. All arguments must be non-nil except health, which may be
// nil in deployments that don't serve the monitoring endpoints.
func NewOrchestrator(cfg *Config, tracker *ConnectionTracker, limiter *RateLimiter, resolver *Resolver, memory *MemoryManager, pool *Pool, breaker *BreakerRegistry, health *HealthMonitor) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		tracker:  tracker,
		limiter:  limiter,
		resolver: resolver,
		memory:   memory,
		pool:     pool,
		breaker:  breaker,
		health:   health,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    4096,
			WriteBufferSize:   4096,
			EnableCompression: cfg != nil && boolVal(cfg.Compression, true),
			CheckOrigin:       checkOriginFunc(cfg),
		},
	}
}

func checkOriginFunc(cfg *Config) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if cfg == nil || len(cfg.Security.AllowedOrigins) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		for _, allowed := range cfg.Security.AllowedOrigins {
			if allowed == "*" || allowed == origin {
				return true
			}
		}
		return false
	}
}

// Attach marks this orchestrator as attached to a host server. Calling
// it a second time is a silent no-op, per the double-attach guard of
// spec.md §4.10.
func (o *Orchestrator) Attach() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.attached {
		return false
	}
	o.attached = true
	return true
}

// Detach clears the attachment flag and purges the resolver's factory
// cache, so a subsequent Attach starts clean.
func (o *Orchestrator) Detach() {
	o.mu.Lock()
	o.attached = false
	o.mu.Unlock()
	o.resolver.Destroy()
}

func isReservedPath(path string) bool {
	for _, prefix := range reservedPathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// ServeUpgrade runs the full admission pipeline for one incoming
// request. It never panics: every failure path ends the raw connection
// the same way the host framework's own upgrade path would.
func (o *Orchestrator) ServeUpgrade(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if isReservedPath(path) {
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade not supported", http.StatusInternalServerError)
		return
	}

	remoteAddr := r.RemoteAddr
	connKey := remoteAddr + "|" + path

	// Step 2: dedupe in-flight sockets for the same remote/path pair.
	if !o.tracker.MarkInFlight(connKey) {
		o.rejectSilently(hijacker)
		return
	}
	admitted := false
	defer func() {
		if !admitted {
			o.tracker.ClearInFlight(connKey)
		}
	}()

	if o.tracker.IsDuplicate(path, remoteAddr) {
		o.recordReject(path, "duplicate")
		o.rejectSilently(hijacker)
		return
	}

	// Step 4: route resolution, ahead of the rate check so a bad route
	// on an unknown path doesn't consume a rate-limit token.
	match, err := o.resolver.Resolve(path)
	if err != nil {
		o.recordReject(path, "route_not_found")
		o.rejectAdmission(hijacker, err)
		return
	}

	// Step 3: rate check, by matched route pattern and caller identity.
	identity := ClientIdentity(r)
	if decision := o.limiter.Check(r.Context(), match.Pattern, identity); !decision.Allowed {
		o.recordReject(match.Pattern, "rate_limited")
		o.rejectAdmission(hijacker, wserr.New(wserr.ConnectionLimit, "rate limit exceeded for "+match.Pattern))
		return
	}

	// Breaker check: an OPEN breaker for this route rejects admission
	// the same way a resolver or rate-limit failure would.
	if !o.breaker.CanExecute(match.Pattern) {
		o.recordReject(match.Pattern, "breaker_open")
		o.rejectAdmission(hijacker, wserr.New(wserr.ServerNotAvailable, "circuit open for "+match.Pattern))
		return
	}

	// Step 5: factory init/lookup, one-shot per route.
	handler, err := match.Factory()
	if err != nil {
		o.breaker.RecordFailure(match.Pattern)
		o.recordReject(match.Pattern, "handler_unavailable")
		o.rejectAdmission(hijacker, err)
		return
	}

	// Step 6/7: delegate the protocol upgrade, then run onReady.
	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		o.breaker.RecordFailure(match.Pattern)
		o.recordReject(match.Pattern, "handshake_failed")
		return
	}

	if !o.memory.Acceptable() {
		o.onReadyReject(conn, CloseOverloaded, "Server overloaded")
		return
	}

	client := NewClient(conn, match.Pattern, remoteAddr)
	eff := resolveRouteConfig(o.cfg, match.Pattern)
	if !o.pool.Add(client, eff.maxConnections) {
		o.onReadyReject(conn, CloseOverloaded, "Server at capacity")
		return
	}
	admitted = true

	if o.health != nil {
		o.health.RecordUpgrade(match.Pattern)
	}
	o.breaker.RecordSuccess(match.Pattern)

	cleanup, err := ExecuteHandlerSafelyReturningCleanup(handler, client, r)
	if err != nil {
		o.breaker.RecordFailure(match.Pattern)
		HandleConnectionError(client, err)
		o.teardown(client, connKey, nil)
		return
	}

	o.attachLifecycle(client, connKey, cleanup)
}

// ExecuteHandlerSafelyReturningCleanup adapts ExecuteHandlerSafely's
// error-only signature to a handler call that also needs to return a
// CleanupFunc.
func ExecuteHandlerSafelyReturningCleanup(handler ConnectionHandler, client *Client, r *http.Request) (CleanupFunc, error) {
	var cleanup CleanupFunc
	err := ExecuteHandlerSafely(func() error {
		c, err := handler(client, r)
		cleanup = c
		return err
	})
	return cleanup, err
}

func (o *Orchestrator) onReadyReject(conn *websocket.Conn, code int, reason string) {
	client := NewClient(conn, "", "")
	CloseWebSocketGracefully(client, code, reason, defaultCloseTimeout)
}

func (o *Orchestrator) rejectSilently(h http.Hijacker) {
	if nc, _, err := h.Hijack(); err == nil {
		CloseSocketGracefully(nc, defaultCloseTimeout)
	}
}

func (o *Orchestrator) rejectAdmission(h http.Hijacker, err error) {
	if nc, _, hErr := h.Hijack(); hErr == nil {
		HandleUpgradeError(nc, err)
	}
}

func (o *Orchestrator) recordReject(route, reason string) {
	if o.health != nil {
		o.health.RecordReject(route, reason)
	}
}

// attachLifecycle sets up the per-connection close/error/heartbeat
// observers of spec.md §4.10 step 8. The heartbeat ticker self-cancels
// once the connection is no longer open.
func (o *Orchestrator) attachLifecycle(client *Client, connKey string, cleanup CleanupFunc) {
	createdAt := time.Now()
	if o.health != nil {
		client.SetActivityHook(func(direction string, _ int) {
			o.health.RecordMessage(direction)
		})
	}
	client.Conn().SetCloseHandler(func(code int, text string) error {
		o.onClose(client, connKey, createdAt, cleanup)
		return nil
	})

	go o.heartbeat(client, connKey, createdAt, cleanup)
	go o.readLoop(client, connKey, createdAt, cleanup)
}

func (o *Orchestrator) readLoop(client *Client, connKey string, createdAt time.Time, cleanup CleanupFunc) {
	for {
		if _, _, err := client.Receive(); err != nil {
			if o.tracker.MarkCleanupOnce(client.ID) {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					o.recordError(client, err)
				}
				o.teardown(client, connKey, cleanup)
				o.finishCleanup(cleanup, createdAt, client)
			}
			return
		}
	}
}

func (o *Orchestrator) onClose(client *Client, connKey string, createdAt time.Time, cleanup CleanupFunc) {
	if !o.tracker.MarkCleanupOnce(client.ID) {
		return
	}
	o.teardown(client, connKey, cleanup)
	o.finishCleanup(cleanup, createdAt, client)
}

func (o *Orchestrator) finishCleanup(cleanup CleanupFunc, createdAt time.Time, client *Client) {
	if cleanup != nil {
		if err := ExecuteHandlerSafely(func() error { cleanup(); return nil }); err != nil {
			logrus.WithError(err).WithField("connectionId", client.ID).Error("wsforge: connection cleanup failed")
		}
	}
	if o.health != nil {
		o.health.RecordClose(time.Since(createdAt))
	}
}

func (o *Orchestrator) recordError(client *Client, err error) {
	if o.health != nil {
		o.health.RecordError(wserr.CodeFor(err))
	}
	logrus.WithError(err).WithField("connectionId", client.ID).Debug("wsforge: read loop ended")
}

func (o *Orchestrator) teardown(client *Client, connKey string, cleanup CleanupFunc) {
	o.tracker.ClearInFlight(connKey)
	o.pool.Remove(client)
	_ = client.Terminate()
}

func (o *Orchestrator) heartbeat(client *Client, connKey string, createdAt time.Time, cleanup CleanupFunc) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		if client.IsClosed() {
			return
		}
		if err := client.Ping(); err != nil {
			return
		}
	}
}
