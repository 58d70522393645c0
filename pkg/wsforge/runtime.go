package wsforge

import (
	"context"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"wsforge/pkg/registry"
)

// registryKey is the name this runtime registers itself under, so
// Shutdown can deregister a process-wide singleton cleanly.
const registryKey = "wsforge.runtime"

// Runtime is the assembled WebSocket subsystem: every singleton of
// C1-C10, built from a single Config (C11) and ready to attach to a
// host HTTP server.
type Runtime struct {
	cfg *Config

	Tracker      *ConnectionTracker
	RateLimiter  *RateLimiter
	Resolver     *Resolver
	Memory       *MemoryManager
	Pool         *Pool
	Breaker      *BreakerRegistry
	Health       *HealthMonitor
	Orchestrator *Orchestrator

	sched *schedulerHandle
}

// New assembles a Runtime from cfg (nil means DefaultConfig), table and
// loader. It does not start any background loop or attach to a server;
// call Start for that.
func New(cfg *Config, table RouteTable, loader ModuleLoader) *Runtime {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if errs := ValidateConfig(cfg); len(errs) > 0 {
		logrus.WithField("errors", errs).Warn("wsforge: config validation failed, continuing with supplied values")
	}

	rt := &Runtime{
		cfg:         cfg,
		Tracker:     NewConnectionTracker(),
		RateLimiter: NewRateLimiter(cfg),
		Resolver:    NewResolver(table, loader),
		Memory:      NewMemoryManager(),
		Pool:        NewPool(5 * time.Minute),
		Breaker:     NewBreakerRegistry(cfg.CircuitBreaker),
	}
	rt.Health = NewHealthMonitor(rt.Pool, rt.Memory, rt.Breaker)
	rt.Health.SetCapacity(cfg.MaxConnections)
	rt.Orchestrator = NewOrchestrator(cfg, rt.Tracker, rt.RateLimiter, rt.Resolver, rt.Memory, rt.Pool, rt.Breaker, rt.Health)

	rt.registerDefaultCleanupStrategies()
	return rt
}

// registerDefaultCleanupStrategies wires the memory manager's
// spec.md §4.6 default strategies to this runtime's own components.
func (rt *Runtime) registerDefaultCleanupStrategies() {
	rt.Memory.RegisterCleanupStrategy(CleanupStrategy{
		Name:     "runtime_gc",
		Priority: 10,
		Run: func() int {
			runtime.GC()
			return 1
		},
	})
	rt.Memory.RegisterCleanupStrategy(CleanupStrategy{
		Name:     "close_idle_connections",
		Priority: 9,
		Run: func() int {
			return rt.Pool.CleanupIdleConnections()
		},
	})
	rt.Memory.RegisterCleanupStrategy(CleanupStrategy{
		Name:     "invalidate_handler_cache",
		Priority: 6,
		Run: func() int {
			// The resolver's factory cache is not essential state — a
			// cache miss simply re-invokes the module's factory on next
			// use, so it is safe to drop under memory pressure.
			rt.Resolver.handlerCache.Purge()
			return 1
		},
	})
	rt.Memory.RegisterCleanupStrategy(CleanupStrategy{
		Name:     "reset_pool_metrics",
		Priority: 3,
		Run: func() int {
			rt.Pool.ResetMetrics()
			return 1
		},
	})
}

// Start launches every background sweep (breaker, rate limiter, pool,
// memory monitor) and registers this runtime process-wide.
func (rt *Runtime) Start() {
	rt.sched = newSchedulerHandle()
	rt.Breaker.StartSweep(rt.sched)
	rt.RateLimiter.StartSweep(rt.sched)
	rt.Pool.StartSweep(rt.sched)
	rt.Memory.StartMonitoring(rt.sched, 60*time.Second)
	registry.Set(registryKey, rt)
}

// AttachHTTP mounts the upgrade endpoint and, if enabled, the health
// and metrics endpoints on r.
func (rt *Runtime) AttachHTTP(r gin.IRouter, upgradePath string) {
	if !rt.Orchestrator.Attach() {
		logrus.Warn("wsforge: orchestrator already attached, ignoring AttachHTTP")
		return
	}
	r.GET(upgradePath, gin.WrapF(rt.Orchestrator.ServeUpgrade))
	if rt.cfg.Monitoring.HealthCheck.Enabled {
		rt.Health.RegisterRoutes(r, rt.cfg.Monitoring.HealthCheck.Path)
	}
}

// Stats aggregates a point-in-time snapshot across every component, for
// diagnostics or a custom admin surface.
type Stats struct {
	Health Snapshot
	Pool   PoolStats
	Memory MemoryStats
}

func (rt *Runtime) Stats() Stats {
	return Stats{
		Health: rt.Health.Snapshot(),
		Pool:   rt.Pool.Stats(),
		Memory: rt.Memory.Stats(),
	}
}

// Shutdown tears the runtime down: stops every background sweep,
// detaches from the host server, closes every tracked connection, and
// deregisters the process-wide singleton.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	if rt.sched != nil {
		rt.sched.stop()
	}
	rt.Orchestrator.Detach()
	rt.Pool.Destroy()
	rt.Tracker.Destroy()
	rt.RateLimiter.Destroy()
	rt.Breaker.Destroy()
	registry.Delete(registryKey)

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
