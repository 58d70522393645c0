package wsforge

import (
	"net/http"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"wsforge/pkg/wserr"
)

// ConnectionFactory produces the per-connection handler for a route.
// A successful result is cached per route pattern, so a factory that
// succeeds runs once. A failed invocation caches nothing: the next
// upgrade for that pattern invokes the factory again.
type ConnectionFactory func() (ConnectionHandler, error)

// ConnectionHandler is invoked once per upgraded connection. If it
// returns a non-nil CleanupFunc, that function runs when the connection
// closes.
type ConnectionHandler func(client *Client, r *http.Request) (CleanupFunc, error)

// CleanupFunc runs once, when a connection closes.
type CleanupFunc func()

// RouteMatch is the resolver's successful-lookup output.
type RouteMatch struct {
	ModuleKey string
	Params    map[string]string
	Pattern   string
	Factory   ConnectionFactory
}

// RouteTable maps URL patterns to module keys, mirroring an
// application router. A pattern is considered only when its module key
// ends in routeFileSentinel; patterns containing a ":" segment are
// matched as parameterised, the rest as static paths.
type RouteTable interface {
	Routes() map[string]string
}

// ModuleLoader resolves a module key to its exported contents. It may
// be a no-op in contexts where routes are registered directly with
// factories instead of lazily loaded modules.
type ModuleLoader interface {
	Load(moduleKey string) (*LoadedModule, error)
}

// LoadedModule models the shapes an application module can export its
// upgrade handler under — the discriminated translation of a duck-typed
// "whatever looks like an exported handler" lookup into explicit,
// priority-ordered fields. Lookup order is Nested, Direct, Handlers,
// then one level of Default unwrap; anything past that is an error.
type LoadedModule struct {
	// Nested is set when the module exposes its handler under the
	// conventional route-handler nest (e.g. module.Upgrade.Handler).
	Nested *RouteHandlerExport
	// Direct is a top-level exported factory.
	Direct ConnectionFactory
	// Handlers is a conventional name->factory map; "upgrade" and
	// "default" are tried in that order.
	Handlers map[string]ConnectionFactory
	// Default is exactly one level of default-export unwrap; its own
	// Default field, if any, is not followed further.
	Default *LoadedModule
}

// RouteHandlerExport is the nested shape: a module exporting a
// dedicated upgrade sub-object with its own factory.
type RouteHandlerExport struct {
	Upgrade ConnectionFactory
}

const routeFileSentinel = "+upgrade"

// resolveExport applies the standard unwrap rules of spec.md §4.8 step 4.
// Exactly one level of Default unwrap is attempted.
func resolveExport(m *LoadedModule) (ConnectionFactory, bool) {
	if m == nil {
		return nil, false
	}
	if f, ok := tryExportLevel(m); ok {
		return f, true
	}
	if m.Default != nil {
		return tryExportLevel(m.Default)
	}
	return nil, false
}

func tryExportLevel(m *LoadedModule) (ConnectionFactory, bool) {
	if m.Nested != nil && m.Nested.Upgrade != nil {
		return m.Nested.Upgrade, true
	}
	if m.Direct != nil {
		return m.Direct, true
	}
	if m.Handlers != nil {
		if f, ok := m.Handlers["upgrade"]; ok && f != nil {
			return f, true
		}
		if f, ok := m.Handlers["default"]; ok && f != nil {
			return f, true
		}
	}
	return nil, false
}

type compiledPattern struct {
	pattern    string
	moduleKey  string
	segments   []patternSegment
}

type patternSegment struct {
	literal string
	param   string // non-empty if this segment is ":name"
}

func compilePattern(pattern, moduleKey string) compiledPattern {
	parts := strings.Split(strings.Trim(pattern, "/"), "/")
	segs := make([]patternSegment, len(parts))
	for i, p := range parts {
		if strings.HasPrefix(p, ":") {
			segs[i] = patternSegment{param: p[1:]}
		} else {
			segs[i] = patternSegment{literal: p}
		}
	}
	return compiledPattern{pattern: pattern, moduleKey: moduleKey, segments: segs}
}

func (cp compiledPattern) match(path string) (map[string]string, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != len(cp.segments) {
		return nil, false
	}
	params := make(map[string]string)
	for i, seg := range cp.segments {
		if seg.param != "" {
			params[seg.param] = parts[i]
			continue
		}
		if seg.literal != parts[i] {
			return nil, false
		}
	}
	return params, true
}

// Resolver implements spec.md §4.8: URL -> module key -> connection
// factory, with a pattern-matcher cache and a one-shot per-route
// factory-invocation cache.
type Resolver struct {
	table  RouteTable
	loader ModuleLoader

	mu            sync.RWMutex
	staticRoutes  map[string]string // path -> module key
	paramPatterns []compiledPattern

	handlerCache *lru.Cache[string, ConnectionHandler]
	loadGroup    singleflight.Group

	built bool
}

// NewResolver builds a resolver over table/loader. Static and
// parameterised routes are split once, lazily, on first Resolve call;
// parameterised patterns are compiled once during that split rather
// than per-request.
func NewResolver(table RouteTable, loader ModuleLoader) *Resolver {
	handlerCache, _ := lru.New[string, ConnectionHandler](256)
	return &Resolver{
		table:        table,
		loader:       loader,
		staticRoutes: make(map[string]string),
		handlerCache: handlerCache,
	}
}

// IsSupported reports whether a route table is configured. The module
// loader is not checked here; a nil loader surfaces as a ModuleImport
// error when a route's factory is first requested.
func (r *Resolver) IsSupported() bool {
	return r.table != nil
}

func (r *Resolver) build() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.built {
		return
	}
	r.built = true
	if r.table == nil {
		return
	}
	for pattern, moduleKey := range r.table.Routes() {
		if !strings.HasSuffix(moduleKey, routeFileSentinel) {
			continue
		}
		if strings.Contains(pattern, ":") {
			r.paramPatterns = append(r.paramPatterns, compilePattern(pattern, moduleKey))
		} else {
			r.staticRoutes[pattern] = moduleKey
		}
	}
}

// Resolve matches path against the route table and returns the module
// key, extracted params, and a factory wrapper that caches its own
// one-shot invocation.
func (r *Resolver) Resolve(path string) (*RouteMatch, error) {
	r.build()

	r.mu.RLock()
	moduleKey, ok := r.staticRoutes[path]
	r.mu.RUnlock()
	if ok {
		return r.buildMatch(path, moduleKey, map[string]string{})
	}

	r.mu.RLock()
	patterns := append([]compiledPattern(nil), r.paramPatterns...)
	r.mu.RUnlock()
	for _, cp := range patterns {
		if params, matched := cp.match(path); matched {
			return r.buildMatch(cp.pattern, cp.moduleKey, params)
		}
	}

	return nil, wserr.New(wserr.RouteNotFound, "no route matches "+path)
}

func (r *Resolver) buildMatch(pattern, moduleKey string, params map[string]string) (*RouteMatch, error) {
	return &RouteMatch{
		ModuleKey: moduleKey,
		Params:    params,
		Pattern:   pattern,
		Factory: func() (ConnectionHandler, error) {
			return r.resolveHandler(pattern, moduleKey)
		},
	}, nil
}

// resolveHandler returns the cached handler for pattern, invoking the
// module's factory until it first succeeds; after that the cached
// handler is returned for the life of the process (or until Destroy).
// Failed loads and factory errors are not cached. Concurrent first-time upgrades to the same route race on
// r.handlerCache.Get before either has populated it; loadGroup
// collapses every concurrent caller for a given pattern onto a single
// in-flight load, so only one of them actually calls factory().
func (r *Resolver) resolveHandler(pattern, moduleKey string) (ConnectionHandler, error) {
	if h, ok := r.handlerCache.Get(pattern); ok {
		return h, nil
	}

	v, err, _ := r.loadGroup.Do(pattern, func() (interface{}, error) {
		if h, ok := r.handlerCache.Get(pattern); ok {
			return h, nil
		}

		if r.loader == nil {
			return nil, wserr.New(wserr.ModuleImport, "no module loader configured for "+moduleKey)
		}
		module, err := r.loader.Load(moduleKey)
		if err != nil {
			return nil, wserr.Wrap(wserr.ModuleImport, err, "failed to load module "+moduleKey)
		}
		factory, ok := resolveExport(module)
		if !ok {
			return nil, wserr.New(wserr.HandlerNotFound, "module "+moduleKey+" exposes no upgrade handler")
		}

		handler, err := factory()
		if err != nil {
			return nil, wserr.Wrap(wserr.HandlerExecution, err, "factory for "+moduleKey+" failed")
		}
		if handler == nil {
			return nil, wserr.New(wserr.HandlerNotFound, "factory for "+moduleKey+" returned no handler")
		}

		r.handlerCache.Add(pattern, handler)
		return handler, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(ConnectionHandler), nil
}

// Destroy clears both resolver caches and the route split, so a fresh
// Resolve re-reads the route table.
func (r *Resolver) Destroy() {
	r.mu.Lock()
	r.built = false
	r.staticRoutes = make(map[string]string)
	r.paramPatterns = nil
	r.mu.Unlock()
	r.handlerCache.Purge()
}
