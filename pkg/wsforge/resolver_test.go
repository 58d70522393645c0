package wsforge

import (
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTable map[string]string

func (t staticTable) Routes() map[string]string { return t }

type notFoundErr struct{}

func (e *notFoundErr) Error() string { return "module not found" }

type mapLoader map[string]*LoadedModule

func (m mapLoader) Load(key string) (*LoadedModule, error) {
	if mod, ok := m[key]; ok {
		return mod, nil
	}
	return nil, &notFoundErr{}
}

func trivialHandler(c *Client, r *http.Request) (CleanupFunc, error) { return nil, nil }

func trivialFactory() ConnectionFactory {
	return func() (ConnectionHandler, error) { return trivialHandler, nil }
}

func countingFactory(calls *int) ConnectionFactory {
	return func() (ConnectionHandler, error) {
		*calls++
		return trivialHandler, nil
	}
}

func TestResolverStaticRouteMatch(t *testing.T) {
	table := staticTable{"/chat": "chat+upgrade"}
	loader := mapLoader{"chat+upgrade": &LoadedModule{Direct: trivialFactory()}}
	r := NewResolver(table, loader)

	match, err := r.Resolve("/chat")
	require.NoError(t, err)
	assert.Equal(t, "chat+upgrade", match.ModuleKey)
	assert.Empty(t, match.Params)

	handler, err := match.Factory()
	require.NoError(t, err)
	assert.NotNil(t, handler)
}

func TestResolverParameterizedRouteMatch(t *testing.T) {
	table := staticTable{"/rooms/:id": "room+upgrade"}
	loader := mapLoader{"room+upgrade": &LoadedModule{Direct: trivialFactory()}}
	r := NewResolver(table, loader)

	match, err := r.Resolve("/rooms/42")
	require.NoError(t, err)
	assert.Equal(t, "42", match.Params["id"])
}

func TestResolverNoMatchReturnsRouteNotFound(t *testing.T) {
	table := staticTable{"/chat": "chat+upgrade"}
	r := NewResolver(table, mapLoader{})
	_, err := r.Resolve("/missing")
	require.Error(t, err)
}

func TestResolverFactoryInvokedOnceAndCached(t *testing.T) {
	table := staticTable{"/chat": "chat+upgrade"}
	calls := 0
	loader := mapLoader{"chat+upgrade": &LoadedModule{Direct: countingFactory(&calls)}}
	r := NewResolver(table, loader)

	match, err := r.Resolve("/chat")
	require.NoError(t, err)
	_, err = match.Factory()
	require.NoError(t, err)
	_, err = match.Factory()
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

// blockingFactory waits for release before returning, letting a test
// hold open a window where multiple goroutines are mid-factory-call.
func blockingFactory(calls *atomic.Int64, release <-chan struct{}) ConnectionFactory {
	return func() (ConnectionHandler, error) {
		calls.Add(1)
		<-release
		return trivialHandler, nil
	}
}

func TestResolverConcurrentFirstResolveInvokesFactoryOnce(t *testing.T) {
	table := staticTable{"/chat": "chat+upgrade"}
	var calls atomic.Int64
	release := make(chan struct{})
	loader := mapLoader{"chat+upgrade": &LoadedModule{Direct: blockingFactory(&calls, release)}}
	r := NewResolver(table, loader)

	const concurrency = 8
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			match, err := r.Resolve("/chat")
			require.NoError(t, err)
			_, err = match.Factory()
			require.NoError(t, err)
		}()
	}

	// Give every goroutine a chance to reach the factory call before
	// releasing them, so they genuinely race on the first invocation
	// rather than running sequentially.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
}

func TestResolverExportUnwrapOrder(t *testing.T) {
	nested := &LoadedModule{Nested: &RouteHandlerExport{Upgrade: trivialFactory()}}
	f, ok := resolveExport(nested)
	assert.True(t, ok)
	assert.NotNil(t, f)

	viaHandlersMap := &LoadedModule{Handlers: map[string]ConnectionFactory{"upgrade": trivialFactory()}}
	f, ok = resolveExport(viaHandlersMap)
	assert.True(t, ok)
	assert.NotNil(t, f)

	viaDefault := &LoadedModule{Default: &LoadedModule{Direct: trivialFactory()}}
	f, ok = resolveExport(viaDefault)
	assert.True(t, ok)
	assert.NotNil(t, f)

	empty := &LoadedModule{}
	_, ok = resolveExport(empty)
	assert.False(t, ok)
}

func TestResolverIsSupported(t *testing.T) {
	r := NewResolver(staticTable{}, mapLoader{})
	assert.True(t, r.IsSupported())

	r2 := NewResolver(nil, nil)
	assert.False(t, r2.IsSupported())
}
