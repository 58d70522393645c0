package wsforge

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// duplicateSquelchWindow is the spec.md §4.4/§8 duplicate-upgrade window:
// a second upgrade for the same (path, remote address) within this long
// of the last one is a duplicate. The duplicates cache's own TTL below is
// unrelated map-pruning housekeeping, not the squelch window itself.
const duplicateSquelchWindow = time.Second

// ConnectionTracker is the admission-time bookkeeping of spec.md §4.4:
// which sockets are currently mid-handshake, a short-lived squelch for
// rapid duplicate upgrade attempts from the same (path, remote address),
// and a grace window that guarantees a connection's cleanup runs exactly
// once even if both the close and error observers fire.
type ConnectionTracker struct {
	mu       sync.Mutex
	inFlight map[string]struct{}

	duplicates *gocache.Cache
	cleanedUp  *gocache.Cache
}

// NewConnectionTracker builds a tracker with the default windows of
// spec.md §4.4: a 1s duplicate-upgrade squelch (duplicateSquelchWindow),
// kept in a cache whose entries expire after 10s and are pruned every
// 5s so stale keys don't linger forever, and a 30s cleanup-once grace.
func NewConnectionTracker() *ConnectionTracker {
	return &ConnectionTracker{
		inFlight:   make(map[string]struct{}),
		duplicates: gocache.New(10*time.Second, 5*time.Second),
		cleanedUp:  gocache.New(30*time.Second, 15*time.Second),
	}
}

// MarkInFlight records that connID has begun its handshake. Returns
// false if it was already marked, since that indicates the caller is
// about to double-attach lifecycle observers to the same connection.
func (t *ConnectionTracker) MarkInFlight(connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.inFlight[connID]; ok {
		return false
	}
	t.inFlight[connID] = struct{}{}
	return true
}

// ClearInFlight removes connID from the in-flight set. The orchestrator
// calls it when admission fails, or, for an admitted connection, when
// that connection is torn down.
func (t *ConnectionTracker) ClearInFlight(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inFlight, connID)
}

// InFlightCount reports how many keys are currently marked in flight:
// upgrades still under admission plus admitted connections not yet torn
// down.
func (t *ConnectionTracker) InFlightCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inFlight)
}

// IsDuplicate reports whether (path, remoteAddr) was last seen within
// duplicateSquelchWindow, and records this attempt's timestamp for
// future calls regardless of the result. The cache's own TTL only prunes
// entries that have aged out of relevance; the duplicate decision itself
// is a timestamp comparison against duplicateSquelchWindow.
func (t *ConnectionTracker) IsDuplicate(path, remoteAddr string) bool {
	key := path + "|" + remoteAddr
	now := time.Now()
	duplicate := false
	if last, ok := t.duplicates.Get(key); ok {
		duplicate = now.Sub(last.(time.Time)) < duplicateSquelchWindow
	}
	t.duplicates.SetDefault(key, now)
	return duplicate
}

// MarkCleanupOnce reports whether this is the first cleanup request for
// connID. Subsequent calls within the grace window return false, so a
// connection whose close and error observers both fire is torn down
// exactly once.
func (t *ConnectionTracker) MarkCleanupOnce(connID string) bool {
	if _, ok := t.cleanedUp.Get(connID); ok {
		return false
	}
	t.cleanedUp.SetDefault(connID, true)
	return true
}

// Destroy clears all tracker state. The underlying caches have their
// own janitor goroutines that stop when they are garbage collected, so
// there is nothing further to shut down here.
func (t *ConnectionTracker) Destroy() {
	t.mu.Lock()
	t.inFlight = make(map[string]struct{})
	t.mu.Unlock()
	t.duplicates.Flush()
	t.cleanedUp.Flush()
}
