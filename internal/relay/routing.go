package relay

import "sync"

// Route links a message delivered to the administrator back to its dialog.
type Route struct {
	DialogID uint
	UserID   string
}

// RoutingTable maps administrator-side forwarded message IDs to routes. It
// lives in memory for the life of the process: after a restart, earlier
// forwards can no longer be replied to. Entries are never evicted.
type RoutingTable struct {
	mu      sync.RWMutex
	entries map[string]Route
}

// NewRoutingTable creates an empty RoutingTable.
func NewRoutingTable() *RoutingTable {
	return &RoutingTable{entries: make(map[string]Route)}
}

// Record stores the route for a forwarded message. A repeated ID overwrites
// the earlier entry.
func (t *RoutingTable) Record(forwardedID string, r Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[forwardedID] = r
}

// Lookup returns the route for a forwarded message.
func (t *RoutingTable) Lookup(forwardedID string) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.entries[forwardedID]
	return r, ok
}

// Len returns the number of recorded routes.
func (t *RoutingTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
