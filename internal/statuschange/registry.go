// Package statuschange implements a process-local registry of in-flight and
// recently completed operations: a handle an async HTTP response can hand
// back to the client, later polled to learn whether the underlying task
// succeeded. Entries expire after a TTL so a registry that is never polled
// does not leak memory across the process lifetime.
package statuschange

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chiwei-platform/fleetform/internal/domain"
)

// Registry tracks in-flight and recently completed operations.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]domain.StatusChange
	ttl     time.Duration
}

func New(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Registry{entries: make(map[string]domain.StatusChange), ttl: ttl}
}

// Begin registers a new pending entry for appName and returns its id.
func (r *Registry) Begin(appName string) string {
	r.Sweep()
	id := uuid.NewString()
	r.mu.Lock()
	r.entries[id] = domain.StatusChange{ID: id, AppName: appName, State: domain.StatusPending, CreatedAt: time.Now()}
	r.mu.Unlock()
	return id
}

// Complete marks id ready with result, or failed with err if err != nil.
func (r *Registry) Complete(id string, result []domain.Service, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return
	}
	if err != nil {
		entry.State = domain.StatusFailed
		entry.Err = err
	} else {
		entry.State = domain.StatusReady
		entry.Result = result
	}
	r.entries[id] = entry
}

// Get returns the current entry, if it exists and has not expired.
func (r *Registry) Get(id string) (domain.StatusChange, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	if !ok {
		return domain.StatusChange{}, false
	}
	if entry.State != domain.StatusPending && time.Since(entry.CreatedAt) > r.ttl {
		return domain.StatusChange{}, false
	}
	return entry, true
}

// Sweep deletes completed entries older than the TTL; Begin runs it before
// registering each new entry.
func (r *Registry) Sweep() {
	cutoff := time.Now().Add(-r.ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, entry := range r.entries {
		if entry.State != domain.StatusPending && entry.CreatedAt.Before(cutoff) {
			delete(r.entries, id)
		}
	}
}
