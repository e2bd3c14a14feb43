// Package presence tracks which principals currently hold a live connection.
// The registry is process local; fan-out across several server processes
// would need a shared bus and is not handled here.
package presence

import (
	"sort"
	"sync"
)

// Handle is a live delivery target for one principal
type Handle interface {
	Send(payload []byte) error
}

// Registry maps principal identifiers to their single active handle.
// Every method is individually atomic; no lock is held while a caller sends on a handle.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Handle
}

// NewRegistry constructs an empty Registry
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Handle),
	}
}

// Register stores h for principal, replacing any stale entry. The replaced
// handle is returned so the caller can close it.
func (r *Registry) Register(principal string, h Handle) Handle {
	r.mu.Lock()
	previous := r.entries[principal]
	r.entries[principal] = h
	r.mu.Unlock()

	if previous == h {
		return nil
	}
	return previous
}

// Unregister removes the entry for principal. It is a no-op if absent.
func (r *Registry) Unregister(principal string) {
	r.mu.Lock()
	delete(r.entries, principal)
	r.mu.Unlock()
}

// Release removes the entry for principal only if it still points at h.
// Sessions call this on teardown so a replaced session never evicts its successor.
func (r *Registry) Release(principal string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.entries[principal]
	if !ok || current != h {
		return false
	}
	delete(r.entries, principal)
	return true
}

// Lookup returns the active handle for principal
func (r *Registry) Lookup(principal string) (Handle, bool) {
	r.mu.RLock()
	h, ok := r.entries[principal]
	r.mu.RUnlock()
	return h, ok
}

// Snapshot returns the connected principals in sorted order
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	principals := make([]string, 0, len(r.entries))
	for principal := range r.entries {
		principals = append(principals, principal)
	}
	r.mu.RUnlock()

	sort.Strings(principals)
	return principals
}

// Others returns the handles of every connected principal except the given one
func (r *Registry) Others(principal string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handles := make([]Handle, 0, len(r.entries))
	for p, h := range r.entries {
		if p == principal {
			continue
		}
		handles = append(handles, h)
	}
	return handles
}

// Len returns the number of connected principals
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
