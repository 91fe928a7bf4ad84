// Package presence maps users to their live relay connections.
package presence

import (
	"context"
	"sort"
	"sync"
)

// Registry tracks which connections each user has open. Add and Remove report
// the edges that drive presence broadcasts: the first connection of a user
// and the last one to close.
type Registry interface {
	Add(ctx context.Context, userID, connID string) (first bool, err error)
	Remove(ctx context.Context, userID, connID string) (last bool, err error)
	Connections(ctx context.Context, userID string) ([]string, error)
	Online(ctx context.Context, userID string) (bool, error)
	// Clear forgets every connection this registry added. Called at shutdown.
	Clear(ctx context.Context) error
}

// MemoryRegistry is a single-process Registry.
type MemoryRegistry struct {
	mu    sync.RWMutex
	users map[string]map[string]struct{}
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{users: make(map[string]map[string]struct{})}
}

func (r *MemoryRegistry) Add(_ context.Context, userID, connID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.users[userID]
	if !ok {
		conns = make(map[string]struct{})
		r.users[userID] = conns
	}
	if _, dup := conns[connID]; dup {
		return false, nil
	}
	conns[connID] = struct{}{}
	return len(conns) == 1, nil
}

func (r *MemoryRegistry) Remove(_ context.Context, userID, connID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.users[userID]
	if !ok {
		return false, nil
	}
	if _, present := conns[connID]; !present {
		return false, nil
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.users, userID)
		return true, nil
	}
	return false, nil
}

func (r *MemoryRegistry) Connections(_ context.Context, userID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.users[userID]))
	for id := range r.users[userID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (r *MemoryRegistry) Online(_ context.Context, userID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0, nil
}

func (r *MemoryRegistry) Clear(context.Context) error {
	r.mu.Lock()
	r.users = make(map[string]map[string]struct{})
	r.mu.Unlock()
	return nil
}
