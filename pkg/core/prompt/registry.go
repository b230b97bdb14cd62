package prompt

import (
	"fmt"
	"sync"
)

// Registry holds every registered Template, keyed by (agent_id, prompt_type),
// retaining all versions but serving only the active one. It is the
// "process-wide read-mostly cache with single-writer invalidation" the
// engine relies on: reads take the RLock; Register takes the write lock and
// is the only path that can flip which version is active.
type Registry struct {
	// active maps a (agent, type) key directly to its active template for
	// O(1) resolution; versions is kept alongside for ListVersions/audit.
	active   map[key]*Template
	versions map[key][]*Template
	mu       sync.RWMutex
}

var globalRegistry *Registry
var once sync.Once

// Get returns the global registry singleton.
func Get() *Registry {
	once.Do(func() {
		globalRegistry = &Registry{
			active:   make(map[key]*Template),
			versions: make(map[key][]*Template),
		}
	})
	return globalRegistry
}

// Register adds or updates a Template. If it is marked active, it becomes
// the active template for its (agent_id, prompt_type) pair and any
// previously active version for that pair is deactivated — invalidating the
// cache entry other readers see.
func (r *Registry) Register(t *Template) error {
	if t.AgentID == "" {
		return fmt.Errorf("prompt: agent_id cannot be empty")
	}
	if t.Version < 1 {
		return fmt.Errorf("prompt: version must be >= 1")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := keyOf(t.AgentID, t.PromptType)
	r.versions[k] = append(r.versions[k], t)

	if t.IsActive {
		if prev, ok := r.active[k]; ok && prev != t {
			prev.IsActive = false
		}
		r.active[k] = t
	}
	return nil
}

// Resolve returns the active Template for (agentID, ptype), or an error if
// none has been registered — callers fall back to Defaults in that case.
func (r *Registry) Resolve(agentID string, ptype Type) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t, ok := r.active[keyOf(agentID, ptype)]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("prompt: no active template for agent=%s type=%s", agentID, ptype)
}

// ListVersions returns every registered version for (agentID, ptype), in
// registration order.
func (r *Registry) ListVersions(agentID string, ptype Type) []*Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Template(nil), r.versions[keyOf(agentID, ptype)]...)
}

// Count returns the number of active templates registered.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// Clear removes all registered templates. Useful for tests.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = make(map[key]*Template)
	r.versions = make(map[key][]*Template)
}
