package runtime

import (
	"fmt"
	"sync"

	"github.com/agentmux/fleetd/internal/backend"
)

// Registry maps runtimeKind → Template at startup.
type Registry struct {
	be backend.SessionBackend

	mu        sync.RWMutex
	templates map[Kind]*Template
}

// NewRegistry creates a Registry with the three built-in adapters registered.
func NewRegistry(be backend.SessionBackend) *Registry {
	r := &Registry{be: be, templates: make(map[Kind]*Template)}
	r.Register(NewClaudeCodeAdapter())
	r.Register(NewCodexAdapter())
	r.Register(NewGeminiAdapter())
	return r
}

// Register wraps an Adapter in a Template and adds it to the registry, overwriting any
// previous registration for the same Kind.
func (r *Registry) Register(a *Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[a.Kind] = NewTemplate(a, r.be)
}

// Get returns the Template for a runtime kind, or an error if none is registered.
func (r *Registry) Get(kind Kind) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[kind]
	if !ok {
		return nil, fmt.Errorf("runtime: no adapter registered for kind %q", kind)
	}
	return t, nil
}

// Kinds returns every registered runtime kind.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.templates))
	for k := range r.templates {
		out = append(out, k)
	}
	return out
}
