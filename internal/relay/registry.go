package relay

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps logical handler names to handlers. It is filled at startup
// and read concurrently afterwards.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds h under name. Names are unique.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("register handler: empty name")
	}
	if h == nil {
		return fmt.Errorf("register handler %q: nil handler", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("register handler %q: already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// Resolve retrieves a handler by name. The error matches ErrHandlerNotFound.
func (r *Registry) Resolve(name string) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, name)
	}
	return h, nil
}

// Names returns all registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Validate checks that every registered Relay can resolve its delegation
// target and that following delegations never loops back. Call it once all
// handlers are registered.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	targets := make(map[string]string)
	for name, h := range r.handlers {
		relay, ok := h.(*Relay)
		if !ok || relay.cfg.Delegate == nil {
			continue
		}
		target := relay.cfg.Delegate.Target
		if _, ok := r.handlers[target]; !ok {
			return fmt.Errorf("handler %q delegates to %q: %w", name, target, ErrHandlerNotFound)
		}
		targets[name] = target
	}
	for name := range targets {
		seen := map[string]bool{name: true}
		for next, ok := targets[name]; ok; next, ok = targets[next] {
			if seen[next] {
				return fmt.Errorf("handler %q: delegation cycle through %q", name, next)
			}
			seen[next] = true
		}
	}
	return nil
}
