package provider

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory builds a provider for one connection. Application-level settings
// are captured by the closure at registration.
type Factory func(credential string, meta ConnectionMeta) (DataProvider, error)

// Registry maps provider names to factories. It performs no I/O.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(name)] = f
}

// Create builds a provider. An unregistered name fails with
// ErrUnknownProvider and the list of known names.
func (r *Registry) Create(name, credential string, meta ConnectionMeta) (DataProvider, error) {
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %s)", ErrUnknownProvider, name, strings.Join(r.Names(), ", "))
	}
	p, err := f(credential, meta)
	if err != nil {
		return nil, fmt.Errorf("create %s provider: %w", name, err)
	}
	return p, nil
}

// Names returns the registered names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
