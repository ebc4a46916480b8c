package flow

import (
	"context"
	"fmt"
	"sort"
)

// HandlerFunc is an invocable registered function. Parameters arrive
// already interpolated. The returned value, if any, is stored in the
// node's result variable.
type HandlerFunc func(ctx context.Context, params map[string]string) (any, error)

// Registry maps function names to handlers. It is populated by the
// host application before any session starts and is read-only
// afterwards, so lookups need no locking.
type Registry struct {
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty function registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register adds a handler under the given name. Registering the same
// name twice is an error.
func (r *Registry) Register(name string, fn HandlerFunc) error {
	if name == "" {
		return fmt.Errorf("function name must not be empty")
	}
	if fn == nil {
		return fmt.Errorf("handler for %q must not be nil", name)
	}
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("function %q already registered", name)
	}
	r.handlers[name] = fn
	return nil
}

// Resolve looks up a handler by name
func (r *Registry) Resolve(name string) (HandlerFunc, bool) {
	fn, ok := r.handlers[name]
	return fn, ok
}

// Names returns the registered function names, sorted
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
