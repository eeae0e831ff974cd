package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/weirlabs/weir/errs"
)

// Factory builds a plugin instance from its stage options. The returned value
// must implement Source, Transform, or Sink depending on where it is used.
type Factory func(options map[string]any) (any, error)

// Registry maps plugin names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a named factory. Names are case-insensitive and unique.
func (r *Registry) Register(name string, factory Factory) error {
	lower := strings.ToLower(strings.TrimSpace(name))
	if lower == "" {
		return errs.New("engine", errs.CodeInvalid, errs.WithMessage("plugin name required"))
	}
	if factory == nil {
		return errs.New("engine", errs.CodeInvalid, errs.WithMessage("plugin factory required"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[lower]; exists {
		return errs.New("engine", errs.CodeConflict,
			errs.WithMessage(fmt.Sprintf("plugin %q already registered", name)))
	}
	r.factories[lower] = factory
	return nil
}

// Build instantiates the named plugin with the given options.
func (r *Registry) Build(name string, options map[string]any) (any, error) {
	r.mu.RLock()
	factory, ok := r.factories[strings.ToLower(strings.TrimSpace(name))]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New("engine", errs.CodeNotFound,
			errs.WithMessage(fmt.Sprintf("plugin %q not registered", name)),
			errs.WithRemediation("register the plugin before loading pipelines that reference it"))
	}
	plugin, err := factory(options)
	if err != nil {
		return nil, fmt.Errorf("build plugin %q: %w", name, err)
	}
	return plugin, nil
}

// Names lists registered plugins in sorted order.
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
