package relm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Backend abstracts one LM endpoint known to the router.
type Backend interface {
	// Complete sends a single request and returns a complete response.
	Complete(ctx context.Context, req LMRequest) (ChatCompletion, error)
	// Name returns the unique backend id (e.g. "gpt-5-mini", "local-7b").
	Name() string
	// Family returns the coarse grouping used for family routing
	// (e.g. "gpt", "llama"). May equal Name for single-model backends.
	Family() string
}

// StreamingBackend is implemented by backends that can deliver the
// completion incrementally. Streaming is a display affordance for root
// calls; correctness never depends on it.
type StreamingBackend interface {
	Backend
	// StreamComplete invokes onChunk for each text fragment as it arrives
	// and returns the assembled completion with usage.
	StreamComplete(ctx context.Context, req LMRequest, onChunk func(string)) (ChatCompletion, error)
}

// Subcaller is anything that can answer an LMRequest: the router in
// process, a wire client across a socket, or a broker client inside a
// sandbox. REPL helpers are bound to a Subcaller, never to a Backend.
type Subcaller interface {
	Subcall(ctx context.Context, req LMRequest) (LMResponse, error)
}

// --- Registry ---

// Registry is the ordered set of backends the router can dispatch to.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	order    []string
	fallback string
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds a backend under its Name. Duplicate or empty names are
// configuration errors.
func (r *Registry) Register(b Backend) error {
	name := b.Name()
	if name == "" {
		return fmt.Errorf("register backend: empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.backends[name]; exists {
		return fmt.Errorf("register backend: duplicate name %q", name)
	}
	r.backends[name] = b
	r.order = append(r.order, name)
	if r.fallback == "" {
		r.fallback = name
	}
	return nil
}

// SetDefault names the backend used when preferences carry no usable hint.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.backends[name]; !exists {
		return fmt.Errorf("set default: unknown backend %q", name)
	}
	r.fallback = name
	return nil
}

// Get returns the backend registered under name.
func (r *Registry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// Default returns the fallback backend, or nil when the registry is empty.
func (r *Registry) Default() Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.backends[r.fallback]
}

// Names returns the registered backend names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Resolve maps model preferences onto a registered backend. Resolution is
// total over well-formed inputs and tries, in order:
//
//  1. an exact name match for an explicitly named model,
//  2. the first registered candidate from the candidate list,
//  3. a case-insensitive substring match over name and family,
//  4. a family match,
//  5. the default backend.
//
// An explicitly named model that is not registered is an error — explicit
// names never fall back silently.
func (r *Registry) Resolve(prefs *ModelPreferences) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.backends) == 0 {
		return nil, &ErrResolution{Name: prefs.ExplicitName(), Hint: "registry is empty"}
	}

	if name := prefs.ExplicitName(); name != "" {
		if b, ok := r.backends[name]; ok {
			return b, nil
		}
		return nil, &ErrResolution{Name: name, Hint: "registered: " + strings.Join(r.sortedNames(), ", ")}
	}

	if prefs != nil {
		for _, cand := range prefs.Candidates {
			if b, ok := r.backends[cand]; ok {
				return b, nil
			}
		}
		if prefs.Contains != "" {
			needle := strings.ToLower(prefs.Contains)
			for _, name := range r.order {
				b := r.backends[name]
				if strings.Contains(strings.ToLower(b.Name()), needle) ||
					strings.Contains(strings.ToLower(b.Family()), needle) {
					return b, nil
				}
			}
		}
		if prefs.Family != "" {
			family := strings.ToLower(prefs.Family)
			for _, name := range r.order {
				if strings.ToLower(r.backends[name].Family()) == family {
					return r.backends[name], nil
				}
			}
		}
	}

	if b, ok := r.backends[r.fallback]; ok {
		return b, nil
	}
	return nil, &ErrResolution{Hint: "no default backend configured"}
}

// sortedNames returns registered names sorted for stable error messages.
// Callers must hold at least the read lock.
func (r *Registry) sortedNames() []string {
	out := make([]string, 0, len(r.backends))
	for name := range r.backends {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
