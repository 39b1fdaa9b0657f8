package provider

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"modelgate/internal/models"
)

// ErrUnsupportedProvider indicates no adapter is registered under the
// requested provider name. Reported before any network call is attempted.
var ErrUnsupportedProvider = errors.New("unsupported provider")

// ErrDuplicateProvider indicates an attempt to register the same provider
// name twice.
var ErrDuplicateProvider = errors.New("provider already registered")

// Auth carries the per-call credential material resolved by the caller.
// BaseURL overrides the adapter's default endpoint when non-empty.
type Auth struct {
	APIKey  string
	BaseURL string
}

// Adapter is the contract every upstream provider implements. Each adapter
// owns building its provider-specific request body, parsing responses, and
// translating the provider's native event stream into the internal
// StreamEvent vocabulary.
//
// Send returns the completed response. Stream returns a finite event
// sequence: pre-stream failures (bad request, auth, network) come back as a
// normal error; once a sequence is returned it terminates with exactly one
// done event, with mid-stream failures yielded as an error event immediately
// before it. Absent upstream fields (empty text, missing usage) degrade to
// partial information, never a hard failure.
type Adapter interface {
	Name() string
	Send(ctx context.Context, req models.ChatRequest, auth Auth) (*models.ChatResponse, error)
	Stream(ctx context.Context, req models.ChatRequest, auth Auth) (iter.Seq[models.StreamEvent], error)
}

// Registry maintains the mapping of provider names to adapters. It is built
// once at gateway construction and read-only thereafter.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry constructs an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its own name.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return errors.New("adapter must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := adapter.Name()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, name)
	}
	r.adapters[name] = adapter
	return nil
}

// Lookup returns the adapter registered under name.
func (r *Registry) Lookup(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, name)
	}
	return adapter, nil
}

// Providers lists the registered provider names.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
