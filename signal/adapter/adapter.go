// Package adapter normalizes heterogeneous external payloads into the
// canonical signal shape, one adapter per source type. Every adapter
// output carries at least an "event_type" field; the rest of the shape
// is source-specific but stable.
package adapter

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidPayload wraps all adapter normalization failures so
// callers can classify them as validation errors.
var ErrInvalidPayload = errors.New("invalid payload")

// Adapter normalizes raw payloads for one signal source.
type Adapter interface {
	// Source returns the source identifier this adapter handles.
	Source() string

	// Normalize converts a raw source payload into the canonical
	// shape. Failures wrap ErrInvalidPayload.
	Normalize(raw map[string]any) (map[string]any, error)
}

// Registry manages source adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter // keyed by source
}

// DefaultRegistry is the global adapter registry with default adapters.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a registry with the default adapters registered.
func NewRegistry() *Registry {
	r := &Registry{
		adapters: make(map[string]Adapter),
	}

	r.Register(NewWebhookAdapter())
	r.Register(NewEmailAdapter())
	r.Register(NewFormAdapter())
	r.Register(NewWebpageAdapter())

	return r
}

// Register adds an adapter to the registry, replacing any previous
// adapter for the same source.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Source()] = a
}

// Get returns the adapter for a source.
func (r *Registry) Get(source string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[source]
	return a, ok
}

// Sources returns all registered source identifiers.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sources := make([]string, 0, len(r.adapters))
	for s := range r.adapters {
		sources = append(sources, s)
	}
	return sources
}

// requireString extracts a non-empty string field from a raw payload.
func requireString(raw map[string]any, field string) (string, error) {
	v, ok := raw[field]
	if !ok {
		return "", fmt.Errorf("%w: missing field %q", ErrInvalidPayload, field)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: field %q must be a non-empty string", ErrInvalidPayload, field)
	}
	return s, nil
}

// optionalString extracts a string field, returning "" when absent.
func optionalString(raw map[string]any, field string) string {
	if v, ok := raw[field].(string); ok {
		return v
	}
	return ""
}
