package rule

import (
	"strings"
)

// Context carries the four data surfaces conditions read from. All
// maps may be nil; a missing scope simply resolves nothing.
type Context struct {
	// Signal is the triggering payload.
	Signal map[string]any `json:"signal,omitempty"`

	// Vars holds workflow-execution-local variables accumulated so
	// far (the "context" scope).
	Vars map[string]any `json:"context,omitempty"`

	// History holds prior resource states, e.g. the previous task
	// status or the previous value of a monitored metric.
	History map[string]any `json:"history,omitempty"`

	// Aggregates holds windowed aggregates computed by the caller,
	// e.g. "breach_count" over the condition's window.
	Aggregates map[string]any `json:"aggregated,omitempty"`
}

// Resolve looks up a dot-separated field path within a scope.
func (c *Context) Resolve(scope Scope, path string) (any, bool) {
	var surface map[string]any
	switch scope {
	case ScopeSignal:
		surface = c.Signal
	case ScopeContext:
		surface = c.Vars
	case ScopeHistory:
		surface = c.History
	case ScopeAggregated:
		surface = c.Aggregates
	default:
		return nil, false
	}
	if surface == nil {
		return nil, false
	}
	return lookupPath(surface, path)
}

// lookupPath resolves a dot-separated path in a nested object.
func lookupPath(obj map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = obj
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
