// Package signal provides the ingestion side of the automation core:
// canonical Signal records, tenant signal routes, and the Router that
// deduplicates incoming events and dispatches matched workflows.
package signal

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of an ingested signal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
)

// Signal is a normalized external business event. Created by an adapter
// at ingestion; mutated only by the Router (status transitions).
type Signal struct {
	ID       string `json:"id"`
	AgencyID string `json:"agency_id"`
	Source   string `json:"source"`
	ClientID string `json:"client_id,omitempty"`

	// Payload is the canonical shape produced by the source adapter.
	Payload map[string]any `json:"payload"`

	// Fingerprint deduplicates redelivered upstream events.
	Fingerprint string `json:"fingerprint"`

	Status      Status     `json:"status"`
	IngestedAt  time.Time  `json:"ingested_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Route maps an incoming signal shape to a workflow. Routes are
// evaluated in priority order (ascending) for deterministic dispatch.
type Route struct {
	ID       string `json:"id"`
	AgencyID string `json:"agency_id"`
	Source   string `json:"source"`

	// MatchCriteria is a predicate over the normalized payload:
	// dot-path keys mapped to expected values. A "*" value requires
	// presence, a list value is a containment check, anything else is
	// an equality check. Empty criteria match every signal of the
	// route's source.
	MatchCriteria map[string]any `json:"match_criteria,omitempty"`

	WorkflowID string    `json:"workflow_id"`
	Enabled    bool      `json:"enabled"`
	Priority   int       `json:"priority"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Validate checks route fields before persisting.
func (r *Route) Validate() error {
	if r.AgencyID == "" {
		return NewValidationError("agency_id", "required")
	}
	if r.Source == "" {
		return NewValidationError("source", "required")
	}
	if r.WorkflowID == "" {
		return NewValidationError("workflow_id", "required")
	}
	return nil
}

// NewSignalID returns a short unique signal identifier.
func NewSignalID() string {
	return fmt.Sprintf("sig-%s", uuid.New().String()[:8])
}

// NewRouteID returns a short unique route identifier.
func NewRouteID() string {
	return fmt.Sprintf("rte-%s", uuid.New().String()[:8])
}
