package signal

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/c360studio/signalflow/signal/adapter"
)

// Store persists signals and their dedup reservations.
type Store interface {
	// Create persists a new signal.
	Create(ctx context.Context, sig *Signal) error

	// ReserveFingerprint atomically claims a fingerprint for signalID
	// within the dedup window. When the fingerprint is already
	// reserved it returns the owning signal ID and created=false,
	// with no side effects.
	ReserveFingerprint(ctx context.Context, agencyID, fingerprint, signalID string) (existingID string, created bool, err error)

	// ReleaseFingerprint drops a reservation so the fingerprint can
	// be claimed again before the dedup window expires.
	ReleaseFingerprint(ctx context.Context, agencyID, fingerprint string) error

	// Get loads a signal scoped by agency.
	Get(ctx context.Context, agencyID, id string) (*Signal, error)

	// Update persists status transitions.
	Update(ctx context.Context, sig *Signal) error

	// ListByStatus returns signals for an agency in the given status,
	// newest first, at most limit entries, starting after cursor.
	// The returned cursor is empty when no more pages exist.
	ListByStatus(ctx context.Context, agencyID string, status Status, limit int, cursor string) ([]*Signal, string, error)
}

// RouteStore persists signal routes.
type RouteStore interface {
	Create(ctx context.Context, route *Route) error
	Get(ctx context.Context, agencyID, id string) (*Route, error)
	Update(ctx context.Context, route *Route) error
	Delete(ctx context.Context, agencyID, id string) error
	List(ctx context.Context, agencyID string) ([]*Route, error)

	// ListBySource returns enabled routes for (agencyID, source).
	ListBySource(ctx context.Context, agencyID, source string) ([]*Route, error)
}

// Dispatcher starts workflow executions for matched routes. Dispatch
// returns once the execution request is durably accepted, not once the
// execution finishes (fire-and-track).
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) error
}

// DispatchRequest carries everything the workflow runner needs to
// start one execution for one matched route.
type DispatchRequest struct {
	AgencyID   string         `json:"agency_id"`
	WorkflowID string         `json:"workflow_id"`
	RouteID    string         `json:"route_id"`
	SignalID   string         `json:"signal_id"`
	Source     string         `json:"source"`
	Payload    map[string]any `json:"payload"`
}

// IngestRequest is the inbound contract for signal ingestion.
type IngestRequest struct {
	AgencyID string         `json:"agency_id"`
	Source   string         `json:"source"`
	ClientID string         `json:"client_id,omitempty"`
	Payload  map[string]any `json:"payload"`
}

// IngestResult reports the outcome of one ingest call.
type IngestResult struct {
	Signal *Signal `json:"signal"`

	// IsDuplicate is true when the fingerprint was already reserved
	// within the dedup window; no side effects were performed.
	IsDuplicate bool `json:"is_duplicate"`

	// MatchingRoutes lists the routes whose criteria accepted the
	// payload, in priority order.
	MatchingRoutes []*Route `json:"matching_routes,omitempty"`

	// WorkflowsTriggered counts successfully dispatched executions.
	WorkflowsTriggered int `json:"workflows_triggered"`
}

// Router ingests signals: normalize, deduplicate, match routes, and
// dispatch workflow executions.
type Router struct {
	signals    Store
	routes     RouteStore
	adapters   *adapter.Registry
	dispatcher Dispatcher
	logger     *slog.Logger
}

// NewRouter creates a Router. A nil adapter registry falls back to the
// package default registry.
func NewRouter(signals Store, routes RouteStore, adapters *adapter.Registry, dispatcher Dispatcher, logger *slog.Logger) *Router {
	if adapters == nil {
		adapters = adapter.DefaultRegistry
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		signals:    signals,
		routes:     routes,
		adapters:   adapters,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Ingest normalizes and persists one external event, then dispatches
// every workflow whose route matches. Redelivered events (same
// fingerprint within the dedup window) return the existing signal with
// IsDuplicate set and trigger nothing.
func (r *Router) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if req.AgencyID == "" {
		return nil, NewValidationError("agency_id", "required")
	}
	if req.Source == "" {
		return nil, NewValidationError("source", "required")
	}
	if req.Payload == nil {
		return nil, NewValidationError("payload", "required")
	}

	a, ok := r.adapters.Get(req.Source)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, req.Source)
	}

	normalized, err := a.Normalize(req.Payload)
	if err != nil {
		return nil, NewValidationError("payload", err.Error())
	}

	fingerprint := Fingerprint(req.Source, req.AgencyID, normalized)
	signalID := NewSignalID()

	existingID, created, err := r.signals.ReserveFingerprint(ctx, req.AgencyID, fingerprint, signalID)
	if err != nil {
		return nil, fmt.Errorf("reserve fingerprint: %w", err)
	}
	if !created {
		existing, err := r.signals.Get(ctx, req.AgencyID, existingID)
		if err != nil {
			return nil, fmt.Errorf("load duplicate signal %s: %w", existingID, err)
		}
		r.logger.Debug("Duplicate signal ignored",
			"signal_id", existingID,
			"agency_id", req.AgencyID,
			"source", req.Source)
		return &IngestResult{Signal: existing, IsDuplicate: true}, nil
	}

	sig := &Signal{
		ID:          signalID,
		AgencyID:    req.AgencyID,
		Source:      req.Source,
		ClientID:    req.ClientID,
		Payload:     normalized,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		IngestedAt:  time.Now().UTC(),
	}
	if err := r.signals.Create(ctx, sig); err != nil {
		// Drop the reservation so the caller can retry the same
		// payload; otherwise it deduplicates against a signal that
		// was never stored.
		if relErr := r.signals.ReleaseFingerprint(ctx, req.AgencyID, fingerprint); relErr != nil {
			r.logger.Error("Failed to release fingerprint after persist failure",
				"agency_id", req.AgencyID,
				"fingerprint", fingerprint,
				"error", relErr)
		}
		return nil, fmt.Errorf("persist signal: %w", err)
	}

	matching, triggered, dispatchErr := r.dispatchMatches(ctx, sig)
	r.finalize(ctx, sig, dispatchErr)

	r.logger.Info("Signal ingested",
		"signal_id", sig.ID,
		"agency_id", sig.AgencyID,
		"source", sig.Source,
		"status", sig.Status,
		"routes_matched", len(matching),
		"workflows_triggered", triggered)

	return &IngestResult{
		Signal:             sig,
		MatchingRoutes:     matching,
		WorkflowsTriggered: triggered,
	}, nil
}

// Retry re-runs route matching and dispatch for a failed signal. A
// signal in any other state returns ErrSignalProcessed. Workflow-level
// idempotency makes re-dispatch of already-triggered executions a
// no-op, so partial failures are safe to retry.
func (r *Router) Retry(ctx context.Context, agencyID, signalID string) (*IngestResult, error) {
	sig, err := r.signals.Get(ctx, agencyID, signalID)
	if err != nil {
		return nil, err
	}
	if sig.Status != StatusFailed {
		return nil, fmt.Errorf("%w: signal %s is %s", ErrSignalProcessed, sig.ID, sig.Status)
	}

	matching, triggered, dispatchErr := r.dispatchMatches(ctx, sig)
	r.finalize(ctx, sig, dispatchErr)

	r.logger.Info("Signal retried",
		"signal_id", sig.ID,
		"agency_id", sig.AgencyID,
		"status", sig.Status,
		"workflows_triggered", triggered)

	return &IngestResult{
		Signal:             sig,
		MatchingRoutes:     matching,
		WorkflowsTriggered: triggered,
	}, nil
}

// PendingSignals returns signals awaiting dispatch, newest first.
func (r *Router) PendingSignals(ctx context.Context, agencyID string, limit int, cursor string) ([]*Signal, string, error) {
	return r.signals.ListByStatus(ctx, agencyID, StatusPending, limit, cursor)
}

// FailedSignals returns signals whose dispatch failed, newest first.
func (r *Router) FailedSignals(ctx context.Context, agencyID string, limit int, cursor string) ([]*Signal, string, error) {
	return r.signals.ListByStatus(ctx, agencyID, StatusFailed, limit, cursor)
}

// GetSignal loads one signal scoped by agency.
func (r *Router) GetSignal(ctx context.Context, agencyID, id string) (*Signal, error) {
	return r.signals.Get(ctx, agencyID, id)
}

// dispatchMatches evaluates routes in priority order and dispatches an
// execution request for every match. It returns the matched routes,
// the number of successful dispatches, and the first dispatch error.
func (r *Router) dispatchMatches(ctx context.Context, sig *Signal) ([]*Route, int, error) {
	routes, err := r.routes.ListBySource(ctx, sig.AgencyID, sig.Source)
	if err != nil {
		return nil, 0, fmt.Errorf("load routes: %w", err)
	}
	sort.SliceStable(routes, func(i, j int) bool {
		if routes[i].Priority != routes[j].Priority {
			return routes[i].Priority < routes[j].Priority
		}
		return routes[i].ID < routes[j].ID
	})

	var matching []*Route
	for _, route := range routes {
		if !route.Enabled {
			continue
		}
		if route.Matches(sig.Payload) {
			matching = append(matching, route)
		}
	}

	triggered := 0
	var firstErr error
	for _, route := range matching {
		err := r.dispatcher.Dispatch(ctx, DispatchRequest{
			AgencyID:   sig.AgencyID,
			WorkflowID: route.WorkflowID,
			RouteID:    route.ID,
			SignalID:   sig.ID,
			Source:     sig.Source,
			Payload:    sig.Payload,
		})
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("dispatch workflow %s: %w", route.WorkflowID, err)
			}
			r.logger.Error("Workflow dispatch failed",
				"signal_id", sig.ID,
				"workflow_id", route.WorkflowID,
				"route_id", route.ID,
				"error", err)
			continue
		}
		triggered++
	}

	return matching, triggered, firstErr
}

// finalize records the terminal ingest status on the signal. Dispatch
// failures are recorded state, not ingest errors; Retry picks them up.
func (r *Router) finalize(ctx context.Context, sig *Signal, dispatchErr error) {
	now := time.Now().UTC()
	if dispatchErr != nil {
		sig.Status = StatusFailed
		sig.Error = dispatchErr.Error()
	} else {
		sig.Status = StatusProcessed
		sig.ProcessedAt = &now
		sig.Error = ""
	}
	if err := r.signals.Update(ctx, sig); err != nil {
		r.logger.Error("Failed to update signal status",
			"signal_id", sig.ID,
			"status", sig.Status,
			"error", err)
	}
}
