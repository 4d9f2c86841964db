// Package lineage answers provenance questions across the automation
// core: which signal triggered an execution, which workflow ran, what
// the execution did step by step, and which business entities it
// produced. The resolver joins the stores read-only; it never mutates.
package lineage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360studio/signalflow/signal"
	"github.com/c360studio/signalflow/storage"
	"github.com/c360studio/signalflow/workflow"
)

// SignalSource loads ingested signals.
type SignalSource interface {
	Get(ctx context.Context, agencyID, id string) (*signal.Signal, error)
}

// WorkflowSource loads workflow definitions.
type WorkflowSource interface {
	Get(ctx context.Context, agencyID, id string) (*workflow.Workflow, error)
}

// ExecutionSource loads executions.
type ExecutionSource interface {
	Get(ctx context.Context, agencyID, id string) (*workflow.Execution, error)
}

// EventSource loads an execution's ordered event log.
type EventSource interface {
	ListByExecution(ctx context.Context, executionID string) ([]*workflow.Event, error)
}

// EntitySource loads the entity records executions produce.
type EntitySource interface {
	Get(ctx context.Context, agencyID, id string) (*storage.EntityRecord, error)
	ListByExecution(ctx context.Context, agencyID, executionID string) ([]*storage.EntityRecord, error)
}

// Trace is the full provenance chain for one execution. Signal is nil
// for manual and scheduled triggers; Workflow is nil when the
// definition was deleted after the run.
type Trace struct {
	Signal    *signal.Signal          `json:"signal,omitempty"`
	Workflow  *workflow.Workflow      `json:"workflow,omitempty"`
	Execution *workflow.Execution     `json:"execution"`
	Events    []*workflow.Event       `json:"events,omitempty"`
	Entities  []*storage.EntityRecord `json:"entities,omitempty"`

	// Entity is set when the trace was resolved from an entity.
	Entity *storage.EntityRecord `json:"entity,omitempty"`
}

// Resolver joins the stores into provenance traces.
type Resolver struct {
	signals    SignalSource
	workflows  WorkflowSource
	executions ExecutionSource
	events     EventSource
	entities   EntitySource
	logger     *slog.Logger
}

// NewResolver creates a lineage resolver.
func NewResolver(signals SignalSource, workflows WorkflowSource, executions ExecutionSource, events EventSource, entities EntitySource, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		signals:    signals,
		workflows:  workflows,
		executions: executions,
		events:     events,
		entities:   entities,
		logger:     logger,
	}
}

// TraceExecution resolves the full chain for one execution. The
// execution itself must exist; a missing workflow or signal is
// tolerated and leaves that field nil, since definitions can be
// deleted and not every execution was signal-triggered.
func (r *Resolver) TraceExecution(ctx context.Context, agencyID, executionID string) (*Trace, error) {
	exec, err := r.executions.Get(ctx, agencyID, executionID)
	if err != nil {
		return nil, err
	}

	trace := &Trace{Execution: exec}

	wf, err := r.workflows.Get(ctx, agencyID, exec.WorkflowID)
	switch {
	case err == nil:
		trace.Workflow = wf
	case errors.Is(err, storage.ErrNotFound):
		r.logger.Warn("Workflow missing from trace",
			"execution_id", executionID,
			"workflow_id", exec.WorkflowID)
	default:
		return nil, fmt.Errorf("load workflow %s: %w", exec.WorkflowID, err)
	}

	if exec.TriggerType == workflow.TriggerSignal && exec.TriggerID != "" {
		// Signal-triggered runs use "signalID" or "signalID.routeID"
		// as their trigger id.
		signalID, _, _ := strings.Cut(exec.TriggerID, ".")
		sig, err := r.signals.Get(ctx, agencyID, signalID)
		switch {
		case err == nil:
			trace.Signal = sig
		case errors.Is(err, storage.ErrNotFound):
			r.logger.Warn("Trigger signal missing from trace",
				"execution_id", executionID,
				"signal_id", exec.TriggerID)
		default:
			return nil, fmt.Errorf("load signal %s: %w", exec.TriggerID, err)
		}
	}

	events, err := r.events.ListByExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("load execution events: %w", err)
	}
	trace.Events = events

	entities, err := r.entities.ListByExecution(ctx, agencyID, executionID)
	if err != nil {
		return nil, fmt.Errorf("load execution entities: %w", err)
	}
	trace.Entities = entities

	return trace, nil
}

// TraceEntity resolves an entity back to the execution that produced
// it and returns that execution's full trace.
func (r *Resolver) TraceEntity(ctx context.Context, agencyID, entityID string) (*Trace, error) {
	entity, err := r.entities.Get(ctx, agencyID, entityID)
	if err != nil {
		return nil, err
	}

	trace, err := r.TraceExecution(ctx, agencyID, entity.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("trace execution %s for entity %s: %w", entity.ExecutionID, entityID, err)
	}
	trace.Entity = entity
	return trace, nil
}
