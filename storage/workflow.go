package storage

import (
	"context"
	"fmt"
	"sort"

	"github.com/c360studio/signalflow/workflow"
	"github.com/nats-io/nats.go/jetstream"
)

// WorkflowStore persists workflow definitions. Implements
// workflow.Store.
type WorkflowStore struct {
	workflows jetstream.KeyValue
}

// NewWorkflowStore creates the workflows bucket.
func NewWorkflowStore(ctx context.Context, js jetstream.JetStream) (*WorkflowStore, error) {
	workflows, err := getOrCreateBucket(ctx, js, BucketWorkflows)
	if err != nil {
		return nil, fmt.Errorf("create workflows bucket: %w", err)
	}
	return &WorkflowStore{workflows: workflows}, nil
}

// Create persists a new workflow.
func (s *WorkflowStore) Create(ctx context.Context, w *workflow.Workflow) error {
	return createJSON(ctx, s.workflows, scopedKey(w.AgencyID, w.ID), w)
}

// Get loads one workflow scoped by agency.
func (s *WorkflowStore) Get(ctx context.Context, agencyID, id string) (*workflow.Workflow, error) {
	w, _, err := getJSON[workflow.Workflow](ctx, s.workflows, scopedKey(agencyID, id))
	return w, err
}

// Update replaces a workflow definition.
func (s *WorkflowStore) Update(ctx context.Context, w *workflow.Workflow) error {
	return putJSON(ctx, s.workflows, scopedKey(w.AgencyID, w.ID), w)
}

// Delete removes a workflow definition.
func (s *WorkflowStore) Delete(ctx context.Context, agencyID, id string) error {
	if err := s.workflows.Delete(ctx, scopedKey(agencyID, id)); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete workflow %s: %w", id, err)
	}
	return nil
}

// List returns every workflow for an agency.
func (s *WorkflowStore) List(ctx context.Context, agencyID string) ([]*workflow.Workflow, error) {
	return scanPrefix[workflow.Workflow](ctx, s.workflows, agencyID+".")
}

// ExecutionStore persists executions and owns the per-(workflow,
// trigger) idempotency claim. Implements workflow.ExecutionStore.
type ExecutionStore struct {
	execs  jetstream.KeyValue
	claims jetstream.KeyValue
}

// NewExecutionStore creates the executions and claims buckets.
func NewExecutionStore(ctx context.Context, js jetstream.JetStream) (*ExecutionStore, error) {
	execs, err := getOrCreateBucket(ctx, js, BucketExecutions)
	if err != nil {
		return nil, fmt.Errorf("create executions bucket: %w", err)
	}
	claims, err := getOrCreateBucket(ctx, js, BucketExecutionClaims)
	if err != nil {
		return nil, fmt.Errorf("create execution claims bucket: %w", err)
	}
	return &ExecutionStore{execs: execs, claims: claims}, nil
}

// Create persists a new execution record.
func (s *ExecutionStore) Create(ctx context.Context, exec *workflow.Execution) error {
	return createJSON(ctx, s.execs, scopedKey(exec.AgencyID, exec.ID), exec)
}

// ClaimTrigger atomically records executionID for the (workflowID,
// triggerID) pair. When the pair is already claimed by a non-failed
// execution, the winning execution id is returned with created false.
// A failed or orphaned prior claim is re-claimed with a revision
// compare-and-set so exactly one concurrent retrier wins.
func (s *ExecutionStore) ClaimTrigger(ctx context.Context, agencyID, workflowID, triggerID, executionID string) (string, bool, error) {
	key := scopedKey(agencyID, workflowID, triggerID)
	_, err := s.claims.Create(ctx, key, []byte(executionID))
	if err == nil {
		return executionID, true, nil
	}
	if !isKeyExists(err) {
		return "", false, fmt.Errorf("claim trigger %s: %w", key, err)
	}

	entry, err := s.claims.Get(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("load trigger claim %s: %w", key, err)
	}
	existingID := string(entry.Value())

	existing, getErr := s.Get(ctx, agencyID, existingID)
	reclaimable := false
	switch {
	case getErr != nil:
		// The claim exists but its execution record never landed:
		// treat it as abandoned.
		reclaimable = true
	case existing.Status == workflow.ExecutionFailed:
		reclaimable = true
	}
	if !reclaimable {
		return existingID, false, nil
	}

	if _, err := s.claims.Update(ctx, key, []byte(executionID), entry.Revision()); err != nil {
		if isRevisionMismatch(err) {
			// A concurrent retrier won; return its claim.
			latest, err := s.claims.Get(ctx, key)
			if err != nil {
				return "", false, fmt.Errorf("load trigger claim %s: %w", key, err)
			}
			return string(latest.Value()), false, nil
		}
		return "", false, fmt.Errorf("reclaim trigger %s: %w", key, err)
	}
	return executionID, true, nil
}

// Get loads one execution scoped by agency.
func (s *ExecutionStore) Get(ctx context.Context, agencyID, id string) (*workflow.Execution, error) {
	exec, _, err := getJSON[workflow.Execution](ctx, s.execs, scopedKey(agencyID, id))
	return exec, err
}

// Update persists execution state.
func (s *ExecutionStore) Update(ctx context.Context, exec *workflow.Execution) error {
	return putJSON(ctx, s.execs, scopedKey(exec.AgencyID, exec.ID), exec)
}

// ListByWorkflow returns a workflow's executions, newest first.
func (s *ExecutionStore) ListByWorkflow(ctx context.Context, agencyID, workflowID string, limit int) ([]*workflow.Execution, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	all, err := scanPrefix[workflow.Execution](ctx, s.execs, agencyID+".")
	if err != nil {
		return nil, err
	}
	matching := all[:0]
	for _, exec := range all {
		if exec.WorkflowID == workflowID {
			matching = append(matching, exec)
		}
	}
	sort.Slice(matching, func(i, j int) bool { return matching[i].StartedAt.After(matching[j].StartedAt) })
	if len(matching) > limit {
		matching = matching[:limit]
	}
	return matching, nil
}

// ExecutionEventStore persists the append-only ordered execution
// event log. Implements workflow.EventStore.
type ExecutionEventStore struct {
	events jetstream.KeyValue
}

// NewExecutionEventStore creates the execution events bucket.
func NewExecutionEventStore(ctx context.Context, js jetstream.JetStream) (*ExecutionEventStore, error) {
	events, err := getOrCreateBucket(ctx, js, BucketExecutionEvents)
	if err != nil {
		return nil, fmt.Errorf("create execution events bucket: %w", err)
	}
	return &ExecutionEventStore{events: events}, nil
}

// Append records one event under its engine-assigned sequence. Events
// are never updated or deleted.
func (s *ExecutionEventStore) Append(ctx context.Context, e *workflow.Event) error {
	key := fmt.Sprintf("%s.%08d", e.ExecutionID, e.Seq)
	return createJSON(ctx, s.events, key, e)
}

// ListByExecution returns an execution's events in sequence order.
func (s *ExecutionEventStore) ListByExecution(ctx context.Context, executionID string) ([]*workflow.Event, error) {
	events, err := scanPrefix[workflow.Event](ctx, s.events, executionID+".")
	if err != nil {
		return nil, err
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	return events, nil
}
