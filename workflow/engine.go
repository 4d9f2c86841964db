package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultExecutionTimeout bounds executions whose workflow does not
// declare its own budget.
const DefaultExecutionTimeout = 5 * time.Minute

// Store persists workflow definitions.
type Store interface {
	Create(ctx context.Context, w *Workflow) error
	Get(ctx context.Context, agencyID, id string) (*Workflow, error)
	Update(ctx context.Context, w *Workflow) error
	Delete(ctx context.Context, agencyID, id string) error
	List(ctx context.Context, agencyID string) ([]*Workflow, error)
}

// ExecutionStore persists executions and owns the trigger idempotency
// claim. ClaimTrigger atomically records executionID for the
// (workflowID, triggerID) pair; when the pair is already claimed it
// returns the winning execution id with created false.
type ExecutionStore interface {
	Create(ctx context.Context, exec *Execution) error
	ClaimTrigger(ctx context.Context, agencyID, workflowID, triggerID, executionID string) (existingID string, created bool, err error)
	Get(ctx context.Context, agencyID, id string) (*Execution, error)
	Update(ctx context.Context, exec *Execution) error
	ListByWorkflow(ctx context.Context, agencyID, workflowID string, limit int) ([]*Execution, error)
}

// EventStore persists the append-only, strictly ordered execution
// event log.
type EventStore interface {
	Append(ctx context.Context, e *Event) error
	ListByExecution(ctx context.Context, executionID string) ([]*Event, error)
}

// ExecuteOptions carries trigger identity into an execution.
type ExecuteOptions struct {
	// TriggerID identifies the trigger for idempotency. Empty ids get
	// a generated one, which makes the run unconditionally unique.
	TriggerID   string
	TriggerType TriggerType

	// Source is the signal source for entry-step filtering.
	Source string

	// SkipIdempotencyCheck forces a fresh run even when the trigger
	// was claimed before, e.g. a manual re-run of a failed execution.
	SkipIdempotencyCheck bool
}

// Engine runs workflows and manages their lifecycle.
type Engine struct {
	workflows Store
	execs     ExecutionStore
	events    EventStore
	caps      Capabilities
	logger    *slog.Logger

	defaultTimeout time.Duration

	// backoff is swapped out in tests to avoid real sleeps.
	backoff func(RetryPolicy, int) time.Duration
}

// NewEngine creates a workflow engine.
func NewEngine(workflows Store, execs ExecutionStore, events EventStore, caps Capabilities, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		workflows:      workflows,
		execs:          execs,
		events:         events,
		caps:           caps,
		logger:         logger,
		defaultTimeout: DefaultExecutionTimeout,
		backoff:        RetryPolicy.backoff,
	}
}

// SetDefaultTimeout overrides the execution timeout applied to
// workflows without their own budget.
func (e *Engine) SetDefaultTimeout(d time.Duration) {
	if d > 0 {
		e.defaultTimeout = d
	}
}

// Create persists a new draft workflow. Full graph validation runs at
// activation; drafts only need an identity.
func (e *Engine) Create(ctx context.Context, w *Workflow) (*Workflow, error) {
	if w.AgencyID == "" {
		return nil, fmt.Errorf("agency_id is required")
	}
	if w.Name == "" {
		return nil, fmt.Errorf("name is required")
	}

	if w.ID == "" {
		w.ID = NewWorkflowID()
	}
	for _, s := range w.Steps {
		if s.ID == "" {
			s.ID = NewStepID()
		}
	}
	w.Status = StatusDraft
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now

	if err := e.workflows.Create(ctx, w); err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}
	return w, nil
}

// Get loads one workflow.
func (e *Engine) Get(ctx context.Context, agencyID, id string) (*Workflow, error) {
	return e.workflows.Get(ctx, agencyID, id)
}

// List returns every workflow for an agency.
func (e *Engine) List(ctx context.Context, agencyID string) ([]*Workflow, error) {
	return e.workflows.List(ctx, agencyID)
}

// Update replaces a workflow's definition, preserving its status and
// creation time.
func (e *Engine) Update(ctx context.Context, w *Workflow) (*Workflow, error) {
	current, err := e.workflows.Get(ctx, w.AgencyID, w.ID)
	if err != nil {
		return nil, err
	}
	w.Status = current.Status
	w.CreatedAt = current.CreatedAt
	w.UpdatedAt = time.Now().UTC()
	for _, s := range w.Steps {
		if s.ID == "" {
			s.ID = NewStepID()
		}
	}
	if err := e.workflows.Update(ctx, w); err != nil {
		return nil, fmt.Errorf("update workflow: %w", err)
	}
	return w, nil
}

// Delete removes a workflow definition.
func (e *Engine) Delete(ctx context.Context, agencyID, id string) error {
	return e.workflows.Delete(ctx, agencyID, id)
}

// Activate validates the workflow and flips it to active. Validation
// errors block activation; warnings do not.
func (e *Engine) Activate(ctx context.Context, agencyID, id string) (*Workflow, error) {
	w, err := e.workflows.Get(ctx, agencyID, id)
	if err != nil {
		return nil, err
	}

	result := w.Validate()
	if !result.Valid {
		msgs := make([]string, len(result.Errors))
		for i, issue := range result.Errors {
			msgs[i] = issue.Message
		}
		return nil, fmt.Errorf("%w: %s", ErrNotValid, strings.Join(msgs, "; "))
	}

	w.Status = StatusActive
	w.UpdatedAt = time.Now().UTC()
	if err := e.workflows.Update(ctx, w); err != nil {
		return nil, fmt.Errorf("activate workflow: %w", err)
	}
	e.logger.Info("Workflow activated",
		"workflow_id", w.ID,
		"agency_id", w.AgencyID,
		"warnings", len(result.Warnings))
	return w, nil
}

// Archive retires a workflow from execution.
func (e *Engine) Archive(ctx context.Context, agencyID, id string) (*Workflow, error) {
	w, err := e.workflows.Get(ctx, agencyID, id)
	if err != nil {
		return nil, err
	}
	w.Status = StatusArchived
	w.UpdatedAt = time.Now().UTC()
	if err := e.workflows.Update(ctx, w); err != nil {
		return nil, fmt.Errorf("archive workflow: %w", err)
	}
	return w, nil
}

// Duplicate deep-copies a workflow as a new draft and persists it.
func (e *Engine) Duplicate(ctx context.Context, agencyID, id string) (*Workflow, error) {
	w, err := e.workflows.Get(ctx, agencyID, id)
	if err != nil {
		return nil, err
	}
	dup := w.Duplicate()
	if err := e.workflows.Create(ctx, dup); err != nil {
		return nil, fmt.Errorf("create duplicate: %w", err)
	}
	return dup, nil
}

// ExecuteByID loads the workflow and executes it.
func (e *Engine) ExecuteByID(ctx context.Context, agencyID, workflowID string, payload map[string]any, opts ExecuteOptions) (*Execution, error) {
	w, err := e.workflows.Get(ctx, agencyID, workflowID)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, w, payload, opts)
}

// Execute runs an active workflow once per trigger. A trigger already
// claimed returns the existing execution unchanged (no side effects);
// step failures mark the execution failed rather than returning an
// error, and exceeding the wall-clock budget returns
// ErrExecutionTimeout alongside the timed-out execution.
func (e *Engine) Execute(ctx context.Context, w *Workflow, payload map[string]any, opts ExecuteOptions) (*Execution, error) {
	if !w.IsActive() {
		return nil, fmt.Errorf("%w: workflow %s is %s", ErrWorkflowNotActive, w.ID, w.Status)
	}

	if opts.TriggerType == "" {
		opts.TriggerType = TriggerManual
	}
	if opts.TriggerID == "" {
		opts.TriggerID = fmt.Sprintf("trg-%s", uuid.New().String()[:8])
	}

	execID := NewExecutionID()
	if !opts.SkipIdempotencyCheck {
		existingID, created, err := e.execs.ClaimTrigger(ctx, w.AgencyID, w.ID, opts.TriggerID, execID)
		if err != nil {
			return nil, fmt.Errorf("claim trigger: %w", err)
		}
		if !created {
			existing, err := e.execs.Get(ctx, w.AgencyID, existingID)
			if err != nil {
				return nil, fmt.Errorf("load claimed execution: %w", err)
			}
			e.logger.Info("Trigger already claimed, returning existing execution",
				"workflow_id", w.ID,
				"trigger_id", opts.TriggerID,
				"execution_id", existingID)
			return existing, nil
		}
	}

	if payload == nil {
		payload = map[string]any{}
	}
	exec := &Execution{
		ID:          execID,
		WorkflowID:  w.ID,
		AgencyID:    w.AgencyID,
		TriggerID:   opts.TriggerID,
		TriggerType: opts.TriggerType,
		Status:      ExecutionRunning,
		Vars: map[string]any{
			"signal": payload,
			"execution": map[string]any{
				"id":          execID,
				"workflow_id": w.ID,
				"trigger_id":  opts.TriggerID,
			},
		},
		StartedAt: time.Now().UTC(),
	}
	if err := e.execs.Create(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	timeout := e.defaultTimeout
	if w.TimeoutSeconds > 0 {
		timeout = time.Duration(w.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	el := &eventLog{executionID: exec.ID, store: e.events, logger: e.logger}
	el.emit(runCtx, EventExecutionStarted, "", map[string]any{
		"workflow_id":  w.ID,
		"trigger_id":   opts.TriggerID,
		"trigger_type": string(opts.TriggerType),
	})

	walkErr := e.walk(runCtx, w, exec, el, opts, payload)

	// Finalization must outlive the (possibly expired) run context.
	finCtx := context.WithoutCancel(ctx)
	now := time.Now().UTC()
	exec.CompletedAt = &now

	switch {
	case walkErr == nil:
		exec.Status = ExecutionComplete
		el.emit(finCtx, EventExecutionComplete, "", nil)
	case errors.Is(walkErr, context.DeadlineExceeded):
		exec.Status = ExecutionFailed
		exec.Error = fmt.Sprintf("execution exceeded %s", timeout)
		el.emit(finCtx, EventExecutionTimedOut, "", map[string]any{"timeout": timeout.String()})
	default:
		exec.Status = ExecutionFailed
		exec.Error = walkErr.Error()
		el.emit(finCtx, EventExecutionFailed, "", map[string]any{"error": walkErr.Error()})
	}

	if err := e.execs.Update(finCtx, exec); err != nil {
		return nil, fmt.Errorf("finalize execution %s: %w", exec.ID, err)
	}

	e.logger.Info("Workflow execution finished",
		"workflow_id", w.ID,
		"execution_id", exec.ID,
		"status", string(exec.Status),
		"duration", now.Sub(exec.StartedAt))

	if errors.Is(walkErr, context.DeadlineExceeded) {
		return exec, fmt.Errorf("%w: execution %s", ErrExecutionTimeout, exec.ID)
	}
	return exec, nil
}

// walk traverses the step graph breadth-first from the accepting
// entry steps. Branch fan-out enqueues every matching edge; a step
// reached along several paths runs once.
func (e *Engine) walk(ctx context.Context, w *Workflow, exec *Execution, el *eventLog, opts ExecuteOptions, payload map[string]any) error {
	var queue []string
	for _, entry := range w.EntrySteps() {
		if entryAccepts(entry.Signal, opts.Source, payload) {
			queue = append(queue, entry.ID)
		}
	}
	if len(queue) == 0 {
		e.logger.Warn("No entry step accepted the trigger",
			"workflow_id", w.ID,
			"execution_id", exec.ID,
			"source", opts.Source)
		return nil
	}

	visited := make(map[string]bool, len(w.Steps))
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		stepID := queue[0]
		queue = queue[1:]
		if visited[stepID] {
			continue
		}
		visited[stepID] = true

		step := w.FindStep(stepID)
		if step == nil {
			return fmt.Errorf("connection references unknown step %s", stepID)
		}

		el.emit(ctx, EventStepStarted, step.ID, map[string]any{"type": string(step.Type)})

		outcome, err := e.runStepWithRetry(ctx, exec, step, el)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			el.emit(ctx, EventStepFailed, step.ID, map[string]any{"error": err.Error()})
			return fmt.Errorf("step %s (%s): %w", step.ID, step.Type, err)
		}

		if outcome.VarKey != "" && outcome.Output != nil {
			exec.Vars[outcome.VarKey] = outcome.Output
		}

		if step.Type == StepBranch {
			el.emit(ctx, EventBranchEvaluated, step.ID, map[string]any{"label": outcome.Label})
		} else if step.Type == StepRule {
			el.emit(ctx, EventRuleEvaluated, step.ID, map[string]any{"label": outcome.Label})
		}
		data := map[string]any{}
		if outcome.Label != "" {
			data["label"] = outcome.Label
		}
		el.emit(ctx, EventStepCompleted, step.ID, data)

		if err := e.execs.Update(ctx, exec); err != nil {
			return fmt.Errorf("persist execution state: %w", err)
		}

		for _, c := range w.Outgoing(step.ID) {
			if c.When == "" || c.When == outcome.Label {
				queue = append(queue, c.To)
			}
		}
	}
	return nil
}

// runStepWithRetry retries transient step failures under the step's
// policy. Non-transient errors fail immediately.
func (e *Engine) runStepWithRetry(ctx context.Context, exec *Execution, step *Step, el *eventLog) (stepOutcome, error) {
	policy := DefaultRetryPolicy()
	if step.Retry != nil {
		policy = step.Retry.normalized()
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		outcome, err := e.runStep(ctx, exec, step)
		if err == nil {
			return outcome, nil
		}
		lastErr = err

		if !IsTransient(err) {
			return stepOutcome{}, err
		}

		if attempt < policy.MaxAttempts {
			backoff := e.backoff(policy, attempt)
			el.emit(ctx, EventStepRetried, step.ID, map[string]any{
				"attempt": attempt,
				"backoff": backoff.String(),
				"error":   err.Error(),
			})
			select {
			case <-ctx.Done():
				return stepOutcome{}, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return stepOutcome{}, lastErr
}

// GetExecution loads one execution.
func (e *Engine) GetExecution(ctx context.Context, agencyID, executionID string) (*Execution, error) {
	return e.execs.Get(ctx, agencyID, executionID)
}

// ListExecutions returns recent executions of a workflow.
func (e *Engine) ListExecutions(ctx context.Context, agencyID, workflowID string, limit int) ([]*Execution, error) {
	return e.execs.ListByWorkflow(ctx, agencyID, workflowID, limit)
}

// ExecutionEvents returns the ordered event log for an execution.
func (e *Engine) ExecutionEvents(ctx context.Context, agencyID, executionID string) ([]*Event, error) {
	if _, err := e.execs.Get(ctx, agencyID, executionID); err != nil {
		return nil, err
	}
	return e.events.ListByExecution(ctx, executionID)
}

// eventLog assigns strictly increasing sequence numbers within one
// execution. Append failures are logged, not fatal: the execution
// record stays the source of truth.
type eventLog struct {
	executionID string
	seq         int
	store       EventStore
	logger      *slog.Logger
}

func (l *eventLog) emit(ctx context.Context, eventType EventType, stepID string, data map[string]any) {
	l.seq++
	event := &Event{
		ExecutionID: l.executionID,
		Seq:         l.seq,
		Type:        eventType,
		StepID:      stepID,
		Data:        data,
		At:          time.Now().UTC(),
	}
	if err := l.store.Append(ctx, event); err != nil {
		l.logger.Error("Failed to append execution event",
			"execution_id", l.executionID,
			"seq", l.seq,
			"type", string(eventType),
			"error", err)
	}
}
