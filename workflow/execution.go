package workflow

import "time"

// ExecutionStatus is the lifecycle state of one workflow run.
type ExecutionStatus string

// A timed-out run is marked failed; the event log distinguishes the
// cause via EventExecutionTimedOut.
const (
	ExecutionRunning  ExecutionStatus = "running"
	ExecutionComplete ExecutionStatus = "completed"
	ExecutionFailed   ExecutionStatus = "failed"
)

// TriggerType names what started an execution.
type TriggerType string

const (
	TriggerSignal    TriggerType = "signal"
	TriggerManual    TriggerType = "manual"
	TriggerScheduled TriggerType = "scheduled"
)

// Execution is one run of a workflow. Vars accumulates step outputs;
// the trigger payload is stored under the "signal" key.
type Execution struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`
	AgencyID   string `json:"agency_id"`

	TriggerID   string      `json:"trigger_id"`
	TriggerType TriggerType `json:"trigger_type"`

	Status ExecutionStatus `json:"status"`
	Error  string          `json:"error,omitempty"`

	Vars map[string]any `json:"vars,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// EventType names one entry in the execution event log.
type EventType string

const (
	EventExecutionStarted  EventType = "execution.started"
	EventExecutionComplete EventType = "execution.completed"
	EventExecutionFailed   EventType = "execution.failed"
	EventExecutionTimedOut EventType = "execution.timed_out"

	EventStepStarted   EventType = "step.started"
	EventStepCompleted EventType = "step.completed"
	EventStepFailed    EventType = "step.failed"
	EventStepRetried   EventType = "step.retried"

	EventBranchEvaluated EventType = "branch.evaluated"
	EventRuleEvaluated   EventType = "rule.evaluated"
)

// Event is one append-only entry in an execution's ordered log. Seq
// is assigned by the engine and increases strictly within an
// execution.
type Event struct {
	ExecutionID string         `json:"execution_id"`
	Seq         int            `json:"seq"`
	Type        EventType      `json:"type"`
	StepID      string         `json:"step_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	At          time.Time      `json:"at"`
}
