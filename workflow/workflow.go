// Package workflow models executable automation workflows as a graph
// of typed steps and runs them with an append-only event log. A
// workflow executes when a signal (or a manual or scheduled trigger)
// reaches one of its entry steps; branch steps fan execution out to
// labeled paths without any join semantics.
package workflow

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the workflow lifecycle state. Only active workflows
// execute.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// StepType discriminates the step union.
type StepType string

const (
	StepSignal       StepType = "signal"
	StepRule         StepType = "rule"
	StepAI           StepType = "ai"
	StepAction       StepType = "action"
	StepTransform    StepType = "transform"
	StepNotification StepType = "notification"
	StepBranch       StepType = "branch"
)

// Connection labels used by rule and branch steps. An empty When
// follows unconditionally.
const (
	WhenMatched   = "matched"
	WhenUnmatched = "unmatched"
	WhenTrue      = "true"
	WhenFalse     = "false"
)

// Workflow is a tenant-scoped automation graph.
type Workflow struct {
	ID          string `json:"id"`
	AgencyID    string `json:"agency_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      Status `json:"status"`

	Steps       []*Step      `json:"steps"`
	Connections []Connection `json:"connections,omitempty"`

	// TimeoutSeconds bounds one execution's wall-clock time. Zero
	// uses the engine default.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Step is one node in the workflow graph. Exactly one config field —
// the one matching Type — is set.
type Step struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Type StepType `json:"type"`

	Signal       *SignalStepConfig       `json:"signal,omitempty"`
	Rule         *RuleStepConfig         `json:"rule,omitempty"`
	AI           *AIStepConfig           `json:"ai,omitempty"`
	Action       *ActionStepConfig       `json:"action,omitempty"`
	Transform    *TransformStepConfig    `json:"transform,omitempty"`
	Notification *NotificationStepConfig `json:"notification,omitempty"`
	Branch       *BranchStepConfig       `json:"branch,omitempty"`

	// Retry applies to transient step failures only. Nil uses the
	// engine default policy.
	Retry *RetryPolicy `json:"retry,omitempty"`
}

// Connection is a directed edge between two steps. When restricts the
// edge to a step outcome label (matched/unmatched for rule steps,
// true/false for branch steps); empty means always.
type Connection struct {
	From string `json:"from"`
	To   string `json:"to"`
	When string `json:"when,omitempty"`
}

// SignalStepConfig marks an entry point. Execution begins at every
// signal step whose filter accepts the trigger.
type SignalStepConfig struct {
	// Source restricts the entry to one signal source; empty accepts
	// any source.
	Source string `json:"source,omitempty"`
	// EventTypes restricts the entry to specific normalized event
	// types; empty accepts all.
	EventTypes []string `json:"event_types,omitempty"`
}

// RuleStepConfig evaluates a rule and labels the outgoing edges
// matched or unmatched.
type RuleStepConfig struct {
	RuleID string `json:"rule_id"`
	// VersionID pins a specific version; empty evaluates the
	// published default.
	VersionID string `json:"version_id,omitempty"`
}

// AIStepConfig renders Prompt as a template over the execution
// context and stores the completion under OutputVar.
type AIStepConfig struct {
	Prompt    string `json:"prompt"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
	OutputVar string `json:"output_var,omitempty"`
}

// ActionStepConfig invokes a named side effect through the action
// executor.
type ActionStepConfig struct {
	ActionType string         `json:"action_type"`
	Params     map[string]any `json:"params,omitempty"`
}

// TransformStepConfig rewrites the execution context.
type TransformStepConfig struct {
	Assignments []Assignment `json:"assignments"`
}

// Assignment sets Target from a context path or a literal value.
// FromPath wins when both are present.
type Assignment struct {
	Target   string `json:"target"`
	FromPath string `json:"from_path,omitempty"`
	Value    any    `json:"value,omitempty"`
}

// NotificationStepConfig sends a message through the notifier.
// Subject and Body are templates over the execution context.
type NotificationStepConfig struct {
	Channel    string   `json:"channel"`
	Recipients []string `json:"recipients,omitempty"`
	Subject    string   `json:"subject,omitempty"`
	Body       string   `json:"body,omitempty"`
}

// BranchStepConfig evaluates one predicate over the execution context
// and labels the outgoing edges true or false.
type BranchStepConfig struct {
	FieldPath string `json:"field_path"`
	// Operator is one of equals, not_equals, greater_than, less_than,
	// exists.
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

// IsActive reports whether the workflow may execute.
func (w *Workflow) IsActive() bool {
	return w.Status == StatusActive
}

// FindStep returns the step with the given id, or nil.
func (w *Workflow) FindStep(stepID string) *Step {
	for _, s := range w.Steps {
		if s.ID == stepID {
			return s
		}
	}
	return nil
}

// EntrySteps returns every signal step, in declaration order.
func (w *Workflow) EntrySteps() []*Step {
	var entries []*Step
	for _, s := range w.Steps {
		if s.Type == StepSignal {
			entries = append(entries, s)
		}
	}
	return entries
}

// Outgoing returns the connections leaving a step, in declaration
// order.
func (w *Workflow) Outgoing(stepID string) []Connection {
	var out []Connection
	for _, c := range w.Connections {
		if c.From == stepID {
			out = append(out, c)
		}
	}
	return out
}

// Duplicate deep-copies the workflow as a new draft. Step ids are
// regenerated and connections remapped so the copy is independent of
// the original.
func (w *Workflow) Duplicate() *Workflow {
	now := time.Now().UTC()
	dup := &Workflow{
		ID:             NewWorkflowID(),
		AgencyID:       w.AgencyID,
		Name:           w.Name + " (copy)",
		Description:    w.Description,
		Status:         StatusDraft,
		TimeoutSeconds: w.TimeoutSeconds,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	idMap := make(map[string]string, len(w.Steps))
	for _, s := range w.Steps {
		copied := cloneStep(s)
		copied.ID = NewStepID()
		idMap[s.ID] = copied.ID
		dup.Steps = append(dup.Steps, copied)
	}
	for _, c := range w.Connections {
		dup.Connections = append(dup.Connections, Connection{
			From: idMap[c.From],
			To:   idMap[c.To],
			When: c.When,
		})
	}
	return dup
}

// cloneStep copies a step including its config so mutating the copy
// never touches the source.
func cloneStep(s *Step) *Step {
	copied := &Step{ID: s.ID, Name: s.Name, Type: s.Type}
	if s.Retry != nil {
		r := *s.Retry
		copied.Retry = &r
	}
	switch {
	case s.Signal != nil:
		c := *s.Signal
		c.EventTypes = append([]string(nil), s.Signal.EventTypes...)
		copied.Signal = &c
	case s.Rule != nil:
		c := *s.Rule
		copied.Rule = &c
	case s.AI != nil:
		c := *s.AI
		copied.AI = &c
	case s.Action != nil:
		c := *s.Action
		c.Params = cloneMap(s.Action.Params)
		copied.Action = &c
	case s.Transform != nil:
		c := *s.Transform
		c.Assignments = append([]Assignment(nil), s.Transform.Assignments...)
		copied.Transform = &c
	case s.Notification != nil:
		c := *s.Notification
		c.Recipients = append([]string(nil), s.Notification.Recipients...)
		copied.Notification = &c
	case s.Branch != nil:
		c := *s.Branch
		copied.Branch = &c
	}
	return copied
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// NewWorkflowID returns a short unique workflow identifier.
func NewWorkflowID() string {
	return fmt.Sprintf("wfl-%s", uuid.New().String()[:8])
}

// NewStepID returns a short unique step identifier.
func NewStepID() string {
	return fmt.Sprintf("stp-%s", uuid.New().String()[:8])
}

// NewExecutionID returns a short unique execution identifier.
func NewExecutionID() string {
	return fmt.Sprintf("exe-%s", uuid.New().String()[:8])
}
