package workflowrunner

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/signalflow/workflow"
)

// Message types for runner-published events.
var (
	ExecutionResultEventType = message.Type{Domain: "workflow", Category: "execution-result", Version: "v1"}
	ActionTaskEventType      = message.Type{Domain: "workflow", Category: "action-task", Version: "v1"}
	NotificationEventType    = message.Type{Domain: "notify", Category: "notification", Version: "v1"}
)

// ExecutionResultSubject returns the publish subject for one
// execution's terminal result.
func ExecutionResultSubject(executionID string) string {
	return "signalflow.execution.result." + executionID
}

// ActionTaskSubject returns the publish subject for action task
// records created by workflow steps.
func ActionTaskSubject(agencyID string) string {
	return "signalflow.action.task." + agencyID
}

// NotifySubject returns the publish subject for notification
// deliveries in an agency.
func NotifySubject(agencyID string) string {
	return "signalflow.notify." + agencyID
}

// ExecutionResultEvent announces a finished execution.
type ExecutionResultEvent struct {
	ExecutionID string                   `json:"execution_id"`
	WorkflowID  string                   `json:"workflow_id"`
	AgencyID    string                   `json:"agency_id"`
	TriggerID   string                   `json:"trigger_id,omitempty"`
	Status      workflow.ExecutionStatus `json:"status"`
	Error       string                   `json:"error,omitempty"`
	CompletedAt *time.Time               `json:"completed_at,omitempty"`
}

// Schema implements message.Payload.
func (e *ExecutionResultEvent) Schema() message.Type { return ExecutionResultEventType }

// Validate implements message.Payload.
func (e *ExecutionResultEvent) Validate() error {
	if e.ExecutionID == "" {
		return fmt.Errorf("execution_id is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e *ExecutionResultEvent) MarshalJSON() ([]byte, error) {
	type Alias ExecutionResultEvent
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *ExecutionResultEvent) UnmarshalJSON(data []byte) error {
	type Alias ExecutionResultEvent
	return json.Unmarshal(data, (*Alias)(e))
}

// ActionTaskEvent announces an entity record created by an action.
type ActionTaskEvent struct {
	EntityID    string         `json:"entity_id"`
	AgencyID    string         `json:"agency_id"`
	ExecutionID string         `json:"execution_id,omitempty"`
	ActionType  string         `json:"action_type"`
	Name        string         `json:"name,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Schema implements message.Payload.
func (e *ActionTaskEvent) Schema() message.Type { return ActionTaskEventType }

// Validate implements message.Payload.
func (e *ActionTaskEvent) Validate() error {
	if e.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e *ActionTaskEvent) MarshalJSON() ([]byte, error) {
	type Alias ActionTaskEvent
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *ActionTaskEvent) UnmarshalJSON(data []byte) error {
	type Alias ActionTaskEvent
	return json.Unmarshal(data, (*Alias)(e))
}

// NotificationEvent carries one rendered notification for delivery.
type NotificationEvent struct {
	AgencyID   string    `json:"agency_id"`
	Channel    string    `json:"channel"`
	Recipients []string  `json:"recipients,omitempty"`
	Subject    string    `json:"subject,omitempty"`
	Body       string    `json:"body,omitempty"`
	SentAt     time.Time `json:"sent_at"`
}

// Schema implements message.Payload.
func (e *NotificationEvent) Schema() message.Type { return NotificationEventType }

// Validate implements message.Payload.
func (e *NotificationEvent) Validate() error {
	if e.AgencyID == "" {
		return fmt.Errorf("agency_id is required")
	}
	if e.Channel == "" {
		return fmt.Errorf("channel is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e *NotificationEvent) MarshalJSON() ([]byte, error) {
	type Alias NotificationEvent
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *NotificationEvent) UnmarshalJSON(data []byte) error {
	type Alias NotificationEvent
	return json.Unmarshal(data, (*Alias)(e))
}
