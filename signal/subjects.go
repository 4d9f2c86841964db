package signal

// Typed NATS subject definitions for signal-domain events. Publishers
// wrap these payloads in a BaseMessage envelope; consumers unwrap with
// ParseEvent.

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/natsclient"
)

// IngestedEvent is published after a signal is ingested and routed.
type IngestedEvent struct {
	SignalID           string    `json:"signal_id"`
	AgencyID           string    `json:"agency_id"`
	Source             string    `json:"source"`
	Status             Status    `json:"status"`
	IsDuplicate        bool      `json:"is_duplicate"`
	WorkflowsTriggered int       `json:"workflows_triggered"`
	IngestedAt         time.Time `json:"ingested_at"`
}

// IngestedEventType is the message type for ingestion notifications.
var IngestedEventType = message.Type{Domain: "signal", Category: "ingested", Version: "v1"}

// Schema implements message.Payload.
func (e *IngestedEvent) Schema() message.Type { return IngestedEventType }

// Validate implements message.Payload.
func (e *IngestedEvent) Validate() error {
	if e.SignalID == "" {
		return fmt.Errorf("signal_id is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e *IngestedEvent) MarshalJSON() ([]byte, error) {
	type Alias IngestedEvent
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *IngestedEvent) UnmarshalJSON(data []byte) error {
	type Alias IngestedEvent
	return json.Unmarshal(data, (*Alias)(e))
}

// ExecutionRequestedEvent is the work-queue payload consumed by the
// workflow runner; one per matched route.
type ExecutionRequestedEvent struct {
	AgencyID   string `json:"agency_id"`
	WorkflowID string `json:"workflow_id"`
	RouteID    string `json:"route_id"`
	SignalID   string `json:"signal_id"`
	Source     string `json:"source"`

	// TriggerType distinguishes routed signals from manual runs.
	// Empty means signal.
	TriggerType string `json:"trigger_type,omitempty"`

	Payload map[string]any `json:"payload"`
}

// ExecutionRequestedEventType is the message type for execution requests.
var ExecutionRequestedEventType = message.Type{Domain: "signal", Category: "execution-request", Version: "v1"}

// Schema implements message.Payload.
func (e *ExecutionRequestedEvent) Schema() message.Type { return ExecutionRequestedEventType }

// Validate implements message.Payload.
func (e *ExecutionRequestedEvent) Validate() error {
	if e.AgencyID == "" {
		return fmt.Errorf("agency_id is required")
	}
	if e.WorkflowID == "" {
		return fmt.Errorf("workflow_id is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e *ExecutionRequestedEvent) MarshalJSON() ([]byte, error) {
	type Alias ExecutionRequestedEvent
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *ExecutionRequestedEvent) UnmarshalJSON(data []byte) error {
	type Alias ExecutionRequestedEvent
	return json.Unmarshal(data, (*Alias)(e))
}

// Typed subject definitions for signal-domain events.
var (
	SignalIngested = natsclient.NewSubject[IngestedEvent](
		"signalflow.signal.ingested.*")
	ExecutionRequested = natsclient.NewSubject[ExecutionRequestedEvent](
		"signalflow.execution.request.*")
)

// IngestedSubject returns the concrete publish subject for an agency.
func IngestedSubject(agencyID string) string {
	return "signalflow.signal.ingested." + agencyID
}

// ExecutionRequestSubject returns the concrete publish subject for a
// workflow's execution requests.
func ExecutionRequestSubject(workflowID string) string {
	return "signalflow.execution.request." + workflowID
}

// ParseEvent unwraps a BaseMessage-wrapped event payload from the wire.
func ParseEvent[T any](data []byte) (*T, error) {
	var envelope struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if len(envelope.Payload) == 0 {
		return nil, fmt.Errorf("empty payload in envelope")
	}

	var event T
	if err := json.Unmarshal(envelope.Payload, &event); err != nil {
		return nil, fmt.Errorf("unmarshal payload into %T: %w", event, err)
	}
	return &event, nil
}
