package slamonitor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/signalflow/sla"
)

// BreachEscalatedEventType is the message type for escalation effect
// announcements.
var BreachEscalatedEventType = message.Type{Domain: "sla", Category: "breach-escalated", Version: "v1"}

// BreachSubject returns the publish subject for breach escalations in
// an agency.
func BreachSubject(agencyID string) string {
	return "signalflow.sla.breach." + agencyID
}

// Escalation effect actions carried in BreachEscalatedEvent.
const (
	EscalationActionNotify   = "notify"
	EscalationActionReassign = "reassign"
)

// BreachEscalatedEvent announces one escalation effect firing. The
// surrounding platform subscribes to these to deliver in-app alerts
// and perform reassignments. Reassignment events identify the breach
// by resource only.
type BreachEscalatedEvent struct {
	AgencyID string `json:"agency_id"`
	BreachID string `json:"breach_id,omitempty"`
	SlaID    string `json:"sla_id,omitempty"`

	ResourceType sla.ResourceType `json:"resource_type"`
	ResourceID   string           `json:"resource_id"`
	BreachType   sla.BreachType   `json:"breach_type"`

	// Action is notify or reassign.
	Action    string    `json:"action"`
	ProfileID string    `json:"profile_id"`
	FiredAt   time.Time `json:"fired_at"`
}

// Schema implements message.Payload.
func (e *BreachEscalatedEvent) Schema() message.Type { return BreachEscalatedEventType }

// Validate implements message.Payload.
func (e *BreachEscalatedEvent) Validate() error {
	if e.AgencyID == "" {
		return fmt.Errorf("agency_id is required")
	}
	if e.BreachID == "" && e.ResourceID == "" {
		return fmt.Errorf("breach_id or resource_id is required")
	}
	if e.Action != EscalationActionNotify && e.Action != EscalationActionReassign {
		return fmt.Errorf("unknown escalation action %q", e.Action)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e *BreachEscalatedEvent) MarshalJSON() ([]byte, error) {
	type Alias BreachEscalatedEvent
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *BreachEscalatedEvent) UnmarshalJSON(data []byte) error {
	type Alias BreachEscalatedEvent
	return json.Unmarshal(data, (*Alias)(e))
}
