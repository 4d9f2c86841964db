package slamonitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/semstreams/message"
	workflowrunner "github.com/c360studio/signalflow/processor/workflow-runner"
	"github.com/c360studio/signalflow/sla"
)

// publisher is the slice of the NATS client the effects need.
type publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// natsEffects performs escalation side effects by publishing events.
// In-app notifications ride the same notify subject workflow
// notification steps use; reassignments are announced for the
// surrounding platform to apply. Implements sla.EscalationEffects.
type natsEffects struct {
	pub    publisher
	source string
	logger *slog.Logger
}

// NotifyInApp publishes an in-app notification for the breach and
// announces the escalation on the breach subject.
func (n *natsEffects) NotifyInApp(ctx context.Context, agencyID, profileID string, b *sla.Breach) error {
	notification := &workflowrunner.NotificationEvent{
		AgencyID:   agencyID,
		Channel:    "in_app",
		Recipients: []string{profileID},
		Subject:    fmt.Sprintf("SLA %s breach on %s %s", b.BreachType, b.ResourceType, b.ResourceID),
		Body: fmt.Sprintf("The %s deadline for %s %s was missed at %s.",
			b.BreachType, b.ResourceType, b.ResourceID, b.DetectedAt.Format(time.RFC3339)),
		SentAt: time.Now().UTC(),
	}
	if err := n.publish(ctx, workflowrunner.NotifySubject(agencyID), notification.Schema(), notification); err != nil {
		return fmt.Errorf("publish breach notification: %w", err)
	}

	escalated := &BreachEscalatedEvent{
		AgencyID:     agencyID,
		BreachID:     b.ID,
		SlaID:        b.SlaID,
		ResourceType: b.ResourceType,
		ResourceID:   b.ResourceID,
		BreachType:   b.BreachType,
		Action:       EscalationActionNotify,
		ProfileID:    profileID,
		FiredAt:      time.Now().UTC(),
	}
	if err := n.publish(ctx, BreachSubject(agencyID), escalated.Schema(), escalated); err != nil {
		return fmt.Errorf("publish escalation event: %w", err)
	}
	return nil
}

// ReassignResource announces that the resource should move to the
// escalation recipient. The platform owning the resource applies it.
func (n *natsEffects) ReassignResource(ctx context.Context, agencyID, resourceID, profileID string) error {
	escalated := &BreachEscalatedEvent{
		AgencyID:   agencyID,
		ResourceID: resourceID,
		Action:     EscalationActionReassign,
		ProfileID:  profileID,
		FiredAt:    time.Now().UTC(),
	}
	if err := n.publish(ctx, BreachSubject(agencyID), escalated.Schema(), escalated); err != nil {
		return fmt.Errorf("publish reassignment event: %w", err)
	}
	return nil
}

func (n *natsEffects) publish(ctx context.Context, subject string, schema message.Type, payload message.Payload) error {
	msg := message.NewBaseMessage(schema, payload, n.source)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", schema.Category, err)
	}
	return n.pub.Publish(ctx, subject, data)
}
