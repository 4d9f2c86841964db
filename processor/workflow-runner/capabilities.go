package workflowrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/signalflow/rule"
	"github.com/c360studio/signalflow/storage"
	"github.com/c360studio/signalflow/workflow"
)

// publisher is the slice of the NATS client the capabilities need.
type publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// entityCreator is the slice of the entity store the executor needs.
type entityCreator interface {
	Create(ctx context.Context, e *storage.EntityRecord) error
}

// ruleEvaluator resolves rule versions for workflow rule steps. A
// pinned version must be published; drafts only run through the rule
// engine's test path.
type ruleEvaluator struct {
	engine *rule.Engine
}

func (r *ruleEvaluator) EvaluateRule(ctx context.Context, agencyID, ruleID, versionID string, evalCtx *rule.Context) (*rule.Result, error) {
	wr, err := r.engine.GetRule(ctx, agencyID, ruleID)
	if err != nil {
		return nil, err
	}
	if versionID == "" {
		return r.engine.EvaluateDefault(ctx, wr, evalCtx)
	}

	v := wr.FindVersion(versionID)
	if v == nil {
		return nil, fmt.Errorf("%w: %s", rule.ErrVersionNotFound, versionID)
	}
	if v.Status != rule.VersionPublished {
		return nil, fmt.Errorf("version %s of rule %s is %s, only published versions run in workflows", versionID, ruleID, v.Status)
	}
	return r.engine.Evaluate(ctx, v, evalCtx)
}

// entityActionExecutor materializes action steps as entity records and
// announces them on the action task subject. Store failures are
// transient: the KV write may succeed on retry.
type entityActionExecutor struct {
	entities entityCreator
	pub      publisher
	source   string
	logger   *slog.Logger
}

func (a *entityActionExecutor) ExecuteAction(ctx context.Context, agencyID, actionType string, params, vars map[string]any) (map[string]any, error) {
	rec := &storage.EntityRecord{
		ID:          storage.NewEntityRecordID(),
		AgencyID:    agencyID,
		Type:        actionType,
		Name:        stringValue(params, "name"),
		ExecutionID: executionVar(vars, "id"),
		Data:        params,
		CreatedAt:   time.Now().UTC(),
	}
	if err := a.entities.Create(ctx, rec); err != nil {
		return nil, workflow.NewTransientStepError("", fmt.Errorf("create %s entity: %w", actionType, err))
	}

	a.publishTask(ctx, rec)
	return map[string]any{
		"entity_id": rec.ID,
		"type":      rec.Type,
	}, nil
}

// publishTask is fire-and-forget: the entity record is the source of
// truth, the event is advisory.
func (a *entityActionExecutor) publishTask(ctx context.Context, rec *storage.EntityRecord) {
	if a.pub == nil {
		return
	}
	event := &ActionTaskEvent{
		EntityID:    rec.ID,
		AgencyID:    rec.AgencyID,
		ExecutionID: rec.ExecutionID,
		ActionType:  rec.Type,
		Name:        rec.Name,
		Params:      rec.Data,
		CreatedAt:   rec.CreatedAt,
	}
	msg := message.NewBaseMessage(event.Schema(), event, a.source)
	data, err := json.Marshal(msg)
	if err != nil {
		a.logger.Warn("Failed to marshal action task event", "entity_id", rec.ID, "error", err)
		return
	}
	if err := a.pub.Publish(ctx, ActionTaskSubject(rec.AgencyID), data); err != nil {
		a.logger.Warn("Failed to publish action task event",
			"entity_id", rec.ID,
			"agency_id", rec.AgencyID,
			"error", err)
	}
}

// natsNotifier delivers notification steps onto the notify subject.
type natsNotifier struct {
	pub    publisher
	source string
	logger *slog.Logger
}

func (n *natsNotifier) Notify(ctx context.Context, agencyID string, note workflow.Notification) error {
	event := &NotificationEvent{
		AgencyID:   agencyID,
		Channel:    note.Channel,
		Recipients: note.Recipients,
		Subject:    note.Subject,
		Body:       note.Body,
		SentAt:     time.Now().UTC(),
	}
	msg := message.NewBaseMessage(event.Schema(), event, n.source)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := n.pub.Publish(ctx, NotifySubject(agencyID), data); err != nil {
		return workflow.NewTransientStepError("", fmt.Errorf("publish notification: %w", err))
	}
	return nil
}

// stringValue reads a string field from a params map.
func stringValue(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// executionVar reads a field from the execution metadata the engine
// seeds under Vars["execution"].
func executionVar(vars map[string]any, key string) string {
	meta, ok := vars["execution"].(map[string]any)
	if !ok {
		return ""
	}
	s, _ := meta[key].(string)
	return s
}
