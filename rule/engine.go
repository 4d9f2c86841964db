package rule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for rule operations.
var (
	// ErrRevisionConflict is returned when a compare-and-set update
	// lost against a concurrent writer.
	ErrRevisionConflict = errors.New("rule revision conflict")

	// ErrVersionImmutable is returned when mutating a version that is
	// no longer a draft.
	ErrVersionImmutable = errors.New("published rule versions are immutable")

	// ErrVersionNotFound is returned when a version id does not exist
	// on the rule.
	ErrVersionNotFound = errors.New("rule version not found")

	// ErrNoDefaultVersion is returned when evaluating a rule that has
	// no published default version.
	ErrNoDefaultVersion = errors.New("rule has no published default version")
)

// publishRetries bounds the compare-and-set retry loop on publish.
const publishRetries = 3

// Store persists rule aggregates. Get returns the revision that Update
// requires for its compare-and-set; Update returns ErrRevisionConflict
// when the aggregate changed since the read.
type Store interface {
	Create(ctx context.Context, r *WorkflowRule) error
	Get(ctx context.Context, agencyID, id string) (*WorkflowRule, uint64, error)
	Update(ctx context.Context, r *WorkflowRule, revision uint64) error
	Delete(ctx context.Context, agencyID, id string) error
	List(ctx context.Context, agencyID string) ([]*WorkflowRule, error)
}

// EvaluationStore appends the append-only evaluation trail.
type EvaluationStore interface {
	Append(ctx context.Context, e *Evaluation) error
	ListByRule(ctx context.Context, agencyID, ruleID string, limit int) ([]*Evaluation, error)
}

// AuditStore appends the append-only audit trail.
type AuditStore interface {
	Append(ctx context.Context, a *AuditEntry) error
	ListByRule(ctx context.Context, agencyID, ruleID string, limit int) ([]*AuditEntry, error)
}

// ConditionResult records the outcome of one evaluated condition.
// Short-circuited conditions are absent.
type ConditionResult struct {
	Order     int      `json:"order"`
	FieldPath string   `json:"field_path"`
	Operator  Operator `json:"operator"`
	Matched   bool     `json:"matched"`
	Error     string   `json:"error,omitempty"`
}

// Result is the outcome of evaluating one version.
type Result struct {
	VersionID        string            `json:"version_id"`
	Matched          bool              `json:"matched"`
	FiredActions     []Action          `json:"fired_actions,omitempty"`
	ConditionResults []ConditionResult `json:"condition_results,omitempty"`
}

// Evaluation is the append-only record of one evaluation attempt.
type Evaluation struct {
	ID        string `json:"id"`
	AgencyID  string `json:"agency_id"`
	RuleID    string `json:"rule_id"`
	VersionID string `json:"version_id"`

	Matched          bool              `json:"matched"`
	FiredActionCount int               `json:"fired_action_count"`
	ConditionResults []ConditionResult `json:"condition_results,omitempty"`

	// Input snapshots the context the conditions read from.
	Input *Context `json:"input,omitempty"`

	// Test marks evaluations explicitly run against a named version
	// (including drafts) rather than the published default.
	Test bool `json:"test,omitempty"`

	EvaluatedAt time.Time `json:"evaluated_at"`
}

// AuditAction enumerates audited rule operations.
type AuditAction string

const (
	AuditCreated   AuditAction = "created"
	AuditUpdated   AuditAction = "updated"
	AuditDeleted   AuditAction = "deleted"
	AuditPublished AuditAction = "published"
)

// AuditEntry is one immutable audit record.
type AuditEntry struct {
	ID        string      `json:"id"`
	AgencyID  string      `json:"agency_id"`
	RuleID    string      `json:"rule_id"`
	VersionID string      `json:"version_id,omitempty"`
	Action    AuditAction `json:"action"`
	ActorID   string      `json:"actor_id,omitempty"`
	Detail    string      `json:"detail,omitempty"`
	At        time.Time   `json:"at"`
}

// Engine evaluates rule versions and manages the versioning protocol.
type Engine struct {
	rules  Store
	evals  EvaluationStore
	audits AuditStore
	logger *slog.Logger
}

// NewEngine creates a rule engine.
func NewEngine(rules Store, evals EvaluationStore, audits AuditStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		rules:  rules,
		evals:  evals,
		audits: audits,
		logger: logger,
	}
}

// CreateRule persists a new rule aggregate with no versions.
func (e *Engine) CreateRule(ctx context.Context, agencyID, name, description, actorID string) (*WorkflowRule, error) {
	if agencyID == "" {
		return nil, fmt.Errorf("agency_id is required")
	}
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}

	now := time.Now().UTC()
	r := &WorkflowRule{
		ID:          NewRuleID(),
		AgencyID:    agencyID,
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.rules.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}
	e.audit(ctx, r, "", AuditCreated, actorID, "rule created")
	return r, nil
}

// GetRule loads one rule aggregate.
func (e *Engine) GetRule(ctx context.Context, agencyID, ruleID string) (*WorkflowRule, error) {
	r, _, err := e.rules.Get(ctx, agencyID, ruleID)
	return r, err
}

// ListRules returns every rule for an agency.
func (e *Engine) ListRules(ctx context.Context, agencyID string) ([]*WorkflowRule, error) {
	return e.rules.List(ctx, agencyID)
}

// ListEvaluations returns the evaluation trail for a rule, newest
// entries per the store's ordering.
func (e *Engine) ListEvaluations(ctx context.Context, agencyID, ruleID string, limit int) ([]*Evaluation, error) {
	return e.evals.ListByRule(ctx, agencyID, ruleID, limit)
}

// ListAudits returns the audit trail for a rule.
func (e *Engine) ListAudits(ctx context.Context, agencyID, ruleID string, limit int) ([]*AuditEntry, error) {
	return e.audits.ListByRule(ctx, agencyID, ruleID, limit)
}

// DeleteRule removes a rule aggregate and audits the deletion.
func (e *Engine) DeleteRule(ctx context.Context, agencyID, ruleID, actorID string) error {
	r, _, err := e.rules.Get(ctx, agencyID, ruleID)
	if err != nil {
		return err
	}
	if err := e.rules.Delete(ctx, agencyID, ruleID); err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	e.audit(ctx, r, "", AuditDeleted, actorID, "rule deleted")
	return nil
}

// AddVersion appends a new draft version to a rule.
func (e *Engine) AddVersion(ctx context.Context, agencyID, ruleID string, v *Version, actorID string) (*Version, error) {
	for attempt := 0; ; attempt++ {
		r, revision, err := e.rules.Get(ctx, agencyID, ruleID)
		if err != nil {
			return nil, err
		}

		v.ID = NewVersionID()
		v.RuleID = r.ID
		v.AgencyID = r.AgencyID
		v.Version = r.NextVersionNumber()
		v.Status = VersionDraft
		v.CreatedAt = time.Now().UTC()
		v.PublishedAt = nil
		if v.ConditionLogic == "" {
			v.ConditionLogic = LogicAll
		}
		if err := v.Validate(); err != nil {
			return nil, err
		}

		r.Versions = append(r.Versions, v)
		r.UpdatedAt = time.Now().UTC()

		err = e.rules.Update(ctx, r, revision)
		if err == nil {
			e.audit(ctx, r, v.ID, AuditUpdated, actorID, fmt.Sprintf("version %d added", v.Version))
			return v, nil
		}
		if !errors.Is(err, ErrRevisionConflict) || attempt >= publishRetries {
			return nil, fmt.Errorf("add version: %w", err)
		}
	}
}

// UpdateVersion replaces a draft version's conditions, actions, and
// configuration. Published and retired versions are immutable.
func (e *Engine) UpdateVersion(ctx context.Context, agencyID, ruleID string, updated *Version, actorID string) (*Version, error) {
	for attempt := 0; ; attempt++ {
		r, revision, err := e.rules.Get(ctx, agencyID, ruleID)
		if err != nil {
			return nil, err
		}

		current := r.FindVersion(updated.ID)
		if current == nil {
			return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, updated.ID)
		}
		if current.Status != VersionDraft {
			return nil, fmt.Errorf("%w: version %s is %s", ErrVersionImmutable, current.ID, current.Status)
		}

		current.ConditionLogic = updated.ConditionLogic
		current.Conditions = updated.Conditions
		current.Actions = updated.Actions
		current.ThresholdConfig = updated.ThresholdConfig
		current.LifecycleConfig = updated.LifecycleConfig
		current.AnomalyConfig = updated.AnomalyConfig
		if err := current.Validate(); err != nil {
			return nil, err
		}
		r.UpdatedAt = time.Now().UTC()

		err = e.rules.Update(ctx, r, revision)
		if err == nil {
			e.audit(ctx, r, current.ID, AuditUpdated, actorID, fmt.Sprintf("version %d updated", current.Version))
			return current, nil
		}
		if !errors.Is(err, ErrRevisionConflict) || attempt >= publishRetries {
			return nil, fmt.Errorf("update version: %w", err)
		}
	}
}

// Publish makes versionID the rule's published default, retiring any
// previously published version in the same compare-and-set write. Two
// concurrent publishes cannot leave two published versions: the loser
// re-reads and re-applies, and the aggregate always holds at most one
// published version.
func (e *Engine) Publish(ctx context.Context, agencyID, ruleID, versionID, actorID string) (*WorkflowRule, error) {
	for attempt := 0; ; attempt++ {
		r, revision, err := e.rules.Get(ctx, agencyID, ruleID)
		if err != nil {
			return nil, err
		}

		target := r.FindVersion(versionID)
		if target == nil {
			return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, versionID)
		}
		if target.Status == VersionPublished && r.DefaultVersionID == versionID {
			return r, nil // already published: idempotent no-op
		}

		now := time.Now().UTC()
		for _, v := range r.Versions {
			if v.Status == VersionPublished {
				v.Status = VersionRetired
			}
		}
		target.Status = VersionPublished
		target.PublishedAt = &now
		r.DefaultVersionID = target.ID
		r.UpdatedAt = now

		err = e.rules.Update(ctx, r, revision)
		if err == nil {
			e.audit(ctx, r, target.ID, AuditPublished, actorID,
				fmt.Sprintf("version %d published", target.Version))
			e.logger.Info("Rule version published",
				"rule_id", r.ID,
				"agency_id", r.AgencyID,
				"version_id", target.ID,
				"version", target.Version)
			return r, nil
		}
		if !errors.Is(err, ErrRevisionConflict) || attempt >= publishRetries {
			return nil, fmt.Errorf("publish version: %w", err)
		}
	}
}

// Evaluate runs one version against a context and appends the
// evaluation record. A version with zero conditions never matches.
func (e *Engine) Evaluate(ctx context.Context, version *Version, evalCtx *Context) (*Result, error) {
	return e.evaluate(ctx, version, evalCtx, false)
}

// EvaluateDefault runs the rule's current published default version.
func (e *Engine) EvaluateDefault(ctx context.Context, r *WorkflowRule, evalCtx *Context) (*Result, error) {
	v := r.DefaultVersion()
	if v == nil {
		return nil, fmt.Errorf("%w: rule %s", ErrNoDefaultVersion, r.ID)
	}
	return e.evaluate(ctx, v, evalCtx, false)
}

// TestEvaluate runs a named version — drafts included — for rule
// authoring. The evaluation record is marked as a test.
func (e *Engine) TestEvaluate(ctx context.Context, r *WorkflowRule, versionID string, evalCtx *Context) (*Result, error) {
	v := r.FindVersion(versionID)
	if v == nil {
		return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, versionID)
	}
	return e.evaluate(ctx, v, evalCtx, true)
}

func (e *Engine) evaluate(ctx context.Context, version *Version, evalCtx *Context, test bool) (*Result, error) {
	if evalCtx == nil {
		evalCtx = &Context{}
	}

	result := &Result{VersionID: version.ID}

	conditions := make([]Condition, len(version.Conditions))
	copy(conditions, version.Conditions)
	sort.SliceStable(conditions, func(i, j int) bool { return conditions[i].Order < conditions[j].Order })

	// Zero conditions never match: fail closed.
	if len(conditions) > 0 {
		result.Matched = version.ConditionLogic == LogicAll
		for i := range conditions {
			matched, condErr := evaluateCondition(&conditions[i], evalCtx)
			cr := ConditionResult{
				Order:     conditions[i].Order,
				FieldPath: conditions[i].FieldPath,
				Operator:  conditions[i].Operator,
				Matched:   matched,
			}
			if condErr != nil {
				cr.Error = condErr.Error()
			}
			result.ConditionResults = append(result.ConditionResults, cr)

			if version.ConditionLogic == LogicAll && !matched {
				result.Matched = false
				break
			}
			if version.ConditionLogic == LogicAny && matched {
				result.Matched = true
				break
			}
		}
	}

	if result.Matched {
		fired := make([]Action, len(version.Actions))
		copy(fired, version.Actions)
		sort.SliceStable(fired, func(i, j int) bool { return fired[i].Order < fired[j].Order })
		result.FiredActions = fired
	}

	eval := &Evaluation{
		ID:               fmt.Sprintf("rev-%s", uuid.New().String()[:8]),
		AgencyID:         version.AgencyID,
		RuleID:           version.RuleID,
		VersionID:        version.ID,
		Matched:          result.Matched,
		FiredActionCount: len(result.FiredActions),
		ConditionResults: result.ConditionResults,
		Input:            evalCtx,
		Test:             test,
		EvaluatedAt:      time.Now().UTC(),
	}
	if err := e.evals.Append(ctx, eval); err != nil {
		return nil, fmt.Errorf("append evaluation record: %w", err)
	}

	e.logger.Debug("Rule version evaluated",
		"rule_id", version.RuleID,
		"version_id", version.ID,
		"matched", result.Matched,
		"actions_fired", len(result.FiredActions))

	return result, nil
}

// audit appends an audit entry; audit failures are logged, not fatal,
// so they never roll back the already-committed operation.
func (e *Engine) audit(ctx context.Context, r *WorkflowRule, versionID string, action AuditAction, actorID, detail string) {
	entry := &AuditEntry{
		ID:        fmt.Sprintf("aud-%s", uuid.New().String()[:8]),
		AgencyID:  r.AgencyID,
		RuleID:    r.ID,
		VersionID: versionID,
		Action:    action,
		ActorID:   actorID,
		Detail:    detail,
		At:        time.Now().UTC(),
	}
	if err := e.audits.Append(ctx, entry); err != nil {
		e.logger.Error("Failed to append rule audit entry",
			"rule_id", r.ID,
			"action", action,
			"error", err)
	}
}
