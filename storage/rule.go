package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/c360studio/signalflow/rule"
	"github.com/nats-io/nats.go/jetstream"
)

// RuleStore persists rule aggregates. The whole aggregate (rule plus
// every version) lives under one key, so the publish protocol is a
// single-key compare-and-set. Implements rule.Store.
type RuleStore struct {
	rules jetstream.KeyValue
}

// NewRuleStore creates the rules bucket.
func NewRuleStore(ctx context.Context, js jetstream.JetStream) (*RuleStore, error) {
	rules, err := getOrCreateBucket(ctx, js, BucketRules)
	if err != nil {
		return nil, fmt.Errorf("create rules bucket: %w", err)
	}
	return &RuleStore{rules: rules}, nil
}

// Create persists a new rule aggregate.
func (s *RuleStore) Create(ctx context.Context, r *rule.WorkflowRule) error {
	return createJSON(ctx, s.rules, scopedKey(r.AgencyID, r.ID), r)
}

// Get loads a rule aggregate along with the revision Update requires.
func (s *RuleStore) Get(ctx context.Context, agencyID, id string) (*rule.WorkflowRule, uint64, error) {
	return getJSON[rule.WorkflowRule](ctx, s.rules, scopedKey(agencyID, id))
}

// Update replaces the aggregate only if revision still matches,
// returning rule.ErrRevisionConflict when a concurrent writer won.
func (s *RuleStore) Update(ctx context.Context, r *rule.WorkflowRule, revision uint64) error {
	err := updateJSON(ctx, s.rules, scopedKey(r.AgencyID, r.ID), r, revision)
	if errors.Is(err, ErrRevisionConflict) {
		return fmt.Errorf("rule %s: %w", r.ID, rule.ErrRevisionConflict)
	}
	return err
}

// Delete removes a rule aggregate.
func (s *RuleStore) Delete(ctx context.Context, agencyID, id string) error {
	if err := s.rules.Delete(ctx, scopedKey(agencyID, id)); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete rule %s: %w", id, err)
	}
	return nil
}

// List returns every rule for an agency.
func (s *RuleStore) List(ctx context.Context, agencyID string) ([]*rule.WorkflowRule, error) {
	return scanPrefix[rule.WorkflowRule](ctx, s.rules, agencyID+".")
}

// RuleEvaluationStore appends the append-only evaluation trail.
// Implements rule.EvaluationStore.
type RuleEvaluationStore struct {
	evals jetstream.KeyValue
}

// NewRuleEvaluationStore creates the rule evaluations bucket.
func NewRuleEvaluationStore(ctx context.Context, js jetstream.JetStream) (*RuleEvaluationStore, error) {
	evals, err := getOrCreateBucket(ctx, js, BucketRuleEvaluations)
	if err != nil {
		return nil, fmt.Errorf("create rule evaluations bucket: %w", err)
	}
	return &RuleEvaluationStore{evals: evals}, nil
}

// Append records one evaluation attempt. Records are never updated or
// deleted.
func (s *RuleEvaluationStore) Append(ctx context.Context, e *rule.Evaluation) error {
	return createJSON(ctx, s.evals, scopedKey(e.AgencyID, e.RuleID, e.ID), e)
}

// ListByRule returns a rule's evaluation records, newest first.
func (s *RuleEvaluationStore) ListByRule(ctx context.Context, agencyID, ruleID string, limit int) ([]*rule.Evaluation, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	all, err := scanPrefix[rule.Evaluation](ctx, s.evals, scopedKey(agencyID, ruleID)+".")
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].EvaluatedAt.After(all[j].EvaluatedAt) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// RuleAuditStore appends the append-only audit trail. Implements
// rule.AuditStore.
type RuleAuditStore struct {
	audits jetstream.KeyValue
}

// NewRuleAuditStore creates the rule audits bucket.
func NewRuleAuditStore(ctx context.Context, js jetstream.JetStream) (*RuleAuditStore, error) {
	audits, err := getOrCreateBucket(ctx, js, BucketRuleAudits)
	if err != nil {
		return nil, fmt.Errorf("create rule audits bucket: %w", err)
	}
	return &RuleAuditStore{audits: audits}, nil
}

// Append records one audit entry. Entries are never updated or
// deleted.
func (s *RuleAuditStore) Append(ctx context.Context, a *rule.AuditEntry) error {
	return createJSON(ctx, s.audits, scopedKey(a.AgencyID, a.RuleID, a.ID), a)
}

// ListByRule returns a rule's audit trail, newest first.
func (s *RuleAuditStore) ListByRule(ctx context.Context, agencyID, ruleID string, limit int) ([]*rule.AuditEntry, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	all, err := scanPrefix[rule.AuditEntry](ctx, s.audits, scopedKey(agencyID, ruleID)+".")
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].At.After(all[j].At) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
