package rule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
)

// fakeRuleStore keeps aggregates in memory with real revision
// semantics: Get returns a deep copy plus the revision, and Update
// rejects stale revisions.
type fakeRuleStore struct {
	mu    sync.Mutex
	rules map[string][]byte
	revs  map[string]uint64
}

func newFakeRuleStore() *fakeRuleStore {
	return &fakeRuleStore{
		rules: make(map[string][]byte),
		revs:  make(map[string]uint64),
	}
}

func ruleKey(agencyID, id string) string { return agencyID + "." + id }

func (s *fakeRuleStore) Create(_ context.Context, r *WorkflowRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ruleKey(r.AgencyID, r.ID)
	if _, ok := s.rules[key]; ok {
		return fmt.Errorf("rule %s already exists", r.ID)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	s.rules[key] = data
	s.revs[key] = 1
	return nil
}

func (s *fakeRuleStore) Get(_ context.Context, agencyID, id string) (*WorkflowRule, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ruleKey(agencyID, id)
	data, ok := s.rules[key]
	if !ok {
		return nil, 0, fmt.Errorf("rule %s not found", id)
	}
	var r WorkflowRule
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, 0, err
	}
	return &r, s.revs[key], nil
}

func (s *fakeRuleStore) Update(_ context.Context, r *WorkflowRule, revision uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ruleKey(r.AgencyID, r.ID)
	if s.revs[key] != revision {
		return ErrRevisionConflict
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	s.rules[key] = data
	s.revs[key] = revision + 1
	return nil
}

func (s *fakeRuleStore) Delete(_ context.Context, agencyID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ruleKey(agencyID, id)
	delete(s.rules, key)
	delete(s.revs, key)
	return nil
}

func (s *fakeRuleStore) List(_ context.Context, agencyID string) ([]*WorkflowRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*WorkflowRule
	for _, data := range s.rules {
		var r WorkflowRule
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, err
		}
		if r.AgencyID == agencyID {
			out = append(out, &r)
		}
	}
	return out, nil
}

// conflictingStore injects revision conflicts into the first N
// updates to exercise the compare-and-set retry loop.
type conflictingStore struct {
	*fakeRuleStore
	conflicts int
}

func (s *conflictingStore) Update(ctx context.Context, r *WorkflowRule, revision uint64) error {
	if s.conflicts > 0 {
		s.conflicts--
		return ErrRevisionConflict
	}
	return s.fakeRuleStore.Update(ctx, r, revision)
}

type fakeEvalStore struct {
	mu    sync.Mutex
	evals []*Evaluation
}

func (s *fakeEvalStore) Append(_ context.Context, e *Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evals = append(s.evals, e)
	return nil
}

func (s *fakeEvalStore) ListByRule(_ context.Context, agencyID, ruleID string, limit int) ([]*Evaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Evaluation
	for _, e := range s.evals {
		if e.AgencyID == agencyID && e.RuleID == ruleID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeAuditStore struct {
	mu      sync.Mutex
	entries []*AuditEntry
}

func (s *fakeAuditStore) Append(_ context.Context, a *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, a)
	return nil
}

func (s *fakeAuditStore) ListByRule(_ context.Context, agencyID, ruleID string, limit int) ([]*AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*AuditEntry
	for _, a := range s.entries {
		if a.AgencyID == agencyID && a.RuleID == ruleID {
			out = append(out, a)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func testEngine(store Store) (*Engine, *fakeEvalStore, *fakeAuditStore) {
	evals := &fakeEvalStore{}
	audits := &fakeAuditStore{}
	return NewEngine(store, evals, audits, slog.New(slog.DiscardHandler)), evals, audits
}

func ageCountryVersion() *Version {
	return &Version{
		ConditionLogic: LogicAll,
		Conditions: []Condition{
			{Order: 1, FieldPath: "age", Operator: OpGreaterThan, ComparisonValue: 18, Scope: ScopeSignal},
			{Order: 2, FieldPath: "country", Operator: OpEquals, ComparisonValue: "US", Scope: ScopeSignal},
		},
		Actions: []Action{
			{Order: 2, ActionType: "notify", ActionConfig: map[string]any{"channel": "ops"}},
			{Order: 1, ActionType: "create_task"},
		},
	}
}

func TestEvaluateAllLogic(t *testing.T) {
	ctx := context.Background()
	engine, evals, _ := testEngine(newFakeRuleStore())

	r, err := engine.CreateRule(ctx, "agency-1", "eligibility", "", "user-1")
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}
	v, err := engine.AddVersion(ctx, "agency-1", r.ID, ageCountryVersion(), "user-1")
	if err != nil {
		t.Fatalf("AddVersion: %v", err)
	}

	result, err := engine.Evaluate(ctx, v, &Context{Signal: map[string]any{"age": float64(20), "country": "US"}})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !result.Matched {
		t.Error("expected match for age=20 country=US")
	}
	if len(result.FiredActions) != 2 {
		t.Fatalf("fired %d actions, want 2", len(result.FiredActions))
	}
	if result.FiredActions[0].ActionType != "create_task" || result.FiredActions[1].ActionType != "notify" {
		t.Errorf("actions out of order: %s, %s", result.FiredActions[0].ActionType, result.FiredActions[1].ActionType)
	}

	result, err = engine.Evaluate(ctx, v, &Context{Signal: map[string]any{"age": float64(20), "country": "CA"}})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Matched {
		t.Error("expected no match for country=CA under all logic")
	}
	if len(result.FiredActions) != 0 {
		t.Errorf("no-match evaluation fired %d actions", len(result.FiredActions))
	}

	// Short circuit: the first false condition stops evaluation.
	result, err = engine.Evaluate(ctx, v, &Context{Signal: map[string]any{"age": float64(10), "country": "US"}})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(result.ConditionResults) != 1 {
		t.Errorf("evaluated %d conditions, want 1 after short circuit", len(result.ConditionResults))
	}

	// Every call appends an evaluation record, match or not.
	records, _ := evals.ListByRule(ctx, "agency-1", r.ID, 0)
	if len(records) != 3 {
		t.Errorf("appended %d evaluation records, want 3", len(records))
	}
}

func TestEvaluateAnyLogic(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := testEngine(newFakeRuleStore())

	r, err := engine.CreateRule(ctx, "agency-1", "any-rule", "", "user-1")
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}
	spec := ageCountryVersion()
	spec.ConditionLogic = LogicAny
	v, err := engine.AddVersion(ctx, "agency-1", r.ID, spec, "user-1")
	if err != nil {
		t.Fatalf("AddVersion: %v", err)
	}

	result, err := engine.Evaluate(ctx, v, &Context{Signal: map[string]any{"age": float64(20), "country": "CA"}})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !result.Matched {
		t.Error("any logic should match when one condition holds")
	}
	if len(result.ConditionResults) != 1 {
		t.Errorf("evaluated %d conditions, want 1 after short circuit", len(result.ConditionResults))
	}

	result, err = engine.Evaluate(ctx, v, &Context{Signal: map[string]any{"age": float64(10), "country": "CA"}})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Matched {
		t.Error("any logic should not match when no condition holds")
	}
}

func TestEvaluateZeroConditionsNeverMatches(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := testEngine(newFakeRuleStore())

	r, _ := engine.CreateRule(ctx, "agency-1", "empty", "", "user-1")
	v, err := engine.AddVersion(ctx, "agency-1", r.ID, &Version{
		ConditionLogic: LogicAll,
		Actions:        []Action{{Order: 1, ActionType: "notify"}},
	}, "user-1")
	if err != nil {
		t.Fatalf("AddVersion: %v", err)
	}

	result, err := engine.Evaluate(ctx, v, &Context{Signal: map[string]any{"anything": true}})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Matched {
		t.Error("zero-condition version must never match")
	}
}

func TestPublishFlipsDefault(t *testing.T) {
	ctx := context.Background()
	store := newFakeRuleStore()
	engine, _, audits := testEngine(store)

	r, _ := engine.CreateRule(ctx, "agency-1", "versioned", "", "user-1")
	v1, err := engine.AddVersion(ctx, "agency-1", r.ID, ageCountryVersion(), "user-1")
	if err != nil {
		t.Fatalf("AddVersion v1: %v", err)
	}
	v2, err := engine.AddVersion(ctx, "agency-1", r.ID, ageCountryVersion(), "user-1")
	if err != nil {
		t.Fatalf("AddVersion v2: %v", err)
	}
	if v1.Version != 1 || v2.Version != 2 {
		t.Fatalf("version numbers = %d, %d, want 1, 2", v1.Version, v2.Version)
	}

	if _, err := engine.Publish(ctx, "agency-1", r.ID, v1.ID, "user-1"); err != nil {
		t.Fatalf("Publish v1: %v", err)
	}
	updated, err := engine.Publish(ctx, "agency-1", r.ID, v2.ID, "user-1")
	if err != nil {
		t.Fatalf("Publish v2: %v", err)
	}

	if updated.DefaultVersionID != v2.ID {
		t.Errorf("default = %s, want %s", updated.DefaultVersionID, v2.ID)
	}
	published := 0
	for _, v := range updated.Versions {
		if v.Status == VersionPublished {
			published++
		}
		if v.ID == v1.ID && v.Status != VersionRetired {
			t.Errorf("prior version status = %s, want retired", v.Status)
		}
	}
	if published != 1 {
		t.Errorf("%d published versions, want exactly 1", published)
	}
	if updated.DefaultVersion() == nil {
		t.Error("DefaultVersion returned nil after publish")
	}

	entries, _ := audits.ListByRule(ctx, "agency-1", r.ID, 0)
	publishes := 0
	for _, a := range entries {
		if a.Action == AuditPublished {
			publishes++
		}
	}
	if publishes != 2 {
		t.Errorf("%d publish audit entries, want 2", publishes)
	}
}

func TestPublishRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	store := &conflictingStore{fakeRuleStore: newFakeRuleStore(), conflicts: 2}
	engine, _, _ := testEngine(store)

	r, _ := engine.CreateRule(ctx, "agency-1", "contended", "", "user-1")
	v1, err := engine.AddVersion(ctx, "agency-1", r.ID, ageCountryVersion(), "user-1")
	if err != nil {
		t.Fatalf("AddVersion: %v", err)
	}

	store.conflicts = 2
	updated, err := engine.Publish(ctx, "agency-1", r.ID, v1.ID, "user-1")
	if err != nil {
		t.Fatalf("Publish after conflicts: %v", err)
	}
	if updated.DefaultVersionID != v1.ID {
		t.Errorf("default = %s, want %s", updated.DefaultVersionID, v1.ID)
	}
}

func TestPublishAlreadyPublishedIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := newFakeRuleStore()
	engine, _, audits := testEngine(store)

	r, _ := engine.CreateRule(ctx, "agency-1", "idem", "", "user-1")
	v1, _ := engine.AddVersion(ctx, "agency-1", r.ID, ageCountryVersion(), "user-1")

	if _, err := engine.Publish(ctx, "agency-1", r.ID, v1.ID, "user-1"); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if _, err := engine.Publish(ctx, "agency-1", r.ID, v1.ID, "user-1"); err != nil {
		t.Fatalf("second publish: %v", err)
	}

	entries, _ := audits.ListByRule(ctx, "agency-1", r.ID, 0)
	publishes := 0
	for _, a := range entries {
		if a.Action == AuditPublished {
			publishes++
		}
	}
	if publishes != 1 {
		t.Errorf("%d publish audit entries, want 1 for idempotent republish", publishes)
	}
}

func TestUpdateVersionImmutableOncePublished(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := testEngine(newFakeRuleStore())

	r, _ := engine.CreateRule(ctx, "agency-1", "frozen", "", "user-1")
	v1, _ := engine.AddVersion(ctx, "agency-1", r.ID, ageCountryVersion(), "user-1")
	if _, err := engine.Publish(ctx, "agency-1", r.ID, v1.ID, "user-1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	v1.Conditions = nil
	if _, err := engine.UpdateVersion(ctx, "agency-1", r.ID, v1, "user-1"); !errors.Is(err, ErrVersionImmutable) {
		t.Errorf("UpdateVersion error = %v, want ErrVersionImmutable", err)
	}
}

func TestEvaluateDefaultRequiresPublishedVersion(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := testEngine(newFakeRuleStore())

	r, _ := engine.CreateRule(ctx, "agency-1", "unpublished", "", "user-1")
	if _, err := engine.AddVersion(ctx, "agency-1", r.ID, ageCountryVersion(), "user-1"); err != nil {
		t.Fatalf("AddVersion: %v", err)
	}

	loaded, _ := engine.GetRule(ctx, "agency-1", r.ID)
	if _, err := engine.EvaluateDefault(ctx, loaded, &Context{}); !errors.Is(err, ErrNoDefaultVersion) {
		t.Errorf("EvaluateDefault error = %v, want ErrNoDefaultVersion", err)
	}
}

func TestTestEvaluateRunsDrafts(t *testing.T) {
	ctx := context.Background()
	engine, evals, _ := testEngine(newFakeRuleStore())

	r, _ := engine.CreateRule(ctx, "agency-1", "draft-run", "", "user-1")
	v1, _ := engine.AddVersion(ctx, "agency-1", r.ID, ageCountryVersion(), "user-1")

	loaded, _ := engine.GetRule(ctx, "agency-1", r.ID)
	result, err := engine.TestEvaluate(ctx, loaded, v1.ID, &Context{Signal: map[string]any{"age": float64(30), "country": "US"}})
	if err != nil {
		t.Fatalf("TestEvaluate: %v", err)
	}
	if !result.Matched {
		t.Error("draft evaluation should match")
	}

	records, _ := evals.ListByRule(ctx, "agency-1", r.ID, 0)
	if len(records) != 1 || !records[0].Test {
		t.Errorf("expected one test-flagged evaluation record, got %+v", records)
	}
}
