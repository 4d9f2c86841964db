package sla

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type fakeDefinitionStore struct {
	defs map[string]*Definition
}

func (f *fakeDefinitionStore) Create(_ context.Context, d *Definition) error {
	if _, ok := f.defs[d.ID]; ok {
		return errors.New("definition already exists")
	}
	f.defs[d.ID] = d
	return nil
}

func (f *fakeDefinitionStore) Get(_ context.Context, agencyID, id string) (*Definition, error) {
	d, ok := f.defs[id]
	if !ok || d.AgencyID != agencyID {
		return nil, errors.New("definition not found")
	}
	return d, nil
}

func (f *fakeDefinitionStore) Update(_ context.Context, d *Definition) error {
	f.defs[d.ID] = d
	return nil
}

func (f *fakeDefinitionStore) Delete(_ context.Context, _, id string) error {
	delete(f.defs, id)
	return nil
}

func (f *fakeDefinitionStore) List(_ context.Context, agencyID string) ([]*Definition, error) {
	var out []*Definition
	for _, d := range f.defs {
		if d.AgencyID == agencyID {
			out = append(out, d)
		}
	}
	return out, nil
}

// fakeBreachStore mirrors the slot and escalation-claim semantics of
// the KV store.
type fakeBreachStore struct {
	breaches map[string]*Breach
	slots    map[string]string
	claims   map[string]bool

	// failFor makes CreateOpen fail for a resource id.
	failFor map[string]error
}

func newFakeBreachStore() *fakeBreachStore {
	return &fakeBreachStore{
		breaches: map[string]*Breach{},
		slots:    map[string]string{},
		claims:   map[string]bool{},
		failFor:  map[string]error{},
	}
}

func (f *fakeBreachStore) slotKey(b *Breach) string {
	return fmt.Sprintf("%s.%s.%s.%s", b.AgencyID, b.SlaID, b.ResourceID, b.BreachType)
}

func (f *fakeBreachStore) CreateOpen(_ context.Context, b *Breach) (bool, *Breach, error) {
	if err := f.failFor[b.ResourceID]; err != nil {
		return false, nil, err
	}
	key := f.slotKey(b)
	if id, ok := f.slots[key]; ok {
		existing := f.breaches[id]
		if existing != nil && existing.Status != BreachResolved {
			return false, existing, nil
		}
	}
	f.slots[key] = b.ID
	f.breaches[b.ID] = b
	return true, nil, nil
}

func (f *fakeBreachStore) Get(_ context.Context, agencyID, id string) (*Breach, error) {
	b, ok := f.breaches[id]
	if !ok || b.AgencyID != agencyID {
		return nil, errors.New("breach not found")
	}
	return b, nil
}

func (f *fakeBreachStore) Update(_ context.Context, b *Breach) error {
	f.breaches[b.ID] = b
	if b.Status == BreachResolved {
		delete(f.slots, f.slotKey(b))
	}
	return nil
}

func (f *fakeBreachStore) ListOpen(_ context.Context, agencyID string) ([]*Breach, error) {
	var out []*Breach
	for _, b := range f.breaches {
		if b.AgencyID == agencyID && b.Status == BreachOpen {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeBreachStore) ListByResource(_ context.Context, agencyID, resourceID string) ([]*Breach, error) {
	var out []*Breach
	for _, b := range f.breaches {
		if b.AgencyID == agencyID && b.ResourceID == resourceID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeBreachStore) ClaimEscalation(_ context.Context, agencyID, breachID string, level int) (bool, error) {
	key := fmt.Sprintf("%s.%s.%d", agencyID, breachID, level)
	if f.claims[key] {
		return false, nil
	}
	f.claims[key] = true
	return true, nil
}

type fakeBreachEventStore struct {
	events map[string][]*BreachEvent
}

func (f *fakeBreachEventStore) Append(_ context.Context, e *BreachEvent) error {
	e.Seq = len(f.events[e.BreachID]) + 1
	f.events[e.BreachID] = append(f.events[e.BreachID], e)
	return nil
}

func (f *fakeBreachEventStore) ListByBreach(_ context.Context, breachID string) ([]*BreachEvent, error) {
	return f.events[breachID], nil
}

type fakeChainStore struct {
	chains map[string]*EscalationChain
}

func (f *fakeChainStore) Put(_ context.Context, c *EscalationChain) error {
	f.chains[c.SlaID] = c
	return nil
}

func (f *fakeChainStore) GetBySla(_ context.Context, _, slaID string) (*EscalationChain, error) {
	return f.chains[slaID], nil
}

func (f *fakeChainStore) Delete(_ context.Context, _, slaID string) error {
	delete(f.chains, slaID)
	return nil
}

type fakeResourceSource struct {
	resources map[string]*Resource
}

func (f *fakeResourceSource) Get(_ context.Context, agencyID, resourceID string) (*Resource, error) {
	r, ok := f.resources[resourceID]
	if !ok || r.AgencyID != agencyID {
		return nil, errors.New("resource not found")
	}
	return r, nil
}

func (f *fakeResourceSource) ListOpen(_ context.Context, agencyID string) ([]*Resource, error) {
	var out []*Resource
	for _, r := range f.resources {
		if r.AgencyID == agencyID && r.CompletedAt == nil {
			out = append(out, r)
		}
	}
	return out, nil
}

type effectCall struct {
	kind       string
	profileID  string
	resourceID string
}

type fakeEffects struct {
	calls []effectCall
}

func (f *fakeEffects) NotifyInApp(_ context.Context, _, profileID string, _ *Breach) error {
	f.calls = append(f.calls, effectCall{kind: "notify", profileID: profileID})
	return nil
}

func (f *fakeEffects) ReassignResource(_ context.Context, _, resourceID, profileID string) error {
	f.calls = append(f.calls, effectCall{kind: "reassign", profileID: profileID, resourceID: resourceID})
	return nil
}

type engineFixture struct {
	defs      *fakeDefinitionStore
	breaches  *fakeBreachStore
	events    *fakeBreachEventStore
	chains    *fakeChainStore
	resources *fakeResourceSource
	effects   *fakeEffects
	engine    *Engine
}

func newEngineFixture(now time.Time) *engineFixture {
	f := &engineFixture{
		defs:      &fakeDefinitionStore{defs: map[string]*Definition{}},
		breaches:  newFakeBreachStore(),
		events:    &fakeBreachEventStore{events: map[string][]*BreachEvent{}},
		chains:    &fakeChainStore{chains: map[string]*EscalationChain{}},
		resources: &fakeResourceSource{resources: map[string]*Resource{}},
		effects:   &fakeEffects{},
	}
	f.engine = NewEngine(f.defs, f.breaches, f.events, f.chains, f.resources, f.effects, nil)
	f.engine.now = func() time.Time { return now }
	return f
}

func (f *engineFixture) setNow(now time.Time) {
	f.engine.now = func() time.Time { return now }
}

var baseTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func (f *engineFixture) seedDefinition() *Definition {
	d := &Definition{
		ID:                  "sla-1",
		AgencyID:            "agency-1",
		Name:                "Standard response",
		AppliesTo:           []ResourceType{ResourceTask},
		ResponseTimeHours:   4,
		ResolutionTimeHours: 24,
		Status:              DefinitionActive,
		CreatedAt:           baseTime.Add(-time.Hour),
	}
	f.defs.defs[d.ID] = d
	return d
}

func (f *engineFixture) seedResource(created time.Time) *Resource {
	r := &Resource{
		ID:        "tsk-1",
		AgencyID:  "agency-1",
		Type:      ResourceTask,
		CreatedAt: created,
	}
	f.resources.resources[r.ID] = r
	return r
}

func TestCheckResourceOpensBreachOnce(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(baseTime)
	f.seedDefinition()
	res := f.seedResource(baseTime.Add(-6 * time.Hour))

	result, err := f.engine.CheckResource(ctx, res)
	if err != nil {
		t.Fatalf("CheckResource() error = %v", err)
	}
	if !result.ResponseBreached {
		t.Error("expected response deadline breached")
	}
	if result.ResolutionBreached {
		t.Error("resolution deadline not yet due")
	}
	if len(result.BreachesCreated) != 1 {
		t.Fatalf("expected 1 breach created, got %d", len(result.BreachesCreated))
	}

	// Re-checking must not open a second breach for the same deadline.
	again, err := f.engine.CheckResource(ctx, res)
	if err != nil {
		t.Fatalf("CheckResource() error = %v", err)
	}
	if len(again.BreachesCreated) != 0 {
		t.Errorf("expected no new breaches on re-check, got %d", len(again.BreachesCreated))
	}
	if len(f.breaches.breaches) != 1 {
		t.Errorf("expected 1 stored breach, got %d", len(f.breaches.breaches))
	}
}

func TestCheckResourceAcknowledgedSkipsResponse(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(baseTime)
	f.seedDefinition()
	res := f.seedResource(baseTime.Add(-6 * time.Hour))
	ack := baseTime.Add(-5 * time.Hour)
	res.AcknowledgedAt = &ack

	result, err := f.engine.CheckResource(ctx, res)
	if err != nil {
		t.Fatalf("CheckResource() error = %v", err)
	}
	if result.ResponseBreached {
		t.Error("acknowledged resource must not breach response deadline")
	}
}

func TestCheckResourceNoApplicableDefinition(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(baseTime)
	res := f.seedResource(baseTime.Add(-48 * time.Hour))

	result, err := f.engine.CheckResource(ctx, res)
	if err != nil {
		t.Fatalf("CheckResource() error = %v", err)
	}
	if result.SlaID != "" || len(result.BreachesCreated) != 0 {
		t.Error("no definition should mean no deadlines and no breaches")
	}
}

func TestEscalationLevelOffsets(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(baseTime)
	f.seedDefinition()
	f.chains.chains["sla-1"] = &EscalationChain{
		AgencyID: "agency-1",
		SlaID:    "sla-1",
		Levels: []EscalationLevel{
			{Level: 1, ProfileID: "usr-lead", EscalateAfterMinutes: 0, NotifyInApp: true},
			{Level: 2, ProfileID: "usr-manager", EscalateAfterMinutes: 30, NotifyInApp: true},
			{Level: 3, ProfileID: "usr-director", EscalateAfterMinutes: 60, NotifyInApp: true, ReassignTask: true},
		},
	}
	res := f.seedResource(baseTime.Add(-6 * time.Hour))

	// Detection fires the zero-offset level immediately.
	result, err := f.engine.CheckResource(ctx, res)
	if err != nil {
		t.Fatalf("CheckResource() error = %v", err)
	}
	if result.LevelsFired != 1 {
		t.Fatalf("expected level 1 fired at detection, got %d", result.LevelsFired)
	}

	// 29 minutes after detection level 2's offset has not elapsed.
	f.setNow(baseTime.Add(29 * time.Minute))
	scan, err := f.engine.RunScan(ctx, "agency-1")
	if err != nil {
		t.Fatalf("RunScan() error = %v", err)
	}
	if scan.LevelsFired != 0 {
		t.Errorf("expected no levels at 29m, got %d", scan.LevelsFired)
	}

	// 31 minutes: level 2 fires, level 3 (offset 60m) does not.
	f.setNow(baseTime.Add(31 * time.Minute))
	scan, err = f.engine.RunScan(ctx, "agency-1")
	if err != nil {
		t.Fatalf("RunScan() error = %v", err)
	}
	if scan.LevelsFired != 1 {
		t.Errorf("expected level 2 at 31m, got %d levels", scan.LevelsFired)
	}

	// 61 minutes past detection: level 3 fires exactly once, earlier
	// levels stay claimed.
	f.setNow(baseTime.Add(61 * time.Minute))
	scan, err = f.engine.RunScan(ctx, "agency-1")
	if err != nil {
		t.Fatalf("RunScan() error = %v", err)
	}
	if scan.LevelsFired != 1 {
		t.Errorf("expected only level 3 at 61m, got %d levels", scan.LevelsFired)
	}

	// Rescanning fires nothing further.
	scan, err = f.engine.RunScan(ctx, "agency-1")
	if err != nil {
		t.Fatalf("RunScan() error = %v", err)
	}
	if scan.LevelsFired != 0 {
		t.Errorf("expected no repeat escalations, got %d", scan.LevelsFired)
	}

	var reassigns int
	for _, call := range f.effects.calls {
		if call.kind == "reassign" {
			reassigns++
			if call.profileID != "usr-director" {
				t.Errorf("expected reassignment to usr-director, got %s", call.profileID)
			}
		}
	}
	if reassigns != 1 {
		t.Errorf("expected exactly one reassignment, got %d", reassigns)
	}
}

func TestAcknowledgeAndResolve(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(baseTime)
	f.seedDefinition()
	res := f.seedResource(baseTime.Add(-6 * time.Hour))

	result, err := f.engine.CheckResource(ctx, res)
	if err != nil {
		t.Fatalf("CheckResource() error = %v", err)
	}
	breachID := result.BreachesCreated[0].ID

	b, err := f.engine.Acknowledge(ctx, "agency-1", breachID, "usr-1", "on it")
	if err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}
	if b.Status != BreachAcknowledged || b.AcknowledgedBy != "usr-1" {
		t.Errorf("unexpected breach after ack: %+v", b)
	}

	// Acknowledging twice is a no-op.
	if _, err := f.engine.Acknowledge(ctx, "agency-1", breachID, "usr-2", ""); err != nil {
		t.Errorf("second Acknowledge() error = %v", err)
	}
	if b.AcknowledgedBy != "usr-1" {
		t.Error("second ack must not overwrite the first")
	}

	b, err = f.engine.Resolve(ctx, "agency-1", breachID, "usr-1", "escalated manually")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if b.Status != BreachResolved || b.Resolution != "escalated manually" {
		t.Errorf("unexpected breach after resolve: %+v", b)
	}

	// Closed breaches reject further transitions.
	if _, err := f.engine.Acknowledge(ctx, "agency-1", breachID, "usr-1", ""); !errors.Is(err, ErrBreachClosed) {
		t.Errorf("expected ErrBreachClosed on ack, got %v", err)
	}
	if _, err := f.engine.Resolve(ctx, "agency-1", breachID, "usr-1", ""); !errors.Is(err, ErrBreachClosed) {
		t.Errorf("expected ErrBreachClosed on resolve, got %v", err)
	}

	// Resolving freed the slot: a later check opens a fresh breach.
	f.setNow(baseTime.Add(time.Hour))
	again, err := f.engine.CheckResource(ctx, res)
	if err != nil {
		t.Fatalf("CheckResource() error = %v", err)
	}
	if len(again.BreachesCreated) != 1 {
		t.Errorf("expected fresh breach after resolve, got %d", len(again.BreachesCreated))
	}
}

func TestResolveFromOpenRecordsImplicitAck(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(baseTime)
	f.seedDefinition()
	res := f.seedResource(baseTime.Add(-6 * time.Hour))

	result, err := f.engine.CheckResource(ctx, res)
	if err != nil {
		t.Fatalf("CheckResource() error = %v", err)
	}
	breachID := result.BreachesCreated[0].ID

	b, err := f.engine.Resolve(ctx, "agency-1", breachID, "usr-1", "done")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if b.AcknowledgedAt == nil || b.AcknowledgedBy != "usr-1" {
		t.Error("resolving from open must record an implicit acknowledgment")
	}

	events, _ := f.events.ListByBreach(ctx, breachID)
	var types []BreachEventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	want := []BreachEventType{BreachEventDetected, BreachEventAcknowledged, BreachEventResolved}
	if len(types) != len(want) {
		t.Fatalf("expected events %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestRunScanIsolatesFailingResource(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(baseTime)
	f.seedDefinition()
	f.seedResource(baseTime.Add(-6 * time.Hour))
	f.resources.resources["tsk-2"] = &Resource{
		ID:        "tsk-2",
		AgencyID:  "agency-1",
		Type:      ResourceTask,
		CreatedAt: baseTime.Add(-6 * time.Hour),
	}
	f.breaches.failFor["tsk-2"] = errors.New("kv unavailable")

	scan, err := f.engine.RunScan(ctx, "agency-1")
	if err != nil {
		t.Fatalf("RunScan() error = %v", err)
	}
	if scan.ResourcesScanned != 2 {
		t.Errorf("expected 2 resources scanned, got %d", scan.ResourcesScanned)
	}
	if scan.ResourceErrors != 1 {
		t.Errorf("expected 1 resource error, got %d", scan.ResourceErrors)
	}
	if scan.BreachesDetected != 1 {
		t.Errorf("healthy resource should still breach, got %d", scan.BreachesDetected)
	}
}

func TestSelectDefinitionPrecedence(t *testing.T) {
	agencyWide := &Definition{
		ID: "sla-agency", AgencyID: "agency-1", Status: DefinitionActive,
		AppliesTo: []ResourceType{ResourceTask}, CreatedAt: baseTime,
	}
	clientScoped := &Definition{
		ID: "sla-client", AgencyID: "agency-1", Status: DefinitionActive,
		AppliesTo: []ResourceType{ResourceTask}, ClientID: "cli-1", CreatedAt: baseTime,
	}
	projectScoped := &Definition{
		ID: "sla-project", AgencyID: "agency-1", Status: DefinitionActive,
		AppliesTo: []ResourceType{ResourceTask}, ClientID: "cli-1", ProjectID: "prj-1", CreatedAt: baseTime,
	}
	disabled := &Definition{
		ID: "sla-disabled", AgencyID: "agency-1", Status: DefinitionDisabled,
		AppliesTo: []ResourceType{ResourceTask}, ProjectID: "prj-1", CreatedAt: baseTime,
	}
	newerAgencyWide := &Definition{
		ID: "sla-agency-2", AgencyID: "agency-1", Status: DefinitionActive,
		AppliesTo: []ResourceType{ResourceTask}, CreatedAt: baseTime.Add(time.Hour),
	}

	tests := []struct {
		name string
		defs []*Definition
		res  *Resource
		want string
	}{
		{
			name: "project beats client beats agency",
			defs: []*Definition{agencyWide, clientScoped, projectScoped},
			res:  &Resource{Type: ResourceTask, ClientID: "cli-1", ProjectID: "prj-1"},
			want: "sla-project",
		},
		{
			name: "client scope when project does not match",
			defs: []*Definition{agencyWide, clientScoped, projectScoped},
			res:  &Resource{Type: ResourceTask, ClientID: "cli-1", ProjectID: "prj-other"},
			want: "sla-client",
		},
		{
			name: "agency-wide fallback",
			defs: []*Definition{agencyWide, clientScoped},
			res:  &Resource{Type: ResourceTask, ClientID: "cli-other"},
			want: "sla-agency",
		},
		{
			name: "disabled definitions are skipped",
			defs: []*Definition{disabled, agencyWide},
			res:  &Resource{Type: ResourceTask, ProjectID: "prj-1"},
			want: "sla-agency",
		},
		{
			name: "newest wins a specificity tie",
			defs: []*Definition{agencyWide, newerAgencyWide},
			res:  &Resource{Type: ResourceTask},
			want: "sla-agency-2",
		},
		{
			name: "wrong resource type matches nothing",
			defs: []*Definition{agencyWide},
			res:  &Resource{Type: ResourceProject},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectDefinition(tt.defs, tt.res)
			gotID := ""
			if got != nil {
				gotID = got.ID
			}
			if gotID != tt.want {
				t.Errorf("SelectDefinition() = %q, want %q", gotID, tt.want)
			}
		})
	}
}

func TestDefinitionLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(baseTime)

	d, err := f.engine.CreateDefinition(ctx, &Definition{
		AgencyID:          "agency-1",
		Name:              "Response SLA",
		AppliesTo:         []ResourceType{ResourceTask},
		ResponseTimeHours: 4,
	})
	if err != nil {
		t.Fatalf("CreateDefinition() error = %v", err)
	}
	if d.ID == "" || d.Status != DefinitionActive {
		t.Errorf("unexpected created definition: %+v", d)
	}

	if _, err := f.engine.CreateDefinition(ctx, &Definition{AgencyID: "agency-1"}); err == nil {
		t.Error("expected validation error for empty definition")
	}

	f.chains.chains[d.ID] = &EscalationChain{AgencyID: "agency-1", SlaID: d.ID}
	if err := f.engine.DeleteDefinition(ctx, "agency-1", d.ID); err != nil {
		t.Fatalf("DeleteDefinition() error = %v", err)
	}
	if f.chains.chains[d.ID] != nil {
		t.Error("deleting a definition must delete its chain")
	}
}
