package slamonitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/signalflow/sla"
	"github.com/c360studio/signalflow/storage"
	"github.com/c360studio/signalflow/tenant"
)

func memKey(agencyID, id string) string { return agencyID + "." + id }

type memDefinitionStore struct {
	mu   sync.Mutex
	defs map[string]*sla.Definition
}

func newMemDefinitionStore() *memDefinitionStore {
	return &memDefinitionStore{defs: make(map[string]*sla.Definition)}
}

func (s *memDefinitionStore) Create(_ context.Context, d *sla.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memKey(d.AgencyID, d.ID)
	if _, ok := s.defs[key]; ok {
		return fmt.Errorf("definition %s: %w", d.ID, storage.ErrAlreadyExists)
	}
	s.defs[key] = d
	return nil
}

func (s *memDefinitionStore) Get(_ context.Context, agencyID, id string) (*sla.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[memKey(agencyID, id)]
	if !ok {
		return nil, fmt.Errorf("definition %s: %w", id, storage.ErrNotFound)
	}
	return d, nil
}

func (s *memDefinitionStore) Update(_ context.Context, d *sla.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[memKey(d.AgencyID, d.ID)] = d
	return nil
}

func (s *memDefinitionStore) Delete(_ context.Context, agencyID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.defs, memKey(agencyID, id))
	return nil
}

func (s *memDefinitionStore) List(_ context.Context, agencyID string) ([]*sla.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*sla.Definition
	for _, d := range s.defs {
		if d.AgencyID == agencyID {
			out = append(out, d)
		}
	}
	return out, nil
}

// memBreachStore mirrors the slot and escalation-claim semantics of the
// KV store.
type memBreachStore struct {
	mu       sync.Mutex
	breaches map[string]*sla.Breach
	slots    map[string]string
	claims   map[string]bool
}

func newMemBreachStore() *memBreachStore {
	return &memBreachStore{
		breaches: make(map[string]*sla.Breach),
		slots:    make(map[string]string),
		claims:   make(map[string]bool),
	}
}

func (s *memBreachStore) slotKey(b *sla.Breach) string {
	return fmt.Sprintf("%s.%s.%s.%s", b.AgencyID, b.SlaID, b.ResourceID, b.BreachType)
}

func (s *memBreachStore) CreateOpen(_ context.Context, b *sla.Breach) (bool, *sla.Breach, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.slotKey(b)
	if id, ok := s.slots[key]; ok {
		existing := s.breaches[id]
		if existing != nil && existing.Status != sla.BreachResolved {
			return false, existing, nil
		}
	}
	s.slots[key] = b.ID
	s.breaches[b.ID] = b
	return true, nil, nil
}

func (s *memBreachStore) Get(_ context.Context, agencyID, id string) (*sla.Breach, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breaches[id]
	if !ok || b.AgencyID != agencyID {
		return nil, fmt.Errorf("breach %s: %w", id, storage.ErrNotFound)
	}
	return b, nil
}

func (s *memBreachStore) Update(_ context.Context, b *sla.Breach) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breaches[b.ID] = b
	if b.Status == sla.BreachResolved {
		delete(s.slots, s.slotKey(b))
	}
	return nil
}

func (s *memBreachStore) ListOpen(_ context.Context, agencyID string) ([]*sla.Breach, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*sla.Breach
	for _, b := range s.breaches {
		if b.AgencyID == agencyID && b.Status == sla.BreachOpen {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *memBreachStore) ListByResource(_ context.Context, agencyID, resourceID string) ([]*sla.Breach, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*sla.Breach
	for _, b := range s.breaches {
		if b.AgencyID == agencyID && b.ResourceID == resourceID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *memBreachStore) ClaimEscalation(_ context.Context, agencyID, breachID string, level int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%s.%s.%d", agencyID, breachID, level)
	if s.claims[key] {
		return false, nil
	}
	s.claims[key] = true
	return true, nil
}

type memBreachEventStore struct {
	mu     sync.Mutex
	events map[string][]*sla.BreachEvent
}

func newMemBreachEventStore() *memBreachEventStore {
	return &memBreachEventStore{events: make(map[string][]*sla.BreachEvent)}
}

func (s *memBreachEventStore) Append(_ context.Context, e *sla.BreachEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Seq = len(s.events[e.BreachID]) + 1
	s.events[e.BreachID] = append(s.events[e.BreachID], e)
	return nil
}

func (s *memBreachEventStore) ListByBreach(_ context.Context, breachID string) ([]*sla.BreachEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[breachID], nil
}

type memChainStore struct {
	mu     sync.Mutex
	chains map[string]*sla.EscalationChain
}

func newMemChainStore() *memChainStore {
	return &memChainStore{chains: make(map[string]*sla.EscalationChain)}
}

func (s *memChainStore) Put(_ context.Context, c *sla.EscalationChain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chains[memKey(c.AgencyID, c.SlaID)] = c
	return nil
}

func (s *memChainStore) GetBySla(_ context.Context, agencyID, slaID string) (*sla.EscalationChain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chains[memKey(agencyID, slaID)], nil
}

func (s *memChainStore) Delete(_ context.Context, agencyID, slaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chains, memKey(agencyID, slaID))
	return nil
}

// memResourceStore backs the HTTP surface, the engine's resource
// source, and the scan ticker's agency walk.
type memResourceStore struct {
	mu    sync.Mutex
	items map[string]*sla.Resource
}

func newMemResourceStore() *memResourceStore {
	return &memResourceStore{items: make(map[string]*sla.Resource)}
}

func (s *memResourceStore) Upsert(_ context.Context, r *sla.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[memKey(r.AgencyID, r.ID)] = r
	return nil
}

func (s *memResourceStore) Get(_ context.Context, agencyID, resourceID string) (*sla.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.items[memKey(agencyID, resourceID)]
	if !ok {
		return nil, fmt.Errorf("resource %s: %w", resourceID, storage.ErrNotFound)
	}
	return r, nil
}

func (s *memResourceStore) ListOpen(_ context.Context, agencyID string) ([]*sla.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*sla.Resource
	for _, r := range s.items {
		if r.AgencyID == agencyID && r.CompletedAt == nil {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memResourceStore) ListAgencies(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var agencies []string
	for _, r := range s.items {
		if !seen[r.AgencyID] {
			seen[r.AgencyID] = true
			agencies = append(agencies, r.AgencyID)
		}
	}
	return agencies, nil
}

type pubMsg struct {
	Subject string
	Data    []byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []pubMsg
	fail bool
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return fmt.Errorf("nats unavailable")
	}
	p.msgs = append(p.msgs, pubMsg{Subject: subject, Data: data})
	return nil
}

func (p *recordingPublisher) bySubject(subject string) []pubMsg {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []pubMsg
	for _, m := range p.msgs {
		if m.Subject == subject {
			out = append(out, m)
		}
	}
	return out
}

type monitorFixture struct {
	comp      *Component
	server    *httptest.Server
	resources *memResourceStore
	pub       *recordingPublisher
}

func newMonitorFixture(t *testing.T) *monitorFixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	f := &monitorFixture{
		resources: newMemResourceStore(),
		pub:       &recordingPublisher{},
	}

	effects := &natsEffects{pub: f.pub, source: "sla-monitor", logger: logger}
	engine := sla.NewEngine(
		newMemDefinitionStore(),
		newMemBreachStore(),
		newMemBreachEventStore(),
		newMemChainStore(),
		f.resources,
		effects,
		logger,
	)

	f.comp = &Component{
		name:      "sla-monitor",
		config:    DefaultConfig(),
		logger:    logger,
		engine:    engine,
		resources: f.resources,
		agencies:  f.resources,
	}

	mux := http.NewServeMux()
	f.comp.RegisterHTTPHandlers("api/sla", mux)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *monitorFixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.server.URL+"/api/sla"+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set(tenant.HeaderAgencyID, "agency-1")
	req.Header.Set(tenant.HeaderUserID, "user-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeInto[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func taskSLA() sla.Definition {
	return sla.Definition{
		Name:                "Standard response",
		AppliesTo:           []sla.ResourceType{sla.ResourceTask},
		ResponseTimeHours:   4,
		ResolutionTimeHours: 24,
	}
}

// overdueTask has spent two days untouched, past both deadlines of
// taskSLA.
func overdueTask(id string) sla.Resource {
	return sla.Resource{
		ID:        id,
		Type:      sla.ResourceTask,
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
	}
}

func (f *monitorFixture) seedDefinition(t *testing.T) sla.Definition {
	t.Helper()
	return decodeInto[sla.Definition](t, f.do(t, http.MethodPost, "/slas", taskSLA()))
}

func TestDefinitionLifecycle(t *testing.T) {
	f := newMonitorFixture(t)

	resp := f.do(t, http.MethodPost, "/slas", taskSLA())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create definition status = %d", resp.StatusCode)
	}
	created := decodeInto[sla.Definition](t, resp)
	if created.Status != sla.DefinitionActive {
		t.Errorf("created status = %s, want active", created.Status)
	}
	if created.AgencyID != "agency-1" {
		t.Errorf("agency = %s, want header value", created.AgencyID)
	}

	updated := created
	updated.ResponseTimeHours = 8
	resp = f.do(t, http.MethodPut, "/slas/"+created.ID, updated)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update definition status = %d", resp.StatusCode)
	}
	got := decodeInto[sla.Definition](t, resp)
	if got.ResponseTimeHours != 8 {
		t.Errorf("response hours = %d, want 8", got.ResponseTimeHours)
	}

	resp = f.do(t, http.MethodGet, "/slas", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list definitions status = %d", resp.StatusCode)
	}
	list := decodeInto[map[string]json.RawMessage](t, resp)
	if string(list["count"]) != "1" {
		t.Errorf("definition count = %s, want 1", list["count"])
	}

	resp = f.do(t, http.MethodDelete, "/slas/"+created.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete definition status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/slas/"+created.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get deleted definition status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestDefinitionValidationRejected(t *testing.T) {
	f := newMonitorFixture(t)

	d := taskSLA()
	d.AppliesTo = nil
	resp := f.do(t, http.MethodPost, "/slas", d)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("create invalid definition status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestEscalationChainRoundTrip(t *testing.T) {
	f := newMonitorFixture(t)
	created := f.seedDefinition(t)

	resp := f.do(t, http.MethodGet, "/slas/"+created.ID+"/escalations", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get missing chain status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	chain := sla.EscalationChain{
		Levels: []sla.EscalationLevel{
			{Level: 1, ProfileID: "prf-lead", EscalateAfterMinutes: 0, NotifyInApp: true},
			{Level: 2, ProfileID: "prf-manager", EscalateAfterMinutes: 60, NotifyInApp: true, ReassignTask: true},
		},
	}
	resp = f.do(t, http.MethodPut, "/slas/"+created.ID+"/escalations", chain)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put chain status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/slas/"+created.ID+"/escalations", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get chain status = %d", resp.StatusCode)
	}
	got := decodeInto[sla.EscalationChain](t, resp)
	if len(got.Levels) != 2 || got.SlaID != created.ID {
		t.Errorf("chain = %+v", got)
	}

	// The chain endpoint refuses SLAs that do not exist.
	resp = f.do(t, http.MethodPut, "/slas/sla-missing/escalations", chain)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("put chain for missing sla status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestResourceCheckOpensBreaches(t *testing.T) {
	f := newMonitorFixture(t)
	f.seedDefinition(t)

	resp := f.do(t, http.MethodPost, "/resources", overdueTask("tsk-1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upsert resource status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/resources/tsk-1/check", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("check status = %d", resp.StatusCode)
	}
	result := decodeInto[sla.CheckResult](t, resp)
	if !result.ResponseBreached || !result.ResolutionBreached {
		t.Errorf("check result = %+v, want both deadlines breached", result)
	}
	if len(result.BreachesCreated) != 2 {
		t.Fatalf("breaches created = %d, want 2", len(result.BreachesCreated))
	}

	// Re-checking never opens duplicate breaches for standing slots.
	result = decodeInto[sla.CheckResult](t, f.do(t, http.MethodGet, "/resources/tsk-1/check", nil))
	if len(result.BreachesCreated) != 0 {
		t.Errorf("second check created %d breaches, want 0", len(result.BreachesCreated))
	}

	resp = f.do(t, http.MethodGet, "/breaches", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list breaches status = %d", resp.StatusCode)
	}
	list := decodeInto[map[string]json.RawMessage](t, resp)
	if string(list["count"]) != "2" {
		t.Errorf("open breach count = %s, want 2", list["count"])
	}
}

func TestResourceAcknowledgeIsIdempotent(t *testing.T) {
	f := newMonitorFixture(t)

	resp := f.do(t, http.MethodPost, "/resources", overdueTask("tsk-1"))
	resp.Body.Close()

	first := decodeInto[sla.Resource](t, f.do(t, http.MethodPost, "/resources/tsk-1/acknowledge", nil))
	if first.AcknowledgedAt == nil {
		t.Fatal("acknowledge did not stamp the resource")
	}

	second := decodeInto[sla.Resource](t, f.do(t, http.MethodPost, "/resources/tsk-1/acknowledge", nil))
	if !second.AcknowledgedAt.Equal(*first.AcknowledgedAt) {
		t.Error("second acknowledge moved the timestamp")
	}

	completed := decodeInto[sla.Resource](t, f.do(t, http.MethodPost, "/resources/tsk-1/complete", nil))
	if completed.CompletedAt == nil {
		t.Error("complete did not stamp the resource")
	}

	resp = f.do(t, http.MethodPost, "/resources/tsk-missing/acknowledge", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("acknowledge missing resource status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestBreachLifecycle(t *testing.T) {
	f := newMonitorFixture(t)
	f.seedDefinition(t)

	f.do(t, http.MethodPost, "/resources", overdueTask("tsk-1")).Body.Close()
	result := decodeInto[sla.CheckResult](t, f.do(t, http.MethodGet, "/resources/tsk-1/check", nil))
	if len(result.BreachesCreated) == 0 {
		t.Fatal("expected breaches from check")
	}
	breachID := result.BreachesCreated[0].ID

	acked := decodeInto[sla.Breach](t, f.do(t, http.MethodPost, "/breaches/"+breachID+"/acknowledge", breachActionBody{Notes: "on it"}))
	if acked.Status != sla.BreachAcknowledged {
		t.Errorf("acknowledged status = %s", acked.Status)
	}

	resolved := decodeInto[sla.Breach](t, f.do(t, http.MethodPost, "/breaches/"+breachID+"/resolve", breachActionBody{Resolution: "done"}))
	if resolved.Status != sla.BreachResolved || resolved.Resolution != "done" {
		t.Errorf("resolved breach = %+v", resolved)
	}

	resp := f.do(t, http.MethodPost, "/breaches/"+breachID+"/resolve", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("resolve closed breach status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/breaches/"+breachID+"/events", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("breach events status = %d", resp.StatusCode)
	}
	events := decodeInto[map[string]json.RawMessage](t, resp)
	// detected, acknowledged, resolved
	if string(events["count"]) != "3" {
		t.Errorf("breach event count = %s, want 3", events["count"])
	}
}

func TestScanEndpointFiresEscalations(t *testing.T) {
	f := newMonitorFixture(t)
	created := f.seedDefinition(t)

	chain := sla.EscalationChain{
		Levels: []sla.EscalationLevel{
			{Level: 1, ProfileID: "prf-lead", EscalateAfterMinutes: 0, NotifyInApp: true},
		},
	}
	f.do(t, http.MethodPut, "/slas/"+created.ID+"/escalations", chain).Body.Close()
	f.do(t, http.MethodPost, "/resources", overdueTask("tsk-1")).Body.Close()

	resp := f.do(t, http.MethodPost, "/scan", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("scan status = %d", resp.StatusCode)
	}
	result := decodeInto[sla.ScanResult](t, resp)
	if result.ResourcesScanned != 1 || result.BreachesDetected != 2 {
		t.Errorf("scan result = %+v, want 1 resource and 2 breaches", result)
	}
	// One zero-delay level per breach.
	if result.LevelsFired != 2 {
		t.Errorf("levels fired = %d, want 2", result.LevelsFired)
	}

	if got := len(f.pub.bySubject(BreachSubject("agency-1"))); got != 2 {
		t.Errorf("breach subject publishes = %d, want 2", got)
	}

	// A second scan fires nothing new: the levels are claimed.
	result = decodeInto[sla.ScanResult](t, f.do(t, http.MethodPost, "/scan", nil))
	if result.LevelsFired != 0 {
		t.Errorf("second scan fired %d levels, want 0", result.LevelsFired)
	}
}

func TestScanRequiresIdentity(t *testing.T) {
	f := newMonitorFixture(t)

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/api/sla/scan", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no identity status = %d, want 401", resp.StatusCode)
	}
}

func TestRunScansWalksAgencies(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()

	// Definitions and overdue tasks in two agencies.
	for _, agency := range []string{"agency-1", "agency-2"} {
		d := taskSLA()
		d.ID = "sla-" + agency
		d.AgencyID = agency
		d.Status = sla.DefinitionActive
		d.CreatedAt = time.Now().UTC()
		if _, err := f.comp.engine.CreateDefinition(ctx, &d); err != nil {
			t.Fatalf("seed definition for %s: %v", agency, err)
		}
		r := overdueTask("tsk-" + agency)
		r.AgencyID = agency
		if err := f.resources.Upsert(ctx, &r); err != nil {
			t.Fatalf("seed resource for %s: %v", agency, err)
		}
	}

	f.comp.runScans(ctx)

	for _, agency := range []string{"agency-1", "agency-2"} {
		breaches, err := f.comp.engine.ListOpenBreaches(ctx, agency)
		if err != nil {
			t.Fatalf("list breaches for %s: %v", agency, err)
		}
		if len(breaches) != 2 {
			t.Errorf("agency %s open breaches = %d, want 2", agency, len(breaches))
		}
	}
	if f.comp.scansRun.Load() != 2 {
		t.Errorf("scans run = %d, want 2", f.comp.scansRun.Load())
	}
}

func TestTargetAgencyScoping(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()

	d := taskSLA()
	d.ID = "sla-other"
	d.AgencyID = "agency-2"
	d.Status = sla.DefinitionActive
	d.CreatedAt = time.Now().UTC()
	if _, err := f.comp.engine.CreateDefinition(ctx, &d); err != nil {
		t.Fatalf("seed definition: %v", err)
	}

	get := func(superAdmin bool) *http.Response {
		req, err := http.NewRequest(http.MethodGet, f.server.URL+"/api/sla/slas/sla-other", nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set(tenant.HeaderAgencyID, "agency-1")
		req.Header.Set(tenant.HeaderUserID, "user-1")
		req.Header.Set(tenant.HeaderTargetAgency, "agency-2")
		if superAdmin {
			req.Header.Set(tenant.HeaderSuperAdmin, "true")
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do request: %v", err)
		}
		return resp
	}

	resp := get(false)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("regular user target-agency status = %d, want 403", resp.StatusCode)
	}

	resp = get(true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("super-admin target-agency status = %d, want 200", resp.StatusCode)
	}
	got := decodeInto[sla.Definition](t, resp)
	if got.AgencyID != "agency-2" {
		t.Errorf("definition agency = %q, want agency-2", got.AgencyID)
	}
}
