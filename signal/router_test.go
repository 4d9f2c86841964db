package signal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"testing"
)

// fakeSignalStore is an in-memory Store for router tests.
type fakeSignalStore struct {
	mu        sync.Mutex
	signals   map[string]*Signal // key agencyID.id
	reserved  map[string]string  // key agencyID.fingerprint -> signalID
	createErr error              // injected Create failure
}

func newFakeSignalStore() *fakeSignalStore {
	return &fakeSignalStore{
		signals:  make(map[string]*Signal),
		reserved: make(map[string]string),
	}
}

func (s *fakeSignalStore) Create(_ context.Context, sig *Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	key := sig.AgencyID + "." + sig.ID
	if _, exists := s.signals[key]; exists {
		return errors.New("already exists")
	}
	cp := *sig
	s.signals[key] = &cp
	return nil
}

func (s *fakeSignalStore) ReserveFingerprint(_ context.Context, agencyID, fingerprint, signalID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := agencyID + "." + fingerprint
	if existing, ok := s.reserved[key]; ok {
		return existing, false, nil
	}
	s.reserved[key] = signalID
	return signalID, true, nil
}

func (s *fakeSignalStore) ReleaseFingerprint(_ context.Context, agencyID, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reserved, agencyID+"."+fingerprint)
	return nil
}

func (s *fakeSignalStore) Get(_ context.Context, agencyID, id string) (*Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[agencyID+"."+id]
	if !ok {
		return nil, fmt.Errorf("signal %s: not found", id)
	}
	cp := *sig
	return &cp, nil
}

func (s *fakeSignalStore) Update(_ context.Context, sig *Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sig
	s.signals[sig.AgencyID+"."+sig.ID] = &cp
	return nil
}

func (s *fakeSignalStore) ListByStatus(_ context.Context, agencyID string, status Status, limit int, _ string) ([]*Signal, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Signal
	for _, sig := range s.signals {
		if sig.AgencyID == agencyID && sig.Status == status {
			cp := *sig
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IngestedAt.After(out[j].IngestedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, "", nil
}

// fakeRouteStore serves a fixed route list.
type fakeRouteStore struct {
	routes []*Route
}

func (s *fakeRouteStore) Create(context.Context, *Route) error          { return nil }
func (s *fakeRouteStore) Get(context.Context, string, string) (*Route, error) {
	return nil, errors.New("not found")
}
func (s *fakeRouteStore) Update(context.Context, *Route) error          { return nil }
func (s *fakeRouteStore) Delete(context.Context, string, string) error  { return nil }
func (s *fakeRouteStore) List(context.Context, string) ([]*Route, error) {
	return s.routes, nil
}

func (s *fakeRouteStore) ListBySource(_ context.Context, agencyID, source string) ([]*Route, error) {
	var out []*Route
	for _, r := range s.routes {
		if r.AgencyID == agencyID && r.Source == source {
			out = append(out, r)
		}
	}
	return out, nil
}

// fakeDispatcher records dispatches and optionally fails per workflow.
type fakeDispatcher struct {
	mu        sync.Mutex
	dispatched []DispatchRequest
	failFor   map[string]error
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{failFor: make(map[string]error)}
}

func (d *fakeDispatcher) Dispatch(_ context.Context, req DispatchRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.failFor[req.WorkflowID]; ok {
		return err
	}
	d.dispatched = append(d.dispatched, req)
	return nil
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dispatched)
}

func testRouter(routes []*Route, dispatcher Dispatcher) (*Router, *fakeSignalStore) {
	store := newFakeSignalStore()
	return NewRouter(store, &fakeRouteStore{routes: routes}, nil, dispatcher,
		slog.New(slog.DiscardHandler)), store
}

func webhookPayload() map[string]any {
	return map[string]any{
		"event_type": "invoice.paid",
		"data":       map[string]any{"invoice_id": "inv-1"},
	}
}

func TestIngestIdempotent(t *testing.T) {
	dispatcher := newFakeDispatcher()
	router, _ := testRouter([]*Route{
		{ID: "r1", AgencyID: "ag-1", Source: "webhook", WorkflowID: "wf-1", Enabled: true},
	}, dispatcher)

	req := IngestRequest{AgencyID: "ag-1", Source: "webhook", Payload: webhookPayload()}

	first, err := router.Ingest(context.Background(), req)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if first.IsDuplicate {
		t.Fatal("first ingest should not be a duplicate")
	}
	if first.WorkflowsTriggered != 1 {
		t.Fatalf("expected 1 workflow triggered, got %d", first.WorkflowsTriggered)
	}
	if first.Signal.Status != StatusProcessed {
		t.Fatalf("expected processed, got %s", first.Signal.Status)
	}

	second, err := router.Ingest(context.Background(), req)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if !second.IsDuplicate {
		t.Fatal("second ingest should be a duplicate")
	}
	if second.Signal.ID != first.Signal.ID {
		t.Fatalf("duplicate should return the original signal: %s vs %s", second.Signal.ID, first.Signal.ID)
	}
	if second.WorkflowsTriggered != 0 {
		t.Fatal("duplicate ingest must not trigger workflows")
	}
	if dispatcher.count() != 1 {
		t.Fatalf("expected exactly 1 dispatch total, got %d", dispatcher.count())
	}
}

func TestIngestPersistFailureReleasesFingerprint(t *testing.T) {
	dispatcher := newFakeDispatcher()
	router, store := testRouter([]*Route{
		{ID: "r1", AgencyID: "ag-1", Source: "webhook", WorkflowID: "wf-1", Enabled: true},
	}, dispatcher)

	req := IngestRequest{AgencyID: "ag-1", Source: "webhook", Payload: webhookPayload()}

	store.createErr = errors.New("kv unavailable")
	if _, err := router.Ingest(context.Background(), req); err == nil {
		t.Fatal("expected persist failure")
	}

	// The failed attempt must not hold the fingerprint for the dedup
	// window: the same payload is ingestible once the store recovers.
	store.createErr = nil
	res, err := router.Ingest(context.Background(), req)
	if err != nil {
		t.Fatalf("re-ingest after persist failure: %v", err)
	}
	if res.IsDuplicate {
		t.Fatal("re-ingest deduplicated against a signal that was never stored")
	}
	if res.WorkflowsTriggered != 1 {
		t.Fatalf("expected 1 workflow triggered, got %d", res.WorkflowsTriggered)
	}
}

func TestIngestUnsupportedSource(t *testing.T) {
	router, _ := testRouter(nil, newFakeDispatcher())

	_, err := router.Ingest(context.Background(), IngestRequest{
		AgencyID: "ag-1", Source: "telex", Payload: map[string]any{"x": 1},
	})
	if !errors.Is(err, ErrUnsupportedSource) {
		t.Fatalf("expected ErrUnsupportedSource, got %v", err)
	}
}

func TestIngestValidation(t *testing.T) {
	router, _ := testRouter(nil, newFakeDispatcher())

	tests := []struct {
		name string
		req  IngestRequest
	}{
		{"missing agency", IngestRequest{Source: "webhook", Payload: map[string]any{}}},
		{"missing source", IngestRequest{AgencyID: "ag-1", Payload: map[string]any{}}},
		{"missing payload", IngestRequest{AgencyID: "ag-1", Source: "webhook"}},
		{"adapter rejects payload", IngestRequest{AgencyID: "ag-1", Source: "webhook", Payload: map[string]any{"no": "event"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := router.Ingest(context.Background(), tt.req)
			if !IsValidation(err) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestIngestPriorityOrder(t *testing.T) {
	dispatcher := newFakeDispatcher()
	router, _ := testRouter([]*Route{
		{ID: "r-low", AgencyID: "ag-1", Source: "webhook", WorkflowID: "wf-low", Enabled: true, Priority: 10},
		{ID: "r-high", AgencyID: "ag-1", Source: "webhook", WorkflowID: "wf-high", Enabled: true, Priority: 1},
		{ID: "r-off", AgencyID: "ag-1", Source: "webhook", WorkflowID: "wf-off", Enabled: false, Priority: 0},
		{ID: "r-miss", AgencyID: "ag-1", Source: "webhook", WorkflowID: "wf-miss", Enabled: true, Priority: 2,
			MatchCriteria: map[string]any{"event_type": "other"}},
	}, dispatcher)

	res, err := router.Ingest(context.Background(), IngestRequest{
		AgencyID: "ag-1", Source: "webhook", Payload: webhookPayload(),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if len(res.MatchingRoutes) != 2 {
		t.Fatalf("expected 2 matching routes, got %d", len(res.MatchingRoutes))
	}
	if res.MatchingRoutes[0].ID != "r-high" || res.MatchingRoutes[1].ID != "r-low" {
		t.Fatalf("matches out of priority order: %s, %s",
			res.MatchingRoutes[0].ID, res.MatchingRoutes[1].ID)
	}
	if dispatcher.dispatched[0].WorkflowID != "wf-high" {
		t.Fatalf("highest priority route should dispatch first, got %s", dispatcher.dispatched[0].WorkflowID)
	}
}

func TestIngestDispatchFailureAndRetry(t *testing.T) {
	dispatcher := newFakeDispatcher()
	dispatcher.failFor["wf-1"] = errors.New("stream unavailable")

	router, store := testRouter([]*Route{
		{ID: "r1", AgencyID: "ag-1", Source: "webhook", WorkflowID: "wf-1", Enabled: true},
	}, dispatcher)

	res, err := router.Ingest(context.Background(), IngestRequest{
		AgencyID: "ag-1", Source: "webhook", Payload: webhookPayload(),
	})
	if err != nil {
		t.Fatalf("ingest returns the signal even when dispatch fails: %v", err)
	}
	if res.Signal.Status != StatusFailed {
		t.Fatalf("expected failed signal, got %s", res.Signal.Status)
	}
	if res.Signal.Error == "" {
		t.Fatal("expected dispatch error recorded on signal")
	}
	if res.WorkflowsTriggered != 0 {
		t.Fatalf("expected 0 triggered, got %d", res.WorkflowsTriggered)
	}

	failed, _, err := router.FailedSignals(context.Background(), "ag-1", 10, "")
	if err != nil || len(failed) != 1 {
		t.Fatalf("expected 1 failed signal, got %d (err %v)", len(failed), err)
	}

	// Dispatcher recovers; retry succeeds and clears the error.
	delete(dispatcher.failFor, "wf-1")

	retried, err := router.Retry(context.Background(), "ag-1", res.Signal.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Signal.Status != StatusProcessed {
		t.Fatalf("expected processed after retry, got %s", retried.Signal.Status)
	}
	if retried.Signal.Error != "" {
		t.Fatal("retry should clear the recorded error")
	}
	if retried.WorkflowsTriggered != 1 {
		t.Fatalf("expected 1 triggered on retry, got %d", retried.WorkflowsTriggered)
	}

	// A processed signal is not retryable.
	if _, err := router.Retry(context.Background(), "ag-1", res.Signal.ID); !errors.Is(err, ErrSignalProcessed) {
		t.Fatalf("expected ErrSignalProcessed, got %v", err)
	}

	stored, err := store.Get(context.Background(), "ag-1", res.Signal.ID)
	if err != nil {
		t.Fatalf("load signal: %v", err)
	}
	if stored.ProcessedAt == nil {
		t.Fatal("expected processed_at set")
	}
}
