package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/c360studio/signalflow/signal"
	"github.com/nats-io/nats.go/jetstream"
)

// defaultPageSize bounds paginated list queries without an explicit
// limit.
const defaultPageSize = 50

// SignalStore persists signals and their dedup reservations. It
// implements signal.Store.
type SignalStore struct {
	signals jetstream.KeyValue
	dedup   jetstream.KeyValue
}

// NewSignalStore creates the signal and dedup buckets. The dedup
// bucket carries a per-entry TTL equal to the dedup window, so
// fingerprint reservations age out on their own.
func NewSignalStore(ctx context.Context, js jetstream.JetStream, dedupWindow time.Duration) (*SignalStore, error) {
	if dedupWindow <= 0 {
		dedupWindow = DefaultDedupWindow
	}
	signals, err := getOrCreateBucket(ctx, js, BucketSignals)
	if err != nil {
		return nil, fmt.Errorf("create signals bucket: %w", err)
	}
	dedup, err := getOrCreateBucketTTL(ctx, js, BucketSignalDedup, dedupWindow)
	if err != nil {
		return nil, fmt.Errorf("create signal dedup bucket: %w", err)
	}
	return &SignalStore{signals: signals, dedup: dedup}, nil
}

// Create persists a new signal.
func (s *SignalStore) Create(ctx context.Context, sig *signal.Signal) error {
	return createJSON(ctx, s.signals, scopedKey(sig.AgencyID, sig.ID), sig)
}

// ReserveFingerprint atomically claims a fingerprint for signalID. The
// atomic KV Create is the dedup guarantee: under concurrent duplicate
// delivery exactly one caller wins the reservation.
func (s *SignalStore) ReserveFingerprint(ctx context.Context, agencyID, fingerprint, signalID string) (string, bool, error) {
	key := scopedKey(agencyID, fingerprint)
	_, err := s.dedup.Create(ctx, key, []byte(signalID))
	if err == nil {
		return signalID, true, nil
	}
	if !isKeyExists(err) {
		return "", false, fmt.Errorf("reserve fingerprint %s: %w", key, err)
	}

	entry, err := s.dedup.Get(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("load fingerprint owner %s: %w", key, err)
	}
	return string(entry.Value()), false, nil
}

// ReleaseFingerprint drops a reservation so the fingerprint can be
// claimed again before its TTL expires.
func (s *SignalStore) ReleaseFingerprint(ctx context.Context, agencyID, fingerprint string) error {
	key := scopedKey(agencyID, fingerprint)
	if err := s.dedup.Purge(ctx, key); err != nil {
		return fmt.Errorf("release fingerprint %s: %w", key, err)
	}
	return nil
}

// Get loads a signal scoped by agency.
func (s *SignalStore) Get(ctx context.Context, agencyID, id string) (*signal.Signal, error) {
	sig, _, err := getJSON[signal.Signal](ctx, s.signals, scopedKey(agencyID, id))
	return sig, err
}

// Update persists status transitions.
func (s *SignalStore) Update(ctx context.Context, sig *signal.Signal) error {
	return putJSON(ctx, s.signals, scopedKey(sig.AgencyID, sig.ID), sig)
}

// ListByStatus returns signals for an agency in the given status,
// newest first. The cursor is the last signal id of the previous page;
// the returned cursor is empty when no more pages exist.
func (s *SignalStore) ListByStatus(ctx context.Context, agencyID string, status signal.Status, limit int, cursor string) ([]*signal.Signal, string, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}

	all, err := scanPrefix[signal.Signal](ctx, s.signals, agencyID+".")
	if err != nil {
		return nil, "", err
	}

	matching := all[:0]
	for _, sig := range all {
		if sig.Status == status {
			matching = append(matching, sig)
		}
	}
	sort.Slice(matching, func(i, j int) bool {
		if !matching[i].IngestedAt.Equal(matching[j].IngestedAt) {
			return matching[i].IngestedAt.After(matching[j].IngestedAt)
		}
		return matching[i].ID < matching[j].ID
	})

	start := 0
	if cursor != "" {
		for i, sig := range matching {
			if sig.ID == cursor {
				start = i + 1
				break
			}
		}
	}
	if start >= len(matching) {
		return nil, "", nil
	}

	end := start + limit
	if end > len(matching) {
		end = len(matching)
	}
	page := matching[start:end]

	next := ""
	if end < len(matching) {
		next = page[len(page)-1].ID
	}
	return page, next, nil
}

// RouteStore persists signal routes. It implements signal.RouteStore.
type RouteStore struct {
	routes jetstream.KeyValue
}

// NewRouteStore creates the signal routes bucket.
func NewRouteStore(ctx context.Context, js jetstream.JetStream) (*RouteStore, error) {
	routes, err := getOrCreateBucket(ctx, js, BucketSignalRoutes)
	if err != nil {
		return nil, fmt.Errorf("create signal routes bucket: %w", err)
	}
	return &RouteStore{routes: routes}, nil
}

// Create persists a new route.
func (s *RouteStore) Create(ctx context.Context, route *signal.Route) error {
	return createJSON(ctx, s.routes, scopedKey(route.AgencyID, route.ID), route)
}

// Get loads one route scoped by agency.
func (s *RouteStore) Get(ctx context.Context, agencyID, id string) (*signal.Route, error) {
	route, _, err := getJSON[signal.Route](ctx, s.routes, scopedKey(agencyID, id))
	return route, err
}

// Update replaces a route.
func (s *RouteStore) Update(ctx context.Context, route *signal.Route) error {
	return putJSON(ctx, s.routes, scopedKey(route.AgencyID, route.ID), route)
}

// Delete removes a route.
func (s *RouteStore) Delete(ctx context.Context, agencyID, id string) error {
	if err := s.routes.Delete(ctx, scopedKey(agencyID, id)); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete route %s: %w", id, err)
	}
	return nil
}

// List returns every route for an agency.
func (s *RouteStore) List(ctx context.Context, agencyID string) ([]*signal.Route, error) {
	return scanPrefix[signal.Route](ctx, s.routes, agencyID+".")
}

// ListBySource returns enabled routes for (agencyID, source).
func (s *RouteStore) ListBySource(ctx context.Context, agencyID, source string) ([]*signal.Route, error) {
	all, err := s.List(ctx, agencyID)
	if err != nil {
		return nil, err
	}
	matching := all[:0]
	for _, r := range all {
		if r.Enabled && r.Source == source {
			matching = append(matching, r)
		}
	}
	return matching, nil
}

// agencyOfKey returns the agency prefix of a scoped key.
func agencyOfKey(key string) string {
	if i := strings.IndexByte(key, '.'); i > 0 {
		return key[:i]
	}
	return ""
}
