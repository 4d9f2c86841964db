package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/c360studio/signalflow/sla"
	"github.com/nats-io/nats.go/jetstream"
)

// SlaDefinitionStore persists SLA definitions. Implements
// sla.DefinitionStore.
type SlaDefinitionStore struct {
	defs jetstream.KeyValue
}

// NewSlaDefinitionStore creates the SLA definitions bucket.
func NewSlaDefinitionStore(ctx context.Context, js jetstream.JetStream) (*SlaDefinitionStore, error) {
	defs, err := getOrCreateBucket(ctx, js, BucketSlaDefinitions)
	if err != nil {
		return nil, fmt.Errorf("create sla definitions bucket: %w", err)
	}
	return &SlaDefinitionStore{defs: defs}, nil
}

// Create persists a new definition.
func (s *SlaDefinitionStore) Create(ctx context.Context, d *sla.Definition) error {
	return createJSON(ctx, s.defs, scopedKey(d.AgencyID, d.ID), d)
}

// Get loads one definition scoped by agency.
func (s *SlaDefinitionStore) Get(ctx context.Context, agencyID, id string) (*sla.Definition, error) {
	d, _, err := getJSON[sla.Definition](ctx, s.defs, scopedKey(agencyID, id))
	return d, err
}

// Update replaces a definition.
func (s *SlaDefinitionStore) Update(ctx context.Context, d *sla.Definition) error {
	return putJSON(ctx, s.defs, scopedKey(d.AgencyID, d.ID), d)
}

// Delete removes a definition.
func (s *SlaDefinitionStore) Delete(ctx context.Context, agencyID, id string) error {
	if err := s.defs.Delete(ctx, scopedKey(agencyID, id)); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete sla definition %s: %w", id, err)
	}
	return nil
}

// List returns every definition for an agency.
func (s *SlaDefinitionStore) List(ctx context.Context, agencyID string) ([]*sla.Definition, error) {
	return scanPrefix[sla.Definition](ctx, s.defs, agencyID+".")
}

// BreachStore persists breaches and owns the exclusivity guarantees:
// a slot key per (slaId, resourceId, breachType) guards breach
// creation, and an escalation key per (breach, level) keeps levels
// single-shot. Implements sla.BreachStore.
type BreachStore struct {
	breaches    jetstream.KeyValue
	slots       jetstream.KeyValue
	escalations jetstream.KeyValue
}

// NewBreachStore creates the breach, slot, and escalation buckets.
func NewBreachStore(ctx context.Context, js jetstream.JetStream) (*BreachStore, error) {
	breaches, err := getOrCreateBucket(ctx, js, BucketSlaBreaches)
	if err != nil {
		return nil, fmt.Errorf("create sla breaches bucket: %w", err)
	}
	slots, err := getOrCreateBucket(ctx, js, BucketSlaBreachSlots)
	if err != nil {
		return nil, fmt.Errorf("create sla breach slots bucket: %w", err)
	}
	escalations, err := getOrCreateBucket(ctx, js, BucketSlaEscalations)
	if err != nil {
		return nil, fmt.Errorf("create sla escalations bucket: %w", err)
	}
	return &BreachStore{breaches: breaches, slots: slots, escalations: escalations}, nil
}

func slotKey(b *sla.Breach) string {
	return scopedKey(b.AgencyID, b.SlaID, b.ResourceID, string(b.BreachType))
}

// CreateOpen atomically creates b unless an open-or-acknowledged
// breach already occupies the same (slaId, resourceId, breachType)
// slot, in which case that breach is returned with created false. A
// slot held by a resolved breach is re-claimed with a revision
// compare-and-set, so concurrent scans agree on exactly one winner.
func (s *BreachStore) CreateOpen(ctx context.Context, b *sla.Breach) (bool, *sla.Breach, error) {
	key := slotKey(b)
	_, err := s.slots.Create(ctx, key, []byte(b.ID))
	if err == nil {
		if err := createJSON(ctx, s.breaches, scopedKey(b.AgencyID, b.ID), b); err != nil {
			return false, nil, err
		}
		return true, nil, nil
	}
	if !isKeyExists(err) {
		return false, nil, fmt.Errorf("claim breach slot %s: %w", key, err)
	}

	entry, err := s.slots.Get(ctx, key)
	if err != nil {
		return false, nil, fmt.Errorf("load breach slot %s: %w", key, err)
	}
	existing, getErr := s.Get(ctx, b.AgencyID, string(entry.Value()))
	if getErr == nil && existing.Status != sla.BreachResolved {
		return false, existing, nil
	}

	// The slot is stale: its breach is resolved or missing. Re-claim.
	if _, err := s.slots.Update(ctx, key, []byte(b.ID), entry.Revision()); err != nil {
		if isRevisionMismatch(err) {
			latest, err := s.slots.Get(ctx, key)
			if err != nil {
				return false, nil, fmt.Errorf("load breach slot %s: %w", key, err)
			}
			winner, err := s.Get(ctx, b.AgencyID, string(latest.Value()))
			if err != nil {
				return false, nil, err
			}
			return false, winner, nil
		}
		return false, nil, fmt.Errorf("reclaim breach slot %s: %w", key, err)
	}
	if err := createJSON(ctx, s.breaches, scopedKey(b.AgencyID, b.ID), b); err != nil {
		return false, nil, err
	}
	return true, nil, nil
}

// Get loads one breach scoped by agency.
func (s *BreachStore) Get(ctx context.Context, agencyID, id string) (*sla.Breach, error) {
	b, _, err := getJSON[sla.Breach](ctx, s.breaches, scopedKey(agencyID, id))
	return b, err
}

// Update persists a breach transition. Resolving frees the slot so a
// future deadline miss can open a fresh breach.
func (s *BreachStore) Update(ctx context.Context, b *sla.Breach) error {
	if err := putJSON(ctx, s.breaches, scopedKey(b.AgencyID, b.ID), b); err != nil {
		return err
	}
	if b.Status == sla.BreachResolved {
		if err := s.slots.Delete(ctx, slotKey(b)); err != nil && !isNotFound(err) {
			return fmt.Errorf("free breach slot: %w", err)
		}
	}
	return nil
}

// ListOpen returns the agency's breaches still in the open state.
func (s *BreachStore) ListOpen(ctx context.Context, agencyID string) ([]*sla.Breach, error) {
	all, err := scanPrefix[sla.Breach](ctx, s.breaches, agencyID+".")
	if err != nil {
		return nil, err
	}
	open := all[:0]
	for _, b := range all {
		if b.Status == sla.BreachOpen {
			open = append(open, b)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].DetectedAt.After(open[j].DetectedAt) })
	return open, nil
}

// ListByResource returns every breach recorded for one resource.
func (s *BreachStore) ListByResource(ctx context.Context, agencyID, resourceID string) ([]*sla.Breach, error) {
	all, err := scanPrefix[sla.Breach](ctx, s.breaches, agencyID+".")
	if err != nil {
		return nil, err
	}
	matching := all[:0]
	for _, b := range all {
		if b.ResourceID == resourceID {
			matching = append(matching, b)
		}
	}
	sort.Slice(matching, func(i, j int) bool { return matching[i].DetectedAt.After(matching[j].DetectedAt) })
	return matching, nil
}

// ClaimEscalation atomically marks a level fired for a breach. The
// first caller wins; everyone else sees first false.
func (s *BreachStore) ClaimEscalation(ctx context.Context, agencyID, breachID string, level int) (bool, error) {
	key := scopedKey(agencyID, breachID, strconv.Itoa(level))
	_, err := s.escalations.Create(ctx, key, []byte("fired"))
	if err == nil {
		return true, nil
	}
	if isKeyExists(err) {
		return false, nil
	}
	return false, fmt.Errorf("claim escalation %s: %w", key, err)
}

// BreachEventStore appends the per-breach audit log. Implements
// sla.BreachEventStore.
type BreachEventStore struct {
	events jetstream.KeyValue
}

// NewBreachEventStore creates the breach events bucket.
func NewBreachEventStore(ctx context.Context, js jetstream.JetStream) (*BreachEventStore, error) {
	events, err := getOrCreateBucket(ctx, js, BucketSlaBreachEvents)
	if err != nil {
		return nil, fmt.Errorf("create sla breach events bucket: %w", err)
	}
	return &BreachEventStore{events: events}, nil
}

// appendRetries bounds the sequence-claim loop when several writers
// append to one breach at once.
const appendRetries = 5

// Append assigns the next sequence number and records the event.
// Events are never updated or deleted.
func (s *BreachEventStore) Append(ctx context.Context, e *sla.BreachEvent) error {
	existing, err := s.ListByBreach(ctx, e.BreachID)
	if err != nil {
		return err
	}
	seq := len(existing) + 1

	for attempt := 0; attempt < appendRetries; attempt++ {
		e.Seq = seq
		key := fmt.Sprintf("%s.%08d", e.BreachID, e.Seq)
		err := createJSON(ctx, s.events, key, e)
		if err == nil {
			return nil
		}
		if isKeyExists(err) {
			seq++
			continue
		}
		return err
	}
	return fmt.Errorf("append breach event: sequence contention on breach %s", e.BreachID)
}

// ListByBreach returns a breach's events in sequence order.
func (s *BreachEventStore) ListByBreach(ctx context.Context, breachID string) ([]*sla.BreachEvent, error) {
	events, err := scanPrefix[sla.BreachEvent](ctx, s.events, breachID+".")
	if err != nil {
		return nil, err
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	return events, nil
}

// ChainStore persists escalation chains, one per SLA. Implements
// sla.ChainStore.
type ChainStore struct {
	chains jetstream.KeyValue
}

// NewChainStore creates the escalation chains bucket.
func NewChainStore(ctx context.Context, js jetstream.JetStream) (*ChainStore, error) {
	chains, err := getOrCreateBucket(ctx, js, BucketSlaChains)
	if err != nil {
		return nil, fmt.Errorf("create escalation chains bucket: %w", err)
	}
	return &ChainStore{chains: chains}, nil
}

// Put stores the chain for an SLA, replacing any previous one.
func (s *ChainStore) Put(ctx context.Context, c *sla.EscalationChain) error {
	return putJSON(ctx, s.chains, scopedKey(c.AgencyID, c.SlaID), c)
}

// GetBySla returns the SLA's chain, or (nil, nil) when none exists.
func (s *ChainStore) GetBySla(ctx context.Context, agencyID, slaID string) (*sla.EscalationChain, error) {
	c, _, err := getJSON[sla.EscalationChain](ctx, s.chains, scopedKey(agencyID, slaID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

// Delete removes the SLA's chain.
func (s *ChainStore) Delete(ctx context.Context, agencyID, slaID string) error {
	if err := s.chains.Delete(ctx, scopedKey(agencyID, slaID)); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete escalation chain for %s: %w", slaID, err)
	}
	return nil
}

// ResourceStore persists the SLA engine's read model of the tracked
// CRUD entities it watches. The surrounding platform upserts these
// snapshots as tasks, projects, and initiatives change. Implements
// sla.ResourceSource.
type ResourceStore struct {
	resources jetstream.KeyValue
}

// NewResourceStore creates the tracked resources bucket.
func NewResourceStore(ctx context.Context, js jetstream.JetStream) (*ResourceStore, error) {
	resources, err := getOrCreateBucket(ctx, js, BucketResources)
	if err != nil {
		return nil, fmt.Errorf("create tracked resources bucket: %w", err)
	}
	return &ResourceStore{resources: resources}, nil
}

// Upsert stores the latest snapshot of a resource.
func (s *ResourceStore) Upsert(ctx context.Context, r *sla.Resource) error {
	return putJSON(ctx, s.resources, scopedKey(r.AgencyID, r.ID), r)
}

// Get loads one resource scoped by agency.
func (s *ResourceStore) Get(ctx context.Context, agencyID, resourceID string) (*sla.Resource, error) {
	r, _, err := getJSON[sla.Resource](ctx, s.resources, scopedKey(agencyID, resourceID))
	return r, err
}

// ListOpen returns resources not yet completed.
func (s *ResourceStore) ListOpen(ctx context.Context, agencyID string) ([]*sla.Resource, error) {
	all, err := scanPrefix[sla.Resource](ctx, s.resources, agencyID+".")
	if err != nil {
		return nil, err
	}
	open := all[:0]
	for _, r := range all {
		if r.CompletedAt == nil {
			open = append(open, r)
		}
	}
	return open, nil
}

// Delete removes a resource snapshot.
func (s *ResourceStore) Delete(ctx context.Context, agencyID, resourceID string) error {
	if err := s.resources.Delete(ctx, scopedKey(agencyID, resourceID)); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete tracked resource %s: %w", resourceID, err)
	}
	return nil
}

// ListAgencies returns every agency with at least one tracked
// resource, sorted. The scan ticker walks this to schedule per-agency
// scans.
func (s *ResourceStore) ListAgencies(ctx context.Context) ([]string, error) {
	keys, err := s.resources.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list resource keys: %w", err)
	}

	seen := make(map[string]bool)
	var agencies []string
	for _, key := range keys {
		agency := agencyOfKey(key)
		if agency == "" || seen[agency] {
			continue
		}
		seen[agency] = true
		agencies = append(agencies, agency)
	}
	sort.Strings(agencies)
	return agencies, nil
}
