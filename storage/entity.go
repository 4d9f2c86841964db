package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

// EntityRecord tags a business entity created or updated by a
// workflow step. The lineage resolver walks these records to answer
// "which execution produced this entity" and the reverse.
type EntityRecord struct {
	ID       string `json:"id"`
	AgencyID string `json:"agency_id"`

	// Type is the business entity kind, e.g. "task" or "notification".
	Type string `json:"type"`
	Name string `json:"name,omitempty"`

	ExecutionID string `json:"execution_id"`
	StepID      string `json:"step_id"`

	Data map[string]any `json:"data,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewEntityRecordID returns a short unique entity record identifier.
func NewEntityRecordID() string {
	return fmt.Sprintf("ent-%s", uuid.New().String()[:8])
}

// EntityStore persists entity records for lineage resolution.
type EntityStore struct {
	entities jetstream.KeyValue
}

// NewEntityStore creates the entities bucket.
func NewEntityStore(ctx context.Context, js jetstream.JetStream) (*EntityStore, error) {
	entities, err := getOrCreateBucket(ctx, js, BucketEntities)
	if err != nil {
		return nil, fmt.Errorf("create entities bucket: %w", err)
	}
	return &EntityStore{entities: entities}, nil
}

// Create records a new entity. Records are immutable once written.
func (s *EntityStore) Create(ctx context.Context, e *EntityRecord) error {
	if e.ID == "" {
		e.ID = NewEntityRecordID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return createJSON(ctx, s.entities, scopedKey(e.AgencyID, e.ID), e)
}

// Get loads one entity record scoped by agency.
func (s *EntityStore) Get(ctx context.Context, agencyID, id string) (*EntityRecord, error) {
	e, _, err := getJSON[EntityRecord](ctx, s.entities, scopedKey(agencyID, id))
	return e, err
}

// ListByExecution returns the entity records an execution produced, in
// creation order.
func (s *EntityStore) ListByExecution(ctx context.Context, agencyID, executionID string) ([]*EntityRecord, error) {
	all, err := scanPrefix[EntityRecord](ctx, s.entities, agencyID+".")
	if err != nil {
		return nil, err
	}
	matching := all[:0]
	for _, e := range all {
		if e.ExecutionID == executionID {
			matching = append(matching, e)
		}
	}
	sort.Slice(matching, func(i, j int) bool { return matching[i].CreatedAt.Before(matching[j].CreatedAt) })
	return matching, nil
}
