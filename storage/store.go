// Package storage persists the automation core's entities in NATS
// JetStream key-value buckets, one bucket per entity family. Every key
// is prefixed with the owning agency id so tenant scoping is
// structural, and every cross-writer guarantee (signal dedup, trigger
// idempotency, publish exclusivity, breach slots) rides on an atomic
// KV Create or a revision-checked Update — never on read-then-write.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Bucket names, one per entity family.
const (
	BucketSignals         = "SIGNALFLOW_SIGNALS"
	BucketSignalDedup     = "SIGNALFLOW_SIGNAL_DEDUP"
	BucketSignalRoutes    = "SIGNALFLOW_SIGNAL_ROUTES"
	BucketRules           = "SIGNALFLOW_RULES"
	BucketRuleEvaluations = "SIGNALFLOW_RULE_EVALUATIONS"
	BucketRuleAudits      = "SIGNALFLOW_RULE_AUDITS"
	BucketWorkflows       = "SIGNALFLOW_WORKFLOWS"
	BucketExecutions      = "SIGNALFLOW_EXECUTIONS"
	BucketExecutionClaims = "SIGNALFLOW_EXECUTION_CLAIMS"
	BucketExecutionEvents = "SIGNALFLOW_EXECUTION_EVENTS"
	BucketSlaDefinitions  = "SIGNALFLOW_SLAS"
	BucketSlaBreaches     = "SIGNALFLOW_SLA_BREACHES"
	BucketSlaBreachSlots  = "SIGNALFLOW_SLA_BREACH_SLOTS"
	BucketSlaBreachEvents = "SIGNALFLOW_SLA_BREACH_EVENTS"
	BucketSlaEscalations  = "SIGNALFLOW_SLA_ESCALATIONS"
	BucketSlaChains       = "SIGNALFLOW_ESCALATION_CHAINS"
	BucketResources       = "SIGNALFLOW_TRACKED_RESOURCES"
	BucketEntities        = "SIGNALFLOW_ENTITIES"
)

// DefaultDedupWindow bounds how long a signal fingerprint reservation
// lives when the caller does not configure one.
const DefaultDedupWindow = 24 * time.Hour

// Stores bundles every KV-backed store so callers wire one value into
// the engines. Constructors are idempotent: buckets are created on
// first use and reused afterwards, so multiple processors can call
// NewStores against the same JetStream context.
type Stores struct {
	Signals         *SignalStore
	Routes          *RouteStore
	Rules           *RuleStore
	RuleEvaluations *RuleEvaluationStore
	RuleAudits      *RuleAuditStore
	Workflows       *WorkflowStore
	Executions      *ExecutionStore
	ExecutionEvents *ExecutionEventStore
	SlaDefinitions  *SlaDefinitionStore
	Breaches        *BreachStore
	BreachEvents    *BreachEventStore
	Chains          *ChainStore
	Resources       *ResourceStore
	Entities        *EntityStore
}

// NewStores creates every store, creating missing buckets as needed.
// dedupWindow bounds signal fingerprint reservations; zero uses
// DefaultDedupWindow.
func NewStores(ctx context.Context, js jetstream.JetStream, dedupWindow time.Duration) (*Stores, error) {
	signals, err := NewSignalStore(ctx, js, dedupWindow)
	if err != nil {
		return nil, err
	}
	routes, err := NewRouteStore(ctx, js)
	if err != nil {
		return nil, err
	}
	rules, err := NewRuleStore(ctx, js)
	if err != nil {
		return nil, err
	}
	evals, err := NewRuleEvaluationStore(ctx, js)
	if err != nil {
		return nil, err
	}
	audits, err := NewRuleAuditStore(ctx, js)
	if err != nil {
		return nil, err
	}
	workflows, err := NewWorkflowStore(ctx, js)
	if err != nil {
		return nil, err
	}
	execs, err := NewExecutionStore(ctx, js)
	if err != nil {
		return nil, err
	}
	events, err := NewExecutionEventStore(ctx, js)
	if err != nil {
		return nil, err
	}
	defs, err := NewSlaDefinitionStore(ctx, js)
	if err != nil {
		return nil, err
	}
	breaches, err := NewBreachStore(ctx, js)
	if err != nil {
		return nil, err
	}
	breachEvents, err := NewBreachEventStore(ctx, js)
	if err != nil {
		return nil, err
	}
	chains, err := NewChainStore(ctx, js)
	if err != nil {
		return nil, err
	}
	resources, err := NewResourceStore(ctx, js)
	if err != nil {
		return nil, err
	}
	entities, err := NewEntityStore(ctx, js)
	if err != nil {
		return nil, err
	}

	return &Stores{
		Signals:         signals,
		Routes:          routes,
		Rules:           rules,
		RuleEvaluations: evals,
		RuleAudits:      audits,
		Workflows:       workflows,
		Executions:      execs,
		ExecutionEvents: events,
		SlaDefinitions:  defs,
		Breaches:        breaches,
		BreachEvents:    breachEvents,
		Chains:          chains,
		Resources:       resources,
		Entities:        entities,
	}, nil
}

// getOrCreateBucket returns an existing bucket or creates it.
func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	return getOrCreateBucketTTL(ctx, js, name, 0)
}

// getOrCreateBucketTTL is getOrCreateBucket with a per-entry TTL, used
// by the dedup bucket so fingerprint reservations expire with the
// dedup window.
func getOrCreateBucketTTL(ctx context.Context, js jetstream.JetStream, name string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Signalflow %s storage", strings.ToLower(name)),
		TTL:         ttl,
	})
}

// scopedKey joins an agency id with further key parts. Dots separate
// parts, matching the KV subject-token layout.
func scopedKey(agencyID string, parts ...string) string {
	return agencyID + "." + strings.Join(parts, ".")
}

// createJSON atomically creates key in kv. An existing key returns
// ErrAlreadyExists.
func createJSON(ctx context.Context, kv jetstream.KeyValue, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if _, err := kv.Create(ctx, key, data); err != nil {
		if isKeyExists(err) {
			return fmt.Errorf("%s: %w", key, ErrAlreadyExists)
		}
		return fmt.Errorf("create %s: %w", key, err)
	}
	return nil
}

// putJSON writes key unconditionally.
func putJSON(ctx context.Context, kv jetstream.KeyValue, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if _, err := kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// updateJSON writes key only if its revision still matches. A stale
// revision returns ErrRevisionConflict.
func updateJSON(ctx context.Context, kv jetstream.KeyValue, key string, v any, revision uint64) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if _, err := kv.Update(ctx, key, data, revision); err != nil {
		if isRevisionMismatch(err) {
			return fmt.Errorf("%s: %w", key, ErrRevisionConflict)
		}
		return fmt.Errorf("update %s: %w", key, err)
	}
	return nil
}

// getJSON loads and decodes one key, returning its revision for
// compare-and-set updates. Missing keys return ErrNotFound.
func getJSON[T any](ctx context.Context, kv jetstream.KeyValue, key string) (*T, uint64, error) {
	entry, err := kv.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return nil, 0, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, 0, fmt.Errorf("get %s: %w", key, err)
	}
	var v T
	if err := json.Unmarshal(entry.Value(), &v); err != nil {
		return nil, 0, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return &v, entry.Revision(), nil
}

// scanPrefix loads every value under a key prefix. Entries that fail
// to load or decode are skipped: a scan over live data tolerates keys
// deleted mid-flight.
func scanPrefix[T any](ctx context.Context, kv jetstream.KeyValue, prefix string) ([]*T, error) {
	keys, err := kv.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	out := make([]*T, 0, len(keys))
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var v T
		if err := json.Unmarshal(entry.Value(), &v); err != nil {
			continue
		}
		out = append(out, &v)
	}
	return out, nil
}
