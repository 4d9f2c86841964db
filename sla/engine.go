package sla

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// DefinitionStore persists SLA definitions.
type DefinitionStore interface {
	Create(ctx context.Context, d *Definition) error
	Get(ctx context.Context, agencyID, id string) (*Definition, error)
	Update(ctx context.Context, d *Definition) error
	Delete(ctx context.Context, agencyID, id string) error
	List(ctx context.Context, agencyID string) ([]*Definition, error)
}

// BreachStore persists breaches and owns the exclusivity guarantees.
type BreachStore interface {
	// CreateOpen atomically creates b unless an open-or-acknowledged
	// breach already exists for the same (slaId, resourceId,
	// breachType); then it returns that breach with created false.
	CreateOpen(ctx context.Context, b *Breach) (created bool, existing *Breach, err error)
	Get(ctx context.Context, agencyID, id string) (*Breach, error)
	// Update persists a transition. Moving to resolved frees the
	// (slaId, resourceId, breachType) slot for future breaches.
	Update(ctx context.Context, b *Breach) error
	// ListOpen returns breaches still in the open state.
	ListOpen(ctx context.Context, agencyID string) ([]*Breach, error)
	ListByResource(ctx context.Context, agencyID, resourceID string) ([]*Breach, error)
	// ClaimEscalation atomically marks a level fired for a breach;
	// first reports whether this call won the claim.
	ClaimEscalation(ctx context.Context, agencyID, breachID string, level int) (first bool, err error)
}

// BreachEventStore appends the per-breach audit log. Append assigns
// the sequence number.
type BreachEventStore interface {
	Append(ctx context.Context, e *BreachEvent) error
	ListByBreach(ctx context.Context, breachID string) ([]*BreachEvent, error)
}

// ChainStore persists escalation chains, one per SLA. GetBySla
// returns (nil, nil) when the SLA has no chain.
type ChainStore interface {
	Put(ctx context.Context, c *EscalationChain) error
	GetBySla(ctx context.Context, agencyID, slaID string) (*EscalationChain, error)
	Delete(ctx context.Context, agencyID, slaID string) error
}

// ResourceSource supplies the tracked resources scans walk.
type ResourceSource interface {
	Get(ctx context.Context, agencyID, resourceID string) (*Resource, error)
	// ListOpen returns resources not yet completed.
	ListOpen(ctx context.Context, agencyID string) ([]*Resource, error)
}

// EscalationEffects performs escalation side effects. Effect failures
// are logged, not retried: each level fires at most once per breach.
type EscalationEffects interface {
	NotifyInApp(ctx context.Context, agencyID, profileID string, b *Breach) error
	ReassignResource(ctx context.Context, agencyID, resourceID, profileID string) error
}

// CheckResult reports the deadline position of one resource.
type CheckResult struct {
	ResourceID string `json:"resource_id"`
	// SlaID is empty when no definition applies.
	SlaID string `json:"sla_id,omitempty"`

	ResponseDeadline   *time.Time `json:"response_deadline,omitempty"`
	ResolutionDeadline *time.Time `json:"resolution_deadline,omitempty"`

	ResponseBreached   bool `json:"response_breached"`
	ResolutionBreached bool `json:"resolution_breached"`

	// BreachesCreated lists breaches newly opened by this check;
	// already-open breaches are not repeated here.
	BreachesCreated []*Breach `json:"breaches_created,omitempty"`
	LevelsFired     int       `json:"levels_fired,omitempty"`
}

// ScanResult summarizes one agency scan.
type ScanResult struct {
	ResourcesScanned int `json:"resources_scanned"`
	BreachesDetected int `json:"breaches_detected"`
	LevelsFired      int `json:"levels_fired"`
	ResourceErrors   int `json:"resource_errors"`
}

// Engine detects SLA breaches and drives their lifecycle.
type Engine struct {
	defs      DefinitionStore
	breaches  BreachStore
	events    BreachEventStore
	chains    ChainStore
	resources ResourceSource
	effects   EscalationEffects
	logger    *slog.Logger

	// now is swapped out in tests.
	now func() time.Time
}

// NewEngine creates an SLA engine.
func NewEngine(defs DefinitionStore, breaches BreachStore, events BreachEventStore, chains ChainStore, resources ResourceSource, effects EscalationEffects, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		defs:      defs,
		breaches:  breaches,
		events:    events,
		chains:    chains,
		resources: resources,
		effects:   effects,
		logger:    logger,
		now:       time.Now,
	}
}

// CreateDefinition validates and persists a new definition.
func (e *Engine) CreateDefinition(ctx context.Context, d *Definition) (*Definition, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if d.ID == "" {
		d.ID = NewDefinitionID()
	}
	if d.Status == "" {
		d.Status = DefinitionActive
	}
	now := e.now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	if err := e.defs.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("create sla definition: %w", err)
	}
	return d, nil
}

// UpdateDefinition validates and persists changes to a definition.
func (e *Engine) UpdateDefinition(ctx context.Context, d *Definition) (*Definition, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	current, err := e.defs.Get(ctx, d.AgencyID, d.ID)
	if err != nil {
		return nil, err
	}
	d.CreatedAt = current.CreatedAt
	d.UpdatedAt = e.now().UTC()
	if err := e.defs.Update(ctx, d); err != nil {
		return nil, fmt.Errorf("update sla definition: %w", err)
	}
	return d, nil
}

// GetDefinition loads one definition.
func (e *Engine) GetDefinition(ctx context.Context, agencyID, id string) (*Definition, error) {
	return e.defs.Get(ctx, agencyID, id)
}

// ListDefinitions returns every definition for an agency.
func (e *Engine) ListDefinitions(ctx context.Context, agencyID string) ([]*Definition, error) {
	return e.defs.List(ctx, agencyID)
}

// DeleteDefinition removes a definition and its escalation chain.
func (e *Engine) DeleteDefinition(ctx context.Context, agencyID, id string) error {
	if err := e.defs.Delete(ctx, agencyID, id); err != nil {
		return err
	}
	if err := e.chains.Delete(ctx, agencyID, id); err != nil {
		e.logger.Warn("Failed to delete escalation chain with definition",
			"sla_id", id,
			"error", err)
	}
	return nil
}

// PutChain validates and stores the escalation chain for an SLA.
func (e *Engine) PutChain(ctx context.Context, c *EscalationChain) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if _, err := e.defs.Get(ctx, c.AgencyID, c.SlaID); err != nil {
		return err
	}
	return e.chains.Put(ctx, c)
}

// GetChain loads the escalation chain for an SLA, or nil.
func (e *Engine) GetChain(ctx context.Context, agencyID, slaID string) (*EscalationChain, error) {
	return e.chains.GetBySla(ctx, agencyID, slaID)
}

// CheckTask loads a tracked resource and checks its deadlines.
func (e *Engine) CheckTask(ctx context.Context, agencyID, resourceID string) (*CheckResult, error) {
	res, err := e.resources.Get(ctx, agencyID, resourceID)
	if err != nil {
		return nil, err
	}
	return e.CheckResource(ctx, res)
}

// CheckResource checks one resource against its applicable
// definition, opening breaches for exceeded deadlines. Re-checking an
// already-breached resource never opens a second breach for the same
// deadline while one is open or acknowledged.
func (e *Engine) CheckResource(ctx context.Context, res *Resource) (*CheckResult, error) {
	result := &CheckResult{ResourceID: res.ID}

	defs, err := e.defs.List(ctx, res.AgencyID)
	if err != nil {
		return nil, fmt.Errorf("list sla definitions: %w", err)
	}
	def := SelectDefinition(defs, res)
	if def == nil {
		return result, nil
	}
	result.SlaID = def.ID

	now := e.now()
	result.ResponseDeadline = def.ResponseDeadline(res.CreatedAt)
	result.ResolutionDeadline = def.ResolutionDeadline(res.CreatedAt)

	if result.ResponseDeadline != nil && now.After(*result.ResponseDeadline) && res.AcknowledgedAt == nil {
		result.ResponseBreached = true
		if err := e.openBreach(ctx, def, res, BreachResponse, result); err != nil {
			return nil, err
		}
	}
	if result.ResolutionDeadline != nil && now.After(*result.ResolutionDeadline) && res.CompletedAt == nil {
		result.ResolutionBreached = true
		if err := e.openBreach(ctx, def, res, BreachResolution, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// openBreach creates a breach unless the slot is taken, then runs any
// zero-delay escalation levels.
func (e *Engine) openBreach(ctx context.Context, def *Definition, res *Resource, breachType BreachType, result *CheckResult) error {
	b := &Breach{
		ID:           NewBreachID(),
		AgencyID:     res.AgencyID,
		SlaID:        def.ID,
		ResourceType: res.Type,
		ResourceID:   res.ID,
		BreachType:   breachType,
		Status:       BreachOpen,
		DetectedAt:   e.now().UTC(),
	}

	created, existing, err := e.breaches.CreateOpen(ctx, b)
	if err != nil {
		return fmt.Errorf("create %s breach: %w", breachType, err)
	}
	if !created {
		// Escalate the standing breach instead; claims keep levels
		// single-shot.
		fired, err := e.escalate(ctx, existing)
		if err != nil {
			return err
		}
		result.LevelsFired += fired
		return nil
	}

	e.appendEvent(ctx, b.ID, BreachEventDetected, map[string]any{
		"sla_id":      def.ID,
		"resource_id": res.ID,
		"breach_type": string(breachType),
	})
	e.logger.Info("SLA breach detected",
		"breach_id", b.ID,
		"agency_id", b.AgencyID,
		"sla_id", def.ID,
		"resource_id", res.ID,
		"breach_type", string(breachType))

	result.BreachesCreated = append(result.BreachesCreated, b)

	fired, err := e.escalate(ctx, b)
	if err != nil {
		return err
	}
	result.LevelsFired += fired
	return nil
}

// RunScan checks every open resource for an agency. A failing
// resource is logged and skipped; the scan continues.
func (e *Engine) RunScan(ctx context.Context, agencyID string) (*ScanResult, error) {
	resources, err := e.resources.ListOpen(ctx, agencyID)
	if err != nil {
		return nil, fmt.Errorf("list tracked resources: %w", err)
	}

	scan := &ScanResult{}
	for _, res := range resources {
		scan.ResourcesScanned++
		result, err := e.CheckResource(ctx, res)
		if err != nil {
			scan.ResourceErrors++
			e.logger.Error("SLA check failed for resource",
				"agency_id", agencyID,
				"resource_id", res.ID,
				"error", err)
			continue
		}
		scan.BreachesDetected += len(result.BreachesCreated)
		scan.LevelsFired += result.LevelsFired
	}

	// Standing breaches may owe later escalation levels even when
	// their resource no longer shows up as breaching anything new.
	open, err := e.breaches.ListOpen(ctx, agencyID)
	if err != nil {
		return scan, fmt.Errorf("list open breaches: %w", err)
	}
	for _, b := range open {
		fired, err := e.escalate(ctx, b)
		if err != nil {
			e.logger.Error("Escalation walk failed",
				"breach_id", b.ID,
				"error", err)
			continue
		}
		scan.LevelsFired += fired
	}

	e.logger.Info("SLA scan finished",
		"agency_id", agencyID,
		"resources", scan.ResourcesScanned,
		"breaches", scan.BreachesDetected,
		"levels_fired", scan.LevelsFired,
		"errors", scan.ResourceErrors)
	return scan, nil
}

// escalate walks the chain for a breach. Each level's
// EscalateAfterMinutes is an offset from detection; a level fires once
// that offset has elapsed, and at most once per breach. Levels fire in
// order; the walk stops at the first level whose offset has not
// elapsed yet.
func (e *Engine) escalate(ctx context.Context, b *Breach) (int, error) {
	if b.Status != BreachOpen {
		return 0, nil
	}
	chain, err := e.chains.GetBySla(ctx, b.AgencyID, b.SlaID)
	if err != nil {
		return 0, fmt.Errorf("load escalation chain: %w", err)
	}
	if chain == nil || len(chain.Levels) == 0 {
		return 0, nil
	}

	levels := make([]EscalationLevel, len(chain.Levels))
	copy(levels, chain.Levels)
	sort.Slice(levels, func(i, j int) bool { return levels[i].Level < levels[j].Level })

	elapsed := e.now().Sub(b.DetectedAt)
	fired := 0
	for _, level := range levels {
		if elapsed < time.Duration(level.EscalateAfterMinutes)*time.Minute {
			break
		}

		first, err := e.breaches.ClaimEscalation(ctx, b.AgencyID, b.ID, level.Level)
		if err != nil {
			return fired, fmt.Errorf("claim escalation level %d: %w", level.Level, err)
		}
		if !first {
			continue
		}

		e.fireLevel(ctx, b, level)
		fired++
	}
	return fired, nil
}

// fireLevel runs one level's effects and records the escalation.
func (e *Engine) fireLevel(ctx context.Context, b *Breach, level EscalationLevel) {
	if e.effects != nil {
		if level.NotifyInApp {
			if err := e.effects.NotifyInApp(ctx, b.AgencyID, level.ProfileID, b); err != nil {
				e.logger.Error("Escalation notification failed",
					"breach_id", b.ID,
					"level", level.Level,
					"profile_id", level.ProfileID,
					"error", err)
			}
		}
		if level.ReassignTask {
			if err := e.effects.ReassignResource(ctx, b.AgencyID, b.ResourceID, level.ProfileID); err != nil {
				e.logger.Error("Escalation reassignment failed",
					"breach_id", b.ID,
					"level", level.Level,
					"resource_id", b.ResourceID,
					"error", err)
			}
		}
	}

	e.appendEvent(ctx, b.ID, BreachEventEscalated, map[string]any{
		"level":      level.Level,
		"profile_id": level.ProfileID,
	})
	e.logger.Info("SLA escalation fired",
		"breach_id", b.ID,
		"level", level.Level,
		"profile_id", level.ProfileID)
}

// Acknowledge moves a breach from open to acknowledged. Acknowledging
// twice is a no-op; a resolved breach returns ErrBreachClosed.
func (e *Engine) Acknowledge(ctx context.Context, agencyID, breachID, userID, notes string) (*Breach, error) {
	b, err := e.breaches.Get(ctx, agencyID, breachID)
	if err != nil {
		return nil, err
	}

	switch b.Status {
	case BreachResolved:
		return nil, fmt.Errorf("%w: %s", ErrBreachClosed, breachID)
	case BreachAcknowledged:
		return b, nil
	}

	now := e.now().UTC()
	b.Status = BreachAcknowledged
	b.AcknowledgedBy = userID
	b.AcknowledgedAt = &now
	if err := e.breaches.Update(ctx, b); err != nil {
		return nil, fmt.Errorf("acknowledge breach: %w", err)
	}

	e.appendEvent(ctx, b.ID, BreachEventAcknowledged, map[string]any{
		"by":    userID,
		"notes": notes,
	})
	return b, nil
}

// Resolve closes a breach. Resolving straight from open is permitted
// and logs the skipped acknowledgment.
func (e *Engine) Resolve(ctx context.Context, agencyID, breachID, userID, resolution string) (*Breach, error) {
	b, err := e.breaches.Get(ctx, agencyID, breachID)
	if err != nil {
		return nil, err
	}
	if b.Status == BreachResolved {
		return nil, fmt.Errorf("%w: %s", ErrBreachClosed, breachID)
	}

	now := e.now().UTC()
	if b.Status == BreachOpen {
		b.AcknowledgedBy = userID
		b.AcknowledgedAt = &now
		e.appendEvent(ctx, b.ID, BreachEventAcknowledged, map[string]any{
			"by":       userID,
			"implicit": true,
		})
	}

	b.Status = BreachResolved
	b.ResolvedBy = userID
	b.ResolvedAt = &now
	b.Resolution = resolution
	if err := e.breaches.Update(ctx, b); err != nil {
		return nil, fmt.Errorf("resolve breach: %w", err)
	}

	e.appendEvent(ctx, b.ID, BreachEventResolved, map[string]any{
		"by":         userID,
		"resolution": resolution,
	})
	return b, nil
}

// GetBreach loads one breach.
func (e *Engine) GetBreach(ctx context.Context, agencyID, breachID string) (*Breach, error) {
	return e.breaches.Get(ctx, agencyID, breachID)
}

// ListOpenBreaches returns the agency's open breaches.
func (e *Engine) ListOpenBreaches(ctx context.Context, agencyID string) ([]*Breach, error) {
	return e.breaches.ListOpen(ctx, agencyID)
}

// BreachEvents returns the event log for a breach.
func (e *Engine) BreachEvents(ctx context.Context, agencyID, breachID string) ([]*BreachEvent, error) {
	if _, err := e.breaches.Get(ctx, agencyID, breachID); err != nil {
		return nil, err
	}
	return e.events.ListByBreach(ctx, breachID)
}

// appendEvent logs append failures rather than failing the
// transition that already committed.
func (e *Engine) appendEvent(ctx context.Context, breachID string, eventType BreachEventType, data map[string]any) {
	event := &BreachEvent{
		BreachID: breachID,
		Type:     eventType,
		Data:     data,
		At:       e.now().UTC(),
	}
	if err := e.events.Append(ctx, event); err != nil {
		e.logger.Error("Failed to append breach event",
			"breach_id", breachID,
			"type", string(eventType),
			"error", err)
	}
}
