// Package sla tracks response and resolution deadlines for agency
// resources, detects breaches on a scan cycle, and walks escalation
// chains. Deadlines are optionally business-hours-aware so a task
// filed Friday afternoon is not breached over the weekend.
package sla

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for breach transitions.
var (
	// ErrBreachClosed is returned when acknowledging or resolving a
	// breach that is already resolved.
	ErrBreachClosed = errors.New("sla breach already resolved")
)

// ResourceType names the kinds of tracked resources.
type ResourceType string

const (
	ResourceTask       ResourceType = "task"
	ResourceProject    ResourceType = "project"
	ResourceInitiative ResourceType = "initiative"
)

// DefinitionStatus gates whether a definition participates in scans.
type DefinitionStatus string

const (
	DefinitionActive   DefinitionStatus = "active"
	DefinitionDisabled DefinitionStatus = "disabled"
)

// Definition is one SLA policy. ClientID and ProjectID narrow its
// scope; the most specific applicable definition wins (project over
// client over agency-wide), ties broken by most recent creation.
type Definition struct {
	ID       string `json:"id"`
	AgencyID string `json:"agency_id"`
	Name     string `json:"name"`

	AppliesTo []ResourceType `json:"applies_to"`

	// ResponseTimeHours bounds time to first acknowledgment or
	// assignment; zero disables the response deadline.
	ResponseTimeHours int `json:"response_time_hours,omitempty"`
	// ResolutionTimeHours bounds time to completion; zero disables
	// the resolution deadline.
	ResolutionTimeHours int `json:"resolution_time_hours,omitempty"`

	BusinessHoursOnly  bool `json:"business_hours_only,omitempty"`
	BusinessHoursStart int  `json:"business_hours_start,omitempty"`
	BusinessHoursEnd   int  `json:"business_hours_end,omitempty"`
	ExcludeWeekends    bool `json:"exclude_weekends,omitempty"`

	ClientID  string `json:"client_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`

	Status    DefinitionStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Validate checks a definition's shape.
func (d *Definition) Validate() error {
	if d.AgencyID == "" {
		return fmt.Errorf("agency_id is required")
	}
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(d.AppliesTo) == 0 {
		return fmt.Errorf("applies_to must name at least one resource type")
	}
	for _, rt := range d.AppliesTo {
		switch rt {
		case ResourceTask, ResourceProject, ResourceInitiative:
		default:
			return fmt.Errorf("unknown resource type %q", rt)
		}
	}
	if d.ResponseTimeHours <= 0 && d.ResolutionTimeHours <= 0 {
		return fmt.Errorf("at least one of response_time_hours or resolution_time_hours must be positive")
	}
	if d.BusinessHoursOnly {
		if d.BusinessHoursStart < 0 || d.BusinessHoursStart > 23 {
			return fmt.Errorf("business_hours_start must be within 0-23")
		}
		if d.BusinessHoursEnd < 1 || d.BusinessHoursEnd > 24 {
			return fmt.Errorf("business_hours_end must be within 1-24")
		}
		if d.BusinessHoursStart >= d.BusinessHoursEnd {
			return fmt.Errorf("business_hours_start must precede business_hours_end")
		}
	}
	return nil
}

// AppliesToType reports whether the definition covers a resource
// type.
func (d *Definition) AppliesToType(rt ResourceType) bool {
	for _, t := range d.AppliesTo {
		if t == rt {
			return true
		}
	}
	return false
}

// Resource is the deadline-relevant snapshot of a tracked resource.
type Resource struct {
	ID       string       `json:"id"`
	AgencyID string       `json:"agency_id"`
	Type     ResourceType `json:"type"`

	ClientID  string `json:"client_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// AcknowledgedAt is the first human acknowledgment or assignment;
	// it satisfies the response deadline.
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`

	// CompletedAt satisfies the resolution deadline.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// BreachType distinguishes which deadline was missed.
type BreachType string

const (
	BreachResponse   BreachType = "response"
	BreachResolution BreachType = "resolution"
)

// BreachStatus is the breach lifecycle state.
type BreachStatus string

const (
	BreachOpen         BreachStatus = "open"
	BreachAcknowledged BreachStatus = "acknowledged"
	BreachResolved     BreachStatus = "resolved"
)

// Breach records one missed deadline. At most one open-or-acknowledged
// breach exists per (slaId, resourceId, breachType); resolving frees
// the slot for a future breach.
type Breach struct {
	ID       string `json:"id"`
	AgencyID string `json:"agency_id"`
	SlaID    string `json:"sla_id"`

	ResourceType ResourceType `json:"resource_type"`
	ResourceID   string       `json:"resource_id"`

	BreachType BreachType   `json:"breach_type"`
	Status     BreachStatus `json:"status"`

	DetectedAt     time.Time  `json:"detected_at"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	Resolution     string     `json:"resolution,omitempty"`
}

// BreachEventType names entries in a breach's event log.
type BreachEventType string

const (
	BreachEventDetected     BreachEventType = "detected"
	BreachEventAcknowledged BreachEventType = "acknowledged"
	BreachEventResolved     BreachEventType = "resolved"
	BreachEventEscalated    BreachEventType = "escalated"
)

// BreachEvent is one append-only entry in a breach's history. Seq is
// assigned by the store and increases within a breach.
type BreachEvent struct {
	BreachID string          `json:"breach_id"`
	Seq      int             `json:"seq"`
	Type     BreachEventType `json:"type"`
	Data     map[string]any  `json:"data,omitempty"`
	At       time.Time       `json:"at"`
}

// EscalationLevel is one rung of an escalation chain. Levels are
// independent: each names its own recipient and effects, and
// EscalateAfterMinutes counts from breach detection, not from the
// previous level.
type EscalationLevel struct {
	Level                int    `json:"level"`
	ProfileID            string `json:"profile_id"`
	EscalateAfterMinutes int    `json:"escalate_after_minutes"`
	NotifyInApp          bool   `json:"notify_in_app,omitempty"`
	ReassignTask         bool   `json:"reassign_task,omitempty"`
}

// EscalationChain is the ordered escalation ladder for one SLA.
type EscalationChain struct {
	AgencyID string            `json:"agency_id"`
	SlaID    string            `json:"sla_id"`
	Levels   []EscalationLevel `json:"levels"`
}

// Validate checks chain shape: levels must be positive and unique.
func (c *EscalationChain) Validate() error {
	if c.SlaID == "" {
		return fmt.Errorf("sla_id is required")
	}
	seen := make(map[int]bool, len(c.Levels))
	for _, l := range c.Levels {
		if l.Level <= 0 {
			return fmt.Errorf("escalation level must be positive, got %d", l.Level)
		}
		if seen[l.Level] {
			return fmt.Errorf("escalation level %d appears more than once", l.Level)
		}
		seen[l.Level] = true
		if l.ProfileID == "" {
			return fmt.Errorf("escalation level %d has no profile_id", l.Level)
		}
		if l.EscalateAfterMinutes < 0 {
			return fmt.Errorf("escalation level %d has negative escalate_after_minutes", l.Level)
		}
	}
	return nil
}

// SelectDefinition picks the applicable definition for a resource:
// active, covering the resource type, scoped no narrower than the
// resource. Most specific wins; ties go to the most recently created.
func SelectDefinition(defs []*Definition, res *Resource) *Definition {
	var best *Definition
	bestScore := -1
	for _, d := range defs {
		if d.Status != DefinitionActive || !d.AppliesToType(res.Type) {
			continue
		}
		if d.ClientID != "" && d.ClientID != res.ClientID {
			continue
		}
		if d.ProjectID != "" && d.ProjectID != res.ProjectID {
			continue
		}

		score := 0
		if d.ClientID != "" {
			score = 1
		}
		if d.ProjectID != "" {
			score = 2
		}

		if score > bestScore || (score == bestScore && best != nil && d.CreatedAt.After(best.CreatedAt)) {
			best = d
			bestScore = score
		}
	}
	return best
}

// NewDefinitionID returns a short unique definition identifier.
func NewDefinitionID() string {
	return fmt.Sprintf("sla-%s", uuid.New().String()[:8])
}

// NewBreachID returns a short unique breach identifier.
func NewBreachID() string {
	return fmt.Sprintf("brc-%s", uuid.New().String()[:8])
}
