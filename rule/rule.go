// Package rule provides versioned, tenant-scoped automation rules and
// the engine that evaluates them. Rules never perform side effects:
// evaluation returns the actions that fired and the caller executes
// them.
package rule

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// VersionStatus is the lifecycle state of a rule version.
type VersionStatus string

const (
	VersionDraft     VersionStatus = "draft"
	VersionPublished VersionStatus = "published"
	VersionRetired   VersionStatus = "retired"
)

// ConditionLogic combines a version's condition results.
type ConditionLogic string

const (
	// LogicAll is logical AND; short-circuits on the first false.
	LogicAll ConditionLogic = "all"
	// LogicAny is logical OR; short-circuits on the first true.
	LogicAny ConditionLogic = "any"
)

// Scope names the data surface a condition reads from.
type Scope string

const (
	ScopeSignal     Scope = "signal"     // the triggering payload
	ScopeContext    Scope = "context"    // execution-local variables
	ScopeHistory    Scope = "history"    // prior resource states
	ScopeAggregated Scope = "aggregated" // windowed aggregates
)

// Operator is the comparison applied by a condition.
type Operator string

const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "not_equals"
	OpGreaterThan        Operator = "greater_than"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpLessThan           Operator = "less_than"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
	OpContains           Operator = "contains"
	OpNotContains        Operator = "not_contains"
	OpIn                 Operator = "in"
	OpRegex              Operator = "regex"
	OpCrossesAbove       Operator = "crosses_above"
	OpCrossesBelow       Operator = "crosses_below"
)

// knownOperators rejects unknown variants at validation time instead
// of silently never matching.
var knownOperators = map[Operator]bool{
	OpEquals: true, OpNotEquals: true,
	OpGreaterThan: true, OpGreaterThanOrEqual: true,
	OpLessThan: true, OpLessThanOrEqual: true,
	OpContains: true, OpNotContains: true,
	OpIn: true, OpRegex: true,
	OpCrossesAbove: true, OpCrossesBelow: true,
}

// knownScopes mirrors knownOperators for condition scopes.
var knownScopes = map[Scope]bool{
	ScopeSignal: true, ScopeContext: true,
	ScopeHistory: true, ScopeAggregated: true,
}

// WorkflowRule is the rule aggregate: identity plus every version.
// The whole aggregate is stored as one value so publishing is a
// single-key compare-and-set.
type WorkflowRule struct {
	ID          string `json:"id"`
	AgencyID    string `json:"agency_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// DefaultVersionID names the published version evaluations run
	// against. Empty until a version is published.
	DefaultVersionID string `json:"default_version_id,omitempty"`

	Versions  []*Version `json:"versions"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Version is an immutable-once-published snapshot of conditions and
// actions.
type Version struct {
	ID       string `json:"id"`
	RuleID   string `json:"rule_id"`
	AgencyID string `json:"agency_id"`

	// Version is the monotonically increasing version number.
	Version int `json:"version"`

	Status         VersionStatus  `json:"status"`
	ConditionLogic ConditionLogic `json:"condition_logic"`

	ThresholdConfig *ThresholdConfig `json:"threshold_config,omitempty"`
	LifecycleConfig map[string]any   `json:"lifecycle_config,omitempty"`
	AnomalyConfig   map[string]any   `json:"anomaly_config,omitempty"`

	Conditions []Condition `json:"conditions"`
	Actions    []Action    `json:"actions"`

	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// ThresholdConfig tunes threshold-crossing operators.
type ThresholdConfig struct {
	// CooldownMinutes suppresses refiring for the given period after
	// a crossing. Zero disables the cooldown.
	CooldownMinutes int `json:"cooldown_minutes,omitempty"`
}

// Condition is one predicate within a version.
type Condition struct {
	Order     int    `json:"order"`
	FieldPath string `json:"field_path"`

	Operator        Operator      `json:"operator"`
	ComparisonValue any           `json:"comparison_value,omitempty"`
	WindowConfig    *WindowConfig `json:"window_config,omitempty"`
	Scope           Scope         `json:"scope"`
}

// WindowConfig selects the aggregation window for aggregated-scope
// conditions (the caller computes the aggregates).
type WindowConfig struct {
	// Window is a duration string, e.g. "24h".
	Window string `json:"window"`
	// Metric names the aggregate, e.g. "count".
	Metric string `json:"metric,omitempty"`
}

// Action is a side effect the caller executes when a version matches.
type Action struct {
	Order        int            `json:"order"`
	ActionType   string         `json:"action_type"`
	ActionConfig map[string]any `json:"action_config,omitempty"`
}

// Validate checks a condition's declared shape.
func (c *Condition) Validate() error {
	if c.FieldPath == "" {
		return fmt.Errorf("condition %d: field_path is required", c.Order)
	}
	if !knownOperators[c.Operator] {
		return fmt.Errorf("condition %d: unknown operator %q", c.Order, c.Operator)
	}
	if !knownScopes[c.Scope] {
		return fmt.Errorf("condition %d: unknown scope %q", c.Order, c.Scope)
	}
	return nil
}

// Validate checks a version's shape before persisting.
func (v *Version) Validate() error {
	if v.ConditionLogic != LogicAll && v.ConditionLogic != LogicAny {
		return fmt.Errorf("condition_logic must be all or any, got %q", v.ConditionLogic)
	}
	for i := range v.Conditions {
		if err := v.Conditions[i].Validate(); err != nil {
			return err
		}
	}
	for i := range v.Actions {
		if v.Actions[i].ActionType == "" {
			return fmt.Errorf("action %d: action_type is required", v.Actions[i].Order)
		}
	}
	return nil
}

// FindVersion returns the version with the given id, or nil.
func (r *WorkflowRule) FindVersion(versionID string) *Version {
	for _, v := range r.Versions {
		if v.ID == versionID {
			return v
		}
	}
	return nil
}

// DefaultVersion returns the current published default version, or nil
// when none is published.
func (r *WorkflowRule) DefaultVersion() *Version {
	if r.DefaultVersionID == "" {
		return nil
	}
	return r.FindVersion(r.DefaultVersionID)
}

// NextVersionNumber returns the next monotonic version number.
func (r *WorkflowRule) NextVersionNumber() int {
	max := 0
	for _, v := range r.Versions {
		if v.Version > max {
			max = v.Version
		}
	}
	return max + 1
}

// NewRuleID returns a short unique rule identifier.
func NewRuleID() string {
	return fmt.Sprintf("rul-%s", uuid.New().String()[:8])
}

// NewVersionID returns a short unique rule-version identifier.
func NewVersionID() string {
	return fmt.Sprintf("rv-%s", uuid.New().String()[:8])
}
