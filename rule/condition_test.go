package rule

import (
	"strings"
	"testing"
)

func TestEvaluateCondition(t *testing.T) {
	evalCtx := &Context{
		Signal: map[string]any{
			"age":     float64(20),
			"country": "US",
			"email":   "ops@example.com",
			"tags":    []any{"vip", "priority"},
			"nested":  map[string]any{"score": float64(7)},
			"cpu":     float64(85),
		},
		Vars: map[string]any{
			"attempt": float64(3),
		},
		History: map[string]any{
			"cpu":    float64(60),
			"status": "open",
		},
		Aggregates: map[string]any{
			"breach_count": float64(4),
		},
	}

	tests := []struct {
		name    string
		cond    Condition
		want    bool
		wantErr string
	}{
		{
			name: "equals string match",
			cond: Condition{FieldPath: "country", Operator: OpEquals, ComparisonValue: "US", Scope: ScopeSignal},
			want: true,
		},
		{
			name: "equals normalizes int and float",
			cond: Condition{FieldPath: "age", Operator: OpEquals, ComparisonValue: 20, Scope: ScopeSignal},
			want: true,
		},
		{
			name: "not_equals",
			cond: Condition{FieldPath: "country", Operator: OpNotEquals, ComparisonValue: "CA", Scope: ScopeSignal},
			want: true,
		},
		{
			name: "greater_than true",
			cond: Condition{FieldPath: "age", Operator: OpGreaterThan, ComparisonValue: 18, Scope: ScopeSignal},
			want: true,
		},
		{
			name: "greater_than boundary is false",
			cond: Condition{FieldPath: "age", Operator: OpGreaterThan, ComparisonValue: 20, Scope: ScopeSignal},
			want: false,
		},
		{
			name: "greater_than_or_equal boundary",
			cond: Condition{FieldPath: "age", Operator: OpGreaterThanOrEqual, ComparisonValue: 20, Scope: ScopeSignal},
			want: true,
		},
		{
			name: "less_than_or_equal",
			cond: Condition{FieldPath: "age", Operator: OpLessThanOrEqual, ComparisonValue: 19, Scope: ScopeSignal},
			want: false,
		},
		{
			name: "contains substring",
			cond: Condition{FieldPath: "email", Operator: OpContains, ComparisonValue: "@example.", Scope: ScopeSignal},
			want: true,
		},
		{
			name: "contains list membership",
			cond: Condition{FieldPath: "tags", Operator: OpContains, ComparisonValue: "vip", Scope: ScopeSignal},
			want: true,
		},
		{
			name: "not_contains",
			cond: Condition{FieldPath: "tags", Operator: OpNotContains, ComparisonValue: "internal", Scope: ScopeSignal},
			want: true,
		},
		{
			name: "in list",
			cond: Condition{FieldPath: "country", Operator: OpIn, ComparisonValue: []any{"US", "CA"}, Scope: ScopeSignal},
			want: true,
		},
		{
			name: "in list miss",
			cond: Condition{FieldPath: "country", Operator: OpIn, ComparisonValue: []any{"DE", "FR"}, Scope: ScopeSignal},
			want: false,
		},
		{
			name: "regex match",
			cond: Condition{FieldPath: "email", Operator: OpRegex, ComparisonValue: `^[a-z]+@example\.com$`, Scope: ScopeSignal},
			want: true,
		},
		{
			name:    "regex invalid pattern fails closed",
			cond:    Condition{FieldPath: "email", Operator: OpRegex, ComparisonValue: `([`, Scope: ScopeSignal},
			want:    false,
			wantErr: "invalid pattern",
		},
		{
			name: "crosses_above fires on transition",
			cond: Condition{FieldPath: "cpu", Operator: OpCrossesAbove, ComparisonValue: 80, Scope: ScopeSignal},
			want: true,
		},
		{
			name: "crosses_above quiet when already above",
			cond: Condition{FieldPath: "cpu", Operator: OpCrossesAbove, ComparisonValue: 50, Scope: ScopeSignal},
			want: false,
		},
		{
			name: "crosses_below requires downward transition",
			cond: Condition{FieldPath: "cpu", Operator: OpCrossesBelow, ComparisonValue: 80, Scope: ScopeSignal},
			want: false,
		},
		{
			name: "context scope",
			cond: Condition{FieldPath: "attempt", Operator: OpGreaterThanOrEqual, ComparisonValue: 3, Scope: ScopeContext},
			want: true,
		},
		{
			name: "history scope",
			cond: Condition{FieldPath: "status", Operator: OpEquals, ComparisonValue: "open", Scope: ScopeHistory},
			want: true,
		},
		{
			name: "aggregated scope",
			cond: Condition{FieldPath: "breach_count", Operator: OpGreaterThan, ComparisonValue: 3, Scope: ScopeAggregated},
			want: true,
		},
		{
			name: "nested dot path",
			cond: Condition{FieldPath: "nested.score", Operator: OpLessThan, ComparisonValue: 10, Scope: ScopeSignal},
			want: true,
		},
		{
			name:    "missing field fails closed",
			cond:    Condition{FieldPath: "missing", Operator: OpEquals, ComparisonValue: "x", Scope: ScopeSignal},
			want:    false,
			wantErr: "not present",
		},
		{
			name:    "type mismatch fails closed",
			cond:    Condition{FieldPath: "country", Operator: OpGreaterThan, ComparisonValue: 5, Scope: ScopeSignal},
			want:    false,
			wantErr: "requires numbers or strings",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evaluateCondition(&tt.cond, evalCtx)
			if got != tt.want {
				t.Errorf("matched = %v, want %v", got, tt.want)
			}
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
			} else {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("error = %v, want containing %q", err, tt.wantErr)
				}
			}
		})
	}
}

func TestResolveScopes(t *testing.T) {
	c := &Context{Signal: map[string]any{"a": float64(1)}}

	if _, ok := c.Resolve(ScopeContext, "a"); ok {
		t.Error("nil scope surface should not resolve")
	}
	if v, ok := c.Resolve(ScopeSignal, "a"); !ok || v != float64(1) {
		t.Errorf("Resolve(signal, a) = %v, %v", v, ok)
	}
	if _, ok := c.Resolve(Scope("bogus"), "a"); ok {
		t.Error("unknown scope should not resolve")
	}
}
