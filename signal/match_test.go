package signal

import "testing"

func TestRouteMatches(t *testing.T) {
	payload := map[string]any{
		"event_type": "form.submitted",
		"form_id":    "contact-us",
		"fields": map[string]any{
			"budget": 5000.0,
			"region": "EMEA",
		},
	}

	tests := []struct {
		name     string
		criteria map[string]any
		want     bool
	}{
		{
			name:     "empty criteria match everything",
			criteria: nil,
			want:     true,
		},
		{
			name:     "field equality",
			criteria: map[string]any{"form_id": "contact-us"},
			want:     true,
		},
		{
			name:     "field equality mismatch",
			criteria: map[string]any{"form_id": "careers"},
			want:     false,
		},
		{
			name:     "nested path equality",
			criteria: map[string]any{"fields.region": "EMEA"},
			want:     true,
		},
		{
			name:     "numeric equality int criterion vs float payload",
			criteria: map[string]any{"fields.budget": 5000},
			want:     true,
		},
		{
			name:     "wildcard presence",
			criteria: map[string]any{"fields.budget": "*"},
			want:     true,
		},
		{
			name:     "wildcard absent field",
			criteria: map[string]any{"fields.deadline": "*"},
			want:     false,
		},
		{
			name:     "containment hit",
			criteria: map[string]any{"fields.region": []any{"EMEA", "APAC"}},
			want:     true,
		},
		{
			name:     "containment miss",
			criteria: map[string]any{"fields.region": []any{"AMER", "APAC"}},
			want:     false,
		},
		{
			name: "all criteria must hold",
			criteria: map[string]any{
				"form_id":       "contact-us",
				"fields.region": "AMER",
			},
			want: false,
		},
		{
			name:     "missing path fails",
			criteria: map[string]any{"fields.budget.currency": "EUR"},
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route := &Route{MatchCriteria: tt.criteria}
			if got := route.Matches(payload); got != tt.want {
				t.Fatalf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLookupPath(t *testing.T) {
	payload := map[string]any{
		"a": map[string]any{"b": map[string]any{"c": 1.0}},
	}

	if v, ok := LookupPath(payload, "a.b.c"); !ok || v != 1.0 {
		t.Fatalf("expected 1.0, got %v ok=%v", v, ok)
	}
	if _, ok := LookupPath(payload, "a.b.c.d"); ok {
		t.Fatal("descending through a scalar should fail")
	}
	if _, ok := LookupPath(payload, ""); ok {
		t.Fatal("empty path should fail")
	}
}
