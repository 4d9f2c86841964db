package adapter

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryDefaults(t *testing.T) {
	r := NewRegistry()

	for _, source := range []string{"webhook", "email", "form", "webpage"} {
		a, ok := r.Get(source)
		require.True(t, ok, "expected default adapter for %s", source)
		assert.Equal(t, source, a.Source())
	}

	_, ok := r.Get("carrier-pigeon")
	assert.False(t, ok)
}

func TestRegistryReplace(t *testing.T) {
	r := NewRegistry()
	custom := &WebhookAdapter{}
	r.Register(custom)

	got, ok := r.Get("webhook")
	require.True(t, ok)
	assert.Same(t, custom, got)
	assert.Len(t, r.Sources(), 4)
}

func TestWebhookNormalize(t *testing.T) {
	a := NewWebhookAdapter()

	tests := []struct {
		name    string
		raw     map[string]any
		want    map[string]any
		wantErr bool
	}{
		{
			name: "event_type with data envelope",
			raw: map[string]any{
				"event_type": "invoice.paid",
				"data":       map[string]any{"invoice_id": "inv-1", "amount": 250.0},
			},
			want: map[string]any{
				"event_type": "invoice.paid",
				"data":       map[string]any{"invoice_id": "inv-1", "amount": 250.0},
			},
		},
		{
			name: "event alias and flat fields",
			raw: map[string]any{
				"event":  "task.completed",
				"task":   "t-9",
				"actor":  "u-2",
			},
			want: map[string]any{
				"event_type": "task.completed",
				"data":       map[string]any{"task": "t-9", "actor": "u-2"},
			},
		},
		{
			name:    "missing event type",
			raw:     map[string]any{"data": map[string]any{}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.Normalize(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidPayload))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormNormalize(t *testing.T) {
	a := NewFormAdapter()

	got, err := a.Normalize(map[string]any{
		"form_id":   "contact-us",
		"form_name": "Contact Us",
		"fields": map[string]any{
			"name":    "  Ada Lovelace  ",
			"budget":  5000.0,
			"message": "Need a site refresh",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "form.submitted", got["event_type"])
	assert.Equal(t, "contact-us", got["form_id"])

	fields := got["fields"].(map[string]any)
	assert.Equal(t, "Ada Lovelace", fields["name"])
	assert.Equal(t, 5000.0, fields["budget"])

	_, err = a.Normalize(map[string]any{"form_id": "x", "fields": map[string]any{}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidPayload))

	_, err = a.Normalize(map[string]any{"fields": map[string]any{"a": "b"}})
	require.Error(t, err)
}
