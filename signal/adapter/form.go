package adapter

import (
	"fmt"
	"strings"
)

// FormAdapter normalizes form-submission events from client-facing
// intake forms.
type FormAdapter struct{}

// NewFormAdapter creates the form adapter.
func NewFormAdapter() *FormAdapter {
	return &FormAdapter{}
}

// Source implements Adapter.
func (a *FormAdapter) Source() string { return "form" }

// Normalize implements Adapter. Requires "form_id" and a "fields"
// object; string field values are trimmed.
func (a *FormAdapter) Normalize(raw map[string]any) (map[string]any, error) {
	formID, err := requireString(raw, "form_id")
	if err != nil {
		return nil, err
	}

	rawFields, ok := raw["fields"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: field %q must be an object", ErrInvalidPayload, "fields")
	}
	if len(rawFields) == 0 {
		return nil, fmt.Errorf("%w: form submission has no fields", ErrInvalidPayload)
	}

	fields := make(map[string]any, len(rawFields))
	for k, v := range rawFields {
		if s, isString := v.(string); isString {
			fields[k] = strings.TrimSpace(s)
			continue
		}
		fields[k] = v
	}

	normalized := map[string]any{
		"event_type": "form.submitted",
		"form_id":    formID,
		"fields":     fields,
	}
	if name := optionalString(raw, "form_name"); name != "" {
		normalized["form_name"] = name
	}
	return normalized, nil
}
