package adapter

import (
	"fmt"
)

// WebhookAdapter normalizes generic webhook deliveries. Senders
// provide an event identifier plus an arbitrary data object.
type WebhookAdapter struct{}

// NewWebhookAdapter creates the webhook adapter.
func NewWebhookAdapter() *WebhookAdapter {
	return &WebhookAdapter{}
}

// Source implements Adapter.
func (a *WebhookAdapter) Source() string { return "webhook" }

// Normalize implements Adapter. Accepts either "event_type" or the
// common "event" alias; the payload's "data" object is lifted to the
// top level under "data" unchanged.
func (a *WebhookAdapter) Normalize(raw map[string]any) (map[string]any, error) {
	eventType := optionalString(raw, "event_type")
	if eventType == "" {
		eventType = optionalString(raw, "event")
	}
	if eventType == "" {
		return nil, fmt.Errorf("%w: missing event_type", ErrInvalidPayload)
	}

	normalized := map[string]any{
		"event_type": eventType,
	}
	if data, ok := raw["data"].(map[string]any); ok {
		normalized["data"] = data
	} else {
		// No data envelope: carry remaining fields as data.
		data := make(map[string]any)
		for k, v := range raw {
			if k == "event" || k == "event_type" {
				continue
			}
			data[k] = v
		}
		normalized["data"] = data
	}
	if ref := optionalString(raw, "reference"); ref != "" {
		normalized["reference"] = ref
	}
	return normalized, nil
}
