package adapter

import (
	"fmt"
	"strings"
)

// EmailAdapter normalizes inbound email events. HTML bodies are
// converted to markdown so rule conditions and workflow steps operate
// on readable text instead of markup.
type EmailAdapter struct {
	converter *Converter
}

// NewEmailAdapter creates the email adapter.
func NewEmailAdapter() *EmailAdapter {
	return &EmailAdapter{
		converter: NewConverter(),
	}
}

// Source implements Adapter.
func (a *EmailAdapter) Source() string { return "email" }

// Normalize implements Adapter. Requires "from"; prefers "body_html"
// over "body_text" for the body, converting HTML to markdown. The
// subject falls back to the HTML <title> when absent.
func (a *EmailAdapter) Normalize(raw map[string]any) (map[string]any, error) {
	from, err := requireString(raw, "from")
	if err != nil {
		return nil, err
	}

	subject := optionalString(raw, "subject")
	body := optionalString(raw, "body_text")
	bodyFormat := "text"

	if bodyHTML := optionalString(raw, "body_html"); bodyHTML != "" {
		result, err := a.converter.Convert(bodyHTML)
		if err != nil {
			return nil, fmt.Errorf("%w: convert html body: %v", ErrInvalidPayload, err)
		}
		body = result.Markdown
		bodyFormat = "markdown"
		if subject == "" {
			subject = result.Title
		}
	}

	if body == "" && subject == "" {
		return nil, fmt.Errorf("%w: email requires a subject or body", ErrInvalidPayload)
	}

	normalized := map[string]any{
		"event_type":  "email.received",
		"from":        strings.ToLower(strings.TrimSpace(from)),
		"subject":     subject,
		"body":        body,
		"body_format": bodyFormat,
	}
	if to := optionalString(raw, "to"); to != "" {
		normalized["to"] = strings.ToLower(strings.TrimSpace(to))
	}
	if replyTo := optionalString(raw, "reply_to"); replyTo != "" {
		normalized["reply_to"] = strings.ToLower(strings.TrimSpace(replyTo))
	}
	return normalized, nil
}
