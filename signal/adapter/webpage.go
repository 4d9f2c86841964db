package adapter

import (
	"fmt"
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
)

// maxExcerptLen bounds the extracted text carried in the payload.
const maxExcerptLen = 4000

// WebpageAdapter normalizes page-capture events from website
// monitors. Captures carry the raw page HTML; the adapter extracts
// the readable title and text so downstream rules match on content.
type WebpageAdapter struct{}

// NewWebpageAdapter creates the webpage adapter.
func NewWebpageAdapter() *WebpageAdapter {
	return &WebpageAdapter{}
}

// Source implements Adapter.
func (a *WebpageAdapter) Source() string { return "webpage" }

// Normalize implements Adapter. Requires "url" and "html".
func (a *WebpageAdapter) Normalize(raw map[string]any) (map[string]any, error) {
	pageURL, err := requireString(raw, "url")
	if err != nil {
		return nil, err
	}
	pageHTML, err := requireString(raw, "html")
	if err != nil {
		return nil, err
	}

	parsed, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid url: %v", ErrInvalidPayload, err)
	}

	article, err := readability.FromReader(strings.NewReader(pageHTML), parsed)
	if err != nil {
		return nil, fmt.Errorf("%w: extract page content: %v", ErrInvalidPayload, err)
	}

	text := strings.TrimSpace(article.TextContent)
	if len(text) > maxExcerptLen {
		text = text[:maxExcerptLen]
	}

	normalized := map[string]any{
		"event_type": "page.captured",
		"url":        pageURL,
		"title":      article.Title,
		"text":       text,
	}
	if article.Excerpt != "" {
		normalized["excerpt"] = article.Excerpt
	}
	if article.SiteName != "" {
		normalized["site_name"] = article.SiteName
	}
	return normalized, nil
}
