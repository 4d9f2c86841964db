package adapter

import (
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"golang.org/x/net/html"
)

// Pre-compiled regexes; runtime compilation of user-influenced
// patterns risks ReDoS.
var (
	scriptRe         = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe          = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	excessiveLinesRe = regexp.MustCompile(`\n{4,}`)
)

// ConvertResult contains the result of HTML-to-markdown conversion.
type ConvertResult struct {
	Title    string
	Markdown string
}

// Converter converts HTML message bodies into markdown for the
// canonical payload.
type Converter struct {
	converter *md.Converter
}

// NewConverter creates an HTML-to-markdown converter.
func NewConverter() *Converter {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())

	return &Converter{
		converter: converter,
	}
}

// Convert transforms HTML content to markdown, extracting the document
// title when one is present.
func (c *Converter) Convert(htmlContent string) (*ConvertResult, error) {
	title := extractHTMLTitle(htmlContent)

	cleaned := scriptRe.ReplaceAllString(htmlContent, "")
	cleaned = styleRe.ReplaceAllString(cleaned, "")

	markdown, err := c.converter.ConvertString(cleaned)
	if err != nil {
		return nil, err
	}

	markdown = excessiveLinesRe.ReplaceAllString(markdown, "\n\n\n")
	markdown = strings.TrimSpace(markdown)

	return &ConvertResult{
		Title:    title,
		Markdown: markdown,
	}, nil
}

// extractHTMLTitle extracts the <title> text from HTML.
func extractHTMLTitle(content string) string {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return ""
	}

	var title string
	var extract func(*html.Node)
	extract = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.TrimSpace(n.FirstChild.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if title != "" {
				return
			}
			extract(c)
		}
	}
	extract(doc)

	return title
}
