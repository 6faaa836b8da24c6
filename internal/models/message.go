package models

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Streaming states of a rendered message, used by the templates to decide how to display it.
const (
	StreamingStateLoading   = "loading"
	StreamingStateStreaming = "streaming"
	StreamingStateEnded     = "ended"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		highlighting.NewHighlighting(highlighting.WithStyle("github")),
	),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// RenderMarkdown converts the markdown produced by the assistant into HTML. Raw HTML in the source
// is not passed through.
func RenderMarkdown(src string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("error rendering markdown: %w", err)
	}
	return buf.String(), nil
}

// RenderArticles renders the list of similar articles as a markdown list. It returns an empty string
// if there are no articles.
func RenderArticles(articles []Article) string {
	if len(articles) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("**Similar articles:**\n")
	for _, a := range articles {
		title := a.Title
		if title == "" {
			title = "Untitled"
		}
		if a.Link != "" {
			sb.WriteString(fmt.Sprintf("- [%s](%s)", title, a.Link))
		} else {
			sb.WriteString(fmt.Sprintf("- %s", title))
		}
		if a.Authors != "" {
			sb.WriteString(fmt.Sprintf(" by %s", a.Authors))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
