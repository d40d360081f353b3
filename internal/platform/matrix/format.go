// ABOUTME: Renders outbound Markdown text into Matrix HTML message content
// ABOUTME: Plain text without markup is sent without a formatted body

package matrix

import (
	"bytes"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"maunium.net/go/mautrix/event"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.Strikethrough, extension.Linkify))

func messageContent(text string) *event.MessageEventContent {
	content := &event.MessageEventContent{MsgType: event.MsgText, Body: text}
	if formatted, ok := renderMarkdown(text); ok {
		content.Format = event.FormatHTML
		content.FormattedBody = formatted
	}
	return content
}

// renderMarkdown returns the HTML for text, or false when the HTML would add
// nothing over the plain body.
func renderMarkdown(text string) (string, bool) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return "", false
	}
	out := strings.TrimSpace(buf.String())
	plain := "<p>" + html.EscapeString(strings.TrimSpace(text)) + "</p>"
	if out == "" || out == plain {
		return "", false
	}
	return out, true
}
