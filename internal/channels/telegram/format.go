// ABOUTME: Renders prompt excerpts into Telegram-flavored HTML
// ABOUTME: Converts markdown via goldmark, then reduces to the tags Telegram accepts

package telegram

import (
	"bytes"
	"html"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/atlasbridge/atlasbridge/internal/channels"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.Strikethrough),
)

// Telegram accepts only a small tag set; everything else must go.
// https://core.telegram.org/bots/api#html-style
var (
	tagRewrites = []struct {
		pattern *regexp.Regexp
		repl    string
	}{
		{regexp.MustCompile(`(?s)<p>(.*?)</p>`), "$1\n"},
		{regexp.MustCompile(`<strong>`), "<b>"},
		{regexp.MustCompile(`</strong>`), "</b>"},
		{regexp.MustCompile(`<em>`), "<i>"},
		{regexp.MustCompile(`</em>`), "</i>"},
		{regexp.MustCompile(`<del>`), "<s>"},
		{regexp.MustCompile(`</del>`), "</s>"},
		{regexp.MustCompile(`(?s)<pre><code[^>]*>(.*?)</code></pre>`), "<pre>$1</pre>"},
		{regexp.MustCompile(`<li>`), "• "},
		{regexp.MustCompile(`</li>`), "\n"},
	}
	allowedTag   = regexp.MustCompile(`^</?(b|i|s|u|code|pre|a( href="[^"]*")?)>$`)
	anyTag       = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)
	excessBlanks = regexp.MustCompile(`\n{3,}`)
)

// toHTML converts markdown text into Telegram-safe HTML. Conversion failures
// fall back to escaped plain text.
func toHTML(text string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return html.EscapeString(text)
	}

	out := buf.String()
	for _, rw := range tagRewrites {
		out = rw.pattern.ReplaceAllString(out, rw.repl)
	}

	// Drop every tag Telegram does not understand.
	out = anyTag.ReplaceAllStringFunc(out, func(tag string) string {
		if allowedTag.MatchString(tag) {
			return tag
		}
		return ""
	})

	out = excessBlanks.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

// renderPrompt builds the notification body for a pending prompt.
func renderPrompt(n channels.Notification) string {
	var b strings.Builder
	b.WriteString("<b>The agent is asking:</b>\n\n")
	b.WriteString(toHTML(n.Excerpt))
	if len(buttonValues(n)) == 0 {
		b.WriteString("\n\nReply in this chat to answer.")
	}
	return b.String()
}
