// ABOUTME: Tests for Telegram HTML rendering and callback data encoding
// ABOUTME: Exercises the markdown conversion, tag filtering, and button wiring

package telegram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasbridge/atlasbridge/internal/channels"
	"github.com/atlasbridge/atlasbridge/internal/prompt"
)

func TestToHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text", "hello world", "hello world"},
		{"bold", "**important**", "<b>important</b>"},
		{"italic", "*maybe*", "<i>maybe</i>"},
		{"strikethrough", "~~gone~~", "<s>gone</s>"},
		{"inline code", "run `go test`", "run <code>go test</code>"},
		{"heading stripped", "# Title", "Title"},
		{"list items", "- one\n- two", "• one\n• two"},
		{"escapes html", "a < b & c > d", "a &lt; b &amp; c &gt; d"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, toHTML(tt.in))
		})
	}
}

func TestToHTML_CodeBlock(t *testing.T) {
	out := toHTML("```\ngo build ./...\n```")
	assert.Contains(t, out, "<pre>")
	assert.Contains(t, out, "go build ./...")
	assert.NotContains(t, out, "<code class")
}

func TestRenderPrompt_FreeText(t *testing.T) {
	out := renderPrompt(channels.Notification{
		PromptID: "p1",
		Type:     prompt.TypeFreeText,
		Excerpt:  "What branch name should I use?",
	})
	assert.Contains(t, out, "What branch name should I use?")
	assert.Contains(t, out, "Reply in this chat to answer.")
}

func TestRenderPrompt_YesNoHasNoReplyFooter(t *testing.T) {
	out := renderPrompt(channels.Notification{
		PromptID: "p1",
		Type:     prompt.TypeYesNo,
		Excerpt:  "Continue?",
	})
	assert.NotContains(t, out, "Reply in this chat")
}

func TestButtonValues(t *testing.T) {
	assert.Equal(t, []string{"yes", "no"}, buttonValues(channels.Notification{Type: prompt.TypeYesNo}))
	assert.Equal(t, []string{"fast", "careful"}, buttonValues(channels.Notification{
		Type:    prompt.TypeMultipleChoice,
		Choices: []string{"fast", "careful"},
	}))
	assert.Nil(t, buttonValues(channels.Notification{Type: prompt.TypeFreeText}))
}

func TestCallbackRoundTrip(t *testing.T) {
	data := encodeCallback("prompt-abc", 2)
	assert.LessOrEqual(t, len(data), 64, "telegram caps callback data at 64 bytes")

	id, index, err := parseCallback(data)
	require.NoError(t, err)
	assert.Equal(t, "prompt-abc", id)
	assert.Equal(t, 2, index)
}

func TestParseCallback_Malformed(t *testing.T) {
	for _, data := range []string{"", "p|", "p|id", "x|id|0", "p|id|notanumber", "p||0"} {
		_, _, err := parseCallback(data)
		assert.Error(t, err, "data %q", data)
	}
}
