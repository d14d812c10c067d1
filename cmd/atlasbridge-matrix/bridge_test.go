// ABOUTME: Tests for prompt rendering and numbered-reply mapping
// ABOUTME: Exercises the bridge's choice handling without a Matrix connection

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveChoiceReply_MapsNumberToChoice(t *testing.T) {
	b := &Bridge{}
	b.pending.Store("!room:example.org", PendingPrompt{
		PromptID: "p1",
		Choices:  []string{"Keep both", "Overwrite", "Abort"},
	})

	assert.Equal(t, "Keep both", b.resolveChoiceReply("!room:example.org", "1"))
	assert.Equal(t, "Abort", b.resolveChoiceReply("!room:example.org", " 3 "))
}

func TestResolveChoiceReply_PassesThroughNonNumbers(t *testing.T) {
	b := &Bridge{}
	b.pending.Store("!room:example.org", PendingPrompt{
		PromptID: "p1",
		Choices:  []string{"Keep both", "Overwrite"},
	})

	assert.Equal(t, "Overwrite", b.resolveChoiceReply("!room:example.org", "Overwrite"))
	assert.Equal(t, "0", b.resolveChoiceReply("!room:example.org", "0"))
	assert.Equal(t, "5", b.resolveChoiceReply("!room:example.org", "5"))
}

func TestResolveChoiceReply_NoPendingPrompt(t *testing.T) {
	b := &Bridge{}
	assert.Equal(t, "2", b.resolveChoiceReply("!room:example.org", "2"))
}

func TestRenderPrompt_NumbersChoices(t *testing.T) {
	text := renderPrompt(PendingPrompt{
		Excerpt: "Apply this migration?",
		Choices: []string{"Yes", "No"},
	})

	assert.Contains(t, text, "Apply this migration?")
	assert.Contains(t, text, "1) Yes")
	assert.Contains(t, text, "2) No")
}
