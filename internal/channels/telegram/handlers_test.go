// ABOUTME: Tests for the Telegram command surface
// ABOUTME: Keeps user-facing command text in the plain-hyphen register

package telegram

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHelpTextListsCommands(t *testing.T) {
	assert.Contains(t, helpText, "/start <token> - Bind this chat")
	assert.Contains(t, helpText, "/unbind - Detach this chat")
	assert.Contains(t, helpText, "/help - Show this help")
	assert.NotContains(t, helpText, "—")
}
