// ABOUTME: Channel abstraction connecting chat platforms to the routing core
// ABOUTME: Adapters translate platform updates into core calls and deliver notifications back

package channels

import (
	"context"

	"github.com/atlasbridge/atlasbridge/internal/conversation"
	"github.com/atlasbridge/atlasbridge/internal/prompt"
	"github.com/atlasbridge/atlasbridge/internal/router"
)

// Core is the slice of the routing core a channel adapter talks to. The
// adapter authenticates and decodes platform updates; everything after that
// is the core's decision.
type Core interface {
	HandleIncomingMessage(ctx context.Context, channel, threadID, identity string, msg router.Message) router.Outcome
	HandleCallback(ctx context.Context, channel, threadID, identity, promptID, value string) router.Outcome
	BindThread(channel, threadID, sessionID, identity string) (conversation.Binding, error)
	UnbindThread(channel, threadID string) error
}

// Notification is an outbound prompt delivery: the question an agent session
// asked, rendered into a thread with answer affordances.
type Notification struct {
	PromptID string
	Type     prompt.Type
	Excerpt  string
	Choices  []string
}

// Channel is one chat platform adapter.
type Channel interface {
	// Name returns the channel identifier (e.g. "telegram").
	Name() string

	// Start begins listening for updates. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// SendText delivers a plain informational message to a thread.
	SendText(ctx context.Context, threadID, text string) error

	// NotifyPrompt delivers a pending prompt to a thread with answer buttons.
	NotifyPrompt(ctx context.Context, threadID string, n Notification) error
}
