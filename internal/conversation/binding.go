// ABOUTME: ConversationBinding record and its state machine
// ABOUTME: Bindings link one external (channel, thread) to one agent session

package conversation

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of a conversation binding.
type State string

// Binding states. Stopped is terminal.
const (
	StateIdle          State = "idle"
	StateRunning       State = "running"
	StateStreaming     State = "streaming"
	StateAwaitingInput State = "awaiting_input"
	StateStopped       State = "stopped"
)

// validTransitions is the closed transition table. Any (from, to) pair not
// listed here is rejected with InvalidTransitionError.
var validTransitions = map[State]map[State]bool{
	StateIdle: {
		StateRunning: true,
		StateStopped: true,
	},
	StateRunning: {
		StateStreaming:     true,
		StateAwaitingInput: true,
		StateStopped:       true,
	},
	StateStreaming: {
		StateRunning:       true,
		StateAwaitingInput: true,
		StateStopped:       true,
	},
	StateAwaitingInput: {
		StateRunning: true,
		StateStopped: true,
	},
	StateStopped: {},
}

// CanTransition reports whether from → to is a legal state change.
func CanTransition(from, to State) bool {
	return validTransitions[from][to]
}

// InvalidTransitionError reports a rejected state change. The binding keeps
// its prior state when this is returned.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

// ErrPromptRequired is returned when entering awaiting_input without a prompt ID.
var ErrPromptRequired = errors.New("awaiting_input requires an active prompt id")

// Key identifies a binding: one external conversation thread on one channel.
type Key struct {
	Channel  string
	ThreadID string
}

func (k Key) String() string {
	return k.Channel + ":" + k.ThreadID
}

// Binding links an external conversation thread to an internal agent session.
// A binding is only ever mutated under the registry's per-key serialization.
type Binding struct {
	Channel        string
	ThreadID       string
	SessionID      string
	Identity       string
	State          State
	ActivePromptID string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Key returns the registry key for this binding.
func (b *Binding) Key() Key {
	return Key{Channel: b.Channel, ThreadID: b.ThreadID}
}

// Age returns how long the binding has been inactive as of now.
func (b *Binding) Age(now time.Time) time.Duration {
	return now.Sub(b.LastActivityAt)
}

// Expired reports whether the binding has exceeded the inactivity TTL.
// An expired binding is no longer valid for routing even if not yet swept.
func (b *Binding) Expired(now time.Time, ttl time.Duration) bool {
	return b.Age(now) > ttl
}

// Transition moves the binding to a non-awaiting state. On success the
// active prompt is cleared and last activity is bumped; on failure the
// binding is untouched.
func (b *Binding) Transition(to State, now time.Time) error {
	if to == StateAwaitingInput {
		return ErrPromptRequired
	}
	return b.apply(to, "", now)
}

// AwaitInput moves the binding into awaiting_input with the given pending
// prompt. The active prompt is set iff this transition succeeds.
func (b *Binding) AwaitInput(promptID string, now time.Time) error {
	if promptID == "" {
		return ErrPromptRequired
	}
	return b.apply(StateAwaitingInput, promptID, now)
}

func (b *Binding) apply(to State, promptID string, now time.Time) error {
	if !CanTransition(b.State, to) {
		return &InvalidTransitionError{From: b.State, To: to}
	}
	b.State = to
	b.ActivePromptID = promptID
	b.LastActivityAt = now
	return nil
}
