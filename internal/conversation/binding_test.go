// ABOUTME: Tests for the binding state machine and transition table
// ABOUTME: Covers valid transitions, rejections, and the active-prompt invariant

package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBinding() *Binding {
	now := time.Now()
	return &Binding{
		Channel:        "telegram",
		ThreadID:       "42",
		SessionID:      "s1",
		Identity:       "alice",
		State:          StateIdle,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

func TestCanTransition_Table(t *testing.T) {
	valid := [][2]State{
		{StateIdle, StateRunning},
		{StateIdle, StateStopped},
		{StateRunning, StateStreaming},
		{StateRunning, StateAwaitingInput},
		{StateRunning, StateStopped},
		{StateStreaming, StateRunning},
		{StateStreaming, StateAwaitingInput},
		{StateStreaming, StateStopped},
		{StateAwaitingInput, StateRunning},
		{StateAwaitingInput, StateStopped},
	}
	for _, tc := range valid {
		assert.True(t, CanTransition(tc[0], tc[1]), "%s -> %s should be valid", tc[0], tc[1])
	}

	invalid := [][2]State{
		{StateIdle, StateStreaming},
		{StateIdle, StateAwaitingInput},
		{StateRunning, StateIdle},
		{StateStreaming, StateIdle},
		{StateAwaitingInput, StateStreaming},
		{StateStopped, StateIdle},
		{StateStopped, StateRunning},
		{StateStopped, StateStreaming},
		{StateStopped, StateAwaitingInput},
	}
	for _, tc := range invalid {
		assert.False(t, CanTransition(tc[0], tc[1]), "%s -> %s should be invalid", tc[0], tc[1])
	}
}

func TestStoppedIsTerminal(t *testing.T) {
	for _, to := range []State{StateIdle, StateRunning, StateStreaming, StateAwaitingInput, StateStopped} {
		assert.False(t, CanTransition(StateStopped, to), "stopped -> %s must be rejected", to)
	}
}

func TestBinding_Transition_Success(t *testing.T) {
	b := newTestBinding()
	before := b.LastActivityAt
	now := before.Add(time.Minute)

	require.NoError(t, b.Transition(StateRunning, now))
	assert.Equal(t, StateRunning, b.State)
	assert.Equal(t, now, b.LastActivityAt)
}

func TestBinding_Transition_InvalidLeavesBindingUntouched(t *testing.T) {
	b := newTestBinding()
	require.NoError(t, b.Transition(StateRunning, time.Now()))
	require.NoError(t, b.Transition(StateStopped, time.Now()))

	activity := b.LastActivityAt
	err := b.Transition(StateRunning, time.Now().Add(time.Hour))

	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, StateStopped, invalid.From)
	assert.Equal(t, StateRunning, invalid.To)

	assert.Equal(t, StateStopped, b.State, "observable state must remain stopped")
	assert.Equal(t, activity, b.LastActivityAt, "failed transition must not touch activity")
}

func TestBinding_AwaitInput_SetsPrompt(t *testing.T) {
	b := newTestBinding()
	require.NoError(t, b.Transition(StateRunning, time.Now()))

	require.NoError(t, b.AwaitInput("p1", time.Now()))
	assert.Equal(t, StateAwaitingInput, b.State)
	assert.Equal(t, "p1", b.ActivePromptID)
}

func TestBinding_AwaitInput_RequiresPrompt(t *testing.T) {
	b := newTestBinding()
	require.NoError(t, b.Transition(StateRunning, time.Now()))

	assert.ErrorIs(t, b.AwaitInput("", time.Now()), ErrPromptRequired)
	assert.Equal(t, StateRunning, b.State)
}

func TestBinding_Transition_ToAwaitingRejected(t *testing.T) {
	b := newTestBinding()
	require.NoError(t, b.Transition(StateRunning, time.Now()))

	assert.ErrorIs(t, b.Transition(StateAwaitingInput, time.Now()), ErrPromptRequired)
}

// The active prompt must be non-empty iff the state is awaiting_input,
// checked after every transition in a full lifecycle.
func TestBinding_ActivePromptInvariant(t *testing.T) {
	b := newTestBinding()
	now := time.Now()

	checkInvariant := func() {
		t.Helper()
		if b.State == StateAwaitingInput {
			assert.NotEmpty(t, b.ActivePromptID)
		} else {
			assert.Empty(t, b.ActivePromptID)
		}
	}

	steps := []func() error{
		func() error { return b.Transition(StateRunning, now) },
		func() error { return b.AwaitInput("p1", now) },
		func() error { return b.Transition(StateRunning, now) },
		func() error { return b.Transition(StateStreaming, now) },
		func() error { return b.AwaitInput("p2", now) },
		func() error { return b.Transition(StateStopped, now) },
	}
	for i, step := range steps {
		require.NoError(t, step(), "step %d", i)
		checkInvariant()
	}
}

func TestBinding_Expired(t *testing.T) {
	b := newTestBinding()
	ttl := 4 * time.Hour

	assert.False(t, b.Expired(b.LastActivityAt.Add(ttl), ttl), "exactly at TTL is not expired")
	assert.True(t, b.Expired(b.LastActivityAt.Add(5*time.Hour), ttl))
}
