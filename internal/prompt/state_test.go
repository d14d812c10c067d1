// ABOUTME: Tests for the prompt lifecycle state machine
// ABOUTME: Covers the happy path, terminal statuses, and append-only history

package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachine_HappyPath(t *testing.T) {
	m := NewStateMachine()
	assert.Equal(t, StatusCreated, m.Status)

	path := []Status{StatusRouted, StatusAwaitingReply, StatusReplyReceived, StatusInjected, StatusResolved}
	for _, next := range path {
		require.NoError(t, m.Transition(next, ""))
		assert.Equal(t, next, m.Status)
	}
	assert.True(t, m.IsTerminal())
}

func TestStateMachine_InvalidTransition(t *testing.T) {
	m := NewStateMachine()

	err := m.Transition(StatusResolved, "")
	var invalid *InvalidStatusError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, StatusCreated, invalid.From)
	assert.Equal(t, StatusResolved, invalid.To)
	assert.Equal(t, StatusCreated, m.Status)
	assert.Empty(t, m.History)
}

func TestStateMachine_TerminalStatusesHaveNoExits(t *testing.T) {
	for status := range TerminalStatuses {
		assert.Empty(t, ValidTransitions[status], "terminal status %s must have no outgoing transitions", status)
	}
	assert.Len(t, TerminalStatuses, 4)
}

func TestStateMachine_CannotLeaveTerminal(t *testing.T) {
	for terminal := range TerminalStatuses {
		m := &StateMachine{Status: terminal}
		err := m.Transition(StatusCreated, "")
		assert.Error(t, err, "transition out of %s must fail", terminal)
		assert.Equal(t, terminal, m.Status)
	}
}

func TestStateMachine_EveryStatusHasTableEntry(t *testing.T) {
	all := []Status{
		StatusCreated, StatusRouted, StatusAwaitingReply, StatusReplyReceived,
		StatusInjected, StatusResolved, StatusExpired, StatusCanceled, StatusFailed,
	}
	for _, status := range all {
		_, ok := ValidTransitions[status]
		assert.True(t, ok, "status %s missing from transition table", status)
	}
}

func TestStateMachine_EarlyFailureAndExpiry(t *testing.T) {
	m := NewStateMachine()
	require.NoError(t, m.Transition(StatusFailed, "spawn error"))
	assert.True(t, m.IsTerminal())

	m = NewStateMachine()
	require.NoError(t, m.Transition(StatusRouted, ""))
	require.NoError(t, m.Transition(StatusAwaitingReply, ""))
	require.NoError(t, m.Transition(StatusExpired, "ttl"))
	assert.True(t, m.IsTerminal())
}

func TestStateMachine_HistoryAppendOnly(t *testing.T) {
	m := NewStateMachine()
	require.Empty(t, m.History)

	require.NoError(t, m.Transition(StatusRouted, "initial routing"))
	require.Len(t, m.History, 1)
	assert.Equal(t, StatusRouted, m.History[0].Status)
	assert.Equal(t, "initial routing", m.History[0].Note)

	require.NoError(t, m.Transition(StatusAwaitingReply, ""))
	require.NoError(t, m.Transition(StatusReplyReceived, ""))
	assert.Len(t, m.History, 3)
}

func TestNew_PopulatesIdentifiers(t *testing.T) {
	p := New("s1", TypeYesNo, ConfidenceHigh, "Continue? [y/N]", nil, 0)

	assert.NotEmpty(t, p.ID)
	assert.NotEmpty(t, p.Nonce)
	assert.NotEqual(t, p.ID, p.Nonce)
	assert.Equal(t, StatusCreated, p.Status)
	assert.Equal(t, DefaultTTL, p.ExpiresAt.Sub(p.CreatedAt))
	assert.False(t, p.Expired(p.CreatedAt))
	assert.True(t, p.Expired(p.ExpiresAt.Add(1)))
}
