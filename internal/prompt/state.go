// ABOUTME: Prompt lifecycle state machine with an explicit transition table
// ABOUTME: Resolved, expired, canceled, and failed are terminal; history is append-only

package prompt

import (
	"fmt"
	"time"
)

// Status is a prompt's lifecycle state.
type Status string

const (
	StatusCreated       Status = "created"
	StatusRouted        Status = "routed"
	StatusAwaitingReply Status = "awaiting_reply"
	StatusReplyReceived Status = "reply_received"
	StatusInjected      Status = "injected"
	StatusResolved      Status = "resolved"
	StatusExpired       Status = "expired"
	StatusCanceled      Status = "canceled"
	StatusFailed        Status = "failed"
)

// ValidTransitions is the closed transition table. Terminal statuses map to
// an empty set.
var ValidTransitions = map[Status]map[Status]bool{
	StatusCreated: {
		StatusRouted:   true,
		StatusCanceled: true,
		StatusFailed:   true,
	},
	StatusRouted: {
		StatusAwaitingReply: true,
		StatusCanceled:      true,
		StatusFailed:        true,
	},
	StatusAwaitingReply: {
		StatusReplyReceived: true,
		StatusExpired:       true,
		StatusCanceled:      true,
		StatusFailed:        true,
	},
	StatusReplyReceived: {
		StatusInjected: true,
		StatusFailed:   true,
	},
	StatusInjected: {
		StatusResolved: true,
		StatusFailed:   true,
	},
	StatusResolved: {},
	StatusExpired:  {},
	StatusCanceled: {},
	StatusFailed:   {},
}

// TerminalStatuses are the statuses with no outgoing transitions.
var TerminalStatuses = map[Status]bool{
	StatusResolved: true,
	StatusExpired:  true,
	StatusCanceled: true,
	StatusFailed:   true,
}

// InvalidStatusError reports a rejected prompt status change.
type InvalidStatusError struct {
	From Status
	To   Status
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("invalid prompt transition: %s -> %s", e.From, e.To)
}

// HistoryEntry records one applied transition.
type HistoryEntry struct {
	Status Status
	Note   string
	At     time.Time
}

// StateMachine tracks one prompt's status with an append-only history.
type StateMachine struct {
	Status  Status
	History []HistoryEntry
}

// NewStateMachine starts a machine in the created status.
func NewStateMachine() *StateMachine {
	return &StateMachine{Status: StatusCreated}
}

// Transition moves to the target status, recording it in the history.
// Invalid transitions return InvalidStatusError and change nothing.
func (m *StateMachine) Transition(to Status, note string) error {
	if !ValidTransitions[m.Status][to] {
		return &InvalidStatusError{From: m.Status, To: to}
	}
	m.Status = to
	m.History = append(m.History, HistoryEntry{Status: to, Note: note, At: time.Now().UTC()})
	return nil
}

// IsTerminal reports whether the machine has reached a terminal status.
func (m *StateMachine) IsTerminal() bool {
	return TerminalStatuses[m.Status]
}
