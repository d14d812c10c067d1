// ABOUTME: Pure admission gate evaluated once per inbound channel message
// ABOUTME: Maps an immutable snapshot to an accept/reject decision with a user-facing hint

package gate

import (
	"time"

	"github.com/atlasbridge/atlasbridge/internal/conversation"
)

// MessageKind classifies the inbound payload before any content interpretation.
type MessageKind string

const (
	// KindText is a free-text chat message.
	KindText MessageKind = "text"
	// KindPassword marks password-like payloads that must never be relayed
	// through a chat channel.
	KindPassword MessageKind = "password"
	// KindCallback is a button/callback-style response. Callbacks bypass the
	// gate entirely; the router handles them directly.
	KindCallback MessageKind = "callback"
)

// Route is the destination for an accepted message.
type Route string

const (
	// RouteChatMode injects the text into the agent's interactive input stream.
	RouteChatMode Route = "chat"
	// RoutePromptResolution supplies the text as the answer to the pending prompt.
	RoutePromptResolution Route = "prompt"
)

// Reason enumerates why a message was rejected.
type Reason string

const (
	ReasonNotAllowlisted  Reason = "not_allowlisted"
	ReasonNoActiveSession Reason = "no_active_session"
	ReasonTTLExpired      Reason = "ttl_expired"
	ReasonUnsafeInput     Reason = "unsafe_input_type"
	ReasonPolicyDeny      Reason = "policy_deny"
	ReasonBusy            Reason = "busy"
)

// hints maps each rejection reason to a short next-action suggestion
// surfaced to the end user alongside the rejection.
var hints = map[Reason]string{
	ReasonNotAllowlisted:  "You are not authorized to talk to this session.",
	ReasonNoActiveSession: "No agent session is bound to this chat. Bind one first.",
	ReasonTTLExpired:      "This conversation went stale. Re-bind the session to continue.",
	ReasonUnsafeInput:     "That looks like a secret. Enter it directly in the terminal instead.",
	ReasonPolicyDeny:      "This message was blocked by the session policy.",
	ReasonBusy:            "Agent is working. Wait for the current operation to finish.",
}

// Hint returns the user-facing suggestion for a rejection reason.
func Hint(reason Reason) string {
	return hints[reason]
}

// Context is the immutable snapshot the gate decides on. It is assembled
// once per message by the router while it holds the binding's serialization,
// and discarded after a single evaluation. External verdicts (allowlist,
// policy) are pre-resolved into booleans so Evaluate stays a pure function
// with no I/O and no suspension.
type Context struct {
	// BindingFound is false when no binding exists for (channel, thread).
	BindingFound bool
	// SessionKnown is false when the bound session is not registered.
	SessionKnown bool
	// Allowlisted is the pre-resolved identity allowlist verdict.
	Allowlisted bool
	// PolicyAllowed is the pre-resolved policy engine verdict.
	PolicyAllowed bool

	State          conversation.State
	ActivePromptID string
	LastActivityAt time.Time
	Now            time.Time
	TTL            time.Duration
}

// Decision is an accept (with a route) or a reject (with reason and hint).
type Decision struct {
	Accepted bool
	Route    Route
	Reason   Reason
	Hint     string
}

func accept(route Route) Decision {
	return Decision{Accepted: true, Route: route}
}

func reject(reason Reason) Decision {
	return Decision{Reason: reason, Hint: hints[reason]}
}

// Evaluate decides whether the message may be delivered and where. The rules
// run in strict precedence order; the first match wins. Evaluate never
// mutates state and never defers: every message gets an immediate decision.
func Evaluate(ctx Context, kind MessageKind) Decision {
	if !ctx.Allowlisted {
		return reject(ReasonNotAllowlisted)
	}
	if !ctx.BindingFound || !ctx.SessionKnown {
		return reject(ReasonNoActiveSession)
	}
	if ctx.Now.Sub(ctx.LastActivityAt) > ctx.TTL {
		return reject(ReasonTTLExpired)
	}
	if kind == KindPassword {
		return reject(ReasonUnsafeInput)
	}
	if !ctx.PolicyAllowed {
		return reject(ReasonPolicyDeny)
	}
	switch ctx.State {
	case conversation.StateStreaming:
		return reject(ReasonBusy)
	case conversation.StateStopped:
		return reject(ReasonBusy)
	case conversation.StateAwaitingInput:
		if ctx.ActivePromptID != "" {
			return accept(RoutePromptResolution)
		}
	case conversation.StateRunning, conversation.StateIdle:
		return accept(RouteChatMode)
	}
	// Fallthrough default: awaiting_input with no active prompt.
	return accept(RouteChatMode)
}
