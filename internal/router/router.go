// ABOUTME: Router that gates and dispatches inbound channel messages to agent sessions
// ABOUTME: Builds the gate snapshot, dispatches accepted messages, and applies state transitions

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/conversation"
	"github.com/atlasbridge/atlasbridge/internal/gate"
)

// timeNow is swapped out in tests.
var timeNow = time.Now

// AllowlistChecker answers whether an external identity may talk to a session.
type AllowlistChecker interface {
	IsAllowlisted(sessionID, identity string) bool
}

// PolicyChecker is the external policy engine. Allows returns false to deny.
type PolicyChecker interface {
	Allows(sessionID, text string) bool
}

// SessionDirectory reports whether a session is currently registered.
type SessionDirectory interface {
	IsKnown(sessionID string) bool
}

// ChatInjector delivers free text into a session's interactive input stream.
type ChatInjector interface {
	ExecuteChatInput(ctx context.Context, sessionID, text string) error
}

// PromptResolver supplies a value as the answer to a pending prompt.
type PromptResolver interface {
	ResolvePrompt(ctx context.Context, promptID, value, identity string) error
}

// BindingStore persists binding snapshots so the registry survives a
// restart. The router keeps it in step with every bind and unbind path;
// persistence failures are logged, never surfaced — the in-memory registry
// stays authoritative.
type BindingStore interface {
	UpsertBinding(ctx context.Context, b *conversation.Binding) error
	DeleteBinding(ctx context.Context, channel, threadID string) error
	DeleteSessionBindings(ctx context.Context, sessionID string) (int, error)
}

// Message is one already-decoded, already-authenticated inbound payload.
type Message struct {
	Body string
	Kind gate.MessageKind
	// PromptID targets a specific prompt for callback-style responses.
	PromptID string
}

// Outcome is the result the channel adapter reports back to the user.
// Exactly one of the Accepted/Rejected/Dropped shapes holds:
// an accepted message carries the route and session, a rejected one carries
// reason and hint, and a dropped callback carries neither.
type Outcome struct {
	Accepted bool
	Dropped  bool

	Route     gate.Route
	SessionID string
	PromptID  string

	Reason gate.Reason
	Hint   string

	// DeliveryErr is set when the gate accepted the message but the external
	// injection or resolution interface failed. Distinct from a rejection:
	// the caller decides on retry policy, no state is rolled back.
	DeliveryErr error
}

// Rejected reports whether the gate turned the message away.
func (o Outcome) Rejected() bool {
	return !o.Accepted && !o.Dropped
}

// Router is the single entry point for inbound channel traffic. All
// evaluate-then-mutate sequences run under the registry's per-binding
// serialization, so two concurrent messages on one thread can never both be
// accepted into chat mode off the same observed state.
type Router struct {
	registry  *conversation.Registry
	allowlist AllowlistChecker
	policy    PolicyChecker
	sessions  SessionDirectory
	injector  ChatInjector
	resolver  PromptResolver
	snapshots BindingStore
	logger    *slog.Logger
}

// New creates a Router over the given registry and external collaborators.
func New(
	registry *conversation.Registry,
	allowlist AllowlistChecker,
	policy PolicyChecker,
	sessions SessionDirectory,
	injector ChatInjector,
	resolver PromptResolver,
	logger *slog.Logger,
) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry:  registry,
		allowlist: allowlist,
		policy:    policy,
		sessions:  sessions,
		injector:  injector,
		resolver:  resolver,
		logger:    logger.With("component", "router"),
	}
}

// HandleIncomingMessage gates one inbound message and, on acceptance,
// dispatches it to chat injection or prompt resolution. Rejections carry the
// reason and hint back to the caller; no registry or state mutation occurs
// on a rejected message.
func (r *Router) HandleIncomingMessage(ctx context.Context, channel, threadID, identity string, msg Message) Outcome {
	if msg.Kind == gate.KindCallback {
		return r.HandleCallback(ctx, channel, threadID, identity, msg.PromptID, msg.Body)
	}

	var out Outcome
	err := r.registry.Update(channel, threadID, func(b *conversation.Binding) error {
		snapshot := r.buildGateContext(b, identity, msg.Body)
		decision := gate.Evaluate(snapshot, msg.Kind)
		if !decision.Accepted {
			out = Outcome{Reason: decision.Reason, Hint: decision.Hint, SessionID: b.SessionID}
			return nil
		}
		out = r.dispatch(ctx, b, decision.Route, msg.Body, identity)
		return nil
	})
	if errors.Is(err, conversation.ErrBindingNotFound) {
		// No binding at all: with no session to check the allowlist against,
		// the no-active-session rule decides.
		decision := gate.Evaluate(gate.Context{Allowlisted: true}, msg.Kind)
		out = Outcome{Reason: decision.Reason, Hint: decision.Hint}
	}

	r.logOutcome(channel, threadID, identity, out)
	return out
}

// HandleCallback routes a button/callback-style response. Callbacks bypass
// the gate: they resolve the pending prompt if one exists, else are dropped.
func (r *Router) HandleCallback(ctx context.Context, channel, threadID, identity, promptID, value string) Outcome {
	var out Outcome
	err := r.registry.Update(channel, threadID, func(b *conversation.Binding) error {
		if b.ActivePromptID == "" {
			out = Outcome{Dropped: true, SessionID: b.SessionID}
			return nil
		}
		if promptID != "" && promptID != b.ActivePromptID {
			// Stale button from an earlier prompt.
			out = Outcome{Dropped: true, SessionID: b.SessionID}
			return nil
		}
		out = r.dispatch(ctx, b, gate.RoutePromptResolution, value, identity)
		return nil
	})
	if errors.Is(err, conversation.ErrBindingNotFound) {
		out = Outcome{Dropped: true}
	}

	r.logOutcome(channel, threadID, identity, out)
	return out
}

// SetSnapshotStore attaches the persistence backend for binding snapshots.
// Must be called during wiring, before the router handles traffic.
func (r *Router) SetSnapshotStore(st BindingStore) {
	r.snapshots = st
}

// BindThread attaches a channel thread to a session.
func (r *Router) BindThread(channel, threadID, sessionID, identity string) (conversation.Binding, error) {
	if !r.sessions.IsKnown(sessionID) {
		return conversation.Binding{}, fmt.Errorf("bind %s/%s: unknown session %q", channel, threadID, sessionID)
	}
	b, err := r.registry.Bind(channel, threadID, sessionID, identity)
	if err != nil {
		return b, err
	}
	if r.snapshots != nil {
		if serr := r.snapshots.UpsertBinding(context.Background(), &b); serr != nil {
			r.logger.Error("failed to persist binding snapshot",
				"channel", channel, "thread", threadID, "error", serr)
		}
	}
	return b, nil
}

// UnbindThread detaches a channel thread from its session. The persisted
// snapshot is dropped even when the registry no longer holds the binding,
// so a stale row can never be rehydrated after a restart.
func (r *Router) UnbindThread(channel, threadID string) error {
	err := r.registry.Unbind(channel, threadID)
	if r.snapshots != nil {
		if serr := r.snapshots.DeleteBinding(context.Background(), channel, threadID); serr != nil {
			r.logger.Error("failed to drop binding snapshot",
				"channel", channel, "thread", threadID, "error", serr)
		}
	}
	return err
}

// ApplySessionState fans a session lifecycle event out to every binding of
// the session. promptID must be non-empty iff to is awaiting_input. A prompt
// arriving for an idle binding (fresh bind, restart rehydration) proves the
// session is in fact running, so the binding is stepped through running
// before awaiting input. Invalid transitions on individual bindings are
// logged and skipped; each binding keeps its prior valid state.
func (r *Router) ApplySessionState(sessionID string, to conversation.State, promptID string) int {
	return r.registry.UpdateSession(sessionID, func(b *conversation.Binding) error {
		var err error
		if to == conversation.StateAwaitingInput {
			if b.State == conversation.StateIdle {
				err = b.Transition(conversation.StateRunning, timeNow())
			}
			if err == nil {
				err = b.AwaitInput(promptID, timeNow())
			}
		} else {
			err = b.Transition(to, timeNow())
		}
		if err != nil {
			r.logger.Warn("session state transition rejected",
				"session", sessionID,
				"channel", b.Channel,
				"thread", b.ThreadID,
				"target", string(to),
				"error", err,
			)
		}
		return err
	})
}

// SessionStopped marks every binding of the session stopped and removes
// them, along with their persisted snapshots. Returns the number of
// bindings unbound.
func (r *Router) SessionStopped(sessionID string) int {
	r.registry.UpdateSession(sessionID, func(b *conversation.Binding) error {
		return b.Transition(conversation.StateStopped, timeNow())
	})
	removed := r.registry.UnbindSession(sessionID)
	if r.snapshots != nil {
		if _, serr := r.snapshots.DeleteSessionBindings(context.Background(), sessionID); serr != nil {
			r.logger.Error("failed to drop session binding snapshots", "session", sessionID, "error", serr)
		}
	}
	return removed
}

// dispatch delivers an accepted message. Runs inside the binding's
// serialization; b may be mutated.
func (r *Router) dispatch(ctx context.Context, b *conversation.Binding, route gate.Route, body, identity string) Outcome {
	out := Outcome{Accepted: true, Route: route, SessionID: b.SessionID}

	switch route {
	case gate.RoutePromptResolution:
		promptID := b.ActivePromptID
		out.PromptID = promptID
		if err := r.resolver.ResolvePrompt(ctx, promptID, body, identity); err != nil {
			out.DeliveryErr = fmt.Errorf("resolving prompt %s: %w", promptID, err)
			return out
		}
		if err := b.Transition(conversation.StateRunning, timeNow()); err != nil {
			// The prompt answer was delivered; a refused transition here is a
			// state-machine bug, not a delivery failure.
			r.logger.Error("post-resolution transition rejected", "session", b.SessionID, "error", err)
		}
	default: // chat mode, including the fallthrough default
		if err := r.injector.ExecuteChatInput(ctx, b.SessionID, body); err != nil {
			out.DeliveryErr = fmt.Errorf("injecting chat input: %w", err)
			return out
		}
		b.LastActivityAt = timeNow()
	}
	return out
}

// buildGateContext assembles the immutable snapshot for one gate evaluation,
// pre-resolving the external allowlist and policy verdicts.
func (r *Router) buildGateContext(b *conversation.Binding, identity, body string) gate.Context {
	now := timeNow()
	return gate.Context{
		BindingFound:   true,
		SessionKnown:   r.sessions.IsKnown(b.SessionID),
		Allowlisted:    r.allowlist.IsAllowlisted(b.SessionID, identity),
		PolicyAllowed:  r.policy.Allows(b.SessionID, body),
		State:          b.State,
		ActivePromptID: b.ActivePromptID,
		LastActivityAt: b.LastActivityAt,
		Now:            now,
		TTL:            r.registry.TTL(),
	}
}

func (r *Router) logOutcome(channel, threadID, identity string, out Outcome) {
	switch {
	case out.DeliveryErr != nil:
		r.logger.Error("dispatch failed",
			"channel", channel,
			"thread", threadID,
			"session", out.SessionID,
			"route", string(out.Route),
			"error", out.DeliveryErr,
		)
	case out.Accepted:
		r.logger.Debug("message dispatched",
			"channel", channel,
			"thread", threadID,
			"session", out.SessionID,
			"route", string(out.Route),
		)
	case out.Dropped:
		r.logger.Debug("callback dropped", "channel", channel, "thread", threadID)
	default:
		r.logger.Info("message rejected",
			"channel", channel,
			"thread", threadID,
			"identity", identity,
			"reason", string(out.Reason),
		)
	}
}
