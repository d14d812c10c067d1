// ABOUTME: Tests for the message router and its dispatch paths
// ABOUTME: Covers gating, chat injection, prompt resolution, callbacks, and delivery errors

package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasbridge/atlasbridge/internal/conversation"
	"github.com/atlasbridge/atlasbridge/internal/gate"
)

// mockAllowlist allows (session, identity) pairs that were explicitly added.
type mockAllowlist struct {
	allowed map[string]bool
}

func newMockAllowlist() *mockAllowlist {
	return &mockAllowlist{allowed: make(map[string]bool)}
}

func (m *mockAllowlist) Allow(sessionID, identity string) {
	m.allowed[sessionID+"/"+identity] = true
}

func (m *mockAllowlist) IsAllowlisted(sessionID, identity string) bool {
	return m.allowed[sessionID+"/"+identity]
}

// mockPolicy denies messages containing a configured marker.
type mockPolicy struct {
	denyMarker string
}

func (m *mockPolicy) Allows(sessionID, text string) bool {
	return m.denyMarker == "" || !strings.Contains(text, m.denyMarker)
}

// mockSessions knows a fixed set of session IDs.
type mockSessions struct {
	known map[string]bool
}

func newMockSessions(ids ...string) *mockSessions {
	m := &mockSessions{known: make(map[string]bool)}
	for _, id := range ids {
		m.known[id] = true
	}
	return m
}

func (m *mockSessions) IsKnown(sessionID string) bool {
	return m.known[sessionID]
}

type injectedInput struct {
	sessionID string
	text      string
}

// mockInjector records chat injections and can be made to fail.
type mockInjector struct {
	mu       sync.Mutex
	inputs   []injectedInput
	failWith error
}

func (m *mockInjector) ExecuteChatInput(_ context.Context, sessionID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.inputs = append(m.inputs, injectedInput{sessionID: sessionID, text: text})
	return nil
}

func (m *mockInjector) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inputs)
}

type resolvedPrompt struct {
	promptID string
	value    string
	identity string
}

// mockResolver records prompt resolutions and can be made to fail.
type mockResolver struct {
	mu       sync.Mutex
	resolved []resolvedPrompt
	failWith error
}

func (m *mockResolver) ResolvePrompt(_ context.Context, promptID, value, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.resolved = append(m.resolved, resolvedPrompt{promptID: promptID, value: value, identity: identity})
	return nil
}

// mockSnapshots records binding snapshot persistence calls.
type mockSnapshots struct {
	mu       sync.Mutex
	upserts  []string
	deletes  []string
	sessions []string
}

func (m *mockSnapshots) UpsertBinding(_ context.Context, b *conversation.Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts = append(m.upserts, b.Channel+"/"+b.ThreadID)
	return nil
}

func (m *mockSnapshots) DeleteBinding(_ context.Context, channel, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, channel+"/"+threadID)
	return nil
}

func (m *mockSnapshots) DeleteSessionBindings(_ context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = append(m.sessions, sessionID)
	return 0, nil
}

type fixture struct {
	registry  *conversation.Registry
	allowlist *mockAllowlist
	policy    *mockPolicy
	sessions  *mockSessions
	injector  *mockInjector
	resolver  *mockResolver
	router    *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		registry:  conversation.NewRegistry(4*time.Hour, nil),
		allowlist: newMockAllowlist(),
		policy:    &mockPolicy{},
		sessions:  newMockSessions("s1"),
		injector:  &mockInjector{},
		resolver:  &mockResolver{},
	}
	f.router = New(f.registry, f.allowlist, f.policy, f.sessions, f.injector, f.resolver, nil)
	return f
}

// bindRunning binds telegram/42 to s1 for alice and moves it to running.
func (f *fixture) bindRunning(t *testing.T) {
	t.Helper()
	f.allowlist.Allow("s1", "alice")
	_, err := f.router.BindThread("telegram", "42", "s1", "alice")
	require.NoError(t, err)
	require.Equal(t, 1, f.router.ApplySessionState("s1", conversation.StateRunning, ""))
}

func textMsg(body string) Message {
	return Message{Body: body, Kind: gate.KindText}
}

func TestRouter_ChatModeInjectsAndTouches(t *testing.T) {
	f := newFixture(t)
	f.bindRunning(t)

	before, err := f.registry.Resolve("telegram", "42")
	require.NoError(t, err)

	out := f.router.HandleIncomingMessage(context.Background(), "telegram", "42", "alice", textMsg("hello"))
	require.True(t, out.Accepted)
	assert.Equal(t, gate.RouteChatMode, out.Route)
	assert.Equal(t, "s1", out.SessionID)
	assert.NoError(t, out.DeliveryErr)

	require.Equal(t, 1, f.injector.count())
	assert.Equal(t, injectedInput{sessionID: "s1", text: "hello"}, f.injector.inputs[0])

	after, err := f.registry.Resolve("telegram", "42")
	require.NoError(t, err)
	assert.False(t, after.LastActivityAt.Before(before.LastActivityAt),
		"accepted message must refresh activity")
}

func TestRouter_NoBinding(t *testing.T) {
	f := newFixture(t)

	out := f.router.HandleIncomingMessage(context.Background(), "telegram", "42", "alice", textMsg("hello"))
	assert.True(t, out.Rejected())
	assert.Equal(t, gate.ReasonNoActiveSession, out.Reason)
	assert.NotEmpty(t, out.Hint)
	assert.Zero(t, f.injector.count())
}

func TestRouter_NotAllowlisted(t *testing.T) {
	f := newFixture(t)
	f.allowlist.Allow("s1", "alice")
	_, err := f.router.BindThread("telegram", "42", "s1", "alice")
	require.NoError(t, err)

	out := f.router.HandleIncomingMessage(context.Background(), "telegram", "42", "mallory", textMsg("hi"))
	assert.Equal(t, gate.ReasonNotAllowlisted, out.Reason)
	assert.Zero(t, f.injector.count())
}

func TestRouter_PolicyDeny(t *testing.T) {
	f := newFixture(t)
	f.bindRunning(t)
	f.policy.denyMarker = "rm -rf"

	out := f.router.HandleIncomingMessage(context.Background(), "telegram", "42", "alice", textMsg("please rm -rf /"))
	assert.Equal(t, gate.ReasonPolicyDeny, out.Reason)
	assert.Zero(t, f.injector.count())
}

func TestRouter_PromptResolution(t *testing.T) {
	f := newFixture(t)
	f.bindRunning(t)
	require.Equal(t, 1, f.router.ApplySessionState("s1", conversation.StateAwaitingInput, "p1"))

	out := f.router.HandleIncomingMessage(context.Background(), "telegram", "42", "alice", textMsg("yes"))
	require.True(t, out.Accepted)
	assert.Equal(t, gate.RoutePromptResolution, out.Route)
	assert.Equal(t, "p1", out.PromptID)

	require.Len(t, f.resolver.resolved, 1)
	assert.Equal(t, resolvedPrompt{promptID: "p1", value: "yes", identity: "alice"}, f.resolver.resolved[0])

	// Answering the prompt returns the binding to running with no prompt.
	b, err := f.registry.Resolve("telegram", "42")
	require.NoError(t, err)
	assert.Equal(t, conversation.StateRunning, b.State)
	assert.Empty(t, b.ActivePromptID)
}

func TestRouter_DeliveryErrorIsNotARejection(t *testing.T) {
	f := newFixture(t)
	f.bindRunning(t)
	f.injector.failWith = errors.New("agent endpoint unreachable")

	out := f.router.HandleIncomingMessage(context.Background(), "telegram", "42", "alice", textMsg("hello"))
	assert.True(t, out.Accepted, "gate accepted; failure is a dispatch problem")
	assert.False(t, out.Rejected())
	require.Error(t, out.DeliveryErr)
	assert.Empty(t, out.Reason)
}

func TestRouter_ResolverFailureKeepsAwaitingState(t *testing.T) {
	f := newFixture(t)
	f.bindRunning(t)
	f.router.ApplySessionState("s1", conversation.StateAwaitingInput, "p1")
	f.resolver.failWith = errors.New("nonce already used")

	out := f.router.HandleIncomingMessage(context.Background(), "telegram", "42", "alice", textMsg("yes"))
	require.Error(t, out.DeliveryErr)

	// State is not rolled forward on a failed resolution.
	b, err := f.registry.Resolve("telegram", "42")
	require.NoError(t, err)
	assert.Equal(t, conversation.StateAwaitingInput, b.State)
	assert.Equal(t, "p1", b.ActivePromptID)
}

func TestRouter_CallbackBypassesGate(t *testing.T) {
	f := newFixture(t)
	f.bindRunning(t)
	f.router.ApplySessionState("s1", conversation.StateAwaitingInput, "p1")

	// Identity is not allowlist-checked on callbacks, and even a streaming
	// state would not block them: callbacks go straight to the prompt.
	out := f.router.HandleCallback(context.Background(), "telegram", "42", "alice", "p1", "y")
	require.True(t, out.Accepted)
	assert.Equal(t, gate.RoutePromptResolution, out.Route)
	require.Len(t, f.resolver.resolved, 1)
}

func TestRouter_CallbackWithoutPromptIsDropped(t *testing.T) {
	f := newFixture(t)
	f.bindRunning(t)

	out := f.router.HandleCallback(context.Background(), "telegram", "42", "alice", "p1", "y")
	assert.True(t, out.Dropped)
	assert.Empty(t, f.resolver.resolved)
}

func TestRouter_StaleCallbackIsDropped(t *testing.T) {
	f := newFixture(t)
	f.bindRunning(t)
	f.router.ApplySessionState("s1", conversation.StateAwaitingInput, "p2")

	out := f.router.HandleCallback(context.Background(), "telegram", "42", "alice", "p1", "y")
	assert.True(t, out.Dropped)
	assert.Empty(t, f.resolver.resolved)
}

func TestRouter_BindThread_UnknownSession(t *testing.T) {
	f := newFixture(t)

	_, err := f.router.BindThread("telegram", "42", "ghost", "alice")
	assert.Error(t, err)
}

func TestRouter_SessionStopped(t *testing.T) {
	f := newFixture(t)
	f.bindRunning(t)

	n := f.router.SessionStopped("s1")
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, f.registry.Len())
}

func TestRouter_SnapshotsFollowBindAndUnbind(t *testing.T) {
	f := newFixture(t)
	snaps := &mockSnapshots{}
	f.router.SetSnapshotStore(snaps)

	_, err := f.router.BindThread("telegram", "42", "s1", "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"telegram/42"}, snaps.upserts)

	require.NoError(t, f.router.UnbindThread("telegram", "42"))
	assert.Equal(t, []string{"telegram/42"}, snaps.deletes)

	// The snapshot is dropped even when the registry no longer holds the
	// thread, so nothing stale survives a restart.
	_ = f.router.UnbindThread("telegram", "43")
	assert.Contains(t, snaps.deletes, "telegram/43")
}

func TestRouter_SessionStoppedDropsSnapshots(t *testing.T) {
	f := newFixture(t)
	snaps := &mockSnapshots{}
	f.router.SetSnapshotStore(snaps)
	f.bindRunning(t)

	f.router.SessionStopped("s1")
	assert.Equal(t, []string{"s1"}, snaps.sessions)
}

// A prompt arriving while a binding is still idle (fresh bind, restart
// rehydration) steps the binding through running into awaiting_input.
func TestRouter_PromptForIdleBinding(t *testing.T) {
	f := newFixture(t)
	f.allowlist.Allow("s1", "alice")
	_, err := f.router.BindThread("telegram", "42", "s1", "alice")
	require.NoError(t, err)

	require.Equal(t, 1, f.router.ApplySessionState("s1", conversation.StateAwaitingInput, "p1"))

	b, err := f.registry.Resolve("telegram", "42")
	require.NoError(t, err)
	assert.Equal(t, conversation.StateAwaitingInput, b.State)
	assert.Equal(t, "p1", b.ActivePromptID)

	out := f.router.HandleCallback(context.Background(), "telegram", "42", "alice", "p1", "yes")
	require.True(t, out.Accepted)
	assert.Equal(t, "p1", out.PromptID)
}

// The full lifecycle scenario: bind → running → chat accepted → streaming →
// busy → running → stopped → busy.
func TestRouter_LifecycleScenario(t *testing.T) {
	f := newFixture(t)
	f.allowlist.Allow("s1", "alice")
	ctx := context.Background()

	b, err := f.router.BindThread("telegram", "42", "s1", "alice")
	require.NoError(t, err)
	assert.Equal(t, conversation.StateIdle, b.State)

	require.Equal(t, 1, f.router.ApplySessionState("s1", conversation.StateRunning, ""))

	out := f.router.HandleIncomingMessage(ctx, "telegram", "42", "alice", textMsg("hello"))
	require.True(t, out.Accepted)
	assert.Equal(t, gate.RouteChatMode, out.Route)

	require.Equal(t, 1, f.router.ApplySessionState("s1", conversation.StateStreaming, ""))

	out = f.router.HandleIncomingMessage(ctx, "telegram", "42", "alice", textMsg("stop"))
	assert.Equal(t, gate.ReasonBusy, out.Reason)
	assert.Equal(t, "Agent is working. Wait for the current operation to finish.", out.Hint)

	require.Equal(t, 1, f.router.ApplySessionState("s1", conversation.StateRunning, ""))
	require.Equal(t, 1, f.router.ApplySessionState("s1", conversation.StateStopped, ""))

	out = f.router.HandleIncomingMessage(ctx, "telegram", "42", "alice", textMsg("anything"))
	assert.Equal(t, gate.ReasonBusy, out.Reason)

	assert.Equal(t, 1, f.injector.count(), "only the first message was injected")
}

// Two concurrent messages on the same streaming-then-running binding must
// not both be injected when only one injection should occur: every message
// is gated under the binding's serialization.
func TestRouter_ConcurrentMessagesSameBinding(t *testing.T) {
	f := newFixture(t)
	f.bindRunning(t)

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 10)
	for i := range outcomes {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			outcomes[n] = f.router.HandleIncomingMessage(context.Background(), "telegram", "42", "alice", textMsg("ping"))
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, out := range outcomes {
		if out.Accepted {
			accepted++
		}
	}
	assert.Equal(t, accepted, f.injector.count(), "every accepted message maps to exactly one injection")
}
