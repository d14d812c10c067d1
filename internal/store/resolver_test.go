// ABOUTME: Tests for the prompt resolver's decision-to-injection flow
// ABOUTME: Verifies answers land in the session and failures leave an audit trail

package store

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasbridge/atlasbridge/internal/prompt"
)

type fakeInjector struct {
	calls    []string
	sessions []string
	failWith error
}

func (f *fakeInjector) ExecuteChatInput(_ context.Context, sessionID, text string) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.sessions = append(f.sessions, sessionID)
	f.calls = append(f.calls, text)
	return nil
}

func TestResolver_ResolvePrompt(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	p := savePrompt(t, store, "sess-1", true)

	injector := &fakeInjector{}
	resolver := NewResolver(store, injector, slog.Default())

	require.NoError(t, resolver.ResolvePrompt(ctx, p.ID, "yes", "telegram:42"))

	require.Equal(t, []string{"yes"}, injector.calls)
	assert.Equal(t, []string{"sess-1"}, injector.sessions)

	got, err := store.GetPrompt(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, prompt.StatusResolved, got.Status)
	assert.Equal(t, "yes", got.Answer)
	assert.False(t, got.ResolvedAt.IsZero())
}

func TestResolver_SecondResolutionFails(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	p := savePrompt(t, store, "sess-1", true)

	injector := &fakeInjector{}
	resolver := NewResolver(store, injector, slog.Default())

	require.NoError(t, resolver.ResolvePrompt(ctx, p.ID, "yes", "telegram:42"))
	err := resolver.ResolvePrompt(ctx, p.ID, "no", "telegram:99")
	assert.ErrorIs(t, err, ErrPromptNotDecidable)

	// Only the first answer was injected.
	assert.Equal(t, []string{"yes"}, injector.calls)
}

func TestResolver_ResolveWithNonce_Forged(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	p := savePrompt(t, store, "sess-1", true)

	injector := &fakeInjector{}
	resolver := NewResolver(store, injector, slog.Default())

	err := resolver.ResolveWithNonce(ctx, p.ID, "forged", "yes", "telegram:42")
	assert.ErrorIs(t, err, ErrPromptNotDecidable)
	assert.Empty(t, injector.calls)
}

func TestResolver_InjectionFailureMarksFailed(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	p := savePrompt(t, store, "sess-1", true)

	injector := &fakeInjector{failWith: errors.New("session gone")}
	resolver := NewResolver(store, injector, slog.Default())

	err := resolver.ResolvePrompt(ctx, p.ID, "yes", "telegram:42")
	require.Error(t, err)

	got, err := store.GetPrompt(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, prompt.StatusFailed, got.Status)
	// The answer was recorded before injection was attempted.
	assert.Equal(t, "yes", got.Answer)
}

func TestResolver_UnknownPrompt(t *testing.T) {
	store := setupTestStore(t)

	resolver := NewResolver(store, &fakeInjector{}, slog.Default())
	err := resolver.ResolvePrompt(context.Background(), "nope", "yes", "telegram:42")
	assert.ErrorIs(t, err, ErrPromptNotFound)
}
