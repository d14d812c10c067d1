// ABOUTME: Tests for binding snapshot persistence and registry rehydration
// ABOUTME: Covers upsert semantics, session-wide deletes, and restart recovery

package store

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasbridge/atlasbridge/internal/conversation"
)

func testBinding(channel, threadID, sessionID string) *conversation.Binding {
	now := time.Now().UTC().Truncate(time.Second)
	return &conversation.Binding{
		Channel:        channel,
		ThreadID:       threadID,
		SessionID:      sessionID,
		Identity:       "telegram:42",
		State:          conversation.StateIdle,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

func TestBindingStore_UpsertAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	b := testBinding("telegram", "chat-100", "sess-1")
	require.NoError(t, store.UpsertBinding(ctx, b))

	got, err := store.GetBinding(ctx, "telegram", "chat-100")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, "telegram:42", got.Identity)
	assert.Equal(t, conversation.StateIdle, got.State)
	assert.Equal(t, b.CreatedAt, got.CreatedAt)
}

func TestBindingStore_UpsertReplaces(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	b := testBinding("telegram", "chat-100", "sess-1")
	require.NoError(t, store.UpsertBinding(ctx, b))

	b2 := testBinding("telegram", "chat-100", "sess-2")
	b2.State = conversation.StateRunning
	require.NoError(t, store.UpsertBinding(ctx, b2))

	got, err := store.GetBinding(ctx, "telegram", "chat-100")
	require.NoError(t, err)
	assert.Equal(t, "sess-2", got.SessionID)
	assert.Equal(t, conversation.StateRunning, got.State)
}

func TestBindingStore_GetNotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetBinding(context.Background(), "telegram", "nope")
	assert.ErrorIs(t, err, ErrBindingNotFound)
}

func TestBindingStore_List(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertBinding(ctx, testBinding("telegram", "chat-100", "sess-1")))
	require.NoError(t, store.UpsertBinding(ctx, testBinding("matrix", "!room:example.org", "sess-1")))

	bindings, err := store.ListBindings(ctx)
	require.NoError(t, err)
	assert.Len(t, bindings, 2)
}

func TestBindingStore_Delete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertBinding(ctx, testBinding("telegram", "chat-100", "sess-1")))
	require.NoError(t, store.DeleteBinding(ctx, "telegram", "chat-100"))

	_, err := store.GetBinding(ctx, "telegram", "chat-100")
	assert.ErrorIs(t, err, ErrBindingNotFound)

	// Deleting again is a no-op, not an error.
	assert.NoError(t, store.DeleteBinding(ctx, "telegram", "chat-100"))
}

func TestBindingStore_DeleteSessionBindings(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertBinding(ctx, testBinding("telegram", "chat-100", "sess-1")))
	require.NoError(t, store.UpsertBinding(ctx, testBinding("matrix", "!room:example.org", "sess-1")))
	require.NoError(t, store.UpsertBinding(ctx, testBinding("telegram", "chat-200", "sess-2")))

	n, err := store.DeleteSessionBindings(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	bindings, err := store.ListBindings(ctx)
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, "sess-2", bindings[0].SessionID)
}

func TestBindingStore_RehydrateRegistry(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	live := testBinding("telegram", "chat-100", "sess-1")
	live.State = conversation.StateRunning // activity does not survive a restart
	require.NoError(t, store.UpsertBinding(ctx, live))

	stale := testBinding("telegram", "chat-200", "sess-2")
	stale.LastActivityAt = time.Now().UTC().Add(-5 * time.Hour)
	require.NoError(t, store.UpsertBinding(ctx, stale))

	registry := conversation.NewRegistry(4*time.Hour, slog.Default())
	restored, err := store.RehydrateRegistry(ctx, registry)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	b, err := registry.Resolve("telegram", "chat-100")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", b.SessionID)
	assert.Equal(t, conversation.StateIdle, b.State)

	_, err = registry.Resolve("telegram", "chat-200")
	assert.ErrorIs(t, err, conversation.ErrBindingNotFound)

	// The expired snapshot was pruned from the database too.
	_, err = store.GetBinding(ctx, "telegram", "chat-200")
	assert.ErrorIs(t, err, ErrBindingNotFound)
}
