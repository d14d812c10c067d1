// ABOUTME: Resolver drives a prompt from decision through answer injection to resolved
// ABOUTME: Adapts the store's single-use decision guard to the router's resolution hook

package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/atlasbridge/atlasbridge/internal/prompt"
)

// AnswerInjector delivers a resolved answer into the agent session's input.
type AnswerInjector interface {
	ExecuteChatInput(ctx context.Context, sessionID, text string) error
}

// Resolver completes prompt lifecycles: it records the answer through the
// atomic decision guard, injects it into the owning session, and advances the
// prompt to resolved.
type Resolver struct {
	store    *SQLiteStore
	injector AnswerInjector
	logger   *slog.Logger
}

// NewResolver creates a resolver backed by the given store and injector.
func NewResolver(store *SQLiteStore, injector AnswerInjector, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:    store,
		injector: injector,
		logger:   logger.With("component", "resolver"),
	}
}

// ResolvePrompt answers a prompt identified only by ID, as happens when a
// user replies with text in a thread that is awaiting input. The stored nonce
// is consumed on their behalf; the decision guard still rejects a second
// resolution.
func (r *Resolver) ResolvePrompt(ctx context.Context, promptID, value, identity string) error {
	p, err := r.store.GetPrompt(ctx, promptID)
	if err != nil {
		return err
	}
	return r.ResolveWithNonce(ctx, promptID, p.Nonce, value, identity)
}

// ResolveWithNonce answers a prompt using an explicit nonce, as carried in a
// notification button's callback payload. A mismatched or replayed nonce
// fails with ErrPromptNotDecidable and changes nothing.
func (r *Resolver) ResolveWithNonce(ctx context.Context, promptID, nonce, value, identity string) error {
	if err := r.store.DecidePrompt(ctx, promptID, nonce, value, identity); err != nil {
		return err
	}

	p, err := r.store.GetPrompt(ctx, promptID)
	if err != nil {
		return err
	}

	if err := r.injector.ExecuteChatInput(ctx, p.SessionID, value); err != nil {
		if statusErr := r.store.SetPromptStatus(ctx, promptID, prompt.StatusFailed, "answer injection failed"); statusErr != nil {
			r.logger.Error("failed to mark prompt failed", "id", promptID, "error", statusErr)
		}
		return fmt.Errorf("injecting answer: %w", err)
	}

	if err := r.store.SetPromptStatus(ctx, promptID, prompt.StatusInjected, ""); err != nil {
		return err
	}
	if err := r.store.SetPromptStatus(ctx, promptID, prompt.StatusResolved, ""); err != nil {
		return err
	}

	r.logger.Info("prompt resolved", "id", promptID, "session", p.SessionID, "identity", identity)
	return nil
}
