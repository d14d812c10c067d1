// ABOUTME: Binding snapshot persistence for conversation-to-session mappings
// ABOUTME: Lets the registry survive restarts by rehydrating unexpired bindings

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/conversation"
)

// ErrBindingNotFound is returned when no snapshot exists for a conversation key.
var ErrBindingNotFound = errors.New("binding not found")

// UpsertBinding writes a binding snapshot, replacing any previous one for the
// same conversation key.
func (s *SQLiteStore) UpsertBinding(ctx context.Context, b *conversation.Binding) error {
	query := `
		INSERT INTO channel_bindings (channel, thread_id, session_id, identity, state, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel, thread_id) DO UPDATE SET
			session_id = excluded.session_id,
			identity = excluded.identity,
			state = excluded.state,
			last_activity_at = excluded.last_activity_at
	`

	_, err := s.db.ExecContext(ctx, query,
		b.Channel,
		b.ThreadID,
		b.SessionID,
		b.Identity,
		string(b.State),
		b.CreatedAt.UTC().Format(time.RFC3339),
		b.LastActivityAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting binding: %w", err)
	}

	s.logger.Debug("saved binding snapshot", "channel", b.Channel, "thread", b.ThreadID, "session", b.SessionID)
	return nil
}

// GetBinding retrieves a binding snapshot by conversation key.
func (s *SQLiteStore) GetBinding(ctx context.Context, channel, threadID string) (*conversation.Binding, error) {
	query := `
		SELECT channel, thread_id, session_id, identity, state, created_at, last_activity_at
		FROM channel_bindings
		WHERE channel = ? AND thread_id = ?
	`

	b, err := scanBinding(s.db.QueryRowContext(ctx, query, channel, threadID))
	if err == sql.ErrNoRows {
		return nil, ErrBindingNotFound
	}
	return b, err
}

// ListBindings returns every persisted binding snapshot.
func (s *SQLiteStore) ListBindings(ctx context.Context) ([]*conversation.Binding, error) {
	query := `
		SELECT channel, thread_id, session_id, identity, state, created_at, last_activity_at
		FROM channel_bindings
		ORDER BY channel, thread_id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying bindings: %w", err)
	}
	defer rows.Close()

	var bindings []*conversation.Binding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}

// DeleteBinding removes a binding snapshot. Deleting a snapshot that does
// not exist is not an error: every unbind path drops the snapshot whether or
// not the registry still held the binding.
func (s *SQLiteStore) DeleteBinding(ctx context.Context, channel, threadID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM channel_bindings WHERE channel = ? AND thread_id = ?`, channel, threadID)
	if err != nil {
		return fmt.Errorf("deleting binding: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if rows > 0 {
		s.logger.Debug("deleted binding snapshot", "channel", channel, "thread", threadID)
	}
	return nil
}

// DeleteSessionBindings removes every snapshot bound to a session. Returns
// the number of snapshots removed.
func (s *SQLiteStore) DeleteSessionBindings(ctx context.Context, sessionID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM channel_bindings WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("deleting session bindings: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}
	return int(rows), nil
}

// RehydrateRegistry loads every unexpired binding snapshot into the registry.
// Bindings are restored in the idle state: in-flight agent activity does not
// survive a restart, so running or streaming snapshots conservatively reset.
// Expired snapshots are dropped from the database. Returns the number restored.
func (s *SQLiteStore) RehydrateRegistry(ctx context.Context, registry *conversation.Registry) (int, error) {
	bindings, err := s.ListBindings(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	restored := 0
	for _, b := range bindings {
		if b.Expired(now, registry.TTL()) {
			if err := s.DeleteBinding(ctx, b.Channel, b.ThreadID); err != nil {
				return restored, err
			}
			continue
		}
		if err := registry.Restore(b); err != nil {
			return restored, fmt.Errorf("restoring binding %s/%s: %w", b.Channel, b.ThreadID, err)
		}
		restored++
	}

	if restored > 0 {
		s.logger.Info("rehydrated bindings", "count", restored)
	}
	return restored, nil
}

func scanBinding(sc scanner) (*conversation.Binding, error) {
	var b conversation.Binding
	var identity sql.NullString
	var state, createdAt, lastActivity string

	err := sc.Scan(&b.Channel, &b.ThreadID, &b.SessionID, &identity, &state, &createdAt, &lastActivity)
	if err != nil {
		return nil, err
	}

	b.Identity = identity.String
	b.State = conversation.State(state)
	b.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	b.LastActivityAt, _ = time.Parse(time.RFC3339, lastActivity)

	return &b, nil
}
