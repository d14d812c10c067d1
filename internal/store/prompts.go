// ABOUTME: Prompt persistence and the single-use decision guard
// ABOUTME: DecidePrompt atomically consumes a nonce so each prompt resolves at most once

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/prompt"
)

// Prompt errors.
var (
	ErrPromptNotFound     = errors.New("prompt not found")
	ErrPromptNotDecidable = errors.New("prompt not decidable: wrong status, expired, or nonce already used")
)

// SavePrompt inserts a new prompt record and its initial history entry.
func (s *SQLiteStore) SavePrompt(ctx context.Context, p *prompt.Prompt) error {
	choicesJSON, err := marshalChoices(p.Choices)
	if err != nil {
		return fmt.Errorf("encoding choices: %w", err)
	}

	query := `
		INSERT INTO prompts (prompt_id, session_id, type, confidence, excerpt, choices_json,
		                     status, nonce, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		p.ID,
		p.SessionID,
		string(p.Type),
		string(p.Confidence),
		p.Excerpt,
		choicesJSON,
		string(p.Status),
		p.Nonce,
		p.CreatedAt.UTC().Format(time.RFC3339),
		p.ExpiresAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting prompt: %w", err)
	}

	if err := s.appendHistory(ctx, p.ID, p.Status, "created"); err != nil {
		return err
	}

	s.logger.Debug("saved prompt", "id", p.ID, "session", p.SessionID, "type", p.Type)
	return nil
}

// GetPrompt retrieves a prompt by its ID.
func (s *SQLiteStore) GetPrompt(ctx context.Context, id string) (*prompt.Prompt, error) {
	query := `
		SELECT prompt_id, session_id, type, confidence, excerpt, choices_json,
		       status, nonce, answer, channel_identity, created_at, expires_at, resolved_at
		FROM prompts
		WHERE prompt_id = ?
	`

	return s.scanPrompt(s.db.QueryRowContext(ctx, query, id))
}

// SetPromptStatus records a lifecycle transition for a prompt. The transition
// is validated against the prompt state machine before it is written.
func (s *SQLiteStore) SetPromptStatus(ctx context.Context, id string, to prompt.Status, note string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM prompts WHERE prompt_id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrPromptNotFound
	}
	if err != nil {
		return fmt.Errorf("reading prompt status: %w", err)
	}

	machine := &prompt.StateMachine{Status: prompt.Status(current)}
	if err := machine.Transition(to, note); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if to == prompt.StatusResolved {
		_, err = tx.ExecContext(ctx,
			`UPDATE prompts SET status = ?, resolved_at = ? WHERE prompt_id = ?`,
			string(to), now, id)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE prompts SET status = ? WHERE prompt_id = ?`, string(to), id)
	}
	if err != nil {
		return fmt.Errorf("updating prompt status: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO prompt_history (prompt_id, status, note, created_at) VALUES (?, ?, ?, ?)`,
		id, string(to), note, now)
	if err != nil {
		return fmt.Errorf("inserting history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing status change: %w", err)
	}

	s.logger.Debug("prompt status changed", "id", id, "status", to)
	return nil
}

// DecidePrompt records an answer for a prompt. The guard is a single UPDATE
// whose WHERE clause enforces every precondition at once: the prompt must be
// awaiting a reply, unexpired, and its nonce unused and matching. A replayed
// button press, a stale prompt, or a forged nonce all affect zero rows and
// return ErrPromptNotDecidable.
func (s *SQLiteStore) DecidePrompt(ctx context.Context, id, nonce, answer, identity string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	query := `
		UPDATE prompts
		SET status = 'reply_received', nonce_used = 1, answer = ?, channel_identity = ?
		WHERE prompt_id = ?
		  AND nonce = ?
		  AND nonce_used = 0
		  AND status = 'awaiting_reply'
		  AND expires_at > ?
	`

	res, err := s.db.ExecContext(ctx, query, answer, identity, id, nonce, now)
	if err != nil {
		return fmt.Errorf("deciding prompt: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if rows == 0 {
		return ErrPromptNotDecidable
	}

	if err := s.appendHistory(ctx, id, prompt.StatusReplyReceived, "answer from "+identity); err != nil {
		return err
	}

	s.logger.Info("prompt decided", "id", id, "identity", identity)
	return nil
}

// PendingPrompts lists prompts for a session that are still answerable.
func (s *SQLiteStore) PendingPrompts(ctx context.Context, sessionID string) ([]*prompt.Prompt, error) {
	query := `
		SELECT prompt_id, session_id, type, confidence, excerpt, choices_json,
		       status, nonce, answer, channel_identity, created_at, expires_at, resolved_at
		FROM prompts
		WHERE session_id = ? AND status IN ('created', 'routed', 'awaiting_reply')
		ORDER BY created_at
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying pending prompts: %w", err)
	}
	defer rows.Close()

	var prompts []*prompt.Prompt
	for rows.Next() {
		p, err := s.scanPromptRows(rows)
		if err != nil {
			return nil, err
		}
		prompts = append(prompts, p)
	}
	return prompts, rows.Err()
}

// ExpirePrompts moves every awaiting prompt whose answer window has closed to
// the expired status. Returns the number of prompts expired.
func (s *SQLiteStore) ExpirePrompts(ctx context.Context) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	query := `
		SELECT prompt_id FROM prompts
		WHERE status = 'awaiting_reply' AND expires_at <= ?
	`
	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("querying expirable prompts: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning prompt id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		if err := s.SetPromptStatus(ctx, id, prompt.StatusExpired, "answer window closed"); err != nil {
			return 0, err
		}
	}

	if len(ids) > 0 {
		s.logger.Info("expired prompts", "count", len(ids))
	}
	return len(ids), nil
}

// PromptHistory returns the recorded lifecycle entries for a prompt, oldest first.
func (s *SQLiteStore) PromptHistory(ctx context.Context, id string) ([]prompt.HistoryEntry, error) {
	query := `
		SELECT status, note, created_at FROM prompt_history
		WHERE prompt_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("querying prompt history: %w", err)
	}
	defer rows.Close()

	var entries []prompt.HistoryEntry
	for rows.Next() {
		var e prompt.HistoryEntry
		var note sql.NullString
		var at string
		if err := rows.Scan(&e.Status, &note, &at); err != nil {
			return nil, fmt.Errorf("scanning history entry: %w", err)
		}
		e.Note = note.String
		e.At, _ = time.Parse(time.RFC3339, at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) appendHistory(ctx context.Context, id string, status prompt.Status, note string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prompt_history (prompt_id, status, note, created_at) VALUES (?, ?, ?, ?)`,
		id, string(status), note, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting history: %w", err)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for shared scanning.
type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanPrompt(row *sql.Row) (*prompt.Prompt, error) {
	p, err := scanPromptFrom(row)
	if err == sql.ErrNoRows {
		return nil, ErrPromptNotFound
	}
	return p, err
}

func (s *SQLiteStore) scanPromptRows(rows *sql.Rows) (*prompt.Prompt, error) {
	return scanPromptFrom(rows)
}

func scanPromptFrom(sc scanner) (*prompt.Prompt, error) {
	var p prompt.Prompt
	var choicesJSON, answer, identity, resolvedAt sql.NullString
	var createdAt, expiresAt string

	err := sc.Scan(&p.ID, &p.SessionID, &p.Type, &p.Confidence, &p.Excerpt, &choicesJSON,
		&p.Status, &p.Nonce, &answer, &identity, &createdAt, &expiresAt, &resolvedAt)
	if err != nil {
		return nil, err
	}

	if choicesJSON.Valid && choicesJSON.String != "" {
		if err := json.Unmarshal([]byte(choicesJSON.String), &p.Choices); err != nil {
			return nil, fmt.Errorf("decoding choices: %w", err)
		}
	}
	p.Answer = answer.String
	p.ChannelIdentity = identity.String
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	p.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt)
	if resolvedAt.Valid {
		p.ResolvedAt, _ = time.Parse(time.RFC3339, resolvedAt.String)
	}

	return &p, nil
}

func marshalChoices(choices []string) (any, error) {
	if len(choices) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(choices)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
