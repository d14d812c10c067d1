// ABOUTME: Prompt records surfaced when an agent session asks a question
// ABOUTME: Carries type, confidence, excerpt, choices, and the resolution nonce

package prompt

import (
	"time"

	"github.com/google/uuid"
)

// Type classifies what kind of answer a prompt expects.
type Type string

const (
	TypeYesNo          Type = "yes_no"
	TypeMultipleChoice Type = "multiple_choice"
	TypeFreeText       Type = "free_text"
)

// Confidence grades how certain the detector is that the excerpt is a real
// question. Low-confidence prompts default to the safe path and are not
// routed to chat channels.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// DefaultTTL is how long a prompt stays answerable.
const DefaultTTL = 5 * time.Minute

// Prompt is one pending question from an agent session. The nonce is
// embedded in outbound notification buttons and consumed exactly once on
// resolution; a replayed or mismatched nonce resolves nothing.
type Prompt struct {
	ID         string
	SessionID  string
	Type       Type
	Confidence Confidence
	Excerpt    string
	Choices    []string
	Status     Status
	Nonce      string

	Answer          string
	ChannelIdentity string

	CreatedAt  time.Time
	ExpiresAt  time.Time
	ResolvedAt time.Time
}

// New creates a prompt in the created status with a fresh ID and nonce.
func New(sessionID string, typ Type, confidence Confidence, excerpt string, choices []string, ttl time.Duration) *Prompt {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now().UTC()
	return &Prompt{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		Type:       typ,
		Confidence: confidence,
		Excerpt:    excerpt,
		Choices:    choices,
		Status:     StatusCreated,
		Nonce:      uuid.New().String(),
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
}

// Expired reports whether the prompt's answer window has closed.
func (p *Prompt) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}
