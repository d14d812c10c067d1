// ABOUTME: HTTP client for the atlasbridge routing core API
// ABOUTME: Posts inbound Matrix messages and manages bindings over REST

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ErrTokenRejected is returned when the core turns a bind token away.
var ErrTokenRejected = errors.New("bind token rejected")

// MessageRequest is the request body for POST /api/messages.
type MessageRequest struct {
	Channel  string `json:"channel"`
	ThreadID string `json:"thread_id"`
	Identity string `json:"identity"`
	Body     string `json:"body"`
}

// Outcome is the routing result the core reports for one message.
type Outcome struct {
	Accepted      bool   `json:"accepted"`
	Dropped       bool   `json:"dropped"`
	Route         string `json:"route"`
	SessionID     string `json:"session_id"`
	PromptID      string `json:"prompt_id"`
	Reason        string `json:"reason"`
	Hint          string `json:"hint"`
	DeliveryError string `json:"delivery_error"`
}

// Binding is the core's view of a thread-to-session binding.
type Binding struct {
	Channel   string `json:"channel"`
	ThreadID  string `json:"thread_id"`
	SessionID string `json:"session_id"`
	Identity  string `json:"identity"`
	State     string `json:"state"`
}

// PendingPrompt is one unanswered prompt of a session.
type PendingPrompt struct {
	PromptID string   `json:"prompt_id"`
	Type     string   `json:"type"`
	Status   string   `json:"status"`
	Excerpt  string   `json:"excerpt"`
	Choices  []string `json:"choices"`
}

// CoreClient communicates with the routing core HTTP API.
type CoreClient struct {
	baseURL string
	client  *http.Client
}

// NewCoreClient creates a client for the core at the given base URL.
func NewCoreClient(baseURL string) *CoreClient {
	return &CoreClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// PostMessage pushes one inbound Matrix message through the core's gate.
func (c *CoreClient) PostMessage(ctx context.Context, req MessageRequest) (Outcome, error) {
	var out Outcome
	if err := c.doJSON(ctx, http.MethodPost, "/api/messages", req, &out); err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// RedeemToken binds a room to the session a bind token names.
func (c *CoreClient) RedeemToken(ctx context.Context, roomID, identity, token string) (Binding, error) {
	req := map[string]string{
		"channel":   "matrix",
		"thread_id": roomID,
		"identity":  identity,
		"token":     token,
	}
	var b Binding
	err := c.doJSON(ctx, http.MethodPost, "/api/bindings", req, &b)
	var apiErr *apiError
	if errors.As(err, &apiErr) && (apiErr.status == http.StatusUnauthorized || apiErr.status == http.StatusForbidden) {
		return Binding{}, fmt.Errorf("%w: %s", ErrTokenRejected, apiErr.message)
	}
	if err != nil {
		return Binding{}, err
	}
	return b, nil
}

// DeleteBinding detaches a room from its session.
func (c *CoreClient) DeleteBinding(ctx context.Context, roomID string) error {
	path := "/api/bindings?channel=matrix&thread_id=" + url.QueryEscape(roomID)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// PendingPrompts fetches the unanswered prompts of a session.
func (c *CoreClient) PendingPrompts(ctx context.Context, sessionID string) ([]PendingPrompt, error) {
	var resp struct {
		Prompts []PendingPrompt `json:"prompts"`
	}
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/prompts"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Prompts, nil
}

// apiError carries a non-2xx response from the core.
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("core returned %d: %s", e.status, e.message)
}

func (c *CoreClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling core: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return &apiError{status: resp.StatusCode, message: errBody.Error}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
