// ABOUTME: HTTP client that injects chat input into a running agent session
// ABOUTME: Implements the router's injection hook against the agent control plane

package inject

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultTimeout bounds one injection round trip.
const DefaultTimeout = 10 * time.Second

// Client delivers chat text to an agent session via the control-plane HTTP API.
type Client struct {
	baseURL   string
	authToken string
	client    *http.Client
	logger    *slog.Logger
}

// New creates an injection client for the given base URL. The auth token, if
// set, is sent as a bearer token. A zero timeout selects DefaultTimeout.
func New(baseURL, authToken string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:   baseURL,
		authToken: authToken,
		client:    &http.Client{Timeout: timeout},
		logger:    logger.With("component", "inject"),
	}
}

type injectRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ExecuteChatInput posts text to the session's input. A non-200 response is
// an error; the router surfaces it as a delivery failure, not a rejection.
func (c *Client) ExecuteChatInput(ctx context.Context, sessionID, text string) error {
	body, err := json.Marshal(injectRequest{SessionID: sessionID, Text: text})
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/sessions/"+sessionID+"/input", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(resp)
	}

	c.logger.Debug("injected chat input", "session", sessionID, "bytes", len(text))
	return nil
}

// handleErrorResponse extracts an error message from non-200 responses.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	if resp.Header.Get("Content-Type") == "application/json" {
		var errResp errorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("agent error (%d): %s", resp.StatusCode, errResp.Error)
		}
	}

	return fmt.Errorf("agent returned status %d: %s", resp.StatusCode, string(body))
}
