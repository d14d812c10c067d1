// ABOUTME: HTTP API handlers for bindings, messages, prompts, and session state
// ABOUTME: Bridges and agent control planes talk to the routing core through these

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/auth"
	"github.com/atlasbridge/atlasbridge/internal/channels"
	"github.com/atlasbridge/atlasbridge/internal/conversation"
	"github.com/atlasbridge/atlasbridge/internal/gate"
	"github.com/atlasbridge/atlasbridge/internal/prompt"
	"github.com/atlasbridge/atlasbridge/internal/router"
	"github.com/atlasbridge/atlasbridge/internal/store"
)

// MessageRequest is the JSON request body for POST /api/messages.
type MessageRequest struct {
	Channel  string `json:"channel"`
	ThreadID string `json:"thread_id"`
	Identity string `json:"identity"`
	Body     string `json:"body"`
	Kind     string `json:"kind,omitempty"`      // "text" (default), "password", "callback"
	PromptID string `json:"prompt_id,omitempty"` // for callback kind
}

// OutcomeResponse is the JSON shape of a routing outcome.
type OutcomeResponse struct {
	Accepted      bool   `json:"accepted"`
	Dropped       bool   `json:"dropped,omitempty"`
	Route         string `json:"route,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	PromptID      string `json:"prompt_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Hint          string `json:"hint,omitempty"`
	DeliveryError string `json:"delivery_error,omitempty"`
}

// BindingRequest is the JSON request body for POST /api/bindings. Either
// SessionID names the target session directly, or Token carries a bind token
// that resolves to one.
type BindingRequest struct {
	Channel   string `json:"channel"`
	ThreadID  string `json:"thread_id"`
	SessionID string `json:"session_id,omitempty"`
	Identity  string `json:"identity,omitempty"`
	Token     string `json:"token,omitempty"`
}

// BindingResponse is the JSON shape of a binding.
type BindingResponse struct {
	Channel        string `json:"channel"`
	ThreadID       string `json:"thread_id"`
	SessionID      string `json:"session_id"`
	Identity       string `json:"identity,omitempty"`
	State          string `json:"state"`
	ActivePromptID string `json:"active_prompt_id,omitempty"`
	CreatedAt      string `json:"created_at"`
	LastActivityAt string `json:"last_activity_at"`
}

// ListBindingsResponse is the JSON response for GET /api/bindings.
type ListBindingsResponse struct {
	Bindings []BindingResponse `json:"bindings"`
}

// CreatePromptRequest is the JSON request body for POST /api/prompts.
type CreatePromptRequest struct {
	SessionID  string `json:"session_id"`
	Excerpt    string `json:"excerpt"`
	Type       string `json:"type,omitempty"`       // inferred from excerpt when empty
	Confidence string `json:"confidence,omitempty"` // defaults to "medium"
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

// CreatePromptResponse is the JSON response for POST /api/prompts.
type CreatePromptResponse struct {
	PromptID string   `json:"prompt_id"`
	Type     string   `json:"type"`
	Choices  []string `json:"choices,omitempty"`
	Routed   bool     `json:"routed"`
	Notified int      `json:"notified"`
}

// SessionStateRequest is the JSON request body for POST /api/sessions/{id}/state.
type SessionStateRequest struct {
	State    string `json:"state"`
	PromptID string `json:"prompt_id,omitempty"`
}

// BindTokenRequest is the JSON request body for POST /api/bind-tokens.
type BindTokenRequest struct {
	SessionID  string `json:"session_id"`
	Identity   string `json:"identity,omitempty"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

// BindTokenResponse is the JSON response for POST /api/bind-tokens.
type BindTokenResponse struct {
	Token string `json:"token"`
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the core is serving bindings.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// handleMessages handles POST /api/messages: one inbound channel message
// pushed through the admission gate. Used by out-of-process bridges.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Channel == "" || req.ThreadID == "" || req.Identity == "" {
		s.sendJSONError(w, http.StatusBadRequest, "channel, thread_id, and identity are required")
		return
	}

	kind, err := parseKind(req.Kind)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome := s.router.HandleIncomingMessage(r.Context(), req.Channel, req.ThreadID, req.Identity, router.Message{
		Body:     req.Body,
		Kind:     kind,
		PromptID: req.PromptID,
	})

	s.writeJSON(w, http.StatusOK, outcomeResponse(outcome))
}

// handleBindings dispatches on method for /api/bindings.
func (s *Server) handleBindings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListBindings(w, r)
	case http.MethodPost:
		s.handleCreateBinding(w, r)
	case http.MethodDelete:
		s.handleDeleteBinding(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleListBindings handles GET /api/bindings.
func (s *Server) handleListBindings(w http.ResponseWriter, r *http.Request) {
	bindings := s.registry.List()
	response := ListBindingsResponse{Bindings: make([]BindingResponse, len(bindings))}
	for i, b := range bindings {
		response.Bindings[i] = bindingResponse(b)
	}
	s.writeJSON(w, http.StatusOK, response)
}

// handleCreateBinding handles POST /api/bindings.
func (s *Server) handleCreateBinding(w http.ResponseWriter, r *http.Request) {
	var req BindingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Channel == "" || req.ThreadID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "channel and thread_id are required")
		return
	}

	if req.Token != "" {
		claims, err := s.tokens.Verify(req.Token)
		if errors.Is(err, auth.ErrExpiredToken) {
			s.sendJSONError(w, http.StatusUnauthorized, "bind token expired")
			return
		}
		if err != nil {
			s.sendJSONError(w, http.StatusUnauthorized, "invalid bind token")
			return
		}
		if claims.Identity != "" && req.Identity != "" && claims.Identity != req.Identity {
			s.sendJSONError(w, http.StatusForbidden, "bind token was issued for a different identity")
			return
		}
		req.SessionID = claims.SessionID
		if req.Identity == "" {
			req.Identity = claims.Identity
		}
	}
	if req.SessionID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "session_id or token is required")
		return
	}

	b, err := s.router.BindThread(req.Channel, req.ThreadID, req.SessionID, req.Identity)
	if errors.Is(err, conversation.ErrAlreadyBound) {
		s.sendJSONError(w, http.StatusConflict, "thread already bound to another session")
		return
	}
	if err != nil {
		s.sendJSONError(w, http.StatusNotFound, err.Error())
		return
	}

	s.writeJSON(w, http.StatusCreated, bindingResponse(b))
}

// handleDeleteBinding handles DELETE /api/bindings?channel=X&thread_id=Y.
func (s *Server) handleDeleteBinding(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	threadID := r.URL.Query().Get("thread_id")
	if channel == "" || threadID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "channel and thread_id are required")
		return
	}

	err := s.router.UnbindThread(channel, threadID)
	if errors.Is(err, conversation.ErrBindingNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "no binding for this thread")
		return
	}
	if err != nil {
		s.logger.Error("failed to unbind thread", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// yesNoPattern spots excerpts that end in a yes/no question marker.
var yesNoPattern = regexp.MustCompile(`(?i)[\[(]\s*y(es)?\s*/\s*no?\s*[\])]`)

// handleCreatePrompt handles POST /api/prompts: an agent session surfaced a
// question. The excerpt is sanitized, classified, persisted, and fanned out
// to every thread bound to the session. Low-confidence prompts are stored
// but never routed to a channel.
func (s *Server) handleCreatePrompt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req CreatePromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" || req.Excerpt == "" {
		s.sendJSONError(w, http.StatusBadRequest, "session_id and excerpt are required")
		return
	}

	excerpt := prompt.SanitizeTerminalOutput(req.Excerpt)
	if !prompt.IsMeaningful(excerpt) {
		s.sendJSONError(w, http.StatusUnprocessableEntity, "excerpt has no meaningful content after sanitization")
		return
	}

	choices := prompt.ExtractChoices(excerpt)
	promptType := classifyPrompt(req.Type, excerpt, choices)
	confidence := prompt.Confidence(req.Confidence)
	if confidence == "" {
		confidence = prompt.ConfidenceMedium
	}

	p := prompt.New(req.SessionID, promptType, confidence, excerpt, choices,
		time.Duration(req.TTLSeconds)*time.Second)
	if err := s.store.SavePrompt(r.Context(), p); err != nil {
		s.logger.Error("failed to save prompt", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := CreatePromptResponse{
		PromptID: p.ID,
		Type:     string(p.Type),
		Choices:  p.Choices,
	}

	// The safe path for uncertain detections: keep the prompt answerable via
	// the API, but do not interrupt anyone's chat with it.
	if confidence == prompt.ConfidenceLow {
		s.writeJSON(w, http.StatusAccepted, resp)
		return
	}

	if err := s.store.SetPromptStatus(r.Context(), p.ID, prompt.StatusRouted, ""); err != nil {
		s.logger.Error("failed to mark prompt routed", "error", err)
	}
	resp.Routed = true

	// The state fan-out comes first: a thread only gets answer buttons after
	// its binding actually entered awaiting_input, so every notified button
	// resolves against a live active prompt.
	s.router.ApplySessionState(p.SessionID, conversation.StateAwaitingInput, p.ID)
	resp.Notified = s.notifyBoundThreads(r, p)

	if err := s.store.SetPromptStatus(r.Context(), p.ID, prompt.StatusAwaitingReply, ""); err != nil {
		s.logger.Error("failed to mark prompt awaiting reply", "error", err)
	}

	s.writeJSON(w, http.StatusCreated, resp)
}

// notifyBoundThreads fans the prompt out to every thread whose binding holds
// it as the active prompt and returns how many deliveries succeeded.
// Bindings that refused the awaiting_input transition are skipped: a button
// they cannot answer is worse than no notification.
func (s *Server) notifyBoundThreads(r *http.Request, p *prompt.Prompt) int {
	notified := 0
	for _, b := range s.registry.BindingsForSession(p.SessionID) {
		if b.ActivePromptID != p.ID {
			continue
		}
		err := s.channels.NotifyPrompt(r.Context(), b.Channel, b.ThreadID, channelNotification(p))
		if err != nil {
			s.logger.Error("prompt notification failed",
				"prompt", p.ID, "channel", b.Channel, "thread", b.ThreadID, "error", err)
			continue
		}
		notified++
	}
	return notified
}

// handleGetPrompt handles GET /api/prompts/{id}: the prompt with its full
// audit history.
func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/prompts/")
	if id == "" || strings.Contains(id, "/") {
		s.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}

	p, err := s.store.GetPrompt(r.Context(), id)
	if errors.Is(err, store.ErrPromptNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "no such prompt")
		return
	}
	if err != nil {
		s.logger.Error("failed to load prompt", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	history, err := s.store.PromptHistory(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to load prompt history", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	type historyJSON struct {
		Status string `json:"status"`
		Note   string `json:"note,omitempty"`
		At     string `json:"at"`
	}
	hist := make([]historyJSON, len(history))
	for i, h := range history {
		hist[i] = historyJSON{Status: string(h.Status), Note: h.Note, At: h.At.Format(time.RFC3339)}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"prompt_id":  p.ID,
		"session_id": p.SessionID,
		"type":       string(p.Type),
		"status":     string(p.Status),
		"excerpt":    p.Excerpt,
		"choices":    p.Choices,
		"answer":     p.Answer,
		"created_at": p.CreatedAt.Format(time.RFC3339),
		"expires_at": p.ExpiresAt.Format(time.RFC3339),
		"history":    hist,
	})
}

// handleSessionRoutes dispatches /api/sessions/{id}/... paths.
func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		s.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}
	sessionID := parts[0]

	switch parts[1] {
	case "state":
		s.handleSessionState(w, r, sessionID)
	case "prompts":
		s.handleSessionPrompts(w, r, sessionID)
	default:
		s.sendJSONError(w, http.StatusNotFound, "not found")
	}
}

// handleSessionState handles POST /api/sessions/{id}/state: the agent
// control plane reporting a lifecycle change, fanned out to every bound
// thread. The "stopped" state also drops the session's bindings.
func (s *Server) handleSessionState(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req SessionStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var updated int
	switch conversation.State(req.State) {
	case conversation.StateStopped:
		updated = s.router.SessionStopped(sessionID)
	case conversation.StateIdle, conversation.StateRunning, conversation.StateStreaming:
		updated = s.router.ApplySessionState(sessionID, conversation.State(req.State), "")
	case conversation.StateAwaitingInput:
		if req.PromptID == "" {
			s.sendJSONError(w, http.StatusBadRequest, "prompt_id is required for awaiting_input")
			return
		}
		updated = s.router.ApplySessionState(sessionID, conversation.StateAwaitingInput, req.PromptID)
	default:
		s.sendJSONError(w, http.StatusBadRequest, "unknown state "+req.State)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]int{"updated": updated})
}

// handleSessionPrompts handles GET /api/sessions/{id}/prompts.
func (s *Server) handleSessionPrompts(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	prompts, err := s.store.PendingPrompts(r.Context(), sessionID)
	if err != nil {
		s.logger.Error("failed to list pending prompts", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	type promptJSON struct {
		PromptID  string   `json:"prompt_id"`
		Type      string   `json:"type"`
		Status    string   `json:"status"`
		Excerpt   string   `json:"excerpt"`
		Choices   []string `json:"choices,omitempty"`
		ExpiresAt string   `json:"expires_at"`
	}
	out := make([]promptJSON, len(prompts))
	for i, p := range prompts {
		out[i] = promptJSON{
			PromptID:  p.ID,
			Type:      string(p.Type),
			Status:    string(p.Status),
			Excerpt:   p.Excerpt,
			Choices:   p.Choices,
			ExpiresAt: p.ExpiresAt.Format(time.RFC3339),
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"prompts": out})
}

// handleBindTokens handles POST /api/bind-tokens: mints a deep-link token
// that a channel user redeems to bind their thread to a session.
func (s *Server) handleBindTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req BindTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	token, err := s.tokens.Issue(req.SessionID, req.Identity, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		s.logger.Error("failed to issue bind token", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.writeJSON(w, http.StatusCreated, BindTokenResponse{Token: token})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// parseKind maps the wire kind to the gate's message kinds.
func parseKind(kind string) (gate.MessageKind, error) {
	switch kind {
	case "", "text":
		return gate.KindText, nil
	case "password":
		return gate.KindPassword, nil
	case "callback":
		return gate.KindCallback, nil
	default:
		return "", errors.New("unknown message kind " + kind)
	}
}

// classifyPrompt picks the prompt type: an explicit request wins, then
// extracted choices, then a yes/no marker, then free text.
func classifyPrompt(explicit, excerpt string, choices []string) prompt.Type {
	switch prompt.Type(explicit) {
	case prompt.TypeYesNo, prompt.TypeMultipleChoice, prompt.TypeFreeText:
		return prompt.Type(explicit)
	}
	if len(choices) > 0 {
		return prompt.TypeMultipleChoice
	}
	if yesNoPattern.MatchString(excerpt) {
		return prompt.TypeYesNo
	}
	return prompt.TypeFreeText
}

func outcomeResponse(o router.Outcome) OutcomeResponse {
	resp := OutcomeResponse{
		Accepted:  o.Accepted,
		Dropped:   o.Dropped,
		SessionID: o.SessionID,
		PromptID:  o.PromptID,
		Reason:    string(o.Reason),
		Hint:      o.Hint,
	}
	if o.Accepted {
		resp.Route = string(o.Route)
	}
	if o.DeliveryErr != nil {
		resp.DeliveryError = o.DeliveryErr.Error()
	}
	return resp
}

func bindingResponse(b conversation.Binding) BindingResponse {
	return BindingResponse{
		Channel:        b.Channel,
		ThreadID:       b.ThreadID,
		SessionID:      b.SessionID,
		Identity:       b.Identity,
		State:          string(b.State),
		ActivePromptID: b.ActivePromptID,
		CreatedAt:      b.CreatedAt.Format(time.RFC3339),
		LastActivityAt: b.LastActivityAt.Format(time.RFC3339),
	}
}

func channelNotification(p *prompt.Prompt) channels.Notification {
	return channels.Notification{
		PromptID: p.ID,
		Type:     p.Type,
		Excerpt:  p.Excerpt,
		Choices:  p.Choices,
	}
}
