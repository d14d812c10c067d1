// ABOUTME: Matrix bridge core connecting rooms to the atlasbridge routing API
// ABOUTME: Relays room messages through the gate and surfaces agent prompts

package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// networkTimeout is the timeout for Matrix API calls.
const networkTimeout = 10 * time.Second

// Bridge connects Matrix rooms to the atlasbridge core.
type Bridge struct {
	config *Config
	matrix *mautrix.Client
	core   *CoreClient
	logger *slog.Logger

	// bound maps roomID -> sessionID for rooms this bridge attached.
	bound sync.Map
	// delivered tracks prompt IDs already posted into a room.
	delivered sync.Map
	// pending maps roomID -> the last prompt posted there, so numbered
	// replies can be mapped back to the choice text.
	pending sync.Map

	ctx    context.Context
	cancel context.CancelFunc
}

// NewBridge creates a new Matrix bridge.
func NewBridge(cfg *Config, logger *slog.Logger) (*Bridge, error) {
	client, err := mautrix.NewClient(cfg.Matrix.Homeserver, id.UserID(cfg.Matrix.UserID), cfg.Matrix.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	return &Bridge{
		config: cfg,
		matrix: client,
		core:   NewCoreClient(cfg.Core.URL),
		logger: logger,
	}, nil
}

// Run starts the bridge and blocks until context is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("starting matrix bridge",
		"homeserver", b.config.Matrix.Homeserver,
		"user_id", b.config.Matrix.UserID,
		"core", b.config.Core.URL,
	)

	b.ctx, b.cancel = context.WithCancel(ctx)
	defer b.cancel()

	syncer, ok := b.matrix.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.matrix.Syncer)
	}
	syncer.OnEventType(event.EventMessage, b.handleMessageEvent)

	go b.pollPrompts()

	b.logger.Info("connecting to matrix homeserver")

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- b.matrix.SyncWithContext(b.ctx)
	}()

	b.logger.Info("matrix bridge running")

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down matrix bridge")
		b.cancel()
		return nil
	case err := <-syncErr:
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// handleMessageEvent processes incoming Matrix messages.
func (b *Bridge) handleMessageEvent(ctx context.Context, evt *event.Event) {
	// Ignore our own messages
	if evt.Sender == id.UserID(b.config.Matrix.UserID) {
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}
	if content.MsgType != event.MsgText {
		return
	}

	roomID := evt.RoomID.String()
	if !b.isRoomAllowed(roomID) {
		b.logger.Debug("ignoring message from non-allowed room", "room", roomID)
		return
	}

	body := strings.TrimSpace(content.Body)
	if body == "" {
		return
	}

	if strings.HasPrefix(body, "!") {
		go b.handleCommand(b.ctx, evt.RoomID, evt.Sender, body)
		return
	}

	// Relay in a goroutine to not block sync.
	go b.relayMessage(b.ctx, evt.RoomID, evt.Sender, body)
}

// handleCommand processes !bind, !unbind, and !help.
func (b *Bridge) handleCommand(ctx context.Context, roomID id.RoomID, sender id.UserID, body string) {
	fields := strings.Fields(body)
	switch fields[0] {
	case "!bind":
		if len(fields) != 2 {
			b.sendMessage(roomID, "Usage: !bind <token>")
			return
		}
		b.handleBind(ctx, roomID, sender, fields[1])
	case "!unbind":
		if err := b.core.DeleteBinding(ctx, roomID.String()); err != nil {
			b.logger.Warn("unbind failed", "room", roomID.String(), "error", err)
			b.sendMessage(roomID, "This room is not attached to a session.")
			return
		}
		b.bound.Delete(roomID.String())
		b.sendMessage(roomID, "Room detached from its session.")
	case "!help":
		b.sendMessage(roomID, "Commands:\n!bind <token> - attach this room to an agent session\n!unbind - detach this room\n!help - show this help")
	default:
		b.sendMessage(roomID, "Unknown command. Try !help.")
	}
}

func (b *Bridge) handleBind(ctx context.Context, roomID id.RoomID, sender id.UserID, token string) {
	identity := "matrix:" + sender.String()
	binding, err := b.core.RedeemToken(ctx, roomID.String(), identity, token)
	if err != nil {
		b.logger.Warn("bind failed", "room", roomID.String(), "sender", sender.String(), "error", err)
		b.sendMessage(roomID, "Could not bind: "+err.Error())
		return
	}

	b.bound.Store(roomID.String(), binding.SessionID)
	b.sendMessage(roomID, fmt.Sprintf("Room attached to session %s. Messages here go to the agent.", binding.SessionID))
}

// relayMessage pushes one room message through the core's gate and reports
// the outcome back into the room when it was not accepted.
func (b *Bridge) relayMessage(ctx context.Context, roomID id.RoomID, sender id.UserID, body string) {
	out, err := b.core.PostMessage(ctx, MessageRequest{
		Channel:  "matrix",
		ThreadID: roomID.String(),
		Identity: "matrix:" + sender.String(),
		Body:     b.resolveChoiceReply(roomID.String(), body),
	})
	if err != nil {
		b.logger.Error("core request failed", "room", roomID.String(), "error", err)
		b.sendMessage(roomID, "Could not reach the agent, try again.")
		return
	}

	switch {
	case out.DeliveryError != "":
		b.sendMessage(roomID, "Could not reach the agent, try again.")
	case out.Accepted:
		b.bound.Store(roomID.String(), out.SessionID)
		if out.Route == "prompt" {
			b.pending.Delete(roomID.String())
		}
		b.logger.Debug("message relayed",
			"room", roomID.String(), "session", out.SessionID, "route", out.Route)
	case !out.Dropped && out.Hint != "":
		b.sendMessage(roomID, out.Hint)
	}
}

// pollPrompts periodically fetches pending prompts for bound rooms and posts
// any not yet delivered.
func (b *Bridge) pollPrompts() {
	ticker := time.NewTicker(b.config.Bridge.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.bound.Range(func(room, session any) bool {
				b.deliverPrompts(room.(string), session.(string))
				return true
			})
		}
	}
}

func (b *Bridge) deliverPrompts(roomID, sessionID string) {
	ctx, cancel := context.WithTimeout(b.ctx, networkTimeout)
	defer cancel()

	prompts, err := b.core.PendingPrompts(ctx, sessionID)
	if err != nil {
		b.logger.Warn("fetching pending prompts failed", "session", sessionID, "error", err)
		return
	}

	for _, p := range prompts {
		if p.Status != "awaiting_reply" {
			continue
		}
		if _, seen := b.delivered.LoadOrStore(roomID+"/"+p.PromptID, true); seen {
			continue
		}
		b.pending.Store(roomID, p)
		b.sendMessage(id.RoomID(roomID), renderPrompt(p))
	}
}

// resolveChoiceReply maps a bare number to the matching choice of the last
// prompt posted in the room. Matrix has no answer buttons, so choices are
// rendered as a numbered list and answered by number or by text.
func (b *Bridge) resolveChoiceReply(roomID, body string) string {
	v, ok := b.pending.Load(roomID)
	if !ok {
		return body
	}
	p := v.(PendingPrompt)
	n, err := strconv.Atoi(strings.TrimSpace(body))
	if err != nil || n < 1 || n > len(p.Choices) {
		return body
	}
	return p.Choices[n-1]
}

// renderPrompt formats a prompt for a Matrix room. Choices become a numbered
// list the user answers by replying with the number or the text.
func renderPrompt(p PendingPrompt) string {
	var sb strings.Builder
	sb.WriteString("The agent is asking:\n")
	sb.WriteString(p.Excerpt)
	if len(p.Choices) > 0 {
		sb.WriteString("\n")
		for i, choice := range p.Choices {
			sb.WriteString(fmt.Sprintf("\n%d) %s", i+1, choice))
		}
	}
	sb.WriteString("\n\nReply in this room to answer.")
	return sb.String()
}

// isRoomAllowed checks if the room is in the allowed list.
func (b *Bridge) isRoomAllowed(roomID string) bool {
	if len(b.config.Bridge.AllowedRooms) == 0 {
		return true // Allow all if no filter
	}
	for _, allowed := range b.config.Bridge.AllowedRooms {
		if allowed == roomID {
			return true
		}
	}
	return false
}

// sendMessage sends a text message to a room.
func (b *Bridge) sendMessage(roomID id.RoomID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := b.matrix.SendText(ctx, roomID, text)
	if err != nil {
		b.logger.Error("failed to send message", "room", roomID.String(), "error", err)
	}
}
