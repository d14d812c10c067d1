// ABOUTME: Inbound Telegram update handling: commands, messages, and callbacks
// ABOUTME: Deduplicates updates and translates them into routing core calls

package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/atlasbridge/atlasbridge/internal/auth"
	"github.com/atlasbridge/atlasbridge/internal/conversation"
	"github.com/atlasbridge/atlasbridge/internal/dedupe"
	"github.com/atlasbridge/atlasbridge/internal/gate"
	"github.com/atlasbridge/atlasbridge/internal/router"
)

const helpText = "Commands:\n" +
	"/start <token> - Bind this chat to an agent session\n" +
	"/unbind - Detach this chat from its session\n" +
	"/help - Show this help message\n" +
	"\nOnce bound, messages you send here go to the agent."

// handleMessage processes one incoming Telegram message update.
func (c *Channel) handleMessage(ctx context.Context, update telego.Update) {
	message := update.Message
	user := message.From
	if user == nil {
		return
	}

	if c.seen.CheckAndMark(dedupe.UpdateKey(Name, strconv.Itoa(update.UpdateID))) {
		c.logger.Debug("duplicate update dropped", "update_id", update.UpdateID)
		return
	}

	threadID := strconv.FormatInt(message.Chat.ID, 10)
	identity := fmt.Sprintf("%s:%d", Name, user.ID)
	text := message.Text

	c.logger.Debug("telegram message received",
		"chat_id", message.Chat.ID,
		"user_id", user.ID,
		"username", user.Username,
	)

	if strings.HasPrefix(text, "/") {
		c.handleCommand(ctx, message, threadID, identity, text)
		return
	}

	outcome := c.core.HandleIncomingMessage(ctx, Name, threadID, identity, router.Message{
		Body: text,
		Kind: gate.KindText,
	})
	c.reportOutcome(ctx, threadID, outcome)
}

// handleCommand dispatches bot commands.
func (c *Channel) handleCommand(ctx context.Context, message *telego.Message, threadID, identity, text string) {
	parts := strings.Fields(text)
	cmd := strings.ToLower(strings.SplitN(parts[0], "@", 2)[0])

	switch cmd {
	case "/start":
		if len(parts) < 2 {
			c.reply(ctx, message.Chat.ID, "Open a bind link from your agent, or send /start <token>.")
			return
		}
		c.handleBind(ctx, message, threadID, identity, parts[1])

	case "/unbind":
		err := c.core.UnbindThread(Name, threadID)
		if errors.Is(err, conversation.ErrBindingNotFound) {
			c.reply(ctx, message.Chat.ID, "This chat is not bound to a session.")
			return
		}
		if err != nil {
			c.logger.Error("unbind failed", "thread", threadID, "error", err)
			c.reply(ctx, message.Chat.ID, "Unbind failed, try again.")
			return
		}
		c.reply(ctx, message.Chat.ID, "Detached. This chat is no longer bound to a session.")

	case "/help":
		c.reply(ctx, message.Chat.ID, helpText)

	default:
		c.reply(ctx, message.Chat.ID, "Unknown command. Send /help for the command list.")
	}
}

// handleBind redeems a bind token and attaches this chat to the session it
// names.
func (c *Channel) handleBind(ctx context.Context, message *telego.Message, threadID, identity, token string) {
	claims, err := c.tokens.Verify(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			c.reply(ctx, message.Chat.ID, "That bind link has expired. Request a fresh one.")
			return
		}
		c.logger.Debug("bind token rejected", "thread", threadID, "error", err)
		c.reply(ctx, message.Chat.ID, "That bind link is not valid.")
		return
	}

	if claims.Identity != "" && claims.Identity != identity {
		c.logger.Warn("bind link redeemed by wrong identity",
			"thread", threadID, "identity", identity, "expected", claims.Identity)
		c.reply(ctx, message.Chat.ID, "That bind link was issued for someone else.")
		return
	}

	b, err := c.core.BindThread(Name, threadID, claims.SessionID, identity)
	if errors.Is(err, conversation.ErrAlreadyBound) {
		c.reply(ctx, message.Chat.ID, "This chat is already bound to another session. Send /unbind first.")
		return
	}
	if err != nil {
		c.logger.Error("bind failed", "thread", threadID, "session", claims.SessionID, "error", err)
		c.reply(ctx, message.Chat.ID, "Bind failed, try again.")
		return
	}

	c.reply(ctx, message.Chat.ID, fmt.Sprintf("Bound to session %s. Messages here now go to the agent.", b.SessionID))
}

// handleCallbackQuery processes a button press on a prompt notification.
func (c *Channel) handleCallbackQuery(ctx context.Context, update telego.Update) {
	query := update.CallbackQuery

	if c.seen.CheckAndMark(dedupe.UpdateKey(Name, strconv.Itoa(update.UpdateID))) {
		return
	}

	promptID, index, err := parseCallback(query.Data)
	if err != nil {
		c.logger.Debug("unparseable callback data", "data", query.Data)
		c.answerCallback(ctx, query.ID, "This button is no longer valid.")
		return
	}

	value, ok := c.buttonValue(promptID, index)
	if !ok {
		c.answerCallback(ctx, query.ID, "This prompt is no longer pending.")
		return
	}

	chat := query.Message.GetChat()
	threadID := strconv.FormatInt(chat.ID, 10)
	identity := fmt.Sprintf("%s:%d", Name, query.From.ID)

	outcome := c.core.HandleCallback(ctx, Name, threadID, identity, promptID, value)
	switch {
	case outcome.Dropped:
		c.answerCallback(ctx, query.ID, "This prompt was already answered.")
	case outcome.DeliveryErr != nil:
		c.answerCallback(ctx, query.ID, "Delivery failed, press again to retry.")
	default:
		c.choices.Delete(promptID)
		c.answerCallback(ctx, query.ID, "Answer sent: "+value)
	}
}

// buttonValue resolves a callback's button index to its answer value.
func (c *Channel) buttonValue(promptID string, index int) (string, bool) {
	v, ok := c.choices.Load(promptID)
	if !ok {
		return "", false
	}
	values := v.([]string)
	if index < 0 || index >= len(values) {
		return "", false
	}
	return values[index], true
}

// reportOutcome relays a rejection hint or delivery failure back to the chat.
// Accepted messages get no echo; the agent's own output is the response.
func (c *Channel) reportOutcome(ctx context.Context, threadID string, outcome router.Outcome) {
	switch {
	case outcome.Rejected() && outcome.Hint != "":
		if err := c.SendText(ctx, threadID, outcome.Hint); err != nil {
			c.logger.Error("failed to send rejection hint", "thread", threadID, "error", err)
		}
	case outcome.DeliveryErr != nil:
		if err := c.SendText(ctx, threadID, "Could not reach the agent, try again."); err != nil {
			c.logger.Error("failed to send delivery notice", "thread", threadID, "error", err)
		}
	}
}

func (c *Channel) reply(ctx context.Context, chatID int64, text string) {
	if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		c.logger.Error("failed to send reply", "chat_id", chatID, "error", err)
	}
}

func (c *Channel) answerCallback(ctx context.Context, queryID, text string) {
	err := c.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: queryID,
		Text:            text,
	})
	if err != nil {
		c.logger.Error("failed to answer callback query", "error", err)
	}
}

// encodeCallback packs a prompt reference into callback data. Telegram caps
// callback data at 64 bytes, so buttons carry an index instead of the value.
func encodeCallback(promptID string, index int) string {
	return fmt.Sprintf("p|%s|%d", promptID, index)
}

// parseCallback unpacks callback data produced by encodeCallback.
func parseCallback(data string) (promptID string, index int, err error) {
	parts := strings.Split(data, "|")
	if len(parts) != 3 || parts[0] != "p" || parts[1] == "" {
		return "", 0, fmt.Errorf("malformed callback data")
	}
	index, err = strconv.Atoi(parts[2])
	if err != nil {
		return "", 0, fmt.Errorf("malformed callback index: %w", err)
	}
	return parts[1], index, nil
}
