// ABOUTME: Telegram channel adapter using the Bot API with long polling
// ABOUTME: Binds chats to sessions via /start deep links and relays messages to the core

package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/atlasbridge/atlasbridge/internal/auth"
	"github.com/atlasbridge/atlasbridge/internal/channels"
	"github.com/atlasbridge/atlasbridge/internal/dedupe"
	"github.com/atlasbridge/atlasbridge/internal/prompt"
)

// Name is the channel identifier used in conversation keys.
const Name = "telegram"

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	bot        *telego.Bot
	core       channels.Core
	tokens     auth.TokenVerifier
	seen       *dedupe.Cache
	logger     *slog.Logger
	choices    sync.Map // promptID string → []string (answer values by button index)
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Telegram channel adapter. The token verifier redeems /start
// deep links into thread bindings; the dedupe cache drops redelivered updates.
func New(botToken string, core channels.Core, tokens auth.TokenVerifier, seen *dedupe.Cache, logger *slog.Logger) (*Channel, error) {
	bot, err := telego.NewBot(botToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		bot:    bot,
		core:   core,
		tokens: tokens,
		seen:   seen,
		logger: logger.With("channel", Name),
	}, nil
}

// Name returns the channel identifier.
func (c *Channel) Name() string { return Name }

// Start begins long polling for Telegram updates.
func (c *Channel) Start(ctx context.Context) error {
	c.logger.Info("starting telegram bot (polling mode)")

	// Stop() cancels this context to cleanly shut down long polling.
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout: 30,
		AllowedUpdates: []string{
			"message",
			"callback_query",
		},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.logger.Info("telegram bot connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					c.logger.Info("telegram updates channel closed")
					return
				}
				switch {
				case update.Message != nil:
					c.handleMessage(pollCtx, update)
				case update.CallbackQuery != nil:
					c.handleCallbackQuery(pollCtx, update)
				default:
					c.logger.Debug("telegram update skipped", "update_id", update.UpdateID)
				}
			}
		}
	}()

	return nil
}

// Stop shuts down the bot by cancelling the long polling context and waiting
// for the polling goroutine to exit, so Telegram releases the getUpdates lock
// before a new instance starts.
func (c *Channel) Stop(_ context.Context) error {
	c.logger.Info("stopping telegram bot")

	if c.pollCancel != nil {
		c.pollCancel()
	}

	if c.pollDone != nil {
		select {
		case <-c.pollDone:
			c.logger.Info("telegram bot stopped")
		case <-time.After(10 * time.Second):
			c.logger.Warn("telegram polling goroutine did not exit within timeout")
		}
	}

	return nil
}

// SendText delivers a plain message to a chat.
func (c *Channel) SendText(ctx context.Context, threadID, text string) error {
	chatID, err := parseChatID(threadID)
	if err != nil {
		return fmt.Errorf("invalid thread id %q: %w", threadID, err)
	}
	_, err = c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text))
	return err
}

// NotifyPrompt delivers a pending prompt with inline answer buttons. The
// button values are kept adapter-side and referenced by index in the callback
// data, which keeps the payload inside Telegram's 64-byte limit.
func (c *Channel) NotifyPrompt(ctx context.Context, threadID string, n channels.Notification) error {
	chatID, err := parseChatID(threadID)
	if err != nil {
		return fmt.Errorf("invalid thread id %q: %w", threadID, err)
	}

	values := buttonValues(n)
	msg := tu.Message(tu.ID(chatID), renderPrompt(n))
	msg.ParseMode = telego.ModeHTML

	if len(values) > 0 {
		c.choices.Store(n.PromptID, values)

		rows := make([][]telego.InlineKeyboardButton, 0, len(values))
		for i, value := range values {
			rows = append(rows, tu.InlineKeyboardRow(
				tu.InlineKeyboardButton(value).WithCallbackData(encodeCallback(n.PromptID, i)),
			))
		}
		msg.ReplyMarkup = tu.InlineKeyboard(rows...)
	}

	if _, err := c.bot.SendMessage(ctx, msg); err != nil {
		c.choices.Delete(n.PromptID)
		return fmt.Errorf("sending prompt notification: %w", err)
	}

	c.logger.Info("prompt notified", "prompt", n.PromptID, "thread", threadID, "buttons", len(values))
	return nil
}

// buttonValues returns the answer values to offer as buttons. Free-text
// prompts get none; the user answers by replying in the thread.
func buttonValues(n channels.Notification) []string {
	switch n.Type {
	case prompt.TypeYesNo:
		return []string{"yes", "no"}
	case prompt.TypeMultipleChoice:
		return n.Choices
	default:
		return nil
	}
}

// parseChatID converts a thread ID string to a Telegram chat ID.
func parseChatID(threadID string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(threadID, "%d", &id)
	return id, err
}
