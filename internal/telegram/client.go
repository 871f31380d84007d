// Package telegram provides the chat transport: movement alerts to one
// configured chat and a command listener.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/runewatch/internal/logger"
	"github.com/rewired-gh/runewatch/internal/models"
	"github.com/rewired-gh/runewatch/internal/pricing"
)

// maxMessageLen is Telegram's limit on message text.
const maxMessageLen = 4096

// CommandHandler answers chat commands. It reports false for commands it
// does not know.
type CommandHandler interface {
	Handle(ctx context.Context, command string, args []string) (string, bool)
}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	sender         sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		sender:         bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// ListenForCommands starts a goroutine that polls for Telegram updates and
// passes commands from the configured chat to handler. Each command runs in
// its own goroutine so a slow scrape does not hold up other commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context, handler CommandHandler) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(ctx, handler, update.Message)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(ctx context.Context, handler CommandHandler, msg *tgbotapi.Message) {
	if msg.Chat == nil || msg.Chat.ID != c.chatID {
		logger.Debug("Ignoring /%s from chat outside the configured one", msg.Command())
		return
	}

	command := msg.Command()
	if command == "ping" {
		c.reply(msg.Chat.ID, "Pong")
		return
	}
	if handler == nil {
		return
	}

	args := strings.Fields(msg.CommandArguments())
	go func() {
		logger.Info("Handling /%s %v", command, args)
		if command == "add" && len(args) > 0 {
			c.reply(msg.Chat.ID, "Adding rune to database...")
		}
		text, ok := handler.Handle(ctx, command, args)
		if !ok {
			return
		}
		c.reply(msg.Chat.ID, text)
	}()
}

// reply sends plain text, split to fit the message size limit.
func (c *Client) reply(chatID int64, text string) {
	for _, part := range splitMessage(text, maxMessageLen) {
		if _, err := c.sender.Send(tgbotapi.NewMessage(chatID, part)); err != nil {
			logger.Warn("Failed to send reply: %v", err)
			return
		}
	}
}

// splitMessage breaks text into chunks of at most limit bytes, preferring
// line boundaries.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var parts []string
	var b strings.Builder
	for _, line := range strings.SplitAfter(text, "\n") {
		for len(line) > limit {
			if b.Len() > 0 {
				parts = append(parts, b.String())
				b.Reset()
			}
			cut := limit
			for cut > 0 && !utf8Start(line[cut]) {
				cut--
			}
			parts = append(parts, line[:cut])
			line = line[cut:]
		}
		if b.Len()+len(line) > limit {
			parts = append(parts, b.String())
			b.Reset()
		}
		b.WriteString(line)
	}
	if b.Len() > 0 {
		parts = append(parts, b.String())
	}
	return parts
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"
	msg.DisableWebPagePreview = true

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.sender.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError sends a monitoring error notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(cycleErr error) error {
	text := fmt.Sprintf("⚠️ *Scrape error*\n`%s`", escapeMarkdownV2(cycleErr.Error()))
	return c.sendMarkdownV2(text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(failureCount int) error {
	text := fmt.Sprintf("✅ *Scraping recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.sendMarkdownV2(text)
}

// SendMovement sends one movement alert. quote may be nil when the USD
// rate is unavailable.
func (c *Client) SendMovement(ev models.MovementEvent, quote *pricing.Quote) error {
	return c.sendMarkdownV2(formatMovement(ev, quote))
}

// formatMovement formats a movement event into a Telegram MarkdownV2 message.
func formatMovement(ev models.MovementEvent, quote *pricing.Quote) string {
	var b strings.Builder

	directionEmoji, headline, verb := "📈", "Price up\\! We're so back\\.", "up"
	if ev.Direction == models.DirectionDown {
		directionEmoji, headline, verb = "📉", "Price down\\. It's over\\.\\.\\.", "down"
	}
	pct := ev.Percent
	if pct < 0 {
		pct = -pct
	}

	ticker := escapeMarkdownV2(ev.Ticker)
	if ev.URL != "" {
		ticker = fmt.Sprintf("[%s](%s)", ticker, ev.URL)
	}

	fmt.Fprintf(&b, "%s *%s*\n\n", directionEmoji, headline)
	fmt.Fprintf(&b, "*%s is %s %s%%* within the window \\(%s → %s sats\\)\n",
		ticker, verb, escapeMarkdownV2(fmt.Sprintf("%.2f", pct)),
		escapeMarkdownV2(formatFloat(ev.OldPrice)), escapeMarkdownV2(formatFloat(ev.Price)))
	fmt.Fprintf(&b, "*%s BTC* volume \\(24h\\)\n", escapeMarkdownV2(formatFloat(ev.Volume)))
	fmt.Fprintf(&b, "*%s sats* per token\n", escapeMarkdownV2(formatFloat(ev.Price)))
	if quote != nil {
		fmt.Fprintf(&b, "*$%s* per token\n", escapeMarkdownV2(quote.PerToken.String()))
		fmt.Fprintf(&b, "*$%s* per mint \\(%d tokens per mint\\)\n",
			escapeMarkdownV2(quote.PerMint.StringFixed(2)), ev.MintRatio)
	} else {
		fmt.Fprintf(&b, "%d tokens per mint\n", ev.MintRatio)
	}
	fmt.Fprintf(&b, "\n📅 %s", escapeMarkdownV2(ev.Timestamp))

	return b.String()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
