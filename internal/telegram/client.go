// Package telegram provides a client for sending notifications via Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/alphaterm/internal/models"
)

const defaultTopN = 5

// Commands are the callbacks behind bot commands. Nil callbacks disable their command.
type Commands struct {
	Top       func(n int) []models.Alert
	Assets    func() []string
	SetAssets func(assets []string)
}

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	commands       Commands
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
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// SetCommands installs the command callbacks. Call before ListenForCommands.
func (c *Client) SetCommands(cmds Commands) {
	c.commands = cmds
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context) {
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
					c.handleCommand(update.Message)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message) {
	text, markdown := c.commandReply(msg.Command(), msg.CommandArguments())
	if text == "" {
		return
	}
	reply := tgbotapi.NewMessage(msg.Chat.ID, text)
	if markdown {
		reply.ParseMode = "MarkdownV2"
	}
	c.bot.Send(reply) //nolint:errcheck
}

// commandReply builds the reply to a command; an empty text means no reply.
func (c *Client) commandReply(command, args string) (string, bool) {
	switch command {
	case "ping":
		return "Pong", false
	case "top":
		if c.commands.Top == nil {
			return "", false
		}
		n := defaultTopN
		if v, err := strconv.Atoi(strings.TrimSpace(args)); err == nil && v > 0 {
			n = v
		}
		alerts := c.commands.Top(n)
		if len(alerts) == 0 {
			return "No impacts computed yet", false
		}
		return formatAlerts("📊 *Top impacts*", alerts), true
	case "assets":
		if fields := strings.Fields(strings.ReplaceAll(args, ",", " ")); len(fields) > 0 && c.commands.SetAssets != nil {
			c.commands.SetAssets(fields)
		}
		if c.commands.Assets == nil {
			return "", false
		}
		return "Tracking: " + strings.Join(c.commands.Assets(), ", "), false
	}
	return "", false
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
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
	text := fmt.Sprintf("⚠️ *Monitoring error*\n`%s`", escapeMarkdownV2(cycleErr.Error()))
	return c.sendMarkdownV2(text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(failureCount int) error {
	text := fmt.Sprintf("✅ *Monitoring recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.sendMarkdownV2(text)
}

// Send sends a notification with the ranked alerts.
func (c *Client) Send(alerts []models.Alert) error {
	return c.sendMarkdownV2(formatAlerts("🚨 *Notable Event Impacts*", alerts))
}

// formatAlerts formats ranked alerts into a Telegram MarkdownV2 message.
func formatAlerts(header string, alerts []models.Alert) string {
	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n\n")

	for i, a := range alerts {
		label := escapeMarkdownV2(a.Event.Label)
		if a.Event.URL != "" {
			label = fmt.Sprintf("[%s](%s)", label, escapeMarkdownV2URL(a.Event.URL))
		}
		b.WriteString(fmt.Sprintf("%d\\. %s\n", i+1, label))

		when := escapeMarkdownV2(a.Event.Timestamp.UTC().Format("2006-01-02 15:04 UTC"))
		tag := ""
		if a.Event.Demo {
			tag = " 🧪 demo"
		}
		b.WriteString(fmt.Sprintf("   🕒 %s%s\n", when, tag))

		b.WriteString(fmt.Sprintf("   %s *%s* score %s\n",
			directionEmoji(a.Impact.Direction),
			escapeMarkdownV2(a.Impact.Asset),
			escapeMarkdownV2(fmt.Sprintf("%.2f", a.Impact.Score))))

		b.WriteString("   ")
		b.WriteString(escapeMarkdownV2(formatTimeframes(a.Impact.Timeframes)))
		b.WriteString("\n\n")
	}
	return b.String()
}

func directionEmoji(d models.Direction) string {
	switch d {
	case models.DirectionPositive:
		return "📈"
	case models.DirectionNegative:
		return "📉"
	default:
		return "➖"
	}
}

// formatTimeframes renders "1m +1.00% · 10m n/a · 1h pending" in ascending offset order.
func formatTimeframes(tfs map[string]models.TimeframeResult) string {
	keys := make([]string, 0, len(tfs))
	for k := range tfs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		di, erri := time.ParseDuration(keys[i])
		dj, errj := time.ParseDuration(keys[j])
		if erri != nil || errj != nil {
			return keys[i] < keys[j]
		}
		return di < dj
	})

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		tf := tfs[k]
		switch {
		case !tf.Resolved:
			parts = append(parts, k+" pending")
		case tf.Change == nil:
			parts = append(parts, k+" n/a")
		default:
			parts = append(parts, fmt.Sprintf("%s %+.2f%%", k, *tf.Change))
		}
	}
	return strings.Join(parts, " · ")
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

// escapeMarkdownV2URL escapes a link target; inside (...) only ')' and '\'
// are special.
func escapeMarkdownV2URL(u string) string {
	return strings.NewReplacer(`\`, `\\`, `)`, `\)`).Replace(u)
}
