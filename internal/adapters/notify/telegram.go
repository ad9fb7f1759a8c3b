package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// sender es la parte de tgbotapi.BotAPI que usamos.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram envía eventos a un chat con MarkdownV2 y reintentos acotados.
type Telegram struct {
	bot        sender
	chatID     int64
	maxRetries int
	retryDelay time.Duration
}

// NewTelegram crea el notificador. Valida el token contra la API.
func NewTelegram(botToken, chatID string, maxRetries int, retryDelay time.Duration) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("notify.NewTelegram: create bot: %w", err)
	}
	return newTelegram(bot, chatID, maxRetries, retryDelay)
}

func newTelegram(bot sender, chatID string, maxRetries int, retryDelay time.Duration) (*Telegram, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("notify.NewTelegram: invalid chat id: %w", err)
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &Telegram{bot: bot, chatID: id, maxRetries: maxRetries, retryDelay: retryDelay}, nil
}

// Notify implementa ports.Notifier.
func (t *Telegram) Notify(ctx context.Context, ev domain.Event) error {
	msg := tgbotapi.NewMessage(t.chatID, formatMarkdown(ev))
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < t.maxRetries; i++ {
		_, err := t.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return fmt.Errorf("notify.Telegram: %w", ctx.Err())
		case <-time.After(t.retryDelay * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("notify.Telegram: send failed after %d retries: %w", t.maxRetries, lastErr)
}

func formatMarkdown(ev domain.Event) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s *%s*\n", icon(ev.Kind), escapeMarkdownV2(ev.Title))
	if !ev.At.IsZero() {
		fmt.Fprintf(&sb, "📅 %s\n", escapeMarkdownV2(ev.At.UTC().Format("2006-01-02 15:04:05")))
	}
	for _, f := range ev.Fields {
		fmt.Fprintf(&sb, "%s: `%s`\n", escapeMarkdownV2(f.Key), escapeCode(f.Value))
	}
	return sb.String()
}

// escapeMarkdownV2 escapa los caracteres reservados de MarkdownV2.
func escapeMarkdownV2(text string) string {
	var sb strings.Builder
	for _, r := range text {
		switch r {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Dentro de `code` solo hay que escapar ` y \.
func escapeCode(text string) string {
	return strings.NewReplacer("\\", "\\\\", "`", "\\`").Replace(text)
}
