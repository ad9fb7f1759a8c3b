package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

type fakeBot struct {
	failures int
	sent     []tgbotapi.MessageConfig
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if b.failures > 0 {
		b.failures--
		return tgbotapi.Message{}, errors.New("429 too many requests")
	}
	b.sent = append(b.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func TestEscapeMarkdownV2(t *testing.T) {
	assert.Equal(t, `P&L: $1\.50 \(\-3%\)`, escapeMarkdownV2("P&L: $1.50 (-3%)"))
	assert.Equal(t, `a\_b\*c`, escapeMarkdownV2("a_b*c"))
}

func TestTelegram_RetriesThenSends(t *testing.T) {
	bot := &fakeBot{failures: 2}
	tg, err := newTelegram(bot, "12345", 3, time.Millisecond)
	require.NoError(t, err)

	ev := Trade(domain.ActionSell, "some-market", 10, 0.61, true)
	require.NoError(t, tg.Notify(context.Background(), ev))
	require.Len(t, bot.sent, 1)
	msg := bot.sent[0]
	assert.Equal(t, int64(12345), msg.ChatID)
	assert.Equal(t, "MarkdownV2", msg.ParseMode)
	assert.Contains(t, msg.Text, `*SELL some\-market*`)
	assert.Contains(t, msg.Text, "Price: `0.6100`")
}

func TestTelegram_GivesUp(t *testing.T) {
	bot := &fakeBot{failures: 10}
	tg, err := newTelegram(bot, "1", 2, time.Millisecond)
	require.NoError(t, err)

	err = tg.Notify(context.Background(), Shutdown("signal", nil))
	assert.ErrorContains(t, err, "after 2 retries")
	assert.Empty(t, bot.sent)
}

func TestNewTelegram_InvalidChatID(t *testing.T) {
	_, err := newTelegram(&fakeBot{}, "not-a-number", 0, 0)
	assert.Error(t, err)
}
