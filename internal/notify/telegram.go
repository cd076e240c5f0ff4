package notify

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
)

// Telegram sends messages to a single chat through a bot.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegram authenticates the bot. An empty endpoint means the public Bot API.
func NewTelegram(token string, chatID int64, endpoint string) (*Telegram, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "init telegram bot")
	}
	return &Telegram{bot: bot, chatID: chatID}, nil
}

func (t *Telegram) Name() string { return "telegram" }

// Send delivers msg as plain text. The bot client has no context support, so ctx only
// bounds how long the caller waits.
func (t *Telegram) Send(ctx context.Context, msg Message) error {
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, msg.String()))
		done <- err
	}()

	select {
	case err := <-done:
		return errors.Wrap(err, "send telegram message")
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "send telegram message")
	}
}
