package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// TelegramNotifier sends notifications to a single chat through the bot API.
type TelegramNotifier struct {
	bot  *tele.Bot
	chat tele.ChatID
}

// NewTelegramNotifier builds a send-only bot. It does not poll for updates.
func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if chatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramNotifier{bot: b, chat: tele.ChatID(chatID)}, nil
}

func (t *TelegramNotifier) Send(ctx context.Context, title, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text := title
	if body != "" {
		text = title + "\n" + body
	}
	if _, err := t.bot.Send(t.chat, text, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
		return fmt.Errorf("send telegram notification: %w", err)
	}
	return nil
}
