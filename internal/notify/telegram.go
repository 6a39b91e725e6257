package notify

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

type TelegramConfig struct {
	Token  string
	ChatID int64
}

// Telegram is a send-only transport; it never starts a poller.
type Telegram struct {
	bot  *tele.Bot
	chat tele.ChatID
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is required")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: nil,
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chat: tele.ChatID(cfg.ChatID)}, nil
}

func (t *Telegram) SendText(ctx context.Context, text string) error {
	if t == nil || t.bot == nil {
		return errors.New("telegram not configured")
	}
	// telebot has no context-aware send; bound the call with a goroutine so a
	// stuck API call cannot hang the notify worker past its deadline.
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(t.chat, text)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(15 * time.Second):
		return errors.New("telegram send timed out")
	}
}
