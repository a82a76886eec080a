package notifier

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "publisher/pkg/logx"
)

// LogSink writes every message to the structured log.
type LogSink struct {
	Log logx.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Send(ctx context.Context, m Message) error {
	_ = ctx
	fields := []logx.Field{
		logx.String("kind", string(m.Kind)),
		logx.String("subject", m.Subject),
	}
	if m.CollectionID != "" {
		fields = append(fields, logx.Collection(m.CollectionID))
	}
	if len(m.URIs) > 0 {
		fields = append(fields, logx.Strings("uris", m.URIs))
	}
	if m.Kind == KindAlert {
		s.Log.Warn(m.Text, fields...)
	} else {
		s.Log.Info(m.Text, fields...)
	}
	return nil
}

// TelegramConfig addresses one chat, optionally a forum topic.
type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	Timeout  time.Duration
}

// TelegramSink posts messages to a Telegram chat. It only sends; it never
// polls for updates.
type TelegramSink struct {
	bot      *tele.Bot
	chat     *tele.Chat
	threadID int
}

func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token required")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSink{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, threadID: cfg.ThreadID}, nil
}

func (*TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.bot.Send(s.chat, formatTelegram(m), &tele.SendOptions{
		ThreadID:              s.threadID,
		DisableWebPagePreview: true,
	})
	return err
}

func formatTelegram(m Message) string {
	var b strings.Builder
	if m.Kind == KindAlert {
		b.WriteString("🚨 ")
	} else {
		b.WriteString("✅ ")
	}
	b.WriteString(m.Subject)
	b.WriteString("\n")
	b.WriteString(m.Text)
	const maxURIs = 20
	for i, u := range m.URIs {
		if i == maxURIs {
			b.WriteString("\n…")
			break
		}
		b.WriteString("\n• ")
		b.WriteString(u)
	}
	return b.String()
}
