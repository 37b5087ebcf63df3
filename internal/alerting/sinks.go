package alerting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "taskmill/pkg/logx"
)

// LogSink writes notifications to the structured log. It is always
// configured so alerts are visible even with no external channel.
type LogSink struct {
	log logx.Logger
}

func NewLogSink(log logx.Logger) *LogSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, n Notification) error {
	fields := []logx.Field{
		logx.String("rule", n.Alert.Rule),
		logx.String("metric", n.Alert.Metric),
		logx.String("event", n.Event),
		logx.Float64("value", n.Alert.Value),
		logx.String("body", n.Body),
	}
	switch {
	case n.Event == "resolved":
		s.log.Info(n.Title, fields...)
	case n.Severity == SeverityCritical:
		s.log.Error(n.Title, fields...)
	default:
		s.log.Warn(n.Title, fields...)
	}
	return nil
}

// TelegramConfig configures the outbound-only Telegram channel.
type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
}

// TelegramSink pushes notifications to one Telegram chat. The bot is
// send-only; no poller is attached.
type TelegramSink struct {
	bot      *tele.Bot
	chatID   int64
	threadID int
}

func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: 15 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSink{bot: b, chatID: cfg.ChatID, threadID: cfg.ThreadID}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Send(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text := severityPrefix(n) + n.Title
	if n.Body != "" {
		text += "\n" + n.Body
	}
	_, err := s.bot.Send(
		&tele.Chat{ID: s.chatID},
		text,
		&tele.SendOptions{ThreadID: s.threadID, DisableWebPagePreview: true},
	)
	return err
}

func severityPrefix(n Notification) string {
	if n.Event == "resolved" {
		return "✅ "
	}
	switch n.Severity {
	case SeverityCritical:
		return "🚨 "
	case SeverityWarning:
		return "⚠️ "
	default:
		return "ℹ️ "
	}
}

// FormatAlert renders one alert the way sinks and statusz show it.
func FormatAlert(a Alert) string {
	state := "open"
	if !a.Active() {
		state = "resolved"
	}
	return fmt.Sprintf("[%s] %s %s (%s, value %.2f, threshold %.2f)",
		strings.ToUpper(string(a.Severity)), a.Rule, state, a.Metric, a.Value, a.Threshold)
}
