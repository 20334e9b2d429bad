// Package telegram forwards operator alerts to a Telegram chat. It is an
// outbound-only sink; the bot never polls Telegram for updates.
package telegram

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"

	logx "rssbot/pkg/logx"
)

const textLimit = 4000

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
}

type AlertSink struct {
	cfg Config
	bot *tele.Bot
}

var _ logx.AlertSink = (*AlertSink)(nil)

func NewAlertSink(cfg Config) (*AlertSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	// Offline skips getMe at construction; the first send reports bad tokens.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
	if err != nil {
		return nil, err
	}
	return &AlertSink{cfg: cfg, bot: b}, nil
}

func (s *AlertSink) Name() string { return "telegram" }

func (s *AlertSink) SendAlert(ctx context.Context, text string) error {
	chat := tele.ChatID(s.cfg.ChatID)
	opt := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: s.cfg.ThreadID}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.bot.Send(chat, chunk, opt); err != nil {
			return err
		}
	}
	return nil
}

// splitText splits s into chunks of at most limit runes, preferring newline
// boundaries in the last two thirds of each window.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
