// Package telegram is an outbound-only Telegram sender used for the operator
// log sink. It never polls for updates.
package telegram

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "worksnotify/internal/transport"
)

// textLimit stays below Telegram's 4096 rune cap to leave room for entities.
const textLimit = 4000

type Config struct {
	Token string
}

type Sender struct {
	bot *tele.Bot
}

var _ kit.TextSender = (*Sender)(nil)

func New(cfg Config) (*Sender, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	// Offline skips the getMe round-trip; we only ever call Send.
	b, err := tele.NewBot(tele.Settings{Token: token, Offline: true})
	if err != nil {
		return nil, err
	}
	return &Sender{bot: b}, nil
}

func (s *Sender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	for _, chunk := range splitText(text, textLimit) {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
		_, err := s.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// splitText cuts s into rune-bounded chunks, preferring newline boundaries
// that are not too close to the chunk start.
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
		out = append(out, string(rs[start:end]))
		start = end
	}
	return out
}
