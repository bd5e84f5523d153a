// Package telegram implements the outbound transport on top of telebot.
package telegram

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"feedrelay/internal/dispatch"
	"feedrelay/internal/transport"
	logx "feedrelay/pkg/logx"
)

const textLimit = 4000

type Sender struct {
	bot *tele.Bot
	log logx.Logger
}

func NewSender(token string, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: token})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{bot: b, log: log}, nil
}

func (s *Sender) Send(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) error {
	if opt == nil {
		opt = &transport.SendOptions{}
	}

	chunks := splitText(text, textLimit, opt.ParseMode)
	chat := &tele.Chat{ID: to.ChatID}

	for _, chunk := range chunks {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
		sendOpt := &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			DisableNotification:   opt.Silent,
			ThreadID:              to.ThreadID,
		}
		if _, err := s.bot.Send(chat, chunk, sendOpt); err != nil {
			return classify(err)
		}
	}
	return nil
}

func (s *Sender) Close() error {
	// telebot has no teardown for an outbound-only bot.
	return nil
}

// classify maps telebot failures onto the engine's error hints: flood waits
// carry a retry delay, 4xx rejections are permanent, the rest are assumed
// transient network trouble.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		after := time.Duration(flood.RetryAfter) * time.Second
		return dispatch.RetryAfter(err, after)
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != 429 {
			return dispatch.NoRetry(err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return dispatch.Transient(err)
	}
	return err
}

// splitText splits long messages into chunks safe to send to Telegram,
// preferring newline boundaries near the end of each window. For HTML parse
// mode it makes a best-effort pass to avoid cutting inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' {
					// Avoid extremely small chunks.
					if i-start >= limit/3 {
						end = i + 1
					}
					break
				}
			}
		}

		// Best-effort: don't split inside a tag for HTML parse mode.
		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen := -1
			lastClose := -1
			for i := start; i < end; i++ {
				if rs[i] == '<' {
					lastOpen = i
				} else if rs[i] == '>' {
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		if chunk != "" {
			out = append(out, chunk)
		}

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
