package transport

import (
	"context"

	logx "feedrelay/pkg/logx"
)

// LogSender is a dry-run Sender that logs instead of delivering. Used when
// no bot token is configured, and in tests.
type LogSender struct {
	Log logx.Logger
}

func (s *LogSender) Send(_ context.Context, to ChatTarget, text string, _ *SendOptions) error {
	if !s.Log.IsZero() {
		s.Log.Info("dry-run send",
			logx.String("target", to.Name),
			logx.Int64("chat_id", to.ChatID),
			logx.Int("chars", len(text)))
	}
	return nil
}

func (s *LogSender) Close() error { return nil }
