// Package transport defines the outbound messaging port. Concrete
// implementations (Telegram, a logging dry-run sender) live in subpackages
// or alongside this file.
package transport

import "context"

// ChatTarget identifies a destination chat (and optional forum thread).
type ChatTarget struct {
	Name     string
	ChatID   int64
	ThreadID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Silent         bool
}

// Sender delivers one text message to one chat. Implementations classify
// their failures (rate-limit hints, permanent rejections, network errors)
// so the dispatch engine can react appropriately.
type Sender interface {
	Send(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
	Close() error
}
