// Package relay is the front-end of the dispatch engine: it classifies
// incoming feed messages into delivery priorities and hands them to the
// engine, and it adapts the configured chat routes into the engine's send
// callback.
package relay

import (
	"time"

	"feedrelay/internal/dispatch"
	"feedrelay/internal/transport"
)

// longTextThreshold marks a payload as bulky enough to yield to fresher
// traffic (in runes, roughly one full Telegram message).
const longTextThreshold = 3500

// Message is one feed item to relay.
type Message struct {
	Text     string
	IsReply  bool
	HasMedia bool
	// Urgent forces top priority regardless of content hints.
	Urgent bool

	Opts *transport.SendOptions
}

// SendCost estimates how long delivering this message takes; media posts
// count double. Informational, surfaced in engine diagnostics.
func (m *Message) SendCost() time.Duration {
	if m.HasMedia {
		return time.Second
	}
	return 500 * time.Millisecond
}

// Classify derives the delivery priority from content hints. The result is
// fixed at submission time; later retry demotion is a separate concern.
func Classify(m *Message) dispatch.Priority {
	switch {
	case m == nil:
		return dispatch.PriorityNormal
	case m.Urgent:
		return dispatch.PriorityUrgent
	case m.IsReply || m.HasMedia:
		return dispatch.PriorityHigh
	case len([]rune(m.Text)) > longTextThreshold:
		return dispatch.PriorityLow
	default:
		return dispatch.PriorityNormal
	}
}
