package relay

import (
	"context"
	"fmt"

	"feedrelay/internal/dispatch"
	"feedrelay/internal/transport"
)

// Relay submits classified feed messages to the dispatch engine.
type Relay struct {
	eng *dispatch.Service
}

func New(eng *dispatch.Service) *Relay { return &Relay{eng: eng} }

// Submit classifies m and enqueues it. Returns the engine's error verbatim
// (dispatch.ErrQueueFull when the aggregate cap is reached).
func (r *Relay) Submit(m *Message) error {
	if m == nil {
		return fmt.Errorf("relay: nil message")
	}
	return r.eng.Submit(m, Classify(m))
}

// NewSendFunc adapts a transport.Sender plus the configured routes into the
// engine's send callback. Target IDs index into routes; payloads must be
// *Message values.
func NewSendFunc(routes []transport.ChatTarget, sender transport.Sender) dispatch.SendFunc {
	return func(ctx context.Context, target int, payload any) error {
		if target < 0 || target >= len(routes) {
			return dispatch.NoRetry(fmt.Errorf("no route for target %d", target))
		}
		m, ok := payload.(*Message)
		if !ok {
			return dispatch.NoRetry(fmt.Errorf("unexpected payload type %T", payload))
		}
		return sender.Send(ctx, routes[target], m.Text, m.Opts)
	}
}
