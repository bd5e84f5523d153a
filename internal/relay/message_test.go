package relay

import (
	"context"
	"strings"
	"testing"
	"time"

	"feedrelay/internal/dispatch"
	"feedrelay/internal/transport"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  *Message
		want dispatch.Priority
	}{
		{"nil message", nil, dispatch.PriorityNormal},
		{"plain text", &Message{Text: "hello"}, dispatch.PriorityNormal},
		{"urgent wins", &Message{Text: "x", Urgent: true, IsReply: true}, dispatch.PriorityUrgent},
		{"reply", &Message{Text: "x", IsReply: true}, dispatch.PriorityHigh},
		{"media", &Message{Text: "x", HasMedia: true}, dispatch.PriorityHigh},
		{"long text sinks", &Message{Text: strings.Repeat("a", 3501)}, dispatch.PriorityLow},
		{"threshold is exclusive", &Message{Text: strings.Repeat("a", 3500)}, dispatch.PriorityNormal},
		{"long but urgent", &Message{Text: strings.Repeat("a", 4000), Urgent: true}, dispatch.PriorityUrgent},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tt.msg); got != tt.want {
				t.Fatalf("Classify = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSendCost(t *testing.T) {
	t.Parallel()

	if got := (&Message{HasMedia: true}).SendCost(); got != time.Second {
		t.Fatalf("media cost = %v, want 1s", got)
	}
	if got := (&Message{Text: "x"}).SendCost(); got != 500*time.Millisecond {
		t.Fatalf("text cost = %v, want 500ms", got)
	}
}

type captureSender struct {
	to   transport.ChatTarget
	text string
	opts *transport.SendOptions
	err  error
}

func (c *captureSender) Send(ctx context.Context, to transport.ChatTarget, text string, opts *transport.SendOptions) error {
	c.to, c.text, c.opts = to, text, opts
	return c.err
}

func (c *captureSender) Close() error { return nil }

func TestNewSendFuncRoutes(t *testing.T) {
	t.Parallel()

	routes := []transport.ChatTarget{
		{Name: "main", ChatID: 100},
		{Name: "alerts", ChatID: 200, ThreadID: 7},
	}
	cs := &captureSender{}
	send := NewSendFunc(routes, cs)

	opts := &transport.SendOptions{Silent: true}
	msg := &Message{Text: "ping", Opts: opts}
	if err := send(context.Background(), 1, msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	if cs.to.ChatID != 200 || cs.to.ThreadID != 7 {
		t.Fatalf("routed to %+v, want the alerts chat", cs.to)
	}
	if cs.text != "ping" || cs.opts != opts {
		t.Fatal("payload text/options were not passed through")
	}
}

func TestNewSendFuncRejectsBadInput(t *testing.T) {
	t.Parallel()

	send := NewSendFunc([]transport.ChatTarget{{ChatID: 1}}, &captureSender{})

	if err := send(context.Background(), 5, &Message{Text: "x"}); !dispatch.IsNoRetry(err) {
		t.Fatalf("out-of-range target = %v, want a no-retry error", err)
	}
	if err := send(context.Background(), 0, "not a message"); !dispatch.IsNoRetry(err) {
		t.Fatalf("wrong payload type = %v, want a no-retry error", err)
	}
}
