package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestRequeueDelayBounds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		factor     float64
		retryCount int
		base       time.Duration
	}{
		{"first retry", 2, 1, time.Second},
		{"second retry", 2, 2, 2 * time.Second},
		{"third retry", 2, 3, 4 * time.Second},
		{"capped at 30s", 2, 10, 30 * time.Second},
		{"retry count clamped up", 2, 0, time.Second},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			for i := 0; i < 20; i++ {
				d := requeueDelay(tt.factor, tt.retryCount)
				if d < tt.base || d >= tt.base+time.Second {
					t.Fatalf("delay = %v, want [%v, %v)", d, tt.base, tt.base+time.Second)
				}
			}
		})
	}
}

func TestDeliverHonorsRetryAfterHint(t *testing.T) {
	t.Parallel()

	var attempts int32
	send := func(ctx context.Context, target int, payload any) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return RetryAfter(errors.New("flood wait"), time.Millisecond)
		}
		return nil
	}
	s, err := New(Config{Targets: 1}, send, testLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stopCh := make(chan struct{})
	it := &Item{ID: "a", Payload: "hello", MaxRetries: 3}
	if err := s.deliver(context.Background(), stopCh, s.reg.target(0), it); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestDeliverRetryAfterHonorBudget(t *testing.T) {
	t.Parallel()

	var attempts int32
	hinted := RetryAfter(errors.New("flood wait"), time.Millisecond)
	send := func(ctx context.Context, target int, payload any) error {
		atomic.AddInt32(&attempts, 1)
		return hinted
	}
	s, err := New(Config{Targets: 1}, send, testLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stopCh := make(chan struct{})
	it := &Item{ID: "a", Payload: "hello", MaxRetries: 3}
	err = s.deliver(context.Background(), stopCh, s.reg.target(0), it)
	if err == nil {
		t.Fatal("deliver succeeded against a permanently rate-limited send")
	}
	var ra RetryAfterError
	if !errors.As(err, &ra) {
		t.Fatalf("deliver error = %v, want the retry-after error back", err)
	}
	// One real attempt plus the three honored hints.
	if got := atomic.LoadInt32(&attempts); got != 4 {
		t.Fatalf("attempts = %d, want 4", got)
	}
}

func TestDeliverStopDuringRetryAfterReportsInterruption(t *testing.T) {
	t.Parallel()

	var attempts int32
	send := func(ctx context.Context, target int, payload any) error {
		atomic.AddInt32(&attempts, 1)
		return RetryAfter(errors.New("flood wait"), 5*time.Second)
	}
	s, err := New(Config{Targets: 1}, send, testLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Stop channel already closed, context still live: the window during
	// shutdown between closing stopCh and canceling the worker context.
	stopCh := make(chan struct{})
	close(stopCh)
	it := &Item{ID: "a", Payload: "hello", MaxRetries: 3}
	err = s.deliver(context.Background(), stopCh, s.reg.target(0), it)
	if err == nil {
		t.Fatal("deliver returned nil for an undelivered item; it would be acked as a success")
	}
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("deliver = %v, want ErrInterrupted", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
}

func TestDeliverSkipsOpenCircuit(t *testing.T) {
	t.Parallel()

	var attempts int32
	send := func(ctx context.Context, target int, payload any) error {
		atomic.AddInt32(&attempts, 1)
		return nil
	}
	s, err := New(Config{Targets: 1, CircuitThreshold: 5, CircuitTimeout: time.Minute}, send, testLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tgt := s.reg.target(0)
	now := time.Now()
	var opened bool
	for i := 0; i < 5; i++ {
		opened = tgt.recordFailure(now, 5)
	}
	if !opened {
		t.Fatal("circuit did not open on the fifth consecutive failure")
	}

	it := &Item{ID: "a", Payload: "x", MaxRetries: 3}
	if err := s.deliver(context.Background(), make(chan struct{}), tgt, it); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("deliver = %v, want ErrCircuitOpen", err)
	}
	if atomic.LoadInt32(&attempts) != 0 {
		t.Fatal("send was invoked while the circuit was open")
	}
}

func TestCircuitCooldownCloses(t *testing.T) {
	t.Parallel()

	tgt := newRegistry(1, RateConfig{}).target(0)
	now := time.Now()
	for i := 0; i < 5; i++ {
		tgt.recordFailure(now, 5)
	}
	if !tgt.circuitBlocked(now.Add(30*time.Second), time.Minute) {
		t.Fatal("circuit closed before the cooldown elapsed")
	}
	if tgt.circuitBlocked(now.Add(61*time.Second), time.Minute) {
		t.Fatal("circuit still open after the cooldown elapsed")
	}
	tgt.mu.Lock()
	cf := tgt.consecutiveFailures
	tgt.mu.Unlock()
	if cf != 0 {
		t.Fatalf("consecutiveFailures = %d after cooldown close, want 0", cf)
	}
}

func TestAttemptSendRecoversPanic(t *testing.T) {
	t.Parallel()

	send := func(ctx context.Context, target int, payload any) error {
		panic("boom")
	}
	err := attemptSend(context.Background(), send, 0, &Item{ID: "a"}, 0)
	if err == nil || !strings.Contains(err.Error(), "send panic") {
		t.Fatalf("attemptSend = %v, want captured panic", err)
	}
}

func TestAttemptSendTimeout(t *testing.T) {
	t.Parallel()

	send := func(ctx context.Context, target int, payload any) error {
		<-ctx.Done()
		return ctx.Err()
	}
	start := time.Now()
	err := attemptSend(context.Background(), send, 0, &Item{ID: "a"}, 20*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("attemptSend = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("attemptSend took %v, timeout did not bound it", elapsed)
	}
}

func TestErrKind(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"circuit open", ErrCircuitOpen, "circuit_open"},
		{"retry after", RetryAfter(base, time.Second), "rate_limited"},
		{"no retry", NoRetry(base), "permanent"},
		{"transient", Transient(base), "transient"},
		{"plain", base, "error"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := errKind(tt.err); got != tt.want {
				t.Fatalf("errKind = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorWrappersUnwrap(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	if !errors.Is(NoRetry(base), base) {
		t.Fatal("NoRetry broke the error chain")
	}
	if !errors.Is(Transient(base), base) {
		t.Fatal("Transient broke the error chain")
	}
	ra := RetryAfter(base, 3*time.Second)
	if !errors.Is(ra, base) {
		t.Fatal("RetryAfter broke the error chain")
	}
	var hint RetryAfterError
	if !errors.As(ra, &hint) || hint.RetryAfter() != 3*time.Second {
		t.Fatalf("RetryAfter hint = %v", hint)
	}
	if NoRetry(nil) != nil || Transient(nil) != nil || RetryAfter(nil, time.Second) != nil {
		t.Fatal("wrapping nil must stay nil")
	}
}

func TestSleepInterruptible(t *testing.T) {
	t.Parallel()

	if !sleepInterruptible(context.Background(), make(chan struct{}), time.Millisecond) {
		t.Fatal("undisturbed sleep reported interruption")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleepInterruptible(ctx, make(chan struct{}), time.Minute) {
		t.Fatal("canceled context did not interrupt the sleep")
	}

	stopCh := make(chan struct{})
	close(stopCh)
	if sleepInterruptible(context.Background(), stopCh, time.Minute) {
		t.Fatal("closed stop channel did not interrupt the sleep")
	}
}
