package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime/debug"
	"time"

	logx "feedrelay/pkg/logx"
)

// maxRetryAfterHonors bounds how many explicit retry-after hints a single
// dispatch honors before the failure is handed back to the requeue path.
// The hints bypass the retry budget, so an unbounded loop here could pin a
// worker on one item forever.
const maxRetryAfterHonors = 3

// deliver is the resilience layer around the external send function: the
// per-target circuit breaker plus retry-after handling. It performs one real
// send attempt per call; retry budget and backoff across attempts live in the
// requeue path, so there is a single source of truth for both.
func (s *Service) deliver(ctx context.Context, stopCh <-chan struct{}, t *TargetState, it *Item) error {
	s.mu.Lock()
	cfg := s.cfg
	send := s.send
	s.mu.Unlock()

	if t.circuitBlocked(time.Now(), cfg.CircuitTimeout) {
		return ErrCircuitOpen
	}

	honors := 0
	for {
		err := attemptSend(ctx, send, t.id, it, cfg.SendTimeout)
		if err == nil {
			return nil
		}

		var ra RetryAfterError
		if errors.As(err, &ra) && honors < maxRetryAfterHonors {
			honors++
			d := ra.RetryAfter()
			if d > rateWindowSpan {
				d = rateWindowSpan
			}
			s.log.Debug("retry-after honored",
				logx.Int("target", t.id),
				logx.String("item", it.ID),
				logx.Duration("delay", d),
				logx.Int("honors", honors))
			if !sleepInterruptible(ctx, stopCh, d) {
				// A plain stopCh close leaves ctx.Err() nil; never let an
				// undelivered item surface as a nil error.
				if cerr := ctx.Err(); cerr != nil {
					return cerr
				}
				return ErrInterrupted
			}
			continue
		}
		return err
	}
}

// attemptSend runs one guarded send: per-message timeout and panic capture.
// A timeout surfaces as a plain failure so it feeds the same consecutive-error
// accounting as any other error.
func attemptSend(ctx context.Context, send SendFunc, target int, it *Item, timeout time.Duration) (err error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send panic: %v\n%s", r, debug.Stack())
		}
	}()
	err = send(runCtx, target, it.Payload)
	if err == nil && runCtx.Err() != nil {
		err = runCtx.Err()
	}
	return err
}

// requeueDelay computes the backoff applied to a failed item's timestamp:
// min(30s, factor^(retryCount-1) seconds) plus up to 1s of random jitter.
// The global locked RNG is fine here; requeues are not a hot path.
func requeueDelay(factor float64, retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	sec := math.Pow(factor, float64(retryCount-1))
	if sec > 30 {
		sec = 30
	}
	return time.Duration(sec*float64(time.Second)) + time.Duration(rand.Int63n(int64(time.Second)))
}

// sleepInterruptible waits d unless the context or stop channel fires first.
// Returns false when interrupted.
func sleepInterruptible(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-tmr.C:
		return true
	}
}
