package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"feedrelay/internal/eventbus"
	logx "feedrelay/pkg/logx"
)

// worker is the per-target dispatch loop:
// Idle -> Dequeuing -> Processing -> (Success|Failed) -> Idle.
// One goroutine owns one target; cross-target work only happens through the
// requeue path and the rebalancer.
func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, t *TargetState) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		s.mu.Lock()
		cfg := s.cfg
		s.mu.Unlock()

		now := time.Now()
		t.mu.Lock()
		it, stale := t.queues.popReady(now, cfg.MaxItemAge)
		if it != nil {
			t.inFlight++
			t.lastActivity = now
		}
		t.mu.Unlock()

		if it != nil {
			atomic.AddInt64(&s.pending, -1)
		}
		for _, st := range stale {
			s.dropItem(st, "stale")
		}

		if it == nil {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-t.wake:
			case <-time.After(cfg.PollInterval):
			}
			continue
		}

		// Steady-state pacing first, then the burst window gate.
		if err := t.pacer.Wait(ctx); err != nil {
			t.mu.Lock()
			t.inFlight--
			t.mu.Unlock()
			s.returnToQueue(t, it)
			return
		}

		now = time.Now()
		if !t.tryReserveSend(now) {
			// Burst window exhausted: deferral, not failure. Put the item
			// back and yield this cycle.
			t.mu.Lock()
			t.inFlight--
			t.mu.Unlock()
			s.returnToQueue(t, it)
			s.log.Debug("target rate limited; deferring",
				logx.Int("target", t.id),
				logx.String("item", it.ID))
			if !sleepInterruptible(ctx, stopCh, cfg.PollInterval) {
				return
			}
			continue
		}

		start := time.Now()
		err := s.deliver(ctx, stopCh, t, it)
		if errors.Is(err, ErrInterrupted) || (ctx.Err() != nil && errors.Is(err, ctx.Err())) {
			// Shutdown raced the send; don't account it as a target failure.
			t.mu.Lock()
			t.inFlight--
			t.mu.Unlock()
			s.returnToQueue(t, it)
			return
		}
		pause := s.ack(t, it, err, time.Since(start))
		if pause {
			// Soft restart: counters were reset, breathe briefly before resuming.
			if !sleepInterruptible(ctx, stopCh, time.Second) {
				return
			}
		}
	}
}

// ack reports a send outcome back to the registry and routes failures into
// the requeue path. Returns true when the worker should pause for a soft
// restart (consecutive error threshold reached).
func (s *Service) ack(t *TargetState, it *Item, sendErr error, dur time.Duration) (pause bool) {
	now := time.Now()

	if sendErr == nil {
		t.recordSuccess(now, dur)
		atomic.AddUint64(&s.totalProcessed, 1)
		s.log.Debug("item delivered",
			logx.Int("target", t.id),
			logx.String("item", it.ID),
			logx.String("priority", it.Priority.String()),
			logx.Int("retries", it.RetryCount),
			logx.Duration("dur", dur))
		s.publish(eventbus.TypeDelivered, ItemEvent{
			ItemID:   it.ID,
			Target:   t.id,
			Priority: it.Priority.String(),
			Retries:  it.RetryCount,
			Duration: dur,
		})
		return false
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	t.mu.Lock()
	t.inFlight--
	t.lastActivity = now
	t.workerErrors++
	tripped := t.workerErrors >= cfg.ErrorThreshold
	if tripped {
		t.workerErrors = 0
		t.workerRestarts++
	}
	t.mu.Unlock()

	if tripped {
		s.log.Warn("worker error threshold reached; soft restart",
			logx.Int("target", t.id),
			logx.Int("threshold", cfg.ErrorThreshold))
		s.publish(eventbus.TypeWorkerRestart, TargetEvent{Target: t.id, Reason: "error_threshold"})
	}

	s.requeue(t, it, sendErr, now)
	return tripped
}

// requeue applies the failure policy to one item: decay the failing target's
// metrics, bump the retry count, back the timestamp off, demote, and move the
// item to a freshly selected target, or drop it once retries are exhausted.
func (s *Service) requeue(t *TargetState, it *Item, sendErr error, now time.Time) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	// A circuit-open skip is the breaker doing its job, not new evidence
	// against the target; metrics only decay on real send failures.
	if !errors.Is(sendErr, ErrCircuitOpen) {
		if opened := t.recordFailure(now, cfg.CircuitThreshold); opened {
			s.log.Warn("circuit opened",
				logx.Int("target", t.id),
				logx.Int("threshold", cfg.CircuitThreshold),
				logx.Duration("cooldown", cfg.CircuitTimeout))
			s.publish(eventbus.TypeCircuitOpen, TargetEvent{Target: t.id, Reason: "consecutive_failures"})
		}
	}

	if IsNoRetry(sendErr) {
		s.failPermanent(it, sendErr)
		return
	}

	it.RetryCount++
	if it.RetryCount >= it.MaxRetries {
		s.failPermanent(it, sendErr)
		return
	}

	it.EnqueuedAt = now.Add(requeueDelay(cfg.BackoffFactor, it.RetryCount))

	// An explicit rate-limit signal says nothing about the item itself;
	// everything else demotes it one level.
	var ra RetryAfterError
	if !errors.As(sendErr, &ra) {
		it.Priority = it.Priority.demote()
	}

	excluded := map[int]bool{t.id: true}
	if it.RetryCount > 2 {
		for _, o := range s.reg.targets {
			l := o.load(now)
			if l.rateLimited || l.unhealthy {
				excluded[o.id] = true
			}
		}
	}

	next := s.reg.target(s.selectTarget(excluded))
	it.Target = next.id

	next.mu.Lock()
	next.queues.push(it)
	next.mu.Unlock()
	atomic.AddInt64(&s.pending, 1)
	next.notify()

	s.log.Debug("item requeued",
		logx.String("item", it.ID),
		logx.Int("from", t.id),
		logx.Int("to", next.id),
		logx.Int("retries", it.RetryCount),
		logx.String("priority", it.Priority.String()),
		logx.String("kind", errKind(sendErr)),
		logx.Any("err", sendErr))
	s.publish(eventbus.TypeFailed, ItemEvent{
		ItemID:     it.ID,
		Target:     t.id,
		Priority:   it.Priority.String(),
		Retries:    it.RetryCount,
		Error:      sendErr.Error(),
		Kind:       errKind(sendErr),
		NextTarget: next.id,
		Requeued:   true,
	})
}

// failPermanent accounts an item whose retries are exhausted (or whose error
// is marked non-retryable). The item is destroyed, never re-enqueued.
func (s *Service) failPermanent(it *Item, sendErr error) {
	atomic.AddUint64(&s.totalFailed, 1)
	s.log.Warn("item failed permanently",
		logx.String("item", it.ID),
		logx.Int("target", it.Target),
		logx.Int("retries", it.RetryCount),
		logx.String("kind", errKind(sendErr)),
		logx.Any("err", sendErr))
	s.publish(eventbus.TypeFailed, ItemEvent{
		ItemID:   it.ID,
		Target:   it.Target,
		Priority: it.Priority.String(),
		Retries:  it.RetryCount,
		Error:    sendErr.Error(),
		Kind:     errKind(sendErr),
		Reason:   "retries_exhausted",
	})
}

// dropItem accounts an item evicted from a heap (stale on dequeue, or reaped).
// Counted as a permanent failure; the item never dispatched.
func (s *Service) dropItem(it *Item, reason string) {
	atomic.AddInt64(&s.pending, -1)
	atomic.AddUint64(&s.totalFailed, 1)
	if s.shouldWarn(&s.lastDropWarnAt, time.Now()) {
		s.log.Warn("queued item dropped",
			logx.String("item", it.ID),
			logx.Int("target", it.Target),
			logx.String("reason", reason),
			logx.Duration("age", time.Since(it.EnqueuedAt)),
			logx.Int("retries", it.RetryCount))
	}
	s.publish(eventbus.TypeDropped, ItemEvent{
		ItemID:   it.ID,
		Target:   it.Target,
		Priority: it.Priority.String(),
		Retries:  it.RetryCount,
		Reason:   reason,
	})
}

// returnToQueue puts a popped-but-undispatched item back on its target heap.
// No metrics change; this is deferral, not failure.
func (s *Service) returnToQueue(t *TargetState, it *Item) {
	t.mu.Lock()
	t.queues.push(it)
	t.mu.Unlock()
	atomic.AddInt64(&s.pending, 1)
}
