package dispatch

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func fillQueue(t *TargetState, n int, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < n; i++ {
		t.queues.push(&Item{
			ID:         fmt.Sprintf("t%d-%d", t.id, i),
			Priority:   PriorityNormal,
			EnqueuedAt: at,
			Target:     t.id,
			MaxRetries: 3,
		})
	}
}

func TestRebalanceMovesHalfTheGap(t *testing.T) {
	t.Parallel()

	s, err := New(Config{Targets: 3, RebalanceMinGap: 10, RebalanceMaxMove: 20}, nopSend, testLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Now()
	fillQueue(s.reg.target(0), 50, now.Add(-time.Second))
	fillQueue(s.reg.target(1), 5, now.Add(-time.Second))

	// Gap 50, half is 25, capped at 20; the empty target receives them.
	moved := s.rebalanceOnce(now)
	if moved != 20 {
		t.Fatalf("moved = %d, want 20", moved)
	}
	if got := s.reg.target(0).queued(); got != 30 {
		t.Fatalf("source queue = %d, want 30", got)
	}
	if got := s.reg.target(2).queued(); got != 20 {
		t.Fatalf("destination queue = %d, want 20", got)
	}

	// Moved items are owned by the destination now.
	dst := s.reg.target(2)
	dst.mu.Lock()
	it := dst.queues.popHighest()
	dst.mu.Unlock()
	if it == nil || it.Target != 2 {
		t.Fatalf("moved item target = %v, want restamped to 2", it)
	}
}

func TestRebalanceBelowGapIsNoop(t *testing.T) {
	t.Parallel()

	s, err := New(Config{Targets: 2, RebalanceMinGap: 10, RebalanceMaxMove: 20}, nopSend, testLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Now()
	fillQueue(s.reg.target(0), 9, now)

	if moved := s.rebalanceOnce(now); moved != 0 {
		t.Fatalf("moved = %d below the minimum gap, want 0", moved)
	}
}

func TestRebalanceSkipsIneligibleTargets(t *testing.T) {
	t.Parallel()

	s, err := New(Config{Targets: 3, RebalanceMinGap: 10, RebalanceMaxMove: 20}, nopSend, testLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Now()

	// The most loaded target is rate limited; the healthiest destination is
	// mid-failure-streak. Neither may participate.
	limited := s.reg.target(0)
	fillQueue(limited, 80, now)
	limited.mu.Lock()
	limited.rateLimitUntil = now.Add(time.Minute)
	limited.mu.Unlock()

	failing := s.reg.target(2)
	failing.mu.Lock()
	failing.consecutiveFailures = 3
	failing.mu.Unlock()

	fillQueue(s.reg.target(1), 5, now)

	if moved := s.rebalanceOnce(now); moved != 0 {
		t.Fatalf("moved = %d with only one eligible target, want 0", moved)
	}
	if got := limited.queued(); got != 80 {
		t.Fatalf("rate-limited queue = %d, want untouched 80", got)
	}
}

func TestRebalanceEffectiveLoadOrdering(t *testing.T) {
	t.Parallel()

	s, err := New(Config{Targets: 2, RebalanceMinGap: 10, RebalanceMaxMove: 20}, nopSend, testLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Now()

	// Raw queues are equal, but the struggling target's effective load is
	// double, so it becomes the source.
	fillQueue(s.reg.target(0), 20, now)
	fillQueue(s.reg.target(1), 20, now)
	struggling := s.reg.target(1)
	struggling.mu.Lock()
	struggling.successRate = 0.5
	struggling.mu.Unlock()

	// Gap on raw sizes is 0, so no move happens, but ordering still picks the
	// struggling side as most loaded; verify via a widened queue.
	fillQueue(struggling, 10, now)
	moved := s.rebalanceOnce(now)
	if moved == 0 {
		t.Fatal("expected a move from the struggling target")
	}
	if got := struggling.queued(); got >= 30 {
		t.Fatalf("struggling queue = %d, want items drained from it", got)
	}
}

func TestReapOnceRotatesAndEvicts(t *testing.T) {
	t.Parallel()

	s, err := New(Config{Targets: 2, Retention: time.Hour, MaxRetries: 3}, nopSend, testLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Now()

	tgt := s.reg.target(0)
	push := func(id string, age time.Duration, retryCount int) {
		tgt.mu.Lock()
		tgt.queues.push(&Item{
			ID:         id,
			Priority:   PriorityNormal,
			EnqueuedAt: now.Add(-age),
			MaxRetries: 3,
			RetryCount: retryCount,
		})
		tgt.mu.Unlock()
		atomic.AddInt64(&s.pending, 1)
	}
	push("fresh", time.Minute, 3)        // inside retention, kept
	push("old-retryable", 2*time.Hour, 1) // past retention but retries remain, kept
	push("old-exhausted", 2*time.Hour, 3) // past retention and spent, evicted

	if removed := s.reapOnce(now); removed != 1 {
		t.Fatalf("reapOnce on target 0 removed %d, want 1", removed)
	}
	if got := tgt.queued(); got != 2 {
		t.Fatalf("queue = %d after reap, want 2 survivors", got)
	}
	if got := atomic.LoadInt64(&s.pending); got != 2 {
		t.Fatalf("pending = %d after drop accounting, want 2", got)
	}
	if got := atomic.LoadUint64(&s.totalFailed); got != 1 {
		t.Fatalf("totalFailed = %d, want the evicted item counted", got)
	}

	// The cursor rotates: the next tick inspects target 1.
	if removed := s.reapOnce(now); removed != 0 {
		t.Fatalf("reapOnce on empty target 1 removed %d, want 0", removed)
	}
}
