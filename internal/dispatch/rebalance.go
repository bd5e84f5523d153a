package dispatch

import (
	"math"
	"sort"
	"time"

	"feedrelay/internal/eventbus"
	logx "feedrelay/pkg/logx"
)

// rebalanceOnce moves queued-but-undispatched items from the most loaded
// eligible target to the least loaded one. Targets under rate-limit cooldown
// or with more than 2 consecutive failures are neither source nor destination.
//
// Effective load is queueSize / max(0.1, successRate), so a struggling target
// counts as more loaded than its raw queue size suggests, with average
// processing time as the tiebreak. The trigger and the move count use raw
// queue sizes.
func (s *Service) rebalanceOnce(now time.Time) int {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	eligible := make([]targetLoad, 0, s.reg.size())
	for _, t := range s.reg.targets {
		l := t.load(now)
		if l.rateLimited || l.cf > 2 {
			continue
		}
		eligible = append(eligible, l)
	}
	if len(eligible) < 2 {
		return 0
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		li := float64(eligible[i].queued) / math.Max(0.1, eligible[i].successRate)
		lj := float64(eligible[j].queued) / math.Max(0.1, eligible[j].successRate)
		if li != lj {
			return li < lj
		}
		return eligible[i].avgProc < eligible[j].avgProc
	})

	dst := eligible[0]
	src := eligible[len(eligible)-1]
	gap := src.queued - dst.queued
	if gap < cfg.RebalanceMinGap {
		return 0
	}
	want := gap / 2
	if want > cfg.RebalanceMaxMove {
		want = cfg.RebalanceMaxMove
	}

	from := s.reg.target(src.id)
	to := s.reg.target(dst.id)

	// The only place two target locks are held at once; ascending-id order
	// keeps concurrent passes deadlock-free.
	first, second := from, to
	if second.id < first.id {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()

	moved := 0
	for moved < want {
		it := from.queues.popHighest()
		if it == nil {
			break
		}
		it.Target = to.id
		it.EnqueuedAt = now
		to.queues.push(it)
		moved++
	}

	second.mu.Unlock()
	first.mu.Unlock()

	if moved > 0 {
		to.notify()
		s.log.Info("queues rebalanced",
			logx.Int("from", from.id),
			logx.Int("to", to.id),
			logx.Int("moved", moved),
			logx.Int("gap", gap))
		s.publish(eventbus.TypeRebalanced, RebalanceEvent{From: from.id, To: to.id, Moved: moved})
	}
	return moved
}

// reapOnce evicts stale items from one target's heaps, rotating through
// targets across ticks so the locking cost spreads out. An item is stale once
// it is past the retention window with no retries remaining.
func (s *Service) reapOnce(now time.Time) int {
	s.mu.Lock()
	cfg := s.cfg
	n := s.reg.size()
	if n == 0 {
		s.mu.Unlock()
		return 0
	}
	idx := s.reapCursor % n
	s.reapCursor++
	s.mu.Unlock()

	t := s.reg.targets[idx]
	t.mu.Lock()
	removed := t.queues.filter(func(it *Item) bool {
		if now.Sub(it.EnqueuedAt) <= cfg.Retention {
			return true
		}
		return it.RetryCount < it.MaxRetries
	})
	t.mu.Unlock()

	for _, it := range removed {
		s.dropItem(it, "expired")
	}
	return len(removed)
}
