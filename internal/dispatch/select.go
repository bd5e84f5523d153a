package dispatch

import (
	"math"
	"sync/atomic"
	"time"
)

// selectTarget picks the destination for a new or retried item.
//
// It only fails soft: when every target is excluded or unhealthy it falls
// back to the least-loaded non-excluded target, and as a last resort to
// target 0; callers should treat that as "no good choice", not a promise.
func (s *Service) selectTarget(excluded map[int]bool) int {
	now := time.Now()
	loads := make([]targetLoad, 0, s.reg.size())
	for _, t := range s.reg.targets {
		loads = append(loads, t.load(now))
	}

	s.mu.Lock()
	strat := s.cfg.Strategy
	s.mu.Unlock()

	switch strat {
	case StrategyRoundRobin:
		if id, ok := s.pickRoundRobin(loads, excluded); ok {
			return id
		}
	case StrategyLeastLoaded:
		if id, ok := pickLeastLoaded(loads, excluded, true); ok {
			return id
		}
	default:
		if id, ok := pickSmart(loads, excluded); ok {
			return id
		}
	}

	// Degraded fallback: ignore health, just avoid the exclusion set.
	if id, ok := pickLeastLoaded(loads, excluded, false); ok {
		return id
	}
	return 0
}

// pickRoundRobin rotates across non-excluded targets.
func (s *Service) pickRoundRobin(loads []targetLoad, excluded map[int]bool) (int, bool) {
	n := len(loads)
	if n == 0 {
		return 0, false
	}
	start := int(atomic.AddUint64(&s.rr, 1))
	for i := 0; i < n; i++ {
		id := (start + i) % n
		if !excluded[id] {
			return id, true
		}
	}
	return 0, false
}

// pickLeastLoaded returns the target with the lowest queued + in-flight load.
// With skipLimited it also ignores targets under rate-limit cooldown.
func pickLeastLoaded(loads []targetLoad, excluded map[int]bool, skipLimited bool) (int, bool) {
	best, bestLoad := -1, 0
	for _, l := range loads {
		if excluded[l.id] {
			continue
		}
		if skipLimited && l.rateLimited {
			continue
		}
		total := l.queued + l.inFlight
		if best < 0 || total < bestLoad {
			best, bestLoad = l.id, total
		}
	}
	return best, best >= 0
}

// pickSmart scores every eligible target and returns the highest.
// Ties resolve to the lowest id (stable ascending scan, strict greater-than).
func pickSmart(loads []targetLoad, excluded map[int]bool) (int, bool) {
	best, bestScore := -1, 0.0
	for _, l := range loads {
		if excluded[l.id] || l.rateLimited || l.unhealthy {
			continue
		}
		sc := smartScore(l)
		if best < 0 || sc > bestScore {
			best, bestScore = l.id, sc
		}
	}
	return best, best >= 0
}

// smartScore weighs queue load 40%, health 30%, speed 20% and rate-limit
// headroom 10%.
func smartScore(l targetLoad) float64 {
	queueScore := math.Max(0, 100-2*float64(l.queued))
	healthScore := l.successRate*50 + math.Min(50, 1000/float64(l.errorCount+10))

	speedScore := 0.0
	if sec := l.avgProc.Seconds(); sec > 0 {
		speedScore = math.Min(50, 5/sec)
	}

	headroom := 0.0
	if l.burst > 0 {
		headroom = math.Max(0, float64(l.burst-l.recent)/float64(l.burst)*100)
	}

	return 0.4*queueScore + 0.3*healthScore + 0.2*speedScore + 0.1*headroom
}
