package dispatch

import (
	"time"

	"golang.org/x/time/rate"
)

// Rate limiting is two layers:
//   - a token-bucket pacer (golang.org/x/time/rate) smooths steady-state
//     throughput at MessagesPerSecond;
//   - a sliding 60s window enforces BurstLimit and drives the cooldown that
//     the selection engine and rebalancer observe via rateLimitUntil.

func (t *TargetState) pruneWindowLocked(now time.Time) {
	cutoff := now.Add(-rateWindowSpan)
	i := 0
	for i < len(t.window) && t.window[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		t.window = append(t.window[:0], t.window[i:]...)
	}
}

// tryReserveSend decides whether a send may proceed now. On a full window it
// sets the rate-limit cooldown and reports false; the caller pushes the item
// back and yields the cycle. Deferral is not an error and not counted as one.
func (t *TargetState) tryReserveSend(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if now.Before(t.rateLimitUntil) {
		return false
	}
	t.pruneWindowLocked(now)
	if len(t.window) >= t.rate.BurstLimit {
		t.rateLimitUntil = now.Add(t.rate.RecoveryTime)
		return false
	}
	t.window = append(t.window, now)
	return true
}

// adaptRate tunes the target's throughput limits from its recent health.
// Called from the monitor loop on every tick when adaptive mode is on.
func (t *TargetState) adaptRate(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.rate.Adaptive {
		return
	}

	const (
		mpsFloor      = 5.0
		mpsCap        = 30.0
		recoveryFloor = 2 * time.Second
		recoveryCap   = 30 * time.Second
	)

	switch {
	case t.successRate > 0.95 && t.consecutiveFailures == 0:
		t.rate.MessagesPerSecond *= 1.1
		if t.rate.MessagesPerSecond > mpsCap {
			t.rate.MessagesPerSecond = mpsCap
		}
		t.rate.RecoveryTime = time.Duration(float64(t.rate.RecoveryTime) * 0.9)
		if t.rate.RecoveryTime < recoveryFloor {
			t.rate.RecoveryTime = recoveryFloor
		}
	case t.successRate < 0.8 || t.consecutiveFailures > 2:
		t.rate.MessagesPerSecond *= 0.8
		if t.rate.MessagesPerSecond < mpsFloor {
			t.rate.MessagesPerSecond = mpsFloor
		}
		t.rate.RecoveryTime = time.Duration(float64(t.rate.RecoveryTime) * 1.25)
		if t.rate.RecoveryTime > recoveryCap {
			t.rate.RecoveryTime = recoveryCap
		}
	default:
		return
	}

	t.rate.BurstLimit = int(2 * t.rate.MessagesPerSecond)
	if t.rate.BurstLimit > int(2*mpsCap) {
		t.rate.BurstLimit = int(2 * mpsCap)
	}
	if t.rate.BurstLimit < 1 {
		t.rate.BurstLimit = 1
	}
	t.pacer.SetLimitAt(now, rate.Limit(t.rate.MessagesPerSecond))
	t.pacer.SetBurstAt(now, t.rate.BurstLimit)
}
