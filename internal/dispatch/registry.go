package dispatch

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// rateWindowSpan bounds the sliding send window; entries older than this
	// are pruned before any counting decision.
	rateWindowSpan = 60 * time.Second

	// procHistorySize bounds the recent processing-time ring per target.
	procHistorySize = 100
)

// TargetState is the single owner of everything mutable about one target:
// its priority heap set, health metrics, rate window and circuit state.
// One mutex guards all of it; ordinary dispatch never holds two targets'
// locks at once (only the rebalancer does, in ascending id order).
type TargetState struct {
	id   int
	mu   sync.Mutex
	wake chan struct{}

	queues queueSet

	processed           uint64
	errorCount          int
	consecutiveFailures int
	successRate         float64
	inFlight            int
	rateLimitUntil      time.Time

	procTimes [procHistorySize]time.Duration
	procIdx   int
	procLen   int
	procSum   time.Duration

	rate   RateConfig
	window []time.Time
	pacer  *rate.Limiter

	circuitOpen     bool
	circuitOpenedAt time.Time

	lastActivity   time.Time
	workerErrors   int
	workerRestarts uint64
}

// Registry owns the fixed set of targets. Targets are identified by their
// index; the slice never changes after construction.
type Registry struct {
	targets []*TargetState
}

func newRegistry(n int, rc RateConfig) *Registry {
	rc = rc.withDefaults()
	r := &Registry{targets: make([]*TargetState, n)}
	for i := 0; i < n; i++ {
		r.targets[i] = &TargetState{
			id:          i,
			wake:        make(chan struct{}, 1),
			successRate: 1,
			rate:        rc,
			pacer:       rate.NewLimiter(rate.Limit(rc.MessagesPerSecond), rc.BurstLimit),
		}
	}
	return r
}

func (r *Registry) size() int { return len(r.targets) }

// target resolves an id defensively; out-of-range ids clamp to target 0,
// the documented degenerate fallback.
func (r *Registry) target(id int) *TargetState {
	if id < 0 || id >= len(r.targets) {
		return r.targets[0]
	}
	return r.targets[id]
}

func (t *TargetState) notify() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *TargetState) queued() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queues.size()
}

func (t *TargetState) addProcTimeLocked(d time.Duration) {
	if t.procLen == procHistorySize {
		t.procSum -= t.procTimes[t.procIdx]
	} else {
		t.procLen++
	}
	t.procTimes[t.procIdx] = d
	t.procSum += d
	t.procIdx = (t.procIdx + 1) % procHistorySize
}

func (t *TargetState) avgProcLocked() time.Duration {
	if t.procLen == 0 {
		return 0
	}
	return t.procSum / time.Duration(t.procLen)
}

// recordSuccess updates health metrics after a delivered item. A success
// closes the circuit and resets the consecutive-failure streak.
func (t *TargetState) recordSuccess(now time.Time, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.processed++
	t.consecutiveFailures = 0
	t.circuitOpen = false
	t.successRate = t.successRate*0.9 + 0.1
	if t.successRate > 1 {
		t.successRate = 1
	}
	t.addProcTimeLocked(d)
	t.inFlight--
	t.lastActivity = now
	t.workerErrors = 0
}

// recordFailure decays health metrics and trips the circuit once the streak
// reaches the threshold. Returns true on the open transition.
func (t *TargetState) recordFailure(now time.Time, circuitThreshold int) (opened bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.errorCount++
	t.consecutiveFailures++
	t.successRate *= 0.9
	if t.successRate < 0.5 {
		t.successRate = 0.5
	}
	if !t.circuitOpen && t.consecutiveFailures >= circuitThreshold {
		t.circuitOpen = true
		t.circuitOpenedAt = now
		opened = true
	}
	return opened
}

// circuitBlocked reports whether sends to this target are currently skipped.
// An elapsed cooldown closes the circuit and resets the failure streak so the
// next send is attempted for real.
func (t *TargetState) circuitBlocked(now time.Time, cooldown time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.circuitOpen {
		return false
	}
	if now.Sub(t.circuitOpenedAt) > cooldown {
		t.circuitOpen = false
		t.consecutiveFailures = 0
		return false
	}
	return true
}

// targetLoad is a consistent snapshot of one target used by the selection
// engine and the rebalancer. Taken under the target's lock, used outside it.
type targetLoad struct {
	id          int
	queued      int
	inFlight    int
	successRate float64
	avgProc     time.Duration
	errorCount  int
	recent      int // sends inside the sliding window
	burst       int
	rateLimited bool
	unhealthy   bool // consecutiveFailures >= 3
	cf          int
}

func (t *TargetState) load(now time.Time) targetLoad {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneWindowLocked(now)
	return targetLoad{
		id:          t.id,
		queued:      t.queues.size(),
		inFlight:    t.inFlight,
		successRate: t.successRate,
		avgProc:     t.avgProcLocked(),
		errorCount:  t.errorCount,
		recent:      len(t.window),
		burst:       t.rate.BurstLimit,
		rateLimited: now.Before(t.rateLimitUntil),
		unhealthy:   t.consecutiveFailures >= 3,
		cf:          t.consecutiveFailures,
	}
}

func (t *TargetState) stats(now time.Time) TargetStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return TargetStats{
		Target:              t.id,
		QueueSize:           t.queues.size(),
		InFlight:            t.inFlight,
		Processed:           t.processed,
		SuccessRate:         t.successRate,
		AvgProcessingTime:   t.avgProcLocked(),
		ConsecutiveFailures: t.consecutiveFailures,
		RateLimited:         now.Before(t.rateLimitUntil),
		CircuitOpen:         t.circuitOpen,
		WorkerRestarts:      t.workerRestarts,
	}
}
