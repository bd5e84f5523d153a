package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"feedrelay/internal/eventbus"
	rtsup "feedrelay/internal/runtime/supervisor"
	logx "feedrelay/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is the dispatch engine: per-target priority queues, one worker per
// target, and the monitor/rebalancer/reaper background loops.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	send SendFunc
	reg  *Registry

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	rr         uint64 // round-robin cursor
	reapCursor int    // guarded by mu

	startedAt      time.Time
	pending        int64
	totalEnqueued  uint64
	totalProcessed uint64
	totalFailed    uint64

	lastFullWarnAt int64
	lastDropWarnAt int64
}

func New(cfg Config, send SendFunc, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if send == nil {
		return nil, errors.New("dispatch: send function is required")
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:  cfg,
		log:  log,
		bus:  bus,
		send: send,
		reg:  newRegistry(cfg.Targets, cfg.Rate),
	}, nil
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	s.startedAt = time.Now()
	stopCh := s.stopCh

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "dispatch"))),
		// Worker failures should not hard-kill the app; they self-heal.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i, t := range s.reg.targets {
		tgt := t
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh, tgt)
			// Clean exits happen only on shutdown.
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}

	sup.GoRestart("monitor", func(c context.Context) error {
		s.runLoop(c, stopCh, cfg.MonitorInterval, s.monitorOnce)
		return loopExitErr(c, stopCh, "monitor")
	})
	sup.GoRestart("rebalancer", func(c context.Context) error {
		s.runLoop(c, stopCh, cfg.RebalanceInterval, func(now time.Time) { s.rebalanceOnce(now) })
		return loopExitErr(c, stopCh, "rebalancer")
	})
	sup.GoRestart("reaper", func(c context.Context) error {
		s.runLoop(c, stopCh, cfg.ReapInterval, func(now time.Time) { s.reapOnce(now) })
		return loopExitErr(c, stopCh, "reaper")
	})

	s.log.Info("dispatcher started",
		logx.Int("targets", cfg.Targets),
		logx.Int("queue_cap", cfg.QueueCap),
		logx.String("strategy", string(cfg.Strategy)),
		logx.Bool("adaptive", cfg.Adaptive))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		// Wait unbounded in background; the caller can still time out.
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("dispatcher stopped")
	case <-ctx.Done():
		s.log.Warn("dispatcher stop timed out", logx.Any("err", ctx.Err()))
	}
}

// Submit classifies nothing: the caller supplies the priority (see the relay
// package for content-derived classification). Rejected outright when the
// aggregate queue cap is reached, with no side effects in that case.
func (s *Service) Submit(payload any, prio Priority) error {
	if payload == nil {
		return errors.New("dispatch: payload is required")
	}
	s.mu.Lock()
	cfg := s.cfg
	running := s.stopCh != nil
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if !running {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}
	if !prio.valid() {
		prio = PriorityNormal
	}

	if n := atomic.AddInt64(&s.pending, 1); n > int64(cfg.QueueCap) {
		atomic.AddInt64(&s.pending, -1)
		now := time.Now()
		if s.shouldWarn(&s.lastFullWarnAt, now) {
			s.log.Warn("submission rejected: queue full",
				logx.Int("cap", cfg.QueueCap),
				logx.Uint64("enqueued", atomic.LoadUint64(&s.totalEnqueued)))
		}
		return ErrQueueFull
	}

	now := time.Now()
	it := &Item{
		ID:         newItemID(),
		Payload:    payload,
		Priority:   prio,
		EnqueuedAt: now,
		MaxRetries: cfg.MaxRetries,
	}
	if c, ok := payload.(interface{ SendCost() time.Duration }); ok {
		it.Cost = c.SendCost()
	}

	t := s.reg.target(s.selectTarget(nil))
	it.Target = t.id

	t.mu.Lock()
	t.queues.push(it)
	t.mu.Unlock()
	t.notify()

	atomic.AddUint64(&s.totalEnqueued, 1)
	return nil
}

// Configure adjusts the selection strategy and adaptive rate tuning at
// runtime; it takes effect on the next selection/adjustment cycle.
func (s *Service) Configure(strategy Strategy, adaptive bool) {
	if strategy != StrategyRoundRobin && strategy != StrategyLeastLoaded && strategy != StrategySmart {
		strategy = StrategySmart
	}
	s.mu.Lock()
	changed := s.cfg.Strategy != strategy || s.cfg.Adaptive != adaptive
	s.cfg.Strategy = strategy
	s.cfg.Adaptive = adaptive
	s.mu.Unlock()

	if changed {
		s.log.Info("dispatcher reconfigured",
			logx.String("strategy", string(strategy)),
			logx.Bool("adaptive", adaptive))
	}
}

func (s *Service) Stats() Stats {
	now := time.Now()
	st := Stats{Targets: make([]TargetStats, 0, s.reg.size())}
	for _, t := range s.reg.targets {
		st.Targets = append(st.Targets, t.stats(now))
	}

	processed := atomic.LoadUint64(&s.totalProcessed)
	failed := atomic.LoadUint64(&s.totalFailed)

	s.mu.Lock()
	startedAt := s.startedAt
	s.mu.Unlock()

	procRate := 0.0
	if !startedAt.IsZero() {
		if elapsed := now.Sub(startedAt).Seconds(); elapsed > 0 {
			procRate = float64(processed) / elapsed
		}
	}
	successRate := 1.0
	if processed+failed > 0 {
		successRate = float64(processed) / float64(processed+failed)
	}

	st.Totals = Totals{
		Enqueued:       atomic.LoadUint64(&s.totalEnqueued),
		Processed:      processed,
		Failed:         failed,
		Pending:        atomic.LoadInt64(&s.pending),
		ProcessingRate: procRate,
		SuccessRate:    successRate,
	}
	return st
}

// monitorOnce is one tick of the rate/health monitor: adaptive limit tuning
// plus the stuck-worker self-health-check.
func (s *Service) monitorOnce(now time.Time) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	for _, t := range s.reg.targets {
		if cfg.Adaptive {
			t.adaptRate(now)
		}

		t.mu.Lock()
		queued := t.queues.size()
		stuck := queued > 0 && !t.lastActivity.IsZero() && now.Sub(t.lastActivity) > cfg.StuckThreshold
		if stuck {
			t.workerErrors = 0
			t.workerRestarts++
			t.lastActivity = now
		}
		t.mu.Unlock()

		if stuck {
			s.log.Warn("worker stuck; soft restart",
				logx.Int("target", t.id),
				logx.Int("queued", queued),
				logx.Duration("threshold", cfg.StuckThreshold))
			s.publish(eventbus.TypeWorkerRestart, TargetEvent{Target: t.id, Reason: "stuck"})
			t.notify()
		}
	}
}

func (s *Service) runLoop(ctx context.Context, stopCh <-chan struct{}, every time.Duration, fn func(now time.Time)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case now := <-ticker.C:
			fn(now)
		}
	}
}

func loopExitErr(ctx context.Context, stopCh <-chan struct{}, name string) error {
	select {
	case <-stopCh:
		return context.Canceled
	default:
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%s loop exited unexpectedly", name)
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}
