// Package janitor runs operator-facing periodic jobs (stats reporting,
// journal pruning) on cron-or-interval schedules.
package janitor

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "feedrelay/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string
}

type job struct {
	name string
	spec ParsedSpec
	run  func(ctx context.Context)
}

type Service struct {
	cfg    Config
	log    logx.Logger
	parser cron.Parser

	mu     sync.Mutex
	jobs   []job
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Add registers a named job. Must be called before Start.
func (s *Service) Add(name, spec string, run func(ctx context.Context)) error {
	ps, err := ParseSchedule(spec)
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	if ps.Kind == SpecCron {
		// Validate early so a bad config fails at startup, not first tick.
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("job %s: invalid cron %q: %w", name, ps.Cron, err)
		}
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, job{name: name, spec: ps, run: run})
	s.mu.Unlock()
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.c != nil {
		return nil
	}

	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("janitor: invalid timezone %q: %w", tz, err)
		}
		loc = l
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	for _, j := range s.jobs {
		j := j
		wrapped := func() { s.runJob(j) }
		switch j.spec.Kind {
		case SpecCron:
			if _, err := s.c.AddFunc(j.spec.Cron, wrapped); err != nil {
				return fmt.Errorf("janitor: job %s: %w", j.name, err)
			}
		case SpecInterval:
			s.c.Schedule(cron.Every(j.spec.Every), cron.FuncJob(wrapped))
		}
	}

	s.c.Start()
	s.log.Info("janitor started",
		logx.Int("jobs", len(s.jobs)),
		logx.String("tz", loc.String()))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.cancel = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Service) runJob(j job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("janitor job panicked",
				logx.String("job", j.name),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
		}
	}()

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	started := time.Now()
	j.run(ctx)
	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("janitor job done",
			logx.String("job", j.name),
			logx.Duration("took", time.Since(started)))
	}
}
