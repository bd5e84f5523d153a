// Package app wires the relay daemon together: config, logging, the
// dispatch engine, the Telegram transport, the delivery journal and the
// janitor, plus config hot reload and ordered shutdown.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"feedrelay/internal/config"
	"feedrelay/internal/dispatch"
	"feedrelay/internal/eventbus"
	"feedrelay/internal/janitor"
	"feedrelay/internal/relay"
	"feedrelay/internal/runtime/supervisor"
	"feedrelay/internal/storage"
	"feedrelay/internal/transport"
	"feedrelay/internal/transport/telegram"
	logx "feedrelay/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  storage.Store
	sender transport.Sender
	routes []transport.ChatTarget

	eng *dispatch.Service
	rel *relay.Relay
	jan *janitor.Service

	storageRetention time.Duration
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	var retention time.Duration
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		retention = sc.Retention
		log.Info("delivery journal enabled", logx.String("driver", sc.Driver))
	}

	// Transport: real Telegram sender when a token is configured, a logging
	// dry-run sender otherwise (useful for local development).
	var sender transport.Sender
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		s, err := telegram.NewSender(cfg.Telegram.Token, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		sender = s
	} else {
		log.Warn("telegram token not set; running with dry-run sender")
		sender = &transport.LogSender{Log: log.With(logx.String("comp", "telegram"))}
	}

	routes := mapRoutes(cfg)

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	eng, err := dispatch.New(dcfg,
		relay.NewSendFunc(routes, sender),
		log.With(logx.String("comp", "dispatch")), bus)
	if err != nil {
		return nil, err
	}

	jan := janitor.New(mapJanitorConfig(cfg), log.With(logx.String("comp", "janitor")))

	return &App{
		cfgPath:          cfgPath,
		cfgm:             cfgm,
		log:              log,
		logs:             logSvc,
		bus:              bus,
		store:            store,
		sender:           sender,
		routes:           routes,
		eng:              eng,
		rel:              relay.New(eng),
		jan:              jan,
		storageRetention: retention,
	}, nil
}

// Relay exposes the submit front-end.
func (a *App) Relay() *relay.Relay { return a.rel }

// Done is closed when the app run context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	a.eng.Start(a.sup.Context())

	if a.store != nil {
		a.startJournalWriter()
	}
	if err := a.startJanitor(); err != nil {
		return err
	}

	a.startReloadLoop()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("targets", len(a.routes)))
	return nil
}

// startJournalWriter tails dispatch events and records terminal outcomes in
// the journal. Requeues are not terminal and are skipped.
func (a *App) startJournalWriter() {
	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("journal.writer", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				entry, ok := journalEntry(e)
				if !ok {
					continue
				}
				wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				err := a.store.AppendDelivery(wctx, entry)
				cancel()
				if err != nil {
					a.log.Warn("journal append failed", logx.Err(err))
				}
			}
		}
	})
}

func journalEntry(e eventbus.Event) (storage.DeliveryEntry, bool) {
	ie, ok := e.Data.(dispatch.ItemEvent)
	if !ok {
		return storage.DeliveryEntry{}, false
	}
	entry := storage.DeliveryEntry{
		At:       e.Time,
		ItemID:   ie.ItemID,
		Target:   ie.Target,
		Priority: ie.Priority,
		Kind:     ie.Kind,
		Retries:  ie.Retries,
		Error:    ie.Error,
		TookMS:   ie.Duration.Milliseconds(),
	}
	switch e.Type {
	case eventbus.TypeDelivered:
		entry.Outcome = "delivered"
	case eventbus.TypeFailed:
		if ie.Requeued {
			return storage.DeliveryEntry{}, false
		}
		entry.Outcome = "failed"
	case eventbus.TypeDropped:
		entry.Outcome = "dropped"
	default:
		return storage.DeliveryEntry{}, false
	}
	return entry, true
}

func (a *App) startJanitor() error {
	cfg := a.cfgm.Get()
	if cfg == nil || !cfg.Janitor.Enabled {
		return nil
	}

	statsSpec := strings.TrimSpace(cfg.Janitor.StatsSpec)
	if statsSpec == "" {
		statsSpec = "5m"
	}
	if err := a.jan.Add("stats.report", statsSpec, func(context.Context) {
		st := a.eng.Stats()
		a.log.Info("dispatch stats",
			logx.Uint64("enqueued", st.Totals.Enqueued),
			logx.Uint64("processed", st.Totals.Processed),
			logx.Uint64("failed", st.Totals.Failed),
			logx.Int64("pending", st.Totals.Pending),
			logx.Float64("rate_mps", st.Totals.ProcessingRate),
			logx.Float64("success_rate", st.Totals.SuccessRate))
	}); err != nil {
		return err
	}

	if a.store != nil {
		pruneSpec := strings.TrimSpace(cfg.Janitor.PruneSpec)
		if pruneSpec == "" {
			pruneSpec = "@hourly"
		}
		if err := a.jan.Add("journal.prune", pruneSpec, func(c context.Context) {
			cutoff := time.Now().Add(-a.storageRetention)
			n, err := a.store.Prune(c, cutoff)
			if err != nil {
				a.log.Warn("journal prune failed", logx.Err(err))
				return
			}
			if n > 0 {
				a.log.Info("journal pruned", logx.Int64("removed", n))
			}
		}); err != nil {
			return err
		}
	}

	return a.jan.Start(a.sup.Context())
}

// startReloadLoop applies hot config changes: logging sinks and the
// dispatch tuning knobs that are safe to change at runtime. Structural
// changes (target list, storage) require a restart and are logged as such.
func (a *App) startReloadLoop() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}

				for _, s := range sections {
					if s == "storage" || s == "telegram" {
						a.log.Warn("structural config changed; restart required for changes to take effect",
							logx.String("section", s))
					}
				}

				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})

				if dcfg, err := mapDispatchConfig(newCfg); err != nil {
					a.log.Warn("invalid dispatch config; keeping previous", logx.Any("err", err))
				} else {
					a.eng.Configure(dcfg.Strategy, dcfg.Adaptive)
				}

				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			}
		}
	})
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// step runs one shutdown phase with an upper bound so a single
	// component cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Err(stepCtx.Err()))
		}
	}

	step("janitor", 2*time.Second, func(c context.Context) error { a.jan.Stop(c); return nil })
	step("dispatch", 5*time.Second, func(c context.Context) error { a.eng.Stop(c); return nil })
	step("sender", time.Second, func(context.Context) error { return a.sender.Close() })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
