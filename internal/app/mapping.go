package app

import (
	"fmt"
	"strings"
	"time"

	"feedrelay/internal/config"
	"feedrelay/internal/dispatch"
	"feedrelay/internal/janitor"
	"feedrelay/internal/storage"
	"feedrelay/internal/transport"
)

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	if cfg == nil {
		return dispatch.Config{}, fmt.Errorf("config is nil")
	}
	dc := cfg.Dispatch

	out := dispatch.Config{
		Targets:          len(cfg.Telegram.Targets),
		QueueCap:         dc.QueueCap,
		MaxRetries:       dc.MaxRetries,
		BackoffFactor:    dc.BackoffFactor,
		ErrorThreshold:   dc.ErrorThreshold,
		CircuitThreshold: dc.CircuitThreshold,
		Adaptive:         dc.Adaptive,
		RebalanceMinGap:  dc.RebalanceMinGap,
		RebalanceMaxMove: dc.RebalanceMaxMove,
	}

	if s := strings.TrimSpace(dc.Strategy); s != "" {
		st, err := dispatch.ParseStrategy(s)
		if err != nil {
			return dispatch.Config{}, fmt.Errorf("dispatch.strategy: %w", err)
		}
		out.Strategy = st
	}

	var err error
	durs := []struct {
		dst  *time.Duration
		path string
		raw  string
	}{
		{&out.MaxItemAge, "dispatch.max_item_age", dc.MaxItemAge},
		{&out.Retention, "dispatch.retention", dc.Retention},
		{&out.SendTimeout, "dispatch.send_timeout", dc.SendTimeout},
		{&out.StuckThreshold, "dispatch.stuck_threshold", dc.StuckThreshold},
		{&out.CircuitTimeout, "dispatch.circuit_timeout", dc.CircuitTimeout},
		{&out.MonitorInterval, "dispatch.monitor_interval", dc.MonitorInterval},
		{&out.RebalanceInterval, "dispatch.rebalance_interval", dc.RebalanceInterval},
		{&out.ReapInterval, "dispatch.reap_interval", dc.ReapInterval},
		{&out.PollInterval, "dispatch.poll_interval", dc.PollInterval},
	}
	for _, d := range durs {
		if *d.dst, err = config.ParseDurationField(d.path, d.raw); err != nil {
			return dispatch.Config{}, err
		}
	}

	recovery, err := config.ParseDurationField("dispatch.rate.recovery_time", dc.Rate.RecoveryTime)
	if err != nil {
		return dispatch.Config{}, err
	}
	out.Rate = dispatch.RateConfig{
		MessagesPerSecond: dc.Rate.MessagesPerSecond,
		BurstLimit:        dc.Rate.BurstLimit,
		RecoveryTime:      recovery,
		Adaptive:          dc.Adaptive,
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		retention, err := config.ParseDurationOrDefault("storage.retention", sc.Retention, 7*24*time.Hour)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, Retention: retention}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapJanitorConfig(cfg *config.Config) janitor.Config {
	if cfg == nil {
		return janitor.Config{}
	}
	return janitor.Config{
		Enabled:  cfg.Janitor.Enabled,
		Timezone: cfg.Janitor.Timezone,
	}
}

func mapRoutes(cfg *config.Config) []transport.ChatTarget {
	if cfg == nil {
		return nil
	}
	routes := make([]transport.ChatTarget, 0, len(cfg.Telegram.Targets))
	for i, t := range cfg.Telegram.Targets {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			name = fmt.Sprintf("target-%d", i)
		}
		routes = append(routes, transport.ChatTarget{
			Name:     name,
			ChatID:   t.ChatID,
			ThreadID: t.ThreadID,
		})
	}
	return routes
}

func validateConfig(cfg *config.Config) error {
	if len(cfg.Telegram.Targets) == 0 {
		return fmt.Errorf("telegram.targets must not be empty")
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Janitor.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("janitor.timezone: invalid %q: %w", tz, err)
		}
	}
	for _, spec := range []struct{ name, raw string }{
		{"janitor.stats_spec", cfg.Janitor.StatsSpec},
		{"janitor.prune_spec", cfg.Janitor.PruneSpec},
	} {
		if strings.TrimSpace(spec.raw) == "" {
			continue
		}
		if _, err := janitor.ParseSchedule(spec.raw); err != nil {
			return fmt.Errorf("%s: %w", spec.name, err)
		}
	}
	return nil
}
