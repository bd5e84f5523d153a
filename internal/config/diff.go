package config

import (
	"reflect"
	"strings"

	logx "feedrelay/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (the bot token) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.Targets, newCfg.Telegram.Targets) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.target_count", len(newCfg.Telegram.Targets)),
		)
	}

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Dispatch
	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.strategy", newCfg.Dispatch.Strategy),
			logx.Bool("dispatch.adaptive", newCfg.Dispatch.Adaptive),
			logx.Int("dispatch.queue_cap", newCfg.Dispatch.QueueCap),
			logx.Float64("dispatch.rate_mps", newCfg.Dispatch.Rate.MessagesPerSecond),
		)
	}

	// Storage
	if derefStorage(oldCfg.Storage) != derefStorage(newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", derefStorage(newCfg.Storage).Driver),
			logx.Bool("storage.enabled", newCfg.Storage != nil),
		)
	}

	// Janitor
	if oldCfg.Janitor != newCfg.Janitor {
		changed = append(changed, "janitor")
		attrs = append(attrs,
			logx.Bool("janitor.enabled", newCfg.Janitor.Enabled),
			logx.String("janitor.stats_spec", newCfg.Janitor.StatsSpec),
			logx.String("janitor.prune_spec", newCfg.Janitor.PruneSpec),
		)
	}

	return changed, attrs
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}
