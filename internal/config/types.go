package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Dispatch controls the delivery engine: queueing, retries, rate
	// limiting, circuit breaking and load balancing.
	Dispatch DispatchConfig `json:"dispatch"`

	// Storage enables the optional delivery journal.
	Storage *StorageConfig `json:"storage,omitempty"`

	Janitor JanitorConfig `json:"janitor,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`

	// Targets lists the destination chats. Each entry becomes one dispatch
	// target with its own worker, queues and rate budget.
	Targets []TargetRoute `json:"targets"`
}

// TargetRoute maps a dispatch target to a concrete Telegram destination.
type TargetRoute struct {
	Name     string `json:"name,omitempty"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DispatchConfig controls the delivery engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Zero/omitted fields fall back to engine defaults.
type DispatchConfig struct {
	QueueCap      int     `json:"queue_cap,omitempty"`
	MaxRetries    int     `json:"max_retries,omitempty"`
	BackoffFactor float64 `json:"backoff_factor,omitempty"`

	// Strategy selects the target picker: "round_robin", "least_loaded" or "smart".
	Strategy string `json:"strategy,omitempty"`
	// Adaptive enables runtime rate-limit tuning from per-target health.
	Adaptive bool `json:"adaptive"`

	MaxItemAge  string `json:"max_item_age,omitempty"`
	Retention   string `json:"retention,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`

	StuckThreshold   string `json:"stuck_threshold,omitempty"`
	ErrorThreshold   int    `json:"error_threshold,omitempty"`
	CircuitThreshold int    `json:"circuit_threshold,omitempty"`
	CircuitTimeout   string `json:"circuit_timeout,omitempty"`

	MonitorInterval   string `json:"monitor_interval,omitempty"`
	RebalanceInterval string `json:"rebalance_interval,omitempty"`
	ReapInterval      string `json:"reap_interval,omitempty"`
	RebalanceMinGap   int    `json:"rebalance_min_gap,omitempty"`
	RebalanceMaxMove  int    `json:"rebalance_max_move,omitempty"`
	PollInterval      string `json:"poll_interval,omitempty"`

	Rate RateConfig `json:"rate,omitempty"`
}

// RateConfig is the initial per-target rate budget. When Dispatch.Adaptive
// is set these are starting points, not hard limits.
type RateConfig struct {
	MessagesPerSecond float64 `json:"messages_per_second,omitempty"`
	BurstLimit        int     `json:"burst_limit,omitempty"`
	RecoveryTime      string  `json:"recovery_time,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./relay.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	// Retention bounds how long journal rows are kept before pruning.
	Retention string `json:"retention,omitempty"`
}

// JanitorConfig controls the background maintenance scheduler.
//
// StatsSpec and PruneSpec accept either a cron expression ("*/5 * * * *")
// or an interval shorthand ("every 30s").
type JanitorConfig struct {
	Enabled   bool   `json:"enabled"`
	StatsSpec string `json:"stats_spec,omitempty"`
	PruneSpec string `json:"prune_spec,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
}
