package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Priority is the intra-target dequeue class. Higher values dequeue first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent

	numPriorities = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// demote drops the priority one level. Retried items sink so one troublesome
// message can't keep starving fresh traffic on the same target.
func (p Priority) demote() Priority {
	if p <= PriorityLow {
		return PriorityLow
	}
	return p - 1
}

func (p Priority) valid() bool { return p >= PriorityLow && p <= PriorityUrgent }

// SendFunc delivers an opaque payload to the given target.
//
// It is supplied by the caller; the engine never constructs protocol messages
// itself. Implementations classify failures with NoRetry, RetryAfter and
// Transient so the engine can react appropriately.
type SendFunc func(ctx context.Context, target int, payload any) error

// Item is one queued unit of work. Owned by exactly one target heap at a time;
// mutated only on requeue (timestamp bump, retry count, demotion, reassignment).
type Item struct {
	ID         string
	Payload    any
	Priority   Priority
	EnqueuedAt time.Time
	Target     int
	RetryCount int
	MaxRetries int

	// Cost is the caller's estimated processing cost, informational only.
	Cost time.Duration
}

func newItemID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("itm-%x", time.Now().UnixNano())
	}
	return id.String()
}

// Strategy selects how Submit and requeue pick a destination target.
type Strategy string

const (
	StrategyRoundRobin  Strategy = "round_robin"
	StrategyLeastLoaded Strategy = "least_loaded"
	StrategySmart       Strategy = "smart"
)

// ParseStrategy normalizes a strategy name; empty input means smart.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return StrategySmart, nil
	case StrategyRoundRobin:
		return StrategyRoundRobin, nil
	case StrategyLeastLoaded:
		return StrategyLeastLoaded, nil
	case StrategySmart:
		return StrategySmart, nil
	default:
		return "", fmt.Errorf("unknown selection strategy %q", s)
	}
}

// RateConfig is the per-target throughput limit.
type RateConfig struct {
	MessagesPerSecond float64
	BurstLimit        int // max sends inside the sliding window
	RecoveryTime      time.Duration
	Adaptive          bool
}

func (rc RateConfig) withDefaults() RateConfig {
	if rc.MessagesPerSecond <= 0 {
		rc.MessagesPerSecond = 10
	}
	if rc.BurstLimit <= 0 {
		rc.BurstLimit = int(2 * rc.MessagesPerSecond)
	}
	if rc.RecoveryTime <= 0 {
		rc.RecoveryTime = 5 * time.Second
	}
	return rc
}

// Config controls the dispatch engine.
type Config struct {
	Targets  int
	QueueCap int // aggregate queued-item cap across all targets

	MaxRetries    int
	BackoffFactor float64 // requeue delay = min(30s, factor^(retryCount-1) seconds)

	MaxItemAge  time.Duration // worker discards older queued items on dequeue
	Retention   time.Duration // reaper eviction window
	SendTimeout time.Duration // per-message processing guard

	StuckThreshold time.Duration // no worker activity past this forces a soft restart
	ErrorThreshold int           // consecutive worker errors before a soft restart

	CircuitThreshold int
	CircuitTimeout   time.Duration

	Strategy Strategy
	Adaptive bool

	Rate RateConfig // per-target defaults

	MonitorInterval   time.Duration
	RebalanceInterval time.Duration
	ReapInterval      time.Duration
	RebalanceMinGap   int
	RebalanceMaxMove  int

	// PollInterval bounds how long an idle worker sleeps between queue checks.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Targets <= 0 {
		c.Targets = 1
	}
	if c.QueueCap <= 0 {
		c.QueueCap = 1000
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = 2
	}
	if c.MaxItemAge <= 0 {
		c.MaxItemAge = 5 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 5 * time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = 3 * time.Minute
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 5
	}
	if c.CircuitThreshold <= 0 {
		c.CircuitThreshold = 5
	}
	if c.CircuitTimeout <= 0 {
		c.CircuitTimeout = time.Minute
	}
	if c.Strategy != StrategyRoundRobin && c.Strategy != StrategyLeastLoaded && c.Strategy != StrategySmart {
		c.Strategy = StrategySmart
	}
	c.Rate = c.Rate.withDefaults()
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 10 * time.Second
	}
	if c.RebalanceInterval <= 0 {
		c.RebalanceInterval = 30 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Minute
	}
	if c.RebalanceMinGap <= 0 {
		c.RebalanceMinGap = 10
	}
	if c.RebalanceMaxMove <= 0 {
		c.RebalanceMaxMove = 20
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	return c
}

// TargetStats is a point-in-time view of one target.
type TargetStats struct {
	Target              int           `json:"target"`
	QueueSize           int           `json:"queue_size"`
	InFlight            int           `json:"in_flight"`
	Processed           uint64        `json:"processed"`
	SuccessRate         float64       `json:"success_rate"`
	AvgProcessingTime   time.Duration `json:"avg_processing_time"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	RateLimited         bool          `json:"rate_limited"`
	CircuitOpen         bool          `json:"circuit_open"`
	WorkerRestarts      uint64        `json:"worker_restarts"`
}

// Totals aggregates across targets for the life of the service.
type Totals struct {
	Enqueued       uint64  `json:"enqueued"`
	Processed      uint64  `json:"processed"`
	Failed         uint64  `json:"failed"`
	Pending        int64   `json:"pending"`
	ProcessingRate float64 `json:"processing_rate"` // messages/sec since start
	SuccessRate    float64 `json:"success_rate"`
}

type Stats struct {
	Targets []TargetStats `json:"targets"`
	Totals  Totals        `json:"totals"`
}

// ItemEvent is published on the event bus for item lifecycle events.
type ItemEvent struct {
	ItemID     string        `json:"item_id"`
	Target     int           `json:"target"`
	Priority   string        `json:"priority"`
	Retries    int           `json:"retries"`
	Duration   time.Duration `json:"duration,omitempty"`
	Error      string        `json:"error,omitempty"`
	Kind       string        `json:"kind,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	NextTarget int           `json:"next_target,omitempty"`
	Requeued   bool          `json:"requeued,omitempty"`
}

// RebalanceEvent reports one rebalancer pass that moved items.
type RebalanceEvent struct {
	From  int `json:"from"`
	To    int `json:"to"`
	Moved int `json:"moved"`
}

// TargetEvent reports a per-target state change (circuit open, worker restart).
type TargetEvent struct {
	Target int    `json:"target"`
	Reason string `json:"reason,omitempty"`
}
