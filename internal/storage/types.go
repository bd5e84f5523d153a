package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the delivery journal.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite; 0 means default
	// Retention bounds how long journal rows are kept before Prune removes them.
	Retention time.Duration
}

// DeliveryEntry records one terminal delivery outcome.
// Keep it compact and schema-stable.
type DeliveryEntry struct {
	At       time.Time
	ItemID   string
	Target   int
	Priority string
	// Outcome is "delivered", "failed" or "dropped".
	Outcome string
	// Kind is the error classification ("rate_limited", "permanent", ...); empty on success.
	Kind    string
	Retries int
	Error   string
	TookMS  int64
}
