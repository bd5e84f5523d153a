package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "feedrelay/pkg/logx"
)

// Store is the delivery journal API. The journal sits off the send hot
// path: it is fed from dispatch events and read by operators, never by the
// engine itself.
type Store interface {
	AppendDelivery(ctx context.Context, e DeliveryEntry) error
	// Prune deletes entries older than cutoff, returning the number removed.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
