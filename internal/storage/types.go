package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "memory": in-memory SQLite
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

// Delivery is one recipient outcome.
type Delivery struct {
	ID        int64
	RequestID string
	Event     string
	Kind      string
	Target    string
	OK        bool
	Error     string
	TookMS    int64
	At        time.Time
}

type PruneStats struct {
	Deliveries int64
	Dedup      int64
}

// Store is the persistence API used by the audit recorder, the webhook
// dedup and maintenance jobs.
type Store interface {
	AppendDelivery(ctx context.Context, d Delivery) error
	// RecentDeliveries returns up to limit rows, newest first.
	RecentDeliveries(ctx context.Context, limit int) ([]Delivery, error)

	// ClaimDedup records key until until and reports true, unless an
	// unexpired claim already exists.
	ClaimDedup(ctx context.Context, key string, now, until time.Time) (bool, error)
	ReleaseDedup(ctx context.Context, key string) error

	// Prune drops deliveries older than before and dedup rows expired at now.
	Prune(ctx context.Context, before, now time.Time) (PruneStats, error)
	Close() error
}
