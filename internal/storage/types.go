package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// AccountDataKey is the account data event type holding the known set.
const AccountDataKey = "de.johni0702.rssbot"

// Config configures storage.
//
// Driver values:
//   - "account_data" (default when empty)
//   - "file": requires Path
//   - "sqlite": requires Path
//   - "none"
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the relay engine and app startup.
type Store interface {
	// LoadKnown returns the persisted set; an absent set is empty, not an error.
	LoadKnown(ctx context.Context) ([]string, error)
	// SaveKnown replaces the persisted set with ids.
	SaveKnown(ctx context.Context, ids []string) error
	// Driver names the backend for logs and status output.
	Driver() string
	Close() error
}
