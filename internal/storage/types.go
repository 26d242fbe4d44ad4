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
//   - "file": snapshot file at Path
//   - "sqlite": SQLite database file at Path
//   - "redis": key RedisKey on RedisAddr
//
// If Driver is empty, "none" or "memory", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	RedisAddr   string
	RedisKey    string
	RedisDB     int
}

// Persister stores a single snapshot blob.
type Persister interface {
	// Load returns (nil, nil) when nothing has been saved yet.
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, b []byte) error
	Close() error
}
