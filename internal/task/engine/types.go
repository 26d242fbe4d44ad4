package engine

import (
	"context"
	"time"
)

// Config controls the worker pool.
type Config struct {
	// Workers is the number of units that may be submitted and not yet finished.
	Workers     int
	HistorySize int
	// SlowRun is the duration above which a finished run is logged at info.
	SlowRun time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.SlowRun <= 0 {
		c.SlowRun = 750 * time.Millisecond
	}
	return c
}

// unit is one submitted piece of work.
type unit struct {
	id         string
	name       string
	run        func(ctx context.Context)
	enqueuedAt time.Time
}

type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running   bool
	Stopping  bool
	Workers   int
	Pending   int
	InFlight  int
	Available int
	Rejected  uint64
	Panics    uint64

	History []HistoryItem
}
