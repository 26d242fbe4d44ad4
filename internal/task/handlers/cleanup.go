package handlers

import (
	"context"
	"fmt"
	"time"

	"taskbot/internal/task"
	"taskbot/internal/task/scheduler"
	"taskbot/internal/task/store"
	logx "taskbot/pkg/logx"
)

const (
	CleanupMoniker = "cleanup"

	DefaultCleanupMaxAge = 7 * 24 * time.Hour
)

// TaskSource is the part of the scheduler the cleanup handler sweeps.
type TaskSource interface {
	AllTasks(handlers ...string) []*store.Record
	RemoveTask(moniker string) bool
}

type CleanupParams struct {
	// MaxAge is a Go duration. Finished tasks older than this are removed.
	MaxAge string `json:"max_age,omitempty"`
}

type CleanupCheckpoint struct {
	LastSweep int64 `json:"last_sweep"`
	Removed   int   `json:"removed"`
	Total     int   `json:"total"`
}

// NewCleanup returns a handler that removes tasks which will never run again
// and last finished more than MaxAge ago.
func NewCleanup(src TaskSource, now func() time.Time, log logx.Logger) scheduler.Handler {
	if now == nil {
		now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.Comp("handler.cleanup"))
	return scheduler.NewHandler(CleanupMoniker, func(ctx context.Context, c *scheduler.TypedContext[CleanupParams, CleanupCheckpoint]) error {
		maxAge := DefaultCleanupMaxAge
		if raw := c.Params().MaxAge; raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 {
				return fmt.Errorf("invalid max_age %q", raw)
			}
			maxAge = d
		}

		at := now()
		cutoff := at.Add(-maxAge)
		var victims []string
		for _, r := range src.AllTasks() {
			t := r.Task()
			if t.Moniker == c.Moniker() || t.State != task.Scheduled || !t.NextRun.IsZero() {
				continue
			}
			if t.LastRunFinish.IsZero() || !t.LastRunFinish.Before(cutoff) {
				continue
			}
			victims = append(victims, t.Moniker)
		}

		p := task.Progress{Total: int64(len(victims))}
		c.SetProgress(p)
		removed := 0
		for _, m := range victims {
			if c.Aborted() {
				log.Debug("cleanup aborted", logx.Int("removed", removed))
				return nil
			}
			if src.RemoveTask(m) {
				removed++
				p = p.AddCurrent(1)
			} else {
				p = p.AddFailed(1)
			}
			c.SetProgress(p)
		}
		prev, _ := c.Checkpoint()
		if removed > 0 {
			log.Info("finished tasks removed", logx.Int("count", removed), logx.Duration("max_age", maxAge))
		}
		return c.SetCheckpoint(CleanupCheckpoint{
			LastSweep: at.UnixMilli(),
			Removed:   removed,
			Total:     prev.Total + removed,
		})
	})
}
