package app

import (
	"context"
	"fmt"
	"time"

	"taskbot/internal/config"
	"taskbot/internal/storage"
	"taskbot/internal/task"
	"taskbot/internal/task/handlers"
	"taskbot/internal/task/scheduler"
	"taskbot/internal/task/store"
	logx "taskbot/pkg/logx"
)

// openStore maps the storage section onto a task store. Without a persister
// tasks live in memory only.
func openStore(ctx context.Context, cfg *config.Config, log logx.Logger) (store.Store, *store.Persistent, error) {
	sc, debounce, err := cfg.StorageSettings()
	if err != nil {
		return nil, nil, err
	}
	p, err := storage.Open(sc, log)
	if err != nil {
		return nil, nil, err
	}
	if p == nil {
		log.Info("task storage: memory only")
		return store.NewMemory(log), nil, nil
	}
	ps, err := store.NewPersistent(ctx, p,
		store.WithLogger(log),
		store.WithSaveDebounce(debounce),
	)
	if err != nil {
		_ = p.Close()
		return nil, nil, err
	}
	log.Info("task storage enabled", logx.String("driver", sc.Driver))
	return ps, ps, nil
}

// ensureCleanup keeps the built-in cleanup task in line with the cleanup
// section: created or rescheduled when enabled, removed when disabled.
func ensureCleanup(s *scheduler.Scheduler, cfg *config.Config, now time.Time, log logx.Logger) error {
	every, maxAge, err := cfg.CleanupSettings()
	if err != nil {
		return err
	}
	existing, found := s.FindTask(handlers.CleanupMoniker)
	if every <= 0 {
		if found && s.RemoveTask(handlers.CleanupMoniker) {
			log.Info("cleanup task removed")
		}
		return nil
	}

	sched := task.RateFrom(now, every)
	if found {
		cur := s.Schedule(existing)
		if cur.Type == task.TypeRate && cur.Interval == every {
			return nil
		}
		if _, err := s.SetSchedule(existing, sched); err != nil {
			return err
		}
		log.Info("cleanup task rescheduled", logx.Duration("every", every))
		return nil
	}

	id, ok := s.FindHandler(handlers.CleanupMoniker)
	if !ok {
		return fmt.Errorf("cleanup: %w", scheduler.ErrUnknownHandler)
	}
	params := handlers.CleanupParams{MaxAge: maxAge.String()}
	if _, err := s.CreateTask(handlers.CleanupMoniker, id, sched, task.Schedule{}, params, nil); err != nil {
		return err
	}
	log.Info("cleanup task created", logx.Duration("every", every), logx.Duration("max_age", maxAge))
	return nil
}
