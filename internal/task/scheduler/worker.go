package scheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"taskbot/internal/task"
	"taskbot/internal/task/store"
	logx "taskbot/pkg/logx"
)

// worker runs one claimed task and is the Context its handler sees.
type worker struct {
	s   *Scheduler
	h   Handler
	rec *store.Record
	log logx.Logger

	ctx context.Context

	mu         sync.Mutex
	params     any
	checkpoint any
	progress   task.Progress

	progressEvery rate.Sometimes
	abortEvery    rate.Sometimes
	aborted       atomic.Bool
}

var _ Context = (*worker)(nil)

func newWorker(s *Scheduler, rec *store.Record, h Handler) *worker {
	return &worker{
		s:             s,
		h:             h,
		rec:           rec,
		log:           s.log.With(logx.Task(rec.Moniker())),
		progressEvery: rate.Sometimes{Interval: s.progressDebounce},
		abortEvery:    rate.Sometimes{Interval: s.progressDebounce},
	}
}

func (w *worker) run(ctx context.Context) {
	w.ctx = ctx
	start := task.AtMillis(w.s.now())
	t := w.rec.Task()
	w.progress = t.Progress

	err := w.decode(t)
	if err == nil {
		err = w.invoke(ctx)
	}
	finish := task.AtMillis(w.s.now())
	w.complete(t, start, finish, err)
}

func (w *worker) decode(t task.Task) error {
	if t.Params != nil {
		v, err := w.h.UnmarshalParams(*t.Params)
		if err != nil {
			return &DecodeError{Field: "params", Err: err}
		}
		w.params = v
	}
	if t.Checkpoint != nil {
		v, err := w.h.UnmarshalCheckpoint(*t.Checkpoint)
		if err != nil {
			return &DecodeError{Field: "checkpoint", Err: err}
		}
		w.checkpoint = v
	}
	return nil
}

func (w *worker) invoke(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			pe := &PanicError{Value: r, Stack: string(debug.Stack())}
			w.log.Error("handler panicked", logx.Any("panic", r), logx.String("stack", pe.Stack))
			err = pe
		}
	}()
	return w.h.Handle(ctx, w)
}

// complete publishes the run outcome. A task removed during the run stays removed.
func (w *worker) complete(claimed task.Task, start, finish time.Time, runErr error) {
	w.mu.Lock()
	progress := w.progress
	w.mu.Unlock()

	final, ok := store.Update(w.s.store, w.rec, func(t *task.Task) bool {
		t.State = task.Scheduled
		t.LastRunStart = start
		t.LastRunFinish = finish
		t.Progress = progress
		if runErr == nil {
			t.LastSuccess = finish
			if t.Schedule.Type == task.TypeOnce {
				t.NextRun = time.Time{}
			} else {
				t.NextRun = t.Schedule.NextRun(start, finish)
			}
			return true
		}
		t.LastErrorClass = ErrorClass(runErr)
		t.LastErrorMessage = runErr.Error()
		t.NextRun = t.EffectiveFailedSchedule().NextRun(start, finish)
		return true
	})
	if !ok {
		w.log.Debug("task removed while running", logx.Err(runErr))
		return
	}

	ev := TaskEvent{Started: start, Duration: finish.Sub(start)}
	if runErr != nil {
		ev.ErrorClass = ErrorClass(runErr)
		ev.ErrorMessage = runErr.Error()
		w.log.Warn("task failed",
			logx.Handler(claimed.HandlerMoniker),
			logx.String("class", ev.ErrorClass),
			logx.Err(runErr),
			logx.Time("next_run", final.NextRun()),
		)
		w.s.publish(EventFailed, final, ev)
		return
	}
	w.log.Debug("task succeeded",
		logx.Handler(claimed.HandlerMoniker),
		logx.Duration("dur", ev.Duration),
		logx.Time("next_run", final.NextRun()),
	)
	w.s.publish(EventSucceeded, final, ev)
}

func (w *worker) Moniker() string { return w.rec.Moniker() }

func (w *worker) Params() any { return w.params }

func (w *worker) Checkpoint() any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.checkpoint
}

func (w *worker) SetCheckpoint(v any) error {
	enc, err := w.h.MarshalCheckpoint(v)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.checkpoint = v
	w.mu.Unlock()
	if _, ok := store.Update(w.s.store, w.rec, func(t *task.Task) bool {
		t.Checkpoint = &enc
		return true
	}); !ok {
		w.aborted.Store(true)
	}
	return nil
}

func (w *worker) Progress() task.Progress {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.progress
}

func (w *worker) SetProgress(p task.Progress) {
	w.mu.Lock()
	w.progress = p
	w.mu.Unlock()
	w.progressEvery.Do(func() {
		store.Update(w.s.store, w.rec, func(t *task.Task) bool {
			if t.Progress == p {
				return false
			}
			t.Progress = p
			return true
		})
	})
}

func (w *worker) Aborted() bool {
	if w.aborted.Load() {
		return true
	}
	if w.ctx != nil && w.ctx.Err() != nil {
		return true
	}
	w.abortEvery.Do(func() {
		if _, ok := w.s.store.Reload(w.rec); !ok {
			w.aborted.Store(true)
		}
	})
	return w.aborted.Load()
}
