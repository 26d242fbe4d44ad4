package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"taskbot/internal/task"
	"taskbot/internal/task/engine"
	"taskbot/internal/task/store"
	logx "taskbot/pkg/logx"
)

// RunState is the boss run control state.
type RunState int32

const (
	StateInit RunState = iota
	StateStarted
	StatePaused
	StateDone
)

func (s RunState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateStarted:
		return "STARTED"
	case StatePaused:
		return "PAUSED"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

const bossUnit = "scheduler.boss"

// boss is the driver loop. Each cycle is one executor unit which ends by
// submitting the next cycle.
type boss struct {
	s     *Scheduler
	log   logx.Logger
	state atomic.Int32
	wake  chan struct{}

	cycles    atomic.Uint64
	claimed   atomic.Uint64
	lastCycle atomic.Int64
}

func newBoss(s *Scheduler) *boss {
	return &boss{
		s:    s,
		log:  s.log.With(logx.Comp("scheduler.boss")),
		wake: make(chan struct{}, 1),
	}
}

func (b *boss) runState() RunState { return RunState(b.state.Load()) }

func (b *boss) transition(from, to RunState) bool {
	return b.state.CompareAndSwap(int32(from), int32(to))
}

// nudge cuts the current idle sleep short.
func (b *boss) nudge() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *boss) cycle(ctx context.Context) {
	// The next cycle is submitted even when this one panics.
	defer b.resubmit(ctx)

	b.cycles.Add(1)
	b.lastCycle.Store(b.s.now().UnixMilli())

	claimed := 0
	if b.runState() == StateStarted {
		claimed = b.claimDue()
	}
	if claimed == 0 && b.runState() != StateDone {
		b.idle(ctx)
	}
}

func (b *boss) idle(ctx context.Context) {
	t := time.NewTimer(b.s.idleThrottle)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-b.wake:
	case <-t.C:
	}
}

func (b *boss) resubmit(ctx context.Context) {
	for b.runState() != StateDone {
		err := b.s.exec.Submit(bossUnit, b.cycle)
		if err == nil {
			return
		}
		if errors.Is(err, engine.ErrStopped) || errors.Is(err, engine.ErrStopping) || ctx.Err() != nil {
			b.log.Debug("boss loop ended", logx.Err(err))
			return
		}
		b.log.Warn("boss resubmit failed, retrying", logx.Err(err))
		b.idle(ctx)
	}
}

// claimDue claims due tasks up to the free capacity minus the slot reserved
// for the next cycle.
func (b *boss) claimDue() int {
	budget := b.s.exec.Available() - 1
	if budget <= 0 {
		return 0
	}
	handlers := b.s.handlerMonikers()
	if len(handlers) == 0 {
		return 0
	}
	f := store.ListFilter{
		Handlers: handlers,
		States:   []task.State{task.Scheduled},
		Before:   b.s.now(),
	}
	claimed := 0
	for rec := range b.s.store.ListScheduled(f) {
		if b.runState() != StateStarted {
			break
		}
		ok, stop := b.claim(rec)
		if ok {
			claimed++
		}
		if stop || claimed >= budget {
			break
		}
	}
	b.claimed.Add(uint64(claimed))
	return claimed
}

// claim marks rec RUNNING and submits a worker for it. stop reports that the
// executor cannot take more work this cycle.
func (b *boss) claim(rec *store.Record) (ok, stop bool) {
	t := rec.Task()
	id, found := b.s.FindHandler(t.HandlerMoniker)
	if !found {
		return false, false
	}
	t.State = task.Running
	cur, err := b.s.store.CAS(rec, t)
	if err != nil {
		// Changed since listing; a later cycle sees the new value.
		return false, false
	}

	w := newWorker(b.s, cur, id.h)
	if err := b.submit(w); err != nil {
		b.unclaim(cur)
		b.log.Warn("task submit failed", logx.Task(cur.Moniker()), logx.Err(err))
		return false, errors.Is(err, engine.ErrStopped) || errors.Is(err, engine.ErrStopping) || errors.Is(err, engine.ErrNoCapacity)
	}
	b.s.publish(EventClaimed, cur, TaskEvent{})
	return true, false
}

func (b *boss) submit(w *worker) error {
	defer func() {
		if r := recover(); r != nil {
			b.unclaim(w.rec)
			panic(r)
		}
	}()
	return b.s.exec.Submit("task."+w.rec.Moniker(), w.run)
}

// unclaim puts a claimed task back to SCHEDULED.
func (b *boss) unclaim(rec *store.Record) {
	r, ok := store.Update(b.s.store, rec, func(t *task.Task) bool {
		if t.State != task.Running {
			return false
		}
		t.State = task.Scheduled
		return true
	})
	if ok {
		b.s.publish(EventUnclaimed, r, TaskEvent{})
	}
}
