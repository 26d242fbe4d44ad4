package scheduler

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"taskbot/internal/eventbus"
	"taskbot/internal/task"
	"taskbot/internal/task/store"
	logx "taskbot/pkg/logx"
)

const (
	defaultIdleThrottle     = 250 * time.Millisecond
	defaultProgressDebounce = time.Second

	// minCapacity is one slot for the boss plus two for workers.
	minCapacity = 3
)

// Executor is the bounded pool the scheduler runs on. *engine.Service
// implements it.
type Executor interface {
	Submit(name string, run func(ctx context.Context)) error
	Available() int
	Shutdown(ctx context.Context) error
	Close()
}

// Scheduler runs persisted tasks on an Executor.
type Scheduler struct {
	store store.Store
	exec  Executor
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	idleThrottle     time.Duration
	progressDebounce time.Duration
	startPaused      bool

	mu       sync.RWMutex
	handlers map[string]Handler

	boss *boss
}

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithBus publishes task lifecycle events to b.
func WithBus(b eventbus.Bus) Option {
	return func(s *Scheduler) { s.bus = b }
}

func WithIdleThrottle(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.idleThrottle = d
		}
	}
}

func WithProgressDebounce(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.progressDebounce = d
		}
	}
}

// WithStartPaused makes Startup enter PAUSED, so nothing is claimed until
// Resume.
func WithStartPaused(paused bool) Option {
	return func(s *Scheduler) { s.startPaused = paused }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func New(st store.Store, exec Executor, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:            st,
		exec:             exec,
		log:              logx.Nop(),
		now:              time.Now,
		idleThrottle:     defaultIdleThrottle,
		progressDebounce: defaultProgressDebounce,
		handlers:         map[string]Handler{},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	s.log = s.log.With(logx.Comp("scheduler"))
	s.boss = newBoss(s)
	return s
}

// Startup starts the boss loop. The executor must already be running.
func (s *Scheduler) Startup(ctx context.Context) error {
	switch st := s.boss.runState(); st {
	case StateDone:
		return ErrShutdown
	case StateStarted, StatePaused:
		return ErrAlreadyStarted
	}
	if n := s.exec.Available(); n < minCapacity {
		return fmt.Errorf("%w: available=%d", ErrInsufficientCapacity, n)
	}
	initial := StateStarted
	if s.startPaused {
		initial = StatePaused
	}
	if !s.boss.transition(StateInit, initial) {
		return ErrAlreadyStarted
	}
	if err := s.exec.Submit(bossUnit, s.boss.cycle); err != nil {
		s.boss.state.Store(int32(StateDone))
		return fmt.Errorf("submit boss: %w", err)
	}
	s.log.Info("scheduler started",
		logx.Int("available", s.exec.Available()),
		logx.Bool("paused", initial == StatePaused),
		logx.Duration("idle_throttle", s.idleThrottle),
	)
	return nil
}

// Pause stops claiming new tasks. Running tasks are not affected.
func (s *Scheduler) Pause() {
	if s.boss.transition(StateStarted, StatePaused) {
		s.log.Info("scheduler paused")
	}
}

func (s *Scheduler) Resume() {
	if s.boss.transition(StatePaused, StateStarted) {
		s.log.Info("scheduler resumed")
		s.boss.nudge()
	}
}

func (s *Scheduler) Paused() bool { return s.boss.runState() == StatePaused }

func (s *Scheduler) RunState() RunState { return s.boss.runState() }

// Shutdown stops the boss and shuts the executor down. When ctx expires
// before running tasks finish, the executor is closed forcibly.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	prev := RunState(s.boss.state.Swap(int32(StateDone)))
	if prev == StateDone {
		return nil
	}
	s.boss.nudge()
	err := s.exec.Shutdown(ctx)
	if err != nil {
		s.log.Warn("executor did not drain, forcing close", logx.Err(err))
		s.exec.Close()
		return fmt.Errorf("shutdown executor: %w", err)
	}
	s.log.Info("scheduler stopped")
	return nil
}

// RegisterHandler makes h available to tasks naming its moniker.
func (s *Scheduler) RegisterHandler(h Handler) (HandlerID, error) {
	if h == nil || h.Moniker() == "" {
		return HandlerID{}, fmt.Errorf("%w: empty moniker", ErrUnknownHandler)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[h.Moniker()]; ok {
		return HandlerID{}, fmt.Errorf("%w: %s", ErrHandlerExists, h.Moniker())
	}
	s.handlers[h.Moniker()] = h
	s.boss.nudge()
	return HandlerID{h: h, owner: s}, nil
}

func (s *Scheduler) FindHandler(moniker string) (HandlerID, bool) {
	s.mu.RLock()
	h, ok := s.handlers[moniker]
	s.mu.RUnlock()
	if !ok {
		return HandlerID{}, false
	}
	return HandlerID{h: h, owner: s}, true
}

// AllHandlers returns the registered handlers sorted by moniker.
func (s *Scheduler) AllHandlers() []HandlerID {
	s.mu.RLock()
	out := make([]HandlerID, 0, len(s.handlers))
	for _, h := range s.handlers {
		out = append(out, HandlerID{h: h, owner: s})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Moniker() < out[j].Moniker() })
	return out
}

func (s *Scheduler) handlerMonikers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		out = append(out, m)
	}
	return out
}

func (s *Scheduler) checkHandler(id HandlerID) error {
	if id.IsZero() {
		return ErrUnknownHandler
	}
	if id.owner != s {
		return ErrForeignHandler
	}
	return nil
}

// CreateTask stores a new task bound to id. params and checkpoint are encoded
// with the handler codec; nil means none.
func (s *Scheduler) CreateTask(moniker string, id HandlerID, sched, failed task.Schedule, params, checkpoint any) (*store.Record, error) {
	if err := s.checkHandler(id); err != nil {
		return nil, err
	}
	if sched.IsZero() {
		return nil, ErrNoSchedule
	}
	if err := sched.Validate(); err != nil {
		return nil, err
	}
	if !failed.IsZero() {
		if err := failed.Validate(); err != nil {
			return nil, fmt.Errorf("failed schedule: %w", err)
		}
	}
	t := task.Task{
		Moniker:        moniker,
		State:          task.Scheduled,
		HandlerMoniker: id.Moniker(),
		Schedule:       sched,
		FailedSchedule: failed,
		NextRun:        sched.NextRun(time.Time{}, time.Time{}),
	}
	if params != nil {
		enc, err := id.h.MarshalParams(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		t.Params = &enc
	}
	if checkpoint != nil {
		enc, err := id.h.MarshalCheckpoint(checkpoint)
		if err != nil {
			return nil, fmt.Errorf("encode checkpoint: %w", err)
		}
		t.Checkpoint = &enc
	}
	rec, err := s.store.NewTask(t)
	if err != nil {
		return nil, err
	}
	s.log.Debug("task created",
		logx.Task(moniker),
		logx.Handler(t.HandlerMoniker),
		logx.String("schedule", sched.String()),
	)
	s.boss.nudge()
	return rec, nil
}

func (s *Scheduler) RemoveTask(moniker string) bool {
	ok := s.store.Remove(moniker)
	if ok {
		s.log.Debug("task removed", logx.Task(moniker))
	}
	return ok
}

func (s *Scheduler) FindTask(moniker string) (*store.Record, bool) { return s.store.Find(moniker) }

// Refresh returns the current snapshot of r, or false once the task is gone.
func (s *Scheduler) Refresh(r *store.Record) (*store.Record, bool) { return s.store.Reload(r) }

// SetSchedule replaces the schedule. A SCHEDULED task gets its next run
// recomputed from its last run; a RUNNING task picks it up on completion.
// The returned record is nil when the task is gone.
func (s *Scheduler) SetSchedule(r *store.Record, sched task.Schedule) (*store.Record, error) {
	if sched.IsZero() {
		return nil, ErrNoSchedule
	}
	if err := sched.Validate(); err != nil {
		return nil, err
	}
	cur, ok := store.Update(s.store, r, func(t *task.Task) bool {
		t.Schedule = sched
		if t.State == task.Scheduled {
			if t.LastRunFinish.IsZero() {
				t.NextRun = sched.NextRun(time.Time{}, time.Time{})
			} else {
				t.NextRun = sched.NextRun(t.LastRunStart, t.LastRunFinish)
			}
		}
		return true
	})
	if !ok {
		return nil, nil
	}
	s.boss.nudge()
	return cur, nil
}

// SetFailedSchedule replaces the failure schedule. The zero Schedule clears it.
func (s *Scheduler) SetFailedSchedule(r *store.Record, failed task.Schedule) (*store.Record, error) {
	if !failed.IsZero() {
		if err := failed.Validate(); err != nil {
			return nil, err
		}
	}
	cur, ok := store.Update(s.store, r, func(t *task.Task) bool {
		t.FailedSchedule = failed
		return true
	})
	if !ok {
		return nil, nil
	}
	return cur, nil
}

// SetCheckpoint stores a checkpoint encoded with the task's handler codec.
func (s *Scheduler) SetCheckpoint(r *store.Record, v any) (*store.Record, error) {
	h, err := s.handlerFor(r)
	if err != nil {
		return nil, err
	}
	var enc *string
	if v != nil {
		raw, err := h.MarshalCheckpoint(v)
		if err != nil {
			return nil, fmt.Errorf("encode checkpoint: %w", err)
		}
		enc = &raw
	}
	cur, ok := store.Update(s.store, r, func(t *task.Task) bool {
		t.Checkpoint = enc
		return true
	})
	if !ok {
		return nil, nil
	}
	return cur, nil
}

func (s *Scheduler) handlerFor(r *store.Record) (Handler, error) {
	m := r.Task().HandlerMoniker
	id, ok := s.FindHandler(m)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, m)
	}
	return id.h, nil
}

// The getters below read the snapshot held by r. Call Refresh for newer data.

func (s *Scheduler) State(r *store.Record) task.State { return r.State() }

func (s *Scheduler) Schedule(r *store.Record) task.Schedule { return r.Task().Schedule }

func (s *Scheduler) FailedSchedule(r *store.Record) task.Schedule { return r.Task().FailedSchedule }

func (s *Scheduler) NextRun(r *store.Record) time.Time { return r.NextRun() }

// LastRun is the finish time of the last run, zero if it never ran.
func (s *Scheduler) LastRun(r *store.Record) time.Time { return r.Task().LastRunFinish }

func (s *Scheduler) LastSuccessfulRun(r *store.Record) time.Time { return r.Task().LastSuccess }

// TaskError is the failure recorded by the last failed run.
type TaskError struct {
	Class   string
	Message string
}

func (e TaskError) String() string { return e.Class + ": " + e.Message }

func (s *Scheduler) LastError(r *store.Record) (TaskError, bool) {
	t := r.Task()
	if !t.HasError() {
		return TaskError{}, false
	}
	return TaskError{Class: t.LastErrorClass, Message: t.LastErrorMessage}, true
}

// Params decodes the stored params, nil when the task has none.
func (s *Scheduler) Params(r *store.Record) (any, error) {
	t := r.Task()
	if t.Params == nil {
		return nil, nil
	}
	h, err := s.handlerFor(r)
	if err != nil {
		return nil, err
	}
	return h.UnmarshalParams(*t.Params)
}

// Checkpoint decodes the stored checkpoint, nil when none was saved.
func (s *Scheduler) Checkpoint(r *store.Record) (any, error) {
	t := r.Task()
	if t.Checkpoint == nil {
		return nil, nil
	}
	h, err := s.handlerFor(r)
	if err != nil {
		return nil, err
	}
	return h.UnmarshalCheckpoint(*t.Checkpoint)
}

func (s *Scheduler) Progress(r *store.Record) task.Progress { return r.Task().Progress }

// Handler returns the registered handler of r, if any.
func (s *Scheduler) Handler(r *store.Record) (HandlerID, bool) {
	return s.FindHandler(r.Task().HandlerMoniker)
}

// AllTasks lists tasks that will never run first, then the rest in next run
// order. With handlers given, only their tasks are listed.
func (s *Scheduler) AllTasks(handlers ...string) []*store.Record {
	var out []*store.Record
	for r := range s.store.ListScheduledToNeverRun() {
		if len(handlers) > 0 && !slices.Contains(handlers, r.Task().HandlerMoniker) {
			continue
		}
		out = append(out, r)
	}
	for r := range s.store.ListScheduled(store.ListFilter{Handlers: handlers}) {
		out = append(out, r)
	}
	return out
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	State     RunState
	Handlers  int
	Tasks     int
	Running   int
	Due       int
	Available int
	Cycles    uint64
	Claimed   uint64
	LastCycle time.Time
}

func (s *Scheduler) Status() Status {
	st := Status{
		State:     s.boss.runState(),
		Available: s.exec.Available(),
		Cycles:    s.boss.cycles.Load(),
		Claimed:   s.boss.claimed.Load(),
	}
	if ms := s.boss.lastCycle.Load(); ms != 0 {
		st.LastCycle = time.UnixMilli(ms)
	}
	s.mu.RLock()
	st.Handlers = len(s.handlers)
	s.mu.RUnlock()

	now := s.now()
	for _, r := range s.store.All() {
		st.Tasks++
		t := r.Task()
		if t.State == task.Running {
			st.Running++
			continue
		}
		if !t.NextRun.IsZero() && !t.NextRun.After(now) {
			st.Due++
		}
	}
	return st
}
