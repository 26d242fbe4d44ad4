package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"taskbot/internal/eventbus"
	"taskbot/internal/task"
	"taskbot/internal/task/engine"
	"taskbot/internal/task/store"
	logx "taskbot/pkg/logx"
)

type RuntimeError struct{ msg string }

func (e *RuntimeError) Error() string { return e.msg }

type testParams struct {
	Name string `json:"name"`
}

type testCheckpoint struct {
	N int `json:"n"`
}

func newTestScheduler(t *testing.T, workers int, opts ...Option) (*Scheduler, *engine.Service) {
	t.Helper()
	eng := engine.New(engine.Config{Workers: workers}, logx.Nop())
	eng.Start(context.Background())
	opts = append([]Option{
		WithIdleThrottle(10 * time.Millisecond),
		WithProgressDebounce(10 * time.Millisecond),
	}, opts...)
	s := New(store.NewMemory(logx.Nop()), eng, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		eng.Close()
	})
	return s, eng
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mustRegister(t *testing.T, s *Scheduler, h Handler) HandlerID {
	t.Helper()
	id, err := s.RegisterHandler(h)
	if err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}
	return id
}

func waitLastRun(t *testing.T, s *Scheduler, r *store.Record) *store.Record {
	t.Helper()
	var cur *store.Record
	waitFor(t, "last run", func() bool {
		var ok bool
		cur, ok = s.Refresh(r)
		return ok && !s.LastRun(cur).IsZero() && s.State(cur) == task.Scheduled
	})
	return cur
}

func TestOnceTaskRunsOnce(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, EventSucceeded)
	defer unsub()

	s, _ := newTestScheduler(t, 4, WithBus(bus))
	var runs atomic.Int32
	id := mustRegister(t, s, NewHandler("ok", func(ctx context.Context, c *TypedContext[struct{}, struct{}]) error {
		runs.Add(1)
		return nil
	}))
	rec, err := s.CreateTask("job1", id, task.OnceAt(time.Now()), task.Schedule{}, nil, nil)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}

	cur := waitLastRun(t, s, rec)
	if !s.NextRun(cur).IsZero() {
		t.Fatalf("NextRun = %v, want zero", s.NextRun(cur))
	}
	if s.LastSuccessfulRun(cur).IsZero() {
		t.Fatalf("LastSuccessfulRun is zero")
	}
	if _, ok := s.LastError(cur); ok {
		t.Fatalf("unexpected error recorded")
	}

	select {
	case e := <-events:
		ev := e.Data.(TaskEvent)
		if ev.Moniker != "job1" || ev.Handler != "ok" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no succeeded event")
	}

	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Fatalf("handler ran %d times, want 1", got)
	}
}

func TestDelayTaskFailure(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		failed task.Schedule
		want   time.Duration
	}{
		{name: "normal schedule", want: time.Hour},
		{name: "failure schedule", failed: task.DelayFrom(time.Now(), 5*time.Minute), want: 5 * time.Minute},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, _ := newTestScheduler(t, 3)
			id := mustRegister(t, s, NewHandler("fail", func(ctx context.Context, c *TypedContext[struct{}, struct{}]) error {
				return &RuntimeError{msg: "message"}
			}))
			rec, err := s.CreateTask("job1", id, task.DelayFrom(time.Now(), time.Hour), tc.failed, nil, nil)
			if err != nil {
				t.Fatalf("CreateTask: %v", err)
			}
			if err := s.Startup(context.Background()); err != nil {
				t.Fatalf("Startup: %v", err)
			}

			cur := waitLastRun(t, s, rec)
			e, ok := s.LastError(cur)
			if !ok || e.Class != "RuntimeError" || e.Message != "message" {
				t.Fatalf("LastError = %+v, %v", e, ok)
			}
			if !s.LastSuccessfulRun(cur).IsZero() {
				t.Fatalf("LastSuccessfulRun = %v, want zero", s.LastSuccessfulRun(cur))
			}
			want := s.LastRun(cur).Add(tc.want)
			if got := s.NextRun(cur); !got.Equal(want) {
				t.Fatalf("NextRun = %v, want %v", got, want)
			}
		})
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t, 3)
	id := mustRegister(t, s, NewHandler("ok", func(ctx context.Context, c *TypedContext[struct{}, struct{}]) error {
		return nil
	}))
	if err := s.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	s.Pause()
	if !s.Paused() {
		t.Fatalf("Paused = false after Pause")
	}
	rec, err := s.CreateTask("job1", id, task.OnceAt(time.Now()), task.Schedule{}, nil, nil)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	cur, _ := s.Refresh(rec)
	if !s.LastRun(cur).IsZero() {
		t.Fatalf("task ran while paused")
	}

	s.Resume()
	waitLastRun(t, s, rec)
}

func TestRegistrationConflicts(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t, 3)
	h := NewHandler("dup", func(ctx context.Context, c *TypedContext[struct{}, struct{}]) error { return nil })
	id := mustRegister(t, s, h)
	if _, err := s.RegisterHandler(h); !errors.Is(err, ErrHandlerExists) {
		t.Fatalf("second RegisterHandler err = %v, want ErrHandlerExists", err)
	}
	if got := s.AllHandlers(); len(got) != 1 || got[0].Moniker() != "dup" {
		t.Fatalf("AllHandlers = %v", got)
	}

	sched := task.OnceAt(time.Now().Add(time.Hour))
	first, err := s.CreateTask("job1", id, sched, task.Schedule{}, nil, nil)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := s.CreateTask("job1", id, task.NeverRun(), task.Schedule{}, nil, nil); !errors.Is(err, ErrTaskExists) {
		t.Fatalf("duplicate CreateTask err = %v, want ErrTaskExists", err)
	}
	cur, ok := s.FindTask("job1")
	if !ok || s.Schedule(cur) != s.Schedule(first) {
		t.Fatalf("duplicate create changed the stored task")
	}

	other, _ := newTestScheduler(t, 3)
	foreign := mustRegister(t, other, NewHandler("dup", func(ctx context.Context, c *TypedContext[struct{}, struct{}]) error { return nil }))
	if _, err := s.CreateTask("job2", foreign, sched, task.Schedule{}, nil, nil); !errors.Is(err, ErrForeignHandler) {
		t.Fatalf("foreign handler err = %v, want ErrForeignHandler", err)
	}
	if _, err := s.CreateTask("job3", HandlerID{}, sched, task.Schedule{}, nil, nil); !errors.Is(err, ErrUnknownHandler) {
		t.Fatalf("zero handler err = %v, want ErrUnknownHandler", err)
	}
	if _, err := s.CreateTask("job4", id, task.Schedule{}, task.Schedule{}, nil, nil); !errors.Is(err, ErrNoSchedule) {
		t.Fatalf("missing schedule err = %v, want ErrNoSchedule", err)
	}
}

func TestStartupChecks(t *testing.T) {
	t.Parallel()
	small, _ := newTestScheduler(t, 2)
	if err := small.Startup(context.Background()); !errors.Is(err, ErrInsufficientCapacity) {
		t.Fatalf("Startup with 2 workers err = %v, want ErrInsufficientCapacity", err)
	}

	s, _ := newTestScheduler(t, 3)
	if err := s.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if err := s.Startup(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Startup err = %v, want ErrAlreadyStarted", err)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := s.RunState(); got != StateDone {
		t.Fatalf("RunState = %v, want DONE", got)
	}
	if err := s.Startup(context.Background()); !errors.Is(err, ErrShutdown) {
		t.Fatalf("Startup after Shutdown err = %v, want ErrShutdown", err)
	}
}

func TestRemovedTaskIsAborted(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t, 3)
	started := make(chan struct{})
	finished := make(chan struct{})
	id := mustRegister(t, s, NewHandler("loop", func(ctx context.Context, c *TypedContext[struct{}, struct{}]) error {
		close(started)
		defer close(finished)
		for !c.Aborted() {
			c.SetProgress(c.Progress().AddCurrent(1))
			time.Sleep(2 * time.Millisecond)
		}
		return nil
	}))
	if _, err := s.CreateTask("job1", id, task.DelayFrom(time.Now(), time.Minute), task.Schedule{}, nil, nil); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatalf("handler never started")
	}
	if !s.RemoveTask("job1") {
		t.Fatalf("RemoveTask = false")
	}
	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatalf("handler did not observe removal")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := s.FindTask("job1"); ok {
		t.Fatalf("removed task came back after completion")
	}
}

func TestHandlerPanicIsRecorded(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t, 3)
	id := mustRegister(t, s, NewHandler("panic", func(ctx context.Context, c *TypedContext[struct{}, struct{}]) error {
		panic("boom")
	}))
	rec, err := s.CreateTask("job1", id, task.DelayFrom(time.Now(), time.Hour), task.Schedule{}, nil, nil)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	cur := waitLastRun(t, s, rec)
	e, ok := s.LastError(cur)
	if !ok || e.Class != "PanicError" || e.Message != "handler panic: boom" {
		t.Fatalf("LastError = %+v, %v", e, ok)
	}
}

func TestCheckpointAndParams(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t, 3)
	var seen atomic.Value
	id := mustRegister(t, s, NewHandler("ckpt", func(ctx context.Context, c *TypedContext[testParams, testCheckpoint]) error {
		seen.Store(c.Params().Name)
		prev, _ := c.Checkpoint()
		c.SetProgress(task.Progress{Current: 1, Total: 1})
		return c.SetCheckpoint(testCheckpoint{N: prev.N + 1})
	}))
	rec, err := s.CreateTask("job1", id, task.OnceAt(time.Now()), task.Schedule{}, testParams{Name: "alpha"}, testCheckpoint{N: 2})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if p, err := s.Params(rec); err != nil || p != (testParams{Name: "alpha"}) {
		t.Fatalf("Params = %v, %v", p, err)
	}
	if err := s.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}

	cur := waitLastRun(t, s, rec)
	if got, _ := seen.Load().(string); got != "alpha" {
		t.Fatalf("handler saw params %q", got)
	}
	ck, err := s.Checkpoint(cur)
	if err != nil || ck != (testCheckpoint{N: 3}) {
		t.Fatalf("Checkpoint = %v, %v", ck, err)
	}
	if got := s.Progress(cur); got != (task.Progress{Current: 1, Total: 1}) {
		t.Fatalf("Progress = %v", got)
	}

	cur, err = s.SetCheckpoint(cur, testCheckpoint{N: 10})
	if err != nil || cur == nil {
		t.Fatalf("SetCheckpoint = %v, %v", cur, err)
	}
	if ck, _ := s.Checkpoint(cur); ck != (testCheckpoint{N: 10}) {
		t.Fatalf("Checkpoint after set = %v", ck)
	}
}

func TestSettersAndListing(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t, 3)
	id := mustRegister(t, s, NewHandler("h", func(ctx context.Context, c *TypedContext[struct{}, struct{}]) error { return nil }))
	other := mustRegister(t, s, NewHandler("other", func(ctx context.Context, c *TypedContext[struct{}, struct{}]) error { return nil }))

	base := task.AtMillis(time.Now().Add(time.Hour))
	late, _ := s.CreateTask("late", id, task.OnceAt(base.Add(2*time.Minute)), task.Schedule{}, nil, nil)
	early, _ := s.CreateTask("early", id, task.OnceAt(base.Add(time.Minute)), task.Schedule{}, nil, nil)
	never, _ := s.CreateTask("never", id, task.NeverRun(), task.Schedule{}, nil, nil)
	if _, err := s.CreateTask("elsewhere", other, task.NeverRun(), task.Schedule{}, nil, nil); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	var got []string
	for _, r := range s.AllTasks("h") {
		got = append(got, r.Moniker())
	}
	want := []string{"never", "early", "late"}
	if len(got) != len(want) {
		t.Fatalf("AllTasks = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("AllTasks = %v, want %v", got, want)
		}
	}
	if n := len(s.AllTasks()); n != 4 {
		t.Fatalf("AllTasks() has %d tasks, want 4", n)
	}

	cur, err := s.SetSchedule(never, task.OnceAt(base))
	if err != nil || cur == nil {
		t.Fatalf("SetSchedule = %v, %v", cur, err)
	}
	if !s.NextRun(cur).Equal(base) {
		t.Fatalf("NextRun = %v, want %v", s.NextRun(cur), base)
	}
	if first := s.AllTasks("h")[0].Moniker(); first != "never" {
		t.Fatalf("rescheduled task listed as %q first, want never", first)
	}

	// The snapshot is not refreshed by the facade.
	if !s.NextRun(never).IsZero() {
		t.Fatalf("old snapshot changed")
	}

	failed := task.DelayFrom(base, time.Minute)
	cur, err = s.SetFailedSchedule(early, failed)
	if err != nil || s.FailedSchedule(cur) != failed {
		t.Fatalf("SetFailedSchedule = %v, %v", cur, err)
	}

	s.RemoveTask("late")
	if cur, err := s.SetSchedule(late, task.NeverRun()); err != nil || cur != nil {
		t.Fatalf("SetSchedule on removed task = %v, %v; want nil, nil", cur, err)
	}
	if _, ok := s.FindTask("late"); ok {
		t.Fatalf("setter resurrected a removed task")
	}
}
