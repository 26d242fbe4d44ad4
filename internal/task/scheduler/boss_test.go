package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"taskbot/internal/eventbus"
	"taskbot/internal/task"
	"taskbot/internal/task/engine"
	"taskbot/internal/task/store"
	logx "taskbot/pkg/logx"
)

// recordingExecutor accepts submits without running them. Task units fail
// with rejectTasks when it is set.
type recordingExecutor struct {
	mu          sync.Mutex
	available   int
	rejectTasks error
	submitted   []string
}

func (e *recordingExecutor) Submit(name string, run func(ctx context.Context)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submitted = append(e.submitted, name)
	if strings.HasPrefix(name, "task.") && e.rejectTasks != nil {
		return e.rejectTasks
	}
	return nil
}

func (e *recordingExecutor) Available() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.available
}

func (e *recordingExecutor) Shutdown(ctx context.Context) error { return nil }
func (e *recordingExecutor) Close()                             {}

func (e *recordingExecutor) taskSubmits() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, name := range e.submitted {
		if strings.HasPrefix(name, "task.") {
			n++
		}
	}
	return n
}

var bossNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newBossScheduler(t *testing.T, exec *recordingExecutor, opts ...Option) *Scheduler {
	t.Helper()
	opts = append([]Option{
		WithClock(func() time.Time { return bossNow }),
		WithIdleThrottle(time.Millisecond),
	}, opts...)
	s := New(store.NewMemory(logx.Nop()), exec, opts...)
	s.boss.state.Store(int32(StateStarted))
	return s
}

func createDue(t *testing.T, s *Scheduler, id HandlerID, monikers ...string) {
	t.Helper()
	for _, m := range monikers {
		if _, err := s.CreateTask(m, id, task.OnceAt(bossNow.Add(-time.Minute)), task.Schedule{}, nil, nil); err != nil {
			t.Fatalf("CreateTask(%s): %v", m, err)
		}
	}
}

func countStates(s *Scheduler) map[task.State]int {
	out := map[task.State]int{}
	for _, r := range s.store.All() {
		out[r.State()]++
	}
	return out
}

func TestBossUnclaimsRejectedSubmit(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
	}{
		{"no capacity", engine.ErrNoCapacity},
		{"executor stopping", engine.ErrStopping},
		{"other error", fmt.Errorf("queue wedged")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			bus := eventbus.New()
			events, unsub := bus.Subscribe(8, EventUnclaimed, EventClaimed)
			defer unsub()

			exec := &recordingExecutor{available: 5, rejectTasks: tc.err}
			s := newBossScheduler(t, exec, WithBus(bus))
			id := mustRegister(t, s, NewHandler("ok", func(ctx context.Context, c *TypedContext[struct{}, struct{}]) error {
				return nil
			}))
			createDue(t, s, id, "job")

			if got := s.boss.claimDue(); got != 0 {
				t.Fatalf("claimDue = %d, want 0", got)
			}
			rec, _ := s.FindTask("job")
			if st := s.State(rec); st != task.Scheduled {
				t.Fatalf("state after rejected submit = %v, want SCHEDULED", st)
			}
			if n := exec.taskSubmits(); n != 1 {
				t.Fatalf("task submits = %d, want 1", n)
			}

			select {
			case e := <-events:
				if e.Type != EventUnclaimed || e.Data.(TaskEvent).Moniker != "job" {
					t.Fatalf("event = %s %+v, want unclaimed for job", e.Type, e.Data)
				}
			default:
				t.Fatalf("no unclaimed event published")
			}
		})
	}
}

func TestBossRejectedSubmitStopsCycle(t *testing.T) {
	t.Parallel()
	exec := &recordingExecutor{available: 10, rejectTasks: engine.ErrNoCapacity}
	s := newBossScheduler(t, exec)
	id := mustRegister(t, s, NewHandler("ok", func(ctx context.Context, c *TypedContext[struct{}, struct{}]) error {
		return nil
	}))
	createDue(t, s, id, "a", "b", "c")

	s.boss.claimDue()
	if n := exec.taskSubmits(); n != 1 {
		t.Fatalf("task submits after ErrNoCapacity = %d, want 1", n)
	}
	if got := countStates(s)[task.Scheduled]; got != 3 {
		t.Fatalf("scheduled tasks = %d, want 3", got)
	}
}

func TestBossClaimBudget(t *testing.T) {
	t.Parallel()
	tests := []struct {
		available int
		want      int
	}{
		{available: 0, want: 0},
		{available: 1, want: 0},
		{available: 2, want: 1},
		{available: 3, want: 2},
		{available: 10, want: 5},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("available=%d", tc.available), func(t *testing.T) {
			t.Parallel()
			exec := &recordingExecutor{available: tc.available}
			s := newBossScheduler(t, exec)
			id := mustRegister(t, s, NewHandler("ok", func(ctx context.Context, c *TypedContext[struct{}, struct{}]) error {
				return nil
			}))
			createDue(t, s, id, "a", "b", "c", "d", "e")

			if got := s.boss.claimDue(); got != tc.want {
				t.Fatalf("claimDue = %d, want %d", got, tc.want)
			}
			states := countStates(s)
			if states[task.Running] != tc.want || states[task.Scheduled] != 5-tc.want {
				t.Fatalf("states = %v, want %d running", states, tc.want)
			}
			if n := exec.taskSubmits(); n != tc.want {
				t.Fatalf("task submits = %d, want %d", n, tc.want)
			}
		})
	}
}

func TestBossSkipsUnregisteredHandler(t *testing.T) {
	t.Parallel()
	exec := &recordingExecutor{available: 10}
	s := newBossScheduler(t, exec)
	id := mustRegister(t, s, NewHandler("ok", func(ctx context.Context, c *TypedContext[struct{}, struct{}]) error {
		return nil
	}))
	createDue(t, s, id, "known")
	// A task persisted by a build that had the "gone" handler.
	if _, err := s.store.NewTask(task.Task{
		Moniker:        "orphan",
		State:          task.Scheduled,
		HandlerMoniker: "gone",
		Schedule:       task.OnceAt(bossNow.Add(-time.Hour)),
		NextRun:        bossNow.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("NewTask: %v", err)
	}

	ctx := context.Background()
	for range 3 {
		s.boss.cycle(ctx)
	}

	orphan, _ := s.FindTask("orphan")
	if st := s.State(orphan); st != task.Scheduled {
		t.Fatalf("orphan state = %v, want SCHEDULED", st)
	}
	known, _ := s.FindTask("known")
	if st := s.State(known); st != task.Running {
		t.Fatalf("known state = %v, want RUNNING", st)
	}
	if n := exec.taskSubmits(); n != 1 {
		t.Fatalf("task submits = %d, want 1", n)
	}
	if got := s.boss.cycles.Load(); got != 3 {
		t.Fatalf("cycles = %d, want 3", got)
	}
}

func TestStartPausedClaimsNothingUntilResume(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t, 4, WithStartPaused(true))
	id := mustRegister(t, s, NewHandler("ok", func(ctx context.Context, c *TypedContext[struct{}, struct{}]) error {
		return nil
	}))
	rec, err := s.CreateTask("due", id, task.OnceAt(time.Now().Add(-time.Minute)), task.Schedule{}, nil, nil)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if !s.Paused() {
		t.Fatalf("RunState = %v, want PAUSED", s.RunState())
	}

	// Several idle cycles pass without a claim.
	time.Sleep(60 * time.Millisecond)
	cur, _ := s.Refresh(rec)
	if s.State(cur) != task.Scheduled || !s.LastRun(cur).IsZero() {
		t.Fatalf("task ran while paused: state %v last run %v", s.State(cur), s.LastRun(cur))
	}

	s.Resume()
	waitLastRun(t, s, rec)
}
