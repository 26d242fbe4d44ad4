package handlers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"taskbot/internal/task"
	"taskbot/internal/task/store"
	"taskbot/internal/transport"
	logx "taskbot/pkg/logx"
)

type fakeContext struct {
	moniker    string
	params     any
	checkpoint any
	progress   task.Progress
	aborted    bool
}

func (c *fakeContext) Moniker() string             { return c.moniker }
func (c *fakeContext) Params() any                 { return c.params }
func (c *fakeContext) Checkpoint() any             { return c.checkpoint }
func (c *fakeContext) Progress() task.Progress     { return c.progress }
func (c *fakeContext) SetProgress(p task.Progress) { c.progress = p }
func (c *fakeContext) Aborted() bool               { return c.aborted }

func (c *fakeContext) SetCheckpoint(v any) error {
	c.checkpoint = v
	return nil
}

type storeSource struct{ st store.Store }

func (s storeSource) AllTasks(...string) []*store.Record { return s.st.All() }
func (s storeSource) RemoveTask(m string) bool          { return s.st.Remove(m) }

func TestCleanupRemovesOldFinishedTasks(t *testing.T) {
	t.Parallel()
	now := time.UnixMilli(1772366400000)
	st := store.NewMemory(logx.Nop())
	seed := []task.Task{
		{Moniker: "old-once", Schedule: task.OnceAt(now.Add(-10 * 24 * time.Hour)), LastRunFinish: now.Add(-9 * 24 * time.Hour)},
		{Moniker: "fresh-once", Schedule: task.OnceAt(now.Add(-time.Hour)), LastRunFinish: now.Add(-time.Hour)},
		{Moniker: "never-ran", Schedule: task.NeverRun()},
		{Moniker: "recurring", Schedule: task.DelayFrom(now, time.Hour), LastRunFinish: now.Add(-30 * 24 * time.Hour), NextRun: now.Add(time.Hour)},
		{Moniker: "running", State: task.Running, Schedule: task.OnceAt(now), LastRunFinish: now.Add(-30 * 24 * time.Hour)},
	}
	for _, tk := range seed {
		tk.HandlerMoniker = "x"
		if _, err := st.NewTask(tk); err != nil {
			t.Fatalf("NewTask(%s): %v", tk.Moniker, err)
		}
	}

	h := NewCleanup(storeSource{st}, func() time.Time { return now }, logx.Nop())
	c := &fakeContext{moniker: "sweeper", params: CleanupParams{}, checkpoint: CleanupCheckpoint{Total: 4}}
	if err := h.Handle(context.Background(), c); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if _, ok := st.Find("old-once"); ok {
		t.Fatalf("old-once survived")
	}
	for _, m := range []string{"fresh-once", "never-ran", "recurring", "running"} {
		if _, ok := st.Find(m); !ok {
			t.Fatalf("%s was removed", m)
		}
	}
	if want := (task.Progress{Current: 1, Total: 1}); c.progress != want {
		t.Fatalf("progress = %v, want %v", c.progress, want)
	}
	ck, _ := c.checkpoint.(CleanupCheckpoint)
	if ck.Removed != 1 || ck.Total != 5 || ck.LastSweep != now.UnixMilli() {
		t.Fatalf("checkpoint = %+v", ck)
	}
}

func TestCleanupHonorsAbortAndParams(t *testing.T) {
	t.Parallel()
	now := time.UnixMilli(1772366400000)
	st := store.NewMemory(logx.Nop())
	if _, err := st.NewTask(task.Task{Moniker: "a", HandlerMoniker: "x", Schedule: task.OnceAt(now), LastRunFinish: now.Add(-2 * time.Hour)}); err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	h := NewCleanup(storeSource{st}, func() time.Time { return now }, logx.Nop())

	if err := h.Handle(context.Background(), &fakeContext{params: CleanupParams{MaxAge: "soon"}}); err == nil {
		t.Fatalf("bad max_age accepted")
	}

	aborted := &fakeContext{params: CleanupParams{MaxAge: "1h"}, aborted: true}
	if err := h.Handle(context.Background(), aborted); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if _, ok := st.Find("a"); !ok {
		t.Fatalf("aborted sweep removed a task")
	}

	if err := h.Handle(context.Background(), &fakeContext{params: CleanupParams{MaxAge: "1h"}}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if _, ok := st.Find("a"); ok {
		t.Fatalf("task older than max_age survived")
	}
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	to   []transport.ChatTarget
	err  error
}

func (s *recordingSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return transport.MessageRef{}, s.err
	}
	s.sent = append(s.sent, text)
	s.to = append(s.to, to)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(s.sent)}, nil
}

func TestReminder(t *testing.T) {
	t.Parallel()
	s := &recordingSender{}
	h := NewReminder(s)
	if h.Moniker() != ReminderMoniker {
		t.Fatalf("Moniker = %q", h.Moniker())
	}

	c := &fakeContext{params: ReminderParams{ChatID: 42, ThreadID: 7, Text: "stand-up"}}
	if err := h.Handle(context.Background(), c); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(s.sent) != 1 || s.sent[0] != "stand-up" || s.to[0] != (transport.ChatTarget{ChatID: 42, ThreadID: 7}) {
		t.Fatalf("sent %v to %v", s.sent, s.to)
	}
	if ck, _ := c.checkpoint.(ReminderCheckpoint); ck.Sent != 1 {
		t.Fatalf("checkpoint = %+v", c.checkpoint)
	}

	if err := h.Handle(context.Background(), &fakeContext{params: ReminderParams{ChatID: 1}}); !errors.Is(err, ErrEmptyReminder) {
		t.Fatalf("empty text err = %v", err)
	}

	boom := errors.New("boom")
	s.err = boom
	if err := h.Handle(context.Background(), &fakeContext{params: ReminderParams{ChatID: 1, Text: "x"}}); !errors.Is(err, boom) {
		t.Fatalf("send failure err = %v", err)
	}
}
