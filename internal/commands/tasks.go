package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"taskbot/internal/task"
	"taskbot/internal/task/handlers"
	"taskbot/internal/task/scheduler"
	"taskbot/internal/task/store"
	"taskbot/pkg/tgui"
)

const pageSize = 25

const timeLayout = "2006-01-02 15:04:05"

var errUsage = errors.New("bad arguments")

// TaskCommands returns the operator commands backed by s.
func TaskCommands(s *scheduler.Scheduler, now func() time.Time) []Command {
	if now == nil {
		now = time.Now
	}
	tc := &taskCommands{s: s, now: now}
	return []Command{
		{Name: "tasks", Description: "list tasks", Usage: "/tasks [handler...] [--page N]", Handle: tc.list},
		{Name: "task", Description: "show one task", Usage: "/task <name>", Handle: tc.show},
		{Name: "schedule", Description: "change a task schedule", Usage: "/schedule <name> <schedule> [--failed <schedule|none>]", Access: AccessOwnerOnly, Handle: tc.schedule},
		{Name: "remind", Description: "create a reminder in this chat", Usage: "/remind <name> <schedule> <text...> [--failed <schedule>]", Access: AccessOwnerOnly, Handle: tc.remind},
		{Name: "rmtask", Aliases: []string{"rm"}, Description: "remove a task", Usage: "/rmtask <name>", Access: AccessOwnerOnly, Handle: tc.remove},
		{Name: "pause", Description: "stop starting tasks", Usage: "/pause", Access: AccessOwnerOnly, Handle: tc.pause},
		{Name: "resume", Description: "start tasks again", Usage: "/resume", Access: AccessOwnerOnly, Handle: tc.resume},
		{Name: "handlers", Description: "list task handlers", Usage: "/handlers", Handle: tc.listHandlers},
		{Name: "status", Description: "scheduler status", Usage: "/status", Handle: tc.status},
	}
}

type taskCommands struct {
	s   *scheduler.Scheduler
	now func() time.Time
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(timeLayout)
}

func code(s string) string { return tgui.Code(s).String() }

func esc(s string) string { return tgui.Esc(s).String() }

func (tc *taskCommands) list(ctx context.Context, req *Request) error {
	page := 1
	if raw, ok := req.Flags["page"]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return errUsage
		}
		page = n
	}
	recs := tc.s.AllTasks(req.Args...)
	if len(recs) == 0 {
		return req.Reply(ctx, "No tasks.")
	}
	p := tgui.Paginate(recs, page-1, pageSize)
	lines := []tgui.H{tgui.Raw(fmt.Sprintf("🗂 %s (%d)", tgui.B("Tasks"), len(recs))), ""}
	for _, r := range p.Items {
		t := r.Task()
		line := fmt.Sprintf("%s %s · %s · next %s", stateIcon(t), code(t.Moniker), esc(t.HandlerMoniker), fmtTime(t.NextRun))
		if t.HasError() {
			line += " · ⚠️ " + esc(t.LastErrorClass)
		}
		lines = append(lines, tgui.Raw(line))
	}
	if p.Pages() > 1 {
		footer := p.Label()
		if p.HasNext() {
			footer += fmt.Sprintf(" · next: --page %d", p.Index+2)
		}
		lines = append(lines, "", tgui.I(footer))
	}
	return req.Reply(ctx, tgui.Lines(lines...).String())
}

func stateIcon(t task.Task) string {
	switch {
	case t.State == task.Running:
		return "▶️"
	case t.NextRun.IsZero():
		return "⏹"
	default:
		return "⏱"
	}
}

func (tc *taskCommands) find(req *Request) (*store.Record, error) {
	if len(req.Args) < 1 {
		return nil, errUsage
	}
	r, ok := tc.s.FindTask(req.Args[0])
	if !ok {
		return nil, fmt.Errorf("task %q not found", req.Args[0])
	}
	return r, nil
}

func (tc *taskCommands) show(ctx context.Context, req *Request) error {
	r, err := tc.find(req)
	if err != nil {
		return err
	}
	s := tc.s
	lines := []string{
		tgui.B(r.Moniker()).String(),
		"handler: " + code(r.Task().HandlerMoniker),
		"state: " + s.State(r).String(),
		"schedule: " + esc(task.Describe(s.Schedule(r))),
	}
	if f := s.FailedSchedule(r); !f.IsZero() {
		lines = append(lines, "on failure: "+esc(task.Describe(f)))
	}
	lines = append(lines,
		"next run: "+fmtTime(s.NextRun(r)),
		"last run: "+fmtTime(s.LastRun(r)),
		"last success: "+fmtTime(s.LastSuccessfulRun(r)),
	)
	if e, ok := s.LastError(r); ok {
		lines = append(lines, "last error: "+code(e.String()))
	}
	if p := s.Progress(r); p != (task.Progress{}) {
		line := "progress: " + p.String()
		if ratio, ok := p.CompleteRatio(); ok {
			line += fmt.Sprintf(" (%.0f%%)", ratio*100)
		}
		lines = append(lines, line)
	}
	if t := r.Task(); t.Params != nil {
		lines = append(lines, "params: "+code(*t.Params))
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (tc *taskCommands) failedFlag(req *Request) (task.Schedule, bool, error) {
	raw, ok := req.Flags["failed"]
	if !ok {
		return task.Schedule{}, false, nil
	}
	if strings.EqualFold(raw, "none") {
		return task.Schedule{}, true, nil
	}
	f, err := task.ParseSchedule(raw, tc.now())
	if err != nil {
		return task.Schedule{}, false, fmt.Errorf("failed schedule: %w", err)
	}
	return f, true, nil
}

func (tc *taskCommands) schedule(ctx context.Context, req *Request) error {
	if len(req.Args) < 2 {
		return errUsage
	}
	r, err := tc.find(req)
	if err != nil {
		return err
	}
	sched, err := task.ParseSchedule(strings.Join(req.Args[1:], " "), tc.now())
	if err != nil {
		return err
	}
	failed, setFailed, err := tc.failedFlag(req)
	if err != nil {
		return err
	}
	cur, err := tc.s.SetSchedule(r, sched)
	if err != nil {
		return err
	}
	if cur != nil && setFailed {
		cur, err = tc.s.SetFailedSchedule(cur, failed)
		if err != nil {
			return err
		}
	}
	if cur == nil {
		return fmt.Errorf("task %q was removed", r.Moniker())
	}
	return req.Reply(ctx, fmt.Sprintf("✅ %s: %s, next run %s", code(cur.Moniker()), esc(task.Describe(sched)), fmtTime(cur.NextRun())))
}

func (tc *taskCommands) remind(ctx context.Context, req *Request) error {
	if len(req.Args) < 3 {
		return errUsage
	}
	id, ok := tc.s.FindHandler(handlers.ReminderMoniker)
	if !ok {
		return fmt.Errorf("%w: %s", scheduler.ErrUnknownHandler, handlers.ReminderMoniker)
	}
	sched, err := task.ParseSchedule(req.Args[1], tc.now())
	if err != nil {
		return err
	}
	failed, _, err := tc.failedFlag(req)
	if err != nil {
		return err
	}
	params := handlers.ReminderParams{
		ChatID:   req.Chat.ChatID,
		ThreadID: req.Chat.ThreadID,
		Text:     strings.Join(req.Args[2:], " "),
	}
	r, err := tc.s.CreateTask(req.Args[0], id, sched, failed, params, nil)
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("⏰ reminder %s created, next run %s", code(r.Moniker()), fmtTime(r.NextRun())))
}

func (tc *taskCommands) remove(ctx context.Context, req *Request) error {
	if len(req.Args) < 1 {
		return errUsage
	}
	if !tc.s.RemoveTask(req.Args[0]) {
		return fmt.Errorf("task %q not found", req.Args[0])
	}
	return req.Reply(ctx, "🗑 removed "+code(req.Args[0]))
}

func (tc *taskCommands) pause(ctx context.Context, req *Request) error {
	tc.s.Pause()
	return req.Reply(ctx, "⏸ scheduler "+tc.s.RunState().String())
}

func (tc *taskCommands) resume(ctx context.Context, req *Request) error {
	tc.s.Resume()
	return req.Reply(ctx, "▶️ scheduler "+tc.s.RunState().String())
}

func (tc *taskCommands) listHandlers(ctx context.Context, req *Request) error {
	ids := tc.s.AllHandlers()
	if len(ids) == 0 {
		return req.Reply(ctx, "No handlers registered.")
	}
	lines := []string{"🧩 <b>Handlers</b>"}
	for _, id := range ids {
		lines = append(lines, code(id.Moniker()))
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (tc *taskCommands) status(ctx context.Context, req *Request) error {
	st := tc.s.Status()
	lines := []string{
		"📊 <b>Scheduler</b>",
		"state: " + st.State.String(),
		fmt.Sprintf("handlers: %d", st.Handlers),
		fmt.Sprintf("tasks: %d (running %d, due %d)", st.Tasks, st.Running, st.Due),
		fmt.Sprintf("free workers: %d", st.Available),
		fmt.Sprintf("cycles: %d, claimed: %d", st.Cycles, st.Claimed),
		"last cycle: " + fmtTime(st.LastCycle),
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}
