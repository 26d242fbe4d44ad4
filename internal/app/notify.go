package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"taskbot/internal/config"
	"taskbot/internal/eventbus"
	"taskbot/internal/task/scheduler"
	"taskbot/internal/transport"
	logx "taskbot/pkg/logx"
	"taskbot/pkg/tgui"
)

// failureNotifier posts task failures to the configured log chat.
type failureNotifier struct {
	sender transport.Sender
	log    logx.Logger

	mu     sync.Mutex
	target transport.ChatTarget

	// limit caps chat notices; a crash-looping task must not flood the chat.
	limit      *rate.Limiter
	suppressed atomic.Uint64
}

func newFailureNotifier(sender transport.Sender, log logx.Logger) *failureNotifier {
	return &failureNotifier{
		sender: sender,
		log:    log.With(logx.Comp("notify")),
		limit:  rate.NewLimiter(rate.Every(3*time.Second), 5),
	}
}

func (n *failureNotifier) setTarget(tc config.TelegramConfig) {
	n.mu.Lock()
	n.target = transport.ChatTarget{ChatID: tc.LogChatID, ThreadID: tc.LogThreadID}
	n.mu.Unlock()
}

func (n *failureNotifier) currentTarget() transport.ChatTarget {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.target
}

func (n *failureNotifier) run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			ev, ok := e.Data.(scheduler.TaskEvent)
			if !ok {
				continue
			}
			n.notify(ctx, ev)
		}
	}
}

func (n *failureNotifier) notify(ctx context.Context, ev scheduler.TaskEvent) {
	n.log.Debug("task failure notice",
		logx.Task(ev.Moniker),
		logx.Handler(ev.Handler),
		logx.String("class", ev.ErrorClass),
		logx.String("error", ev.ErrorMessage),
	)
	to := n.currentTarget()
	if to.ChatID == 0 {
		return
	}
	if !n.limit.Allow() {
		n.suppressed.Add(1)
		return
	}

	text := formatFailure(ev, n.suppressed.Swap(0))
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := n.sender.SendText(sctx, to, text, transport.HTML()); err != nil {
		n.log.Warn("failure notice not sent", logx.Task(ev.Moniker), logx.Err(err))
	}
}

func formatFailure(ev scheduler.TaskEvent, suppressed uint64) string {
	lines := []tgui.H{
		"❌ " + tgui.B(ev.Moniker) + " (" + tgui.Esc(ev.Handler) + ") failed",
		tgui.Code(ev.ErrorClass + ": " + ev.ErrorMessage),
	}
	if !ev.NextRun.IsZero() {
		lines = append(lines, tgui.KV("next run", ev.NextRun.UTC().Format(time.RFC3339)))
	}
	if suppressed > 0 {
		lines = append(lines, tgui.Esc(fmt.Sprintf("(%d earlier notices suppressed)", suppressed)))
	}
	return tgui.Lines(lines...).String()
}
