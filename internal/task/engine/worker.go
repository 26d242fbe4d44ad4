package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "taskbot/pkg/logx"
)

// worker drains queue until ctx ends. Pending units left in the queue at
// cancellation are not run; their submitters see the context error.
func (s *Service) worker(ctx context.Context, queue <-chan unit) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-queue:
			s.inFlight.Add(1)
			s.run(ctx, u)
			s.inFlight.Add(-1)
			s.finish()
		}
	}
}

func (s *Service) run(ctx context.Context, u unit) {
	start := time.Now()
	queueDelay := max(start.Sub(u.enqueuedAt), 0)
	log := s.log.With(logx.Task(u.name), logx.String("run_id", u.id))

	var failure string
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.panics.Add(1)
				failure = fmt.Sprintf("panic: %v", r)
				log.Error("run panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		u.run(ctx)
	}()

	dur := time.Since(start)
	fields := []logx.Field{logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur)}
	if dur >= s.cfg.SlowRun {
		log.Info("slow run", fields...)
	} else {
		log.Trace("run done", fields...)
	}
	s.record(HistoryItem{ID: u.id, Name: u.name, Started: start, QueueDelay: queueDelay, Duration: dur, Error: failure})
}
