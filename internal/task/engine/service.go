package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	rtsup "taskbot/internal/runtime/supervisor"
	logx "taskbot/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is a bounded worker pool.
//
// Capacity is counted in submitted units: a unit holds a slot from Submit until
// it returns. Submit never blocks; it fails with ErrNoCapacity when every slot
// is taken.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	q        chan unit
	sup      *rtsup.Supervisor
	stopping bool
	idle     chan struct{}

	pending  atomic.Int32
	inFlight atomic.Int32
	rejected atomic.Uint64
	panics   atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem

	lastRejectWarnAt atomic.Int64
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg.withDefaults(),
		log: log.With(logx.Comp("task.engine")),
	}
}

// Start launches the workers. It is a no-op while the pool is running.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.q != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.q = make(chan unit, cfg.Workers)
	s.idle = make(chan struct{}, 1)
	s.stopping = false
	s.pending.Store(0)
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	queue, sup := s.q, s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		// Workers only return on cancellation; anything else is restarted.
		sup.GoRestart(fmt.Sprintf("worker.%d", i), 250*time.Millisecond, 5*time.Second, func(c context.Context) error {
			return s.worker(c, queue)
		})
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers))
}

// Workers returns the configured pool size.
func (s *Service) Workers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Workers
}

// Available returns the number of units that could be submitted right now.
func (s *Service) Available() int {
	s.mu.Lock()
	running := s.q != nil && !s.stopping
	workers := s.cfg.Workers
	s.mu.Unlock()
	if !running {
		return 0
	}
	n := workers - int(s.pending.Load())
	if n < 0 {
		return 0
	}
	return n
}

// Submit hands run to a free worker without blocking.
func (s *Service) Submit(name string, run func(ctx context.Context)) error {
	if run == nil {
		return fmt.Errorf("unit run func is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("unit name is required")
	}

	s.mu.Lock()
	q := s.q
	stopping := s.stopping
	workers := s.cfg.Workers
	s.mu.Unlock()

	if q == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}
	if int(s.pending.Add(1)) > workers {
		s.pending.Add(-1)
		s.onRejected(name)
		return ErrNoCapacity
	}
	u := unit{id: uuid.NewString(), name: name, run: run, enqueuedAt: time.Now()}
	select {
	case q <- u:
		return nil
	default:
		s.finish()
		s.onRejected(name)
		return ErrNoCapacity
	}
}

// Shutdown stops accepting units and waits for submitted ones to finish. When
// ctx ends first the remaining units are cancelled.
func (s *Service) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.q == nil {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	idle := s.idle
	s.mu.Unlock()

	var err error
drain:
	for s.pending.Load() > 0 {
		select {
		case <-idle:
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			err = ctx.Err()
			s.log.Warn("task engine drain timed out, cancelling units", logx.Int("pending", int(s.pending.Load())))
			break drain
		}
	}
	s.stop(ctx)
	if err == nil {
		s.log.Info("task engine stopped")
	}
	return err
}

// Close cancels every running unit and stops the workers without waiting.
func (s *Service) Close() {
	s.mu.Lock()
	sup := s.sup
	s.stopping = true
	s.mu.Unlock()
	if sup != nil {
		sup.Cancel()
	}
}

func (s *Service) stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup != nil {
		sup.Cancel()
		// Units ignoring cancellation may outlive the wait; the caller's deadline wins.
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		_ = sup.Wait(wctx)
		cancel()
	}
	s.mu.Lock()
	s.q = nil
	s.sup = nil
	s.mu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	running := s.q != nil
	stopping := s.stopping
	workers := s.cfg.Workers
	s.mu.Unlock()

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Running:   running,
		Stopping:  stopping,
		Workers:   workers,
		Pending:   int(s.pending.Load()),
		InFlight:  int(s.inFlight.Load()),
		Available: s.Available(),
		Rejected:  s.rejected.Load(),
		Panics:    s.panics.Load(),
		History:   h,
	}
}

// finish releases the slot held by one unit.
func (s *Service) finish() {
	if s.pending.Add(-1) > 0 {
		return
	}
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	if idle == nil {
		return
	}
	select {
	case idle <- struct{}{}:
	default:
	}
}

func (s *Service) shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}

func (s *Service) onRejected(name string) {
	s.rejected.Add(1)
	if s.shouldWarn(&s.lastRejectWarnAt, time.Now()) {
		s.log.Warn("unit rejected: no free worker",
			logx.String("unit", name),
			logx.Int("pending", int(s.pending.Load())),
			logx.Uint64("rejected", s.rejected.Load()),
		)
	}
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}
