package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"taskbot/internal/runtime/supervisor"
	"taskbot/internal/storage"
	"taskbot/internal/task"
	logx "taskbot/pkg/logx"
)

const defaultSaveDebounce = 500 * time.Millisecond

// snapshot is the persisted form of the whole store.
type snapshot struct {
	Saved int64       `json:"saved"`
	Tasks []task.Task `json:"tasks"`
}

// Persistent is a Memory store that saves itself through a storage.Persister.
//
// Every successful mutation marks the store dirty. A background saver writes
// the full snapshot at most once per debounce interval. Tasks found RUNNING on
// load are demoted to SCHEDULED since no worker survives a restart.
type Persistent struct {
	mem *Memory
	p   storage.Persister
	log logx.Logger

	debounce time.Duration
	now      func() time.Time

	dirty atomic.Bool
	kick  chan struct{}
	sup   *supervisor.Supervisor

	saveMu  sync.Mutex
	errMu   sync.Mutex
	lastErr error

	closeOnce sync.Once
	closeErr  error
}

var _ Store = (*Persistent)(nil)

type PersistentOption func(*Persistent)

func WithLogger(log logx.Logger) PersistentOption {
	return func(p *Persistent) { p.log = log }
}

func WithSaveDebounce(d time.Duration) PersistentOption {
	return func(p *Persistent) {
		if d > 0 {
			p.debounce = d
		}
	}
}

func WithClock(now func() time.Time) PersistentOption {
	return func(p *Persistent) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPersistent loads the saved snapshot, if any, and starts the saver. The
// saver stops when ctx is cancelled or Close is called.
func NewPersistent(ctx context.Context, p storage.Persister, opts ...PersistentOption) (*Persistent, error) {
	if p == nil {
		return nil, storage.ErrDisabled
	}
	ps := &Persistent{
		p:        p,
		debounce: defaultSaveDebounce,
		now:      time.Now,
		kick:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(ps)
	}
	if ps.log.IsZero() {
		ps.log = logx.Nop()
	}
	ps.mem = NewMemory(ps.log)
	ps.log = ps.log.With(logx.Comp("task.store.persist"))

	if err := ps.load(ctx); err != nil {
		return nil, err
	}

	ps.sup = supervisor.New(ctx, supervisor.WithLogger(ps.log))
	ps.sup.Go0("store.saver", ps.saveLoop)
	if ps.dirty.Load() {
		ps.signal()
	}
	return ps, nil
}

func (ps *Persistent) load(ctx context.Context) error {
	b, err := ps.p.Load(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	if len(b) == 0 {
		return nil
	}
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return fmt.Errorf("decode tasks: %w", err)
	}
	demoted := 0
	for _, t := range snap.Tasks {
		if t.State == task.Running {
			t.State = task.Scheduled
			demoted++
		}
		if _, err := ps.mem.NewTask(t); err != nil {
			ps.log.Warn("skipping saved task", logx.Task(t.Moniker), logx.Err(err))
		}
	}
	if demoted > 0 {
		ps.dirty.Store(true)
		ps.log.Info("demoted interrupted tasks", logx.Int("count", demoted))
	}
	ps.log.Info("tasks loaded", logx.Int("count", len(snap.Tasks)), logx.Time("saved", time.UnixMilli(snap.Saved)))
	return nil
}

func (ps *Persistent) NewTask(t task.Task) (*Record, error) {
	r, err := ps.mem.NewTask(t)
	if err == nil {
		ps.markDirty()
	}
	return r, err
}

func (ps *Persistent) Find(moniker string) (*Record, bool) { return ps.mem.Find(moniker) }

func (ps *Persistent) CAS(old *Record, t task.Task) (*Record, error) {
	r, err := ps.mem.CAS(old, t)
	if err == nil {
		ps.markDirty()
	}
	return r, err
}

func (ps *Persistent) Reload(r *Record) (*Record, bool) { return ps.mem.Reload(r) }

func (ps *Persistent) Remove(moniker string) bool {
	ok := ps.mem.Remove(moniker)
	if ok {
		ps.markDirty()
	}
	return ok
}

func (ps *Persistent) ListScheduled(f ListFilter) iter.Seq[*Record] { return ps.mem.ListScheduled(f) }

func (ps *Persistent) ListScheduledToNeverRun() iter.Seq[*Record] {
	return ps.mem.ListScheduledToNeverRun()
}

func (ps *Persistent) All() []*Record { return ps.mem.All() }

func (ps *Persistent) markDirty() {
	ps.dirty.Store(true)
	ps.signal()
}

func (ps *Persistent) signal() {
	select {
	case ps.kick <- struct{}{}:
	default:
	}
}

func (ps *Persistent) saveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ps.kick:
		}
		// Collect the burst of changes that follows the first one.
		select {
		case <-ctx.Done():
			return
		case <-time.After(ps.debounce):
		}
		if !ps.dirty.Load() {
			continue
		}
		if err := ps.save(ctx); err != nil {
			ps.log.Error("saving tasks failed", logx.Err(err))
			// Retry on the next tick.
			ps.signal()
		}
	}
}

// Flush saves the current state immediately and returns the save error.
func (ps *Persistent) Flush(ctx context.Context) error { return ps.save(ctx) }

func (ps *Persistent) save(ctx context.Context) error {
	ps.saveMu.Lock()
	defer ps.saveMu.Unlock()

	ps.dirty.Store(false)
	recs := ps.mem.All()
	snap := snapshot{Saved: ps.now().UnixMilli(), Tasks: make([]task.Task, 0, len(recs))}
	for _, r := range recs {
		snap.Tasks = append(snap.Tasks, r.Task())
	}
	b, err := json.Marshal(snap)
	if err == nil {
		err = ps.p.Save(ctx, b)
	}
	if err != nil {
		ps.dirty.Store(true)
	}
	ps.errMu.Lock()
	ps.lastErr = err
	ps.errMu.Unlock()
	return err
}

// Err returns the error of the most recent save, or nil.
func (ps *Persistent) Err() error {
	ps.errMu.Lock()
	defer ps.errMu.Unlock()
	return ps.lastErr
}

// Close stops the saver, writes a final snapshot and closes the persister.
func (ps *Persistent) Close(ctx context.Context) error {
	ps.closeOnce.Do(func() {
		var merr *multierror.Error
		if err := ps.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			merr = multierror.Append(merr, err)
		}
		if err := ps.save(ctx); err != nil {
			merr = multierror.Append(merr, err)
		}
		if err := ps.p.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
		ps.closeErr = merr.ErrorOrNil()
	})
	return ps.closeErr
}
