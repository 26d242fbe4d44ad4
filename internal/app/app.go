package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"taskbot/internal/commands"
	"taskbot/internal/config"
	"taskbot/internal/eventbus"
	rtsup "taskbot/internal/runtime/supervisor"
	"taskbot/internal/task/engine"
	"taskbot/internal/task/handlers"
	"taskbot/internal/task/scheduler"
	"taskbot/internal/task/store"
	"taskbot/internal/transport"
	"taskbot/internal/transport/telegram"
	logx "taskbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	now  func() time.Time

	store  store.Store
	pstore *store.Persistent
	engine *engine.Service
	sched  *scheduler.Scheduler

	adapter transport.Adapter
	cmdm    *commands.Manager
	notices *failureNotifier

	settings config.SchedulerSettings
	updates  chan transport.Update
}

// Option customizes New.
type Option func(*options)

type options struct {
	adapter transport.Adapter
	now     func() time.Time
}

// WithAdapter replaces the telegram adapter built from the config.
func WithAdapter(a transport.Adapter) Option {
	return func(o *options) { o.adapter = a }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// New loads the config and wires every component. Nothing runs until Start.
func New(cfgPath string, opts ...Option) (_ *App, err error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	settings, err := cfg.Scheduler.Resolve()
	if err != nil {
		return nil, err
	}

	logSvc, base := logx.New(cfg.LogConfig())
	defer func() {
		if err != nil {
			_ = logSvc.Close()
		}
	}()
	cfgm.SetLogger(base)
	log := base.With(logx.Comp("app"))

	st, ps, err := openStore(context.Background(), cfg, base)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil && ps != nil {
			_ = ps.Close(context.Background())
		}
	}()

	ad := o.adapter
	if ad == nil {
		pollTimeout, err := cfg.PollTimeout()
		if err != nil {
			return nil, err
		}
		tg, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: pollTimeout,
		}, base)
		if err != nil {
			return nil, err
		}
		ad = tg
	}

	bus := eventbus.New()
	eng := engine.New(engine.Config{Workers: settings.Workers, HistorySize: settings.HistorySize}, base)
	sched := scheduler.New(st, eng,
		scheduler.WithLogger(base),
		scheduler.WithBus(bus),
		scheduler.WithIdleThrottle(settings.IdleThrottle),
		scheduler.WithProgressDebounce(settings.ProgressDebounce),
		scheduler.WithClock(o.now),
		scheduler.WithStartPaused(settings.Paused),
	)
	for _, h := range []scheduler.Handler{
		handlers.NewReminder(ad),
		handlers.NewCleanup(sched, o.now, base),
	} {
		if _, err := sched.RegisterHandler(h); err != nil {
			return nil, err
		}
	}

	cmdm := commands.NewManager(base, ad, cfg.Telegram.OwnerUserIDs)
	cmdm.Register(commands.TaskCommands(sched, o.now)...)

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		now:      o.now,
		store:    st,
		pstore:   ps,
		engine:   eng,
		sched:    sched,
		adapter:  ad,
		cmdm:     cmdm,
		notices:  newFailureNotifier(ad, base),
		settings: settings,
		updates:  make(chan transport.Update, 256),
	}, nil
}

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

func (a *App) Commands() *commands.Manager { return a.cmdm }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	// The engine outlives the app context so Stop can drain running tasks.
	a.engine.Start(context.WithoutCancel(a.sup.Context()))

	cfg := a.cfgm.Get()
	if err := ensureCleanup(a.sched, cfg, a.now(), a.log); err != nil {
		return fmt.Errorf("cleanup task: %w", err)
	}
	if err := a.sched.Startup(a.sup.Context()); err != nil {
		return err
	}

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.cmdm.UpdateMenu(a.sup.Context())

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	a.notices.setTarget(cfg.Telegram)
	failures, unsubFailures := a.bus.Subscribe(64, scheduler.EventFailed)
	a.sup.Go0("task.failures", func(c context.Context) {
		defer unsubFailures()
		a.notices.run(c, failures)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Keep this debug-level to avoid noise for frequent schedules.
				fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
				if ev, ok := e.Data.(scheduler.TaskEvent); ok {
					fields = append(fields, logx.Task(ev.Moniker), logx.Handler(ev.Handler))
				}
				a.log.Debug("event", fields...)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := cfg
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("workers", a.settings.Workers),
		logx.Int("tasks", len(a.store.All())),
		logx.Bool("paused", a.sched.Paused()),
	)
	return nil
}

// applyConfig applies the live parts of a reloaded config.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	if err := a.logs.Apply(newCfg.LogConfig()); err != nil {
		a.log.Warn("log file disabled", logx.Err(err))
	}
	a.cmdm.SetOwners(newCfg.Telegram.OwnerUserIDs)
	a.notices.setTarget(newCfg.Telegram)
	// Only an edited flag overrides /pause and /resume.
	if oldCfg.Scheduler.Paused != newCfg.Scheduler.Paused {
		if newCfg.Scheduler.Paused {
			a.sched.Pause()
		} else {
			a.sched.Resume()
		}
	}
	if err := ensureCleanup(a.sched, newCfg, a.now(), a.log); err != nil {
		a.log.Warn("cleanup task not updated", logx.Err(err))
	}

	if restart := config.RestartRequired(oldCfg, newCfg); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

// Stop shuts every component down in dependency order and returns the
// aggregated errors. Running tasks get the scheduler shutdown timeout to
// finish before their contexts are cancelled.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	var merr *multierror.Error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", name, err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("adapter", 2*time.Second, a.adapter.Stop)
	step("scheduler", a.settings.ShutdownTimeout, a.sched.Shutdown)
	if a.pstore != nil {
		step("storage", 2*time.Second, a.pstore.Close)
	}
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped", logx.Uint64("events_dropped", eventbus.Dropped(a.bus)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return merr.ErrorOrNil()
}
