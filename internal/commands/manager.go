// Package commands dispatches chat commands to their handlers.
package commands

import (
	"context"
	"errors"
	"fmt"
	"html"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "taskbot/internal/runtime/supervisor"
	"taskbot/internal/transport"
	logx "taskbot/pkg/logx"
)

const defaultTimeout = 30 * time.Second

var ErrUnknownCommand = errors.New("unknown command")

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

// Request is one parsed command invocation.
type Request struct {
	Message *transport.Message
	Chat    transport.ChatTarget
	FromID  int64
	Command string

	// Args are the positional arguments; flags are parsed out.
	Args      []string
	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool

	Sender transport.Sender
	Log    logx.Logger
}

// Reply sends HTML text back to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Sender.SendText(ctx, r.Chat, text, transport.HTML())
	return err
}

// Manager routes updates to registered commands.
type Manager struct {
	mu     sync.RWMutex
	cmds   map[string]*Command
	alias  map[string]*Command
	order  []*Command
	owners []int64

	log    logx.Logger
	sender transport.Sender

	jobs chan func()
}

func NewManager(log logx.Logger, sender transport.Sender, owners []int64) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cmds:   map[string]*Command{},
		alias:  map[string]*Command{},
		owners: slices.Clone(owners),
		log:    log.With(logx.Comp("commands")),
		sender: sender,
		jobs:   make(chan func(), 256),
	}
}

// SetOwners updates the owner list used for AccessOwnerOnly checks.
// Safe to call during hot-reload.
func (m *Manager) SetOwners(owners []int64) {
	cp := slices.Clone(owners)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *Manager) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.owners, id)
}

// Register replaces the command set. /help is always added.
func (m *Manager) Register(cmds ...Command) {
	cmds = append(slices.Clone(cmds), Command{
		Name:        "help",
		Aliases:     []string{"h", "start"},
		Description: "show commands",
		Usage:       "/help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(req.Args))
		},
	})

	byName := map[string]*Command{}
	alias := map[string]*Command{}
	order := make([]*Command, 0, len(cmds))
	for i := range cmds {
		c := &cmds[i]
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		byName[name] = c
		order = append(order, c)
		for _, a := range c.Aliases {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
				alias[a] = c
			}
		}
	}
	slices.SortFunc(order, func(a, b *Command) int { return strings.Compare(a.Name, b.Name) })

	m.mu.Lock()
	m.cmds, m.alias, m.order = byName, alias, order
	m.mu.Unlock()
}

// Menu returns the command list for platform menus.
func (m *Manager) Menu() []transport.BotCommand {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]transport.BotCommand, 0, len(m.order))
	for _, c := range m.order {
		out = append(out, transport.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// UpdateMenu pushes Menu to the sender when it supports command menus.
func (m *Manager) UpdateMenu(ctx context.Context) {
	up, ok := m.sender.(transport.CommandMenuUpdater)
	if !ok {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := up.UpdateMenuCommands(cctx, m.Menu()); err != nil {
		m.log.Warn("menu update failed", logx.Err(err))
	}
}

func (m *Manager) lookup(name string) (*Command, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.cmds[name]; ok {
		return c, true
	}
	c, ok := m.alias[name]
	return c, ok
}

// Dispatch handles one update synchronously. Non-command messages are ignored.
func (m *Manager) Dispatch(ctx context.Context, up transport.Update) error {
	msg := up.Message
	if msg == nil {
		return nil
	}
	toks := tokenize(msg.Text)
	if len(toks) == 0 {
		return nil
	}
	name, ok := commandName(toks[0])
	if !ok {
		return nil
	}
	req := &Request{
		Message: msg,
		Chat:    msg.Origin(),
		FromID:  msg.FromID,
		Command: name,
		RawArgs: toks[1:],
		Sender:  m.sender,
		Log:     m.log.With(logx.String("cmd", name)),
	}
	req.Args, req.Flags, req.BoolFlags = parseFlags(req.RawArgs)

	c, ok := m.lookup(name)
	if !ok {
		_ = req.Reply(ctx, "Unknown command. Try <code>/help</code>.")
		return fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	if c.Access == AccessOwnerOnly && !m.isOwner(msg.FromID) {
		m.log.Warn("owner-only command denied", logx.String("cmd", name), logx.Int64("from", msg.FromID))
		return req.Reply(ctx, "This command is owner-only.")
	}
	req.Command = c.Name

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	h := Chain(c.Handle, MWPanicRecover(m.log), MWRequestLog(m.log), MWTimeout(timeout))
	if err := h(ctx, req); err != nil {
		text := html.EscapeString(err.Error())
		if errors.Is(err, errUsage) && c.Usage != "" {
			text = "usage: " + code(c.Usage)
		}
		_ = req.Reply(ctx, "⚠️ "+text)
		return err
	}
	return nil
}

// DispatchLoop consumes updates until ctx is done or updates is closed,
// handling them on a bounded pool of workers.
func (m *Manager) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	workers := max(runtime.NumCPU(), 2)
	sup := rtsup.New(ctx, rtsup.WithLogger(m.log), rtsup.WithCancelOnError(false))
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), 250*time.Millisecond, 5*time.Second, func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-m.jobs:
					m.runJob(idx, job)
				}
			}
		})
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = sup.Wait(wctx)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			job := func() { _ = m.Dispatch(sup.Context(), up) }
			select {
			case m.jobs <- job:
			default:
				m.log.Warn("command queue full, dropping update")
			}
		}
	}
}

func (m *Manager) runJob(worker int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}
