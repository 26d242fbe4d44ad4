// Package transport defines the chat-facing types shared by the command
// dispatcher, the failure notifier and the reminder handler.
package transport

import "context"

// ParseModeHTML marks text as Telegram HTML.
const ParseModeHTML = "HTML"

// ChatTarget addresses a chat, or a forum topic inside one when ThreadID is set.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// Message is an incoming text message.
type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int
	FromID       int64
	FromUsername string
	Text         string
}

// Origin is where replies to m go.
func (m *Message) Origin() ChatTarget {
	return ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
}

// Update is one item from the adapter's receive loop. Only text messages are
// forwarded.
type Update struct {
	Message *Message
}

// MessageRef identifies a sent message.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// HTML returns options for an HTML message without link previews.
func HTML() *SendOptions {
	return &SendOptions{ParseMode: ParseModeHTML, DisablePreview: true}
}

// Sender delivers text to a chat. Long text may be split into several
// messages; the ref of the first one is returned.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Adapter is a chat platform connection. Start pushes updates to out until
// Stop is called or ctx ends.
type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// BotCommand is one entry in the platform command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
