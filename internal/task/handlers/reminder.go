package handlers

import (
	"context"
	"errors"
	"strings"

	"taskbot/internal/task/scheduler"
	"taskbot/internal/transport"
)

const ReminderMoniker = "reminder"

var ErrEmptyReminder = errors.New("reminder text is empty")

type ReminderParams struct {
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	Text     string `json:"text"`
}

type ReminderCheckpoint struct {
	Sent int `json:"sent"`
}

// NewReminder returns a handler that posts the task's text to its chat.
func NewReminder(s transport.Sender) scheduler.Handler {
	return scheduler.NewHandler(ReminderMoniker, func(ctx context.Context, c *scheduler.TypedContext[ReminderParams, ReminderCheckpoint]) error {
		p := c.Params()
		if strings.TrimSpace(p.Text) == "" {
			return ErrEmptyReminder
		}
		to := transport.ChatTarget{ChatID: p.ChatID, ThreadID: p.ThreadID}
		if _, err := s.SendText(ctx, to, p.Text, &transport.SendOptions{DisablePreview: true}); err != nil {
			return err
		}
		prev, _ := c.Checkpoint()
		return c.SetCheckpoint(ReminderCheckpoint{Sent: prev.Sent + 1})
	})
}
