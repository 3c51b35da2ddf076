package engine

import (
	"context"
	"log/slog"
)

// Sender is the outbound half of the chat transport. The engine receives it
// at construction; there is no process-wide orchestrator lookup.
type Sender interface {
	// Send delivers a new message and returns an ID usable with Edit.
	Send(ctx context.Context, playerID, text string) (int64, error)

	// Edit replaces the text of a previously sent message. Streamed
	// partials arrive through here; edits are last-write-wins.
	Edit(ctx context.Context, playerID string, messageID int64, text string) error

	// SendChoices delivers a prompt with selectable buttons.
	SendChoices(ctx context.Context, playerID, prompt string, kind EventType, choices []Choice) error
}

// Notifier carries internal errors to an operator channel.
type Notifier interface {
	Notify(ctx context.Context, msg string, err error)
}

// LogNotifier reports internal errors through slog.
type LogNotifier struct{}

// Notify logs the internal error.
func (LogNotifier) Notify(_ context.Context, msg string, err error) {
	slog.Error("operator notification", "msg", msg, "error", err)
}
