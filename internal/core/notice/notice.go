// Package notice delivers short user-visible messages (toasts).
package notice

import (
	"context"
	"log/slog"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is one user-visible message.
type Notice struct {
	Level       Level  `json:"level"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Notifier shows notices to the user.
type Notifier interface {
	Notify(n Notice)
}

// LogNotifier writes notices to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notice")}
}

func (n *LogNotifier) Notify(msg Notice) {
	level := slog.LevelInfo
	switch msg.Level {
	case LevelWarning:
		level = slog.LevelWarn
	case LevelError:
		level = slog.LevelError
	}
	n.logger.Log(context.Background(), level, msg.Title, "description", msg.Description, "level", string(msg.Level))
}

// Func adapts a function to Notifier.
type Func func(Notice)

func (f Func) Notify(n Notice) { f(n) }

// Nop drops every notice.
type Nop struct{}

func (Nop) Notify(Notice) {}
