// Package notify routes operationally significant events to notification
// transports. The router decides what is worth telling a human and how
// urgently; delivery (email, chat, pager) is the transport's concern, as is
// any batching or rate limiting.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Priority grades how urgently a notification needs human eyes.
type Priority string

const (
	// PriorityCritical is for conditions that stop or endanger trading:
	// circuit breaker trips, component failures, positions that cannot be
	// flattened.
	PriorityCritical Priority = "CRITICAL"
	// PriorityWarning is for degraded operation the system is coping with.
	PriorityWarning Priority = "WARNING"
	// PriorityInfo is for protective actions already taken; awareness only.
	PriorityInfo Priority = "INFO"
)

// Notification is one routed message.
type Notification struct {
	Priority  Priority
	Component string // originating component, e.g. "execution", "position"
	Title     string
	Detail    string
	At        time.Time
}

// Notifier delivers notifications. Implementations must be safe for
// concurrent use; a returned error is logged by the router and never blocks
// another transport.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the structured log, mapping priority
// to level. It is the default transport and the floor every deployment has.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notify")}
}

func (l *LogNotifier) Send(ctx context.Context, n Notification) error {
	attrs := []any{
		"priority", string(n.Priority),
		"source", n.Component,
		"detail", n.Detail,
	}
	switch n.Priority {
	case PriorityCritical:
		l.logger.Error(n.Title, attrs...)
	case PriorityWarning:
		l.logger.Warn(n.Title, attrs...)
	default:
		l.logger.Info(n.Title, attrs...)
	}
	return nil
}
