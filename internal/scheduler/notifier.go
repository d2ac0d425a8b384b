package scheduler

import (
	"context"

	"antigravity/internal/logging"
)

// NotifyLevel classifies scheduler notifications.
type NotifyLevel string

const (
	NotifyHigh     NotifyLevel = "high"
	NotifyCritical NotifyLevel = "critical"
)

// Notifier receives task-failure and breaker notifications.
type Notifier interface {
	Notify(ctx context.Context, level NotifyLevel, title, message string)
}

// LogNotifier writes notifications to the component log. Used when no
// delivery channel is configured.
type LogNotifier struct {
	logger logging.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger logging.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.OrNop(logger)}
}

// Notify logs the notification at a level matching its severity.
func (n *LogNotifier) Notify(_ context.Context, level NotifyLevel, title, message string) {
	if level == NotifyCritical {
		n.logger.Error("NOTIFY [%s] %s: %s", level, title, message)
		return
	}
	n.logger.Warn("NOTIFY [%s] %s: %s", level, title, message)
}

// NopNotifier discards notifications. Used in tests.
type NopNotifier struct{}

// Notify is a no-op.
func (NopNotifier) Notify(context.Context, NotifyLevel, string, string) {}
