package notify

import (
	"context"
	"errors"
	"log/slog"
)

// Notifier delivers one message to an external channel.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// MultiNotifier fans a message out to every notifier. One failing channel
// does not stop the others; the errors are joined.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

func (m *MultiNotifier) Send(ctx context.Context, title, body string) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, title, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len reports how many notifiers are attached.
func (m *MultiNotifier) Len() int { return len(m.notifiers) }

// NoOpNotifier does nothing.
type NoOpNotifier struct{}

func (n *NoOpNotifier) Send(ctx context.Context, title, body string) error {
	return nil
}

// LogNotifier writes notifications to the logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l *LogNotifier) Send(_ context.Context, title, body string) error {
	l.Logger.Info("notification", "title", title, "body", body)
	return nil
}
