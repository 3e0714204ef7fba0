// Package notify pages a human operator. Notifications are sent on every H0
// violation, every renaissance cycle and every lock transition.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Kind classifies a notification.
type Kind string

const (
	KindH0Violation Kind = "h0_violation"
	KindRenaissance Kind = "renaissance"
	KindLock        Kind = "lock"
	KindUnlock      Kind = "unlock"
	KindOverride    Kind = "override"
)

// Notification is one operator page.
type Notification struct {
	Kind    Kind           `json:"kind"`
	Subject string         `json:"subject"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
	At      time.Time      `json:"at"`
}

// Notifier delivers notifications to an operator.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to slog at WARN.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(l *slog.Logger) *LogNotifier {
	if l == nil {
		l = slog.Default()
	}
	return &LogNotifier{log: l.With("component", "notify")}
}

func (n *LogNotifier) Notify(ctx context.Context, note Notification) error {
	attrs := []any{"kind", note.Kind, "subject", note.Subject}
	for k, v := range note.Fields {
		attrs = append(attrs, k, v)
	}
	n.log.WarnContext(ctx, note.Message, attrs...)
	return nil
}

// Multi delivers to every notifier and joins their errors.
func Multi(ns ...Notifier) Notifier { return multi(ns) }

type multi []Notifier

func (m multi) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps notifications in memory. Tests use it to assert paging.
type Recorder struct {
	ch chan Notification
}

func NewRecorder(capacity int) *Recorder {
	return &Recorder{ch: make(chan Notification, capacity)}
}

func (r *Recorder) Notify(_ context.Context, note Notification) error {
	select {
	case r.ch <- note:
		return nil
	default:
		return errors.New("notify: recorder full")
	}
}

// Drain returns every notification received so far.
func (r *Recorder) Drain() []Notification {
	var out []Notification
	for {
		select {
		case n := <-r.ch:
			out = append(out, n)
		default:
			return out
		}
	}
}
