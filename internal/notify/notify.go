// Package notify delivers update pass reports and operational alerts to
// administrators over email and Telegram.
package notify

import (
	"context"
	"errors"

	"github.com/mybookshelf/pricewatch/internal/model"
)

// Notifier sends pass reports and alerts.
type Notifier interface {
	NotifyRun(ctx context.Context, summary model.RunSummary) error
	NotifyAlert(ctx context.Context, alert model.Alert) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) NotifyRun(context.Context, model.RunSummary) error { return nil }
func (Nop) NotifyAlert(context.Context, model.Alert) error    { return nil }

// Multi fans out to every notifier and joins their errors.
type Multi []Notifier

// NotifyRun sends the summary to every notifier.
func (m Multi) NotifyRun(ctx context.Context, summary model.RunSummary) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.NotifyRun(ctx, summary))
	}
	return errors.Join(errs...)
}

// NotifyAlert sends the alert to every notifier.
func (m Multi) NotifyAlert(ctx context.Context, alert model.Alert) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.NotifyAlert(ctx, alert))
	}
	return errors.Join(errs...)
}

// Combine returns the notifiers as one, or Nop when there are none.
func Combine(ns ...Notifier) Notifier {
	var out Multi
	for _, n := range ns {
		if n != nil {
			out = append(out, n)
		}
	}
	switch len(out) {
	case 0:
		return Nop{}
	case 1:
		return out[0]
	default:
		return out
	}
}
