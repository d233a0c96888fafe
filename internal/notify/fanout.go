package notify

import (
	"context"
	"errors"

	"creativeflow/internal/generation"
)

// Fanout delivers each event to several dispatchers in order.
type Fanout struct {
	dispatchers []generation.NotificationDispatcher
}

// NewFanout ignores nil dispatchers.
func NewFanout(dispatchers ...generation.NotificationDispatcher) *Fanout {
	f := &Fanout{}
	for _, d := range dispatchers {
		if d != nil {
			f.dispatchers = append(f.dispatchers, d)
		}
	}
	return f
}

// Notify forwards the event to every dispatcher, collecting errors so each one
// gets a chance to deliver.
func (f *Fanout) Notify(ctx context.Context, userID string, event generation.GenerationEvent) error {
	var errs []error
	for _, d := range f.dispatchers {
		if err := d.Notify(ctx, userID, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
