package publish

import (
	"context"
	"slices"

	"publisher/internal/eventbus"
)

// BusInvalidator announces freshly published locations on the event bus;
// caches in front of the published tree subscribe to drop them.
type BusInvalidator struct {
	Bus eventbus.Bus
}

func (b BusInvalidator) Invalidate(ctx context.Context, uris []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.Bus != nil {
		b.Bus.Publish(eventbus.Event{Type: eventbus.ContentInvalidated, Data: slices.Clone(uris)})
	}
	return nil
}
