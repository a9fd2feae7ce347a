// Package events delivers committed stop arrivals to subscribers outside the
// tracking service: NATS for other backends and a websocket stream for
// rider-facing clients.
package events

import (
	"context"
	"errors"

	"shuttle-tracker/internal/models"
	"shuttle-tracker/internal/tracking"
)

// Multi fans an arrival out to every publisher and joins their errors
type Multi []tracking.ArrivalPublisher

// PublishArrival sends to every publisher and joins their errors
func (m Multi) PublishArrival(ctx context.Context, arrival models.StopArrival) error {
	var errs []error
	for _, p := range m {
		if err := p.PublishArrival(ctx, arrival); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
