package realtime

import (
	"context"
	"errors"
)

// Handler receives the raw JSON payload of one event.
type Handler func(data []byte)

// Channel is a subscribed broker channel that events can be bound on.
type Channel interface {
	Bind(event string, h Handler)
	UnbindAll()
}

// Broker is the client side of the pub/sub transport. ack is invoked once
// the broker confirms or rejects the subscription. It must not be invoked
// before Subscribe has returned.
type Broker interface {
	Subscribe(name string, ack func(error)) Channel
	Unsubscribe(name string)
}

// Publisher is the server side of the pub/sub transport.
type Publisher interface {
	Publish(ctx context.Context, channel, event string, payload any) error
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, string, any) error { return nil }

// Publishers fans every event out to each publisher in order and joins their errors.
type Publishers []Publisher

func (ps Publishers) Publish(ctx context.Context, channel, event string, payload any) error {
	var errs []error
	for _, p := range ps {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, channel, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
