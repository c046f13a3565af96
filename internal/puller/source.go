package puller

import "context"

// Delivery is one message received from a subscription.
type Delivery interface {
	Body() []byte
	Ack() error
	Nack(requeue bool) error
}

// Subscription is an open stream of deliveries. The channel closes when the
// stream ends; Err then reports why, or nil after Close.
type Subscription interface {
	Deliveries() <-chan Delivery
	Err() error
	Close() error
}

// Source opens subscriptions on a message endpoint.
type Source interface {
	Open(ctx context.Context, endpoint, subscriptionID string) (Subscription, error)
}

// Handler processes the body of one delivery. A nil return acks it; an
// invalid-event error drops it; any other error requeues it.
type Handler func(ctx context.Context, body []byte) error
