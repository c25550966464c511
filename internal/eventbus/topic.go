package eventbus

import (
	"context"
	"time"
)

// TopicDef binds a Topic to its payload type. Packages that own a payload
// declare the descriptor next to the type.
type TopicDef[T any] struct{ topic Topic }

// NewTopicDef creates a typed topic descriptor.
func NewTopicDef[T any](topic Topic) TopicDef[T] { return TopicDef[T]{topic: topic} }

// Topic returns the underlying topic name.
func (d TopicDef[T]) Topic() Topic { return d.topic }

// PublishOption customises the envelope built by Publish.
type PublishOption func(*Envelope)

// WithTimestamp overrides the envelope timestamp.
func WithTimestamp(ts time.Time) PublishOption {
	return func(env *Envelope) { env.Timestamp = ts }
}

// WithCorrelationID sets the envelope correlation id.
func WithCorrelationID(id string) PublishOption {
	return func(env *Envelope) { env.CorrelationID = id }
}

// Publish sends payload on the descriptor's topic. No-op on a nil bus.
func Publish[T any](ctx context.Context, bus *Bus, td TopicDef[T], source Source, payload T, opts ...PublishOption) {
	if bus == nil {
		return
	}
	env := Envelope{Topic: td.topic, Source: source, Payload: payload}
	for _, opt := range opts {
		opt(&env)
	}
	bus.publish(ctx, env)
}

// SubscribeTo creates a typed subscription for the descriptor.
func SubscribeTo[T any](bus *Bus, td TopicDef[T], opts ...SubscriptionOption) *TypedSubscription[T] {
	return Subscribe[T](bus, td.topic, opts...)
}
