package eventbus

import (
	"context"
	"time"
)

// Publisher is the user-facing entry point of §4.H: it wraps raw payloads
// into fresh Context instances (no carried correlation) and forwards to the
// bus. It holds no state of its own.
type Publisher[T any] struct {
	bus *Bus
}

// NewPublisher returns a Publisher bound to bus for payload type T.
func NewPublisher[T any](bus *Bus) *Publisher[T] {
	return &Publisher[T]{bus: bus}
}

// Publish wraps payload into a fresh Context and publishes it, optionally
// scheduled for later delivery.
func (p *Publisher[T]) Publish(ctx context.Context, payload T, scheduled *time.Time) (string, error) {
	return Publish(ctx, p.bus, NewContext(payload), scheduled)
}

// PublishBatch wraps each payload into a fresh Context and publishes them
// together via the transport's batch API where available.
func (p *Publisher[T]) PublishBatch(ctx context.Context, payloads []T, scheduled *time.Time) ([]string, error) {
	contexts := make([]*Context[T], len(payloads))
	for i, payload := range payloads {
		contexts[i] = NewContext(payload)
	}
	return PublishMany(ctx, p.bus, contexts, scheduled)
}

// Cancel withdraws a previously scheduled publish for T.
func (p *Publisher[T]) Cancel(ctx context.Context, marker string) error {
	return Cancel[T](ctx, p.bus, marker)
}
