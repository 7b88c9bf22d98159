package eventbus

import (
	"context"
	"time"

	"github.com/chris-alexander-pop/go-eventbus/pkg/errors"
)

// OutboundMessage is what the shared pipeline hands a BrokerOps implementation
// to send: an already-serialized body plus the metadata a broker-native
// header channel can carry (§4.E steps 4-7, §6 "Reserved headers").
type OutboundMessage struct {
	Body        []byte
	ContentType string
	Headers     map[string]string
	Expires     *time.Time
}

// InboundMessage is what a BrokerOps receive loop hands back to the shared
// pipeline: the raw body, its headers, and the disposition callbacks the
// pipeline invokes once the consumer has run (§4.E "ConsumeEntry" step 7).
type InboundMessage struct {
	Body        []byte
	ContentType string
	Headers     map[string]string

	// Ack confirms successful processing.
	Ack func(ctx context.Context) error
	// DeadLetter routes the message to its dead-letter destination,
	// broker-native where available or a shadow queue otherwise.
	DeadLetter func(ctx context.Context, reason string) error
	// Discard acknowledges without any further action.
	Discard func(ctx context.Context) error
	// Requeue negative-acks so the broker redelivers, when supported;
	// adapters that cannot requeue return ErrNotSupported and the
	// pipeline re-raises instead.
	Requeue func(ctx context.Context) error
}

// BrokerOps is the capability interface every concrete transport provides.
// It replaces "transports inherit from a base class" (§9) with composition:
// Runtime holds the shared pipeline (§4.E) and delegates the
// broker-specific verbs to one BrokerOps per transport name.
type BrokerOps interface {
	// Name identifies the transport, matching EventRegistration.TransportName.
	Name() string

	// ProvisionForRegistration creates whatever broker-native entities a
	// registration needs (topic, queue, subscription, exchange...) when
	// EnableEntityCreation is set. A no-op is valid when the broker assumes
	// the entity already exists (§4.F provisioning column).
	ProvisionForRegistration(ctx context.Context, reg *EventRegistration) error

	// SendOne publishes a single message, optionally scheduled for later
	// delivery. It returns the transport's scheduled marker, or an empty
	// string when scheduled was nil or the broker lacks native support.
	SendOne(ctx context.Context, reg *EventRegistration, msg OutboundMessage, scheduled *time.Time) (marker string, err error)

	// SendMany publishes a batch, mapped to a native batch API where the
	// broker has one and looped (with a logged warning) otherwise.
	SendMany(ctx context.Context, reg *EventRegistration, msgs []OutboundMessage, scheduled *time.Time) (markers []string, err error)

	// Cancel withdraws a previously scheduled publish identified by marker.
	// Returns ErrNotSupported when the transport cannot schedule/cancel.
	Cancel(ctx context.Context, reg *EventRegistration, marker string) error

	// StartReceive begins delivering messages bound for reg to handle,
	// blocking only long enough to confirm the receive loop is running; the
	// loop itself runs on a background goroutine owned by the transport and
	// must wait on gate before dispatching its first message.
	StartReceive(ctx context.Context, reg *EventRegistration, gate *ReadinessGate, handle func(context.Context, InboundMessage)) error

	// StopReceive signals the receive loop to drain and stop, waiting up to
	// the deadline carried by ctx.
	StopReceive(ctx context.Context, reg *EventRegistration) error

	// CheckHealth reports whether this transport can currently reach its
	// broker.
	CheckHealth(ctx context.Context) error
}

// NameLimiter is implemented by a BrokerOps whose broker enforces a ceiling
// on entity name length (e.g. Service Bus's 50 characters). Freeze checks
// every derived name against it before any traffic flows (§6); a transport
// with no ceiling simply doesn't implement this interface.
type NameLimiter interface {
	// NameLimit returns the maximum character length for a derived event or
	// consumer name. Zero or negative means unlimited.
	NameLimit() int
}

// IsNotSupported reports whether err is the CodeNotSupported error a
// BrokerOps method returns for an operation it does not implement
// (scheduled publish, cancel, requeue).
func IsNotSupported(err error) bool {
	return errors.Is(err, CodeNotSupported)
}
