package eventbus

import (
	"encoding/json"
	"time"
)

// Envelope is the transport-agnostic wire model every Serializer reads and
// writes. Event carries the typed payload as raw JSON so the envelope can
// be (de)serialized without knowing the payload type; the dispatch
// pipeline unmarshals Event into the consumer's declared type.
type Envelope struct {
	Id             string            `json:"id"`
	RequestId      string            `json:"requestId,omitempty"`
	CorrelationId  string            `json:"correlationId,omitempty"`
	ConversationId string            `json:"conversationId,omitempty"`
	InitiatorId    string            `json:"initiatorId,omitempty"`
	Sent           *time.Time        `json:"sent,omitempty"`
	Expires        *time.Time        `json:"expires,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Event          json.RawMessage   `json:"event"`
}

// Context carries a typed event payload through publish and consume along
// with correlation metadata (§4.D).
type Context[T any] struct {
	Id             string
	RequestId      string
	CorrelationId  string
	ConversationId string
	InitiatorId    string
	Expires        *time.Time
	Sent           *time.Time
	Headers        map[string]string
	Event          T

	bus *Bus
}

// NewContext wraps a payload into a fresh Context with no carried
// correlation, as used by the Publisher surface (§4.H).
func NewContext[T any](event T) *Context[T] {
	return &Context[T]{Event: event, Headers: map[string]string{}}
}

// bind attaches the bus that produced or is about to publish this context.
// It is an internal hook: callers never call it directly.
func (c *Context[T]) bind(b *Bus) {
	c.bus = b
}

// Bus returns the bus instance this context is bound to, or nil if the
// context was never published or consumed through one.
func (c *Context[T]) Bus() *Bus {
	return c.bus
}

// Republish derives a fresh Context for a new payload whose CorrelationId
// is this context's Id, linking the two in conversation (§4.D). It never
// mutates the receiving context.
func Republish[TIn any, TOut any](c *Context[TIn], event TOut) *Context[TOut] {
	out := NewContext(event)
	out.CorrelationId = c.Id
	out.ConversationId = c.ConversationId
	out.bus = c.bus
	return out
}

// toEnvelope renders c into the wire envelope, marshaling Event to JSON.
func toEnvelope[T any](c *Context[T]) (*Envelope, error) {
	raw, err := json.Marshal(c.Event)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Id:             c.Id,
		RequestId:      c.RequestId,
		CorrelationId:  c.CorrelationId,
		ConversationId: c.ConversationId,
		InitiatorId:    c.InitiatorId,
		Sent:           c.Sent,
		Expires:        c.Expires,
		Headers:        c.Headers,
		Event:          raw,
	}, nil
}

// fromEnvelope reconstructs a typed Context from a wire envelope.
func fromEnvelope[T any](env *Envelope) (*Context[T], error) {
	var event T
	if len(env.Event) > 0 {
		if err := json.Unmarshal(env.Event, &event); err != nil {
			return nil, err
		}
	}
	headers := env.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	return &Context[T]{
		Id:             env.Id,
		RequestId:      env.RequestId,
		CorrelationId:  env.CorrelationId,
		ConversationId: env.ConversationId,
		InitiatorId:    env.InitiatorId,
		Expires:        env.Expires,
		Sent:           env.Sent,
		Headers:        headers,
		Event:          event,
	}, nil
}
