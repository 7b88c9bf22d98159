package eventbus

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/chris-alexander-pop/go-eventbus/pkg/errors"
)

// EntityKind distinguishes a broadcast topic from a point-to-point queue
// (§3 "EventRegistration").
type EntityKind int

const (
	EntityKindQueue EntityKind = iota
	EntityKindTopic
)

// UnhandledErrorBehavior controls what happens to a message whose consumer
// invocation failed (§3 "EventConsumerRegistration").
type UnhandledErrorBehavior string

const (
	DeadLetter UnhandledErrorBehavior = "deadletter"
	Discard    UnhandledErrorBehavior = "discard"
	Fail       UnhandledErrorBehavior = "fail"
)

// dispatchFunc is the registration-time closure that deserializes a raw
// envelope into the consumer's declared event type and invokes it,
// replacing the reflection-based generic dispatch of the original design
// (§9 "Reflection-based generic dispatch").
type dispatchFunc func(ctx context.Context, env *Envelope, bus *Bus) error

// EventConsumerRegistration binds a consumer type to a consumer name and
// error-handling policy under one EventRegistration (§3).
type EventConsumerRegistration struct {
	ConsumerType           reflect.Type
	ConsumerName           string
	UnhandledErrorBehavior UnhandledErrorBehavior
	NameOverride           string

	dispatch dispatchFunc
}

// EventRegistration is the configured binding from an event payload shape
// to a wire name, transport, serializer, and set of consumers (§3).
type EventRegistration struct {
	EventType           reflect.Type
	EventName           string
	TransportName       string
	EntityKind          EntityKind
	EventSerializerType string
	Serializer          Serializer
	Consumers           []*EventConsumerRegistration
	NameOverride         string

	mu     sync.Mutex
	frozen bool
}

// RegistrationOption customizes a call to Register.
type RegistrationOption func(*EventRegistration)

// WithNameOverride sets a raw event-name override (§4.A "Attribute overrides").
func WithNameOverride(name string) RegistrationOption {
	return func(r *EventRegistration) { r.NameOverride = name }
}

// WithSerializer names a non-default serializer type for this registration.
func WithSerializer(name string, s Serializer) RegistrationOption {
	return func(r *EventRegistration) {
		r.EventSerializerType = name
		r.Serializer = s
	}
}

// ConsumerOption customizes a call to AddConsumer.
type ConsumerOption func(*EventConsumerRegistration)

// WithConsumerNameOverride sets a raw consumer-name override.
func WithConsumerNameOverride(name string) ConsumerOption {
	return func(c *EventConsumerRegistration) { c.NameOverride = name }
}

// WithUnhandledErrorBehavior overrides the store-wide default for one consumer.
func WithUnhandledErrorBehavior(b UnhandledErrorBehavior) ConsumerOption {
	return func(c *EventConsumerRegistration) { c.UnhandledErrorBehavior = b }
}

// Store holds EventRegistrations and resolves them by event type or
// transport (§4.B). It is written only during configuration and frozen
// (read-only) thereafter.
type Store struct {
	mu       sync.RWMutex
	byType   map[reflect.Type]*EventRegistration
	order    []*EventRegistration
	frozen   atomic.Bool
	defaultBehavior UnhandledErrorBehavior
}

// NewStore creates an empty registration store.
func NewStore() *Store {
	return &Store{
		byType:          make(map[reflect.Type]*EventRegistration),
		defaultBehavior: DeadLetter,
	}
}

// SetDefaultUnhandledErrorBehavior sets the behavior new consumers receive
// when none is explicitly supplied (bus-wide config surface, §6).
func (s *Store) SetDefaultUnhandledErrorBehavior(b UnhandledErrorBehavior) {
	s.defaultBehavior = b
}

func eventType[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Register binds the event type T to a transport and entity kind,
// creating the registration if it does not already exist (idempotent per
// event type, §4.B).
func Register[T any](s *Store, transportName string, kind EntityKind, opts ...RegistrationOption) (*EventRegistration, error) {
	if s.frozen.Load() {
		return nil, errors.New(CodeAlreadyFrozen, "cannot register after Freeze", nil)
	}

	t := eventType[T]()

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byType[t]; ok {
		return existing, nil
	}

	reg := &EventRegistration{
		EventType:     t,
		TransportName: transportName,
		EntityKind:    kind,
	}
	for _, opt := range opts {
		opt(reg)
	}

	s.byType[t] = reg
	s.order = append(s.order, reg)
	return reg, nil
}

// Consumer is implemented by application consumer types for event type T.
type Consumer[T any] interface {
	Consume(ctx context.Context, event *Context[T]) error
}

// AddConsumer appends a consumer registration to the EventRegistration for
// T, capturing a typed dispatch closure while the type parameter is still
// in scope (§9 "Reflection-based generic dispatch").
func AddConsumer[T any](s *Store, consumer Consumer[T], opts ...ConsumerOption) (*EventConsumerRegistration, error) {
	if s.frozen.Load() {
		return nil, errors.New(CodeAlreadyFrozen, "cannot register after Freeze", nil)
	}

	t := eventType[T]()

	s.mu.Lock()
	reg, ok := s.byType[t]
	s.mu.Unlock()
	if !ok {
		return nil, ErrUnknownEvent(t.String())
	}

	creg := &EventConsumerRegistration{
		ConsumerType:           reflect.TypeOf(consumer),
		UnhandledErrorBehavior: s.defaultBehavior,
	}
	for _, opt := range opts {
		opt(creg)
	}
	creg.dispatch = func(ctx context.Context, env *Envelope, bus *Bus) error {
		typed, err := fromEnvelope[T](env)
		if err != nil {
			return err
		}
		typed.bind(bus)
		return consumer.Consume(ctx, typed)
	}

	reg.mu.Lock()
	reg.Consumers = append(reg.Consumers, creg)
	reg.mu.Unlock()

	return creg, nil
}

// GetByEventType looks up the registration for T (§4.B).
func GetByEventType[T any](s *Store) (*EventRegistration, error) {
	t := eventType[T]()
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.byType[t]
	if !ok {
		return nil, ErrUnknownEvent(t.String())
	}
	return reg, nil
}

// getByReflectType is the non-generic counterpart of GetByEventType, keyed
// by a runtime reflect.Type. The bus façade resolves registrations through
// GetByEventType; nothing in this package calls getByReflectType.
func (s *Store) getByReflectType(t reflect.Type) (*EventRegistration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.byType[t]
	return reg, ok
}

// GetByTransport returns the ordered sequence of registrations bound to
// transportName (§4.B).
func (s *Store) GetByTransport(transportName string) []*EventRegistration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*EventRegistration
	for _, reg := range s.order {
		if reg.TransportName == transportName {
			out = append(out, reg)
		}
	}
	return out
}

// All returns every registration in registration order.
func (s *Store) All() []*EventRegistration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*EventRegistration, len(s.order))
	copy(out, s.order)
	return out
}

// Freeze derives EventName and ConsumerName for every registration using
// namingConfig, binds the default serializer where none was set, and
// validates the naming/serializer invariants of §4.B, including each
// transport's entity-naming ceiling from nameLimits (§6 — e.g. Service
// Bus's 50 characters). It is idempotent: a registration already named by
// an earlier Freeze call keeps its name.
func (s *Store) Freeze(namingCfg NamingConfig, defaultSerializer Serializer, nameLimits map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seenEventNames := make(map[string]bool) // key: transport + "\x00" + name
	for _, reg := range s.order {
		if reg.TransportName == "" {
			return ErrNoTransport("")
		}
		limit, ok := nameLimits[reg.TransportName]
		if !ok {
			return ErrNoTransport(reg.TransportName)
		}

		if reg.EventName == "" {
			reg.EventName = EventName(shortName(reg.EventType), qualifiedName(reg.EventType), reg.NameOverride, namingCfg)
		}
		if limit > 0 && len(reg.EventName) > limit {
			return ErrNameTooLong("event", reg.EventName, limit)
		}

		key := reg.TransportName + "\x00" + reg.EventName
		if seenEventNames[key] {
			return ErrDuplicateEventName(reg.EventName, reg.TransportName)
		}
		seenEventNames[key] = true

		if reg.Serializer == nil {
			reg.Serializer = defaultSerializer
		}
		if reg.Serializer == nil {
			return ErrInvalidSerializer(reg.EventName)
		}

		seenConsumerNames := make(map[string]bool)
		for _, creg := range reg.Consumers {
			if creg.ConsumerName == "" {
				creg.ConsumerName = ConsumerName(shortName(creg.ConsumerType), qualifiedName(creg.ConsumerType), creg.NameOverride, reg.EventName, namingCfg)
			}
			if limit > 0 && len(creg.ConsumerName) > limit {
				return ErrNameTooLong("consumer", creg.ConsumerName, limit)
			}
			if seenConsumerNames[creg.ConsumerName] {
				return ErrDuplicateConsumerName(creg.ConsumerName, reg.EventName)
			}
			seenConsumerNames[creg.ConsumerName] = true
		}

		reg.frozen = true
	}

	s.frozen.Store(true)
	return nil
}

// Frozen reports whether Freeze has succeeded.
func (s *Store) Frozen() bool {
	return s.frozen.Load()
}

// shortName returns a type's bare name, dereferencing a pointer type first
// so a pointer-receiver registration (the idiomatic form) derives the same
// name as its value type instead of an empty string.
func shortName(t reflect.Type) string {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

func qualifiedName(t reflect.Type) string {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.Name()
	}
	return t.PkgPath() + "." + t.Name()
}
