package eventbus

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chris-alexander-pop/go-eventbus/pkg/logger"
)

// Config is the bus-wide configuration surface of §6, loaded through
// pkg/config the same way the rest of the host application configures
// itself.
type Config struct {
	Naming                        NamingConfig           `env-prefix:"EVENTBUS_"`
	EmptyResultsDelay              time.Duration          `env:"EVENTBUS_EMPTY_RESULTS_DELAY" env-default:"2s"`
	DefaultUnhandledErrorBehavior UnhandledErrorBehavior `env:"EVENTBUS_DEFAULT_UNHANDLED_ERROR_BEHAVIOR" env-default:"deadletter"`
	EnableEntityCreation          bool                   `env:"EVENTBUS_ENABLE_ENTITY_CREATION" env-default:"true"`
	ShutdownGracePeriod            time.Duration          `env:"EVENTBUS_SHUTDOWN_GRACE_PERIOD" env-default:"30s"`
}

// transportBinding pairs a registered BrokerOps with the Runtime wrapping
// its shared pipeline.
type transportBinding struct {
	ops BrokerOps
	rt  *Runtime
}

// Bus is the façade of §4.G: it resolves a publish/cancel call to the
// transport owning the event's registration and aggregates lifecycle and
// health operations across every registered transport.
type Bus struct {
	cfg   Config
	store *Store
	host  HostInfo
	gate  *ReadinessGate

	mu         sync.RWMutex
	transports map[string]*transportBinding
	started    bool
}

// NewBus constructs a Bus around a registration store and configuration.
// Transports are attached with AddTransport before Start.
func NewBus(store *Store, cfg Config, host HostInfo) *Bus {
	return &Bus{
		cfg:        cfg,
		store:      store,
		host:       host,
		gate:       NewReadinessGate(),
		transports: make(map[string]*transportBinding),
	}
}

// AddTransport registers a concrete BrokerOps under its own name. Must be
// called before Start.
func (b *Bus) AddTransport(ops BrokerOps) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transports[ops.Name()] = &transportBinding{
		ops: ops,
		rt:  NewRuntime(ops, b.gate, b.host),
	}
}

// nameLimits maps every registered transport's name to its entity-naming
// ceiling (0 = unlimited), so Freeze can both validate a registration's
// transport exists and enforce §6's per-transport name-length ceiling in
// one pass.
func (b *Bus) nameLimits() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]int, len(b.transports))
	for name, tb := range b.transports {
		limit := 0
		if nl, ok := tb.ops.(NameLimiter); ok {
			limit = nl.NameLimit()
		}
		out[name] = limit
	}
	return out
}

func (b *Bus) binding(transportName string) (*transportBinding, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	tb, ok := b.transports[transportName]
	if !ok {
		return nil, ErrNoTransport(transportName)
	}
	return tb, nil
}

// Publish resolves T's registration and delegates to its transport,
// returning the transport's scheduled marker (§4.G).
func Publish[T any](ctx context.Context, b *Bus, c *Context[T], scheduled *time.Time) (string, error) {
	reg, err := GetByEventType[T](b.store)
	if err != nil {
		return "", err
	}
	tb, err := b.binding(reg.TransportName)
	if err != nil {
		return "", err
	}
	c.bind(b)
	return PublishEntry(ctx, tb.rt, c, reg, scheduled)
}

// PublishMany publishes a batch of contexts for the same event type T,
// using the transport's native batch API where available (§4.G).
func PublishMany[T any](ctx context.Context, b *Bus, contexts []*Context[T], scheduled *time.Time) ([]string, error) {
	reg, err := GetByEventType[T](b.store)
	if err != nil {
		return nil, err
	}
	tb, err := b.binding(reg.TransportName)
	if err != nil {
		return nil, err
	}

	msgs := make([]OutboundMessage, 0, len(contexts))
	for _, c := range contexts {
		stampContext(c)
		c.bind(b)
		env, err := toEnvelope(c)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		contentType, err := reg.Serializer.Serialize(&buf, env, b.host)
		if err != nil {
			return nil, err
		}
		headers := cloneHeaders(env.Headers)
		msgs = append(msgs, OutboundMessage{
			Body:        buf.Bytes(),
			ContentType: contentType,
			Headers:     headers,
			Expires:     c.Expires,
		})
	}

	return tb.ops.SendMany(ctx, reg, msgs, scheduled)
}

// Cancel withdraws a scheduled publish previously returned for T (§4.G).
func Cancel[T any](ctx context.Context, b *Bus, marker string) error {
	reg, err := GetByEventType[T](b.store)
	if err != nil {
		return err
	}
	tb, err := b.binding(reg.TransportName)
	if err != nil {
		return err
	}
	return tb.ops.Cancel(ctx, reg, marker)
}

// Start freezes the registration store, provisions entities where enabled,
// starts every transport's receive loop, and opens the readiness gate only
// once every StartReceive call has returned (§4.G).
func (b *Bus) Start(ctx context.Context) error {
	if err := b.store.Freeze(b.cfg.Naming, NewJSONSerializer(), b.nameLimits()); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, reg := range b.store.All() {
		tb := b.transports[reg.TransportName]
		if b.cfg.EnableEntityCreation {
			if err := tb.ops.ProvisionForRegistration(ctx, reg); err != nil {
				return fmt.Errorf("provisioning %s on %s: %w", reg.EventName, reg.TransportName, err)
			}
		}
		for _, creg := range reg.Consumers {
			creg := creg
			reg := reg
			tb := tb
			handler := func(hctx context.Context, msg InboundMessage) {
				if err := tb.rt.ConsumeEntry(hctx, msg, reg, creg, b); err != nil {
					logger.L().ErrorContext(hctx, "unhandled consume failure", "event", reg.EventName, "consumer", creg.ConsumerName, "error", err)
				}
			}
			if err := tb.ops.StartReceive(ctx, reg, b.gate, handler); err != nil {
				return fmt.Errorf("starting receive for %s/%s: %w", reg.EventName, creg.ConsumerName, err)
			}
		}
	}

	b.started = true
	b.gate.Open()
	return nil
}

// Stop cancels every transport's receive loop and waits up to the
// configured grace period for in-flight dispatches to drain (§4.G, §5).
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stopCtx, cancel := context.WithTimeout(ctx, b.cfg.ShutdownGracePeriod)
	defer cancel()

	var firstErr error
	for _, reg := range b.store.All() {
		tb := b.transports[reg.TransportName]
		if err := tb.ops.StopReceive(stopCtx, reg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CheckHealth aggregates per-transport health as all(ok) (§4.G).
func (b *Bus) CheckHealth(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for name, tb := range b.transports {
		if err := tb.ops.CheckHealth(ctx); err != nil {
			return fmt.Errorf("transport %s unhealthy: %w", name, err)
		}
	}
	return nil
}
