// Package memory provides an in-process eventbus.BrokerOps used as the
// in-memory test harness of component I: a single process fan-out with no
// network calls, suitable for unit and integration tests that don't want a
// real broker.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/chris-alexander-pop/go-eventbus/pkg/eventbus"
	"github.com/google/uuid"
)

// Delivery is one record of a published, consumed, or failed message,
// exposed through Published/Consumed/Failed for deterministic assertions.
type Delivery struct {
	Message eventbus.InboundMessage
	Event   string
}

// Ops is the in-memory eventbus.BrokerOps: Published, Consumed, and Failed
// are append-only, concurrent-safe collections a test can inspect directly
// (§4.I).
type Ops struct {
	mu        sync.Mutex
	published []Delivery
	consumed  []Delivery
	failed    []Delivery

	handlers map[string]func(context.Context, eventbus.InboundMessage)
	gate     map[string]<-chan struct{}
	stopped  map[string]bool
	inFlight sync.WaitGroup
}

// New creates an empty in-memory transport named "memory".
func New() *Ops {
	return &Ops{
		handlers: make(map[string]func(context.Context, eventbus.InboundMessage)),
		gate:     make(map[string]<-chan struct{}),
		stopped:  make(map[string]bool),
	}
}

func (o *Ops) Name() string { return "memory" }

func (o *Ops) ProvisionForRegistration(ctx context.Context, reg *eventbus.EventRegistration) error {
	return nil
}

func (o *Ops) SendOne(ctx context.Context, reg *eventbus.EventRegistration, msg eventbus.OutboundMessage, scheduled *time.Time) (string, error) {
	o.mu.Lock()
	o.published = append(o.published, Delivery{Message: toInbound(msg), Event: reg.EventName})
	o.mu.Unlock()

	delay := time.Duration(0)
	if scheduled != nil {
		if d := time.Until(*scheduled); d > 0 {
			delay = d
		}
	}

	go o.scheduleDispatch(reg, msg, delay)
	return "", nil
}

// scheduleDispatch waits out a scheduled delay before counting the delivery
// as in-flight, so a not-yet-due scheduled publish never holds up
// StopReceive's drain wait (§8 graceful-shutdown scenario) — only a
// dispatch actually in progress blocks shutdown.
func (o *Ops) scheduleDispatch(reg *eventbus.EventRegistration, msg eventbus.OutboundMessage, delay time.Duration) {
	if delay > 0 {
		time.Sleep(delay)
	}
	o.inFlight.Add(1)
	defer o.inFlight.Done()
	o.dispatch(reg, msg)
}

func (o *Ops) SendMany(ctx context.Context, reg *eventbus.EventRegistration, msgs []eventbus.OutboundMessage, scheduled *time.Time) ([]string, error) {
	markers := make([]string, len(msgs))
	for i, msg := range msgs {
		if _, err := o.SendOne(ctx, reg, msg, scheduled); err != nil {
			return nil, err
		}
		markers[i] = ""
	}
	return markers, nil
}

// Cancel is unsupported: in-memory delivery is timer-based with no
// addressable scheduled entity to withdraw (§4.F, in-memory row).
func (o *Ops) Cancel(ctx context.Context, reg *eventbus.EventRegistration, marker string) error {
	return eventbus.ErrNotSupported("Cancel", o.Name())
}

func (o *Ops) StartReceive(ctx context.Context, reg *eventbus.EventRegistration, gate *eventbus.ReadinessGate, handle func(context.Context, eventbus.InboundMessage)) error {
	o.mu.Lock()
	o.handlers[handlerKey(reg)] = handle
	o.mu.Unlock()
	return nil
}

// StopReceive marks reg's handler stopped, then waits for every in-flight
// dispatch on this transport to finish (consumer returned, ack/dead-letter
// recorded) or ctx's deadline to elapse, matching the graceful-shutdown
// scenario of §8.
func (o *Ops) StopReceive(ctx context.Context, reg *eventbus.EventRegistration) error {
	o.mu.Lock()
	o.stopped[handlerKey(reg)] = true
	o.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		o.inFlight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Ops) CheckHealth(ctx context.Context) error { return nil }

func (o *Ops) dispatch(reg *eventbus.EventRegistration, msg eventbus.OutboundMessage) {
	o.mu.Lock()
	if o.stopped[handlerKey(reg)] {
		o.mu.Unlock()
		return
	}
	handle := o.handlers[handlerKey(reg)]
	o.mu.Unlock()
	if handle == nil {
		return
	}

	cloned := msg
	cloned.Body = cloneDeliveryEnvelope(msg.Body)
	inbound := toInbound(cloned)
	var once sync.Once
	record := func(ok bool) {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if ok {
				o.consumed = append(o.consumed, Delivery{Message: inbound, Event: reg.EventName})
			} else {
				o.failed = append(o.failed, Delivery{Message: inbound, Event: reg.EventName})
			}
		})
	}
	inbound.Ack = func(ctx context.Context) error { record(true); return nil }
	inbound.Discard = func(ctx context.Context) error { record(true); return nil }
	inbound.DeadLetter = func(ctx context.Context, reason string) error { record(false); return nil }
	inbound.Requeue = func(ctx context.Context) error { return eventbus.ErrNotSupported("Requeue", o.Name()) }

	handle(context.Background(), inbound)
}

// cloneDeliveryEnvelope stamps the delivered copy of an envelope with a
// fresh Id and a CorrelationId pointing back at the published message,
// matching the "cloned context" dispatch described for the in-memory
// harness (§4.I, §8): every Consumed/Failed entry carries
// CorrelationId == source.Id. Bodies that don't decode as the default
// envelope (a caller-supplied Serializer) are forwarded unchanged.
func cloneDeliveryEnvelope(body []byte) []byte {
	var env eventbus.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return body
	}
	env.CorrelationId = env.Id
	env.Id = uuid.NewString()
	out, err := json.Marshal(&env)
	if err != nil {
		return body
	}
	return out
}

func toInbound(msg eventbus.OutboundMessage) eventbus.InboundMessage {
	return eventbus.InboundMessage{
		Body:        msg.Body,
		ContentType: msg.ContentType,
		Headers:     msg.Headers,
	}
}

func handlerKey(reg *eventbus.EventRegistration) string {
	return reg.TransportName + "\x00" + reg.EventName
}

// Published returns every message SendOne has recorded, in send order.
func (o *Ops) Published() []Delivery {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Delivery, len(o.published))
	copy(out, o.published)
	return out
}

// Consumed returns every message whose dispatch succeeded.
func (o *Ops) Consumed() []Delivery {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Delivery, len(o.consumed))
	copy(out, o.consumed)
	return out
}

// Failed returns every message whose dispatch ended in dead-letter.
func (o *Ops) Failed() []Delivery {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Delivery, len(o.failed))
	copy(out, o.failed)
	return out
}
