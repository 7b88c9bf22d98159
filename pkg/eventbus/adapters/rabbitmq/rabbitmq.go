// Package rabbitmq implements eventbus.BrokerOps over RabbitMQ: a durable
// fanout exchange per event feeding one durable queue per consumer,
// scheduled publish via the delayed-message exchange plugin, and
// negative-ack dead-letter (§4.F, rabbitmq row).
package rabbitmq

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/chris-alexander-pop/go-eventbus/pkg/errors"
	"github.com/chris-alexander-pop/go-eventbus/pkg/eventbus"
	"github.com/chris-alexander-pop/go-eventbus/pkg/logger"
	"github.com/chris-alexander-pop/go-eventbus/pkg/resilience"
)

// Config configures the RabbitMQ transport.
type Config struct {
	URL           string        `env:"RABBITMQ_URL"`
	PrefetchCount int           `env:"RABBITMQ_PREFETCH" env-default:"10"`
	RetryCount    int           `env:"RABBITMQ_RECONNECT_RETRIES" env-default:"10"`
	InitialBackoff time.Duration `env:"RABBITMQ_RECONNECT_BACKOFF" env-default:"1s"`
}

type consumeLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Ops is the RabbitMQ eventbus.BrokerOps. A single connection and channel
// is shared for publish; consume loops each open their own channel.
type Ops struct {
	cfg Config
	cb  *resilience.CircuitBreaker

	mu      sync.Mutex
	conn    *amqp.Connection
	ch      *amqp.Channel
	disposed bool

	loopsMu sync.Mutex
	loops   map[string]*consumeLoop
}

// New dials RabbitMQ and opens the shared publishing channel. A background
// goroutine watches the connection's close notification and reconnects
// with exponential backoff (§4.F "Connection-level retry/backoff").
func New(cfg Config) (*Ops, error) {
	if cfg.URL == "" {
		return nil, errors.InvalidArgument("rabbitmq: url required", nil)
	}
	o := &Ops{
		cfg:   cfg,
		cb:    resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("rabbitmq")),
		loops: make(map[string]*consumeLoop),
	}
	if err := o.connect(); err != nil {
		return nil, err
	}
	go o.watchConnection()
	return o, nil
}

func (o *Ops) connect() error {
	conn, err := amqp.Dial(o.cfg.URL)
	if err != nil {
		return errors.Internal("rabbitmq: failed to dial", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.Internal("rabbitmq: failed to open channel", err)
	}
	if err := ch.Confirm(false); err != nil {
		logger.L().Warn("rabbitmq: publisher confirms not supported by broker", "error", err)
	}

	o.mu.Lock()
	o.conn, o.ch = conn, ch
	o.mu.Unlock()
	return nil
}

// watchConnection re-dials on an unexpected close, with backoff doubling up
// to RetryCount attempts, matching the reconnect policy of §4.F.
func (o *Ops) watchConnection() {
	for {
		o.mu.Lock()
		conn := o.conn
		disposed := o.disposed
		o.mu.Unlock()
		if disposed || conn == nil {
			return
		}

		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
		err, ok := <-notifyClose
		o.mu.Lock()
		disposed = o.disposed
		o.mu.Unlock()
		if disposed {
			return
		}
		if !ok || err == nil {
			return
		}

		logger.L().Error("rabbitmq: connection closed unexpectedly, reconnecting", "error", err)
		backoff := o.cfg.InitialBackoff
		for attempt := 0; attempt < o.cfg.RetryCount; attempt++ {
			time.Sleep(backoff)
			if connErr := o.connect(); connErr == nil {
				logger.L().Warn("rabbitmq: reconnected", "attempt", attempt+1)
				break
			}
			backoff *= 2
		}
	}
}

func (o *Ops) Name() string { return "rabbitmq" }

func (o *Ops) channel() (*amqp.Channel, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ch == nil {
		return nil, errors.Unavailable("rabbitmq: not connected", nil)
	}
	return o.ch, nil
}

func exchangeName(eventName string) string { return eventName }
func queueName(eventName, consumerName string) string { return eventName + "." + consumerName }
func deadLetterExchange(eventName string) string { return eventName + "-deadletter" }
func deadLetterQueue(eventName, consumerName string) string {
	return eventName + "." + consumerName + "-deadletter"
}

// ProvisionForRegistration declares the event's fanout exchange, each
// consumer's durable queue bound to it, and a parallel dead-letter
// exchange/queue pair that ordinary Nack-without-requeue routes into
// (§4.F provisioning column).
func (o *Ops) ProvisionForRegistration(ctx context.Context, reg *eventbus.EventRegistration) error {
	ch, err := o.channel()
	if err != nil {
		return err
	}

	if err := ch.ExchangeDeclare(exchangeName(reg.EventName), "fanout", true, false, false, false, nil); err != nil {
		return errors.Internal("rabbitmq: declare exchange", err)
	}
	dlx := deadLetterExchange(reg.EventName)
	if err := ch.ExchangeDeclare(dlx, "fanout", true, false, false, false, nil); err != nil {
		return errors.Internal("rabbitmq: declare dead-letter exchange", err)
	}

	for _, creg := range reg.Consumers {
		q := queueName(reg.EventName, creg.ConsumerName)
		dlq := deadLetterQueue(reg.EventName, creg.ConsumerName)

		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return errors.Internal("rabbitmq: declare dead-letter queue", err)
		}
		if err := ch.QueueBind(dlq, "", dlx, false, nil); err != nil {
			return errors.Internal("rabbitmq: bind dead-letter queue", err)
		}

		args := amqp.Table{
			"x-dead-letter-exchange": dlx,
		}
		if _, err := ch.QueueDeclare(q, true, false, false, false, args); err != nil {
			return errors.Internal("rabbitmq: declare queue", err)
		}
		if err := ch.QueueBind(q, "", exchangeName(reg.EventName), false, nil); err != nil {
			return errors.Internal("rabbitmq: bind queue", err)
		}
	}
	return nil
}

func toPublishing(msg eventbus.OutboundMessage, scheduled *time.Time) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	if scheduled != nil {
		if delay := time.Until(*scheduled); delay > 0 {
			headers["x-delay"] = delay.Milliseconds()
		}
	}
	return amqp.Publishing{
		ContentType:  msg.ContentType,
		Body:         msg.Body,
		Headers:      headers,
		DeliveryMode: amqp.Persistent,
	}
}

// SendOne publishes to the event's fanout exchange. Scheduling relies on
// the delayed-message exchange plugin via the x-delay header; when the
// plugin is absent the broker simply ignores the header and delivers
// immediately.
func (o *Ops) SendOne(ctx context.Context, reg *eventbus.EventRegistration, msg eventbus.OutboundMessage, scheduled *time.Time) (string, error) {
	ch, err := o.channel()
	if err != nil {
		return "", err
	}
	publishing := toPublishing(msg, scheduled)

	err = o.cb.Execute(ctx, func(ctx context.Context) error {
		return ch.PublishWithContext(ctx, exchangeName(reg.EventName), "", false, false, publishing)
	})
	return "", err
}

func (o *Ops) SendMany(ctx context.Context, reg *eventbus.EventRegistration, msgs []eventbus.OutboundMessage, scheduled *time.Time) ([]string, error) {
	logger.L().Warn("rabbitmq: batch publish is sequential, no native batch API", "event", reg.EventName, "count", len(msgs))
	markers := make([]string, len(msgs))
	for i, m := range msgs {
		if _, err := o.SendOne(ctx, reg, m, scheduled); err != nil {
			return nil, err
		}
		markers[i] = ""
	}
	return markers, nil
}

// Cancel is unsupported: a delayed message already handed to the exchange
// cannot be withdrawn (§4.F).
func (o *Ops) Cancel(ctx context.Context, reg *eventbus.EventRegistration, marker string) error {
	return eventbus.ErrNotSupported("Cancel", o.Name())
}

func (o *Ops) StartReceive(ctx context.Context, reg *eventbus.EventRegistration, gate *eventbus.ReadinessGate, handle func(context.Context, eventbus.InboundMessage)) error {
	for _, creg := range reg.Consumers {
		ch, err := o.channel()
		if err != nil {
			return err
		}
		consumeCh, err := o.conn.Channel()
		if err != nil {
			return errors.Internal("rabbitmq: failed to open consume channel", err)
		}
		if err := consumeCh.Qos(o.cfg.PrefetchCount, 0, false); err != nil {
			return errors.Internal("rabbitmq: failed to set qos", err)
		}
		_ = ch

		q := queueName(reg.EventName, creg.ConsumerName)
		deliveries, err := consumeCh.Consume(q, "", false, false, false, false, nil)
		if err != nil {
			return errors.Internal("rabbitmq: failed to start consuming", err)
		}

		loopCtx, cancel := context.WithCancel(context.Background())
		loop := &consumeLoop{cancel: cancel, done: make(chan struct{})}
		o.loopsMu.Lock()
		o.loops[reg.EventName+"\x00"+creg.ConsumerName] = loop
		o.loopsMu.Unlock()

		go o.pump(loopCtx, loop, consumeCh, deliveries, gate, handle)
	}
	return nil
}

// pump implements the push-transport state machine of §4.F: Registered ->
// Running, transitioning to Faulted if the delivery channel closes and
// Closed once StopReceive cancels it.
func (o *Ops) pump(ctx context.Context, loop *consumeLoop, ch *amqp.Channel, deliveries <-chan amqp.Delivery, gate *eventbus.ReadinessGate, handle func(context.Context, eventbus.InboundMessage)) {
	defer close(loop.done)
	defer ch.Close()

	select {
	case <-gate.Wait():
	case <-ctx.Done():
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				logger.L().Error("rabbitmq: delivery channel closed")
				return
			}
			handle(ctx, toInbound(d))
		}
	}
}

func toInbound(d amqp.Delivery) eventbus.InboundMessage {
	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	return eventbus.InboundMessage{
		Body:        d.Body,
		ContentType: d.ContentType,
		Headers:     headers,
		Ack: func(ctx context.Context) error {
			return d.Ack(false)
		},
		Discard: func(ctx context.Context) error {
			return d.Ack(false)
		},
		DeadLetter: func(ctx context.Context, reason string) error {
			return d.Nack(false, false)
		},
		Requeue: func(ctx context.Context) error {
			return d.Nack(false, true)
		},
	}
}

func (o *Ops) StopReceive(ctx context.Context, reg *eventbus.EventRegistration) error {
	o.loopsMu.Lock()
	var loops []*consumeLoop
	for key, loop := range o.loops {
		if hasPrefix(key, reg.EventName+"\x00") {
			loops = append(loops, loop)
			delete(o.loops, key)
		}
	}
	o.loopsMu.Unlock()

	for _, loop := range loops {
		loop.cancel()
		select {
		case <-loop.done:
		case <-ctx.Done():
		}
	}
	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func (o *Ops) CheckHealth(ctx context.Context) error {
	o.mu.Lock()
	conn := o.conn
	o.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return errors.Unavailable("rabbitmq: connection is closed", nil)
	}
	return nil
}

// Close disposes the shared connection, stopping reconnect attempts.
func (o *Ops) Close() error {
	o.mu.Lock()
	o.disposed = true
	conn := o.conn
	o.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
