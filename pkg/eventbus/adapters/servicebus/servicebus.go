// Package servicebus implements eventbus.BrokerOps over Azure Service Bus:
// one topic per registration and one subscription per consumer, with native scheduled
// publish, cancel, and dead-letter support (§4.F).
package servicebus

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus/admin"
	"github.com/chris-alexander-pop/go-eventbus/pkg/errors"
	"github.com/chris-alexander-pop/go-eventbus/pkg/eventbus"
	"github.com/chris-alexander-pop/go-eventbus/pkg/logger"
	"github.com/chris-alexander-pop/go-eventbus/pkg/resilience"
)

// Config configures the Service Bus transport.
type Config struct {
	ConnectionString   string        `env:"AZURE_SERVICEBUS_CONNECTION_STRING"`
	SubscriptionName   string        `env:"AZURE_SERVICEBUS_SUBSCRIPTION" env-default:"default"`
	MaxConcurrentCalls int           `env:"AZURE_SERVICEBUS_MAX_CONCURRENT" env-default:"4"`
	PollInterval       time.Duration `env:"AZURE_SERVICEBUS_POLL_INTERVAL" env-default:"1s"`
}

// NameLimit is the Service Bus entity-naming ceiling of §6: a derived event
// or consumer name exceeding this many characters fails freeze validation.
const NameLimit = 50

type receiveLoop struct {
	receiver *azservicebus.Receiver
	cancel   context.CancelFunc
	done     chan struct{}
}

// Ops is the Service Bus eventbus.BrokerOps.
type Ops struct {
	cfg    Config
	client *azservicebus.Client
	admin  *admin.Client
	cb     *resilience.CircuitBreaker

	senders  eventbus.ClientCache[*azservicebus.Sender]
	mu       sync.Mutex
	receives map[string]*receiveLoop
}

// New dials the Service Bus namespace from a connection string.
func New(cfg Config) (*Ops, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.InvalidArgument("servicebus: connection string required", nil)
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, errors.Internal("servicebus: failed to dial", err)
	}

	adminClient, err := admin.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, errors.Internal("servicebus: failed to create admin client", err)
	}

	return &Ops{
		cfg:      cfg,
		client:   client,
		admin:    adminClient,
		cb:       resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("servicebus")),
		senders:  eventbus.NewClientCache[*azservicebus.Sender](),
		receives: make(map[string]*receiveLoop),
	}, nil
}

func (o *Ops) Name() string { return "servicebus" }

// NameLimit reports the Service Bus entity-naming ceiling, enforced by
// Store.Freeze (§6) rather than here.
func (o *Ops) NameLimit() int { return NameLimit }

// ProvisionForRegistration creates the topic and subscription on demand
// (§4.F provisioning column); it tolerates the entities already existing.
// Name-length validation already happened at Freeze, before Start ever
// calls this.
func (o *Ops) ProvisionForRegistration(ctx context.Context, reg *eventbus.EventRegistration) error {
	if _, err := o.admin.CreateTopic(ctx, reg.EventName, nil); err != nil && !alreadyExists(err) {
		return errors.Internal("servicebus: create topic", err)
	}
	for _, creg := range reg.Consumers {
		if _, err := o.admin.CreateSubscription(ctx, reg.EventName, creg.ConsumerName, nil); err != nil && !alreadyExists(err) {
			return errors.Internal("servicebus: create subscription", err)
		}
	}
	return nil
}

func alreadyExists(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "already exists") || strings.Contains(err.Error(), "Conflict"))
}

func (o *Ops) senderFor(topic string) (*azservicebus.Sender, error) {
	return o.senders.GetOrCreate(topic, func() (*azservicebus.Sender, error) {
		return o.client.NewSender(topic, nil)
	})
}

func toMessage(msg eventbus.OutboundMessage) *azservicebus.Message {
	props := make(map[string]interface{}, len(msg.Headers))
	for k, v := range msg.Headers {
		props[k] = v
	}
	out := &azservicebus.Message{
		Body:                  msg.Body,
		ContentType:           &msg.ContentType,
		ApplicationProperties: props,
	}
	return out
}

func (o *Ops) SendOne(ctx context.Context, reg *eventbus.EventRegistration, msg eventbus.OutboundMessage, scheduled *time.Time) (string, error) {
	sender, err := o.senderFor(reg.EventName)
	if err != nil {
		return "", errors.Internal("servicebus: sender", err)
	}

	asbMsg := toMessage(msg)

	var marker string
	err = o.cb.Execute(ctx, func(ctx context.Context) error {
		if scheduled != nil {
			seqs, sendErr := sender.ScheduleMessages(ctx, []*azservicebus.Message{asbMsg}, *scheduled, nil)
			if sendErr != nil {
				return sendErr
			}
			if len(seqs) > 0 {
				marker = strconv.FormatInt(seqs[0], 10)
			}
			return nil
		}
		return sender.SendMessage(ctx, asbMsg, nil)
	})
	return marker, err
}

func (o *Ops) SendMany(ctx context.Context, reg *eventbus.EventRegistration, msgs []eventbus.OutboundMessage, scheduled *time.Time) ([]string, error) {
	sender, err := o.senderFor(reg.EventName)
	if err != nil {
		return nil, errors.Internal("servicebus: sender", err)
	}

	if scheduled != nil {
		asbMsgs := make([]*azservicebus.Message, len(msgs))
		for i, m := range msgs {
			asbMsgs[i] = toMessage(m)
		}
		var seqs []int64
		err := o.cb.Execute(ctx, func(ctx context.Context) error {
			var sendErr error
			seqs, sendErr = sender.ScheduleMessages(ctx, asbMsgs, *scheduled, nil)
			return sendErr
		})
		if err != nil {
			return nil, err
		}
		markers := make([]string, len(seqs))
		for i, seq := range seqs {
			markers[i] = strconv.FormatInt(seq, 10)
		}
		return markers, nil
	}

	batch, err := sender.NewMessageBatch(ctx, nil)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		asbMsg := toMessage(m)
		if err := batch.AddMessage(asbMsg, nil); err != nil {
			if sendErr := sender.SendMessageBatch(ctx, batch, nil); sendErr != nil {
				return nil, sendErr
			}
			batch, err = sender.NewMessageBatch(ctx, nil)
			if err != nil {
				return nil, err
			}
			if err := batch.AddMessage(asbMsg, nil); err != nil {
				return nil, err
			}
		}
	}
	if batch.NumMessages() > 0 {
		if err := sender.SendMessageBatch(ctx, batch, nil); err != nil {
			return nil, err
		}
	}
	return make([]string, len(msgs)), nil
}

// Cancel withdraws a scheduled message by its sequence number (native
// support, §4.F).
func (o *Ops) Cancel(ctx context.Context, reg *eventbus.EventRegistration, marker string) error {
	seq, err := strconv.ParseInt(marker, 10, 64)
	if err != nil {
		return errors.InvalidArgument("servicebus: invalid scheduled marker", err)
	}
	sender, err := o.senderFor(reg.EventName)
	if err != nil {
		return err
	}
	return sender.CancelScheduledMessages(ctx, []int64{seq}, nil)
}

func (o *Ops) StartReceive(ctx context.Context, reg *eventbus.EventRegistration, gate *eventbus.ReadinessGate, handle func(context.Context, eventbus.InboundMessage)) error {
	for _, creg := range reg.Consumers {
		receiver, err := o.client.NewReceiverForSubscription(reg.EventName, creg.ConsumerName, nil)
		if err != nil {
			return errors.Internal("servicebus: receiver", err)
		}

		loopCtx, cancel := context.WithCancel(context.Background())
		loop := &receiveLoop{receiver: receiver, cancel: cancel, done: make(chan struct{})}

		o.mu.Lock()
		o.receives[reg.EventName+"\x00"+creg.ConsumerName] = loop
		o.mu.Unlock()

		go o.pump(loopCtx, loop, gate, handle)
	}
	return nil
}

func (o *Ops) pump(ctx context.Context, loop *receiveLoop, gate *eventbus.ReadinessGate, handle func(context.Context, eventbus.InboundMessage)) {
	defer close(loop.done)

	select {
	case <-gate.Wait():
	case <-ctx.Done():
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := loop.receiver.ReceiveMessages(ctx, o.cfg.MaxConcurrentCalls, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.L().Error("servicebus: receive failed", "error", err)
			time.Sleep(o.cfg.PollInterval)
			continue
		}

		for _, m := range messages {
			handle(ctx, toInbound(loop.receiver, m))
		}
	}
}

func toInbound(receiver *azservicebus.Receiver, m *azservicebus.ReceivedMessage) eventbus.InboundMessage {
	headers := make(map[string]string, len(m.ApplicationProperties))
	for k, v := range m.ApplicationProperties {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	contentType := ""
	if m.ContentType != nil {
		contentType = *m.ContentType
	}
	return eventbus.InboundMessage{
		Body:        m.Body,
		ContentType: contentType,
		Headers:     headers,
		Ack: func(ctx context.Context) error {
			return receiver.CompleteMessage(ctx, m, nil)
		},
		DeadLetter: func(ctx context.Context, reason string) error {
			return receiver.DeadLetterMessage(ctx, m, &azservicebus.DeadLetterOptions{ErrorDescription: &reason})
		},
		Discard: func(ctx context.Context) error {
			return receiver.CompleteMessage(ctx, m, nil)
		},
		Requeue: func(ctx context.Context) error {
			return receiver.AbandonMessage(ctx, m, nil)
		},
	}
}

func (o *Ops) StopReceive(ctx context.Context, reg *eventbus.EventRegistration) error {
	o.mu.Lock()
	var loops []*receiveLoop
	for key, loop := range o.receives {
		if strings.HasPrefix(key, reg.EventName+"\x00") {
			loops = append(loops, loop)
			delete(o.receives, key)
		}
	}
	o.mu.Unlock()

	for _, loop := range loops {
		loop.cancel()
		select {
		case <-loop.done:
		case <-ctx.Done():
		}
		_ = loop.receiver.Close(context.Background())
	}
	return nil
}

func (o *Ops) CheckHealth(ctx context.Context) error {
	_, err := o.admin.ListTopics(nil).NextPage(ctx)
	return err
}
