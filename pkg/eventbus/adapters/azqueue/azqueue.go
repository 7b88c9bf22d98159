// Package azqueue implements eventbus.BrokerOps over Azure Queue Storage:
// one queue per event plus an optional shadow "<event-name>-deadletter"
// queue, visibility-timeout-based scheduled delay, and sequential batch
// publish (§4.F).
package azqueue

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	sdkazqueue "github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/chris-alexander-pop/go-eventbus/pkg/errors"
	"github.com/chris-alexander-pop/go-eventbus/pkg/eventbus"
	"github.com/chris-alexander-pop/go-eventbus/pkg/logger"
)

// Config configures the Queue Storage transport.
type Config struct {
	ServiceURL      string        `env:"AZURE_QUEUE_SERVICE_URL"`
	VisibilityDelay time.Duration `env:"AZURE_QUEUE_VISIBILITY_TIMEOUT" env-default:"30s"`
	PollInterval    time.Duration `env:"AZURE_QUEUE_POLL_INTERVAL" env-default:"2s"`
	BatchSize       int32         `env:"AZURE_QUEUE_BATCH_SIZE" env-default:"16"`
}

type receiveLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Ops is the Queue Storage eventbus.BrokerOps. Queue clients are cached
// single-flight, keyed by queue name (§3 "Per-transport caches").
type Ops struct {
	cfg   Config
	svc   *sdkazqueue.ServiceClient
	cache eventbus.ClientCache[*sdkazqueue.QueueClient]
	mu    sync.Mutex
	loops map[string]*receiveLoop
}

// New builds the transport around a Queue Storage service URL using
// whatever azcore.TokenCredential the host already authenticates the rest
// of its Azure transports with.
func New(cfg Config, cred azcore.TokenCredential) (*Ops, error) {
	if cfg.ServiceURL == "" {
		return nil, errors.InvalidArgument("azqueue: service URL required", nil)
	}
	svc, err := sdkazqueue.NewServiceClient(cfg.ServiceURL, cred, nil)
	if err != nil {
		return nil, errors.Internal("azqueue: failed to create service client", err)
	}
	return &Ops{cfg: cfg, svc: svc, cache: eventbus.NewClientCache[*sdkazqueue.QueueClient](), loops: make(map[string]*receiveLoop)}, nil
}

func (o *Ops) Name() string { return "azqueue" }

func (o *Ops) queueClient(name string) (*sdkazqueue.QueueClient, error) {
	return o.cache.GetOrCreate(name, func() (*sdkazqueue.QueueClient, error) {
		client := o.svc.NewQueueClient(name)
		return client, nil
	})
}

// ProvisionForRegistration creates the event's queue and, since the core
// always assumes dead-letter may be needed, its shadow queue too (§4.F).
func (o *Ops) ProvisionForRegistration(ctx context.Context, reg *eventbus.EventRegistration) error {
	q, err := o.queueClient(reg.EventName)
	if err != nil {
		return err
	}
	if _, err := q.Create(ctx, nil); err != nil && !alreadyExists(err) {
		return errors.Internal("azqueue: create queue", err)
	}

	dlq, err := o.queueClient(deadLetterName(reg.EventName))
	if err != nil {
		return err
	}
	if _, err := dlq.Create(ctx, nil); err != nil && !alreadyExists(err) {
		return errors.Internal("azqueue: create dead-letter queue", err)
	}
	return nil
}

func deadLetterName(eventName string) string {
	return eventName + "-deadletter"
}

func alreadyExists(err error) bool {
	return err != nil && strings.Contains(err.Error(), "QueueAlreadyExists")
}

func (o *Ops) SendOne(ctx context.Context, reg *eventbus.EventRegistration, msg eventbus.OutboundMessage, scheduled *time.Time) (string, error) {
	q, err := o.queueClient(reg.EventName)
	if err != nil {
		return "", err
	}

	// A negative visibility delay (scheduled already in the past) is
	// treated as "publish immediately" (§9 open question).
	var visibility *time.Duration
	if scheduled != nil {
		d := time.Until(*scheduled)
		if d < 0 {
			d = 0
		}
		visibility = &d
	}

	resp, err := q.EnqueueMessage(ctx, encode(msg), &sdkazqueue.EnqueueMessageOptions{VisibilityTimeout: visibility})
	if err != nil {
		return "", errors.Internal("azqueue: enqueue", err)
	}
	if len(resp.Messages) == 0 {
		return "", nil
	}
	m := resp.Messages[0]
	return *m.MessageID + "|" + *m.PopReceipt, nil
}

func (o *Ops) SendMany(ctx context.Context, reg *eventbus.EventRegistration, msgs []eventbus.OutboundMessage, scheduled *time.Time) ([]string, error) {
	logger.L().Warn("azqueue: batch publish is sequential, no native batch API", "event", reg.EventName, "count", len(msgs))
	markers := make([]string, len(msgs))
	for i, m := range msgs {
		marker, err := o.SendOne(ctx, reg, m, scheduled)
		if err != nil {
			return nil, err
		}
		markers[i] = marker
	}
	return markers, nil
}

// Cancel deletes the scheduled message by (messageId, popReceipt) before
// its visibility timeout elapses (§4.F, §8 scenario 4).
func (o *Ops) Cancel(ctx context.Context, reg *eventbus.EventRegistration, marker string) error {
	id, pop, ok := splitMarker(marker)
	if !ok {
		return errors.InvalidArgument("azqueue: invalid scheduled marker", nil)
	}
	q, err := o.queueClient(reg.EventName)
	if err != nil {
		return err
	}
	_, err = q.DeleteMessage(ctx, id, pop, nil)
	return err
}

func splitMarker(marker string) (id, pop string, ok bool) {
	parts := strings.SplitN(marker, "|", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func encode(msg eventbus.OutboundMessage) string {
	// Queue Storage carries no header channel (§6): headers travel only
	// inside the serialized envelope, so the body is forwarded verbatim.
	return string(msg.Body)
}

func (o *Ops) StartReceive(ctx context.Context, reg *eventbus.EventRegistration, gate *eventbus.ReadinessGate, handle func(context.Context, eventbus.InboundMessage)) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	loop := &receiveLoop{cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	o.loops[reg.EventName] = loop
	o.mu.Unlock()

	go o.pump(loopCtx, loop, reg, gate, handle)
	return nil
}

// pump drives the polling state machine of §4.F: Idle -> Polling ->
// Dispatching -> Polling, with a Backoff sleep of PollInterval on an
// empty batch.
func (o *Ops) pump(ctx context.Context, loop *receiveLoop, reg *eventbus.EventRegistration, gate *eventbus.ReadinessGate, handle func(context.Context, eventbus.InboundMessage)) {
	defer close(loop.done)

	select {
	case <-gate.Wait():
	case <-ctx.Done():
		return
	}

	q, err := o.queueClient(reg.EventName)
	if err != nil {
		logger.L().Error("azqueue: failed to open queue client", "event", reg.EventName, "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		resp, err := q.DequeueMessages(ctx, &sdkazqueue.DequeueMessagesOptions{
			NumberOfMessages:  &o.cfg.BatchSize,
			VisibilityTimeout: &o.cfg.VisibilityDelay,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.L().Error("azqueue: dequeue failed", "event", reg.EventName, "error", err)
			time.Sleep(o.cfg.PollInterval)
			continue
		}

		if len(resp.Messages) == 0 {
			time.Sleep(o.cfg.PollInterval)
			continue
		}

		for _, m := range resp.Messages {
			handle(ctx, o.toInbound(q, reg, m))
		}
	}
}

func (o *Ops) toInbound(q *sdkazqueue.QueueClient, reg *eventbus.EventRegistration, m *sdkazqueue.DequeuedMessage) eventbus.InboundMessage {
	id, pop := *m.MessageID, *m.PopReceipt
	body := []byte(*m.MessageText)

	return eventbus.InboundMessage{
		Body:        body,
		ContentType: eventbus.JSONContentType,
		Headers:     map[string]string{},
		Ack: func(ctx context.Context) error {
			_, err := q.DeleteMessage(ctx, id, pop, nil)
			return err
		},
		Discard: func(ctx context.Context) error {
			_, err := q.DeleteMessage(ctx, id, pop, nil)
			return err
		},
		DeadLetter: func(ctx context.Context, reason string) error {
			dlq, err := o.queueClient(deadLetterName(reg.EventName))
			if err != nil {
				return err
			}
			if _, err := dlq.EnqueueMessage(ctx, string(body), nil); err != nil {
				return err
			}
			_, err = q.DeleteMessage(ctx, id, pop, nil)
			return err
		},
		Requeue: func(ctx context.Context) error {
			return eventbus.ErrNotSupported("Requeue", "azqueue")
		},
	}
}

func (o *Ops) StopReceive(ctx context.Context, reg *eventbus.EventRegistration) error {
	o.mu.Lock()
	loop, ok := o.loops[reg.EventName]
	if ok {
		delete(o.loops, reg.EventName)
	}
	o.mu.Unlock()
	if !ok {
		return nil
	}
	loop.cancel()
	select {
	case <-loop.done:
	case <-ctx.Done():
	}
	return nil
}

func (o *Ops) CheckHealth(ctx context.Context) error {
	_, err := o.svc.GetProperties(ctx, nil)
	return err
}
