// Package eventhubs implements eventbus.BrokerOps over Azure Event Hubs: a
// partitioned stream with native batching, no provisioning, no scheduled
// publish or cancel, and a shadow dead-letter publish (§4.F).
package eventhubs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azeventhubs"
	"github.com/chris-alexander-pop/go-eventbus/pkg/errors"
	"github.com/chris-alexander-pop/go-eventbus/pkg/eventbus"
	"github.com/chris-alexander-pop/go-eventbus/pkg/logger"
)

// Config configures the Event Hubs transport.
type Config struct {
	Namespace       string `env:"AZURE_EVENTHUBS_NAMESPACE"`
	ConsumerGroup   string `env:"AZURE_EVENTHUBS_CONSUMER_GROUP" env-default:"$Default"`
	CheckpointStore string `env:"AZURE_EVENTHUBS_CHECKPOINT_STORE"`
}

type consumerLoop struct {
	client   *azeventhubs.ConsumerClient
	cancel   context.CancelFunc
	done     chan struct{}
}

// Ops is the Event Hubs eventbus.BrokerOps. One hub is assumed per event
// name; the hub itself is assumed to exist (no provisioning, §4.F).
type Ops struct {
	cfg Config
	cred *azidentity.DefaultAzureCredential

	mu        sync.Mutex
	producers map[string]*azeventhubs.ProducerClient
	consumers map[string]*consumerLoop
}

// New builds the Event Hubs transport; individual producer/consumer
// clients are created lazily, single-flighted per event hub name.
func New(cfg Config) (*Ops, error) {
	if cfg.Namespace == "" {
		return nil, errors.InvalidArgument("eventhubs: namespace required", nil)
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, errors.Internal("eventhubs: failed to build credential", err)
	}
	return &Ops{
		cfg:       cfg,
		cred:      cred,
		producers: make(map[string]*azeventhubs.ProducerClient),
		consumers: make(map[string]*consumerLoop),
	}, nil
}

func (o *Ops) Name() string { return "eventhubs" }

// ProvisionForRegistration is a no-op: the hub is assumed to already exist
// (§4.F provisioning column).
func (o *Ops) ProvisionForRegistration(ctx context.Context, reg *eventbus.EventRegistration) error {
	return nil
}

func (o *Ops) fqdn() string {
	return o.cfg.Namespace + ".servicebus.windows.net"
}

func (o *Ops) producerFor(hub string) (*azeventhubs.ProducerClient, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.producers[hub]; ok {
		return p, nil
	}
	p, err := azeventhubs.NewProducerClient(o.fqdn(), hub, o.cred, nil)
	if err != nil {
		return nil, err
	}
	o.producers[hub] = p
	return p, nil
}

func (o *Ops) SendOne(ctx context.Context, reg *eventbus.EventRegistration, msg eventbus.OutboundMessage, scheduled *time.Time) (string, error) {
	if scheduled != nil {
		logger.L().Warn("eventhubs: scheduled publish is not supported, sending immediately", "event", reg.EventName)
	}

	producer, err := o.producerFor(reg.EventName)
	if err != nil {
		return "", errors.Internal("eventhubs: producer", err)
	}

	batch, err := producer.NewEventDataBatch(ctx, nil)
	if err != nil {
		return "", err
	}
	props := make(map[string]interface{}, len(msg.Headers))
	for k, v := range msg.Headers {
		props[k] = v
	}
	if err := batch.AddEventData(&azeventhubs.EventData{Body: msg.Body, Properties: props, ContentType: &msg.ContentType}, nil); err != nil {
		return "", err
	}
	return "", producer.SendEventDataBatch(ctx, batch, nil)
}

func (o *Ops) SendMany(ctx context.Context, reg *eventbus.EventRegistration, msgs []eventbus.OutboundMessage, scheduled *time.Time) ([]string, error) {
	if scheduled != nil {
		logger.L().Warn("eventhubs: scheduled publish is not supported, sending immediately", "event", reg.EventName)
	}

	producer, err := o.producerFor(reg.EventName)
	if err != nil {
		return nil, errors.Internal("eventhubs: producer", err)
	}

	batch, err := producer.NewEventDataBatch(ctx, nil)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		props := make(map[string]interface{}, len(m.Headers))
		for k, v := range m.Headers {
			props[k] = v
		}
		ev := &azeventhubs.EventData{Body: m.Body, Properties: props, ContentType: &m.ContentType}
		if err := batch.AddEventData(ev, nil); err != nil {
			if sendErr := producer.SendEventDataBatch(ctx, batch, nil); sendErr != nil {
				return nil, sendErr
			}
			batch, err = producer.NewEventDataBatch(ctx, nil)
			if err != nil {
				return nil, err
			}
			if err := batch.AddEventData(ev, nil); err != nil {
				return nil, err
			}
		}
	}
	if batch.NumEvents() > 0 {
		if err := producer.SendEventDataBatch(ctx, batch, nil); err != nil {
			return nil, err
		}
	}
	return make([]string, len(msgs)), nil
}

// Cancel is unsupported: Event Hubs has no scheduled publish to withdraw
// (§4.F).
func (o *Ops) Cancel(ctx context.Context, reg *eventbus.EventRegistration, marker string) error {
	return eventbus.ErrNotSupported("Cancel", o.Name())
}

func (o *Ops) StartReceive(ctx context.Context, reg *eventbus.EventRegistration, gate *eventbus.ReadinessGate, handle func(context.Context, eventbus.InboundMessage)) error {
	consumerClient, err := azeventhubs.NewConsumerClient(o.fqdn(), reg.EventName, o.cfg.ConsumerGroup, o.cred, nil)
	if err != nil {
		return errors.Internal("eventhubs: consumer client", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	loop := &consumerLoop{client: consumerClient, cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	o.consumers[reg.EventName] = loop
	o.mu.Unlock()

	go o.pump(loopCtx, loop, reg, gate, handle)
	return nil
}

func (o *Ops) pump(ctx context.Context, loop *consumerLoop, reg *eventbus.EventRegistration, gate *eventbus.ReadinessGate, handle func(context.Context, eventbus.InboundMessage)) {
	defer close(loop.done)

	select {
	case <-gate.Wait():
	case <-ctx.Done():
		return
	}

	props, err := loop.client.GetEventHubProperties(ctx, nil)
	if err != nil {
		logger.L().Error("eventhubs: failed to read hub properties", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, partitionID := range props.PartitionIDs {
		partitionClient, err := loop.client.NewPartitionClient(partitionID, &azeventhubs.PartitionClientOptions{
			StartPosition: azeventhubs.StartPosition{Latest: toBoolPtr(true)},
		})
		if err != nil {
			logger.L().Error("eventhubs: failed to open partition client", "partition", partitionID, "error", err)
			continue
		}

		wg.Add(1)
		go func(pc *azeventhubs.PartitionClient) {
			defer wg.Done()
			defer pc.Close(context.Background())
			for {
				events, err := pc.ReceiveEvents(ctx, 32, nil)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					continue
				}
				for _, ev := range events {
					handle(ctx, o.toInbound(reg, ev))
				}
			}
		}(partitionClient)
	}
	wg.Wait()
}

func toBoolPtr(b bool) *bool { return &b }

// toInbound wraps a received event, implementing dead-letter as a shadow
// publish to "<event-name>-deadletter" since Event Hubs has no native
// dead-letter concept (§4.F, §6 "Dead-letter").
func (o *Ops) toInbound(reg *eventbus.EventRegistration, ev *azeventhubs.ReceivedEventData) eventbus.InboundMessage {
	headers := make(map[string]string, len(ev.Properties))
	for k, v := range ev.Properties {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	contentType := ""
	if ev.ContentType != nil {
		contentType = *ev.ContentType
	}
	return eventbus.InboundMessage{
		Body:        ev.Body,
		ContentType: contentType,
		Headers:     headers,
		Ack:         func(ctx context.Context) error { return nil },
		Discard:     func(ctx context.Context) error { return nil },
		DeadLetter: func(ctx context.Context, reason string) error {
			shadow := reg.EventName + "-deadletter"
			producer, err := o.producerFor(shadow)
			if err != nil {
				return fmt.Errorf("eventhubs: shadow dead-letter publish to %s: %w", shadow, err)
			}
			batch, err := producer.NewEventDataBatch(ctx, nil)
			if err != nil {
				return err
			}
			if err := batch.AddEventData(&azeventhubs.EventData{Body: ev.Body, Properties: map[string]interface{}{"reason": reason}}, nil); err != nil {
				return err
			}
			return producer.SendEventDataBatch(ctx, batch, nil)
		},
		Requeue: func(ctx context.Context) error {
			return eventbus.ErrNotSupported("Requeue", "eventhubs")
		},
	}
}

func (o *Ops) StopReceive(ctx context.Context, reg *eventbus.EventRegistration) error {
	o.mu.Lock()
	loop, ok := o.consumers[reg.EventName]
	if ok {
		delete(o.consumers, reg.EventName)
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
	return loop.client.Close(context.Background())
}

func (o *Ops) CheckHealth(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range o.producers {
		if _, err := p.GetEventHubProperties(ctx, nil); err != nil {
			return err
		}
		return nil
	}
	return nil
}
