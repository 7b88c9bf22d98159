// Package sqssns implements eventbus.BrokerOps over an SNS topic fanning
// out into an SQS queue: SNS owns publish, SQS owns receive, with
// provisioning wiring a subscription between the two (§4.F).
package sqssns

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/chris-alexander-pop/go-eventbus/pkg/errors"
	"github.com/chris-alexander-pop/go-eventbus/pkg/eventbus"
	"github.com/chris-alexander-pop/go-eventbus/pkg/logger"
)

// Config configures the SNS/SQS transport.
type Config struct {
	Region       string        `env:"AWS_SNS_SQS_REGION"`
	WaitTime     time.Duration `env:"AWS_SQS_WAIT_TIME" env-default:"10s"`
	PollInterval time.Duration `env:"AWS_SQS_POLL_INTERVAL" env-default:"1s"`
	BatchSize    int32         `env:"AWS_SQS_BATCH_SIZE" env-default:"10"`
}

type queueRef struct {
	url string
	arn string
}

type receiveLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Ops is the SNS/SQS eventbus.BrokerOps. Topic ARNs are cached per event
// name and queue URLs per event/consumer pair (§3 "Per-transport caches").
// Creation is not single-flighted: concurrent first callers for the same key
// each call CreateTopic/CreateQueue, and the last result is cached.
type Ops struct {
	cfg Config
	sns *sns.Client
	sqs *sqs.Client

	mu      sync.Mutex
	topics  map[string]string // event name -> topic ARN
	queues  map[string]queueRef
	loops   map[string]*receiveLoop
}

// New dials SNS and SQS from the ambient AWS config (region/credentials
// resolved the same way as every other AWS-backed adapter in this module).
func New(ctx context.Context, cfg Config) (*Ops, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, errors.Internal("sqssns: failed to load aws config", err)
	}
	return &Ops{
		cfg:    cfg,
		sns:    sns.NewFromConfig(awsCfg),
		sqs:    sqs.NewFromConfig(awsCfg),
		topics: make(map[string]string),
		queues: make(map[string]queueRef),
		loops:  make(map[string]*receiveLoop),
	}, nil
}

func (o *Ops) Name() string { return "sqssns" }

// ProvisionForRegistration creates the topic, creates the queue, and
// subscribes the queue to the topic (§4.F provisioning column).
func (o *Ops) ProvisionForRegistration(ctx context.Context, reg *eventbus.EventRegistration) error {
	topicArn, err := o.ensureTopic(ctx, reg.EventName)
	if err != nil {
		return err
	}

	for _, creg := range reg.Consumers {
		q, err := o.ensureQueue(ctx, reg.EventName, creg.ConsumerName)
		if err != nil {
			return err
		}
		if _, err := o.sns.Subscribe(ctx, &sns.SubscribeInput{
			TopicArn: aws.String(topicArn),
			Protocol: aws.String("sqs"),
			Endpoint: aws.String(q.arn),
		}); err != nil {
			return errors.Internal("sqssns: subscribe queue to topic", err)
		}
	}
	return nil
}

func (o *Ops) ensureTopic(ctx context.Context, eventName string) (string, error) {
	o.mu.Lock()
	if arn, ok := o.topics[eventName]; ok {
		o.mu.Unlock()
		return arn, nil
	}
	o.mu.Unlock()

	out, err := o.sns.CreateTopic(ctx, &sns.CreateTopicInput{Name: aws.String(eventName)})
	if err != nil {
		return "", errors.Internal("sqssns: create topic", err)
	}

	o.mu.Lock()
	o.topics[eventName] = *out.TopicArn
	o.mu.Unlock()
	return *out.TopicArn, nil
}

func (o *Ops) ensureQueue(ctx context.Context, eventName, consumerName string) (queueRef, error) {
	key := eventName + "\x00" + consumerName

	o.mu.Lock()
	if q, ok := o.queues[key]; ok {
		o.mu.Unlock()
		return q, nil
	}
	o.mu.Unlock()

	queueName := consumerName
	out, err := o.sqs.CreateQueue(ctx, &sqs.CreateQueueInput{QueueName: aws.String(queueName)})
	if err != nil {
		return queueRef{}, errors.Internal("sqssns: create queue", err)
	}

	attrs, err := o.sqs.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       out.QueueUrl,
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return queueRef{}, errors.Internal("sqssns: read queue arn", err)
	}

	q := queueRef{url: *out.QueueUrl, arn: attrs.Attributes[string(sqstypes.QueueAttributeNameQueueArn)]}
	o.mu.Lock()
	o.queues[key] = q
	o.mu.Unlock()
	return q, nil
}

// SendOne publishes to SNS. Scheduled publish is not supported by SNS/SQS
// (§4.F); a scheduled request is sent immediately with a warning.
func (o *Ops) SendOne(ctx context.Context, reg *eventbus.EventRegistration, msg eventbus.OutboundMessage, scheduled *time.Time) (string, error) {
	if scheduled != nil {
		logger.L().Warn("sqssns: scheduled publish is not supported, sending immediately", "event", reg.EventName)
	}

	topicArn, err := o.ensureTopic(ctx, reg.EventName)
	if err != nil {
		return "", err
	}

	attrs := make(map[string]snstypes.MessageAttributeValue, len(msg.Headers))
	for k, v := range msg.Headers {
		attrs[k] = snstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}

	_, err = o.sns.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(topicArn),
		Message:           aws.String(string(msg.Body)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return "", errors.Internal("sqssns: publish", err)
	}
	return "", nil
}

func (o *Ops) SendMany(ctx context.Context, reg *eventbus.EventRegistration, msgs []eventbus.OutboundMessage, scheduled *time.Time) ([]string, error) {
	logger.L().Warn("sqssns: batch publish is sequential, no native batch API", "event", reg.EventName, "count", len(msgs))
	markers := make([]string, len(msgs))
	for i, m := range msgs {
		if _, err := o.SendOne(ctx, reg, m, scheduled); err != nil {
			return nil, err
		}
		markers[i] = ""
	}
	return markers, nil
}

// Cancel is unsupported: SNS/SQS has no scheduled publish to withdraw
// (§4.F).
func (o *Ops) Cancel(ctx context.Context, reg *eventbus.EventRegistration, marker string) error {
	return eventbus.ErrNotSupported("Cancel", o.Name())
}

func (o *Ops) StartReceive(ctx context.Context, reg *eventbus.EventRegistration, gate *eventbus.ReadinessGate, handle func(context.Context, eventbus.InboundMessage)) error {
	for _, creg := range reg.Consumers {
		key := reg.EventName + "\x00" + creg.ConsumerName
		o.mu.Lock()
		q, ok := o.queues[key]
		o.mu.Unlock()
		if !ok {
			return errors.Internal("sqssns: queue not provisioned for consumer "+creg.ConsumerName, nil)
		}

		loopCtx, cancel := context.WithCancel(context.Background())
		loop := &receiveLoop{cancel: cancel, done: make(chan struct{})}
		o.mu.Lock()
		o.loops[key] = loop
		o.mu.Unlock()

		go o.pump(loopCtx, loop, reg, q, gate, handle)
	}
	return nil
}

// pump implements the polling state machine of §4.F: Idle -> Polling ->
// Dispatching -> Polling, Backoff on empty receive.
func (o *Ops) pump(ctx context.Context, loop *receiveLoop, reg *eventbus.EventRegistration, q queueRef, gate *eventbus.ReadinessGate, handle func(context.Context, eventbus.InboundMessage)) {
	defer close(loop.done)

	select {
	case <-gate.Wait():
	case <-ctx.Done():
		return
	}

	waitSeconds := int32(o.cfg.WaitTime / time.Second)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		out, err := o.sqs.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(q.url),
			MaxNumberOfMessages:   o.cfg.BatchSize,
			WaitTimeSeconds:       waitSeconds,
			MessageAttributeNames: []string{"All"},
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.L().Error("sqssns: receive failed", "event", reg.EventName, "error", err)
			time.Sleep(o.cfg.PollInterval)
			continue
		}

		if len(out.Messages) == 0 {
			time.Sleep(o.cfg.PollInterval)
			continue
		}

		for _, m := range out.Messages {
			handle(ctx, o.toInbound(q, reg, m))
		}
	}
}

// toInbound unwraps SNS's JSON envelope around the SQS body and implements
// dead-letter as a shadow queue by analogy with Queue Storage; this is
// an adopted behavior for an ambiguity the source left as TODO (§9 open
// questions).
func (o *Ops) toInbound(q queueRef, reg *eventbus.EventRegistration, m sqstypes.Message) eventbus.InboundMessage {
	headers := make(map[string]string, len(m.MessageAttributes))
	for k, v := range m.MessageAttributes {
		if v.StringValue != nil {
			headers[k] = *v.StringValue
		}
	}
	body := snsEnvelopeBody(aws.ToString(m.Body))
	receiptHandle := aws.ToString(m.ReceiptHandle)

	return eventbus.InboundMessage{
		Body:        []byte(body),
		ContentType: eventbus.JSONContentType,
		Headers:     headers,
		Ack: func(ctx context.Context) error {
			_, err := o.sqs.DeleteMessage(ctx, &sqs.DeleteMessageInput{QueueUrl: aws.String(q.url), ReceiptHandle: aws.String(receiptHandle)})
			return err
		},
		Discard: func(ctx context.Context) error {
			_, err := o.sqs.DeleteMessage(ctx, &sqs.DeleteMessageInput{QueueUrl: aws.String(q.url), ReceiptHandle: aws.String(receiptHandle)})
			return err
		},
		DeadLetter: func(ctx context.Context, reason string) error {
			dlq, err := o.ensureQueue(ctx, reg.EventName, reg.EventName+"-deadletter")
			if err != nil {
				return err
			}
			if _, err := o.sqs.SendMessage(ctx, &sqs.SendMessageInput{QueueUrl: aws.String(dlq.url), MessageBody: aws.String(body)}); err != nil {
				return err
			}
			_, err = o.sqs.DeleteMessage(ctx, &sqs.DeleteMessageInput{QueueUrl: aws.String(q.url), ReceiptHandle: aws.String(receiptHandle)})
			return err
		},
		Requeue: func(ctx context.Context) error {
			_, err := o.sqs.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
				QueueUrl:          aws.String(q.url),
				ReceiptHandle:     aws.String(receiptHandle),
				VisibilityTimeout: 0,
			})
			return err
		},
	}
}

// snsEnvelopeBody extracts the "Message" field SNS wraps raw publishes in
// when delivering to an SQS subscriber, falling back to the raw body when
// it is not SNS-wrapped JSON.
func snsEnvelopeBody(raw string) string {
	var wrapper struct {
		Message string `json:"Message"`
	}
	if err := json.Unmarshal([]byte(raw), &wrapper); err != nil || wrapper.Message == "" {
		return raw
	}
	return wrapper.Message
}

func (o *Ops) StopReceive(ctx context.Context, reg *eventbus.EventRegistration) error {
	o.mu.Lock()
	var loops []*receiveLoop
	for key, loop := range o.loops {
		if strings.HasPrefix(key, reg.EventName+"\x00") {
			loops = append(loops, loop)
			delete(o.loops, key)
		}
	}
	o.mu.Unlock()

	for _, loop := range loops {
		loop.cancel()
		select {
		case <-loop.done:
		case <-ctx.Done():
		}
	}
	return nil
}

func (o *Ops) CheckHealth(ctx context.Context) error {
	_, err := o.sns.ListTopics(ctx, &sns.ListTopicsInput{})
	return err
}
