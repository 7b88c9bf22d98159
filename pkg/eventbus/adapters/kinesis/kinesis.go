// Package kinesis implements eventbus.BrokerOps over Amazon Kinesis: a
// publish-only stream with native batching via PutRecords, no scheduled
// publish, no cancel, and no dead-letter (§4.F, kinesis row).
package kinesis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	kinesistypes "github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/chris-alexander-pop/go-eventbus/pkg/errors"
	"github.com/chris-alexander-pop/go-eventbus/pkg/eventbus"
	"github.com/chris-alexander-pop/go-eventbus/pkg/logger"
)

// Config configures the Kinesis transport.
type Config struct {
	Region string `env:"AWS_KINESIS_REGION"`
}

// Ops is the Kinesis eventbus.BrokerOps. Kinesis is publish-only: it has no
// consumer-group primitive this module models, so StartReceive/StopReceive
// are unsupported (§4.F).
type Ops struct {
	cfg    Config
	client *kinesis.Client
}

// New dials Kinesis from the ambient AWS config.
func New(ctx context.Context, cfg Config) (*Ops, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, errors.Internal("kinesis: failed to load aws config", err)
	}
	return &Ops{cfg: cfg, client: kinesis.NewFromConfig(awsCfg)}, nil
}

func (o *Ops) Name() string { return "kinesis" }

// ProvisionForRegistration is a no-op: the stream is assumed to already
// exist, shards are a capacity concern outside this module's scope.
func (o *Ops) ProvisionForRegistration(ctx context.Context, reg *eventbus.EventRegistration) error {
	return nil
}

// envelopeID extracts the "Id" field from a serialized envelope so it can
// serve as the Kinesis partition key, keeping same-event records on one
// shard (§9 open question: partition key = event id).
func envelopeID(body []byte) string {
	var header struct {
		Id string `json:"Id"`
	}
	if err := json.Unmarshal(body, &header); err != nil || header.Id == "" {
		return "unpartitioned"
	}
	return header.Id
}

func (o *Ops) SendOne(ctx context.Context, reg *eventbus.EventRegistration, msg eventbus.OutboundMessage, scheduled *time.Time) (string, error) {
	if scheduled != nil {
		logger.L().Warn("kinesis: scheduled publish is not supported, sending immediately", "event", reg.EventName)
	}

	_, err := o.client.PutRecord(ctx, &kinesis.PutRecordInput{
		StreamName:   aws.String(reg.EventName),
		PartitionKey: aws.String(envelopeID(msg.Body)),
		Data:         msg.Body,
	})
	if err != nil {
		return "", errors.Internal("kinesis: put record", err)
	}
	return "", nil
}

// SendMany batches with the native PutRecords API, splitting at Kinesis's
// 500-record-per-call ceiling.
func (o *Ops) SendMany(ctx context.Context, reg *eventbus.EventRegistration, msgs []eventbus.OutboundMessage, scheduled *time.Time) ([]string, error) {
	if scheduled != nil {
		logger.L().Warn("kinesis: scheduled publish is not supported, sending immediately", "event", reg.EventName)
	}

	const maxBatch = 500
	markers := make([]string, 0, len(msgs))

	for start := 0; start < len(msgs); start += maxBatch {
		end := start + maxBatch
		if end > len(msgs) {
			end = len(msgs)
		}
		records := make([]kinesistypes.PutRecordsRequestEntry, end-start)
		for i, m := range msgs[start:end] {
			records[i] = kinesistypes.PutRecordsRequestEntry{
				PartitionKey: aws.String(envelopeID(m.Body)),
				Data:         m.Body,
			}
		}
		out, err := o.client.PutRecords(ctx, &kinesis.PutRecordsInput{
			StreamName: aws.String(reg.EventName),
			Records:    records,
		})
		if err != nil {
			return nil, errors.Internal("kinesis: put records", err)
		}
		if out.FailedRecordCount != nil && *out.FailedRecordCount > 0 {
			logger.L().Warn("kinesis: partial batch failure", "event", reg.EventName, "failed", *out.FailedRecordCount)
		}
		for range records {
			markers = append(markers, "")
		}
	}
	return markers, nil
}

// Cancel is unsupported: Kinesis has no scheduled publish to withdraw.
func (o *Ops) Cancel(ctx context.Context, reg *eventbus.EventRegistration, marker string) error {
	return eventbus.ErrNotSupported("Cancel", o.Name())
}

// StartReceive is unsupported: consuming a Kinesis stream requires a
// shard-iterator/checkpoint model this module does not implement for
// Kinesis (publish-only transport, §4.F).
func (o *Ops) StartReceive(ctx context.Context, reg *eventbus.EventRegistration, gate *eventbus.ReadinessGate, handle func(context.Context, eventbus.InboundMessage)) error {
	return eventbus.ErrNotSupported("StartReceive", o.Name())
}

func (o *Ops) StopReceive(ctx context.Context, reg *eventbus.EventRegistration) error {
	return nil
}

func (o *Ops) CheckHealth(ctx context.Context) error {
	_, err := o.client.ListStreams(ctx, &kinesis.ListStreamsInput{Limit: aws.Int32(1)})
	return err
}
