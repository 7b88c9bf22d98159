package kinesis_test

import (
	"context"
	"os"
	"testing"

	"github.com/chris-alexander-pop/go-eventbus/pkg/eventbus"
	"github.com/chris-alexander-pop/go-eventbus/pkg/eventbus/adapters/kinesis"
	"github.com/stretchr/testify/require"
)

// Kinesis is publish-only (§4.F), so it cannot run the shared
// ConformanceSuite unmodified: that suite starts a receive loop every
// transport is expected to support. These tests instead exercise the
// publish path directly and assert the unsupported verbs fail the right way.
func TestKinesis_PublishOnlyContract(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping live Kinesis test")
	}
	region := os.Getenv("AWS_KINESIS_REGION")
	streamName := os.Getenv("AWS_KINESIS_STREAM")
	if region == "" || streamName == "" {
		t.Skip("AWS_KINESIS_REGION/AWS_KINESIS_STREAM not set")
	}

	ctx := context.Background()
	ops, err := kinesis.New(ctx, kinesis.Config{Region: region})
	require.NoError(t, err)

	reg := &eventbus.EventRegistration{EventName: streamName}

	marker, err := ops.SendOne(ctx, reg, eventbus.OutboundMessage{
		Body:        []byte(`{"Id":"test-record-1","Event":{}}`),
		ContentType: eventbus.JSONContentType,
	}, nil)
	require.NoError(t, err)
	require.Empty(t, marker)

	err = ops.Cancel(ctx, reg, "")
	require.True(t, eventbus.IsNotSupported(err))

	err = ops.StartReceive(ctx, reg, eventbus.NewReadinessGate(), func(context.Context, eventbus.InboundMessage) {})
	require.True(t, eventbus.IsNotSupported(err))

	require.NoError(t, ops.CheckHealth(ctx))
}

func TestKinesis_SendManyBatches(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping live Kinesis test")
	}
	region := os.Getenv("AWS_KINESIS_REGION")
	streamName := os.Getenv("AWS_KINESIS_STREAM")
	if region == "" || streamName == "" {
		t.Skip("AWS_KINESIS_REGION/AWS_KINESIS_STREAM not set")
	}

	ctx := context.Background()
	ops, err := kinesis.New(ctx, kinesis.Config{Region: region})
	require.NoError(t, err)

	reg := &eventbus.EventRegistration{EventName: streamName}
	msgs := []eventbus.OutboundMessage{
		{Body: []byte(`{"Id":"a","Event":{}}`), ContentType: eventbus.JSONContentType},
		{Body: []byte(`{"Id":"b","Event":{}}`), ContentType: eventbus.JSONContentType},
	}

	markers, err := ops.SendMany(ctx, reg, msgs, nil)
	require.NoError(t, err)
	require.Len(t, markers, 2)
}
