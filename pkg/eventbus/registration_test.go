package eventbus_test

import (
	"context"
	"testing"

	apperrors "github.com/chris-alexander-pop/go-eventbus/pkg/errors"
	"github.com/chris-alexander-pop/go-eventbus/pkg/eventbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleEvent struct {
	Make string
}

type sampleConsumer struct{}

func (sampleConsumer) Consume(ctx context.Context, event *eventbus.Context[sampleEvent]) error {
	return nil
}

type pointerConsumerA struct{}

func (*pointerConsumerA) Consume(ctx context.Context, event *eventbus.Context[sampleEvent]) error {
	return nil
}

type pointerConsumerB struct{}

func (*pointerConsumerB) Consume(ctx context.Context, event *eventbus.Context[sampleEvent]) error {
	return nil
}

func TestRegister_IdempotentPerEventType(t *testing.T) {
	store := eventbus.NewStore()

	first, err := eventbus.Register[sampleEvent](store, "memory", eventbus.EntityKindTopic)
	require.NoError(t, err)

	second, err := eventbus.Register[sampleEvent](store, "memory", eventbus.EntityKindTopic)
	require.NoError(t, err)

	assert.Same(t, first, second)
}

func TestAddConsumer_UnknownEventType(t *testing.T) {
	store := eventbus.NewStore()
	_, err := eventbus.AddConsumer[sampleEvent](store, sampleConsumer{})
	assert.True(t, apperrors.Is(err, eventbus.CodeUnknownEvent))
}

func TestFreeze_DerivesNamesAndBindsDefaultSerializer(t *testing.T) {
	store := eventbus.NewStore()
	_, err := eventbus.Register[sampleEvent](store, "memory", eventbus.EntityKindTopic)
	require.NoError(t, err)
	_, err = eventbus.AddConsumer[sampleEvent](store, sampleConsumer{})
	require.NoError(t, err)

	err = store.Freeze(eventbus.NamingConfig{Convention: eventbus.KebabCase}, eventbus.NewJSONSerializer(), map[string]int{"memory": 0})
	require.NoError(t, err)

	reg, err := eventbus.GetByEventType[sampleEvent](store)
	require.NoError(t, err)
	assert.Equal(t, "sample-event", reg.EventName)
	assert.NotNil(t, reg.Serializer)
	require.Len(t, reg.Consumers, 1)
	assert.Equal(t, "sample-consumer", reg.Consumers[0].ConsumerName)
}

func TestFreeze_UnknownTransportFails(t *testing.T) {
	store := eventbus.NewStore()
	_, err := eventbus.Register[sampleEvent](store, "nope", eventbus.EntityKindTopic)
	require.NoError(t, err)

	err = store.Freeze(eventbus.NamingConfig{}, eventbus.NewJSONSerializer(), map[string]int{"memory": 0})
	assert.True(t, apperrors.Is(err, eventbus.CodeNoTransport))
}

func TestRegister_AfterFreezeFails(t *testing.T) {
	store := eventbus.NewStore()
	_, err := eventbus.Register[sampleEvent](store, "memory", eventbus.EntityKindTopic)
	require.NoError(t, err)
	require.NoError(t, store.Freeze(eventbus.NamingConfig{}, eventbus.NewJSONSerializer(), map[string]int{"memory": 0}))

	_, err = eventbus.Register[sampleEvent](store, "memory", eventbus.EntityKindTopic)
	assert.True(t, apperrors.Is(err, eventbus.CodeAlreadyFrozen))
}

func TestFreeze_DuplicateConsumerNameFails(t *testing.T) {
	store := eventbus.NewStore()
	_, err := eventbus.Register[sampleEvent](store, "memory", eventbus.EntityKindTopic)
	require.NoError(t, err)
	_, err = eventbus.AddConsumer[sampleEvent](store, sampleConsumer{}, eventbus.WithConsumerNameOverride("dup"))
	require.NoError(t, err)
	_, err = eventbus.AddConsumer[sampleEvent](store, sampleConsumer{}, eventbus.WithConsumerNameOverride("dup"))
	require.NoError(t, err)

	err = store.Freeze(eventbus.NamingConfig{}, eventbus.NewJSONSerializer(), map[string]int{"memory": 0})
	assert.True(t, apperrors.Is(err, eventbus.CodeDuplicateConsumer))
}

// TestFreeze_PointerConsumersDeriveDistinctNames guards against pointer
// receiver consumer types (the idiomatic form) deriving an empty name from
// reflect.Type.Name() and spuriously colliding with each other at Freeze.
func TestFreeze_PointerConsumersDeriveDistinctNames(t *testing.T) {
	store := eventbus.NewStore()
	_, err := eventbus.Register[sampleEvent](store, "memory", eventbus.EntityKindTopic)
	require.NoError(t, err)
	_, err = eventbus.AddConsumer[sampleEvent](store, &pointerConsumerA{})
	require.NoError(t, err)
	_, err = eventbus.AddConsumer[sampleEvent](store, &pointerConsumerB{})
	require.NoError(t, err)

	err = store.Freeze(eventbus.NamingConfig{Convention: eventbus.KebabCase}, eventbus.NewJSONSerializer(), map[string]int{"memory": 0})
	require.NoError(t, err)

	reg, err := eventbus.GetByEventType[sampleEvent](store)
	require.NoError(t, err)
	require.Len(t, reg.Consumers, 2)
	assert.NotEmpty(t, reg.Consumers[0].ConsumerName)
	assert.NotEmpty(t, reg.Consumers[1].ConsumerName)
	assert.NotEqual(t, reg.Consumers[0].ConsumerName, reg.Consumers[1].ConsumerName)
}

// TestFreeze_NameTooLongFails guards the per-transport entity-naming
// ceiling (§6): a transport implementing NameLimiter must reject an
// over-length derived name at Freeze, before Start ever provisions it.
func TestFreeze_NameTooLongFails(t *testing.T) {
	store := eventbus.NewStore()
	_, err := eventbus.Register[sampleEvent](store, "servicebus", eventbus.EntityKindTopic,
		eventbus.WithNameOverride("this-event-name-is-deliberately-far-too-long-to-fit-the-fifty-character-ceiling"))
	require.NoError(t, err)

	err = store.Freeze(eventbus.NamingConfig{}, eventbus.NewJSONSerializer(), map[string]int{"servicebus": 50})
	assert.True(t, apperrors.Is(err, eventbus.CodeNameTooLong))
}
