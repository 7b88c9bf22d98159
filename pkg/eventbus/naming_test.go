package eventbus_test

import (
	"testing"

	"github.com/chris-alexander-pop/go-eventbus/pkg/eventbus"
	"github.com/stretchr/testify/assert"
)

func TestEventName_KebabScopeShortTypeName(t *testing.T) {
	cfg := eventbus.NamingConfig{Scope: "dev", Convention: eventbus.KebabCase}
	got := eventbus.EventName("TestEvent1", "tingle.event.bus.tests.TestEvent1", "", cfg)
	assert.Equal(t, "dev-test-event1", got)
}

func TestEventName_KebabScopeFullTypeName(t *testing.T) {
	cfg := eventbus.NamingConfig{Scope: "dev", Convention: eventbus.KebabCase, UseFullTypeNames: true}
	got := eventbus.EventName("TestEvent1", "tingle.event.bus.tests.TestEvent1", "", cfg)
	assert.Equal(t, "dev-tingle-event-bus-tests-test-event1", got)
}

func TestEventName_OverrideIgnoresConvention(t *testing.T) {
	for _, conv := range []eventbus.Convention{eventbus.KebabCase, eventbus.SnakeCase, eventbus.DotCase} {
		cfg := eventbus.NamingConfig{Scope: "dev", Convention: conv}
		got := eventbus.EventName("TestEvent1", "", "sample-event", cfg)
		assert.Equal(t, "sample-event", got)
	}
}

func TestEventName_Idempotent(t *testing.T) {
	cfg := eventbus.NamingConfig{Scope: "dev", Convention: eventbus.KebabCase}
	first := eventbus.EventName("TestEvent1", "", "", cfg)
	second := eventbus.EventName("TestEvent1", "", "", cfg)
	assert.Equal(t, first, second)
}

func TestConsumerName_PrefixAndTypeNameSuffixed(t *testing.T) {
	cfg := eventbus.NamingConfig{
		Convention:         eventbus.KebabCase,
		ConsumerNameSource: eventbus.ConsumerNameFromPrefixAndType,
		ConsumerNamePrefix: "service1",
		SuffixConsumerName: true,
	}
	eventName := eventbus.EventName("TestEvent1", "", "", cfg)
	got := eventbus.ConsumerName("TestConsumer1", "", "", eventName, cfg)
	assert.Equal(t, "service1-test-consumer1-test-event1", got)
}

func TestConsumerName_NoInvalidCharacters(t *testing.T) {
	cfg := eventbus.NamingConfig{
		Convention:         eventbus.SnakeCase,
		ConsumerNameSource: eventbus.ConsumerNameFromPrefixAndType,
		ConsumerNamePrefix: "My Service!!",
		SuffixConsumerName: true,
	}
	eventName := eventbus.EventName("Order.Placed<V2>", "", "", cfg)
	got := eventbus.ConsumerName("Order$Consumer", "", "", eventName, cfg)
	assert.NotContains(t, got, "!")
	assert.NotContains(t, got, "$")
	assert.NotContains(t, got, "<")
	assert.NotContains(t, got, ">")
	assert.NotContains(t, got, " ")
}
