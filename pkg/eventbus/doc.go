/*
Package eventbus provides a pluggable publish/consume abstraction over
heterogeneous message-broker transports.

Supported transports (each in its own sub-package under adapters/):
  - Azure Service Bus (topic + subscription)
  - Azure Event Hubs (partitioned stream)
  - Azure Queue Storage (queue per event)
  - Amazon SNS/SQS (topic fan-out into queue)
  - Amazon Kinesis (stream, publish-only)
  - RabbitMQ (fanout exchange + durable queue)
  - an in-memory harness for tests

# Architecture

Applications register event payload types and consumer types against a
Store; Freeze derives stable wire names from a Naming configuration and
validates the registration graph. A Bus routes Publish/Cancel calls to the
transport that owns each event's registration and aggregates
Start/Stop/CheckHealth across all configured transports.

# Usage

	store := eventbus.NewStore()
	eventbus.Register[OrderPlaced](store, "memory", eventbus.EntityKindTopic)
	eventbus.AddConsumer[OrderPlaced](store, orderConsumer{})

	bus := eventbus.NewBus(store, eventbus.Config{}, eventbus.HostInfo{ApplicationName: "orders"})
	bus.AddTransport(memory.New())
	bus.Start(ctx)
	defer bus.Stop(ctx)

	pub := eventbus.NewPublisher[OrderPlaced](bus)
	pub.Publish(ctx, OrderPlaced{ID: "123"}, nil)
*/
package eventbus
