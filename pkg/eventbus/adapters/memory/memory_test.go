package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/chris-alexander-pop/go-eventbus/pkg/eventbus"
	"github.com/chris-alexander-pop/go-eventbus/pkg/eventbus/adapters/memory"
	"github.com/stretchr/testify/suite"
)

// MemoryConformanceSuite runs the shared BrokerOps conformance suite
// against the in-memory transport; memory delays a scheduled publish
// in-process but returns no marker, and supports neither cancel nor
// requeue (§4.F, in-memory row).
type MemoryConformanceSuite struct {
	eventbus.ConformanceSuite
}

func TestMemoryConformance(t *testing.T) {
	suite.Run(t, &MemoryConformanceSuite{
		ConformanceSuite: eventbus.ConformanceSuite{
			NewOps: func() eventbus.BrokerOps { return memory.New() },
			Caps:   eventbus.ConformanceCapabilities{},
		},
	})
}

type orderPlaced struct {
	OrderID string
}

type failingConsumer struct{}

func (failingConsumer) Consume(ctx context.Context, event *eventbus.Context[orderPlaced]) error {
	return &testConsumeError{}
}

type testConsumeError struct{}

func (e *testConsumeError) Error() string { return "induced consumer failure" }

// TestFailedDeliveryRecordedSeparately exercises §8 scenario 5's
// dead-letter path against the in-memory harness's Failed() accessor.
func TestFailedDeliveryRecordedSeparately(t *testing.T) {
	store := eventbus.NewStore()
	_, err := eventbus.Register[orderPlaced](store, "memory", eventbus.EntityKindTopic)
	if err != nil {
		t.Fatal(err)
	}
	_, err = eventbus.AddConsumer[orderPlaced](store, failingConsumer{})
	if err != nil {
		t.Fatal(err)
	}

	ops := memory.New()
	bus := eventbus.NewBus(store, eventbus.Config{ShutdownGracePeriod: 2 * time.Second}, eventbus.HostInfo{})
	bus.AddTransport(ops)
	if err := bus.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer bus.Stop(context.Background())

	pub := eventbus.NewPublisher[orderPlaced](bus)
	if _, err := pub.Publish(context.Background(), orderPlaced{OrderID: "o-1"}, nil); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for len(ops.Failed()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if len(ops.Failed()) != 1 {
		t.Fatalf("expected exactly one failed delivery, got %d", len(ops.Failed()))
	}
	if len(ops.Consumed()) != 0 {
		t.Fatalf("expected no successful deliveries, got %d", len(ops.Consumed()))
	}
}
