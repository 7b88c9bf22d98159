package eventbus_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chris-alexander-pop/go-eventbus/pkg/eventbus"
	"github.com/chris-alexander-pop/go-eventbus/pkg/eventbus/adapters/memory"
	"github.com/stretchr/testify/suite"
)

type vehicleRegistered struct {
	Make         string
	Model        string
	Registration string
	VIN          string
	Year         int
}

type recordingConsumer struct {
	mu       sync.Mutex
	received []*eventbus.Context[vehicleRegistered]
}

func (c *recordingConsumer) Consume(ctx context.Context, event *eventbus.Context[vehicleRegistered]) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, event)
	return nil
}

func (c *recordingConsumer) snapshot() []*eventbus.Context[vehicleRegistered] {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*eventbus.Context[vehicleRegistered], len(c.received))
	copy(out, c.received)
	return out
}

// BusSuite exercises the end-to-end scenarios of the shared publish/consume
// pipeline (§4.E, §8) against the in-memory harness.
type BusSuite struct {
	suite.Suite
	ops      *memory.Ops
	store    *eventbus.Store
	bus      *eventbus.Bus
	consumer *recordingConsumer
}

func (s *BusSuite) SetupTest() {
	s.store = eventbus.NewStore()
	_, err := eventbus.Register[vehicleRegistered](s.store, "memory", eventbus.EntityKindTopic)
	s.Require().NoError(err)

	s.consumer = &recordingConsumer{}
	_, err = eventbus.AddConsumer[vehicleRegistered](s.store, s.consumer)
	s.Require().NoError(err)

	s.ops = memory.New()
	s.bus = eventbus.NewBus(s.store, eventbus.Config{
		EmptyResultsDelay:   10 * time.Millisecond,
		ShutdownGracePeriod: 2 * time.Second,
	}, eventbus.HostInfo{ApplicationName: "bus-suite"})
	s.bus.AddTransport(s.ops)

	s.Require().NoError(s.bus.Start(context.Background()))
}

func (s *BusSuite) TearDownTest() {
	s.Require().NoError(s.bus.Stop(context.Background()))
}

// TestInMemoryPublishConsume is seed scenario 1 of §8: publish one event,
// see it consumed with matching fields and nothing dead-lettered.
func (s *BusSuite) TestInMemoryPublishConsume() {
	pub := eventbus.NewPublisher[vehicleRegistered](s.bus)
	_, err := pub.Publish(context.Background(), vehicleRegistered{
		Make: "TESLA", Model: "Roadster 2.0", Registration: "1234567890",
		VIN: "5YJ3E1EA5KF328931", Year: 2021,
	}, nil)
	s.Require().NoError(err)

	s.Eventually(func() bool {
		return len(s.consumer.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)

	got := s.consumer.snapshot()
	s.Require().Len(got, 1)
	s.Equal("TESLA", got[0].Event.Make)
	s.Equal("5YJ3E1EA5KF328931", got[0].Event.VIN)
	s.Empty(s.ops.Failed())
}

// TestGracefulShutdownWaitsForInFlight is seed scenario 6 of §8: Stop blocks
// until an in-flight consume returns, and nothing dispatches afterward.
func (s *BusSuite) TestGracefulShutdownWaitsForInFlight() {
	started := make(chan struct{})
	release := make(chan struct{})

	slow := &blockingConsumer{started: started, release: release}
	store := eventbus.NewStore()
	_, err := eventbus.Register[vehicleRegistered](store, "memory", eventbus.EntityKindTopic)
	s.Require().NoError(err)
	_, err = eventbus.AddConsumer[vehicleRegistered](store, slow)
	s.Require().NoError(err)

	ops := memory.New()
	bus := eventbus.NewBus(store, eventbus.Config{ShutdownGracePeriod: 2 * time.Second}, eventbus.HostInfo{})
	bus.AddTransport(ops)
	s.Require().NoError(bus.Start(context.Background()))

	pub := eventbus.NewPublisher[vehicleRegistered](bus)
	_, err = pub.Publish(context.Background(), vehicleRegistered{Make: "FORD"}, nil)
	s.Require().NoError(err)

	<-started
	stopDone := make(chan error, 1)
	go func() { stopDone <- bus.Stop(context.Background()) }()

	select {
	case <-stopDone:
		s.Fail("Stop returned before the in-flight consumer released")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	s.Require().NoError(<-stopDone)
	s.True(slow.completed.Load())
}

type blockingConsumer struct {
	started   chan struct{}
	release   chan struct{}
	startOnce sync.Once
	completed atomic.Bool
}

func (c *blockingConsumer) Consume(ctx context.Context, event *eventbus.Context[vehicleRegistered]) error {
	c.startOnce.Do(func() { close(c.started) })
	<-c.release
	c.completed.Store(true)
	return nil
}

func TestBusSuite(t *testing.T) {
	suite.Run(t, new(BusSuite))
}
