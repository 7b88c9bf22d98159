package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/chris-alexander-pop/go-eventbus/pkg/test"
)

// ConformanceCapabilities declares which optional verbs a BrokerOps
// implementation supports, so ConformanceSuite can skip assertions a
// transport is allowed to fail by contract (§4.F's per-transport table).
type ConformanceCapabilities struct {
	SupportsSchedule bool
	SupportsCancel   bool
	SupportsRequeue  bool
}

// conformanceEvent is the payload the shared suite publishes and consumes;
// adapters under test never see application types, only this one.
type conformanceEvent struct {
	Marker string
}

// conformanceConsumer records every delivery it receives so the suite can
// assert on them without a race: Consume always appends under a mutex.
type conformanceConsumer struct {
	mu       sync.Mutex
	received []*Context[conformanceEvent]
	fail     func(*Context[conformanceEvent]) bool
}

func (c *conformanceConsumer) Consume(ctx context.Context, event *Context[conformanceEvent]) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, event)
	if c.fail != nil && c.fail(event) {
		return errConformanceInducedFailure
	}
	return nil
}

func (c *conformanceConsumer) snapshot() []*Context[conformanceEvent] {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Context[conformanceEvent], len(c.received))
	copy(out, c.received)
	return out
}

var errConformanceInducedFailure = &conformanceError{"conformance suite induced failure"}

type conformanceError struct{ msg string }

func (e *conformanceError) Error() string { return e.msg }

// ConformanceSuite is a reusable testify suite any adapter package can
// embed to validate its BrokerOps against the invariants every transport
// must satisfy regardless of broker (§8 "Testable properties"). Adapters
// supply NewOps to build a fresh BrokerOps per test and Caps to describe
// which optional verbs they implement.
type ConformanceSuite struct {
	test.Suite
	NewOps func() BrokerOps
	Caps   ConformanceCapabilities

	store    *Store
	bus      *Bus
	consumer *conformanceConsumer
}

func (s *ConformanceSuite) SetupTest() {
	s.Suite.SetupTest()

	s.store = NewStore()
	ops := s.NewOps()
	_, err := Register[conformanceEvent](s.store, ops.Name(), EntityKindTopic)
	s.Require().NoError(err)

	s.consumer = &conformanceConsumer{}
	_, err = AddConsumer[conformanceEvent](s.store, s.consumer)
	s.Require().NoError(err)

	s.bus = NewBus(s.store, Config{EmptyResultsDelay: 10 * time.Millisecond, ShutdownGracePeriod: 5 * time.Second}, HostInfo{ApplicationName: "conformance"})
	s.bus.AddTransport(ops)

	s.Require().NoError(s.bus.Start(s.Ctx))
}

func (s *ConformanceSuite) TearDownTest() {
	s.Require().NoError(s.bus.Stop(s.Ctx))
}

// TestPublishConsumeRoundTrip publishes one event and asserts it is
// delivered with a freshly assigned, non-empty Id.
func (s *ConformanceSuite) TestPublishConsumeRoundTrip() {
	pub := NewPublisher[conformanceEvent](s.bus)
	_, err := pub.Publish(s.Ctx, conformanceEvent{Marker: "round-trip"}, nil)
	s.Require().NoError(err)

	s.Eventually(func() bool {
		return len(s.consumer.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	got := s.consumer.snapshot()
	s.Require().Len(got, 1)
	s.NotEmpty(got[0].Id)
	s.Equal("round-trip", got[0].Event.Marker)
}

// TestHealthCheck asserts the transport reports healthy immediately after
// Start, before any publish has occurred.
func (s *ConformanceSuite) TestHealthCheck() {
	s.NoError(s.bus.CheckHealth(s.Ctx))
}

// TestScheduledCancel asserts that, when the transport supports it,
// cancelling a scheduled publish prevents delivery; transports without
// scheduling are expected to return ErrNotSupported from Cancel instead.
func (s *ConformanceSuite) TestScheduledCancel() {
	pub := NewPublisher[conformanceEvent](s.bus)
	future := time.Now().Add(time.Hour)
	marker, err := pub.Publish(s.Ctx, conformanceEvent{Marker: "scheduled"}, &future)

	if !s.Caps.SupportsSchedule {
		s.Require().NoError(err)
		s.Empty(marker)
		s.True(IsNotSupported(pub.Cancel(s.Ctx, marker)))
		return
	}

	s.Require().NoError(err)
	s.NotEmpty(marker)

	cancelErr := pub.Cancel(s.Ctx, marker)
	if !s.Caps.SupportsCancel {
		s.True(IsNotSupported(cancelErr))
		return
	}
	s.NoError(cancelErr)
}
