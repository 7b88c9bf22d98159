package rabbitmq_test

import (
	"os"
	"testing"

	"github.com/chris-alexander-pop/go-eventbus/pkg/eventbus"
	"github.com/chris-alexander-pop/go-eventbus/pkg/eventbus/adapters/rabbitmq"
	"github.com/stretchr/testify/suite"
)

// RabbitMQConformanceSuite runs the shared BrokerOps conformance suite
// against a live broker. Cancel is unsupported (a delayed message cannot be
// withdrawn once published); scheduled publish relies on the optional
// delayed-message plugin so is not asserted as a hard capability (§4.F).
type RabbitMQConformanceSuite struct {
	eventbus.ConformanceSuite
}

func TestRabbitMQConformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping live RabbitMQ conformance test")
	}
	url := os.Getenv("RABBITMQ_URL")
	if url == "" {
		t.Skip("RABBITMQ_URL not set")
	}

	suite.Run(t, &RabbitMQConformanceSuite{
		ConformanceSuite: eventbus.ConformanceSuite{
			NewOps: func() eventbus.BrokerOps {
				ops, err := rabbitmq.New(rabbitmq.Config{URL: url})
				if err != nil {
					t.Fatal(err)
				}
				return ops
			},
			Caps: eventbus.ConformanceCapabilities{},
		},
	})
}
