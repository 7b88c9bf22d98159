package servicebus_test

import (
	"os"
	"testing"

	"github.com/chris-alexander-pop/go-eventbus/pkg/eventbus"
	"github.com/chris-alexander-pop/go-eventbus/pkg/eventbus/adapters/servicebus"
	"github.com/stretchr/testify/suite"
)

// ServiceBusConformanceSuite runs the shared BrokerOps conformance suite
// against a live Service Bus namespace. Service Bus supports both
// scheduled publish and cancel natively (§4.F).
type ServiceBusConformanceSuite struct {
	eventbus.ConformanceSuite
}

func TestServiceBusConformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping live Service Bus conformance test")
	}
	connStr := os.Getenv("AZURE_SERVICEBUS_CONNECTION_STRING")
	if connStr == "" {
		t.Skip("AZURE_SERVICEBUS_CONNECTION_STRING not set")
	}

	suite.Run(t, &ServiceBusConformanceSuite{
		ConformanceSuite: eventbus.ConformanceSuite{
			NewOps: func() eventbus.BrokerOps {
				ops, err := servicebus.New(servicebus.Config{ConnectionString: connStr})
				if err != nil {
					t.Fatal(err)
				}
				return ops
			},
			Caps: eventbus.ConformanceCapabilities{SupportsSchedule: true, SupportsCancel: true},
		},
	})
}
