package eventhubs_test

import (
	"os"
	"testing"

	"github.com/chris-alexander-pop/go-eventbus/pkg/eventbus"
	"github.com/chris-alexander-pop/go-eventbus/pkg/eventbus/adapters/eventhubs"
	"github.com/stretchr/testify/suite"
)

// EventHubsConformanceSuite runs the shared BrokerOps conformance suite
// against a live Event Hubs namespace. Event Hubs has no scheduled publish
// or cancel (§4.F).
type EventHubsConformanceSuite struct {
	eventbus.ConformanceSuite
}

func TestEventHubsConformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping live Event Hubs conformance test")
	}
	namespace := os.Getenv("AZURE_EVENTHUBS_NAMESPACE")
	if namespace == "" {
		t.Skip("AZURE_EVENTHUBS_NAMESPACE not set")
	}

	suite.Run(t, &EventHubsConformanceSuite{
		ConformanceSuite: eventbus.ConformanceSuite{
			NewOps: func() eventbus.BrokerOps {
				ops, err := eventhubs.New(eventhubs.Config{Namespace: namespace})
				if err != nil {
					t.Fatal(err)
				}
				return ops
			},
			Caps: eventbus.ConformanceCapabilities{},
		},
	})
}
