package azqueue_test

import (
	"os"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/chris-alexander-pop/go-eventbus/pkg/eventbus"
	"github.com/chris-alexander-pop/go-eventbus/pkg/eventbus/adapters/azqueue"
	"github.com/stretchr/testify/suite"
)

// QueueConformanceSuite runs the shared BrokerOps conformance suite against
// a live Queue Storage account. Queue Storage supports scheduled publish
// via visibility timeout and cancel via delete-by-receipt (§4.F).
type QueueConformanceSuite struct {
	eventbus.ConformanceSuite
}

func TestQueueConformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping live Queue Storage conformance test")
	}
	serviceURL := os.Getenv("AZURE_QUEUE_SERVICE_URL")
	if serviceURL == "" {
		t.Skip("AZURE_QUEUE_SERVICE_URL not set")
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		t.Fatal(err)
	}

	suite.Run(t, &QueueConformanceSuite{
		ConformanceSuite: eventbus.ConformanceSuite{
			NewOps: func() eventbus.BrokerOps {
				ops, err := azqueue.New(azqueue.Config{ServiceURL: serviceURL}, cred)
				if err != nil {
					t.Fatal(err)
				}
				return ops
			},
			Caps: eventbus.ConformanceCapabilities{SupportsSchedule: true, SupportsCancel: true},
		},
	})
}
