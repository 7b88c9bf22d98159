package sqssns_test

import (
	"context"
	"os"
	"testing"

	"github.com/chris-alexander-pop/go-eventbus/pkg/eventbus"
	"github.com/chris-alexander-pop/go-eventbus/pkg/eventbus/adapters/sqssns"
	"github.com/stretchr/testify/suite"
)

// SNSSQSConformanceSuite runs the shared BrokerOps conformance suite against
// live SNS/SQS. Neither scheduled publish nor cancel exist on this
// transport (§4.F).
type SNSSQSConformanceSuite struct {
	eventbus.ConformanceSuite
}

func TestSNSSQSConformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping live SNS/SQS conformance test")
	}
	region := os.Getenv("AWS_SNS_SQS_REGION")
	if region == "" {
		t.Skip("AWS_SNS_SQS_REGION not set")
	}

	suite.Run(t, &SNSSQSConformanceSuite{
		ConformanceSuite: eventbus.ConformanceSuite{
			NewOps: func() eventbus.BrokerOps {
				ops, err := sqssns.New(context.Background(), sqssns.Config{Region: region})
				if err != nil {
					t.Fatal(err)
				}
				return ops
			},
			Caps: eventbus.ConformanceCapabilities{},
		},
	})
}
