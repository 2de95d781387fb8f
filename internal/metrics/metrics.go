// Package metrics records operational counters.
package metrics

import (
	"context"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"go.uber.org/zap"

	"github.com/imrishuroy/tablepay/internal/aws"
)

// Metric names.
const (
	WebhookProcessed   = "WebhookProcessed"
	WebhookIgnored     = "WebhookIgnored"
	WebhookUnresolved  = "WebhookUnresolved"
	WebhookFailed      = "WebhookFailed"
	PaymentInitiated   = "PaymentInitiated"
	PaymentRejected    = "PaymentRejected"
	PaymentConflict    = "PaymentConflict"
	CredentialRefresh  = "CredentialRefresh"
	CredentialScanUsed = "CredentialScanUsed"
)

// Recorder counts events. Implementations must not block the caller on
// failure.
type Recorder interface {
	Count(ctx context.Context, name string, dims map[string]string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Count(context.Context, string, map[string]string) {}

// CloudWatch publishes counters with PutMetricData.
type CloudWatch struct {
	client    aws.CloudWatchAPI
	namespace string
	logger    *zap.Logger
	nowFunc   func() time.Time
}

// NewCloudWatch creates a CloudWatch recorder.
func NewCloudWatch(client aws.CloudWatchAPI, namespace string, logger *zap.Logger) *CloudWatch {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CloudWatch{client: client, namespace: namespace, logger: logger, nowFunc: time.Now}
}

func (c *CloudWatch) Count(ctx context.Context, name string, dims map[string]string) {
	datum := cwtypes.MetricDatum{
		MetricName: sdkaws.String(name),
		Timestamp:  sdkaws.Time(c.nowFunc().UTC()),
		Unit:       cwtypes.StandardUnitCount,
		Value:      sdkaws.Float64(1),
	}
	for k, v := range dims {
		if v == "" {
			continue
		}
		datum.Dimensions = append(datum.Dimensions, cwtypes.Dimension{
			Name:  sdkaws.String(k),
			Value: sdkaws.String(v),
		})
	}
	_, err := c.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  sdkaws.String(c.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	})
	if err != nil {
		c.logger.Warn("put metric failed", zap.String("metric", name), zap.Error(err))
	}
}
