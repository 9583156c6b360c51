package logger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type cloudWatchTarget struct {
	client    *cloudwatch.Client
	namespace string
	dashboard string
}

var cwTarget atomic.Pointer[cloudWatchTarget]

// InitCloudWatch enables publishing of report and metric data. An empty
// region falls back to AWS_REGION. Failures leave publishing disabled.
func InitCloudWatch(ctx context.Context, region, namespace, dashboard string) {
	log := GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if namespace == "" {
		namespace = "KiteFlow"
	}
	if dashboard == "" {
		dashboard = namespace
	}

	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	cwTarget.Store(&cloudWatchTarget{
		client:    cloudwatch.NewFromConfig(cfg),
		namespace: namespace,
		dashboard: dashboard,
	})

	log.WithFields(Fields{"region": region, "namespace": namespace}).Info("initialized CloudWatch client")

	createDefaultDashboard(ctx)
}

// PublishMetric sends a single numeric datum with string fields as
// dimensions. It is a no-op until InitCloudWatch succeeds.
func PublishMetric(ctx context.Context, component, name string, value float64, unit cwtypes.StandardUnit, fields Fields) {
	if cwTarget.Load() == nil {
		return
	}
	if unit == "" {
		unit = cwtypes.StandardUnitCount
	}
	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(component)}}
	for k, v := range fields {
		if s, ok := v.(string); ok && s != "" && len(dims) < 30 {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}
	publishMetrics(ctx, []cwtypes.MetricDatum{{
		MetricName: aws.String(name),
		Dimensions: dims,
		Unit:       unit,
		Value:      aws.Float64(value),
	}})
}

func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	target := cwTarget.Load()
	if target == nil || len(data) == 0 {
		return
	}
	log := GetLogger().WithComponent("cloudwatch")

	// PutMetricData accepts at most 1000 datums per call.
	for start := 0; start < len(data); start += 1000 {
		end := start + 1000
		if end > len(data) {
			end = len(data)
		}
		if _, err := target.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(target.namespace),
			MetricData: data[start:end],
		}); err != nil {
			log.WithError(err).Warn("failed to publish CloudWatch metrics")
			return
		}
	}

	names := make([]string, 0, len(data))
	for _, datum := range data {
		if datum.MetricName != nil {
			names = append(names, *datum.MetricName)
		}
	}
	log.WithField("metrics", strings.Join(names, ",")).Debug("published metrics to CloudWatch")
}

func createDefaultDashboard(ctx context.Context) {
	target := cwTarget.Load()
	if target == nil {
		return
	}

	body := fmt.Sprintf(`{
"widgets": [{
"type": "metric",
"width": 24,
"height": 6,
"properties": {
"metrics": [
    ["%[1]s","FramesRead"],
    ["%[1]s","TicksDecoded"],
    ["%[1]s","SyntheticTicks"]
],
"period": 60,
"stat": "Sum",
"title": "Tick flow"
}
}]
}`, target.namespace)

	if _, err := target.client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(target.dashboard),
		DashboardBody: aws.String(body),
	}); err != nil {
		GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}
