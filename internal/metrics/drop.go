package metrics

import "kiteflow/logger"

// DropMetric names the metric emitted when data is discarded under pressure.
type DropMetric string

const (
	// DropMetricFrame counts binary frames dropped on a full frame channel.
	DropMetricFrame DropMetric = "frames_dropped"
	// DropMetricPublish counts synthetic ticks a publisher could not accept.
	DropMetricPublish DropMetric = "publish_dropped"
	// DropMetricArchive counts ticks the archive buffer refused.
	DropMetricArchive DropMetric = "archive_dropped"
)

// EmitDropMetric emits a single drop. Empty metadata is left out of the
// fields.
func EmitDropMetric(log *logger.Log, metric DropMetric, connID, symbol, stage string) {
	fields := logger.Fields{}
	if connID != "" {
		fields["conn_id"] = connID
	}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	if stage != "" {
		fields["stage"] = stage
	}
	if metric == DropMetricFrame {
		IncrementFrameDrop()
	}
	EmitMetric(log, "drops", string(metric), 1, "counter", fields)
}
