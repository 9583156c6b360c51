package metrics

import (
	"context"
	"time"

	"kiteflow/internal/channel"
	"kiteflow/logger"
)

// StartChannelSizeMetrics emits frame channel occupancy and drop totals every
// interval until ctx is cancelled. A non-positive interval means one second.
func StartChannelSizeMetrics(ctx context.Context, frames *channel.Frames, interval time.Duration) {
	if frames == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	t := time.NewTicker(interval)

	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				emitChannelSize(log, frames)
			}
		}
	}()
}

func emitChannelSize(log *logger.Log, frames *channel.Frames) {
	stats := frames.GetStats()
	EmitMetric(log, "channel_buffers", "frame_buffer_length", frames.Len(), "gauge", logger.Fields{
		"buffer":   "frames",
		"capacity": frames.Cap(),
	})
	EmitMetric(log, "channel_buffers", "frame_buffer_sent", stats.Sent, "counter", logger.Fields{"buffer": "frames"})
	EmitMetric(log, "channel_buffers", "frame_buffer_dropped", stats.Dropped, "counter", logger.Fields{"buffer": "frames"})
	logger.RecordChannelMessage("frames", frames.Len())
}
