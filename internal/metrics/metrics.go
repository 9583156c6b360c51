// Package metrics exposes the pipeline's Prometheus series and the generic
// metric events that feed CloudWatch and the dashboard.
//
// Prometheus series (served on <address>/metrics):
//
//	kiteflow_frames_received_total{kind}
//	kiteflow_ticks_decoded_total{mode}
//	kiteflow_packets_skipped_total{reason}
//	kiteflow_frames_dropped_total
//	kiteflow_synthetic_ticks_total{symbol}
//	kiteflow_batches_flushed_total{mode}
//	kiteflow_tokens_requeued_total
//	kiteflow_connections_open{socket}
//	go_* and process_* system metrics
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kiteflow/logger"
)

var (
	once sync.Once

	framesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kiteflow_frames_received_total",
		Help: "Websocket frames read from the broker",
	}, []string{"kind"})

	ticksDecoded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kiteflow_ticks_decoded_total",
		Help: "Ticks produced by the binary decoder",
	}, []string{"mode"})

	packetsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kiteflow_packets_skipped_total",
		Help: "Packets the decoder stepped over",
	}, []string{"reason"})

	framesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kiteflow_frames_dropped_total",
		Help: "Binary frames dropped because the frame channel stayed full",
	})

	syntheticTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kiteflow_synthetic_ticks_total",
		Help: "Synthetic straddle ticks published",
	}, []string{"symbol"})

	batchesFlushed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kiteflow_batches_flushed_total",
		Help: "Subscription batches sent to the broker",
	}, []string{"mode"})

	tokensRequeued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kiteflow_tokens_requeued_total",
		Help: "Tokens put back on the pending queue after a failed flush",
	})

	connectionsOpen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kiteflow_connections_open",
		Help: "Open websocket connections per socket (shared or dedicated symbol)",
	}, []string{"socket"})
)

// Init registers the collectors and serves them on address. It is safe to
// call more than once; only the first call has any effect.
func Init(address string) {
	once.Do(func() {
		reg := []prometheus.Collector{
			framesReceived, ticksDecoded, packetsSkipped, framesDropped,
			syntheticTicks, batchesFlushed, tokensRequeued, connectionsOpen,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		}
		for _, c := range reg {
			_ = prometheus.Register(c)
		}

		if address == "" {
			address = "0.0.0.0:2112"
		}
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(address, mux); err != nil {
				logger.GetLogger().WithComponent("metrics").WithError(err).Error("metrics server stopped")
			}
		}()
	})
}

func IncrementFrame(kind string) {
	framesReceived.WithLabelValues(kind).Inc()
}

func AddTicks(mode string, n int) {
	if n > 0 {
		ticksDecoded.WithLabelValues(mode).Add(float64(n))
	}
}

func IncrementSkip(reason string) {
	packetsSkipped.WithLabelValues(reason).Inc()
}

func IncrementFrameDrop() {
	framesDropped.Inc()
}

func IncrementSynthetic(symbol string) {
	syntheticTicks.WithLabelValues(symbol).Inc()
}

func IncrementBatch(mode string) {
	batchesFlushed.WithLabelValues(mode).Inc()
}

func AddRequeued(n int) {
	if n > 0 {
		tokensRequeued.Add(float64(n))
	}
}

func socketLabel(symbol string) string {
	if symbol == "" {
		return "shared"
	}
	return symbol
}

// ConnectionOpened counts an open socket under its symbol, or "shared" for
// the shared socket. Reconnects reuse the series.
func ConnectionOpened(symbol string) {
	connectionsOpen.WithLabelValues(socketLabel(symbol)).Inc()
}

func ConnectionClosed(symbol string) {
	connectionsOpen.WithLabelValues(socketLabel(symbol)).Dec()
}
