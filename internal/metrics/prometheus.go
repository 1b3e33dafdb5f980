// Package metrics provides Prometheus metrics, system resource sampling and
// the periodic CSV system logger.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	activeStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "camgate",
		Subsystem: "ingest",
		Name:      "active_streams",
		Help:      "Currently registered streams",
	})

	queuedStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "camgate",
		Subsystem: "ingest",
		Name:      "queued_streams",
		Help:      "Streams waiting for a worker",
	})

	streamFPS = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "camgate",
		Subsystem: "stream",
		Name:      "fps",
		Help:      "Current encoded output FPS",
	}, []string{"stream"})

	framesRead = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "camgate",
		Subsystem: "stream",
		Name:      "frames_read_total",
		Help:      "Frames read from the source",
	}, []string{"stream"})

	framesEncoded = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "camgate",
		Subsystem: "stream",
		Name:      "frames_encoded_total",
		Help:      "Frames encoded into HLS segments",
	}, []string{"stream"})

	reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camgate",
		Subsystem: "stream",
		Name:      "reconnects_total",
		Help:      "Supervisor reconnect cycles",
	}, []string{"stream"})

	recycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camgate",
		Subsystem: "health",
		Name:      "recycles_total",
		Help:      "Health-scanner initiated restarts",
	}, []string{"stream"})

	deadStreams = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "camgate",
		Subsystem: "health",
		Name:      "dead_streams_total",
		Help:      "Streams finalized after exhausting the recycle budget",
	})
)

// SetActiveStreams updates the registered stream gauge.
func SetActiveStreams(n int) {
	activeStreams.Set(float64(n))
}

// SetQueuedStreams updates the queued stream gauge.
func SetQueuedStreams(n int) {
	queuedStreams.Set(float64(n))
}

// SetStreamFPS publishes the measured output rate for a stream.
func SetStreamFPS(name string, fps float64) {
	streamFPS.WithLabelValues(name).Set(fps)
}

// SetFramesRead publishes the cumulative read counter for a stream.
func SetFramesRead(name string, n float64) {
	framesRead.WithLabelValues(name).Set(n)
}

// SetFramesEncoded publishes the cumulative encoded counter for a stream.
func SetFramesEncoded(name string, n float64) {
	framesEncoded.WithLabelValues(name).Set(n)
}

// AddReconnect counts one supervisor reconnect.
func AddReconnect(name string) {
	reconnects.WithLabelValues(name).Inc()
}

// AddRecycle counts one health-scanner recycle.
func AddRecycle(name string) {
	recycles.WithLabelValues(name).Inc()
}

// AddDeadStream counts one finalized stream.
func AddDeadStream() {
	deadStreams.Inc()
}

// RemoveStream drops the per-stream series after finalization.
func RemoveStream(name string) {
	streamFPS.DeleteLabelValues(name)
	framesRead.DeleteLabelValues(name)
	framesEncoded.DeleteLabelValues(name)
	reconnects.DeleteLabelValues(name)
	recycles.DeleteLabelValues(name)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
