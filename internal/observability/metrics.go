package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "telemd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total control HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "telemd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Control HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	ingestSessions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "telemd",
			Subsystem: "ingest",
			Name:      "sessions_total",
			Help:      "Accepted telemetry connections.",
		},
	)
	ingestFrames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "telemd",
			Subsystem: "ingest",
			Name:      "frames_total",
			Help:      "Frames decoded and appended to the buffer.",
		},
	)
	ingestBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "telemd",
			Subsystem: "ingest",
			Name:      "frame_bytes_total",
			Help:      "Payload bytes of decoded frames.",
		},
	)
	ingestDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "telemd",
			Subsystem: "ingest",
			Name:      "frames_dropped_total",
			Help:      "Frames discarded before reaching the buffer.",
		},
		[]string{"reason"},
	)
	ingestIgnoredTokens = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "telemd",
			Subsystem: "ingest",
			Name:      "ignored_tokens_total",
			Help:      "Handshake tokens ignored as unrecognized in the current state.",
		},
	)
	ingestFrameLen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "telemd",
			Subsystem: "ingest",
			Name:      "frame_length",
			Help:      "Negotiated values per frame of the active session.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			ingestSessions,
			ingestFrames,
			ingestBytes,
			ingestDropped,
			ingestIgnoredTokens,
			ingestFrameLen,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordSession() {
	RegisterMetrics()
	ingestSessions.Inc()
}

func RecordFrame(values int) {
	RegisterMetrics()
	ingestFrames.Inc()
	ingestBytes.Add(float64(values * 8))
}

// RecordDroppedFrame counts a discarded frame; reason is one of
// "partial", "decode" or "stopped".
func RecordDroppedFrame(reason string) {
	RegisterMetrics()
	ingestDropped.WithLabelValues(reason).Inc()
}

func RecordIgnoredToken() {
	RegisterMetrics()
	ingestIgnoredTokens.Inc()
}

func SetFrameLength(n int) {
	RegisterMetrics()
	ingestFrameLen.Set(float64(n))
}
