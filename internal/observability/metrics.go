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
			Namespace: "cnasreg",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cnasreg",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cnasreg",
			Subsystem: "channel",
			Name:      "messages_sent_total",
			Help:      "Messages handed to the channel, by message name and receiver task.",
		},
		[]string{"msg", "receiver"},
	)
	sendFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cnasreg",
			Subsystem: "channel",
			Name:      "send_failures_total",
			Help:      "Messages the channel dropped, by reason.",
		},
		[]string{"msg", "reason"},
	)
	allocFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cnasreg",
			Subsystem: "channel",
			Name:      "alloc_failures_total",
			Help:      "Allocation requests rejected by the buffer pool.",
		},
		[]string{"task"},
	)
	bridgeFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cnasreg",
			Subsystem: "bridge",
			Name:      "frames_total",
			Help:      "Frames crossing an execution-context bridge.",
		},
		[]string{"direction"},
	)
	dispatchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cnasreg",
			Subsystem: "fsm",
			Name:      "dispatch_total",
			Help:      "Dispatch outcomes by module, message and outcome.",
		},
		[]string{"module", "msg", "outcome"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cnasreg",
			Subsystem: "fsm",
			Name:      "dispatch_duration_seconds",
			Help:      "Handler run-to-completion time in seconds.",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
		},
		[]string{"module"},
	)
	activeSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cnasreg",
			Subsystem: "xreg",
			Name:      "active_sessions",
			Help:      "Registration sessions currently open, by task.",
		},
		[]string{"task"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			messagesSent,
			sendFailures,
			allocFailures,
			bridgeFrames,
			dispatchOutcomes,
			dispatchDuration,
			activeSessions,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordMessageSent(msg, receiver string) {
	RegisterMetrics()
	messagesSent.WithLabelValues(msg, receiver).Inc()
}

func RecordSendFailure(msg, reason string) {
	RegisterMetrics()
	sendFailures.WithLabelValues(msg, reason).Inc()
}

func RecordAllocFailure(task string) {
	RegisterMetrics()
	allocFailures.WithLabelValues(task).Inc()
}

func RecordBridgeFrame(direction string) {
	RegisterMetrics()
	bridgeFrames.WithLabelValues(direction).Inc()
}

func RecordDispatch(module, msg, outcome string, duration time.Duration) {
	RegisterMetrics()
	dispatchOutcomes.WithLabelValues(module, msg, outcome).Inc()
	dispatchDuration.WithLabelValues(module).Observe(duration.Seconds())
}

func SetActiveSessions(task string, n int) {
	RegisterMetrics()
	activeSessions.WithLabelValues(task).Set(float64(n))
}
