package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels shared by the recorders. Failed executions use the
// registry error kind instead.
const (
	OutcomeOK       = "ok"
	OutcomeCanceled = "canceled"
	OutcomeError    = "error"
)

// Route labels for command executions.
const (
	RouteLocal   = "local"
	RouteRemote  = "remote"
	RouteInbound = "inbound"
	RouteRelay   = "relay"
)

// Event directions.
const (
	EventEmitted  = "emitted"
	EventReceived = "received"
	EventRelayed  = "relayed"
)

var (
	registerOnce sync.Once

	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xprocbus",
			Subsystem: "commands",
			Name:      "executions_total",
			Help:      "Command executions by route and outcome.",
		},
		[]string{"process", "route", "outcome"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "xprocbus",
			Subsystem: "commands",
			Name:      "duration_seconds",
			Help:      "Command execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"process", "route", "outcome"},
	)
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xprocbus",
			Subsystem: "events",
			Name:      "total",
			Help:      "Events emitted locally, received from peers, or relayed by a hub.",
		},
		[]string{"process", "direction"},
	)
	channelsReady = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "xprocbus",
			Subsystem: "channels",
			Name:      "ready",
			Help:      "Channels in the Ready state.",
		},
		[]string{"process"},
	)
	pendingRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "xprocbus",
			Subsystem: "commands",
			Name:      "pending",
			Help:      "Remote executions awaiting a response.",
		},
		[]string{"process"},
	)
	grpcStreams = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xprocbus",
			Subsystem: "grpc",
			Name:      "streams_total",
			Help:      "Finished gRPC channel streams.",
		},
		[]string{"method", "code"},
	)
	grpcStreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "xprocbus",
			Subsystem: "grpc",
			Name:      "stream_duration_seconds",
			Help:      "gRPC channel stream lifetime in seconds.",
			Buckets:   []float64{.1, 1, 10, 60, 600, 3600},
		},
		[]string{"method", "code"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			commandsTotal, commandDuration, eventsTotal,
			channelsReady, pendingRequests,
			grpcStreams, grpcStreamDuration,
		)
	})
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordCommand(process, route, outcome string, duration time.Duration) {
	RegisterMetrics()
	commandsTotal.WithLabelValues(process, route, outcome).Inc()
	commandDuration.WithLabelValues(process, route, outcome).Observe(duration.Seconds())
}

func RecordEvent(process, direction string) {
	RegisterMetrics()
	eventsTotal.WithLabelValues(process, direction).Inc()
}

func SetReadyChannels(process string, n int) {
	RegisterMetrics()
	channelsReady.WithLabelValues(process).Set(float64(n))
}

func SetPending(process string, n int) {
	RegisterMetrics()
	pendingRequests.WithLabelValues(process).Set(float64(n))
}

func RecordGRPCStream(method, code string, duration time.Duration) {
	RegisterMetrics()
	grpcStreams.WithLabelValues(method, code).Inc()
	grpcStreamDuration.WithLabelValues(method, code).Observe(duration.Seconds())
}
