package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	EndpointLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cryptopull",
			Subsystem: "api",
			Name:      "latency_seconds",
			Help:      "Latency of read endpoints",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	EndpointErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cryptopull",
			Subsystem: "api",
			Name:      "errors_total",
			Help:      "Errors by read endpoint",
		},
		[]string{"endpoint"},
	)

	OperatorCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cryptopull",
			Subsystem: "operator",
			Name:      "commands_total",
			Help:      "Operator commands by verb and exit code",
		},
		[]string{"command", "exit_code"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cryptopull",
			Subsystem: "queue",
			Name:      "messages",
			Help:      "Job queue messages by state",
		},
		[]string{"state"},
	)
)

func Register() {
	once.Do(func() {
		prometheus.MustRegister(EndpointLatency, EndpointErrors, OperatorCommands, QueueDepth)
	})
}

// ObserveCommand counts one operator command.
func ObserveCommand(command string, exitCode int) {
	OperatorCommands.WithLabelValues(command, strconv.Itoa(exitCode)).Inc()
}

func ObserveQueue(pending, delayed, dead int64) {
	QueueDepth.WithLabelValues("pending").Set(float64(pending))
	QueueDepth.WithLabelValues("delayed").Set(float64(delayed))
	QueueDepth.WithLabelValues("dead").Set(float64(dead))
}
