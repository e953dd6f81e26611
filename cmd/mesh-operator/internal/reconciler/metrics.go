package reconciler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	commandsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "operator",
			Name:      "commands_published_total",
			Help:      "The number of provisioning commands published to the gateways.",
		},
		[]string{"kind"})

	ackResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "operator",
			Name:      "acknowledgments_total",
			Help:      "The number of gateway acknowledgments matched to an outstanding command.",
		},
		[]string{"result"})

	acksDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "operator",
			Name:      "acknowledgments_discarded_total",
			Help:      "The number of gateway acknowledgments discarded without a state change.",
		},
		[]string{"reason"})

	commandTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "operator",
			Name:      "command_timeouts_total",
			Help:      "The number of commands that ran into their deadline without an acknowledgment.",
		})

	registryErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "operator",
			Name:      "registry_errors_total",
			Help:      "The number of failed registry operations.",
		})

	deviceStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mesh",
			Subsystem: "operator",
			Name:      "device_states",
			Help:      "The number of tracked devices per observed state.",
		},
		[]string{"state"})

	reconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mesh",
			Subsystem: "operator",
			Name:      "reconcile_duration_seconds",
			Help:      "A histogram of reconcile tick latencies.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		})
)

func init() {
	prometheus.MustRegister(commandsPublished, ackResults, acksDiscarded, commandTimeouts, registryErrors, deviceStates, reconcileDuration)
}

func observeTick(start time.Time) {
	reconcileDuration.Observe(time.Since(start).Seconds())
}
