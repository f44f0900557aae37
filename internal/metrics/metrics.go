// Package metrics exposes Prometheus collectors for the turn pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clawlane"

var (
	// TurnsTotal counts finished turns by terminal outcome (final, aborted, error).
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Finished turns by outcome",
		},
		[]string{"outcome"},
	)

	SchedulerRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "scheduler_running_turns",
		Help:      "Turns currently holding a concurrency slot",
	})

	SchedulerPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "scheduler_pending_turns",
		Help:      "Turns queued in session lanes",
	})

	QueueWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "scheduler_queue_wait_seconds",
		Help:      "Time from enqueue to start of a turn",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	})

	ProviderAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Model provider attempts by provider and result",
		},
		[]string{"provider", "result"},
	)

	Compactions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "compactions_total",
		Help:      "Transcript compactions performed",
	})

	DeliveryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_total",
			Help:      "Channel deliveries by channel and result",
		},
		[]string{"channel", "result"},
	)

	GatewayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gateway_connections",
		Help:      "Open WebSocket connections",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
