package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "devicefleet"

var (
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_processed_total",
		Help:      "Tasks that reached a terminal state, by outcome.",
	}, []string{"outcome"})

	WorkersRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workers_running",
		Help:      "Endpoint worker loops currently running.",
	})

	HealthProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "health_probes_total",
		Help:      "Liveness probes, by result.",
	}, []string{"result"})

	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnects_total",
		Help:      "Reconnect cycles, by result.",
	}, []string{"result"})

	EventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_delivered_total",
		Help:      "Endpoint events forwarded to the webhook.",
	})

	EventsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_suppressed_total",
		Help:      "Endpoint events dropped as duplicates.",
	})
)

const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)
