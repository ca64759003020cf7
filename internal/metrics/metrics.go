package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paylink",
			Name:      "transitions_total",
			Help:      "Committed payment state transitions by target state and source",
		},
		[]string{"to_state", "source"},
	)

	AnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paylink",
			Name:      "anomalies_total",
			Help:      "Discarded terminal signals that conflicted with a committed state",
		},
		[]string{"source"},
	)

	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paylink",
			Name:      "webhooks_total",
			Help:      "Inbound gateway callbacks by result",
		},
		[]string{"result"},
	)

	ActivationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "paylink",
			Name:      "activations_total",
			Help:      "Entitlement activations dispatched exactly once per payment",
		},
	)
)

func init() {
	prometheus.MustRegister(TransitionsTotal, AnomaliesTotal, WebhooksTotal, ActivationsTotal)
}

func IncTransition(toState, source string) {
	TransitionsTotal.WithLabelValues(toState, source).Inc()
}

func IncAnomaly(source string) {
	AnomaliesTotal.WithLabelValues(source).Inc()
}

func IncWebhook(result string) {
	WebhooksTotal.WithLabelValues(result).Inc()
}
