// Package metrics holds the bridge's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chat_bridge"

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of started browser sessions.",
	})
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "Number of open consumer connections.",
	})
	MessagesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_delivered_total",
		Help:      "Messages delivered to the consumer, including placeholders.",
	})
	PlaceholderMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "placeholder_messages_total",
		Help:      "Messages delivered as placeholders because no element parsed.",
	})
	ReceiptsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "receipts_delivered_total",
		Help:      "Read receipt updates accepted and delivered.",
	})
	Sends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sends_total",
		Help:      "Outgoing sends by kind and result.",
	}, []string{"kind", "result"})
	LoginOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "login_outcomes_total",
		Help:      "Login attempts by method and outcome.",
	}, []string{"method", "outcome"})
	Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Consumer requests by command and result.",
	}, []string{"command", "result"})
)
