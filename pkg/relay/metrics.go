// Copyright 2024-2026 Aiku AI

package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the relay engine's Prometheus collectors.
type Metrics struct {
	MessagesRelayed  prometheus.Counter
	APICalls         prometheus.Counter
	DeliveryFailures *prometheus.CounterVec
	Commands         *prometheus.CounterVec
	ConnectionState  prometheus.Gauge
	DispatchDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered, which is useful in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "channel_relay",
			Name:      "messages_relayed_total",
			Help:      "Messages successfully relayed to a destination channel.",
		}),
		APICalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "channel_relay",
			Name:      "api_calls_total",
			Help:      "Relay sends and command invocations counted against the API.",
		}),
		DeliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "channel_relay",
			Name:      "delivery_failures_total",
			Help:      "Route deliveries that failed, by stage.",
		}, []string{"reason"}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "channel_relay",
			Name:      "commands_total",
			Help:      "In-channel commands received, by sub-command.",
		}, []string{"command"}),
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "channel_relay",
			Name:      "connection_state",
			Help:      "Gateway connection state: 0 offline, 1 connecting, 2 online.",
		}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "channel_relay",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent dispatching one inbound message to all routes.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.MessagesRelayed,
			m.APICalls,
			m.DeliveryFailures,
			m.Commands,
			m.ConnectionState,
			m.DispatchDuration,
		)
	}
	return m
}

func (m *Metrics) setState(status ConnStatus) {
	switch status {
	case StatusOnline:
		m.ConnectionState.Set(2)
	case StatusConnecting:
		m.ConnectionState.Set(1)
	default:
		m.ConnectionState.Set(0)
	}
}
