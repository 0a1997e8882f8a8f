package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks connected chargers, labeled by transport.
	ActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "csms_active_connections",
		Help: "Number of chargers currently connected, by transport.",
	}, []string{"transport"})

	// InboundMessages counts inbound OCPP messages, labeled by action and result.
	InboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "csms_inbound_messages_total",
		Help: "Total number of OCPP messages received from chargers.",
	}, []string{"action", "result"})

	// OutboundCalls counts CSMS-originated CALLs, labeled by transport and outcome.
	OutboundCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "csms_outbound_calls_total",
		Help: "Total number of CALLs sent to chargers.",
	}, []string{"transport", "result"})

	// PendingRequests tracks the current size of the pending-response registry.
	PendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "csms_pending_requests",
		Help: "Number of outbound CALLs awaiting a reply.",
	})

	// CallRoundTripDuration observes outbound CALL round-trip times, labeled by action.
	CallRoundTripDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "csms_call_round_trip_seconds",
		Help:    "Histogram of outbound CALL round-trip times.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"action"})

	// ActiveSessions tracks the number of charging sessions currently active.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "csms_active_sessions",
		Help: "Number of charging sessions currently active.",
	})

	// EventsPublished counts device events published to the broker, labeled by event type.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "csms_events_published_total",
		Help: "Total number of device events published to the message broker.",
	}, []string{"event_type"})
)
