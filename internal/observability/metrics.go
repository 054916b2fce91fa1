package observability

import "github.com/prometheus/client_golang/prometheus"

const namespace = "mirror"

var (
	// GatewayDispatches counts dispatch frames by event name. Events the
	// mirror does not handle are counted as "other".
	GatewayDispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_dispatch_total",
			Help:      "Dispatch frames received, by event name.",
		},
		[]string{"event"},
	)

	// GatewayHeartbeatTimeouts counts connections closed for a missing ack.
	GatewayHeartbeatTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_heartbeat_timeouts_total",
			Help:      "Heartbeat acks not received before the next tick.",
		},
	)

	// GatewayReconnects counts scheduled reconnects by cause.
	GatewayReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_reconnects_total",
			Help:      "Automatic gateway reconnects, by reason.",
		},
		[]string{"reason"},
	)

	// GatewayConnections gauges connections per protocol state.
	GatewayConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_connections",
			Help:      "Gateway connections currently in each state.",
		},
		[]string{"state"},
	)

	// GatewayHeartbeatRTT observes the time between a heartbeat and its ack.
	GatewayHeartbeatRTT = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_heartbeat_rtt_seconds",
			Help:      "Heartbeat round trip time.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	// MemberListOpsIgnored counts incremental member list ops that were not applied.
	MemberListOpsIgnored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "member_list_ops_ignored_total",
			Help:      "Incremental member list operations left unapplied, by op.",
		},
		[]string{"op"},
	)

	// OutboundMessages counts queued message outcomes (queued, confirmed,
	// failed, retried, removed).
	OutboundMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound message queue transitions, by outcome.",
		},
		[]string{"outcome"},
	)

	// NotificationsDropped counts change notifications a subscriber missed
	// because its buffer was full.
	NotificationsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Change notifications dropped for slow subscribers, by stream.",
		},
		[]string{"stream"},
	)
)

func init() {
	prometheus.MustRegister(
		GatewayDispatches,
		GatewayHeartbeatTimeouts,
		GatewayReconnects,
		GatewayConnections,
		GatewayHeartbeatRTT,
		MemberListOpsIgnored,
		OutboundMessages,
		NotificationsDropped,
	)
}
