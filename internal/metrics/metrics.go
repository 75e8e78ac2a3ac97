package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telemed_signaling_active_rooms",
		Help: "Number of rooms with at least one subscriber on this instance",
	})

	ActiveSubscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "telemed_signaling_active_subscriptions",
		Help: "Number of open room subscriptions",
	}, []string{"role"})

	SubscriptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemed_signaling_subscriptions_total",
		Help: "Total number of room subscriptions",
	}, []string{"transport"}) // "sse" | "websocket"

	SignalMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemed_signaling_messages_total",
		Help: "Total signaling messages",
	}, []string{"type", "direction"}) // direction: "in" | "out"

	InvalidMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemed_signaling_invalid_messages_total",
		Help: "Messages rejected by validation",
	})

	EvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemed_signaling_evictions_total",
		Help: "Subscriptions closed by the relay",
	}, []string{"reason"}) // "overflow" | "idle" | "replaced" | "room_closed"

	StoreErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemed_signaling_store_errors_total",
		Help: "Membership store and bus failures",
	}, []string{"op"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemed_signaling_http_requests_total",
		Help: "HTTP requests by route and status",
	}, []string{"method", "route", "status"})

	SubscriptionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "telemed_signaling_subscription_duration_seconds",
		Help:    "Lifetime of room subscriptions",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
	})
)
