// Package metrics 定义 Prometheus 指标。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "im_chat"

// 扇出投递结果
const (
	DeliveryLive         = "live"
	DeliveryNotification = "notification"
	DeliveryRelayed      = "relayed"
	DeliveryQueued       = "queued"
	DeliveryMuted        = "muted"
	DeliveryFailed       = "failed"
)

var (
	MessagesPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_persisted_total",
		Help:      "Messages persisted, by message type.",
	}, []string{"type"})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fanout_deliveries_total",
		Help:      "Per-recipient fan-out outcomes.",
	}, []string{"result"})

	FanoutDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "fanout_duration_seconds",
		Help:      "Time to fan out one message to all recipients.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "online_users",
		Help:      "Users with a live connection on this node.",
	})

	SocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "socket_events_total",
		Help:      "Inbound socket events, by event and outcome.",
	}, []string{"event", "outcome"})

	SessionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "session_duration_seconds",
		Help:      "Socket session lifetime, by how the session ended.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
	}, []string{"end"})

	PresenceRepairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "presence_repairs_total",
		Help:      "Durable presence flags corrected by the reconciler.",
	}, []string{"direction"})
)
