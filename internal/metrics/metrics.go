// Package metrics 定义进程级 Prometheus 指标。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 连接
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatroom_connections_active",
		Help: "Current number of registered websocket connections",
	})

	AdmissionsDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatroom_admissions_denied_total",
		Help: "Connections rejected by the per-address admission policy",
	})

	ConnectionsTerminated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatroom_connections_terminated_total",
		Help: "Connections closed by the server",
	}, []string{"reason"})

	// 事件
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatroom_events_received_total",
		Help: "Inbound events by kind",
	}, []string{"type"})

	EventsRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatroom_events_rate_limited_total",
		Help: "Inbound events dropped by the per-connection leaky bucket",
	})

	EventErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatroom_event_errors_total",
		Help: "Error replies by code",
	}, []string{"code"})

	BroadcastSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatroom_broadcast_skipped_total",
		Help: "Outbound messages skipped because the receiver exceeded its buffer ceiling",
	})

	// 房间
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatroom_rooms_active",
		Help: "Rooms with at least one attached connection",
	})

	HostFailovers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatroom_host_failovers_total",
		Help: "Host reassignments after the host departed",
	})

	RoomsCleaned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatroom_rooms_cleaned_total",
		Help: "Empty rooms deleted after the grace period",
	})

	// 缓存
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatroom_cache_lookups_total",
		Help: "Cache lookups by tier and result",
	}, []string{"tier", "result"})
)
