// Package metrics 提供 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 事件总线指标
var (
	BusQueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetsys_bus_queue_size",
		Help: "Pending events in the bus queue",
	})

	BusEventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetsys_bus_events_published_total",
		Help: "Total events published by kind",
	}, []string{"kind"})

	BusEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetsys_bus_events_dropped_total",
		Help: "Total events dropped by the overflow policy",
	})

	BusHandlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetsys_bus_handler_failures_total",
		Help: "Total subscriber failures by kind",
	}, []string{"kind"})
)

// 舰队指标
var (
	FleetServers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleetsys_servers",
		Help: "Registered game servers by status",
	}, []string{"status"})

	FleetSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetsys_sessions",
		Help: "Known player sessions",
	})

	FleetPlayers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetsys_players_on_servers",
		Help: "Players currently placed on servers",
	})

	FleetHeartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetsys_heartbeats_total",
		Help: "Total heartbeats received",
	})

	FleetTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetsys_heartbeat_timeouts_total",
		Help: "Total servers removed by the timeout sweep",
	})
)

// 匹配器指标
var (
	MatchTicketsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetsys_match_tickets_submitted_total",
		Help: "Total matchmaking tickets submitted",
	})

	MatchTicketsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetsys_match_tickets_resolved_total",
		Help: "Tickets leaving the pending set by outcome",
	}, []string{"outcome"}) // matched, cancelled, timed_out

	MatchPendingTickets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetsys_match_pending_tickets",
		Help: "Tickets currently pending",
	})

	MatchWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetsys_match_wait_seconds",
		Help:    "Queue wait from submit to match",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})
)

// Director 指标
var (
	DirectorScaleActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetsys_director_scale_actions_total",
		Help: "Scale actions requested by direction",
	}, []string{"direction"}) // up, down, replace

	DirectorUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetsys_director_utilization",
		Help: "Fleet utilization ratio at last evaluation",
	})

	DirectorProvisionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetsys_director_provision_failures_total",
		Help: "Provisioner failures by operation",
	}, []string{"op"}) // spawn, terminate
)

// API / 推送指标
var (
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleetsys_api_request_duration_seconds",
		Help:    "API request processing duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})

	NotifyClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetsys_notify_clients",
		Help: "Connected event stream clients",
	})

	NotifyFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetsys_notify_frames_dropped_total",
		Help: "Frames dropped on slow event stream clients",
	})

	AuditEventsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetsys_audit_events_sent_total",
		Help: "Domain events forwarded to the audit topic",
	})

	AuditSendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetsys_audit_send_failures_total",
		Help: "Audit pipeline send failures",
	})
)
