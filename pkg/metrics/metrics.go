package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks websocket connections currently attached to the gateway.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coedit_active_connections",
			Help: "Number of open realtime connections",
		},
	)

	// ActiveRooms tracks document rooms with at least one member on this instance.
	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coedit_active_rooms",
			Help: "Number of document rooms with active members",
		},
	)

	// GatewayEvents counts inbound realtime events by type and outcome (ok|rejected|error).
	GatewayEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coedit_gateway_events_total",
			Help: "Total number of inbound realtime events handled by the gateway",
		},
		[]string{"event", "result"},
	)

	// Broadcasts counts messages fanned out to rooms by event type.
	Broadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coedit_broadcasts_total",
			Help: "Total number of room broadcasts",
		},
		[]string{"event"},
	)

	// DeliveryFailures counts per-member delivery failures that caused the member to be reaped.
	DeliveryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coedit_delivery_failures_total",
			Help: "Total number of failed deliveries to room members",
		},
	)

	// PermissionChecks counts permission evaluations and their outcome (allow|deny).
	PermissionChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coedit_permission_checks_total",
			Help: "Total number of permission checks",
		},
		[]string{"action", "result"},
	)

	// PresenceErrors counts presence backend failures by operation.
	PresenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coedit_presence_errors_total",
			Help: "Total number of presence backend failures",
		},
		[]string{"operation"},
	)

	// PresencePurged counts stale presence records removed on read or by the sweeper.
	PresencePurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coedit_presence_purged_total",
			Help: "Total number of stale presence records purged",
		},
	)

	// AutoSaves counts auto-save attempts by outcome.
	AutoSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coedit_autosaves_total",
			Help: "Total number of auto-save attempts",
		},
		[]string{"outcome"},
	)

	// MaintenanceRuns counts background maintenance job executions by job and result.
	MaintenanceRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coedit_maintenance_runs_total",
			Help: "Total number of maintenance job runs",
		},
		[]string{"job", "result"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coedit_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
