// Package metrics defines all Prometheus metrics for athena-dhcp6d.
// All metrics use the "athena_dhcp6d_" prefix.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "athena_dhcp6d"

// --- DHCPv6 Packet Metrics ---

var (
	// PacketsReceived counts DHCPv6 packets received by message type.
	PacketsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_received_total",
		Help:      "Total DHCPv6 packets received, by message type.",
	}, []string{"msg_type"})

	// PacketsSent counts DHCPv6 packets sent by message type.
	PacketsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_sent_total",
		Help:      "Total DHCPv6 packets sent, by message type.",
	}, []string{"msg_type"})

	// PacketErrors counts dropped or failed packets.
	PacketErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packet_errors_total",
		Help:      "Total packet processing errors, by type.",
	}, []string{"type"})

	// PacketProcessingDuration tracks request handling latency.
	PacketProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "packet_processing_duration_seconds",
		Help:      "DHCPv6 packet processing duration in seconds.",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	}, []string{"msg_type"})

	// RateLimited counts packets dropped by the rate limiter.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Total packets dropped by rate limiting, by scope (global, duid).",
	}, []string{"scope"})

	// Workers is the number of requests currently being processed.
	Workers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workers_busy",
		Help:      "Number of workers currently processing a request.",
	})
)

// --- Binding Metrics ---

var (
	// BindingsActive is a gauge of committed binding objects by IA type.
	BindingsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "bindings_active",
		Help:      "Number of committed binding objects, by IA type.",
	}, []string{"ia_type"})

	// BindingsAdvertised is a gauge of advertised (not yet requested) binding objects.
	BindingsAdvertised = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "bindings_advertised",
		Help:      "Number of advertised binding objects, by IA type.",
	}, []string{"ia_type"})

	// BindingOperations counts binding operations by type.
	BindingOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "binding_operations_total",
		Help:      "Total binding operations, by type (advertise, commit, renew, release, decline, expire).",
	}, []string{"operation"})

	// StoreErrors counts failed binding store operations.
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_errors_total",
		Help:      "Total binding store errors, by operation.",
	}, []string{"operation"})

	// ReaperRuns counts reaper sweeps.
	ReaperRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reaper_runs_total",
		Help:      "Total reaper sweeps.",
	})

	// ReaperExpired counts binding objects expired by the reaper.
	ReaperExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reaper_expired_total",
		Help:      "Total binding objects expired by the reaper.",
	})
)

// --- Pool Metrics ---

var (
	// PoolSize is the number of assignable units in each pool.
	PoolSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_size",
		Help:      "Total number of addresses or prefixes in the pool.",
	}, []string{"link", "pool"})

	// PoolAllocated is the number of units currently held in each pool.
	PoolAllocated = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_allocated",
		Help:      "Number of allocated addresses or prefixes in the pool.",
	}, []string{"link", "pool"})

	// PoolUtilization is the pool usage as a percentage.
	PoolUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_utilization_percent",
		Help:      "Pool utilization as a percentage.",
	}, []string{"link", "pool"})

	// PoolExhausted counts allocations that found no free unit on a link.
	PoolExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pool_exhausted_total",
		Help:      "Total times no pool on a link could satisfy an allocation.",
	}, []string{"link", "ia_type"})
)

// --- Event Metrics ---

var (
	// EventsPublished counts events published to the bus.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Total events published to the event bus.",
	}, []string{"event_type"})

	// EventBufferDrops counts events dropped due to a full bus buffer.
	EventBufferDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "event_buffer_drops_total",
		Help:      "Total events dropped due to full event bus buffer.",
	})

	// HookExecutions counts hook executions by type and result.
	HookExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hook_executions_total",
		Help:      "Total hook executions.",
	}, []string{"hook_type", "result"})

	// HookDuration tracks hook execution latency.
	HookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "hook_execution_duration_seconds",
		Help:      "Hook execution duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"hook_type"})
)

// --- Integration Metrics ---

var (
	// DDNSUpdates counts dynamic DNS updates.
	DDNSUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ddns_updates_total",
		Help:      "Total DDNS update operations.",
	}, []string{"type", "result"})

	// DDNSDuration tracks DDNS update latency.
	DDNSDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ddns_update_duration_seconds",
		Help:      "DDNS update duration in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"type"})

	// RadiusRequests counts RADIUS authorization exchanges by result.
	RadiusRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "radius_requests_total",
		Help:      "Total RADIUS authorization requests, by result (accept, reject, error).",
	}, []string{"link", "result"})

	// AuditRecords counts audit records written.
	AuditRecords = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_records_total",
		Help:      "Total binding audit records written.",
	})

	// SIEMForwarded counts events forwarded to SIEM outputs.
	SIEMForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "siem_forwarded_total",
		Help:      "Total events forwarded, by output (syslog, http, file) and result.",
	}, []string{"output", "result"})

	// LinkAnomalyScore is the last anomaly score computed for each link.
	LinkAnomalyScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "link_anomaly_score",
		Help:      "Anomaly score of binding activity on the link (0 = normal).",
	}, []string{"link"})
)

// --- Server Metrics ---

var (
	// ServerStartTime is the Unix time the server started.
	ServerStartTime = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "start_time_seconds",
		Help:      "Unix timestamp of server start.",
	})

	// ServerInfo carries the build version as a label.
	ServerInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "info",
		Help:      "Server build information.",
	}, []string{"version"})
)
