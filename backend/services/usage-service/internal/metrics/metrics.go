package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquatrack_session_transitions_total",
			Help: "Session state transitions by resulting status",
		},
		[]string{"status", "reason"},
	)

	SessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aquatrack_session_duration_seconds",
			Help:    "Duration of sessions that reached a terminal state",
			Buckets: []float64{30, 60, 120, 300, 600, 900, 1800, 3600},
		},
		[]string{"status"},
	)

	// Device command metrics
	DeviceCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquatrack_device_commands_total",
			Help: "Device commands dispatched by outcome",
		},
		[]string{"command", "outcome"},
	)

	ConnectedDevices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aquatrack_connected_devices",
			Help: "Devices currently holding a websocket command channel",
		},
	)

	// Ledger metrics
	LedgerWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquatrack_ledger_writes_total",
			Help: "Ledger increments by resource and outcome",
		},
		[]string{"resource", "outcome"},
	)

	// Scoring metrics
	ScoresSettled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aquatrack_scores_settled_total",
			Help: "Ledger entries whose score was settled",
		},
	)

	MeterSettlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquatrack_meter_settlements_total",
			Help: "Meter boundary crossings",
		},
		[]string{"boundary"},
	)

	// Token cache metrics
	TokenCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aquatrack_token_cache_hits_total",
			Help: "Token lookups served from cache",
		},
	)

	TokenCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aquatrack_token_cache_misses_total",
			Help: "Token lookups that went to the card store",
		},
	)

	// Audit metrics
	AuditMismatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aquatrack_audit_mismatches_total",
			Help: "Session/ledger day comparisons outside tolerance",
		},
	)

	LedgerRepairs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aquatrack_ledger_repairs_total",
			Help: "Ledger entries overwritten by repair",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SessionTransitions,
		SessionDuration,
		DeviceCommands,
		ConnectedDevices,
		LedgerWrites,
		ScoresSettled,
		MeterSettlements,
		AuditMismatches,
		LedgerRepairs,
		TokenCacheHits,
		TokenCacheMisses,
	)
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
