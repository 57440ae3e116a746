package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Graph metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cockpit_nodes_total",
			Help: "Total number of graph nodes by kind and status",
		},
		[]string{"kind", "status"},
	)

	ConnectionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cockpit_connections_total",
			Help: "Total number of connections by status",
		},
		[]string{"status"},
	)

	HostsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cockpit_hosts_total",
			Help: "Total number of cluster hosts by status",
		},
		[]string{"status"},
	)

	CredentialsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cockpit_credentials_total",
			Help: "Total number of server credentials by state",
		},
		[]string{"state"},
	)

	// Reconciliation metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cockpit_reconciliation_duration_seconds",
			Help:    "Time taken for a full reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cockpit_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles",
		},
	)

	ReconciliationPhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cockpit_reconciliation_phase_duration_seconds",
			Help:    "Time taken per reconciliation phase",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	ReconciliationErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cockpit_reconciliation_errors_total",
			Help: "Total number of failed reconciliation phases",
		},
		[]string{"phase"},
	)

	// Probe metrics
	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cockpit_probes_total",
			Help: "Total number of probes by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// Remote API metrics
	OrthancRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cockpit_orthanc_requests_total",
			Help: "Total number of Orthanc REST calls by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	OrthancRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cockpit_orthanc_request_duration_seconds",
			Help:    "Orthanc REST call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Fleet metrics
	FleetCommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cockpit_fleet_command_duration_seconds",
			Help:    "Fleet CLI command duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	FleetCommandErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cockpit_fleet_command_errors_total",
			Help: "Total number of failed fleet CLI commands",
		},
		[]string{"command"},
	)

	// Lifecycle metrics
	MigrationStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cockpit_migration_steps_total",
			Help: "Total number of completed migration steps",
		},
		[]string{"step"},
	)

	MigrationsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cockpit_migrations_failed_total",
			Help: "Total number of migrations that stopped before finalizing",
		},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(ConnectionsTotal)
	prometheus.MustRegister(HostsTotal)
	prometheus.MustRegister(CredentialsTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconciliationPhaseDuration)
	prometheus.MustRegister(ReconciliationErrorsTotal)
	prometheus.MustRegister(ProbesTotal)
	prometheus.MustRegister(OrthancRequestsTotal)
	prometheus.MustRegister(OrthancRequestDuration)
	prometheus.MustRegister(FleetCommandDuration)
	prometheus.MustRegister(FleetCommandErrors)
	prometheus.MustRegister(MigrationStepsTotal)
	prometheus.MustRegister(MigrationsFailed)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Outcome maps an error onto the "outcome" label value
func Outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
