/*
Package metrics exposes Prometheus metrics and health endpoints for the
cockpit.

All metrics are package-level variables registered in init and served by
Handler. `cockpit serve` mounts NewServeMux on metrics.addr:

	/metrics  Prometheus exposition
	/health   200 unless a registered component reported unhealthy
	/ready    200 once store, fleet and reconciler are healthy
	/live     always 200

# Metrics

Graph gauges, refreshed by Collector from the store:

  - cockpit_nodes_total{kind,status}
  - cockpit_connections_total{status}
  - cockpit_hosts_total{status}
  - cockpit_credentials_total{state}

Reconciliation:

  - cockpit_reconciliation_duration_seconds
  - cockpit_reconciliation_cycles_total
  - cockpit_reconciliation_phase_duration_seconds{phase}
  - cockpit_reconciliation_errors_total{phase}
  - cockpit_probes_total{kind,outcome}

Side effects:

  - cockpit_orthanc_requests_total{operation,outcome}
  - cockpit_orthanc_request_duration_seconds{operation}
  - cockpit_fleet_command_duration_seconds{command}
  - cockpit_fleet_command_errors_total{command}
  - cockpit_migration_steps_total{step}
  - cockpit_migrations_failed_total

# Timer

	timer := metrics.NewTimer()
	err := r.refreshServers(ctx)
	timer.ObserveDurationVec(metrics.ReconciliationPhaseDuration, "servers")
*/
package metrics
