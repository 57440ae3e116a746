/*
Package reconciler keeps the statuses recorded in the fleet graph in line
with what the network reports.

Every interval (30 seconds by default) one cycle runs four phases in order:

	credentials   every stored credential is tried against GET /system;
	              it is valid if the server accepts it, invalid otherwise
	servers       managed servers with no running replica are down; the
	              others are probed with a valid credential and marked up,
	              taking their name and AET from the answer, or down
	connections   every connection leaving a server is checked with a
	              DICOM echo issued by that server
	modalities    a modality is up when a server reaches it over an up
	              connection, pending otherwise

A failing phase is logged, counted in cockpit_reconciliation_errors_total
and does not prevent the next phases from running. Status changes are
published as status.changed events.

	rec := reconciler.NewReconciler(store, vault, conns, swarm, factory, broker, interval)
	rec.Start(ctx)
	defer rec.Stop()

RunOnce runs a single cycle synchronously, which is what the "cockpit
reconcile" command does.
*/
package reconciler
