/*
Package lifecycle creates, reconfigures, migrates and deletes the nodes of
the fleet graph.

# Servers

A managed server is an Orthanc service on the swarm, pinned to one host,
with its configuration stored as a swarm secret named {uuid}_V{version}.
Every change to what a server serves (name, AET, ports, users) renders a
new configuration, bumps the version, swaps the secret on the service and
then removes the previous secret.

Fleet calls always happen before graph writes. If the fleet refuses, the
graph is untouched; if the graph write fails after the fleet succeeded,
the orphaned service, secret and volume handles are logged.

Remote servers are third-party Orthanc instances registered by address.
They are never provisioned; deleting one asks it to shut down.

# Migrations

Editing a managed server with a different host moves it:

	provisioned  temporary server "{name}-migrated" / "{AET}_M" on the new host
	healthy      its GET /system answers (polled every second, no deadline)
	linked       old server -> temporary server with every capability
	transferred  old server stores all its instances into the temporary one
	replicated   connections, extra users and tags copied over
	retired      old server deleted
	finalized    temporary server edited in place to the requested settings

Each step is written to a Migration record before the next one starts. A
failed step stops the migration and records the error; nothing is undone.

# Modalities and users

Modalities are plain graph nodes. Editing one re-pushes its entry to every
connected server. Adding or removing a user re-renders and re-pushes the
server's configuration.
*/
package lifecycle
