/*
Package fleet drives the Docker Swarm cluster that runs Orthanc servers.

The cockpit does not link against the Docker engine API. It shells out to
the docker CLI on a manager node, the same way operators do, through a
Commander:

	runner := fleet.NewRunner()
	sw := fleet.NewSwarm(runner, fleet.SwarmConfig{Image: "orthancteam/orthanc:24.12.1"})

# Runner

RunCommand buffers stdout and succeeds only on exit code 0. Any other exit
yields a *CommandError carrying the exit code and stderr, which the
classifiers inspect:

	IsPortInUse(err)   published port taken on the routing mesh
	IsVolumeInUse(err) volume still attached to a stopping container
	IsNotFound(err)    service, secret, volume or node does not exist

StreamEvents runs a long-lived process (docker events) and delivers each
non-empty stdout line. When the process exits it is restarted after
RestartDelay until the context is cancelled, so delivery is at-least-once.
A handler error or panic is reported through onError and the stream keeps
going.

There are no retries here. Callers that must retry (volume removal,
migration port probing) do so with their own policy.

# Swarm objects

For a server with uuid U at configuration version N:

	secret   U_VN                        configuration artifact
	service  <prefix>U                   one replica, pinned by node.hostname
	volume   <prefix>U_data              Orthanc storage

Services carry the io.orthancfleet.managed and io.orthancfleet.uuid labels;
ListServices only returns labelled services.
*/
package fleet
