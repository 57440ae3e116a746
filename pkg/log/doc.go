/*
Package log provides structured logging for the cockpit using zerolog.

A single global Logger is configured once at startup with Init. Packages
derive child loggers that carry their identity:

	logger := log.WithComponent("reconciler")
	logger.Info().Int("servers", n).Msg("Probe phase complete")

Node and edge scoped loggers attach the uuid/AET fields that operators grep
for when following a single server through provisioning, migration and
deletion:

	l := log.WithNode(server.UUID, server.AET)
	l.Warn().Err(err).Msg("Peer registration failed")

Console output is used by default. JSON output is enabled with
Config.JSONOutput for log shippers. Before Init is called the logger
discards everything, which keeps tests quiet.
*/
package log
