/*
Package health implements the connectivity probes behind server and
connection status.

Two checkers share the Checker interface:

  - SystemChecker calls GET /system on a server's management API. A 2xx
    answer means the server is up and the credential is accepted; Info then
    carries the server's reported AET and ports.
  - EchoChecker asks a source server to C-ECHO a destination it has
    registered. It probes a connection, not a node.

Both bound each probe with DefaultTimeout (3s) unless configured otherwise.
Results never carry errors to callers: a failed probe is a Result with
Healthy=false, and Result.Status maps it onto types.StatusUp or
types.StatusDown.
*/
package health
