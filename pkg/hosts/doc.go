/*
Package hosts keeps the graph's view of the swarm's machines current.

At startup every swarm node is recorded as a host. Afterwards the swarm's
node event stream is followed: a node reporting state "ready" is inspected
and recorded again, a node reporting "down" keeps its record with status
"down", and a node removed from the swarm is forgotten. Servers pinned to a
host resolve their address through it, so a host going down does not
delete anything that runs there.
*/
package hosts
