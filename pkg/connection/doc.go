/*
Package connection manages CONNECTED_TO edges and the allow-list entries
they imply on Orthanc servers.

A connection from A to B means B accepts DICOM traffic from A with the
connection's capabilities. Creating one configures B through its REST API
(required) and gives A a placeholder entry for B (best-effort) so A can
address B without being granted anything. Deletion reverses this but
keeps a placeholder on B while the connection from B to A still exists.

There is no transaction spanning the servers and the graph: remote calls
run first in a fixed order and the graph is written last, so a failed
remote call leaves the graph as it was.

TestConnections is the connection phase of reconciliation. It asks every
source server to C-ECHO its destination and stores up or down on the edge.
*/
package connection
