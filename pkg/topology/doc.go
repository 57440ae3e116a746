/*
Package topology answers "where is this node" and "what does the graph look
like" for the rest of the cockpit.

Resolve turns a node into an Endpoint: managed servers are reached at the
IP of the host named by Server.HostName, remote servers at RemoteIP and
modalities at their own IP. A host name matching zero or several hosts
makes the node unresolvable.

Viewer builds the read models shown by the CLI. Stored passwords are
decrypted only to produce the masked form (first character kept).
*/
package topology
