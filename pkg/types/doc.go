/*
Package types defines the domain model shared by every cockpit package.

The cockpit keeps a graph of Orthanc servers, modalities, cluster hosts,
credentials and tags. This package only declares the vertices and edges of
that graph; persistence lives in pkg/storage and behavior in the packages
that act on it.

# Nodes

Three node kinds carry an Application Entity Title (AET):

  - Server with IsRemote=false: an Orthanc instance provisioned as a fleet
    service, pinned to a Host and configured from a versioned artifact
  - Server with IsRemote=true: an Orthanc instance reachable at RemoteIP,
    managed only through its REST API
  - Modality: an imaging device reachable at IP:PublishedPortDicom

All of them implement Node. Callers branch on HasManagementAPI and
IsFleetManaged rather than on the concrete type:

	if node.HasManagementAPI() {
		// push configuration to the node
	}
	if node.IsFleetManaged() {
		// remove service, secret and volume on delete
	}

AETs are unique across all nodes. The store enforces this.

# Edges

  - Connection: directed CONNECTED_TO edge carrying DICOM Capabilities and a
    probed Status. At most one edge exists per ordered (from, to) pair.
  - UserLink: HAS_USER relation between a server and a User with a
    CredentialState of pending, valid or invalid.
  - Host placement is by name: Server.HostName references Host.Name.

# Errors

The sentinel errors in errors.go are wrapped with fmt.Errorf("...: %w") by
the packages that produce them and tested with errors.Is by callers.
*/
package types
