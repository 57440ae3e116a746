package topology

import (
	"errors"
	"fmt"

	"github.com/orthancfleet/cockpit/pkg/storage"
	"github.com/orthancfleet/cockpit/pkg/types"
)

// ResolveHost returns the single host called name
func ResolveHost(tx storage.Tx, name string) (*types.Host, error) {
	hosts, err := tx.HostsByName(name)
	if err != nil {
		return nil, err
	}
	switch len(hosts) {
	case 0:
		return nil, fmt.Errorf("host %q: %w", name, types.ErrHostNotFound)
	case 1:
		return hosts[0], nil
	default:
		return nil, fmt.Errorf("host %q matches %d hosts: %w", name, len(hosts), types.ErrHostAmbiguous)
	}
}

// Resolve locates node on the network. Managed servers are reached through
// the host they run on, remote servers and modalities through their own
// address.
func Resolve(tx storage.Tx, node types.Node) (*types.Endpoint, error) {
	switch n := node.(type) {
	case *types.Server:
		if n.IsRemote {
			if n.RemoteIP == "" {
				return nil, fmt.Errorf("remote server %s has no address: %w", n.AET, types.ErrEndpointNotFound)
			}
			return &types.Endpoint{Node: n, IP: n.RemoteIP}, nil
		}
		host, err := ResolveHost(tx, n.HostName)
		if err != nil {
			return nil, fmt.Errorf("server %s: %w: %w", n.AET, types.ErrEndpointNotFound, err)
		}
		return &types.Endpoint{Node: n, IP: host.IP}, nil

	case *types.Modality:
		return &types.Endpoint{Node: n, IP: n.IP}, nil

	default:
		return nil, fmt.Errorf("unsupported node %T: %w", node, types.ErrEndpointNotFound)
	}
}

// ResolveAET looks a node up by AET and resolves it
func ResolveAET(tx storage.Tx, aet string) (*types.Endpoint, error) {
	node, err := tx.GetNodeByAET(aet)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, fmt.Errorf("aet %q: %w", aet, types.ErrEndpointNotFound)
		}
		return nil, err
	}
	return Resolve(tx, node)
}

// ResolveUUID looks a node up by uuid and resolves it
func ResolveUUID(tx storage.Tx, uuid string) (*types.Endpoint, error) {
	node, err := tx.GetNode(uuid)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, fmt.Errorf("node %s: %w", uuid, types.ErrEndpointNotFound)
		}
		return nil, err
	}
	return Resolve(tx, node)
}

// Locate is ResolveUUID for callers that only need the node's identity. A
// node that exists but cannot be placed on the network, such as a server
// whose host left the swarm, comes back with an empty IP.
func Locate(tx storage.Tx, uuid string) (*types.Endpoint, error) {
	node, err := tx.GetNode(uuid)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, fmt.Errorf("node %s: %w", uuid, types.ErrEndpointNotFound)
		}
		return nil, err
	}
	ep, err := Resolve(tx, node)
	if errors.Is(err, types.ErrEndpointNotFound) {
		return &types.Endpoint{Node: node}, nil
	}
	return ep, err
}
