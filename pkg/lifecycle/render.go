package lifecycle

import (
	"github.com/orthancfleet/cockpit/pkg/artifact"
	"github.com/orthancfleet/cockpit/pkg/orthanc"
	"github.com/orthancfleet/cockpit/pkg/storage"
	"github.com/orthancfleet/cockpit/pkg/topology"
	"github.com/orthancfleet/cockpit/pkg/types"
)

// artifactSpec gathers everything server's configuration depends on from
// the graph: its users, an entry per connected node and a peer per
// connected server. Nodes connecting to server get the connection's
// permissions; nodes server only connects to get a placeholder.
func (m *Manager) artifactSpec(tx storage.Tx, server *types.Server) (artifact.Spec, error) {
	users, err := m.vault.Users(tx, server.UUID)
	if err != nil {
		return artifact.Spec{}, err
	}

	conns, err := tx.ConnectionsOf(server.UUID)
	if err != nil {
		return artifact.Spec{}, err
	}

	modalities := make(map[string]orthanc.ModalityEntry)
	peers := make(map[string]orthanc.Peer)
	granted := make(map[string]bool)

	for _, c := range conns {
		inbound := c.ToUUID == server.UUID
		other := c.ToUUID
		if inbound {
			other = c.FromUUID
		}

		ep, err := topology.ResolveUUID(tx, other)
		if err != nil {
			m.logger.Warn().Err(err).Str("node", other).Msg("Leaving unresolvable node out of configuration")
			continue
		}

		aet := ep.AET()
		switch {
		case inbound:
			modalities[aet] = orthanc.NewModalityEntry(aet, ep.IP, ep.Node.DicomPort(), c.Capabilities)
			granted[aet] = true
		case !granted[aet]:
			modalities[aet] = orthanc.NewModalityEntry(aet, ep.IP, ep.Node.DicomPort(), types.Capabilities{})
		}

		if _, ok := ep.Node.(*types.Server); ok {
			peers[aet] = orthanc.Peer{Url: ep.BaseURL()}
		}
	}

	return artifact.Spec{
		Server:     server,
		Users:      users,
		Modalities: modalities,
		Peers:      peers,
		DataDir:    m.config.DataDir,
	}, nil
}
