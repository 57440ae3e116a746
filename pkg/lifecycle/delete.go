package lifecycle

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/orthancfleet/cockpit/pkg/events"
	"github.com/orthancfleet/cockpit/pkg/fleet"
	"github.com/orthancfleet/cockpit/pkg/log"
	"github.com/orthancfleet/cockpit/pkg/storage"
	"github.com/orthancfleet/cockpit/pkg/topology"
	"github.com/orthancfleet/cockpit/pkg/types"
)

// DeleteNode removes a node. Connected servers forget it first
// (best-effort), then a remote server is asked to shut down (best-effort)
// or a managed server's service, secret and volume are removed, and finally
// the node and its relations leave the graph.
func (m *Manager) DeleteNode(ctx context.Context, uuid string) error {
	var node types.Node
	if err := m.store.View(func(tx storage.Tx) error {
		var err error
		node, err = tx.GetNode(uuid)
		return err
	}); err != nil {
		return err
	}

	meta := node.Meta()
	logger := log.WithNode(meta.UUID, meta.AET)

	if err := m.conns.DetachNode(ctx, uuid); err != nil {
		logger.Warn().Err(err).Msg("Some connected servers still list the node")
	}

	if server, ok := node.(*types.Server); ok {
		if server.IsRemote {
			m.shutdownRemote(ctx, server)
		} else if err := m.teardown(ctx, server); err != nil {
			return err
		}
	}

	if err := m.store.Update(func(tx storage.Tx) error {
		return tx.DeleteNode(uuid)
	}); err != nil {
		return fmt.Errorf("failed to delete node %s: %w", meta.AET, err)
	}

	logger.Info().Str("kind", string(node.Kind())).Msg("Node deleted")
	m.publish(events.EventNodeDeleted, node, "")
	return nil
}

func (m *Manager) shutdownRemote(ctx context.Context, server *types.Server) {
	logger := log.WithNode(server.UUID, server.AET)

	var ep *types.Endpoint
	if err := m.store.View(func(tx storage.Tx) error {
		var err error
		ep, err = topology.Resolve(tx, server)
		return err
	}); err != nil {
		logger.Warn().Err(err).Msg("Cannot locate remote server for shutdown")
		return
	}

	client, err := m.conns.Client(ep)
	if err != nil {
		logger.Warn().Err(err).Msg("Cannot authenticate for shutdown")
		return
	}
	if err := client.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Remote server did not accept shutdown")
	}
}

// teardown removes the fleet objects of a managed server. Objects that are
// already gone are skipped.
func (m *Manager) teardown(ctx context.Context, server *types.Server) error {
	if server.ServiceHandle != "" {
		if err := m.fleet.RemoveService(ctx, server.ServiceHandle); err != nil && !fleet.IsNotFound(err) {
			return err
		}
	}
	if server.SecretHandle != "" {
		if err := m.fleet.RemoveSecret(ctx, server.SecretHandle); err != nil && !fleet.IsNotFound(err) {
			return err
		}
	}
	if server.VolumeHandle != "" {
		if err := m.removeVolume(ctx, server.VolumeHandle); err != nil {
			return err
		}
	}
	return nil
}

// removeVolume retries while the service's container still holds the
// volume
func (m *Manager) removeVolume(ctx context.Context, name string) error {
	policy := backoff.NewConstantBackOff(m.config.VolumeBusyRetry)
	return backoff.Retry(func() error {
		err := m.fleet.RemoveVolume(ctx, name)
		switch {
		case err == nil, fleet.IsNotFound(err):
			return nil
		case fleet.IsVolumeInUse(err):
			m.logger.Debug().Str("volume", name).Msg("Volume still in use")
			return err
		default:
			return backoff.Permanent(err)
		}
	}, backoff.WithContext(policy, ctx))
}
