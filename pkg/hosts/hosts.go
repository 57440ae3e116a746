package hosts

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	dockerevents "github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/swarm"
	"github.com/orthancfleet/cockpit/pkg/events"
	"github.com/orthancfleet/cockpit/pkg/log"
	"github.com/orthancfleet/cockpit/pkg/storage"
	"github.com/orthancfleet/cockpit/pkg/types"
	"github.com/rs/zerolog"
)

const (
	StatusReady   = "ready"
	StatusDown    = "down"
	StatusRemoved = "removed"
)

// NodeSource is the part of the swarm adapter that reports cluster nodes
type NodeSource interface {
	ListNodes(ctx context.Context) ([]swarm.Node, error)
	InspectNode(ctx context.Context, id string) (*swarm.Node, error)
	WatchNodes(ctx context.Context, onEvent func(dockerevents.Message) error, onError func(error))
}

// Tracker mirrors the swarm's nodes into the graph as hosts
type Tracker struct {
	store  storage.Store
	source NodeSource
	events events.Publisher
	logger zerolog.Logger
}

// NewTracker creates a host tracker
func NewTracker(store storage.Store, source NodeSource, publisher events.Publisher) *Tracker {
	return &Tracker{
		store:  store,
		source: source,
		events: publisher,
		logger: log.WithComponent("hosts"),
	}
}

// FromSwarmNode converts a swarm node into a host
func FromSwarmNode(n swarm.Node) *types.Host {
	addr := n.Status.Addr
	if (addr == "" || addr == "0.0.0.0") && n.ManagerStatus != nil {
		if host, _, err := net.SplitHostPort(n.ManagerStatus.Addr); err == nil {
			addr = host
		}
	}
	return &types.Host{
		ID:        n.ID,
		Name:      n.Description.Hostname,
		IP:        addr,
		Role:      string(n.Spec.Role),
		Status:    string(n.Status.State),
		Labels:    n.Spec.Labels,
		UpdatedAt: time.Now(),
	}
}

// AddInitialHosts records every current swarm node and returns how many
// were recorded
func (t *Tracker) AddInitialHosts(ctx context.Context) (int, error) {
	nodes, err := t.source.ListNodes(ctx)
	if err != nil {
		return 0, err
	}
	for _, n := range nodes {
		if err := t.record(FromSwarmNode(n)); err != nil {
			return 0, err
		}
	}
	t.logger.Info().Int("hosts", len(nodes)).Msg("Initial hosts recorded")
	return len(nodes), nil
}

// Watch follows swarm node events until ctx is cancelled
func (t *Tracker) Watch(ctx context.Context) {
	t.source.WatchNodes(ctx, func(msg dockerevents.Message) error {
		return t.HandleEvent(ctx, msg)
	}, func(err error) {
		t.logger.Warn().Err(err).Msg("Node event stream error")
	})
}

// HandleEvent applies one swarm node event. A node becoming ready is
// inspected and recorded, a node going down is marked down and a removed
// node is forgotten unless servers still run on it.
func (t *Tracker) HandleEvent(ctx context.Context, msg dockerevents.Message) error {
	id := msg.Actor.ID
	logger := t.logger.With().Str("node_id", id).Str("action", string(msg.Action)).Logger()

	if msg.Action == dockerevents.ActionRemove {
		return t.remove(id, logger)
	}

	switch msg.Actor.Attributes["state.new"] {
	case StatusReady:
		n, err := t.source.InspectNode(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to inspect node %s: %w", id, err)
		}
		return t.record(FromSwarmNode(*n))

	case StatusDown:
		var host *types.Host
		err := t.store.Update(func(tx storage.Tx) error {
			var err error
			if host, err = tx.GetHost(id); err != nil {
				return err
			}
			host.Status = StatusDown
			host.UpdatedAt = time.Now()
			return tx.PutHost(host)
		})
		if errors.Is(err, types.ErrNotFound) {
			logger.Debug().Msg("Unknown host went down")
			return nil
		}
		if err != nil {
			return err
		}
		logger.Warn().Str("host", host.Name).Msg("Host is down")
		t.publish(events.EventHostDown, host)
		return nil

	default:
		logger.Debug().Msg("Ignoring node event")
		return nil
	}
}

// remove forgets a host that left the swarm. A host that managed servers
// are still placed on is kept with status removed so they stay attached to
// exactly one host.
func (t *Tracker) remove(id string, logger zerolog.Logger) error {
	var kept *types.Host
	err := t.store.Update(func(tx storage.Tx) error {
		host, err := tx.GetHost(id)
		if err != nil {
			return err
		}
		servers, err := tx.ListServers()
		if err != nil {
			return err
		}
		for _, s := range servers {
			if !s.IsRemote && s.HostName == host.Name {
				host.Status = StatusRemoved
				host.UpdatedAt = time.Now()
				kept = host
				return tx.PutHost(host)
			}
		}
		return tx.DeleteHost(id)
	})
	if errors.Is(err, types.ErrNotFound) {
		logger.Debug().Msg("Unknown host left the swarm")
		return nil
	}
	if err != nil {
		return err
	}

	if kept != nil {
		logger.Warn().Str("host", kept.Name).Msg("Host left the swarm but still has servers")
		t.publish(events.EventHostDown, kept)
		return nil
	}
	logger.Info().Msg("Host left the swarm")
	return nil
}

// record stores host and publishes host.joined when it is new or back
// from down
func (t *Tracker) record(host *types.Host) error {
	var joined bool
	err := t.store.Update(func(tx storage.Tx) error {
		prev, err := tx.GetHost(host.ID)
		switch {
		case errors.Is(err, types.ErrNotFound):
			joined = true
		case err != nil:
			return err
		default:
			joined = prev.Status != host.Status && host.Status == StatusReady
		}
		// A node rejoining under the same name replaces its removed record
		same, err := tx.HostsByName(host.Name)
		if err != nil {
			return err
		}
		for _, h := range same {
			if h.ID != host.ID && h.Status == StatusRemoved {
				if err := tx.DeleteHost(h.ID); err != nil {
					return err
				}
			}
		}
		return tx.PutHost(host)
	})
	if err != nil {
		return fmt.Errorf("failed to record host %s: %w", host.Name, err)
	}

	if joined {
		logger := log.WithHost(host.Name)
		logger.Info().Str("ip", host.IP).Str("role", host.Role).Msg("Host joined")
		t.publish(events.EventHostJoined, host)
	}
	return nil
}

func (t *Tracker) publish(et events.EventType, host *types.Host) {
	if t.events == nil {
		return
	}
	t.events.Publish(&events.Event{
		Type:    et,
		Message: fmt.Sprintf("host %s is %s", host.Name, host.Status),
		Metadata: map[string]string{
			"host_id": host.ID,
			"name":    host.Name,
			"ip":      host.IP,
		},
	})
}
