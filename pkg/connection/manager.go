package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/orthancfleet/cockpit/pkg/events"
	"github.com/orthancfleet/cockpit/pkg/health"
	"github.com/orthancfleet/cockpit/pkg/log"
	"github.com/orthancfleet/cockpit/pkg/orthanc"
	"github.com/orthancfleet/cockpit/pkg/storage"
	"github.com/orthancfleet/cockpit/pkg/topology"
	"github.com/orthancfleet/cockpit/pkg/types"
	"github.com/orthancfleet/cockpit/pkg/vault"
	"github.com/rs/zerolog"
)

var validate = validator.New()

const (
	// DefaultDeleteTimeout bounds every remote call made while deleting a link
	DefaultDeleteTimeout = 5 * time.Second

	// DefaultProbeTimeout bounds a single echo probe
	DefaultProbeTimeout = 3 * time.Second
)

// EdgeRequest describes a connection to create between two nodes
type EdgeRequest struct {
	From string `validate:"required"`
	To   string `validate:"required,nefield=From"`

	types.Capabilities
}

// Manager creates, deletes and probes connections. Every operation talks to
// the servers involved first and writes the graph last.
type Manager struct {
	store   storage.Store
	vault   *vault.Vault
	factory orthanc.Factory
	events  events.Publisher

	deleteTimeout time.Duration
	probeTimeout  time.Duration

	logger zerolog.Logger
}

// NewManager creates a connection manager
func NewManager(store storage.Store, v *vault.Vault, factory orthanc.Factory, publisher events.Publisher) *Manager {
	return &Manager{
		store:         store,
		vault:         v,
		factory:       factory,
		events:        publisher,
		deleteTimeout: DefaultDeleteTimeout,
		probeTimeout:  DefaultProbeTimeout,
		logger:        log.WithComponent("connection"),
	}
}

// WithTimeouts overrides the delete and probe timeouts. Zero values keep the
// defaults.
func (m *Manager) WithTimeouts(deleteTimeout, probeTimeout time.Duration) *Manager {
	if deleteTimeout > 0 {
		m.deleteTimeout = deleteTimeout
	}
	if probeTimeout > 0 {
		m.probeTimeout = probeTimeout
	}
	return m
}

// Client returns an API client for the endpoint authenticated with one of
// its valid credentials
func (m *Manager) Client(ep *types.Endpoint) (orthanc.API, error) {
	cred, err := m.vault.SelectValid(ep.UUID())
	if err != nil {
		return nil, err
	}
	return m.factory(ep.BaseURL(), cred.Username, cred.Password), nil
}

// AddEdge connects req.From to req.To and returns the connection id.
//
// The destination server is told about the source with the requested
// capabilities; this push must succeed. When no reverse connection exists
// the source server receives a placeholder entry for the destination so it
// can address it; that push is best-effort.
func (m *Manager) AddEdge(ctx context.Context, req EdgeRequest) (string, error) {
	if err := validate.Struct(req); err != nil {
		return "", fmt.Errorf("invalid connection %s->%s: %w: %w", req.From, req.To, types.ErrValidation, err)
	}

	var from, to *types.Endpoint
	var reverseExists bool
	err := m.store.View(func(tx storage.Tx) error {
		var err error
		if from, err = topology.ResolveAET(tx, req.From); err != nil {
			return err
		}
		if to, err = topology.ResolveAET(tx, req.To); err != nil {
			return err
		}
		reverseExists, err = connected(tx, to.UUID(), from.UUID())
		return err
	})
	if err != nil {
		return "", err
	}

	for _, ep := range []*types.Endpoint{from, to} {
		if ep.Node.HasManagementAPI() && ep.Node.Meta().Status == types.StatusDown {
			return "", fmt.Errorf("%s is down: %w", ep.AET(), types.ErrEndpointUnavailable)
		}
	}

	logger := log.WithEdge(from.AET(), to.AET())

	status := types.StatusPending
	if from.Node.Kind() == types.KindModality {
		status = types.StatusUnknown
	}

	if to.Node.HasManagementAPI() {
		client, err := m.Client(to)
		if err != nil {
			return "", fmt.Errorf("cannot configure %s: %w", to.AET(), err)
		}
		entry := orthanc.NewModalityEntry(from.AET(), from.IP, from.Node.DicomPort(), req.Capabilities)
		if err := client.PutModality(ctx, from.AET(), entry); err != nil {
			return "", fmt.Errorf("failed to register %s on %s: %w", from.AET(), to.AET(), err)
		}
		if isServer(from) {
			if err := client.PutPeer(ctx, from.AET(), peerOf(from)); err != nil {
				logger.Warn().Err(err).Msg("Failed to register source as peer")
			}
		}
	}

	if !reverseExists && from.Node.HasManagementAPI() {
		m.pushPlaceholder(ctx, logger, from, to)
	}

	conn := &types.Connection{
		FromUUID:     from.UUID(),
		ToUUID:       to.UUID(),
		Status:       status,
		Capabilities: req.Capabilities,
	}
	err = m.store.Update(func(tx storage.Tx) error {
		now := time.Now()
		conn.CreatedAt = now
		conn.UpdatedAt = now
		if existing, err := tx.FindConnection(conn.FromUUID, conn.ToUUID); err == nil {
			conn.CreatedAt = existing.CreatedAt
		}
		return tx.PutConnection(conn)
	})
	if err != nil {
		return "", fmt.Errorf("failed to save connection %s->%s: %w", from.AET(), to.AET(), err)
	}

	logger.Info().Str("connection_id", conn.ID).Msg("Connection created")
	m.publish(events.EventEdgeCreated, from, to, conn.ID)
	return conn.ID, nil
}

func (m *Manager) pushPlaceholder(ctx context.Context, logger zerolog.Logger, from, to *types.Endpoint) {
	client, err := m.Client(from)
	if err != nil {
		logger.Warn().Err(err).Msg("Cannot push placeholder onto source")
		return
	}
	entry := orthanc.NewModalityEntry(to.AET(), to.IP, to.Node.DicomPort(), types.Capabilities{})
	if err := client.PutModality(ctx, to.AET(), entry); err != nil {
		logger.Warn().Err(err).Msg("Failed to push placeholder onto source")
	}
	if isServer(to) {
		if err := client.PutPeer(ctx, to.AET(), peerOf(to)); err != nil {
			logger.Warn().Err(err).Msg("Failed to register destination as peer")
		}
	}
}

// DeleteLink removes a connection. When the reverse connection exists the
// destination keeps a placeholder entry for the source; otherwise both
// sides forget each other. Any failed remote call aborts the deletion and
// leaves the graph unchanged. A server whose address is unknown cannot be
// told and is skipped.
func (m *Manager) DeleteLink(ctx context.Context, id string) error {
	var conn *types.Connection
	var from, to *types.Endpoint
	var reverseExists bool
	err := m.store.View(func(tx storage.Tx) error {
		var err error
		if conn, err = tx.GetConnection(id); err != nil {
			return err
		}
		if from, err = topology.Locate(tx, conn.FromUUID); err != nil {
			return err
		}
		if to, err = topology.Locate(tx, conn.ToUUID); err != nil {
			return err
		}
		reverseExists, err = connected(tx, conn.ToUUID, conn.FromUUID)
		return err
	})
	if err != nil {
		return err
	}

	logger := log.WithEdge(from.AET(), to.AET())
	reachable := func(ep *types.Endpoint) bool {
		if !ep.Node.HasManagementAPI() {
			return false
		}
		if !ep.Located() {
			logger.Warn().Str("aet", ep.AET()).Msg("Server has no known address, not updating it")
			return false
		}
		return true
	}

	switch {
	case reverseExists && reachable(to):
		err := m.withDeadline(ctx, to, func(ctx context.Context, c orthanc.API) error {
			if !from.Located() {
				// A placeholder needs an address
				return c.DeleteModality(ctx, from.AET())
			}
			entry := orthanc.NewModalityEntry(from.AET(), from.IP, from.Node.DicomPort(), types.Capabilities{})
			return c.PutModality(ctx, from.AET(), entry)
		})
		if err != nil {
			return fmt.Errorf("failed to downgrade %s on %s: %w: %w", from.AET(), to.AET(), types.ErrEndpointSyncFailed, err)
		}
	case !reverseExists:
		if reachable(to) {
			err := m.withDeadline(ctx, to, func(ctx context.Context, c orthanc.API) error {
				return c.DeleteModality(ctx, from.AET())
			})
			if err != nil {
				return fmt.Errorf("failed to remove %s from %s: %w: %w", from.AET(), to.AET(), types.ErrEndpointSyncFailed, err)
			}
		}
		if reachable(from) {
			err := m.withDeadline(ctx, from, func(ctx context.Context, c orthanc.API) error {
				return c.DeleteModality(ctx, to.AET())
			})
			if err != nil {
				return fmt.Errorf("failed to remove %s from %s: %w: %w", to.AET(), from.AET(), types.ErrEndpointSyncFailed, err)
			}
		}
	}

	if err := m.store.Update(func(tx storage.Tx) error {
		return tx.DeleteConnection(id)
	}); err != nil {
		return fmt.Errorf("failed to delete connection %s: %w", id, err)
	}

	logger.Info().Str("connection_id", id).Msg("Connection deleted")
	m.publish(events.EventEdgeDeleted, from, to, id)
	return nil
}

func (m *Manager) withDeadline(ctx context.Context, ep *types.Endpoint, fn func(context.Context, orthanc.API) error) error {
	client, err := m.Client(ep)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, m.deleteTimeout)
	defer cancel()
	return fn(ctx, client)
}

// SyncPeers pushes node's current AET, address and DICOM port onto every
// server it is connected with. prevAET, when different from the node's
// AET, is the entry name to drop. Failures are logged and returned joined;
// the remaining servers are still updated.
func (m *Manager) SyncPeers(ctx context.Context, node types.Node, prevAET string) error {
	self, targets, err := m.neighbours(node.Meta().UUID)
	if err != nil {
		return err
	}
	if !self.Located() {
		return fmt.Errorf("%s has no known address: %w", self.AET(), types.ErrEndpointNotFound)
	}

	logger := log.WithNode(self.UUID(), self.AET())
	var errs []error
	for _, t := range targets {
		client, err := m.Client(t.endpoint)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.endpoint.AET(), err))
			continue
		}

		entry := orthanc.NewModalityEntry(self.AET(), self.IP, self.Node.DicomPort(), t.caps)
		if err := client.PutModality(ctx, self.AET(), entry); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.endpoint.AET(), err))
			continue
		}
		if prevAET != "" && prevAET != self.AET() {
			if err := client.DeleteModality(ctx, prevAET); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", t.endpoint.AET(), err))
			}
		}
		if isServer(self) {
			if err := client.PutPeer(ctx, self.AET(), peerOf(self)); err != nil {
				logger.Debug().Err(err).Str("target", t.endpoint.AET()).Msg("Failed to refresh peer")
			}
		}
		logger.Debug().Str("target", t.endpoint.AET()).Msg("Entry synchronized")
	}

	if err := errors.Join(errs...); err != nil {
		logger.Warn().Err(err).Msg("Some connected servers were not updated")
		return err
	}
	return nil
}

// DetachNode removes node's entry from every server it is connected with.
// Only the node's AET is needed, so a node without a known address is
// detached too. Used before deleting the node; failures are logged and
// returned joined.
func (m *Manager) DetachNode(ctx context.Context, uuid string) error {
	self, targets, err := m.neighbours(uuid)
	if err != nil {
		return err
	}

	logger := log.WithNode(self.UUID(), self.AET())
	var errs []error
	for _, t := range targets {
		err := m.withDeadline(ctx, t.endpoint, func(ctx context.Context, c orthanc.API) error {
			return c.DeleteModality(ctx, self.AET())
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.endpoint.AET(), err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		logger.Warn().Err(err).Msg("Failed to detach from some connected servers")
		return err
	}
	return nil
}

type neighbour struct {
	endpoint *types.Endpoint
	caps     types.Capabilities
}

// neighbours locates uuid and resolves every connected node that has a
// management API, with the capabilities that node grants uuid. A neighbour
// only reached through an inbound connection holds a placeholder. uuid
// itself need not have a known address.
func (m *Manager) neighbours(uuid string) (*types.Endpoint, []neighbour, error) {
	var self *types.Endpoint
	var out []neighbour
	err := m.store.View(func(tx storage.Tx) error {
		var err error
		if self, err = topology.Locate(tx, uuid); err != nil {
			return err
		}
		conns, err := tx.ConnectionsOf(uuid)
		if err != nil {
			return err
		}

		index := make(map[string]int)
		for _, c := range conns {
			other := c.ToUUID
			if other == uuid {
				other = c.FromUUID
			}
			ep, err := topology.ResolveUUID(tx, other)
			if err != nil {
				m.logger.Warn().Err(err).Str("node", other).Msg("Skipping unresolvable neighbour")
				continue
			}
			if !ep.Node.HasManagementAPI() {
				continue
			}

			i, seen := index[other]
			if !seen {
				i = len(out)
				index[other] = i
				out = append(out, neighbour{endpoint: ep})
			}
			if c.FromUUID == uuid {
				out[i].caps = c.Capabilities
			}
		}
		return nil
	})
	return self, out, err
}

type echoProbe struct {
	id     string
	from   *types.Endpoint
	toAET  string
	client orthanc.API
}

// TestConnections echoes every connection whose source is a server through
// the source's API and records up or down on the connection. Per-connection
// failures only affect that connection's status.
func (m *Manager) TestConnections(ctx context.Context) error {
	var probes []echoProbe
	results := make(map[string]types.NodeStatus)

	err := m.store.View(func(tx storage.Tx) error {
		conns, err := tx.ListConnections()
		if err != nil {
			return err
		}
		for _, c := range conns {
			fromNode, err := tx.GetNode(c.FromUUID)
			if err != nil || !fromNode.HasManagementAPI() {
				continue
			}
			toNode, err := tx.GetNode(c.ToUUID)
			if err != nil {
				results[c.ID] = types.StatusDown
				continue
			}
			from, err := topology.Resolve(tx, fromNode)
			if err != nil {
				results[c.ID] = types.StatusDown
				continue
			}
			cred, err := m.vault.SelectValidTx(tx, c.FromUUID)
			if err != nil {
				results[c.ID] = types.StatusDown
				continue
			}
			probes = append(probes, echoProbe{
				id:     c.ID,
				from:   from,
				toAET:  toNode.Meta().AET,
				client: m.factory(from.BaseURL(), cred.Username, cred.Password),
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to list connections: %w", err)
	}

	for _, p := range probes {
		result := health.NewEchoChecker(p.client, p.toAET).WithTimeout(m.probeTimeout).Check(ctx)
		results[p.id] = result.Status()
		if !result.Healthy {
			logger := log.WithEdge(p.from.AET(), p.toAET)
			logger.Debug().Str("reason", result.Message).Msg("Echo failed")
		}
	}

	var changed []*types.Connection
	err = m.store.Update(func(tx storage.Tx) error {
		for id, status := range results {
			conn, err := tx.GetConnection(id)
			if err != nil {
				// Deleted while probing
				continue
			}
			if conn.Status == status {
				continue
			}
			conn.Status = status
			conn.UpdatedAt = time.Now()
			if err := tx.PutConnection(conn); err != nil {
				return err
			}
			changed = append(changed, conn)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record connection status: %w", err)
	}

	for _, c := range changed {
		m.emit(&events.Event{
			Type:    events.EventStatusChanged,
			Message: fmt.Sprintf("connection %s is %s", c.ID, c.Status),
			Metadata: map[string]string{
				"connection_id": c.ID,
				"status":        string(c.Status),
			},
		})
	}
	return nil
}

func (m *Manager) emit(e *events.Event) {
	if m.events != nil {
		m.events.Publish(e)
	}
}

func (m *Manager) publish(t events.EventType, from, to *types.Endpoint, id string) {
	m.emit(&events.Event{
		Type:    t,
		Message: fmt.Sprintf("%s -> %s", from.AET(), to.AET()),
		Metadata: map[string]string{
			"connection_id": id,
			"from":          from.AET(),
			"to":            to.AET(),
		},
	})
}

func connected(tx storage.Tx, fromUUID, toUUID string) (bool, error) {
	_, err := tx.FindConnection(fromUUID, toUUID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func isServer(ep *types.Endpoint) bool {
	_, ok := ep.Node.(*types.Server)
	return ok
}

func peerOf(ep *types.Endpoint) orthanc.Peer {
	return orthanc.Peer{Url: ep.BaseURL()}
}
