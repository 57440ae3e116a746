package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/orthancfleet/cockpit/pkg/artifact"
	"github.com/orthancfleet/cockpit/pkg/connection"
	"github.com/orthancfleet/cockpit/pkg/events"
	"github.com/orthancfleet/cockpit/pkg/fleet"
	"github.com/orthancfleet/cockpit/pkg/log"
	"github.com/orthancfleet/cockpit/pkg/orthanc"
	"github.com/orthancfleet/cockpit/pkg/storage"
	"github.com/orthancfleet/cockpit/pkg/topology"
	"github.com/orthancfleet/cockpit/pkg/types"
	"github.com/orthancfleet/cockpit/pkg/vault"
	"github.com/rs/zerolog"
)

var validate = validator.New()

// FleetAPI is the part of the swarm adapter the lifecycle manager drives
type FleetAPI interface {
	CreateSecret(ctx context.Context, name string, data []byte) error
	RemoveSecret(ctx context.Context, name string) error
	CreateService(ctx context.Context, spec fleet.ServiceSpec) (service, volume string, err error)
	UpdateService(ctx context.Context, u fleet.ServiceUpdate) error
	RemoveService(ctx context.Context, name string) error
	RemoveVolume(ctx context.Context, name string) error
}

// Config holds the lifecycle settings
type Config struct {
	// AdminUsername and AdminPassword are registered on every new server
	AdminUsername string `validate:"required"`
	AdminPassword string `validate:"required"`

	// TargetPortWeb and TargetPortDicom are the ports Orthanc listens on
	// inside its container
	TargetPortWeb   int `validate:"min=1,max=65535"`
	TargetPortDicom int `validate:"min=1,max=65535"`

	// DataDir is the storage path inside the container
	DataDir string

	// VolumeBusyRetry is the pause between volume removal attempts
	VolumeBusyRetry time.Duration

	// HealthPollInterval is the pause between health probes of a server
	// being migrated to
	HealthPollInterval time.Duration

	// PortProbeLimit caps how many port pairs a migration tries
	PortProbeLimit int
}

// DefaultConfig returns the default lifecycle settings without admin
// credentials
func DefaultConfig() Config {
	return Config{
		TargetPortWeb:      8042,
		TargetPortDicom:    4242,
		DataDir:            fleet.DefaultSwarmConfig().DataTarget,
		VolumeBusyRetry:    time.Second,
		HealthPollInterval: time.Second,
		PortProbeLimit:     50,
	}
}

// ServerSpec describes a managed server to create or the desired state of
// an existing one
type ServerSpec struct {
	DisplayName        string `validate:"required"`
	AET                string `validate:"required,max=16"`
	HostName           string `validate:"required"`
	PublishedPortWeb   int    `validate:"min=1,max=65535"`
	PublishedPortDicom int    `validate:"min=1,max=65535,nefield=PublishedPortWeb"`
}

// RemoteServerSpec describes a third-party server registered by address
type RemoteServerSpec struct {
	DisplayName        string `validate:"required"`
	AET                string `validate:"required,max=16"`
	IP                 string `validate:"required,ip"`
	PublishedPortWeb   int    `validate:"min=1,max=65535"`
	PublishedPortDicom int    `validate:"min=1,max=65535"`

	// Username and Password are required when registering, optional on
	// edit
	Username string
	Password string
}

// ModalitySpec describes a DICOM device
type ModalitySpec struct {
	AET         string `validate:"required,max=16"`
	IP          string `validate:"required,ip"`
	Port        int    `validate:"min=1,max=65535"`
	Description string
}

// Manager creates, edits, migrates and deletes graph nodes together with
// the fleet services and server configuration behind them
type Manager struct {
	store   storage.Store
	vault   *vault.Vault
	conns   *connection.Manager
	fleet   FleetAPI
	factory orthanc.Factory
	events  events.Publisher
	waiter  HealthWaiter
	config  Config
	logger  zerolog.Logger
}

// NewManager creates a lifecycle manager
func NewManager(store storage.Store, v *vault.Vault, conns *connection.Manager, fleetAPI FleetAPI, factory orthanc.Factory, publisher events.Publisher, config Config) (*Manager, error) {
	def := DefaultConfig()
	if config.TargetPortWeb == 0 {
		config.TargetPortWeb = def.TargetPortWeb
	}
	if config.TargetPortDicom == 0 {
		config.TargetPortDicom = def.TargetPortDicom
	}
	if config.DataDir == "" {
		config.DataDir = def.DataDir
	}
	if config.VolumeBusyRetry == 0 {
		config.VolumeBusyRetry = def.VolumeBusyRetry
	}
	if config.HealthPollInterval == 0 {
		config.HealthPollInterval = def.HealthPollInterval
	}
	if config.PortProbeLimit == 0 {
		config.PortProbeLimit = def.PortProbeLimit
	}
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid lifecycle config: %w: %w", types.ErrValidation, err)
	}

	return &Manager{
		store:   store,
		vault:   v,
		conns:   conns,
		fleet:   fleetAPI,
		factory: factory,
		events:  publisher,
		waiter:  &PollingWaiter{Interval: config.HealthPollInterval},
		config:  config,
		logger:  log.WithComponent("lifecycle"),
	}, nil
}

// WithHealthWaiter replaces the waiter used during migrations
func (m *Manager) WithHealthWaiter(w HealthWaiter) *Manager {
	m.waiter = w
	return m
}

// AddServer provisions a new server on spec.HostName. The graph is only
// written once the fleet service exists.
func (m *Manager) AddServer(ctx context.Context, spec ServerSpec) (*types.Server, error) {
	if err := validate.Struct(spec); err != nil {
		return nil, fmt.Errorf("invalid server: %w: %w", types.ErrValidation, err)
	}

	err := m.store.View(func(tx storage.Tx) error {
		if _, err := topology.ResolveHost(tx, spec.HostName); err != nil {
			return err
		}
		return tx.EnsureUniqueAET(spec.AET, "")
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	server := &types.Server{
		NodeBase: types.NodeBase{
			UUID:   uuid.New().String(),
			AET:    spec.AET,
			Status: types.StatusPending,
		},
		DisplayName:          spec.DisplayName,
		HostName:             spec.HostName,
		PublishedPortWeb:     spec.PublishedPortWeb,
		PublishedPortDicom:   spec.PublishedPortDicom,
		TargetPortWeb:        m.config.TargetPortWeb,
		TargetPortDicom:      m.config.TargetPortDicom,
		ConfigurationVersion: 1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := m.provision(ctx, server, 1); err != nil {
		return nil, err
	}
	if err := m.register(server); err != nil {
		return nil, err
	}

	logger := log.WithNode(server.UUID, server.AET)
	logger.Info().
		Str("host", server.HostName).
		Str("service", server.ServiceHandle).
		Msg("Server created")
	m.publish(events.EventServerCreated, server, "")
	return server, nil
}

// provision renders the first configuration of server, creates its secret
// and service. When attempts is above one, published ports are moved up by
// one after every port conflict.
func (m *Manager) provision(ctx context.Context, server *types.Server, attempts int) error {
	data, err := artifact.Render(artifact.Spec{
		Server:  server,
		Users:   map[string]string{m.config.AdminUsername: m.config.AdminPassword},
		DataDir: m.config.DataDir,
	})
	if err != nil {
		return err
	}

	secret := artifact.Name(server.UUID, server.ConfigurationVersion)
	if err := m.fleet.CreateSecret(ctx, secret, data); err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		service, volume, err := m.fleet.CreateService(ctx, fleet.ServiceSpec{
			UUID:       server.UUID,
			HostName:   server.HostName,
			SecretName: secret,
			Web:        fleet.PortBinding{Published: server.PublishedPortWeb, Target: server.TargetPortWeb},
			Dicom:      fleet.PortBinding{Published: server.PublishedPortDicom, Target: server.TargetPortDicom},
		})
		if err == nil {
			server.ServiceHandle = service
			server.SecretHandle = secret
			server.VolumeHandle = volume
			return nil
		}

		if fleet.IsPortInUse(err) && attempt < attempts {
			m.logger.Debug().
				Int("web", server.PublishedPortWeb).
				Int("dicom", server.PublishedPortDicom).
				Msg("Ports in use, trying the next pair")
			server.PublishedPortWeb++
			server.PublishedPortDicom++
			continue
		}

		if rmErr := m.fleet.RemoveSecret(ctx, secret); rmErr != nil {
			m.logger.Warn().Err(rmErr).Str("secret", secret).Msg("Failed to clean up secret")
		}
		return err
	}
}

// register writes a freshly provisioned server and its admin credential
func (m *Manager) register(server *types.Server) error {
	err := m.store.Update(func(tx storage.Tx) error {
		if err := tx.EnsureUniqueAET(server.AET, server.UUID); err != nil {
			return err
		}
		if err := tx.PutServer(server); err != nil {
			return err
		}
		_, err := m.vault.Put(tx, server.UUID, m.config.AdminUsername, m.config.AdminPassword, types.CredentialPending)
		return err
	})
	if err != nil {
		logger := log.WithNode(server.UUID, server.AET)
		logger.Error().Err(err).
			Str("service", server.ServiceHandle).
			Str("secret", server.SecretHandle).
			Str("volume", server.VolumeHandle).
			Msg("Server provisioned but not recorded, fleet objects are orphaned")
		return fmt.Errorf("failed to record server %s: %w", server.AET, err)
	}
	return nil
}

// AddRemoteServer registers a server the fleet does not run
func (m *Manager) AddRemoteServer(ctx context.Context, spec RemoteServerSpec) (*types.Server, error) {
	if err := validate.Struct(spec); err != nil {
		return nil, fmt.Errorf("invalid remote server: %w: %w", types.ErrValidation, err)
	}
	if spec.Username == "" || spec.Password == "" {
		return nil, fmt.Errorf("remote server %s needs a credential: %w", spec.AET, types.ErrValidation)
	}

	now := time.Now()
	server := &types.Server{
		NodeBase: types.NodeBase{
			UUID:   uuid.New().String(),
			AET:    spec.AET,
			Status: types.StatusPending,
		},
		DisplayName:        spec.DisplayName,
		RemoteIP:           spec.IP,
		PublishedPortWeb:   spec.PublishedPortWeb,
		PublishedPortDicom: spec.PublishedPortDicom,
		TargetPortWeb:      spec.PublishedPortWeb,
		TargetPortDicom:    spec.PublishedPortDicom,
		IsRemote:           true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err := m.store.Update(func(tx storage.Tx) error {
		if err := tx.EnsureUniqueAET(server.AET, ""); err != nil {
			return err
		}
		if err := tx.PutServer(server); err != nil {
			return err
		}
		_, err := m.vault.Put(tx, server.UUID, spec.Username, spec.Password, types.CredentialPending)
		return err
	})
	if err != nil {
		return nil, err
	}

	logger := log.WithNode(server.UUID, server.AET)
	logger.Info().Str("ip", server.RemoteIP).Msg("Remote server registered")
	m.publish(events.EventServerCreated, server, "")
	return server, nil
}

// EditServer moves a managed server towards spec: in place when it stays on
// its host, through a migration otherwise. The returned server is the one
// now carrying spec; after a migration it has a new uuid.
func (m *Manager) EditServer(ctx context.Context, uuid string, spec ServerSpec) (*types.Server, error) {
	if err := validate.Struct(spec); err != nil {
		return nil, fmt.Errorf("invalid server: %w: %w", types.ErrValidation, err)
	}

	current, err := m.server(uuid)
	if err != nil {
		return nil, err
	}
	if current.IsRemote {
		return nil, fmt.Errorf("server %s is remote: %w", current.AET, types.ErrValidation)
	}

	err = m.store.View(func(tx storage.Tx) error {
		if _, err := topology.ResolveHost(tx, spec.HostName); err != nil {
			return err
		}
		return tx.EnsureUniqueAET(spec.AET, uuid)
	})
	if err != nil {
		return nil, err
	}

	if spec.HostName != current.HostName {
		return m.migrate(ctx, current, spec)
	}
	return m.editInPlace(ctx, current, spec)
}

// Reconfigure pushes a fresh configuration to a managed server without
// changing its settings. Remote servers are left alone.
func (m *Manager) Reconfigure(ctx context.Context, uuid string) (*types.Server, error) {
	current, err := m.server(uuid)
	if err != nil {
		return nil, err
	}
	if current.IsRemote {
		return current, nil
	}
	return m.editInPlace(ctx, current, SpecOf(current))
}

func (m *Manager) editInPlace(ctx context.Context, current *types.Server, spec ServerSpec) (*types.Server, error) {
	logger := log.WithNode(current.UUID, current.AET)

	next := *current
	next.DisplayName = spec.DisplayName
	next.AET = spec.AET
	next.PublishedPortWeb = spec.PublishedPortWeb
	next.PublishedPortDicom = spec.PublishedPortDicom
	next.ConfigurationVersion = current.ConfigurationVersion + 1
	next.Status = types.StatusPending
	next.UpdatedAt = time.Now()

	var data []byte
	err := m.store.View(func(tx storage.Tx) error {
		s, err := m.artifactSpec(tx, &next)
		if err != nil {
			return err
		}
		data, err = artifact.Render(s)
		return err
	})
	if err != nil {
		return nil, err
	}

	secret := artifact.Name(next.UUID, next.ConfigurationVersion)
	if err := m.fleet.CreateSecret(ctx, secret, data); err != nil {
		return nil, err
	}

	err = m.fleet.UpdateService(ctx, fleet.ServiceUpdate{
		ServiceName: current.ServiceHandle,
		OldSecret:   current.SecretHandle,
		NewSecret:   secret,
		OldWeb:      fleet.PortBinding{Published: current.PublishedPortWeb, Target: current.TargetPortWeb},
		NewWeb:      fleet.PortBinding{Published: next.PublishedPortWeb, Target: next.TargetPortWeb},
		OldDicom:    fleet.PortBinding{Published: current.PublishedPortDicom, Target: current.TargetPortDicom},
		NewDicom:    fleet.PortBinding{Published: next.PublishedPortDicom, Target: next.TargetPortDicom},
	})
	if err != nil {
		if rmErr := m.fleet.RemoveSecret(ctx, secret); rmErr != nil {
			logger.Warn().Err(rmErr).Str("secret", secret).Msg("Failed to clean up secret")
		}
		return nil, err
	}
	next.SecretHandle = secret

	if current.SecretHandle != "" {
		if err := m.fleet.RemoveSecret(ctx, current.SecretHandle); err != nil {
			logger.Warn().Err(err).Str("secret", current.SecretHandle).Msg("Failed to remove previous configuration")
		}
	}

	err = m.store.Update(func(tx storage.Tx) error {
		if err := tx.EnsureUniqueAET(next.AET, next.UUID); err != nil {
			return err
		}
		return tx.PutServer(&next)
	})
	if err != nil {
		logger.Error().Err(err).Str("secret", secret).Msg("Server reconfigured but not recorded")
		return nil, fmt.Errorf("failed to record server %s: %w", next.AET, err)
	}

	if next.AET != current.AET || next.PublishedPortDicom != current.PublishedPortDicom {
		if err := m.conns.SyncPeers(ctx, &next, current.AET); err != nil {
			logger.Warn().Err(err).Msg("Connected servers may still use the previous address")
		}
	}

	logger.Info().
		Int("version", next.ConfigurationVersion).
		Str("aet", next.AET).
		Msg("Server reconfigured")
	m.publish(events.EventServerUpdated, &next, "")
	return &next, nil
}

// EditRemoteServer updates the address book entry of a remote server. A
// credential in spec is added to the existing ones.
func (m *Manager) EditRemoteServer(ctx context.Context, uuid string, spec RemoteServerSpec) (*types.Server, error) {
	if err := validate.Struct(spec); err != nil {
		return nil, fmt.Errorf("invalid remote server: %w: %w", types.ErrValidation, err)
	}

	var prev, next types.Server
	err := m.store.Update(func(tx storage.Tx) error {
		current, err := tx.GetServer(uuid)
		if err != nil {
			return err
		}
		if !current.IsRemote {
			return fmt.Errorf("server %s is fleet managed: %w", current.AET, types.ErrValidation)
		}
		if err := tx.EnsureUniqueAET(spec.AET, uuid); err != nil {
			return err
		}

		prev = *current
		next = *current
		next.DisplayName = spec.DisplayName
		next.AET = spec.AET
		next.RemoteIP = spec.IP
		next.PublishedPortWeb = spec.PublishedPortWeb
		next.PublishedPortDicom = spec.PublishedPortDicom
		next.TargetPortWeb = spec.PublishedPortWeb
		next.TargetPortDicom = spec.PublishedPortDicom
		next.UpdatedAt = time.Now()
		if err := tx.PutServer(&next); err != nil {
			return err
		}

		if spec.Username != "" && spec.Password != "" {
			_, err = m.vault.Put(tx, uuid, spec.Username, spec.Password, types.CredentialPending)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	if next.AET != prev.AET || next.RemoteIP != prev.RemoteIP || next.PublishedPortDicom != prev.PublishedPortDicom {
		if err := m.conns.SyncPeers(ctx, &next, prev.AET); err != nil {
			logger := log.WithNode(next.UUID, next.AET)
			logger.Warn().Err(err).Msg("Connected servers may still use the previous address")
		}
	}

	m.publish(events.EventServerUpdated, &next, "")
	return &next, nil
}

func (m *Manager) server(uuid string) (*types.Server, error) {
	var server *types.Server
	err := m.store.View(func(tx storage.Tx) error {
		var err error
		server, err = tx.GetServer(uuid)
		return err
	})
	return server, err
}

func (m *Manager) publish(t events.EventType, node types.Node, message string) {
	if m.events == nil {
		return
	}
	meta := node.Meta()
	if message == "" {
		message = fmt.Sprintf("%s %s", node.Kind(), meta.AET)
	}
	m.events.Publish(&events.Event{
		Type:    t,
		Message: message,
		Metadata: map[string]string{
			"uuid": meta.UUID,
			"aet":  meta.AET,
			"kind": string(node.Kind()),
		},
	})
}

// SpecOf returns the spec a managed server currently satisfies
func SpecOf(s *types.Server) ServerSpec {
	return ServerSpec{
		DisplayName:        s.DisplayName,
		AET:                s.AET,
		HostName:           s.HostName,
		PublishedPortWeb:   s.PublishedPortWeb,
		PublishedPortDicom: s.PublishedPortDicom,
	}
}

// RemoteSpecOf returns the spec a remote server currently satisfies,
// without a credential
func RemoteSpecOf(s *types.Server) RemoteServerSpec {
	return RemoteServerSpec{
		DisplayName:        s.DisplayName,
		AET:                s.AET,
		IP:                 s.RemoteIP,
		PublishedPortWeb:   s.PublishedPortWeb,
		PublishedPortDicom: s.PublishedPortDicom,
	}
}
