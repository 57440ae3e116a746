package types

import (
	"fmt"
	"time"
)

// NodeStatus represents the observed state of a graph node or connection
type NodeStatus string

const (
	StatusUp      NodeStatus = "up"
	StatusDown    NodeStatus = "down"
	StatusPending NodeStatus = "pending"
	StatusUnknown NodeStatus = "unknown"
)

// NodeKind discriminates the concrete node types stored in the graph
type NodeKind string

const (
	KindServer       NodeKind = "server"
	KindRemoteServer NodeKind = "remote-server"
	KindModality     NodeKind = "modality"
)

// Node is implemented by every vertex that carries an AET: managed servers,
// remote servers and modalities.
type Node interface {
	// Meta returns the fields shared by all node kinds
	Meta() *NodeBase

	// Kind returns the concrete kind of the node
	Kind() NodeKind

	// HasManagementAPI reports whether the node exposes a REST management API
	// that can be reconfigured remotely
	HasManagementAPI() bool

	// IsFleetManaged reports whether the node is backed by a fleet service
	IsFleetManaged() bool

	// DicomPort returns the externally reachable DICOM port
	DicomPort() int
}

// NodeBase holds the identity and UI metadata common to all nodes
type NodeBase struct {
	UUID   string     `json:"uuid"`
	AET    string     `json:"aet"`
	Status NodeStatus `json:"status"`
	VisX   float64    `json:"visX"`
	VisY   float64    `json:"visY"`
}

// Server represents an Orthanc instance, either provisioned on the fleet or
// registered by address (remote)
type Server struct {
	NodeBase

	DisplayName string `json:"displayName"`
	HostName    string `json:"hostName,omitempty"` // Host the service is pinned to
	RemoteIP    string `json:"remoteIp,omitempty"` // Address of a remote server

	PublishedPortWeb   int `json:"publishedPortWeb"`
	PublishedPortDicom int `json:"publishedPortDicom"`
	TargetPortWeb      int `json:"targetPortWeb"`
	TargetPortDicom    int `json:"targetPortDicom"`

	ServiceHandle string `json:"serviceHandle,omitempty"`
	SecretHandle  string `json:"secretHandle,omitempty"`
	VolumeHandle  string `json:"volumeHandle,omitempty"`

	ConfigurationVersion int  `json:"configurationVersion"`
	IsRemote             bool `json:"isRemote"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (s *Server) Meta() *NodeBase { return &s.NodeBase }

func (s *Server) Kind() NodeKind {
	if s.IsRemote {
		return KindRemoteServer
	}
	return KindServer
}

func (s *Server) HasManagementAPI() bool { return true }
func (s *Server) IsFleetManaged() bool   { return !s.IsRemote }
func (s *Server) DicomPort() int         { return s.PublishedPortDicom }

// Modality represents an external imaging device reachable by IP
type Modality struct {
	NodeBase

	IP                 string `json:"ip"`
	PublishedPortDicom int    `json:"publishedPortDicom"`
	Description        string `json:"description,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (m *Modality) Meta() *NodeBase        { return &m.NodeBase }
func (m *Modality) Kind() NodeKind         { return KindModality }
func (m *Modality) HasManagementAPI() bool { return false }
func (m *Modality) IsFleetManaged() bool   { return false }
func (m *Modality) DicomPort() int         { return m.PublishedPortDicom }

// Host represents a cluster machine that can run servers
type Host struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	IP        string            `json:"ip"`
	Role      string            `json:"role"`
	Status    string            `json:"status"`
	Labels    map[string]string `json:"labels,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Capabilities are the per-connection DICOM permissions
type Capabilities struct {
	Echo  bool `json:"allowEcho" yaml:"echo"`
	Find  bool `json:"allowFind" yaml:"find"`
	Get   bool `json:"allowGet" yaml:"get"`
	Move  bool `json:"allowMove" yaml:"move"`
	Store bool `json:"allowStore" yaml:"store"`
}

// AllCapabilities grants every DICOM operation
func AllCapabilities() Capabilities {
	return Capabilities{Echo: true, Find: true, Get: true, Move: true, Store: true}
}

// Connection is a directed CONNECTED_TO edge between two nodes
type Connection struct {
	ID       string     `json:"id"`
	FromUUID string     `json:"from"`
	ToUUID   string     `json:"to"`
	Status   NodeStatus `json:"status"`

	Capabilities

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CredentialState is the validity of a HAS_USER link
type CredentialState string

const (
	CredentialPending CredentialState = "pending"
	CredentialValid   CredentialState = "valid"
	CredentialInvalid CredentialState = "invalid"
)

// User is a credential for a server's management API. Password holds the
// encrypted form.
type User struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// UserLink is the HAS_USER relation between a server and a user
type UserLink struct {
	ServerUUID string          `json:"serverUuid"`
	UserID     string          `json:"userId"`
	State      CredentialState `json:"state"`
}

// Tag is a named, colored label attached to nodes
type Tag struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Endpoint is a node resolved against its network location
type Endpoint struct {
	Node Node
	IP   string
}

// BaseURL returns the management API address of the endpoint. Only
// meaningful for nodes with a management API.
func (e *Endpoint) BaseURL() string {
	if s, ok := e.Node.(*Server); ok {
		return fmt.Sprintf("http://%s:%d", e.IP, s.PublishedPortWeb)
	}
	return ""
}

// Located reports whether the endpoint's network address is known
func (e *Endpoint) Located() bool {
	return e.IP != ""
}

// AET is a shortcut for the endpoint node's AET
func (e *Endpoint) AET() string {
	return e.Node.Meta().AET
}

// UUID is a shortcut for the endpoint node's UUID
func (e *Endpoint) UUID() string {
	return e.Node.Meta().UUID
}

// MigrationStep records how far a host migration has progressed
type MigrationStep string

const (
	MigrationStarted     MigrationStep = "started"
	MigrationProvisioned MigrationStep = "provisioned"
	MigrationHealthy     MigrationStep = "healthy"
	MigrationLinked      MigrationStep = "linked"
	MigrationTransferred MigrationStep = "transferred"
	MigrationReplicated  MigrationStep = "replicated"
	MigrationRetired     MigrationStep = "retired"
	MigrationFinalized   MigrationStep = "finalized"
)

// Migration is the persisted record of a server moving between hosts. A
// failed migration keeps the last completed step and the error so an
// operator can finish or clean up by hand.
type Migration struct {
	ID         string        `json:"id"`
	SourceUUID string        `json:"sourceUuid"`
	TargetUUID string        `json:"targetUuid,omitempty"`
	SourceHost string        `json:"sourceHost"`
	TargetHost string        `json:"targetHost"`
	Step       MigrationStep `json:"step"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}
