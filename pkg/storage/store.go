package storage

import (
	"github.com/orthancfleet/cockpit/pkg/types"
)

// Store is the transactional graph store. Every mutation that must be atomic
// runs inside a single Update function; returning an error rolls the whole
// function back.
type Store interface {
	View(fn func(tx Tx) error) error
	Update(fn func(tx Tx) error) error
	Close() error
}

// Tx is a read or read-write transaction over the graph. Calling a mutating
// method inside View returns an error from the underlying database.
type Tx interface {
	// Hosts
	PutHost(host *types.Host) error
	GetHost(id string) (*types.Host, error)
	HostsByName(name string) ([]*types.Host, error)
	ListHosts() ([]*types.Host, error)
	DeleteHost(id string) error

	// Nodes
	PutServer(server *types.Server) error
	PutModality(modality *types.Modality) error
	GetNode(uuid string) (types.Node, error)
	GetNodeByAET(aet string) (types.Node, error)
	GetServer(uuid string) (*types.Server, error)
	ListNodes() ([]types.Node, error)
	ListServers() ([]*types.Server, error)
	ListModalities() ([]*types.Modality, error)
	EnsureUniqueAET(aet, exceptUUID string) error
	DeleteNode(uuid string) error

	// Connections
	PutConnection(conn *types.Connection) error
	GetConnection(id string) (*types.Connection, error)
	FindConnection(fromUUID, toUUID string) (*types.Connection, error)
	ListConnections() ([]*types.Connection, error)
	ConnectionsOf(uuid string) ([]*types.Connection, error)
	DeleteConnection(id string) error

	// Users
	PutUser(user *types.User) error
	GetUser(userID string) (*types.User, error)
	LinkUser(serverUUID, userID string, state types.CredentialState) error
	UnlinkUser(serverUUID, userID string) error
	SetUserState(serverUUID, userID string, state types.CredentialState) error
	UserLinks(serverUUID string) ([]*types.UserLink, error)
	AllUserLinks() ([]*types.UserLink, error)

	// Tags
	PutTag(tag *types.Tag) error
	GetTag(name string) (*types.Tag, error)
	ListTags() ([]*types.Tag, error)
	DeleteTag(name string) error
	TagNode(uuid, tagName string) error
	UntagNode(uuid, tagName string) error
	TagsOf(uuid string) ([]*types.Tag, error)

	// Migrations
	PutMigration(m *types.Migration) error
	GetMigration(id string) (*types.Migration, error)
	ListMigrations() ([]*types.Migration, error)
}
