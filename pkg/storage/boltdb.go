package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/orthancfleet/cockpit/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketHosts       = []byte("hosts")
	bucketNodes       = []byte("nodes")
	bucketAETs        = []byte("aets")
	bucketConnections = []byte("connections")
	bucketConnIndex   = []byte("conn_index")
	bucketUsers       = []byte("users")
	bucketUserLinks   = []byte("user_links")
	bucketTags        = []byte("tags")
	bucketNodeTags    = []byte("node_tags")
	bucketMigrations  = []byte("migrations")
)

// keySep joins the parts of composite keys. It cannot appear in uuids,
// user ids or tag names accepted by the CLI.
const keySep = "\x00"

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "cockpit.db")

	// A second process holding the file lock fails fast instead of hanging
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketHosts,
			bucketNodes,
			bucketAETs,
			bucketConnections,
			bucketConnIndex,
			bucketUsers,
			bucketUserLinks,
			bucketTags,
			bucketNodeTags,
			bucketMigrations,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Backup writes a consistent copy of the database to path
func (s *BoltStore) Backup(path string) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(path, 0600)
	})
}

// View runs fn in a read-only transaction
func (s *BoltStore) View(fn func(tx Tx) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// Update runs fn in a read-write transaction. The transaction commits only
// if fn returns nil.
func (s *BoltStore) Update(fn func(tx Tx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

type boltTx struct {
	tx *bolt.Tx
}

type nodeRecord struct {
	Kind     types.NodeKind  `json:"kind"`
	Server   *types.Server   `json:"server,omitempty"`
	Modality *types.Modality `json:"modality,omitempty"`
}

func (r *nodeRecord) node() types.Node {
	if r.Modality != nil {
		return r.Modality
	}
	return r.Server
}

func compositeKey(parts ...string) []byte {
	return []byte(strings.Join(parts, keySep))
}

func putJSON(b *bolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func getJSON(b *bolt.Bucket, key []byte, v interface{}) (bool, error) {
	data := b.Get(key)
	if data == nil {
		return false, nil
	}
	return true, json.Unmarshal(data, v)
}

// keysWithPrefix collects matching keys so callers may delete them after
// the cursor is done
func keysWithPrefix(b *bolt.Bucket, prefix []byte) [][]byte {
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	return keys
}

// Host operations
func (t *boltTx) PutHost(host *types.Host) error {
	return putJSON(t.tx.Bucket(bucketHosts), []byte(host.ID), host)
}

func (t *boltTx) GetHost(id string) (*types.Host, error) {
	var host types.Host
	ok, err := getJSON(t.tx.Bucket(bucketHosts), []byte(id), &host)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("host %s: %w", id, types.ErrNotFound)
	}
	return &host, nil
}

func (t *boltTx) HostsByName(name string) ([]*types.Host, error) {
	hosts, err := t.ListHosts()
	if err != nil {
		return nil, err
	}
	var matched []*types.Host
	for _, h := range hosts {
		if h.Name == name {
			matched = append(matched, h)
		}
	}
	return matched, nil
}

func (t *boltTx) ListHosts() ([]*types.Host, error) {
	var hosts []*types.Host
	err := t.tx.Bucket(bucketHosts).ForEach(func(k, v []byte) error {
		var host types.Host
		if err := json.Unmarshal(v, &host); err != nil {
			return err
		}
		hosts = append(hosts, &host)
		return nil
	})
	return hosts, err
}

func (t *boltTx) DeleteHost(id string) error {
	return t.tx.Bucket(bucketHosts).Delete([]byte(id))
}

// Node operations
func (t *boltTx) PutServer(server *types.Server) error {
	return t.putNode(server, &nodeRecord{Kind: types.KindServer, Server: server})
}

func (t *boltTx) PutModality(modality *types.Modality) error {
	return t.putNode(modality, &nodeRecord{Kind: types.KindModality, Modality: modality})
}

func (t *boltTx) putNode(node types.Node, rec *nodeRecord) error {
	meta := node.Meta()
	if meta.UUID == "" {
		return fmt.Errorf("node uuid is required: %w", types.ErrValidation)
	}
	if meta.AET == "" {
		return fmt.Errorf("node aet is required: %w", types.ErrValidation)
	}
	if err := t.EnsureUniqueAET(meta.AET, meta.UUID); err != nil {
		return err
	}

	nodes := t.tx.Bucket(bucketNodes)
	aets := t.tx.Bucket(bucketAETs)

	var prev nodeRecord
	found, err := getJSON(nodes, []byte(meta.UUID), &prev)
	if err != nil {
		return err
	}
	if found {
		if prev.Kind != rec.Kind {
			return fmt.Errorf("node %s already exists as %s: %w", meta.UUID, prev.Kind, types.ErrValidation)
		}
		if old := prev.node().Meta().AET; old != meta.AET {
			if err := aets.Delete([]byte(old)); err != nil {
				return err
			}
		}
	}

	if err := putJSON(nodes, []byte(meta.UUID), rec); err != nil {
		return err
	}
	return aets.Put([]byte(meta.AET), []byte(meta.UUID))
}

// EnsureUniqueAET fails with ErrAETConflict if aet belongs to a node other
// than exceptUUID
func (t *boltTx) EnsureUniqueAET(aet, exceptUUID string) error {
	owner := t.tx.Bucket(bucketAETs).Get([]byte(aet))
	if owner != nil && string(owner) != exceptUUID {
		return fmt.Errorf("aet %q: %w", aet, types.ErrAETConflict)
	}
	return nil
}

func (t *boltTx) getRecord(uuid string) (*nodeRecord, error) {
	var rec nodeRecord
	ok, err := getJSON(t.tx.Bucket(bucketNodes), []byte(uuid), &rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("node %s: %w", uuid, types.ErrNotFound)
	}
	return &rec, nil
}

func (t *boltTx) GetNode(uuid string) (types.Node, error) {
	rec, err := t.getRecord(uuid)
	if err != nil {
		return nil, err
	}
	return rec.node(), nil
}

func (t *boltTx) GetNodeByAET(aet string) (types.Node, error) {
	owner := t.tx.Bucket(bucketAETs).Get([]byte(aet))
	if owner == nil {
		return nil, fmt.Errorf("aet %q: %w", aet, types.ErrNotFound)
	}
	return t.GetNode(string(owner))
}

func (t *boltTx) GetServer(uuid string) (*types.Server, error) {
	rec, err := t.getRecord(uuid)
	if err != nil {
		return nil, err
	}
	if rec.Server == nil {
		return nil, fmt.Errorf("node %s is not a server: %w", uuid, types.ErrNotFound)
	}
	return rec.Server, nil
}

func (t *boltTx) ListNodes() ([]types.Node, error) {
	var nodes []types.Node
	err := t.tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
		var rec nodeRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		nodes = append(nodes, rec.node())
		return nil
	})
	return nodes, err
}

func (t *boltTx) ListServers() ([]*types.Server, error) {
	nodes, err := t.ListNodes()
	if err != nil {
		return nil, err
	}
	var servers []*types.Server
	for _, n := range nodes {
		if s, ok := n.(*types.Server); ok {
			servers = append(servers, s)
		}
	}
	return servers, nil
}

func (t *boltTx) ListModalities() ([]*types.Modality, error) {
	nodes, err := t.ListNodes()
	if err != nil {
		return nil, err
	}
	var modalities []*types.Modality
	for _, n := range nodes {
		if m, ok := n.(*types.Modality); ok {
			modalities = append(modalities, m)
		}
	}
	return modalities, nil
}

// DeleteNode removes a node with its incident connections, user links and
// tag links. Users left without any server are removed too.
func (t *boltTx) DeleteNode(uuid string) error {
	rec, err := t.getRecord(uuid)
	if err != nil {
		return err
	}

	conns, err := t.ConnectionsOf(uuid)
	if err != nil {
		return err
	}
	for _, c := range conns {
		if err := t.DeleteConnection(c.ID); err != nil {
			return err
		}
	}

	links, err := t.UserLinks(uuid)
	if err != nil {
		return err
	}
	for _, l := range links {
		if err := t.UnlinkUser(uuid, l.UserID); err != nil {
			return err
		}
	}

	nodeTags := t.tx.Bucket(bucketNodeTags)
	for _, k := range keysWithPrefix(nodeTags, compositeKey(uuid, "")) {
		if err := nodeTags.Delete(k); err != nil {
			return err
		}
	}

	if err := t.tx.Bucket(bucketAETs).Delete([]byte(rec.node().Meta().AET)); err != nil {
		return err
	}
	return t.tx.Bucket(bucketNodes).Delete([]byte(uuid))
}

// Connection operations

// PutConnection stores conn. An existing edge between the same ordered pair
// of nodes is overwritten and keeps its id.
func (t *boltTx) PutConnection(conn *types.Connection) error {
	if conn.FromUUID == "" || conn.ToUUID == "" {
		return fmt.Errorf("connection endpoints are required: %w", types.ErrValidation)
	}

	index := t.tx.Bucket(bucketConnIndex)
	pair := compositeKey(conn.FromUUID, conn.ToUUID)

	if existing := index.Get(pair); existing != nil {
		conn.ID = string(existing)
	} else if conn.ID == "" {
		conn.ID = uuid.New().String()
	}

	if err := putJSON(t.tx.Bucket(bucketConnections), []byte(conn.ID), conn); err != nil {
		return err
	}
	return index.Put(pair, []byte(conn.ID))
}

func (t *boltTx) GetConnection(id string) (*types.Connection, error) {
	var conn types.Connection
	ok, err := getJSON(t.tx.Bucket(bucketConnections), []byte(id), &conn)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("connection %s: %w", id, types.ErrNotFound)
	}
	return &conn, nil
}

func (t *boltTx) FindConnection(fromUUID, toUUID string) (*types.Connection, error) {
	id := t.tx.Bucket(bucketConnIndex).Get(compositeKey(fromUUID, toUUID))
	if id == nil {
		return nil, fmt.Errorf("connection %s->%s: %w", fromUUID, toUUID, types.ErrNotFound)
	}
	return t.GetConnection(string(id))
}

func (t *boltTx) ListConnections() ([]*types.Connection, error) {
	var conns []*types.Connection
	err := t.tx.Bucket(bucketConnections).ForEach(func(k, v []byte) error {
		var conn types.Connection
		if err := json.Unmarshal(v, &conn); err != nil {
			return err
		}
		conns = append(conns, &conn)
		return nil
	})
	return conns, err
}

// ConnectionsOf returns every connection with uuid at either end
func (t *boltTx) ConnectionsOf(uuid string) ([]*types.Connection, error) {
	all, err := t.ListConnections()
	if err != nil {
		return nil, err
	}
	var incident []*types.Connection
	for _, c := range all {
		if c.FromUUID == uuid || c.ToUUID == uuid {
			incident = append(incident, c)
		}
	}
	return incident, nil
}

func (t *boltTx) DeleteConnection(id string) error {
	conn, err := t.GetConnection(id)
	if err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketConnIndex).Delete(compositeKey(conn.FromUUID, conn.ToUUID)); err != nil {
		return err
	}
	return t.tx.Bucket(bucketConnections).Delete([]byte(id))
}

// User operations
func (t *boltTx) PutUser(user *types.User) error {
	if user.UserID == "" {
		return fmt.Errorf("user id is required: %w", types.ErrValidation)
	}
	return putJSON(t.tx.Bucket(bucketUsers), []byte(user.UserID), user)
}

func (t *boltTx) GetUser(userID string) (*types.User, error) {
	var user types.User
	ok, err := getJSON(t.tx.Bucket(bucketUsers), []byte(userID), &user)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, types.ErrNotFound)
	}
	return &user, nil
}

func (t *boltTx) LinkUser(serverUUID, userID string, state types.CredentialState) error {
	if _, err := t.GetServer(serverUUID); err != nil {
		return err
	}
	if _, err := t.GetUser(userID); err != nil {
		return err
	}
	link := &types.UserLink{ServerUUID: serverUUID, UserID: userID, State: state}
	return putJSON(t.tx.Bucket(bucketUserLinks), compositeKey(serverUUID, userID), link)
}

// UnlinkUser removes the link and deletes the user once no server
// references it
func (t *boltTx) UnlinkUser(serverUUID, userID string) error {
	links := t.tx.Bucket(bucketUserLinks)
	key := compositeKey(serverUUID, userID)
	if links.Get(key) == nil {
		return fmt.Errorf("user %s on %s: %w", userID, serverUUID, types.ErrNotFound)
	}
	if err := links.Delete(key); err != nil {
		return err
	}

	all, err := t.AllUserLinks()
	if err != nil {
		return err
	}
	for _, l := range all {
		if l.UserID == userID {
			return nil
		}
	}
	return t.tx.Bucket(bucketUsers).Delete([]byte(userID))
}

func (t *boltTx) SetUserState(serverUUID, userID string, state types.CredentialState) error {
	links := t.tx.Bucket(bucketUserLinks)
	key := compositeKey(serverUUID, userID)

	var link types.UserLink
	ok, err := getJSON(links, key, &link)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("user %s on %s: %w", userID, serverUUID, types.ErrNotFound)
	}
	link.State = state
	return putJSON(links, key, &link)
}

func (t *boltTx) UserLinks(serverUUID string) ([]*types.UserLink, error) {
	b := t.tx.Bucket(bucketUserLinks)
	var links []*types.UserLink
	for _, k := range keysWithPrefix(b, compositeKey(serverUUID, "")) {
		var link types.UserLink
		if err := json.Unmarshal(b.Get(k), &link); err != nil {
			return nil, err
		}
		links = append(links, &link)
	}
	return links, nil
}

func (t *boltTx) AllUserLinks() ([]*types.UserLink, error) {
	var links []*types.UserLink
	err := t.tx.Bucket(bucketUserLinks).ForEach(func(k, v []byte) error {
		var link types.UserLink
		if err := json.Unmarshal(v, &link); err != nil {
			return err
		}
		links = append(links, &link)
		return nil
	})
	return links, err
}

// Tag operations
func (t *boltTx) PutTag(tag *types.Tag) error {
	if tag.Name == "" || strings.Contains(tag.Name, keySep) {
		return fmt.Errorf("invalid tag name %q: %w", tag.Name, types.ErrValidation)
	}
	return putJSON(t.tx.Bucket(bucketTags), []byte(tag.Name), tag)
}

func (t *boltTx) GetTag(name string) (*types.Tag, error) {
	var tag types.Tag
	ok, err := getJSON(t.tx.Bucket(bucketTags), []byte(name), &tag)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("tag %q: %w", name, types.ErrNotFound)
	}
	return &tag, nil
}

func (t *boltTx) ListTags() ([]*types.Tag, error) {
	var tags []*types.Tag
	err := t.tx.Bucket(bucketTags).ForEach(func(k, v []byte) error {
		var tag types.Tag
		if err := json.Unmarshal(v, &tag); err != nil {
			return err
		}
		tags = append(tags, &tag)
		return nil
	})
	return tags, err
}

// DeleteTag removes the tag and detaches it from every node
func (t *boltTx) DeleteTag(name string) error {
	if _, err := t.GetTag(name); err != nil {
		return err
	}

	nodeTags := t.tx.Bucket(bucketNodeTags)
	suffix := []byte(keySep + name)
	var stale [][]byte
	err := nodeTags.ForEach(func(k, v []byte) error {
		if bytes.HasSuffix(k, suffix) {
			stale = append(stale, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range stale {
		if err := nodeTags.Delete(k); err != nil {
			return err
		}
	}
	return t.tx.Bucket(bucketTags).Delete([]byte(name))
}

func (t *boltTx) TagNode(uuid, tagName string) error {
	if _, err := t.getRecord(uuid); err != nil {
		return err
	}
	if _, err := t.GetTag(tagName); err != nil {
		return err
	}
	return t.tx.Bucket(bucketNodeTags).Put(compositeKey(uuid, tagName), []byte{})
}

func (t *boltTx) UntagNode(uuid, tagName string) error {
	return t.tx.Bucket(bucketNodeTags).Delete(compositeKey(uuid, tagName))
}

func (t *boltTx) TagsOf(uuid string) ([]*types.Tag, error) {
	prefix := compositeKey(uuid, "")
	var tags []*types.Tag
	for _, k := range keysWithPrefix(t.tx.Bucket(bucketNodeTags), prefix) {
		tag, err := t.GetTag(string(k[len(prefix):]))
		if err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

// Migration operations
func (t *boltTx) PutMigration(m *types.Migration) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return putJSON(t.tx.Bucket(bucketMigrations), []byte(m.ID), m)
}

func (t *boltTx) GetMigration(id string) (*types.Migration, error) {
	var m types.Migration
	ok, err := getJSON(t.tx.Bucket(bucketMigrations), []byte(id), &m)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("migration %s: %w", id, types.ErrNotFound)
	}
	return &m, nil
}

func (t *boltTx) ListMigrations() ([]*types.Migration, error) {
	var migrations []*types.Migration
	err := t.tx.Bucket(bucketMigrations).ForEach(func(k, v []byte) error {
		var m types.Migration
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}
		migrations = append(migrations, &m)
		return nil
	})
	return migrations, err
}
