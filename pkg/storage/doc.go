/*
Package storage persists the cockpit graph in an embedded BoltDB file.

The graph of servers, modalities, hosts, connections, users and tags is
small (tens to hundreds of vertices) and owned by a single cockpit process,
so an embedded B+tree with serializable transactions is sufficient. Every
value is JSON; relations are stored as composite keys.

# Layout

	<dataDir>/cockpit.db
	┌──────────────┬──────────────────────────────┬──────────────────────┐
	│ bucket       │ key                          │ value                │
	├──────────────┼──────────────────────────────┼──────────────────────┤
	│ hosts        │ swarm node id                │ types.Host           │
	│ nodes        │ node uuid                    │ {kind, server|modal} │
	│ aets         │ AET                          │ node uuid            │
	│ connections  │ connection id                │ types.Connection     │
	│ conn_index   │ from uuid \x00 to uuid       │ connection id        │
	│ users        │ user id                      │ types.User           │
	│ user_links   │ server uuid \x00 user id     │ types.UserLink       │
	│ tags         │ tag name                     │ types.Tag            │
	│ node_tags    │ node uuid \x00 tag name      │ (empty)              │
	│ migrations   │ migration id                 │ types.Migration      │
	└──────────────┴──────────────────────────────┴──────────────────────┘

The aets bucket is the uniqueness index. PutServer and PutModality check it
inside the caller's transaction, so a conflicting write fails before the
transaction commits:

	err := store.Update(func(tx storage.Tx) error {
		if err := tx.EnsureUniqueAET(spec.AET, ""); err != nil {
			return err // wraps types.ErrAETConflict
		}
		return tx.PutServer(server)
	})

conn_index keeps at most one connection per ordered pair. PutConnection on
an existing pair overwrites the edge and keeps its id.

# Transactions

Store exposes only View and Update. A function passed to Update either
commits entirely or not at all, which is how multi-record writes such as
"create server, create admin user, link them" stay atomic. Remote calls to
the fleet or to Orthanc servers belong outside these functions: BoltDB
allows a single writer, and a slow HTTP call inside Update blocks every
other writer, including the reconciler.

# Cascades

DeleteNode removes, in the same transaction:

  - every connection with the node at either end
  - every HAS_USER link of the node, and users no other server references
  - every tag link of the node
  - the node's AET index entry

DeleteTag detaches the tag from every node before removing it.
*/
package storage
