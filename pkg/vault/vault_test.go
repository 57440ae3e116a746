package vault

import (
	"context"
	"errors"
	"testing"

	"github.com/orthancfleet/cockpit/pkg/orthanc"
	"github.com/orthancfleet/cockpit/pkg/orthanc/orthanctest"
	"github.com/orthancfleet/cockpit/pkg/security"
	"github.com/orthancfleet/cockpit/pkg/storage"
	"github.com/orthancfleet/cockpit/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) (*Vault, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cipher, err := security.NewCipher("fleet-secret")
	require.NoError(t, err)

	return New(store, cipher, orthanc.NewFactory()), store
}

func addServer(t *testing.T, store storage.Store, uuid, aet string, port int) {
	t.Helper()
	require.NoError(t, store.Update(func(tx storage.Tx) error {
		if err := tx.PutHost(&types.Host{ID: "h-" + uuid, Name: "host-" + uuid, IP: "127.0.0.1"}); err != nil {
			return err
		}
		return tx.PutServer(&types.Server{
			NodeBase:         types.NodeBase{UUID: uuid, AET: aet, Status: types.StatusPending},
			HostName:         "host-" + uuid,
			PublishedPortWeb: port,
		})
	}))
}

func put(t *testing.T, v *Vault, store storage.Store, uuid, username, password string, state types.CredentialState) string {
	t.Helper()
	var id string
	require.NoError(t, store.Update(func(tx storage.Tx) error {
		var err error
		id, err = v.Put(tx, uuid, username, password, state)
		return err
	}))
	return id
}

func states(t *testing.T, store storage.Store, uuid string) map[string]types.CredentialState {
	t.Helper()
	out := make(map[string]types.CredentialState)
	require.NoError(t, store.View(func(tx storage.Tx) error {
		links, err := tx.UserLinks(uuid)
		if err != nil {
			return err
		}
		for _, l := range links {
			out[l.UserID] = l.State
		}
		return nil
	}))
	return out
}

func TestPutEncryptsAndMerges(t *testing.T) {
	v, store := newTestVault(t)
	addServer(t, store, "s1", "ORTHANC", 8042)

	first := put(t, v, store, "s1", "admin", "s3cret", types.CredentialPending)
	second := put(t, v, store, "s1", "admin", "s3cret", types.CredentialPending)
	assert.Equal(t, first, second)

	require.NoError(t, store.View(func(tx storage.Tx) error {
		user, err := tx.GetUser(first)
		require.NoError(t, err)
		assert.NotEqual(t, "s3cret", user.Password)

		links, err := tx.UserLinks("s1")
		require.NoError(t, err)
		assert.Len(t, links, 1)

		creds, err := v.Credentials(tx, "s1")
		require.NoError(t, err)
		require.Len(t, creds, 1)
		assert.Equal(t, "s3cret", creds[0].Password)
		return nil
	}))
}

func TestPutValidation(t *testing.T) {
	v, store := newTestVault(t)
	addServer(t, store, "s1", "ORTHANC", 8042)

	tests := []struct {
		name     string
		username string
		password string
	}{
		{name: "missing username", password: "x"},
		{name: "missing password", username: "admin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Update(func(tx storage.Tx) error {
				_, err := v.Put(tx, "s1", tt.username, tt.password, types.CredentialPending)
				return err
			})
			assert.True(t, errors.Is(err, types.ErrValidation))
		})
	}
}

func TestSelectValid(t *testing.T) {
	v, store := newTestVault(t)
	addServer(t, store, "s1", "ORTHANC", 8042)

	put(t, v, store, "s1", "pending", "p", types.CredentialPending)
	put(t, v, store, "s1", "broken", "b", types.CredentialInvalid)

	_, err := v.SelectValid("s1")
	assert.True(t, errors.Is(err, types.ErrNoValidCredential))

	id := put(t, v, store, "s1", "admin", "pw", types.CredentialValid)
	cred, err := v.SelectValid("s1")
	require.NoError(t, err)
	assert.Equal(t, id, cred.UserID)
	assert.Equal(t, "admin", cred.Username)
	assert.Equal(t, "pw", cred.Password)

	require.NoError(t, v.MarkState("s1", id, types.CredentialInvalid))
	_, err = v.SelectValid("s1")
	assert.True(t, errors.Is(err, types.ErrNoValidCredential))
}

func TestUsersAndRemove(t *testing.T) {
	v, store := newTestVault(t)
	addServer(t, store, "s1", "ORTHANC", 8042)

	id := put(t, v, store, "s1", "admin", "pw", types.CredentialValid)
	put(t, v, store, "s1", "viewer", "look", types.CredentialPending)

	require.NoError(t, store.View(func(tx storage.Tx) error {
		users, err := v.Users(tx, "s1")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"admin": "pw", "viewer": "look"}, users)
		return nil
	}))

	require.NoError(t, store.Update(func(tx storage.Tx) error {
		return v.Remove(tx, "s1", id)
	}))

	require.NoError(t, store.View(func(tx storage.Tx) error {
		users, err := v.Users(tx, "s1")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"viewer": "look"}, users)
		return nil
	}))
}

func TestRefreshStates(t *testing.T) {
	v, store := newTestVault(t)

	fake := orthanctest.NewServer("ORTHANC", "admin", "pw")
	defer fake.Close()

	addServer(t, store, "s1", "ORTHANC", fake.Port())
	good := put(t, v, store, "s1", "admin", "pw", types.CredentialPending)
	bad := put(t, v, store, "s1", "admin", "wrong", types.CredentialValid)

	require.NoError(t, v.RefreshStates(context.Background()))
	first := states(t, store, "s1")
	assert.Equal(t, types.CredentialValid, first[good])
	assert.Equal(t, types.CredentialInvalid, first[bad])

	// Without any external change a second pass yields the same states
	require.NoError(t, v.RefreshStates(context.Background()))
	assert.Equal(t, first, states(t, store, "s1"))
}

func TestRefreshStatesUnreachable(t *testing.T) {
	v, store := newTestVault(t)

	fake := orthanctest.NewServer("ORTHANC", "admin", "pw")
	port := fake.Port()
	fake.Close()

	addServer(t, store, "s1", "ORTHANC", port)
	id := put(t, v, store, "s1", "admin", "pw", types.CredentialValid)

	require.NoError(t, v.RefreshStates(context.Background()))
	assert.Equal(t, types.CredentialInvalid, states(t, store, "s1")[id])
}

func TestRefreshStatesSkipsUnresolvableServers(t *testing.T) {
	v, store := newTestVault(t)

	require.NoError(t, store.Update(func(tx storage.Tx) error {
		return tx.PutServer(&types.Server{
			NodeBase: types.NodeBase{UUID: "s1", AET: "LOST"},
			HostName: "nowhere",
		})
	}))
	id := put(t, v, store, "s1", "admin", "pw", types.CredentialValid)

	require.NoError(t, v.RefreshStates(context.Background()))
	assert.Equal(t, types.CredentialValid, states(t, store, "s1")[id])
}
