package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/orthancfleet/cockpit/pkg/artifact"
	"github.com/orthancfleet/cockpit/pkg/connection"
	"github.com/orthancfleet/cockpit/pkg/events"
	"github.com/orthancfleet/cockpit/pkg/storage"
	"github.com/orthancfleet/cockpit/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serverSpec(aet, host string) ServerSpec {
	return ServerSpec{
		DisplayName:        "Orthanc " + aet,
		AET:                aet,
		HostName:           host,
		PublishedPortWeb:   8042,
		PublishedPortDicom: 4242,
	}
}

func TestAddServer(t *testing.T) {
	e := newEnv(t)

	server, err := e.mgr.AddServer(context.Background(), serverSpec("ORTHANC", "node-a"))
	require.NoError(t, err)

	assert.Equal(t, types.StatusPending, server.Status)
	assert.Equal(t, 1, server.ConfigurationVersion)
	assert.Equal(t, "orthanc_"+server.UUID, server.ServiceHandle)
	assert.Equal(t, artifact.Name(server.UUID, 1), server.SecretHandle)
	assert.Equal(t, "orthanc_"+server.UUID+"_data", server.VolumeHandle)

	cfg := e.secretConfig(t, server.SecretHandle)
	assert.Equal(t, "ORTHANC", cfg.DicomAet)
	assert.Equal(t, 4242, cfg.DicomPort)
	assert.Equal(t, map[string]string{"admin": "adminpw"}, cfg.RegisteredUsers)

	stored, err := e.getServer(t, server.UUID)
	require.NoError(t, err)
	assert.Equal(t, server.ServiceHandle, stored.ServiceHandle)

	require.NoError(t, e.store.View(func(tx storage.Tx) error {
		links, err := tx.UserLinks(server.UUID)
		require.NoError(t, err)
		require.Len(t, links, 1)
		assert.Equal(t, types.CredentialPending, links[0].State)
		return nil
	}))
	assert.True(t, e.events.has(events.EventServerCreated))
}

func TestAddServerRejections(t *testing.T) {
	tests := []struct {
		name    string
		spec    ServerSpec
		wantErr error
	}{
		{
			name:    "missing aet",
			spec:    ServerSpec{DisplayName: "x", HostName: "node-a", PublishedPortWeb: 1, PublishedPortDicom: 2},
			wantErr: types.ErrValidation,
		},
		{
			name:    "aet too long",
			spec:    serverSpec("THIS_AET_IS_WAY_TOO_LONG", "node-a"),
			wantErr: types.ErrValidation,
		},
		{
			name:    "same ports",
			spec:    ServerSpec{DisplayName: "x", AET: "X", HostName: "node-a", PublishedPortWeb: 80, PublishedPortDicom: 80},
			wantErr: types.ErrValidation,
		},
		{
			name:    "unknown host",
			spec:    serverSpec("NEW", "node-z"),
			wantErr: types.ErrHostNotFound,
		},
		{
			name:    "ambiguous host",
			spec:    serverSpec("NEW", "twin"),
			wantErr: types.ErrHostAmbiguous,
		},
		{
			name:    "duplicate aet",
			spec:    serverSpec("TAKEN", "node-a"),
			wantErr: types.ErrAETConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			require.NoError(t, e.store.Update(func(tx storage.Tx) error {
				if err := tx.PutHost(&types.Host{ID: "t1", Name: "twin", IP: "10.1.0.1"}); err != nil {
					return err
				}
				if err := tx.PutHost(&types.Host{ID: "t2", Name: "twin", IP: "10.1.0.2"}); err != nil {
					return err
				}
				return tx.PutModality(&types.Modality{NodeBase: types.NodeBase{UUID: "m1", AET: "TAKEN"}, IP: "10.9.9.9"})
			}))

			_, err := e.mgr.AddServer(context.Background(), tt.spec)
			assert.True(t, errors.Is(err, tt.wantErr), "want %v, got %v", tt.wantErr, err)
			assert.Empty(t, e.fleet.secretNames())
			assert.Empty(t, e.fleet.services)
		})
	}
}

func TestAddServerFleetFailureLeavesGraphUntouched(t *testing.T) {
	e := newEnv(t)
	e.fleet.createErr = cliError("image not found")

	_, err := e.mgr.AddServer(context.Background(), serverSpec("ORTHANC", "node-a"))
	require.Error(t, err)

	assert.Empty(t, e.fleet.secretNames(), "secret is cleaned up")
	require.NoError(t, e.store.View(func(tx storage.Tx) error {
		servers, err := tx.ListServers()
		require.NoError(t, err)
		assert.Empty(t, servers)
		return nil
	}))
}

func TestEditServerInPlace(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	fake := e.fakeOrthanc(t, "ORTHANC", "10.0.0.1:8042")

	server, err := e.mgr.AddServer(ctx, serverSpec("ORTHANC", "node-a"))
	require.NoError(t, err)
	e.markUp(t, server.UUID)

	ct, err := e.mgr.AddModality(ctx, ModalitySpec{AET: "CT", IP: "10.9.9.9", Port: 104})
	require.NoError(t, err)
	_, err = e.conns.AddEdge(ctx, connection.EdgeRequest{From: "CT", To: "ORTHANC", Capabilities: types.Capabilities{Store: true}})
	require.NoError(t, err)
	_, ok := fake.Modality("CT")
	require.True(t, ok)

	spec := serverSpec("ORTHANC_2", "node-a")
	spec.DisplayName = "Renamed"
	spec.PublishedPortDicom = 4343

	edited, err := e.mgr.EditServer(ctx, server.UUID, spec)
	require.NoError(t, err)

	assert.Equal(t, server.UUID, edited.UUID)
	assert.Equal(t, 2, edited.ConfigurationVersion)
	assert.Equal(t, "ORTHANC_2", edited.AET)
	assert.Equal(t, artifact.Name(server.UUID, 2), edited.SecretHandle)

	names := e.fleet.secretNames()
	assert.ElementsMatch(t, []string{artifact.Name(server.UUID, 2)}, names, "previous configuration is removed")

	cfg := e.secretConfig(t, edited.SecretHandle)
	assert.Equal(t, "Renamed", cfg.Name)
	assert.Equal(t, "ORTHANC_2", cfg.DicomAet)
	require.Contains(t, cfg.DicomModalities, "CT")
	assert.True(t, cfg.DicomModalities["CT"].AllowStore)
	assert.Equal(t, ct.IP, cfg.DicomModalities["CT"].Host)

	require.Len(t, e.fleet.updates, 1)
	u := e.fleet.updates[0]
	assert.Equal(t, server.ServiceHandle, u.ServiceName)
	assert.Equal(t, server.SecretHandle, u.OldSecret)
	assert.Equal(t, 4343, u.NewDicom.Published)

	stored, err := e.getServer(t, server.UUID)
	require.NoError(t, err)
	assert.Equal(t, "ORTHANC_2", stored.AET)
	assert.True(t, e.events.has(events.EventServerUpdated))
}

func TestEditServerAETConflict(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	server, err := e.mgr.AddServer(ctx, serverSpec("ORTHANC", "node-a"))
	require.NoError(t, err)
	_, err = e.mgr.AddModality(ctx, ModalitySpec{AET: "CT", IP: "10.9.9.9", Port: 104})
	require.NoError(t, err)

	_, err = e.mgr.EditServer(ctx, server.UUID, serverSpec("CT", "node-a"))
	assert.True(t, errors.Is(err, types.ErrAETConflict))
	assert.Empty(t, e.fleet.updates)
}

func TestRemoteServers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	spec := RemoteServerSpec{
		DisplayName:        "Partner PACS",
		AET:                "PARTNER",
		IP:                 "192.168.7.20",
		PublishedPortWeb:   8042,
		PublishedPortDicom: 4242,
		Username:           "bridge",
		Password:           "hunter2",
	}
	server, err := e.mgr.AddRemoteServer(ctx, spec)
	require.NoError(t, err)
	assert.True(t, server.IsRemote)
	assert.Equal(t, types.KindRemoteServer, server.Kind())

	spec.Username, spec.Password = "", ""
	spec.IP = "192.168.7.21"
	edited, err := e.mgr.EditRemoteServer(ctx, server.UUID, spec)
	require.NoError(t, err)
	assert.Equal(t, "192.168.7.21", edited.RemoteIP)

	_, err = e.mgr.EditServer(ctx, server.UUID, serverSpec("PARTNER", "node-a"))
	assert.True(t, errors.Is(err, types.ErrValidation))

	_, err = e.mgr.AddRemoteServer(ctx, RemoteServerSpec{DisplayName: "x", AET: "NOCRED", IP: "192.168.7.22", PublishedPortWeb: 1, PublishedPortDicom: 2})
	assert.True(t, errors.Is(err, types.ErrValidation))

	assert.Empty(t, e.fleet.secretNames())
	assert.Empty(t, e.fleet.services)
}

func TestUsers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	server, err := e.mgr.AddServer(ctx, serverSpec("ORTHANC", "node-a"))
	require.NoError(t, err)

	userID, err := e.mgr.AddUser(ctx, server.UUID, "viewer", "look")
	require.NoError(t, err)

	cfg := e.secretConfig(t, artifact.Name(server.UUID, 2))
	assert.Equal(t, map[string]string{"admin": "adminpw", "viewer": "look"}, cfg.RegisteredUsers)

	require.NoError(t, e.mgr.RemoveUser(ctx, server.UUID, userID))
	cfg = e.secretConfig(t, artifact.Name(server.UUID, 3))
	assert.Equal(t, map[string]string{"admin": "adminpw"}, cfg.RegisteredUsers)

	adminID := e.vault.Cipher().UserID("admin", "adminpw")
	err = e.mgr.RemoveUser(ctx, server.UUID, adminID)
	assert.True(t, errors.Is(err, types.ErrValidation))
}

func TestDeleteManagedServer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	server, err := e.mgr.AddServer(ctx, serverSpec("ORTHANC", "node-a"))
	require.NoError(t, err)

	e.fleet.volumeBusy = 2
	require.NoError(t, e.mgr.DeleteNode(ctx, server.UUID))

	assert.Equal(t, 3, e.fleet.volumeAttempts)
	assert.Empty(t, e.fleet.services)
	assert.Empty(t, e.fleet.volumes)
	assert.Empty(t, e.fleet.secretNames())

	_, err = e.getServer(t, server.UUID)
	assert.True(t, isNotFound(err))
	assert.True(t, e.events.has(events.EventNodeDeleted))
}

func TestDeleteManagedServerFleetErrorKeepsGraph(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	server, err := e.mgr.AddServer(ctx, serverSpec("ORTHANC", "node-a"))
	require.NoError(t, err)

	e.fleet.removeErr = cliError("rpc error: manager unavailable")
	require.Error(t, e.mgr.DeleteNode(ctx, server.UUID))

	_, err = e.getServer(t, server.UUID)
	assert.NoError(t, err)
}

func TestDeleteRemoteServerRequestsShutdown(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	fake := e.fakeOrthanc(t, "PARTNER", "192.168.7.20:8042")

	server, err := e.mgr.AddRemoteServer(ctx, RemoteServerSpec{
		DisplayName:        "Partner",
		AET:                "PARTNER",
		IP:                 "192.168.7.20",
		PublishedPortWeb:   8042,
		PublishedPortDicom: 4242,
		Username:           "admin",
		Password:           "adminpw",
	})
	require.NoError(t, err)
	e.markUp(t, server.UUID)

	require.NoError(t, e.mgr.DeleteNode(ctx, server.UUID))
	assert.True(t, fake.ShutdownRequested())
	assert.Empty(t, e.fleet.services)
}

func TestModalities(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	fake := e.fakeOrthanc(t, "ORTHANC", "10.0.0.1:8042")

	server, err := e.mgr.AddServer(ctx, serverSpec("ORTHANC", "node-a"))
	require.NoError(t, err)
	e.markUp(t, server.UUID)

	ct, err := e.mgr.AddModality(ctx, ModalitySpec{AET: "CT", IP: "10.9.9.9", Port: 104})
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, ct.Status)

	_, err = e.mgr.AddModality(ctx, ModalitySpec{AET: "CT", IP: "10.9.9.8", Port: 104})
	assert.True(t, errors.Is(err, types.ErrAETConflict))

	_, err = e.mgr.AddModality(ctx, ModalitySpec{AET: "BAD", IP: "not-an-ip", Port: 104})
	assert.True(t, errors.Is(err, types.ErrValidation))

	_, err = e.conns.AddEdge(ctx, connection.EdgeRequest{From: "CT", To: "ORTHANC", Capabilities: types.Capabilities{Store: true}})
	require.NoError(t, err)

	require.NoError(t, e.store.Update(func(tx storage.Tx) error {
		m, err := tx.GetNode(ct.UUID)
		if err != nil {
			return err
		}
		modality := m.(*types.Modality)
		modality.Status = types.StatusUp
		return tx.PutModality(modality)
	}))

	edited, err := e.mgr.EditModality(ctx, ct.UUID, ModalitySpec{AET: "CT_NEW", IP: "10.9.9.10", Port: 11112})
	require.NoError(t, err)
	assert.Equal(t, "CT_NEW", edited.AET)
	assert.Equal(t, types.StatusPending, edited.Status, "edited address is unchecked")

	entry, ok := fake.Modality("CT_NEW")
	require.True(t, ok)
	assert.Equal(t, "10.9.9.10", entry.Host)
	assert.Equal(t, 11112, entry.Port)
	assert.True(t, entry.AllowStore)
	_, ok = fake.Modality("CT")
	assert.False(t, ok)

	require.NoError(t, e.mgr.DeleteNode(ctx, ct.UUID))
	_, ok = fake.Modality("CT_NEW")
	assert.False(t, ok)
}

func TestMigratedAET(t *testing.T) {
	tests := []struct {
		aet  string
		want string
	}{
		{aet: "ORTHANC", want: "ORTHANC_M"},
		{aet: "FOURTEEN_CHARS", want: "FOURTEEN_CHARS_M"},
		{aet: "SIXTEEN_CHARS_AE", want: "SIXTEEN_CHARS__M"},
	}
	for _, tt := range tests {
		t.Run(tt.aet, func(t *testing.T) {
			got := migratedAET(tt.aet)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, len(got), 16)
		})
	}
}

func TestMigration(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	oldFake := e.fakeOrthanc(t, "ORTHANC", "10.0.0.1:8042")
	peerFake := e.fakeOrthanc(t, "PEER", "10.0.0.3:8042")
	newFake := e.fakeOrthanc(t, "ORTHANC_M", "10.0.0.2:8042", "10.0.0.2:8043")
	oldFake.SetInstances("i1", "i2", "i3")

	old, err := e.mgr.AddServer(ctx, serverSpec("ORTHANC", "node-a"))
	require.NoError(t, err)
	e.markUp(t, old.UUID)
	peer, err := e.mgr.AddServer(ctx, serverSpec("PEER", "node-c"))
	require.NoError(t, err)
	e.markUp(t, peer.UUID)
	_, err = e.mgr.AddModality(ctx, ModalitySpec{AET: "CT", IP: "10.9.9.9", Port: 104})
	require.NoError(t, err)

	storeOnly := types.Capabilities{Echo: true, Store: true}
	_, err = e.conns.AddEdge(ctx, connection.EdgeRequest{From: "CT", To: "ORTHANC", Capabilities: storeOnly})
	require.NoError(t, err)
	_, err = e.conns.AddEdge(ctx, connection.EdgeRequest{From: "ORTHANC", To: "PEER", Capabilities: types.AllCapabilities()})
	require.NoError(t, err)

	require.NoError(t, e.store.Update(func(tx storage.Tx) error {
		if err := tx.PutTag(&types.Tag{Name: "radiology", Color: "#ff0000"}); err != nil {
			return err
		}
		return tx.TagNode(old.UUID, "radiology")
	}))

	// The first port pair on the target host is taken
	e.fleet.portConflicts = 1

	moved, err := e.mgr.EditServer(ctx, old.UUID, serverSpec("ORTHANC", "node-b"))
	require.NoError(t, err)

	assert.NotEqual(t, old.UUID, moved.UUID)
	assert.Equal(t, "ORTHANC", moved.AET)
	assert.Equal(t, "node-b", moved.HostName)
	assert.Equal(t, 8042, moved.PublishedPortWeb)

	// Data followed the server
	assert.ElementsMatch(t, []string{"i1", "i2", "i3"}, oldFake.Stored("ORTHANC_M"))

	// The old server is gone from the fleet and the graph
	_, err = e.getServer(t, old.UUID)
	assert.True(t, isNotFound(err))
	_, ok := e.fleet.services[old.ServiceHandle]
	assert.False(t, ok)

	require.NoError(t, e.store.View(func(tx storage.Tx) error {
		ctNode, err := tx.GetNodeByAET("CT")
		require.NoError(t, err)

		in, err := tx.FindConnection(ctNode.Meta().UUID, moved.UUID)
		require.NoError(t, err)
		assert.Equal(t, storeOnly, in.Capabilities)

		out, err := tx.FindConnection(moved.UUID, peer.UUID)
		require.NoError(t, err)
		assert.Equal(t, types.AllCapabilities(), out.Capabilities)

		conns, err := tx.ConnectionsOf(moved.UUID)
		require.NoError(t, err)
		assert.Len(t, conns, 2, "transfer connection is gone")

		tags, err := tx.TagsOf(moved.UUID)
		require.NoError(t, err)
		require.Len(t, tags, 1)
		assert.Equal(t, "radiology", tags[0].Name)

		migrations, err := tx.ListMigrations()
		require.NoError(t, err)
		require.Len(t, migrations, 1)
		assert.Equal(t, types.MigrationFinalized, migrations[0].Step)
		assert.Equal(t, moved.UUID, migrations[0].TargetUUID)
		assert.Empty(t, migrations[0].Error)
		return nil
	}))

	// Connected servers know the server under its original AET again
	entry, ok := peerFake.Modality("ORTHANC")
	require.True(t, ok)
	assert.True(t, entry.AllowStore)
	assert.Equal(t, "10.0.0.2", entry.Host)
	_, ok = peerFake.Modality("ORTHANC_M")
	assert.False(t, ok)

	_, ok = newFake.Modality("CT")
	assert.True(t, ok)

	cfg := e.secretConfig(t, moved.SecretHandle)
	assert.Equal(t, "ORTHANC", cfg.DicomAet)
	assert.Contains(t, cfg.DicomModalities, "CT")
	assert.Contains(t, cfg.DicomModalities, "PEER")
	assert.True(t, e.events.has(events.EventServerMigrated))
}

func TestMigrationStopsWhenTargetNeverHealthy(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.mgr.WithHealthWaiter(stuckWaiter{})

	old, err := e.mgr.AddServer(ctx, serverSpec("ORTHANC", "node-a"))
	require.NoError(t, err)
	e.markUp(t, old.UUID)

	_, err = e.mgr.EditServer(ctx, old.UUID, serverSpec("ORTHANC", "node-b"))
	require.Error(t, err)

	_, err = e.getServer(t, old.UUID)
	assert.NoError(t, err, "nothing is rolled back")

	require.NoError(t, e.store.View(func(tx storage.Tx) error {
		migrations, err := tx.ListMigrations()
		require.NoError(t, err)
		require.Len(t, migrations, 1)
		assert.Equal(t, types.MigrationProvisioned, migrations[0].Step)
		assert.NotEmpty(t, migrations[0].Error)
		assert.NotEmpty(t, migrations[0].TargetUUID)
		return nil
	}))
	assert.True(t, hasPrefix(e.fleet.secretNames(), old.UUID))
}
