package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/orthancfleet/cockpit/pkg/connection"
	"github.com/orthancfleet/cockpit/pkg/events"
	"github.com/orthancfleet/cockpit/pkg/fleet"
	"github.com/orthancfleet/cockpit/pkg/orthanc"
	"github.com/orthancfleet/cockpit/pkg/orthanc/orthanctest"
	"github.com/orthancfleet/cockpit/pkg/security"
	"github.com/orthancfleet/cockpit/pkg/storage"
	"github.com/orthancfleet/cockpit/pkg/types"
	"github.com/orthancfleet/cockpit/pkg/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServices struct {
	mu       sync.Mutex
	services []fleet.ServiceStatus
	err      error
}

func (f *fakeServices) ListServices(ctx context.Context) ([]fleet.ServiceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.services, f.err
}

func (f *fakeServices) set(name, replicas string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.services {
		if f.services[i].Name == name {
			f.services[i].Replicas = replicas
			return
		}
	}
	f.services = append(f.services, fleet.ServiceStatus{Name: name, Mode: "replicated", Replicas: replicas})
}

type recorder struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recorder) Publish(e *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) statusOf(uuid string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Type == events.EventStatusChanged && e.Metadata["uuid"] == uuid {
			out = append(out, e.Metadata["status"])
		}
	}
	return out
}

type env struct {
	store    storage.Store
	vault    *vault.Vault
	conns    *connection.Manager
	services *fakeServices
	events   *recorder
	rec      *Reconciler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cipher, err := security.NewCipher("fleet-secret")
	require.NoError(t, err)

	factory := orthanc.NewFactory(orthanc.WithTimeout(2 * time.Second))
	v := vault.New(store, cipher, factory)
	rec := &recorder{}
	conns := connection.NewManager(store, v, factory, rec)
	services := &fakeServices{}

	require.NoError(t, store.Update(func(tx storage.Tx) error {
		return tx.PutHost(&types.Host{ID: "h1", Name: "local", IP: "127.0.0.1", Role: "manager", Status: "ready"})
	}))

	return &env{
		store:    store,
		vault:    v,
		conns:    conns,
		services: services,
		events:   rec,
		rec:      NewReconciler(store, v, conns, services, factory, rec, time.Hour).WithProbeTimeout(time.Second),
	}
}

// addServer registers a managed server backed by a running fake with one
// running replica
func (e *env) addServer(t *testing.T, uuid, aet string) *orthanctest.Server {
	t.Helper()
	fake := orthanctest.NewServer(aet, "admin", "pw")
	t.Cleanup(fake.Close)

	handle := "orthanc_" + uuid
	e.services.set(handle, "1/1")
	e.put(t, &types.Server{
		NodeBase:           types.NodeBase{UUID: uuid, AET: aet, Status: types.StatusPending},
		DisplayName:        "pending-name",
		HostName:           "local",
		PublishedPortWeb:   fake.Port(),
		PublishedPortDicom: 4242,
		ServiceHandle:      handle,
	}, "admin", "pw")
	return fake
}

func (e *env) put(t *testing.T, s *types.Server, username, password string) {
	t.Helper()
	require.NoError(t, e.store.Update(func(tx storage.Tx) error {
		if err := tx.PutServer(s); err != nil {
			return err
		}
		_, err := e.vault.Put(tx, s.UUID, username, password, types.CredentialPending)
		return err
	}))
}

func (e *env) server(t *testing.T, uuid string) *types.Server {
	t.Helper()
	var s *types.Server
	require.NoError(t, e.store.View(func(tx storage.Tx) error {
		var err error
		s, err = tx.GetServer(uuid)
		return err
	}))
	return s
}

func (e *env) status(t *testing.T, uuid string) types.NodeStatus {
	t.Helper()
	var status types.NodeStatus
	require.NoError(t, e.store.View(func(tx storage.Tx) error {
		node, err := tx.GetNode(uuid)
		if err != nil {
			return err
		}
		status = node.Meta().Status
		return nil
	}))
	return status
}

func TestReconcileServers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	fake := e.addServer(t, "s1", "ALPHA")
	require.NoError(t, e.rec.RunOnce(ctx))

	s := e.server(t, "s1")
	assert.Equal(t, types.StatusUp, s.Status)
	assert.Equal(t, "ALPHA", s.DisplayName, "name refreshed from GET /system")
	assert.Equal(t, fake.Port(), s.PublishedPortWeb, "managed ports are not taken from GET /system")
	assert.Equal(t, []string{"up"}, e.events.statusOf("s1"))

	// Service scaled to zero
	e.services.set("orthanc_s1", "0/1")
	require.NoError(t, e.rec.RunOnce(ctx))
	assert.Equal(t, types.StatusDown, e.status(t, "s1"))

	e.services.set("orthanc_s1", "1/1")
	require.NoError(t, e.rec.RunOnce(ctx))
	assert.Equal(t, types.StatusUp, e.status(t, "s1"))
	assert.Equal(t, []string{"up", "down", "up"}, e.events.statusOf("s1"))

	// Unchanged status publishes nothing
	require.NoError(t, e.rec.RunOnce(ctx))
	assert.Len(t, e.events.statusOf("s1"), 3)
}

func TestReconcileServersDown(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, e *env)
	}{
		{
			name: "service missing from the fleet",
			setup: func(t *testing.T, e *env) {
				e.addServer(t, "s1", "ALPHA")
				e.services.mu.Lock()
				e.services.services = nil
				e.services.mu.Unlock()
			},
		},
		{
			name: "server not answering",
			setup: func(t *testing.T, e *env) {
				fake := e.addServer(t, "s1", "ALPHA")
				fake.Close()
			},
		},
		{
			name: "no valid credential",
			setup: func(t *testing.T, e *env) {
				fake := orthanctest.NewServer("ALPHA", "admin", "pw")
				t.Cleanup(fake.Close)
				e.services.set("orthanc_s1", "1/1")
				e.put(t, &types.Server{
					NodeBase:         types.NodeBase{UUID: "s1", AET: "ALPHA", Status: types.StatusUp},
					HostName:         "local",
					PublishedPortWeb: fake.Port(),
					ServiceHandle:    "orthanc_s1",
				}, "admin", "wrong")
			},
		},
		{
			name: "host unknown",
			setup: func(t *testing.T, e *env) {
				e.services.set("orthanc_s1", "1/1")
				e.put(t, &types.Server{
					NodeBase:         types.NodeBase{UUID: "s1", AET: "ALPHA", Status: types.StatusUp},
					HostName:         "elsewhere",
					PublishedPortWeb: 8042,
					ServiceHandle:    "orthanc_s1",
				}, "admin", "pw")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			tt.setup(t, e)

			require.NoError(t, e.rec.RunOnce(context.Background()))
			assert.Equal(t, types.StatusDown, e.status(t, "s1"))
		})
	}
}

func TestReconcileServersWithoutFleet(t *testing.T) {
	e := newEnv(t)
	e.addServer(t, "s1", "ALPHA")
	e.services.err = errors.New("cannot connect to the docker daemon")

	require.NoError(t, e.rec.RunOnce(context.Background()))
	assert.Equal(t, types.StatusUp, e.status(t, "s1"))
}

func TestReconcileRemoteServer(t *testing.T) {
	e := newEnv(t)
	fake := orthanctest.NewServer("REMOTE", "ops", "secret")
	t.Cleanup(fake.Close)
	fake.SetSystem(orthanc.SystemInfo{
		Name:      "Radiology",
		DicomAet:  "RADIO",
		DicomPort: 11112,
		HttpPort:  fake.Port(),
		Version:   "1.12.6",
	})

	e.put(t, &types.Server{
		NodeBase:           types.NodeBase{UUID: "r1", AET: "REMOTE", Status: types.StatusPending},
		RemoteIP:           "127.0.0.1",
		PublishedPortWeb:   fake.Port(),
		PublishedPortDicom: 4242,
		IsRemote:           true,
	}, "ops", "secret")

	require.NoError(t, e.rec.RunOnce(context.Background()))

	s := e.server(t, "r1")
	assert.Equal(t, types.StatusUp, s.Status, "remote servers have no service to count")
	assert.Equal(t, "Radiology", s.DisplayName)
	assert.Equal(t, "RADIO", s.AET)
	assert.Equal(t, 11112, s.PublishedPortDicom)
}

func TestReconcileKeepsUniqueAET(t *testing.T) {
	e := newEnv(t)
	e.addServer(t, "s1", "ALPHA")
	fake := e.addServer(t, "s2", "BETA")
	fake.SetSystem(orthanc.SystemInfo{Name: "beta", DicomAet: "ALPHA", HttpPort: 8042, Version: "1.12.6"})

	require.NoError(t, e.rec.RunOnce(context.Background()))

	assert.Equal(t, "BETA", e.server(t, "s2").AET)
	assert.Equal(t, "ALPHA", e.server(t, "s1").AET)
}

func TestReconcileModalities(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	fake := e.addServer(t, "s1", "ALPHA")
	require.NoError(t, e.store.Update(func(tx storage.Tx) error {
		for _, m := range []*types.Modality{
			{NodeBase: types.NodeBase{UUID: "m1", AET: "CT1", Status: types.StatusPending}, IP: "10.9.9.9", PublishedPortDicom: 104},
			{NodeBase: types.NodeBase{UUID: "m2", AET: "MR1", Status: types.StatusUp}, IP: "10.9.9.8", PublishedPortDicom: 104},
		} {
			if err := tx.PutModality(m); err != nil {
				return err
			}
		}
		return nil
	}))

	// Validates the credential and marks the server up
	require.NoError(t, e.rec.RunOnce(ctx))

	_, err := e.conns.AddEdge(ctx, connection.EdgeRequest{From: "ALPHA", To: "CT1", Capabilities: types.Capabilities{Echo: true}})
	require.NoError(t, err)

	require.NoError(t, e.rec.RunOnce(ctx))
	assert.Equal(t, types.StatusUp, e.status(t, "m1"))
	assert.Equal(t, types.StatusPending, e.status(t, "m2"), "no connection reaches it")

	fake.SetUnreachable("CT1")
	require.NoError(t, e.rec.RunOnce(ctx))
	assert.Equal(t, types.StatusPending, e.status(t, "m1"))
	assert.Equal(t, []string{"up", "pending"}, e.events.statusOf("m1"))
}

func TestStartStop(t *testing.T) {
	e := newEnv(t)
	e.addServer(t, "s1", "ALPHA")
	e.rec.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.rec.Start(ctx)
	require.Eventually(t, func() bool {
		return e.status(t, "s1") == types.StatusUp
	}, 5*time.Second, 20*time.Millisecond)

	e.rec.Stop()
	e.rec.Stop()
}
