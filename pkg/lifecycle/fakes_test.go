package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/orthancfleet/cockpit/pkg/artifact"
	"github.com/orthancfleet/cockpit/pkg/connection"
	"github.com/orthancfleet/cockpit/pkg/events"
	"github.com/orthancfleet/cockpit/pkg/fleet"
	"github.com/orthancfleet/cockpit/pkg/orthanc"
	"github.com/orthancfleet/cockpit/pkg/orthanc/orthanctest"
	"github.com/orthancfleet/cockpit/pkg/security"
	"github.com/orthancfleet/cockpit/pkg/storage"
	"github.com/orthancfleet/cockpit/pkg/types"
	"github.com/orthancfleet/cockpit/pkg/vault"
	"github.com/stretchr/testify/require"
)

// fakeFleet keeps swarm objects in memory
type fakeFleet struct {
	mu sync.Mutex

	secrets  map[string][]byte
	services map[string]fleet.ServiceSpec
	volumes  map[string]bool
	updates  []fleet.ServiceUpdate

	portConflicts  int
	volumeBusy     int
	volumeAttempts int
	createErr      error
	removeErr      error
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{
		secrets:  make(map[string][]byte),
		services: make(map[string]fleet.ServiceSpec),
		volumes:  make(map[string]bool),
	}
}

func cliError(stderr string) error {
	return &fleet.CommandError{Command: "docker", ExitCode: 1, Stderr: stderr}
}

func (f *fakeFleet) CreateSecret(ctx context.Context, name string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.secrets[name]; ok {
		return cliError("secret " + name + " already exists")
	}
	f.secrets[name] = data
	return nil
}

func (f *fakeFleet) RemoveSecret(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.secrets[name]; !ok {
		return cliError("Error: no such secret: " + name)
	}
	delete(f.secrets, name)
	return nil
}

func (f *fakeFleet) CreateService(ctx context.Context, spec fleet.ServiceSpec) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", "", f.createErr
	}
	if f.portConflicts > 0 {
		f.portConflicts--
		return "", "", cliError("port '8042' is already in use by service 'other'")
	}
	name := "orthanc_" + spec.UUID
	f.services[name] = spec
	f.volumes[name+"_data"] = true
	return name, name + "_data", nil
}

func (f *fakeFleet) UpdateService(ctx context.Context, u fleet.ServiceUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.services[u.ServiceName]; !ok {
		return cliError("service " + u.ServiceName + " not found")
	}
	f.updates = append(f.updates, u)
	return nil
}

func (f *fakeFleet) RemoveService(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	if _, ok := f.services[name]; !ok {
		return cliError("Error: No such service: " + name)
	}
	delete(f.services, name)
	return nil
}

func (f *fakeFleet) RemoveVolume(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumeAttempts++
	if f.volumeBusy > 0 {
		f.volumeBusy--
		return cliError("Error response from daemon: remove " + name + ": volume is in use")
	}
	delete(f.volumes, name)
	return nil
}

func (f *fakeFleet) secretNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name := range f.secrets {
		names = append(names, name)
	}
	return names
}

// router sends requests for cluster addresses to in-process fakes
type router struct {
	mu     sync.Mutex
	routes map[string]string
}

func (r *router) add(baseURL, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[baseURL] = target
}

func (r *router) factory() orthanc.Factory {
	return func(baseURL, username, password string) orthanc.API {
		r.mu.Lock()
		if target, ok := r.routes[baseURL]; ok {
			baseURL = target
		}
		r.mu.Unlock()
		return orthanc.NewClient(baseURL, username, password, orthanc.WithTimeout(2*time.Second))
	}
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

func (r *recorder) has(t events.EventType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == t {
			return true
		}
	}
	return false
}

type env struct {
	store  storage.Store
	vault  *vault.Vault
	conns  *connection.Manager
	fleet  *fakeFleet
	router *router
	events *recorder
	mgr    *Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cipher, err := security.NewCipher("fleet-secret")
	require.NoError(t, err)

	r := &router{routes: make(map[string]string)}
	factory := r.factory()
	rec := &recorder{}
	v := vault.New(store, cipher, factory)
	conns := connection.NewManager(store, v, factory, rec)
	ff := newFakeFleet()

	cfg := DefaultConfig()
	cfg.AdminUsername = "admin"
	cfg.AdminPassword = "adminpw"
	cfg.VolumeBusyRetry = time.Millisecond
	cfg.HealthPollInterval = 10 * time.Millisecond

	mgr, err := NewManager(store, v, conns, ff, factory, rec, cfg)
	require.NoError(t, err)

	require.NoError(t, store.Update(func(tx storage.Tx) error {
		for i, name := range []string{"node-a", "node-b", "node-c"} {
			host := &types.Host{
				ID:     "h" + name,
				Name:   name,
				IP:     fmt.Sprintf("10.0.0.%d", i+1),
				Role:   "worker",
				Status: "ready",
			}
			if err := tx.PutHost(host); err != nil {
				return err
			}
		}
		return nil
	}))

	return &env{store: store, vault: v, conns: conns, fleet: ff, router: r, events: rec, mgr: mgr}
}

// fakeOrthanc starts a fake reachable at addr ("ip:port") with the admin
// credential
func (e *env) fakeOrthanc(t *testing.T, aet string, addrs ...string) *orthanctest.Server {
	t.Helper()
	f := orthanctest.NewServer(aet, "admin", "adminpw")
	t.Cleanup(f.Close)
	for _, addr := range addrs {
		e.router.add("http://"+addr, f.URL)
	}
	return f
}

// markUp records a server as running with a valid admin credential
func (e *env) markUp(t *testing.T, uuid string) {
	t.Helper()
	require.NoError(t, e.store.Update(func(tx storage.Tx) error {
		s, err := tx.GetServer(uuid)
		if err != nil {
			return err
		}
		s.Status = types.StatusUp
		if err := tx.PutServer(s); err != nil {
			return err
		}
		links, err := tx.UserLinks(uuid)
		if err != nil {
			return err
		}
		for _, l := range links {
			if err := tx.SetUserState(uuid, l.UserID, types.CredentialValid); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (e *env) secretConfig(t *testing.T, name string) artifact.Config {
	t.Helper()
	e.fleet.mu.Lock()
	data, ok := e.fleet.secrets[name]
	e.fleet.mu.Unlock()
	require.True(t, ok, "secret %s missing, have %v", name, e.fleet.secretNames())

	var cfg artifact.Config
	require.NoError(t, json.Unmarshal(data, &cfg))
	return cfg
}

func (e *env) getServer(t *testing.T, uuid string) (*types.Server, error) {
	t.Helper()
	var s *types.Server
	err := e.store.View(func(tx storage.Tx) error {
		var err error
		s, err = tx.GetServer(uuid)
		return err
	})
	return s, err
}

func isNotFound(err error) bool {
	return errors.Is(err, types.ErrNotFound)
}

func hasPrefix(names []string, prefix string) bool {
	for _, n := range names {
		if strings.HasPrefix(n, prefix) {
			return true
		}
	}
	return false
}

// stuckWaiter never reports the server healthy
type stuckWaiter struct{}

func (stuckWaiter) Wait(ctx context.Context, client orthanc.API) error {
	return errors.New("still starting")
}
