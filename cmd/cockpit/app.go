package main

import (
	"context"
	"fmt"
	"time"

	"github.com/orthancfleet/cockpit/pkg/config"
	"github.com/orthancfleet/cockpit/pkg/connection"
	"github.com/orthancfleet/cockpit/pkg/events"
	"github.com/orthancfleet/cockpit/pkg/fleet"
	"github.com/orthancfleet/cockpit/pkg/hosts"
	"github.com/orthancfleet/cockpit/pkg/lifecycle"
	"github.com/orthancfleet/cockpit/pkg/log"
	"github.com/orthancfleet/cockpit/pkg/metrics"
	"github.com/orthancfleet/cockpit/pkg/orthanc"
	"github.com/orthancfleet/cockpit/pkg/reconciler"
	"github.com/orthancfleet/cockpit/pkg/security"
	"github.com/orthancfleet/cockpit/pkg/storage"
	"github.com/orthancfleet/cockpit/pkg/topology"
	"github.com/orthancfleet/cockpit/pkg/vault"
)

// app wires every component of the cockpit on top of one store
type app struct {
	store      *storage.BoltStore
	broker     *events.Broker
	swarm      *fleet.Swarm
	vault      *vault.Vault
	conns      *connection.Manager
	lifecycle  *lifecycle.Manager
	hosts      *hosts.Tracker
	reconciler *reconciler.Reconciler
	viewer     *topology.Viewer
}

func newApp(cfg *config.Config) (*app, error) {
	store, err := storage.NewBoltStore(cfg.Store.Path)
	if err != nil {
		metrics.UpdateComponent(metrics.ComponentStore, false, err.Error())
		return nil, fmt.Errorf("failed to open store (is \"cockpit serve\" running?): %w", err)
	}
	metrics.UpdateComponent(metrics.ComponentStore, true, "")

	cipher, err := security.NewCipher(cfg.Security.SharedSecret)
	if err != nil {
		store.Close()
		return nil, err
	}

	opts := []orthanc.Option{orthanc.WithTimeout(30 * time.Second)}
	if l := cfg.Limiter(); l != nil {
		opts = append(opts, orthanc.WithLimiter(l))
	}
	factory := orthanc.NewFactory(opts...)

	broker := events.NewBroker()
	broker.Start()

	swarm := fleet.NewSwarm(fleet.NewRunner(), cfg.Swarm())
	v := vault.New(store, cipher, factory).WithProbeTimeout(cfg.Orthanc.ProbeTimeout)
	conns := connection.NewManager(store, v, factory, broker).
		WithTimeouts(cfg.Orthanc.DeleteTimeout, cfg.Orthanc.ProbeTimeout)

	lm, err := lifecycle.NewManager(store, v, conns, swarm, factory, broker, cfg.Lifecycle())
	if err != nil {
		broker.Stop()
		store.Close()
		return nil, err
	}

	rec := reconciler.NewReconciler(store, v, conns, swarm, factory, broker, cfg.Reconciler.Interval).
		WithProbeTimeout(cfg.Orthanc.ProbeTimeout)

	return &app{
		store:      store,
		broker:     broker,
		swarm:      swarm,
		vault:      v,
		conns:      conns,
		lifecycle:  lm,
		hosts:      hosts.NewTracker(store, swarm, broker),
		reconciler: rec,
		viewer:     topology.NewViewer(cipher),
	}, nil
}

// withApp opens the app for the duration of one command
func withApp(fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()
	return fn(ctx, a)
}

// syncHosts records the swarm's current nodes so host names resolve
func (a *app) syncHosts(ctx context.Context) {
	if _, err := a.hosts.AddInitialHosts(ctx); err != nil {
		metrics.UpdateComponent(metrics.ComponentFleet, false, err.Error())
		log.Logger.Warn().Err(err).Msg("Cannot list swarm nodes, using recorded hosts")
		return
	}
	metrics.UpdateComponent(metrics.ComponentFleet, true, "")
}

func (a *app) Close() {
	a.broker.Stop()
	if err := a.store.Close(); err != nil {
		log.Logger.Warn().Err(err).Msg("Failed to close store")
	}
}
