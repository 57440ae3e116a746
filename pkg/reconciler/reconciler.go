package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/orthancfleet/cockpit/pkg/connection"
	"github.com/orthancfleet/cockpit/pkg/events"
	"github.com/orthancfleet/cockpit/pkg/fleet"
	"github.com/orthancfleet/cockpit/pkg/health"
	"github.com/orthancfleet/cockpit/pkg/log"
	"github.com/orthancfleet/cockpit/pkg/metrics"
	"github.com/orthancfleet/cockpit/pkg/orthanc"
	"github.com/orthancfleet/cockpit/pkg/storage"
	"github.com/orthancfleet/cockpit/pkg/topology"
	"github.com/orthancfleet/cockpit/pkg/types"
	"github.com/orthancfleet/cockpit/pkg/vault"
	"github.com/rs/zerolog"
)

const DefaultInterval = 30 * time.Second

// ServiceLister reports the replica counts of the fleet's services
type ServiceLister interface {
	ListServices(ctx context.Context) ([]fleet.ServiceStatus, error)
}

// Reconciler brings the recorded status of credentials, servers,
// connections and modalities in line with what the network reports
type Reconciler struct {
	store        storage.Store
	vault        *vault.Vault
	conns        *connection.Manager
	services     ServiceLister
	factory      orthanc.Factory
	events       events.Publisher
	interval     time.Duration
	probeTimeout time.Duration
	logger       zerolog.Logger

	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewReconciler creates a new reconciler. services may be nil when no fleet
// is reachable, in which case replica counts are not consulted.
func NewReconciler(store storage.Store, v *vault.Vault, conns *connection.Manager, services ServiceLister, factory orthanc.Factory, publisher events.Publisher, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		store:        store,
		vault:        v,
		conns:        conns,
		services:     services,
		factory:      factory,
		events:       publisher,
		interval:     interval,
		probeTimeout: health.DefaultTimeout,
		logger:       log.WithComponent("reconciler"),
		stopCh:       make(chan struct{}),
	}
}

// WithProbeTimeout sets the timeout of server probes
func (r *Reconciler) WithProbeTimeout(timeout time.Duration) *Reconciler {
	r.probeTimeout = timeout
	return r
}

// Start begins the reconciliation loop
func (r *Reconciler) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop stops the reconciler
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Reconciler) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("Reconciliation finished with errors")
			}
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

type phase struct {
	name string
	fn   func(context.Context) error
}

// RunOnce performs one reconciliation cycle. A failing phase does not stop
// the ones after it; their errors are joined.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	phases := []phase{
		{"credentials", r.vault.RefreshStates},
		{"servers", r.reconcileServers},
		{"connections", r.conns.TestConnections},
		{"modalities", r.reconcileModalities},
	}

	var errs []error
	for _, p := range phases {
		t := metrics.NewTimer()
		err := p.fn(ctx)
		t.ObserveDurationVec(metrics.ReconciliationPhaseDuration, p.name)
		if err != nil {
			metrics.ReconciliationErrorsTotal.WithLabelValues(p.name).Inc()
			r.logger.Error().Err(err).Str("phase", p.name).Msg("Reconciliation phase failed")
			errs = append(errs, fmt.Errorf("%s: %w", p.name, err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		metrics.UpdateComponent(metrics.ComponentReconciler, false, err.Error())
	} else {
		metrics.UpdateComponent(metrics.ComponentReconciler, true, "")
	}
	return err
}

// serverProbe is what the servers phase learned about one server
type serverProbe struct {
	uuid   string
	aet    string
	client orthanc.API
	status types.NodeStatus
	reason string
	info   *orthanc.SystemInfo
}

// reconcileServers probes every server's management API. A server is down
// when its service has no running replica, when no valid credential is
// known for it or when GET /system fails; otherwise it is up and its name,
// AET and (for remote servers) ports are refreshed from the answer.
func (r *Reconciler) reconcileServers(ctx context.Context) error {
	replicas := r.replicas(ctx)

	var probes []*serverProbe
	err := r.store.View(func(tx storage.Tx) error {
		servers, err := tx.ListServers()
		if err != nil {
			return err
		}
		for _, s := range servers {
			p := &serverProbe{uuid: s.UUID, aet: s.AET, status: types.StatusDown}
			probes = append(probes, p)

			if !s.IsRemote && replicas != nil {
				if running, ok := replicas[s.ServiceHandle]; !ok || running == 0 {
					p.reason = "no running replica"
					continue
				}
			}
			ep, err := topology.Resolve(tx, s)
			if err != nil {
				p.reason = err.Error()
				continue
			}
			cred, err := r.vault.SelectValidTx(tx, s.UUID)
			if err != nil {
				p.reason = err.Error()
				continue
			}
			p.client = r.factory(ep.BaseURL(), cred.Username, cred.Password)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to list servers: %w", err)
	}

	for _, p := range probes {
		if p.client == nil {
			continue
		}
		checker := health.NewSystemChecker(p.client).WithTimeout(r.probeTimeout)
		result := checker.Check(ctx)
		p.status = result.Status()
		p.reason = result.Message
		p.info = checker.Info
	}

	var changed []*types.Server
	err = r.store.Update(func(tx storage.Tx) error {
		for _, p := range probes {
			server, err := tx.GetServer(p.uuid)
			if err != nil {
				// Deleted while probing
				continue
			}
			prev := server.Status
			server.Status = p.status
			if p.info != nil {
				r.refresh(tx, server, p.info)
			}
			if p.status == types.StatusDown {
				logger := log.WithNode(p.uuid, p.aet)
				logger.Debug().Str("reason", p.reason).Msg("Server is down")
			}
			if err := tx.PutServer(server); err != nil {
				return err
			}
			if prev != server.Status {
				changed = append(changed, server)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record server status: %w", err)
	}

	for _, s := range changed {
		r.statusChanged(s)
	}
	return nil
}

// replicas maps service handles onto running replica counts, or returns nil
// when the fleet cannot be asked
func (r *Reconciler) replicas(ctx context.Context) map[string]int {
	if r.services == nil {
		return nil
	}
	services, err := r.services.ListServices(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Cannot list services, skipping replica check")
		return nil
	}
	out := make(map[string]int, len(services))
	for _, s := range services {
		out[s.Name] = s.RunningReplicas()
	}
	return out
}

// refresh copies what the server reports about itself onto its record.
// Managed servers publish different ports than they listen on, so only
// remote servers take their ports from the answer.
func (r *Reconciler) refresh(tx storage.Tx, server *types.Server, info *orthanc.SystemInfo) {
	logger := log.WithNode(server.UUID, server.AET)
	if info.Name != "" {
		server.DisplayName = info.Name
	}
	if info.DicomAet != "" && info.DicomAet != server.AET {
		if err := tx.EnsureUniqueAET(info.DicomAet, server.UUID); err != nil {
			logger.Warn().Err(err).Str("reported_aet", info.DicomAet).Msg("Server reports an AET already in use")
		} else {
			logger.Info().Str("reported_aet", info.DicomAet).Msg("Server AET changed")
			server.AET = info.DicomAet
		}
	}
	if server.IsRemote {
		if info.HttpPort > 0 {
			server.PublishedPortWeb = info.HttpPort
		}
		if info.DicomPort > 0 {
			server.PublishedPortDicom = info.DicomPort
		}
	}
}

// reconcileModalities derives each modality's status from its connections:
// up when a server reaches it over an up connection, pending otherwise
func (r *Reconciler) reconcileModalities(ctx context.Context) error {
	var changed []*types.Modality
	err := r.store.Update(func(tx storage.Tx) error {
		modalities, err := tx.ListModalities()
		if err != nil {
			return err
		}
		conns, err := tx.ListConnections()
		if err != nil {
			return err
		}

		reached := make(map[string]bool)
		for _, c := range conns {
			if c.Status != types.StatusUp {
				continue
			}
			from, err := tx.GetNode(c.FromUUID)
			if err != nil || !from.HasManagementAPI() {
				continue
			}
			reached[c.ToUUID] = true
		}

		for _, m := range modalities {
			status := types.StatusPending
			if reached[m.UUID] {
				status = types.StatusUp
			}
			if m.Status == status {
				continue
			}
			m.Status = status
			if err := tx.PutModality(m); err != nil {
				return err
			}
			changed = append(changed, m)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to derive modality status: %w", err)
	}

	for _, m := range changed {
		r.statusChanged(m)
	}
	return nil
}

func (r *Reconciler) statusChanged(node types.Node) {
	meta := node.Meta()
	logger := log.WithNode(meta.UUID, meta.AET)
	logger.Info().Str("status", string(meta.Status)).Msg("Status changed")
	if r.events == nil {
		return
	}
	r.events.Publish(&events.Event{
		Type:    events.EventStatusChanged,
		Message: fmt.Sprintf("%s is %s", meta.AET, meta.Status),
		Metadata: map[string]string{
			"uuid":   meta.UUID,
			"aet":    meta.AET,
			"kind":   string(node.Kind()),
			"status": string(meta.Status),
		},
	})
}
