package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/orthancfleet/cockpit/pkg/connection"
	"github.com/orthancfleet/cockpit/pkg/events"
	"github.com/orthancfleet/cockpit/pkg/log"
	"github.com/orthancfleet/cockpit/pkg/metrics"
	"github.com/orthancfleet/cockpit/pkg/storage"
	"github.com/orthancfleet/cockpit/pkg/topology"
	"github.com/orthancfleet/cockpit/pkg/types"
	"github.com/rs/zerolog"
)

const maxAETLength = 16

// migratedAET is the temporary AET of a server while it moves hosts
func migratedAET(aet string) string {
	const suffix = "_M"
	if len(aet)+len(suffix) > maxAETLength {
		aet = aet[:maxAETLength-len(suffix)]
	}
	return aet + suffix
}

// migration tracks one host move. Every step is persisted before the next
// one starts so an interrupted move can be inspected and finished by hand.
type migration struct {
	m      *Manager
	record *types.Migration
	logger zerolog.Logger
}

func (mg *migration) advance(step types.MigrationStep) error {
	mg.record.Step = step
	mg.record.UpdatedAt = time.Now()
	if err := mg.m.store.Update(func(tx storage.Tx) error {
		return tx.PutMigration(mg.record)
	}); err != nil {
		return fmt.Errorf("failed to record migration step %s: %w", step, err)
	}
	metrics.MigrationStepsTotal.WithLabelValues(string(step)).Inc()
	mg.logger.Info().Str("step", string(step)).Msg("Migration step completed")
	return nil
}

func (mg *migration) fail(err error) error {
	metrics.MigrationsFailed.Inc()
	mg.record.Error = err.Error()
	mg.record.UpdatedAt = time.Now()
	if putErr := mg.m.store.Update(func(tx storage.Tx) error {
		return tx.PutMigration(mg.record)
	}); putErr != nil {
		mg.logger.Error().Err(putErr).Msg("Failed to record migration failure")
	}
	mg.logger.Error().Err(err).Str("step", string(mg.record.Step)).Msg("Migration stopped")
	return fmt.Errorf("migration of %s stopped after %s: %w", mg.record.SourceUUID, mg.record.Step, err)
}

// migrate moves current onto spec.HostName:
//
//	provisioned  a temporary server runs on the target host
//	healthy      it answers its management API
//	linked       current may store into it
//	transferred  every instance was sent over
//	replicated   connections, users and tags were copied
//	retired      current is deleted
//	finalized    the temporary server took current's settings
//
// Nothing is rolled back when a step fails.
func (m *Manager) migrate(ctx context.Context, current *types.Server, spec ServerSpec) (*types.Server, error) {
	mg := &migration{
		m: m,
		record: &types.Migration{
			SourceUUID: current.UUID,
			SourceHost: current.HostName,
			TargetHost: spec.HostName,
			Step:       types.MigrationStarted,
			StartedAt:  time.Now(),
			UpdatedAt:  time.Now(),
		},
		logger: log.WithNode(current.UUID, current.AET).With().
			Str("from_host", current.HostName).
			Str("to_host", spec.HostName).
			Logger(),
	}
	if err := m.store.Update(func(tx storage.Tx) error {
		return tx.PutMigration(mg.record)
	}); err != nil {
		return nil, fmt.Errorf("failed to start migration: %w", err)
	}
	mg.logger = mg.logger.With().Str("migration_id", mg.record.ID).Logger()

	// Snapshot what has to follow the server before the transfer link is
	// added
	var snapshot struct {
		conns []*types.Connection
		tags  []*types.Tag
	}
	err := m.store.View(func(tx storage.Tx) error {
		var err error
		if snapshot.conns, err = tx.ConnectionsOf(current.UUID); err != nil {
			return err
		}
		snapshot.tags, err = tx.TagsOf(current.UUID)
		return err
	})
	if err != nil {
		return nil, mg.fail(err)
	}

	// provisioned
	now := time.Now()
	temp := &types.Server{
		NodeBase: types.NodeBase{
			UUID:   uuid.New().String(),
			AET:    migratedAET(current.AET),
			Status: types.StatusPending,
			VisX:   current.VisX,
			VisY:   current.VisY,
		},
		DisplayName:          current.DisplayName + "-migrated",
		HostName:             spec.HostName,
		PublishedPortWeb:     current.PublishedPortWeb,
		PublishedPortDicom:   current.PublishedPortDicom,
		TargetPortWeb:        current.TargetPortWeb,
		TargetPortDicom:      current.TargetPortDicom,
		ConfigurationVersion: 1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := m.store.View(func(tx storage.Tx) error {
		return tx.EnsureUniqueAET(temp.AET, "")
	}); err != nil {
		return nil, mg.fail(err)
	}
	if err := m.provision(ctx, temp, m.config.PortProbeLimit); err != nil {
		return nil, mg.fail(err)
	}
	if err := m.register(temp); err != nil {
		return nil, mg.fail(err)
	}
	mg.record.TargetUUID = temp.UUID
	if err := mg.advance(types.MigrationProvisioned); err != nil {
		return nil, mg.fail(err)
	}

	// healthy
	if err := m.awaitHealthy(ctx, temp); err != nil {
		return nil, mg.fail(err)
	}
	if err := mg.advance(types.MigrationHealthy); err != nil {
		return nil, mg.fail(err)
	}

	// linked
	transfer := connection.EdgeRequest{From: current.AET, To: temp.AET, Capabilities: types.AllCapabilities()}
	if _, err := m.conns.AddEdge(ctx, transfer); err != nil {
		return nil, mg.fail(err)
	}
	if err := mg.advance(types.MigrationLinked); err != nil {
		return nil, mg.fail(err)
	}

	// transferred
	if err := m.transfer(ctx, current, temp, mg.logger); err != nil {
		return nil, mg.fail(err)
	}
	if err := mg.advance(types.MigrationTransferred); err != nil {
		return nil, mg.fail(err)
	}

	// replicated
	if err := m.replicate(ctx, current, temp, snapshot.conns, snapshot.tags); err != nil {
		return nil, mg.fail(err)
	}
	if err := mg.advance(types.MigrationReplicated); err != nil {
		return nil, mg.fail(err)
	}

	// retired
	if err := m.DeleteNode(ctx, current.UUID); err != nil {
		return nil, mg.fail(err)
	}
	if err := mg.advance(types.MigrationRetired); err != nil {
		return nil, mg.fail(err)
	}

	// finalized
	final, err := m.editInPlace(ctx, temp, spec)
	if err != nil {
		return nil, mg.fail(err)
	}
	if err := mg.advance(types.MigrationFinalized); err != nil {
		return nil, mg.fail(err)
	}

	m.publish(events.EventServerMigrated, final,
		fmt.Sprintf("server %s moved from %s to %s", final.AET, current.HostName, final.HostName))
	return final, nil
}

// awaitHealthy waits for temp to answer with the admin credential and marks
// that credential valid and the server up
func (m *Manager) awaitHealthy(ctx context.Context, temp *types.Server) error {
	var ep *types.Endpoint
	if err := m.store.View(func(tx storage.Tx) error {
		var err error
		ep, err = topology.Resolve(tx, temp)
		return err
	}); err != nil {
		return err
	}

	client := m.factory(ep.BaseURL(), m.config.AdminUsername, m.config.AdminPassword)
	if err := m.waiter.Wait(ctx, client); err != nil {
		return fmt.Errorf("server %s never became healthy: %w", temp.AET, err)
	}

	return m.store.Update(func(tx storage.Tx) error {
		userID := m.vault.Cipher().UserID(m.config.AdminUsername, m.config.AdminPassword)
		if err := tx.SetUserState(temp.UUID, userID, types.CredentialValid); err != nil {
			return err
		}
		temp.Status = types.StatusUp
		return tx.PutServer(temp)
	})
}

// transfer sends every instance stored on current to temp
func (m *Manager) transfer(ctx context.Context, current, temp *types.Server, logger zerolog.Logger) error {
	var ep *types.Endpoint
	if err := m.store.View(func(tx storage.Tx) error {
		var err error
		ep, err = topology.Resolve(tx, current)
		return err
	}); err != nil {
		return err
	}

	client, err := m.conns.Client(ep)
	if err != nil {
		return err
	}
	ids, err := client.Instances(ctx)
	if err != nil {
		return fmt.Errorf("failed to list instances of %s: %w", current.AET, err)
	}
	if len(ids) == 0 {
		logger.Info().Msg("No instances to transfer")
		return nil
	}
	if err := client.Store(ctx, temp.AET, ids); err != nil {
		return fmt.Errorf("failed to transfer %d instances to %s: %w", len(ids), temp.AET, err)
	}
	logger.Info().Int("instances", len(ids)).Msg("Instances transferred")
	return nil
}

// replicate recreates current's connections on temp and copies its
// credentials and tags. Every connection is attempted; failures are
// returned together.
func (m *Manager) replicate(ctx context.Context, current, temp *types.Server, conns []*types.Connection, tags []*types.Tag) error {
	var requests []connection.EdgeRequest
	var users []struct{ username, password string }

	err := m.store.View(func(tx storage.Tx) error {
		for _, c := range conns {
			req := connection.EdgeRequest{Capabilities: c.Capabilities}
			if c.FromUUID == current.UUID {
				other, err := tx.GetNode(c.ToUUID)
				if err != nil {
					return err
				}
				req.From, req.To = temp.AET, other.Meta().AET
			} else {
				other, err := tx.GetNode(c.FromUUID)
				if err != nil {
					return err
				}
				req.From, req.To = other.Meta().AET, temp.AET
			}
			requests = append(requests, req)
		}

		creds, err := m.vault.Credentials(tx, current.UUID)
		if err != nil {
			return err
		}
		for _, c := range creds {
			users = append(users, struct{ username, password string }{c.Username, c.Password})
		}
		return nil
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, req := range requests {
		if _, err := m.conns.AddEdge(ctx, req); err != nil {
			errs = append(errs, fmt.Errorf("%s->%s: %w", req.From, req.To, err))
		}
	}

	err = m.store.Update(func(tx storage.Tx) error {
		for _, u := range users {
			if u.username == m.config.AdminUsername && u.password == m.config.AdminPassword {
				continue
			}
			if _, err := m.vault.Put(tx, temp.UUID, u.username, u.password, types.CredentialPending); err != nil {
				return err
			}
		}
		for _, tag := range tags {
			if err := tx.TagNode(temp.UUID, tag.Name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
