package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/orthancfleet/cockpit/pkg/events"
	"github.com/orthancfleet/cockpit/pkg/log"
	"github.com/orthancfleet/cockpit/pkg/storage"
	"github.com/orthancfleet/cockpit/pkg/types"
)

// AddUser registers a credential on a server and pushes the new user list
// to it. Returns the user id.
func (m *Manager) AddUser(ctx context.Context, serverUUID, username, password string) (string, error) {
	var userID string
	err := m.store.Update(func(tx storage.Tx) error {
		var err error
		userID, err = m.vault.Put(tx, serverUUID, username, password, types.CredentialPending)
		return err
	})
	if err != nil {
		return "", err
	}

	if _, err := m.Reconfigure(ctx, serverUUID); err != nil {
		return userID, fmt.Errorf("user %s recorded but not pushed: %w", username, err)
	}
	return userID, nil
}

// RemoveUser unlinks a credential from a server and pushes the remaining
// user list. The last credential of a server cannot be removed.
func (m *Manager) RemoveUser(ctx context.Context, serverUUID, userID string) error {
	err := m.store.Update(func(tx storage.Tx) error {
		links, err := tx.UserLinks(serverUUID)
		if err != nil {
			return err
		}
		if len(links) == 1 && links[0].UserID == userID {
			return fmt.Errorf("cannot remove the last user of %s: %w", serverUUID, types.ErrValidation)
		}
		return m.vault.Remove(tx, serverUUID, userID)
	})
	if err != nil {
		return err
	}

	if _, err := m.Reconfigure(ctx, serverUUID); err != nil {
		return fmt.Errorf("user removed but not pushed: %w", err)
	}
	return nil
}

// AddModality registers a DICOM device
func (m *Manager) AddModality(ctx context.Context, spec ModalitySpec) (*types.Modality, error) {
	if err := validate.Struct(spec); err != nil {
		return nil, fmt.Errorf("invalid modality: %w: %w", types.ErrValidation, err)
	}

	now := time.Now()
	modality := &types.Modality{
		NodeBase: types.NodeBase{
			UUID:   uuid.New().String(),
			AET:    spec.AET,
			Status: types.StatusPending,
		},
		IP:                 spec.IP,
		PublishedPortDicom: spec.Port,
		Description:        spec.Description,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err := m.store.Update(func(tx storage.Tx) error {
		if err := tx.EnsureUniqueAET(modality.AET, ""); err != nil {
			return err
		}
		return tx.PutModality(modality)
	})
	if err != nil {
		return nil, err
	}

	logger := log.WithNode(modality.UUID, modality.AET)
	logger.Info().Str("ip", modality.IP).Msg("Modality registered")
	m.publish(events.EventNodeCreated, modality, "")
	return modality, nil
}

// EditModality updates a device and re-pushes its entry to every server it
// is connected with
func (m *Manager) EditModality(ctx context.Context, uuid string, spec ModalitySpec) (*types.Modality, error) {
	if err := validate.Struct(spec); err != nil {
		return nil, fmt.Errorf("invalid modality: %w: %w", types.ErrValidation, err)
	}

	var prevAET string
	var modality *types.Modality
	err := m.store.Update(func(tx storage.Tx) error {
		node, err := tx.GetNode(uuid)
		if err != nil {
			return err
		}
		current, ok := node.(*types.Modality)
		if !ok {
			return fmt.Errorf("node %s is not a modality: %w", uuid, types.ErrValidation)
		}
		if err := tx.EnsureUniqueAET(spec.AET, uuid); err != nil {
			return err
		}

		prevAET = current.AET
		next := *current
		next.AET = spec.AET
		next.IP = spec.IP
		next.PublishedPortDicom = spec.Port
		next.Description = spec.Description
		// The new address has not been reached yet
		next.Status = types.StatusPending
		next.UpdatedAt = time.Now()
		modality = &next
		return tx.PutModality(modality)
	})
	if err != nil {
		return nil, err
	}

	logger := log.WithNode(modality.UUID, modality.AET)
	if err := m.conns.SyncPeers(ctx, modality, prevAET); err != nil {
		logger.Warn().Err(err).Msg("Connected servers may still use the previous address")
	}

	logger.Info().Msg("Modality updated")
	m.publish(events.EventNodeUpdated, modality, "")
	return modality, nil
}
