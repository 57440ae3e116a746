package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/orthancfleet/cockpit/pkg/health"
	"github.com/orthancfleet/cockpit/pkg/log"
	"github.com/orthancfleet/cockpit/pkg/orthanc"
	"github.com/orthancfleet/cockpit/pkg/security"
	"github.com/orthancfleet/cockpit/pkg/storage"
	"github.com/orthancfleet/cockpit/pkg/topology"
	"github.com/orthancfleet/cockpit/pkg/types"
)

// Credential is a decrypted user of a server's management API
type Credential struct {
	UserID   string
	Username string
	Password string
	State    types.CredentialState
}

// Vault stores server credentials encrypted and hands them out decrypted at
// the point of use
type Vault struct {
	store   storage.Store
	cipher  *security.Cipher
	factory orthanc.Factory
	timeout time.Duration
}

// New creates a vault. The factory is only used by RefreshStates.
func New(store storage.Store, cipher *security.Cipher, factory orthanc.Factory) *Vault {
	return &Vault{
		store:   store,
		cipher:  cipher,
		factory: factory,
		timeout: health.DefaultTimeout,
	}
}

// WithProbeTimeout sets the timeout of a single credential probe
func (v *Vault) WithProbeTimeout(timeout time.Duration) *Vault {
	v.timeout = timeout
	return v
}

// Cipher returns the cipher credentials are sealed with
func (v *Vault) Cipher() *security.Cipher {
	return v.cipher
}

// SelectValid returns one valid credential of the server
func (v *Vault) SelectValid(serverUUID string) (*Credential, error) {
	var cred *Credential
	err := v.store.View(func(tx storage.Tx) error {
		var err error
		cred, err = v.SelectValidTx(tx, serverUUID)
		return err
	})
	return cred, err
}

// SelectValidTx is SelectValid inside an existing transaction. When several
// credentials are valid any of them is returned.
func (v *Vault) SelectValidTx(tx storage.Tx, serverUUID string) (*Credential, error) {
	links, err := tx.UserLinks(serverUUID)
	if err != nil {
		return nil, err
	}
	for _, link := range links {
		if link.State != types.CredentialValid {
			continue
		}
		return v.credential(tx, link)
	}
	return nil, fmt.Errorf("server %s: %w", serverUUID, types.ErrNoValidCredential)
}

// Credentials returns every credential linked to the server, decrypted
func (v *Vault) Credentials(tx storage.Tx, serverUUID string) ([]*Credential, error) {
	links, err := tx.UserLinks(serverUUID)
	if err != nil {
		return nil, err
	}
	creds := make([]*Credential, 0, len(links))
	for _, link := range links {
		cred, err := v.credential(tx, link)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	return creds, nil
}

// Users returns the server's credentials as a username to plaintext map,
// the form configuration artifacts register them in
func (v *Vault) Users(tx storage.Tx, serverUUID string) (map[string]string, error) {
	creds, err := v.Credentials(tx, serverUUID)
	if err != nil {
		return nil, err
	}
	users := make(map[string]string, len(creds))
	for _, c := range creds {
		users[c.Username] = c.Password
	}
	return users, nil
}

// Put stores a credential and links it to the server. Adding the same
// username and password twice merges onto one user.
func (v *Vault) Put(tx storage.Tx, serverUUID, username, password string, state types.CredentialState) (string, error) {
	if username == "" || password == "" {
		return "", fmt.Errorf("username and password are required: %w", types.ErrValidation)
	}

	sealed, err := v.cipher.Encrypt(password)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt password: %w", err)
	}

	user := &types.User{
		UserID:   v.cipher.UserID(username, password),
		Username: username,
		Password: sealed,
	}
	if err := tx.PutUser(user); err != nil {
		return "", err
	}
	if err := tx.LinkUser(serverUUID, user.UserID, state); err != nil {
		return "", err
	}
	return user.UserID, nil
}

// Remove unlinks a credential from the server
func (v *Vault) Remove(tx storage.Tx, serverUUID, userID string) error {
	return tx.UnlinkUser(serverUUID, userID)
}

// MarkState records the validity of a credential for the server
func (v *Vault) MarkState(serverUUID, userID string, state types.CredentialState) error {
	return v.store.Update(func(tx storage.Tx) error {
		return tx.SetUserState(serverUUID, userID, state)
	})
}

type probe struct {
	endpoint *types.Endpoint
	cred     *Credential
}

// RefreshStates probes every server/credential pair with GET /system and
// marks the pair valid or invalid. Servers that cannot be located are
// skipped. Probes run outside any transaction.
func (v *Vault) RefreshStates(ctx context.Context) error {
	logger := log.WithComponent("vault")

	var probes []probe
	err := v.store.View(func(tx storage.Tx) error {
		links, err := tx.AllUserLinks()
		if err != nil {
			return err
		}
		for _, link := range links {
			ep, err := topology.ResolveUUID(tx, link.ServerUUID)
			if err != nil {
				logger.Debug().Err(err).Str("server", link.ServerUUID).Msg("Skipping credential of unresolvable server")
				continue
			}
			cred, err := v.credential(tx, link)
			if err != nil {
				logger.Warn().Err(err).Str("server", link.ServerUUID).Msg("Skipping unreadable credential")
				continue
			}
			probes = append(probes, probe{endpoint: ep, cred: cred})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to list credentials: %w", err)
	}

	states := make(map[[2]string]types.CredentialState, len(probes))
	for _, p := range probes {
		client := v.factory(p.endpoint.BaseURL(), p.cred.Username, p.cred.Password)
		result := health.NewSystemChecker(client).WithTimeout(v.timeout).Check(ctx)

		state := types.CredentialInvalid
		if result.Healthy {
			state = types.CredentialValid
		}
		states[[2]string{p.endpoint.UUID(), p.cred.UserID}] = state

		if state != p.cred.State {
			nodeLogger := log.WithNode(p.endpoint.UUID(), p.endpoint.AET())
			nodeLogger.Info().
				Str("username", p.cred.Username).
				Str("from", string(p.cred.State)).
				Str("to", string(state)).
				Msg("Credential state changed")
		}
	}

	return v.store.Update(func(tx storage.Tx) error {
		for key, state := range states {
			// The link may have been removed while probing
			if err := tx.SetUserState(key[0], key[1], state); err != nil {
				logger.Debug().Err(err).Str("server", key[0]).Msg("Credential vanished during refresh")
			}
		}
		return nil
	})
}

func (v *Vault) credential(tx storage.Tx, link *types.UserLink) (*Credential, error) {
	user, err := tx.GetUser(link.UserID)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", link.UserID, err)
	}
	password, err := v.cipher.Decrypt(user.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt password of %s: %w", user.Username, err)
	}
	return &Credential{
		UserID:   user.UserID,
		Username: user.Username,
		Password: password,
		State:    link.State,
	}, nil
}
