package artifact

import (
	"encoding/json"
	"fmt"

	"github.com/orthancfleet/cockpit/pkg/orthanc"
	"github.com/orthancfleet/cockpit/pkg/types"
)

// Name returns the fleet secret name of a server's configuration version
func Name(uuid string, version int) string {
	return fmt.Sprintf("%s_V%d", uuid, version)
}

// Config is the Orthanc configuration file mounted into a server's service
type Config struct {
	Name      string `json:"Name"`
	DicomAet  string `json:"DicomAet"`
	DicomPort int    `json:"DicomPort"`
	HttpPort  int    `json:"HttpPort"`

	StorageDirectory string `json:"StorageDirectory"`
	IndexDirectory   string `json:"IndexDirectory"`

	RemoteAccessAllowed   bool              `json:"RemoteAccessAllowed"`
	AuthenticationEnabled bool              `json:"AuthenticationEnabled"`
	RegisteredUsers       map[string]string `json:"RegisteredUsers"`

	DicomAlwaysAllowEcho   bool `json:"DicomAlwaysAllowEcho"`
	DicomAlwaysAllowFind   bool `json:"DicomAlwaysAllowFind"`
	DicomAlwaysAllowGet    bool `json:"DicomAlwaysAllowGet"`
	DicomAlwaysAllowMove   bool `json:"DicomAlwaysAllowMove"`
	DicomAlwaysAllowStore  bool `json:"DicomAlwaysAllowStore"`
	DicomCheckModalityHost bool `json:"DicomCheckModalityHost"`

	DicomModalities map[string]orthanc.ModalityEntry `json:"DicomModalities"`
	OrthancPeers    map[string]orthanc.Peer          `json:"OrthancPeers"`
}

// Spec is everything a configuration depends on
type Spec struct {
	Server *types.Server

	// Users maps usernames to plaintext passwords
	Users map[string]string

	// Modalities are the entries keyed by AET
	Modalities map[string]orthanc.ModalityEntry

	// Peers are the Orthanc peers keyed by AET
	Peers map[string]orthanc.Peer

	// DataDir is the storage path inside the container
	DataDir string
}

// Build assembles the configuration for spec. Every DICOM permission is
// granted per modality, never globally.
func Build(spec Spec) (*Config, error) {
	s := spec.Server
	if s == nil {
		return nil, fmt.Errorf("server is required: %w", types.ErrValidation)
	}
	if len(spec.Users) == 0 {
		return nil, fmt.Errorf("server %s has no users: %w", s.AET, types.ErrValidation)
	}

	cfg := &Config{
		Name:                  s.DisplayName,
		DicomAet:              s.AET,
		DicomPort:             s.TargetPortDicom,
		HttpPort:              s.TargetPortWeb,
		StorageDirectory:      spec.DataDir,
		IndexDirectory:        spec.DataDir,
		RemoteAccessAllowed:   true,
		AuthenticationEnabled: true,
		RegisteredUsers:       spec.Users,
		DicomModalities:       spec.Modalities,
		OrthancPeers:          spec.Peers,
	}
	if cfg.DicomModalities == nil {
		cfg.DicomModalities = map[string]orthanc.ModalityEntry{}
	}
	if cfg.OrthancPeers == nil {
		cfg.OrthancPeers = map[string]orthanc.Peer{}
	}
	return cfg, nil
}

// Render builds the configuration and encodes it as JSON
func Render(spec Spec) ([]byte, error) {
	cfg, err := Build(spec)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(cfg, "", "  ")
}
