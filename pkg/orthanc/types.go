package orthanc

import "github.com/orthancfleet/cockpit/pkg/types"

// SystemInfo is the subset of GET /system the cockpit reads
type SystemInfo struct {
	Name      string `json:"Name"`
	DicomAet  string `json:"DicomAet"`
	DicomPort int    `json:"DicomPort"`
	HttpPort  int    `json:"HttpPort"`
	Version   string `json:"Version"`
}

// ModalityEntry is the body of PUT /modalities/{id}
type ModalityEntry struct {
	AET                    string `json:"AET"`
	Host                   string `json:"Host"`
	Port                   int    `json:"Port"`
	AllowEcho              bool   `json:"AllowEcho"`
	AllowFind              bool   `json:"AllowFind"`
	AllowFindWorklist      bool   `json:"AllowFindWorklist"`
	AllowGet               bool   `json:"AllowGet"`
	AllowMove              bool   `json:"AllowMove"`
	AllowStore             bool   `json:"AllowStore"`
	AllowStorageCommitment bool   `json:"AllowStorageCommitment"`
	AllowTranscoding       bool   `json:"AllowTranscoding"`
	Timeout                int    `json:"Timeout"`
	UseDicomTls            bool   `json:"UseDicomTls"`
}

// NewModalityEntry builds an entry for a node reachable at host:port with
// the given capabilities. A zero Capabilities value yields a placeholder
// entry that only lets the server address the node.
func NewModalityEntry(aet, host string, port int, caps types.Capabilities) ModalityEntry {
	return ModalityEntry{
		AET:                    aet,
		Host:                   host,
		Port:                   port,
		AllowEcho:              caps.Echo,
		AllowFind:              caps.Find,
		AllowFindWorklist:      caps.Find,
		AllowGet:               caps.Get,
		AllowMove:              caps.Move,
		AllowStore:             caps.Store,
		AllowStorageCommitment: caps.Store,
	}
}

// Peer is the body of PUT /peers/{name}
type Peer struct {
	Url      string `json:"Url"`
	Username string `json:"Username,omitempty"`
	Password string `json:"Password,omitempty"`
}

// EchoRequest is the body of POST /modalities/{id}/echo
type EchoRequest struct {
	CheckFind bool `json:"CheckFind"`
	Timeout   int  `json:"Timeout"`
}

// StoreRequest is the body of POST /modalities/{id}/store
type StoreRequest struct {
	Resources   []string `json:"Resources"`
	Synchronous bool     `json:"Synchronous"`
}
