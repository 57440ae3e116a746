// Package orthanctest provides an in-process fake Orthanc REST server for
// tests.
package orthanctest

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/orthancfleet/cockpit/pkg/orthanc"
)

// Server is a fake Orthanc instance backed by httptest
type Server struct {
	*httptest.Server

	mu         sync.Mutex
	system     orthanc.SystemInfo
	users      map[string]string
	modalities map[string]orthanc.ModalityEntry
	peers      map[string]orthanc.Peer
	instances  []string
	stored     map[string][]string
	unreach    map[string]bool
	failures   map[string]int
	requests   []string
	shutdown   bool
}

// NewServer starts a fake server answering to aet and accepting the given
// username/password
func NewServer(aet, username, password string) *Server {
	s := &Server{
		system:     orthanc.SystemInfo{Name: aet, DicomAet: aet, DicomPort: 4242, HttpPort: 8042, Version: "1.12.6"},
		users:      map[string]string{username: password},
		modalities: make(map[string]orthanc.ModalityEntry),
		peers:      make(map[string]orthanc.Peer),
		stored:     make(map[string][]string),
		unreach:    make(map[string]bool),
		failures:   make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Port returns the TCP port the fake listens on
func (s *Server) Port() int {
	u, _ := url.Parse(s.URL)
	_, port, _ := net.SplitHostPort(u.Host)
	p, _ := strconv.Atoi(port)
	return p
}

// SetSystem replaces the GET /system answer
func (s *Server) SetSystem(info orthanc.SystemInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.system = info
}

// AddUser accepts another credential
func (s *Server) AddUser(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = password
}

// SetInstances sets the ids returned by GET /instances
func (s *Server) SetInstances(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances = ids
}

// SetUnreachable makes echo to aet fail
func (s *Server) SetUnreachable(aet string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unreach[aet] = true
}

// FailOn makes requests with the given method whose path starts with
// prefix answer with status
func (s *Server) FailOn(method, prefix string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method+" "+prefix] = status
}

// Modality returns the stored entry for id
func (s *Server) Modality(id string) (orthanc.ModalityEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.modalities[id]
	return e, ok
}

// Modalities returns a copy of all modality entries
func (s *Server) Modalities() map[string]orthanc.ModalityEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]orthanc.ModalityEntry, len(s.modalities))
	for k, v := range s.modalities {
		out[k] = v
	}
	return out
}

// Peer returns the stored peer for name
func (s *Server) Peer(name string) (orthanc.Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[name]
	return p, ok
}

// Stored returns the resources sent to a modality through /store
func (s *Server) Stored(aet string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stored[aet]...)
}

// ShutdownRequested reports whether POST /tools/shutdown was received
func (s *Server) ShutdownRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// Requests returns "METHOD /path" for every authenticated request
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, pass, ok := r.BasicAuth()
	if !ok || s.users[user] != pass || pass == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	s.requests = append(s.requests, r.Method+" "+r.URL.Path)

	for key, status := range s.failures {
		method, prefix, _ := strings.Cut(key, " ")
		if r.Method == method && strings.HasPrefix(r.URL.Path, prefix) {
			w.WriteHeader(status)
			return
		}
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/system":
		writeJSON(w, s.system)

	case r.Method == http.MethodGet && r.URL.Path == "/instances":
		ids := s.instances
		if ids == nil {
			ids = []string{}
		}
		writeJSON(w, ids)

	case r.Method == http.MethodPost && r.URL.Path == "/tools/shutdown":
		s.shutdown = true
		writeJSON(w, map[string]string{})

	case parts[0] == "modalities" && len(parts) == 2 && r.Method == http.MethodPut:
		var entry orthanc.ModalityEntry
		if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.modalities[parts[1]] = entry
		writeJSON(w, map[string]string{})

	case parts[0] == "modalities" && len(parts) == 2 && r.Method == http.MethodDelete:
		if _, ok := s.modalities[parts[1]]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(s.modalities, parts[1])
		writeJSON(w, map[string]string{})

	case parts[0] == "modalities" && len(parts) == 3 && parts[2] == "echo" && r.Method == http.MethodPost:
		if _, ok := s.modalities[parts[1]]; !ok || s.unreach[parts[1]] {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{})

	case parts[0] == "modalities" && len(parts) == 3 && parts[2] == "store" && r.Method == http.MethodPost:
		if _, ok := s.modalities[parts[1]]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req orthanc.StoreRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.stored[parts[1]] = append(s.stored[parts[1]], req.Resources...)
		writeJSON(w, map[string]interface{}{"InstancesCount": len(req.Resources)})

	case parts[0] == "peers" && len(parts) == 2 && r.Method == http.MethodPut:
		var peer orthanc.Peer
		if err := json.NewDecoder(r.Body).Decode(&peer); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.peers[parts[1]] = peer
		writeJSON(w, map[string]string{})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
