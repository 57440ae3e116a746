package topology

import (
	"fmt"
	"sort"

	"github.com/orthancfleet/cockpit/pkg/security"
	"github.com/orthancfleet/cockpit/pkg/storage"
	"github.com/orthancfleet/cockpit/pkg/types"
)

// UserView is a credential as shown to operators
type UserView struct {
	UserID   string                `json:"userId"`
	Username string                `json:"username"`
	Password string                `json:"password"` // masked
	State    types.CredentialState `json:"state"`
}

// ServerView is a server joined with its host address, users and tags
type ServerView struct {
	*types.Server
	HostIP string       `json:"hostIp,omitempty"`
	Users  []UserView   `json:"users"`
	Tags   []*types.Tag `json:"tags"`
}

// ModalityView is a modality joined with its tags
type ModalityView struct {
	*types.Modality
	Tags []*types.Tag `json:"tags"`
}

// NodeRef identifies one end of an edge
type NodeRef struct {
	UUID string         `json:"uuid"`
	AET  string         `json:"aet"`
	Kind types.NodeKind `json:"kind"`
}

// EdgeView is a connection joined with both endpoints
type EdgeView struct {
	ID     string           `json:"id"`
	From   NodeRef          `json:"from"`
	To     NodeRef          `json:"to"`
	Status types.NodeStatus `json:"status"`
	types.Capabilities
}

// Network is the whole graph as drawn by a client
type Network struct {
	Servers    []ServerView   `json:"servers"`
	Modalities []ModalityView `json:"modalities"`
	Hosts      []*types.Host  `json:"hosts"`
	Edges      []EdgeView     `json:"edges"`
	Tags       []*types.Tag   `json:"tags"`
}

// Viewer builds read models. Passwords are decrypted only to be masked.
type Viewer struct {
	cipher *security.Cipher
}

// NewViewer creates a viewer using cipher to unmask the first password
// character
func NewViewer(cipher *security.Cipher) *Viewer {
	return &Viewer{cipher: cipher}
}

// Server returns the view of one server
func (v *Viewer) Server(tx storage.Tx, uuid string) (*ServerView, error) {
	server, err := tx.GetServer(uuid)
	if err != nil {
		return nil, err
	}
	return v.serverView(tx, server)
}

func (v *Viewer) serverView(tx storage.Tx, server *types.Server) (*ServerView, error) {
	view := &ServerView{Server: server, Users: []UserView{}}

	if server.IsRemote {
		view.HostIP = server.RemoteIP
	} else if host, err := ResolveHost(tx, server.HostName); err == nil {
		view.HostIP = host.IP
	}

	links, err := tx.UserLinks(server.UUID)
	if err != nil {
		return nil, err
	}
	for _, link := range links {
		user, err := tx.GetUser(link.UserID)
		if err != nil {
			return nil, err
		}
		masked := ""
		if plain, err := v.cipher.Decrypt(user.Password); err == nil {
			masked = security.Mask(plain)
		}
		view.Users = append(view.Users, UserView{
			UserID:   user.UserID,
			Username: user.Username,
			Password: masked,
			State:    link.State,
		})
	}

	tags, err := tx.TagsOf(server.UUID)
	if err != nil {
		return nil, err
	}
	view.Tags = tags
	return view, nil
}

// Servers returns every server view ordered by AET
func (v *Viewer) Servers(tx storage.Tx) ([]ServerView, error) {
	servers, err := tx.ListServers()
	if err != nil {
		return nil, err
	}
	views := make([]ServerView, 0, len(servers))
	for _, s := range servers {
		view, err := v.serverView(tx, s)
		if err != nil {
			return nil, err
		}
		views = append(views, *view)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].AET < views[j].AET })
	return views, nil
}

// Edges returns every connection joined with its endpoints
func Edges(tx storage.Tx) ([]EdgeView, error) {
	conns, err := tx.ListConnections()
	if err != nil {
		return nil, err
	}
	views := make([]EdgeView, 0, len(conns))
	for _, c := range conns {
		view, err := edgeView(tx, c)
		if err != nil {
			return nil, err
		}
		views = append(views, *view)
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].From.AET != views[j].From.AET {
			return views[i].From.AET < views[j].From.AET
		}
		return views[i].To.AET < views[j].To.AET
	})
	return views, nil
}

func edgeView(tx storage.Tx, c *types.Connection) (*EdgeView, error) {
	from, err := tx.GetNode(c.FromUUID)
	if err != nil {
		return nil, fmt.Errorf("connection %s: %w", c.ID, err)
	}
	to, err := tx.GetNode(c.ToUUID)
	if err != nil {
		return nil, fmt.Errorf("connection %s: %w", c.ID, err)
	}
	return &EdgeView{
		ID:           c.ID,
		From:         NodeRef{UUID: c.FromUUID, AET: from.Meta().AET, Kind: from.Kind()},
		To:           NodeRef{UUID: c.ToUUID, AET: to.Meta().AET, Kind: to.Kind()},
		Status:       c.Status,
		Capabilities: c.Capabilities,
	}, nil
}

// Network returns the whole graph
func (v *Viewer) Network(tx storage.Tx) (*Network, error) {
	servers, err := v.Servers(tx)
	if err != nil {
		return nil, err
	}

	modalities, err := tx.ListModalities()
	if err != nil {
		return nil, err
	}
	modViews := make([]ModalityView, 0, len(modalities))
	for _, m := range modalities {
		tags, err := tx.TagsOf(m.UUID)
		if err != nil {
			return nil, err
		}
		modViews = append(modViews, ModalityView{Modality: m, Tags: tags})
	}
	sort.Slice(modViews, func(i, j int) bool { return modViews[i].AET < modViews[j].AET })

	hosts, err := tx.ListHosts()
	if err != nil {
		return nil, err
	}
	edges, err := Edges(tx)
	if err != nil {
		return nil, err
	}
	tags, err := tx.ListTags()
	if err != nil {
		return nil, err
	}

	return &Network{
		Servers:    servers,
		Modalities: modViews,
		Hosts:      hosts,
		Edges:      edges,
		Tags:       tags,
	}, nil
}
