package artifact

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/orthancfleet/cockpit/pkg/orthanc"
	"github.com/orthancfleet/cockpit/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestName(t *testing.T) {
	assert.Equal(t, "abc_V1", Name("abc", 1))
	assert.Equal(t, "abc_V12", Name("abc", 12))
}

func TestRender(t *testing.T) {
	server := &types.Server{
		NodeBase:        types.NodeBase{UUID: "u1", AET: "ORTHANC_A"},
		DisplayName:     "orthanc-a",
		TargetPortWeb:   8042,
		TargetPortDicom: 4242,
	}

	data, err := Render(Spec{
		Server: server,
		Users:  map[string]string{"admin": "secret"},
		Modalities: map[string]orthanc.ModalityEntry{
			"CT_1": orthanc.NewModalityEntry("CT_1", "10.0.0.9", 104, types.Capabilities{Store: true}),
		},
		Peers:   map[string]orthanc.Peer{"ORTHANC_B": {Url: "http://10.0.0.2:8042"}},
		DataDir: "/var/lib/orthanc/db",
	})
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))

	assert.Equal(t, "orthanc-a", raw["Name"])
	assert.Equal(t, "ORTHANC_A", raw["DicomAet"])
	assert.EqualValues(t, 4242, raw["DicomPort"])
	assert.EqualValues(t, 8042, raw["HttpPort"])
	assert.Equal(t, true, raw["AuthenticationEnabled"])
	assert.Equal(t, true, raw["RemoteAccessAllowed"])
	for _, k := range []string{"DicomAlwaysAllowEcho", "DicomAlwaysAllowFind", "DicomAlwaysAllowGet", "DicomAlwaysAllowMove", "DicomAlwaysAllowStore"} {
		assert.Equal(t, false, raw[k], k)
	}
	assert.Equal(t, map[string]interface{}{"admin": "secret"}, raw["RegisteredUsers"])

	mods := raw["DicomModalities"].(map[string]interface{})
	ct := mods["CT_1"].(map[string]interface{})
	assert.Equal(t, "10.0.0.9", ct["Host"])
	assert.Equal(t, true, ct["AllowStore"])
	assert.Equal(t, false, ct["AllowEcho"])

	peers := raw["OrthancPeers"].(map[string]interface{})
	assert.Contains(t, peers, "ORTHANC_B")
}

func TestRenderEmptyCollections(t *testing.T) {
	cfg, err := Build(Spec{
		Server: &types.Server{NodeBase: types.NodeBase{AET: "A"}},
		Users:  map[string]string{"admin": "x"},
	})
	require.NoError(t, err)
	assert.NotNil(t, cfg.DicomModalities)
	assert.NotNil(t, cfg.OrthancPeers)
}

func TestRenderRequiresUsers(t *testing.T) {
	_, err := Render(Spec{Server: &types.Server{NodeBase: types.NodeBase{AET: "A"}}})
	assert.True(t, errors.Is(err, types.ErrValidation))

	_, err = Render(Spec{})
	assert.True(t, errors.Is(err, types.ErrValidation))
}
