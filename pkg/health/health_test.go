package health

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/orthancfleet/cockpit/pkg/orthanc"
	"github.com/orthancfleet/cockpit/pkg/orthanc/orthanctest"
	"github.com/orthancfleet/cockpit/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemChecker(t *testing.T) {
	fake := orthanctest.NewServer("ORTHANC_A", "admin", "secret")
	defer fake.Close()

	tests := []struct {
		name     string
		password string
		healthy  bool
	}{
		{"valid credential", "secret", true},
		{"invalid credential", "nope", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewSystemChecker(orthanc.NewClient(fake.URL, "admin", tt.password))
			result := checker.Check(context.Background())

			assert.Equal(t, tt.healthy, result.Healthy, result.Message)
			assert.Equal(t, CheckTypeSystem, checker.Type())
			if tt.healthy {
				require.NotNil(t, checker.Info)
				assert.Equal(t, "ORTHANC_A", checker.Info.DicomAet)
				assert.Equal(t, types.StatusUp, result.Status())
			} else {
				assert.Equal(t, types.StatusDown, result.Status())
			}
		})
	}
}

func TestSystemCheckerUnreachable(t *testing.T) {
	fake := orthanctest.NewServer("ORTHANC_A", "admin", "secret")
	fake.Close()

	checker := NewSystemChecker(orthanc.NewClient(fake.URL, "admin", "secret")).
		WithTimeout(200 * time.Millisecond)
	result := checker.Check(context.Background())

	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "system probe failed")
}

func TestEchoChecker(t *testing.T) {
	fake := orthanctest.NewServer("ORTHANC_A", "admin", "secret")
	defer fake.Close()

	ctx := context.Background()
	client := orthanc.NewClient(fake.URL, "admin", "secret")
	require.NoError(t, client.PutModality(ctx, "CT_1", orthanc.ModalityEntry{AET: "CT_1"}))
	require.NoError(t, client.PutModality(ctx, "MR_1", orthanc.ModalityEntry{AET: "MR_1"}))
	fake.SetUnreachable("MR_1")

	assert.True(t, NewEchoChecker(client, "CT_1").Check(ctx).Healthy)
	assert.False(t, NewEchoChecker(client, "MR_1").Check(ctx).Healthy)
	assert.False(t, NewEchoChecker(client, "UNKNOWN").Check(ctx).Healthy)
}

func TestEchoCheckerServerError(t *testing.T) {
	fake := orthanctest.NewServer("ORTHANC_A", "admin", "secret")
	defer fake.Close()
	fake.FailOn(http.MethodPost, "/modalities/", http.StatusInternalServerError)

	checker := NewEchoChecker(orthanc.NewClient(fake.URL, "admin", "secret"), "CT_1")
	result := checker.Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Equal(t, CheckTypeEcho, checker.Type())
}
