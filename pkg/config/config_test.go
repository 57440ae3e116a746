package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/orthancfleet/cockpit/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cockpit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
store:
  path: /var/lib/cockpit
security:
  shared_secret: s3cret
  admin_password: adminpw
fleet:
  orthanc_image: orthancteam/orthanc:25.1.0
  volume_busy_retry: 2s
reconciler:
  interval: 1m
log:
  level: debug
  json: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/cockpit", cfg.Store.Path)
	assert.Equal(t, "admin", cfg.Security.AdminUsername)
	assert.Equal(t, "docker", cfg.Fleet.DockerBinary)
	assert.Equal(t, "orthancteam/orthanc:25.1.0", cfg.Fleet.OrthancImage)
	assert.Equal(t, 2*time.Second, cfg.Fleet.VolumeBusyRetry)
	assert.Equal(t, time.Minute, cfg.Reconciler.Interval)
	assert.Equal(t, 3*time.Second, cfg.Orthanc.ProbeTimeout)
	assert.Equal(t, 5*time.Second, cfg.Orthanc.DeleteTimeout)

	assert.Equal(t, log.Config{Level: log.DebugLevel, JSONOutput: true}, cfg.Logging())
	assert.Equal(t, "orthancteam/orthanc:25.1.0", cfg.Swarm().Image)

	lc := cfg.Lifecycle()
	assert.Equal(t, "admin", lc.AdminUsername)
	assert.Equal(t, "adminpw", lc.AdminPassword)
	assert.Equal(t, 2*time.Second, lc.VolumeBusyRetry)
	assert.Equal(t, time.Second, lc.HealthPollInterval)
	assert.Equal(t, 8042, lc.TargetPortWeb)

	assert.Nil(t, cfg.Limiter())
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
security:
  shared_secret: from-file
  admin_password: adminpw
`)
	t.Setenv("COCKPIT_SECURITY_SHARED_SECRET", "from-env")
	t.Setenv("COCKPIT_ORTHANC_REQUESTS_PER_SECOND", "20")
	t.Setenv("COCKPIT_METRICS_ADDR", ":9191")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Security.SharedSecret)
	assert.Equal(t, ":9191", cfg.Metrics.Addr)
	require.NotNil(t, cfg.Limiter())
	assert.Equal(t, 20, cfg.Limiter().Burst())
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "missing shared secret",
			body: "security:\n  admin_password: adminpw\n",
		},
		{
			name: "missing admin password",
			body: "security:\n  shared_secret: s\n",
		},
		{
			name: "unknown log level",
			body: "security:\n  shared_secret: s\n  admin_password: p\nlog:\n  level: loud\n",
		},
		{
			name: "zero reconciliation interval",
			body: "security:\n  shared_secret: s\n  admin_password: p\nreconciler:\n  interval: 0s\n",
		},
		{
			name: "malformed yaml",
			body: "security: [\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("COCKPIT_SECURITY_SHARED_SECRET", "s")
	t.Setenv("COCKPIT_SECURITY_ADMIN_PASSWORD", "p")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "./cockpit-data", cfg.Store.Path)
	assert.Equal(t, 30*time.Second, cfg.Reconciler.Interval)
}
