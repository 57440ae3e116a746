package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth() {
	healthChecker = newHealthChecker()
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		wantStatus string
	}{
		{"no components", map[string]bool{}, "healthy"},
		{"all healthy", map[string]bool{"store": true, "fleet": true}, "healthy"},
		{"one unhealthy", map[string]bool{"store": true, "fleet": false}, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth()
			for name, ok := range tt.components {
				UpdateComponent(name, ok, "docker unreachable")
			}

			health := GetHealth()
			assert.Equal(t, tt.wantStatus, health.Status)
			assert.Len(t, health.Components, len(tt.components))
		})
	}
}

func TestGetHealthMessage(t *testing.T) {
	resetHealth()
	SetVersion("1.2.3")
	UpdateComponent(ComponentFleet, false, "docker unreachable")

	health := GetHealth()
	assert.Equal(t, "unhealthy: docker unreachable", health.Components[ComponentFleet])
	assert.Equal(t, "1.2.3", health.Version)
}

func TestGetReadiness(t *testing.T) {
	tests := []struct {
		name        string
		setup       func()
		wantStatus  string
		wantMessage string
	}{
		{
			name: "all critical ready",
			setup: func() {
				UpdateComponent(ComponentStore, true, "")
				UpdateComponent(ComponentFleet, true, "")
				UpdateComponent(ComponentReconciler, true, "")
			},
			wantStatus: "ready",
		},
		{
			name: "reconciler missing",
			setup: func() {
				UpdateComponent(ComponentStore, true, "")
				UpdateComponent(ComponentFleet, true, "")
			},
			wantStatus:  "not_ready",
			wantMessage: "waiting for reconciler",
		},
		{
			name: "fleet unhealthy",
			setup: func() {
				UpdateComponent(ComponentStore, true, "")
				UpdateComponent(ComponentFleet, false, "no swarm")
				UpdateComponent(ComponentReconciler, true, "")
			},
			wantStatus:  "not_ready",
			wantMessage: "waiting for fleet",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth()
			tt.setup()

			r := GetReadiness()
			assert.Equal(t, tt.wantStatus, r.Status)
			assert.Equal(t, tt.wantMessage, r.Message)
		})
	}
}

func TestServeMux(t *testing.T) {
	resetHealth()
	UpdateComponent(ComponentStore, true, "")

	mux := NewServeMux()

	tests := []struct {
		path     string
		wantCode int
	}{
		{"/health", http.StatusOK},
		{"/ready", http.StatusServiceUnavailable},
		{"/live", http.StatusOK},
		{"/metrics", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.wantCode, w.Code)
		})
	}
}

func TestReadyHandlerBody(t *testing.T) {
	resetHealth()
	UpdateComponent(ComponentStore, true, "")
	UpdateComponent(ComponentFleet, true, "")
	UpdateComponent(ComponentReconciler, true, "")

	w := httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, "ready", body.Components[ComponentReconciler])
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "success", Outcome(nil))
	assert.Equal(t, "failure", Outcome(http.ErrHandlerTimeout))
}
