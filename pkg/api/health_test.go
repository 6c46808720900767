package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnlabs/kiln/pkg/metrics"
	"github.com/kilnlabs/kiln/pkg/storage"
)

// TestProbeMarksStorageHealthy tests that a working store satisfies the
// readiness check
func TestProbeMarksStorageHealthy(t *testing.T) {
	probe := NewProbe(storage.NewMemoryStore(), time.Hour)
	probe.Start()
	defer probe.Stop()

	metrics.RegisterComponent("api", true, "")

	readiness := metrics.GetReadiness()
	assert.Equal(t, "ready", readiness.Status)
	assert.Equal(t, "ready", readiness.Components["storage"])
}

// TestProbeDefaultInterval tests the interval fallback
func TestProbeDefaultInterval(t *testing.T) {
	probe := NewProbe(storage.NewMemoryStore(), 0)
	assert.Equal(t, DefaultProbeInterval, probe.interval)
}

// TestHealthEndpoints tests the HTTP operational surface the MCP
// listener carries
func TestHealthEndpoints(t *testing.T) {
	metrics.RegisterComponent("api", true, "")
	metrics.RegisterComponent("storage", true, "")

	mux := http.NewServeMux()
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	mux.Handle("/metrics", metrics.Handler())

	for _, path := range []string{"/health", "/ready", "/live", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, "path %s", path)
	}
}
