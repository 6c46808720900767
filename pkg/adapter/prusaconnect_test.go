package adapter

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnlabs/kiln/pkg/types"
)

func newPrusaConnect(t *testing.T, url string) *PrusaConnect {
	t.Helper()
	p, err := NewPrusaConnect("p1", map[string]string{"host": url, "api_key": "test-key"}, ProfileFor("prusa_mk4"))
	require.NoError(t, err)
	return p
}

func prusaStatusBody(state string, jobID int64) string {
	return fmt.Sprintf(`{
		"printer": {"state": %q, "temp_nozzle": 215.3, "target_nozzle": 215.0, "temp_bed": 60.1, "target_bed": 60.0},
		"job": {"id": %d, "progress": 37.5, "time_remaining": 900, "time_printing": 500}
	}`, state, jobID)
}

func TestPrusaConnectGetState(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		fmt.Fprint(w, prusaStatusBody("PRINTING", 42))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	state, err := newPrusaConnect(t, srv.URL).GetState(context.Background())
	require.NoError(t, err)

	assert.True(t, state.Connected)
	assert.Equal(t, types.PrinterStatusPrinting, state.Status)
	require.NotNil(t, state.Hotend)
	assert.InDelta(t, 215.3, state.Hotend.Actual, 0.01)
	require.NotNil(t, state.Bed)
	assert.InDelta(t, 60.0, state.Bed.Target, 0.01)
}

func TestPrusaConnectGetStateUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	state, err := newPrusaConnect(t, url).GetState(context.Background())
	require.NoError(t, err)
	assert.False(t, state.Connected)
	assert.Equal(t, types.PrinterStatusOffline, state.Status)
}

func TestPrusaConnectGetJob(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/job", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"id": 42, "progress": 37.5, "time_remaining": 900, "time_printing": 500,
			"file": {"name": "BENCHY~1.GCO", "display_name": "benchy.gcode"}
		}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	progress, err := newPrusaConnect(t, srv.URL).GetJob(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "benchy.gcode", progress.FileName)
	require.NotNil(t, progress.Completion)
	assert.InDelta(t, 37.5, *progress.Completion, 0.01)
	require.NotNil(t, progress.TimeRemaining)
	assert.Equal(t, 900, *progress.TimeRemaining)
}

func TestPrusaConnectGetJobNoJob(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/job", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	progress, err := newPrusaConnect(t, srv.URL).GetJob(context.Background())
	require.NoError(t, err)
	assert.Empty(t, progress.FileName)
	assert.Nil(t, progress.Completion)
}

func TestPrusaConnectPauseResolvesJobID(t *testing.T) {
	var paused []string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, prusaStatusBody("PRINTING", 42))
	})
	mux.HandleFunc("/api/v1/job/42/pause", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		paused = append(paused, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	require.NoError(t, newPrusaConnect(t, srv.URL).PausePrint(context.Background()))
	assert.Equal(t, []string{"/api/v1/job/42/pause"}, paused)
}

func TestPrusaConnectCancelWithoutJob(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, prusaStatusBody("IDLE", 0))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := newPrusaConnect(t, srv.URL)

	err := p.CancelPrint(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))

	// An emergency stop on an idle printer has nothing to do.
	assert.NoError(t, p.EmergencyStop(context.Background()))
}

func TestPrusaConnectUnsupportedOperations(t *testing.T) {
	p := newPrusaConnect(t, "http://127.0.0.1:1")

	for _, err := range []error{
		p.SendGCode(context.Background(), []string{"G28"}),
		p.SetToolTemp(context.Background(), 200),
		p.SetBedTemp(context.Background(), 60),
		p.UpdateFirmware(context.Background(), ""),
	} {
		require.Error(t, err)
		assert.Equal(t, types.CodeUnsupported, types.CodeOf(err))
	}

	caps := p.Capabilities()
	assert.False(t, caps.CanSendGCode)
	assert.False(t, caps.CanSetTemp)
	assert.True(t, caps.CanUpload)
}

func TestStatusFromPrusa(t *testing.T) {
	tests := []struct {
		state string
		want  types.PrinterStatus
	}{
		{"IDLE", types.PrinterStatusIdle},
		{"READY", types.PrinterStatusIdle},
		{"FINISHED", types.PrinterStatusIdle},
		{"STOPPED", types.PrinterStatusIdle},
		{"PRINTING", types.PrinterStatusPrinting},
		{"PAUSED", types.PrinterStatusPaused},
		{"BUSY", types.PrinterStatusBusy},
		{"ERROR", types.PrinterStatusError},
		{"ATTENTION", types.PrinterStatusError},
		{"???", types.PrinterStatusUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFromPrusa(tt.state), "state=%s", tt.state)
	}
}
