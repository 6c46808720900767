package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnlabs/kiln/pkg/types"
)

func newOctoPrint(t *testing.T, url string) *OctoPrint {
	t.Helper()
	o, err := NewOctoPrint("p1", map[string]string{"host": url, "api_key": "test-key"}, ProfileFor("prusa_mk3"))
	require.NoError(t, err)
	return o
}

func TestOctoPrintGetState(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/printer", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		fmt.Fprint(w, `{
			"state": {"text": "Printing", "flags": {"operational": true, "printing": true}},
			"temperature": {
				"tool0": {"actual": 210.4, "target": 215.0},
				"bed": {"actual": 60.2, "target": 60.0}
			}
		}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	o := newOctoPrint(t, srv.URL)
	state, err := o.GetState(context.Background())
	require.NoError(t, err)

	assert.True(t, state.Connected)
	assert.Equal(t, types.PrinterStatusPrinting, state.Status)
	require.NotNil(t, state.Hotend)
	assert.InDelta(t, 210.4, state.Hotend.Actual, 0.01)
	require.NotNil(t, state.Bed)
	assert.InDelta(t, 60.0, state.Bed.Target, 0.01)
}

func TestOctoPrintGetStateServerUpPrinterDown(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/printer", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, "Printer is not operational")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	state, err := newOctoPrint(t, srv.URL).GetState(context.Background())
	require.NoError(t, err)
	assert.True(t, state.Connected)
	assert.Equal(t, types.PrinterStatusOffline, state.Status)
}

func TestOctoPrintGetStateUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	state, err := newOctoPrint(t, url).GetState(context.Background())
	require.NoError(t, err)
	assert.False(t, state.Connected)
	assert.Equal(t, types.PrinterStatusOffline, state.Status)
}

func TestOctoPrintGetJob(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/job", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"job": {"file": {"name": "benchy.gcode"}},
			"progress": {"completion": 42.5, "printTime": 600, "printTimeLeft": 800}
		}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	progress, err := newOctoPrint(t, srv.URL).GetJob(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "benchy.gcode", progress.FileName)
	require.NotNil(t, progress.Completion)
	assert.InDelta(t, 42.5, *progress.Completion, 0.01)
	require.NotNil(t, progress.TimeElapsed)
	assert.Equal(t, 600, *progress.TimeElapsed)
	require.NotNil(t, progress.TimeRemaining)
	assert.Equal(t, 800, *progress.TimeRemaining)
}

func TestOctoPrintListFilesFlattensFolders(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/files/local", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"files": [
			{"name": "benchy.gcode", "path": "benchy.gcode", "type": "machinecode", "size": 1000},
			{"name": "parts", "path": "parts", "type": "folder", "children": [
				{"name": "bracket.gcode", "path": "parts/bracket.gcode", "type": "machinecode", "size": 2000}
			]}
		]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	files, err := newOctoPrint(t, srv.URL).ListFiles(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "benchy.gcode", files[0].Name)
	assert.Equal(t, "parts/bracket.gcode", files[1].Path)
	require.NotNil(t, files[1].Size)
	assert.Equal(t, int64(2000), *files[1].Size)
}

func TestOctoPrintStartPrint(t *testing.T) {
	var got map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/api/files/local/benchy.gcode", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	require.NoError(t, newOctoPrint(t, srv.URL).StartPrint(context.Background(), "benchy.gcode"))
	assert.Equal(t, "select", got["command"])
	assert.Equal(t, true, got["print"])
}

func TestOctoPrintPauseResumeCancel(t *testing.T) {
	var commands []map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/api/job", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		commands = append(commands, body)
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	o := newOctoPrint(t, srv.URL)
	ctx := context.Background()
	require.NoError(t, o.PausePrint(ctx))
	require.NoError(t, o.ResumePrint(ctx))
	require.NoError(t, o.CancelPrint(ctx))

	require.Len(t, commands, 3)
	assert.Equal(t, map[string]any{"command": "pause", "action": "pause"}, commands[0])
	assert.Equal(t, map[string]any{"command": "pause", "action": "resume"}, commands[1])
	assert.Equal(t, map[string]any{"command": "cancel"}, commands[2])
}

func TestOctoPrintSetToolTempValidatesBeforeSending(t *testing.T) {
	hit := false
	mux := http.NewServeMux()
	mux.HandleFunc("/api/printer/tool", func(w http.ResponseWriter, r *http.Request) {
		hit = true
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	o := newOctoPrint(t, srv.URL)

	// prusa_mk3 hotend ceiling is 300.
	err := o.SetToolTemp(context.Background(), 301)
	require.Error(t, err)
	assert.Equal(t, types.CodeValidationError, types.CodeOf(err))
	assert.False(t, hit, "rejected target must not reach the printer")

	require.NoError(t, o.SetToolTemp(context.Background(), 300))
	assert.True(t, hit)
}

func TestOctoPrintEmergencyStopSendsM112(t *testing.T) {
	var got map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/api/printer/command", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	require.NoError(t, newOctoPrint(t, srv.URL).EmergencyStop(context.Background()))
	assert.Equal(t, []any{"M112"}, got["commands"])
}

func TestStatusFromOctoFlags(t *testing.T) {
	tests := []struct {
		name  string
		flags octoStateFlags
		want  types.PrinterStatus
	}{
		{"idle", octoStateFlags{Operational: true}, types.PrinterStatusIdle},
		{"printing", octoStateFlags{Operational: true, Printing: true}, types.PrinterStatusPrinting},
		{"paused", octoStateFlags{Operational: true, Paused: true}, types.PrinterStatusPaused},
		{"pausing", octoStateFlags{Operational: true, Printing: true, Pausing: true}, types.PrinterStatusPaused},
		{"cancelling", octoStateFlags{Operational: true, Cancelling: true}, types.PrinterStatusCancelling},
		{"error", octoStateFlags{Error: true}, types.PrinterStatusError},
		{"closed", octoStateFlags{ClosedOrError: true}, types.PrinterStatusError},
		{"nothing", octoStateFlags{}, types.PrinterStatusUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFromOctoFlags(tt.flags))
		})
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	build := func(code int, body string) *http.Response {
		return &http.Response{
			StatusCode: code,
			Status:     fmt.Sprintf("%d status", code),
			Body:       io.NopCloser(strings.NewReader(body)),
		}
	}

	assert.NoError(t, classifyHTTPStatus(build(200, ""), "octoprint"))
	assert.NoError(t, classifyHTTPStatus(build(204, ""), "octoprint"))

	err := classifyHTTPStatus(build(401, "bad key"), "octoprint")
	assert.Equal(t, types.CodeAuthError, types.CodeOf(err))

	err = classifyHTTPStatus(build(404, "nope"), "octoprint")
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))

	err = classifyHTTPStatus(build(409, "not operational"), "octoprint")
	assert.Equal(t, types.CodeConflict, types.CodeOf(err))

	err = classifyHTTPStatus(build(500, "boom"), "octoprint")
	assert.Equal(t, types.CodeError, types.CodeOf(err))
	assert.Contains(t, err.Error(), "boom")
}
