package api

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnlabs/kiln/pkg/adapter"
	"github.com/kilnlabs/kiln/pkg/config"
	"github.com/kilnlabs/kiln/pkg/events"
	"github.com/kilnlabs/kiln/pkg/fleet"
	"github.com/kilnlabs/kiln/pkg/health"
	"github.com/kilnlabs/kiln/pkg/recovery"
	"github.com/kilnlabs/kiln/pkg/safety"
	"github.com/kilnlabs/kiln/pkg/storage"
	"github.com/kilnlabs/kiln/pkg/tools"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	store := storage.NewMemoryStore()
	registry := adapter.NewRegistry()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	orch, err := fleet.NewOrchestrator(store, registry, broker)
	require.NoError(t, err)

	cfg := &config.Config{
		Monitor: config.MonitorConfig{
			CheckCount:     10,
			Interval:       10 * time.Millisecond,
			DriftThreshold: 5.0,
		},
	}
	monitor := health.NewManager(registry, broker, store, cfg.MonitorPolicy(), 24)
	t.Cleanup(monitor.StopAll)

	d := tools.NewDispatcher(tools.Deps{
		Config:       cfg,
		Store:        store,
		Registry:     registry,
		Orchestrator: orch,
		Gate:         safety.NewGate(safety.Config{}, store, broker),
		Broker:       broker,
		Monitor:      monitor,
		Recovery:     recovery.NewPlanner(store, 3),
	})
	return NewServer(d, Options{Version: "test"})
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultEnvelope(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", result.Content[0])

	var env map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &env))
	return env
}

// TestHandleSuccessEnvelope tests that a passing call returns the
// envelope as a plain text result
func TestHandleSuccessEnvelope(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handle("safety_status")(context.Background(), callRequest("safety_status", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	env := resultEnvelope(t, result)
	assert.Equal(t, true, env["success"])
}

// TestHandleFailureEnvelope tests that a failing call is flagged as an
// MCP error with the envelope intact
func TestHandleFailureEnvelope(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handle("job_status")(context.Background(),
		callRequest("job_status", map[string]any{"job_id": "ghost"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	env := resultEnvelope(t, result)
	assert.Equal(t, false, env["success"])
	errObj, ok := env["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "NOT_FOUND", errObj["code"])
}

// TestDeclareSchema tests catalogue-to-schema conversion, including the
// gating parameters added to non-safe tools
func TestDeclareSchema(t *testing.T) {
	tool := &tools.Tool{
		Name:        "start_print",
		Description: "Start a print",
		Params: []tools.Param{
			{Name: "file_name", Type: "string", Required: true, Description: "File to print"},
			{Name: "progress", Type: "number"},
			{Name: "state", Type: "object"},
		},
	}

	schema := declare(tool)
	assert.Equal(t, "start_print", schema.Name)
	assert.Equal(t, "object", schema.InputSchema.Type)
	for _, name := range []string{"file_name", "progress", "state", "dry_run", "auth_token"} {
		assert.Contains(t, schema.InputSchema.Properties, name)
	}
	assert.Equal(t, []string{"file_name"}, schema.InputSchema.Required)
}

// TestDeclareSafeToolOmitsGatingParams tests that read-only tools keep
// a clean schema
func TestDeclareSafeToolOmitsGatingParams(t *testing.T) {
	tool := &tools.Tool{
		Name:        "printer_status",
		Description: "Printer state",
		Params:      []tools.Param{{Name: "printer_id", Type: "string"}},
	}

	schema := declare(tool)
	assert.NotContains(t, schema.InputSchema.Properties, "dry_run")
	assert.NotContains(t, schema.InputSchema.Properties, "auth_token")
}

// TestReadOnlyToolFilter tests the read-only classification by name
func TestReadOnlyToolFilter(t *testing.T) {
	readOnly := []string{
		"printer_status", "fleet_status", "job_status", "firmware_status",
		"monitoring_status", "safety_status", "queue_summary", "job_history",
		"health_history", "check_health", "validate_gcode", "preflight_check",
		"list_checkpoints", "list_materials", "printer_files",
		"printer_snapshot", "recent_events", "safety_audit", "plan_recovery",
		"await_print_completion",
	}
	for _, name := range readOnly {
		assert.True(t, isReadOnlyTool(name), "%s should pass in read-only mode", name)
	}

	mutating := []string{
		"start_print", "cancel_print", "send_gcode", "set_temperature",
		"upload_file", "delete_file", "emergency_stop", "submit_job",
		"assign_job", "cancel_job", "register_printer", "start_monitoring",
		"stop_monitoring", "save_checkpoint", "execute_recovery",
		"confirm_action", "set_loaded_material",
	}
	for _, name := range mutating {
		assert.False(t, isReadOnlyTool(name), "%s must be refused in read-only mode", name)
	}
}

// TestReadOnlyMiddleware tests that the middleware short-circuits
// mutations and passes reads through
func TestReadOnlyMiddleware(t *testing.T) {
	nextCalls := 0
	next := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		nextCalls++
		return mcp.NewToolResultText(`{"success":true}`), nil
	}
	wrapped := ReadOnlyMiddleware(zerolog.Nop())(next)

	result, err := wrapped(context.Background(), callRequest("start_print", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Zero(t, nextCalls)

	env := resultEnvelope(t, result)
	errObj := env["error"].(map[string]any)
	assert.Equal(t, "PERMISSION_ERROR", errObj["code"])

	result, err = wrapped(context.Background(), callRequest("fleet_status", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, 1, nextCalls)
}
