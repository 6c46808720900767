package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/kilnlabs/kiln/pkg/types"
)

// ReadOnlyMiddleware refuses every mutating tool before it reaches the
// dispatcher. Used for observation-only deployments where agents may
// inspect the fleet but never drive hardware or the queue.
func ReadOnlyMiddleware(logger zerolog.Logger) server.ToolHandlerMiddleware {
	return func(next server.ToolHandlerFunc) server.ToolHandlerFunc {
		return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			name := req.Params.Name
			if isReadOnlyTool(name) {
				return next(ctx, req)
			}

			logger.Warn().Str("tool", name).Msg("Mutating tool refused in read-only mode")
			env := map[string]any{
				"success": false,
				"error": map[string]any{
					"code":      string(types.CodePermissionError),
					"message":   fmt.Sprintf("%s is not available in read-only mode", name),
					"retryable": false,
				},
			}
			payload, _ := json.Marshal(env)
			return mcp.NewToolResultError(string(payload)), nil
		}
	}
}

// isReadOnlyTool reports whether a tool only observes state. The
// catalogue's naming keeps this decidable by shape, with a short list
// of exceptions.
func isReadOnlyTool(name string) bool {
	for _, prefix := range []string{"list_", "check_", "validate_", "preflight_"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	for _, suffix := range []string{"_status", "_history", "_summary"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}

	switch name {
	case "printer_files",
		"printer_snapshot",
		"recent_events",
		"safety_audit",
		"plan_recovery",
		"await_print_completion":
		return true
	}
	return false
}
