package api

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/kilnlabs/kiln/pkg/log"
	"github.com/kilnlabs/kiln/pkg/metrics"
	"github.com/kilnlabs/kiln/pkg/tools"
	"github.com/kilnlabs/kiln/pkg/types"
)

const instructions = `Kiln manages a fleet of FDM 3D printers. Every tool returns a JSON
envelope: success payloads carry "success": true, failures carry an
"error" object with a code and a retryable flag. A mutating tool may
come back with "confirmation_required" and a one-shot token instead of
a result; pass the token to confirm_action to execute it. Calls that
omit printer_id resolve to the only registered printer.`

// Options configures the MCP server surface.
type Options struct {
	// Version is reported to clients during initialize.
	Version string

	// ReadOnly refuses every mutating tool, for observation-only
	// deployments.
	ReadOnly bool
}

// Server exposes the tool catalogue over MCP, on stdio or HTTP. The
// HTTP listener also carries the process health and metrics endpoints.
type Server struct {
	mcp        *server.MCPServer
	dispatcher *tools.Dispatcher
	http       *http.Server
	logger     zerolog.Logger
}

// NewServer builds the MCP server and publishes every dispatcher tool
// on it.
func NewServer(d *tools.Dispatcher, opts Options) *Server {
	logger := log.WithComponent("api")
	if opts.Version == "" {
		opts.Version = "dev"
	}

	hooks := &server.Hooks{}
	hooks.AddBeforeInitialize(func(ctx context.Context, id any, message *mcp.InitializeRequest) {
		if message == nil {
			return
		}
		ci := message.Params.ClientInfo
		logger.Info().
			Str("client", ci.Name).
			Str("client_version", ci.Version).
			Str("protocol", message.Params.ProtocolVersion).
			Msg("Client initialized")
	})

	serverOpts := []server.ServerOption{
		server.WithToolCapabilities(false),
		server.WithInstructions(instructions),
		server.WithHooks(hooks),
		server.WithRecovery(),
	}
	if opts.ReadOnly {
		serverOpts = append(serverOpts, server.WithToolHandlerMiddleware(ReadOnlyMiddleware(logger)))
	}

	s := &Server{
		mcp:        server.NewMCPServer("kiln", opts.Version, serverOpts...),
		dispatcher: d,
		logger:     logger,
	}
	for _, tool := range d.Tools() {
		s.mcp.AddTool(declare(tool), s.handle(tool.Name))
	}

	metrics.RegisterComponent("api", true, "")
	return s
}

// declare converts a catalogue entry into its MCP schema. Gated tools
// additionally accept dry_run and auth_token.
func declare(t *tools.Tool) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(t.Description)}
	for _, p := range t.Params {
		var popts []mcp.PropertyOption
		if p.Required {
			popts = append(popts, mcp.Required())
		}
		if p.Description != "" {
			popts = append(popts, mcp.Description(p.Description))
		}
		switch p.Type {
		case "number", "integer":
			opts = append(opts, mcp.WithNumber(p.Name, popts...))
		case "boolean":
			opts = append(opts, mcp.WithBoolean(p.Name, popts...))
		case "object":
			opts = append(opts, mcp.WithObject(p.Name, popts...))
		case "array":
			opts = append(opts, mcp.WithArray(p.Name, popts...))
		default:
			opts = append(opts, mcp.WithString(p.Name, popts...))
		}
	}
	if t.Level() != types.SafetyLevelSafe {
		opts = append(opts,
			mcp.WithBoolean("dry_run", mcp.Description("Walk the safety pipeline without executing")),
			mcp.WithString("auth_token", mcp.Description("Credential for gated tools when auth is enabled")),
		)
	}
	return mcp.NewTool(t.Name, opts...)
}

// handle routes an MCP call through the dispatcher and returns the
// envelope as the tool result. Failures become error results so MCP
// clients see them flagged; the envelope itself stays intact either
// way.
func (s *Server) handle(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		env := s.dispatcher.Dispatch(ctx, name, req.GetArguments())
		payload, err := json.Marshal(env)
		if err != nil {
			s.logger.Error().Err(err).Str("tool", name).Msg("Failed to encode tool result")
			return mcp.NewToolResultError(`{"success":false,"error":{"code":"INTERNAL_ERROR","message":"result encoding failed","retryable":true}}`), nil
		}
		if ok, _ := env["success"].(bool); !ok {
			return mcp.NewToolResultError(string(payload)), nil
		}
		return mcp.NewToolResultText(string(payload)), nil
	}
}

// ServeStdio serves a single client over stdin/stdout. Logging must be
// directed away from stdout before calling this; stdout carries only
// protocol frames.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.logger.Info().Msg("Serving MCP over stdio")
	return server.NewStdioServer(s.mcp).Listen(ctx, os.Stdin, os.Stdout)
}

// StartHTTP serves streamable HTTP on /mcp plus the health and metrics
// endpoints. Blocks until the listener fails or Shutdown is called.
func (s *Server) StartHTTP(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/mcp", server.NewStreamableHTTPServer(s.mcp))
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	mux.Handle("/metrics", metrics.Handler())

	// No write timeout: /mcp streams responses to long-lived sessions.
	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("MCP HTTP endpoint listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains the HTTP listener. A no-op in stdio mode.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
