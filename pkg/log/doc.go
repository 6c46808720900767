/*
Package log provides structured logging for Kiln using zerolog.

The log package wraps the zerolog library to provide JSON-structured
logging with component-specific loggers, configurable log levels, and
helper functions for common logging patterns. All logs include
timestamps and support filtering by severity level for production
debugging.

# Architecture

Kiln's logging system provides structured JSON logging with minimal
overhead:

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("fleet")                   │          │
	│  │  - WithPrinterID("voron-01")                │          │
	│  │  - WithJobID("job-abc123")                  │          │
	│  │  - WithSessionID("sess-def456")             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "fleet",                    │          │
	│  │    "time": "2026-02-10T10:30:00Z",         │          │
	│  │    "message": "job assigned"                │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  10:30AM INF job assigned component=fleet   │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all Kiln packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithPrinterID: Add printer ID context
  - WithJobID: Add job ID context
  - WithSessionID: Add health-session ID context

# Usage

Initializing the Logger:

	import "github.com/kilnlabs/kiln/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Simple Logging:

	log.Info("Fleet initialized successfully")
	log.Debug("Polling printer state")
	log.Warn("Hotend temperature drifting")
	log.Error("Failed to reach printer")
	log.Fatal("Cannot start without data directory") // Exits process

Structured Logging:

	log.Logger.Info().
		Str("job_id", "job-123").
		Str("printer_id", "voron-01").
		Msg("Job assigned")

	log.Logger.Error().
		Err(err).
		Str("printer_id", "voron-01").
		Msg("Printer health check failed")

Component Loggers:

	// Create component-specific logger
	fleetLog := log.WithComponent("fleet")
	fleetLog.Info().Msg("Starting assignment loop")
	fleetLog.Debug().Str("job_id", "job-123").Msg("Selecting printer")

	// Multiple context fields
	sessionLog := log.WithComponent("health").
		With().Str("printer_id", "voron-01").
		Str("session_id", "sess-123").Logger()
	sessionLog.Info().Msg("Monitoring started")

# Integration Points

This package integrates with:

  - pkg/fleet: Logs job assignment and lifecycle decisions
  - pkg/adapter: Logs backend connections and command failures
  - pkg/health: Logs session checks, stalls, and auto-pause
  - pkg/safety: Logs refused operations and escalations
  - pkg/api: Logs tool invocations and server lifecycle

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance
  - Initialized once at application start
  - Accessible from all packages without passing

Context Logger Pattern:
  - Create child loggers with context fields
  - Automatically includes context in all logs
  - Avoids repetitive field specification

Error Logging Pattern:
  - Always use .Err(err) for error objects
  - Consistent error format across codebase

# Security

Log Content:
  - Never log printer API keys or access codes
  - Redact confirmation tokens and auth tokens
  - Connection parameter bags are logged by key names only

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - 12-Factor App Logs: https://12factor.net/logs
*/
package log
