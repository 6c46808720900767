// Package config loads kiln runtime settings from the environment and
// optional YAML fleet manifests.
//
// # Overview
//
// Configuration comes from two places, in priority order:
//
//  1. Environment variables (always win)
//  2. A YAML fleet manifest passed to `kiln serve --fleet` (printer
//     definitions only)
//
// Load never fails: unset keys take documented defaults and unparseable
// values degrade to the default rather than aborting startup. Validate
// catches the combinations that cannot be defaulted away (auth enabled
// without a token, unknown printer type on the default printer).
//
// # Recognised Keys
//
//	DATA_DIR                 State directory for the bolt database (default ./kiln-data)
//	API_ADDR                 HTTP listen address (default 127.0.0.1:8090)
//	LOG_FORMAT               "text" or "json" (default text)
//	LOG_LEVEL                trace|debug|info|warn|error (default info)
//
//	PRINTER_NAME             Default printer registry name (default "default")
//	PRINTER_TYPE             octoprint|moonraker|bambu|prusaconnect|serial
//	PRINTER_HOST             Base URL, IP, or serial device of the default printer
//	PRINTER_API_KEY          Auth credential for the default printer
//	PRINTER_SERIAL           Bambu device serial
//	PRINTER_MODEL            Safety-profile identifier (default "generic")
//
//	CONFIRM_MODE             Two-phase confirmation for gated tools (default false)
//	CONFIRM_UPLOAD           Confirmation for uploads too (default false)
//	STRICT_MATERIAL_CHECK    Material mismatch blocks pre-flight (default false)
//	AUTH_ENABLED             Require a bearer token on gated tools (default false)
//	AUTH_TOKEN               The token AUTH_ENABLED checks against
//
//	MONITOR_INITIAL_DELAY    Seconds before the first session check (default 60)
//	MONITOR_CHECK_COUNT      Checks per session (default 20)
//	MONITOR_INTERVAL         Seconds between checks (default 30)
//	MONITOR_AUTO_PAUSE       Flag printer for pause on critical reports (default false)
//	MONITOR_DRIFT_THRESHOLD  Thermal deviation threshold in degrees C (default 5)
//	MONITOR_STALL_TIMEOUT    Seconds without progress before STALLED, 0 disables (default 600)
//	MONITOR_HISTORY_HOURS    Per-printer report retention (default 24)
//
//	RECOVERY_MAX_RETRIES     Per-job recovery retry budget (default 3)
//
// An empty PRINTER_HOST means no default printer is registered at boot;
// printers then come from the fleet manifest or the register_printer tool.
//
// # Fleet Manifest
//
// LoadFleetFile parses a declarative printer list:
//
//	apiVersion: kiln/v1
//	kind: Fleet
//	defaults:
//	  model: prusa_mk4
//	printers:
//	  - name: mk4-left
//	    type: prusa
//	    host: http://10.0.0.11
//	    apiKey: secret
//	  - name: x1c
//	    type: bambu
//	    host: 10.0.0.30
//	    serial: 01S00A000000000
//	    options:
//	      access_code: "12345678"
//
// Names must be unique and types must parse. Printers without a model
// inherit defaults.model, falling back to "generic". Connection() flattens
// a printer entry into the string map persisted on the printer record so
// adapters can be rebuilt from storage after a restart.
//
// # Usage
//
//	cfg := config.Load()
//	if err := cfg.Validate(); err != nil {
//		return err
//	}
//	log.Init(log.Config{Level: cfg.Log.Level, JSONOutput: cfg.Log.Format == "json"})
//
// # See Also
//
//   - pkg/types for MonitorPolicy and the adapter type constants
//   - cmd/kiln for how serve wires config into the components
package config
