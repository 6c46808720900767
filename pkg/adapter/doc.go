// Package adapter drives physical printers through a uniform interface
// over five backend protocols.
//
// # Backends
//
//	serial        Marlin G-code over a USB serial port (go.bug.st/serial)
//	octoprint     OctoPrint REST API
//	moonraker     Klipper via Moonraker's JSON-RPC WebSocket
//	bambu         Bambu Lab LAN mode: MQTT for control, FTPS for files
//	prusaconnect  PrusaLink v1 REST API
//
// New builds the right adapter from a stored PrinterRecord; the
// record's connection map carries backend-specific settings (host,
// api_key, serial, access_code, device, baud). Every backend maps its
// native state machine onto the shared PrinterStatus enum.
//
// # Shared Semantics
//
// All adapters follow the same contract:
//
//   - GetState never errors for unreachability. Transport failures
//     come back as Connected=false with StatusOffline, so pollers and
//     health checks keep running through outages. A reachable control
//     server whose printer is detached (OctoPrint returning 409)
//     reports Connected=true with StatusOffline.
//
//   - EmergencyStop transmits the strongest halt the protocol offers
//     and does not wait for acknowledgement; Marlin halts before it
//     would ever answer an M112.
//
//   - SetToolTemp and SetBedTemp validate the target against the
//     printer's safety profile ceiling before any byte leaves the
//     process.
//
//   - Operations a protocol cannot perform return UNSUPPORTED, and
//     Capabilities advertises what will work, so callers can gate
//     tool exposure instead of probing with failures.
//
// # Registry and Poller
//
// Registry holds the live adapters in registration order plus a cached
// state per printer, so scheduling decisions (IdlePrinters,
// StatusCounts) never block on a printer's transport. Poller refreshes
// that cache on an interval, fanning out one GetState per printer,
// publishing PRINTER_STATE on every transition and PRINTER_ERROR on
// transitions into ERROR, and stamping LastSeen on the stored record.
//
// # Testing
//
// Fake is a fully instrumented in-memory adapter: tests script its
// state, inject per-operation failures with FailWith, and inspect what
// was sent (StartedPrints, GCodeSent, EmergencyStops). Everything
// above the adapter boundary tests against Fake; per-backend tests
// exercise the real wire parsing against httptest servers and recorded
// protocol samples.
package adapter
