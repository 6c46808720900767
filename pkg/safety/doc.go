// Package safety gates every mutating printer operation behind a fixed
// pipeline of checks. A tool call enters as a Request and leaves as an
// Outcome, a parked Confirmation, or a coded refusal; nothing reaches
// an adapter until every stage has passed.
//
// # Pipeline
//
// The stages run in a fixed order:
//
//  1. Authentication. When auth is enabled the caller's token must be
//     known, unexpired, and carry the tool's scope.
//  2. Rate limiting. Each tool has a minimum interval between calls
//     and a per-minute ceiling over a sliding 60-second window.
//  3. Circuit breaker. Three blocked attempts on one tool within 60
//     seconds trip a five-minute cooldown. During cooldown every
//     invocation of that tool is refused as SAFETY_ESCALATED and an
//     escalation event is published. The cooldown check runs before
//     the limiter so an escalated tool reports escalation, not
//     RATE_LIMITED.
//  4. Confirmation. In confirm mode, confirm- and emergency-level
//     tools are parked behind an opaque token valid for five minutes.
//     Confirm executes the parked operation exactly once, resuming
//     from stage 5.
//  5. G-code analysis. send_gcode batches and uploaded G-code files
//     are statically checked against the printer's safety profile.
//     Dangerous commands refuse the call with GCODE_BLOCKED and count
//     toward the breaker; a batch over the line cap is a plain
//     validation error and does not.
//  6. Pre-flight. start_print runs the readiness checks described
//     below and refuses with PREFLIGHT_FAILED when any fail.
//  7. Audit. Every terminal outcome is appended to the audit trail,
//     best effort.
//
// emergency_stop is classified emergency and is never rate limited; a
// halt must never wait.
//
// # Safety levels
//
// Classify assigns each tool one of four levels: safe tools bypass the
// pipeline entirely, caution tools run it without confirmation,
// confirm tools park in confirm mode, and emergency covers
// emergency_stop alone. ScopeFor maps tools onto the control, fleet,
// and admin token scopes.
//
// # Pre-flight
//
// RunPreflight reports readiness for a print without raising an error
// for ordinary failures. The checks run in a stable order:
// printer_connected, printer_idle, no_errors, temperatures_safe, then
// conditionally material_match, material_compatible, file_valid, and
// file_on_printer. Material checks only run when an expected material
// and a loaded-material record both exist; in non-strict mode an
// incompatibility demotes to a warning.
//
// # Materials
//
// MaterialFor and CheckCompatibility consult a built-in table of
// common FDM materials with their hotend and bed ranges and enclosure
// needs. A material whose floor exceeds the printer's ceiling is
// incompatible; an enclosure requirement on an open-frame machine is
// advisory.
//
// # Usage
//
//	gate := safety.NewGate(safety.Config{
//		AuthEnabled: true,
//		AuthToken:   cfg.Auth.Token,
//		ConfirmMode: cfg.Confirm.Mode,
//	}, store, broker)
//
//	out, err := gate.Run(ctx, &safety.Request{
//		Tool:      "start_print",
//		PrinterID: "voron-1",
//		AuthToken: callerToken,
//		Adapter:   ad,
//		RemoteName: "benchy.gcode",
//		Action: func(ctx context.Context) (any, error) {
//			return nil, ad.StartPrint(ctx, "benchy.gcode")
//		},
//	})
//
// When out.Confirmation is non-nil the operation is parked; pass the
// token to gate.Confirm to execute it.
package safety
