/*
Package tools is the agent-facing surface of the fleet.

Every operation an agent can invoke lives in the catalogue the
dispatcher builds at construction. A tool is a pure function from an
argument bag to a result map; the dispatcher wraps every outcome in
the envelope contract: success payloads carry success=true, failures
carry {success: false, error: {code, message, retryable}} with any
diagnostic details (blocked commands, pre-flight checks) lifted next
to the error object.

Tools never touch hardware. Printer mutations go through an adapter,
queue mutations through the orchestrator, monitoring through the
health manager, and every mutating tool above the safe level passes
through the safety gate first. A gated call can therefore come back
parked (confirmation_required with a one-shot token) or as a dry run
instead of a result.

Calls that omit printer_id resolve to the only registered printer;
with several printers registered the omission is an error rather than
a guess.
*/
package tools
