/*
Package recovery turns print failures into actionable next steps.

The planner holds a fixed policy table keyed by failure type. Safety
first: THERMAL_RUNAWAY always maps to EMERGENCY_STOP and nothing can
soften it. Three failure types are graded in code rather than the
table, since their outcome depends on context. POWER_LOSS and
SOFTWARE_CRASH resume from a checkpoint when one exists and restart
otherwise; PRINTER_ERROR retries the current step at low completion
and reaches for a checkpoint past ten percent.

Checkpoints are append-only records in the store; PlanRecovery only
ever consults the latest one, and strategies that need a checkpoint
are withheld when the job has none.

ExecuteRecovery draws from a per-job retry budget so a flapping
printer cannot loop forever. The budget is process-local and resets
via ResetRetries, typically after an operator has intervened.
*/
package recovery
