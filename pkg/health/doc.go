/*
Package health watches printers for thermal drift, stalled progress,
and dead sensors.

Two entry points share one measurement routine. CheckHealth is the
one-shot form: a single pass over a printer producing a HealthReport
whose severity is the max of its member metrics. Manager is the
session form: StartMonitoring launches a goroutine that, after the
policy's initial delay, repeats the check every interval for at most
the configured number of checks, appending snapshots and reports to
the session as it goes.

# Severity

Thermal metrics grade the gap between actual and target temperature
against the policy's drift threshold: within the threshold is OK,
within twice the threshold is WARNING, beyond that is CRITICAL. A lost
connection or a tripped filament sensor is CRITICAL outright; an
anomalous power reading is CRITICAL below the heater baseline and
WARNING above the ceiling.

A CRITICAL report records a health_critical issue on the session,
publishes a VISION_ALERT event, and, when the session's auto-pause
policy is set, pauses the print through the adapter.

# Stall Detection

Each check samples print completion. Movement beyond 0.1% resets the
stall clock; once the clock exceeds the policy's stall timeout the
session ends as STALLED and an alert publishes. A zero stall timeout
disables detection.

# Sessions

At most one session runs per printer; a second StartMonitoring returns
CONFLICT. StopMonitoring is idempotent: stopping a printer with no
running session returns the last finished session unchanged. Optional
backend sensors surface through the PowerReporter and FilamentReporter
interfaces, asserted per adapter at check time.
*/
package health
