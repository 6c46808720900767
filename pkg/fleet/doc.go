/*
Package fleet owns the job queue and decides which printer prints what.

The orchestrator is a serial state machine: one mutex guards the job
map and the printer reservations, and every transition persists
through the store before it becomes visible. Job lifecycles run
QUEUED, ASSIGNED, PRINTING and then one of COMPLETED, FAILED or
CANCELLED; terminal statuses are sticky and also land in the job
history bucket.

Assignment reads only the registry's poll cache, so placing a job
never waits on a printer transport. A reservation pins the printer
from ASSIGNED onward, covering the window where the cache still calls
it idle. Failed jobs requeue with the failing printer excluded until
their attempt budget runs out.

Placement is pluggable through the Selector interface. The default
takes the job's preferred printer when it is free and otherwise the
first idle candidate in registration order.

The collector samples printer and job composition into Prometheus
gauges on a fixed interval.
*/
package fleet
