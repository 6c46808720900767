package fleet

import (
	"time"

	"github.com/kilnlabs/kiln/pkg/metrics"
	"github.com/kilnlabs/kiln/pkg/types"
)

// DefaultSampleInterval is how often the collector refreshes the fleet
// gauges.
const DefaultSampleInterval = 15 * time.Second

// printerStatuses and jobStatuses enumerate every label value so
// gauges reset to zero when a status empties out.
var printerStatuses = []types.PrinterStatus{
	types.PrinterStatusIdle,
	types.PrinterStatusPrinting,
	types.PrinterStatusPaused,
	types.PrinterStatusCancelling,
	types.PrinterStatusBusy,
	types.PrinterStatusError,
	types.PrinterStatusOffline,
	types.PrinterStatusUnknown,
}

var jobStatuses = []types.JobStatus{
	types.JobStatusQueued,
	types.JobStatusAssigned,
	types.JobStatusPrinting,
	types.JobStatusCompleted,
	types.JobStatusFailed,
	types.JobStatusCancelled,
}

// Collector periodically samples fleet composition into Prometheus
// gauges.
type Collector struct {
	orch     *Orchestrator
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCollector builds a collector around an orchestrator. A zero
// interval uses the default.
func NewCollector(orch *Orchestrator, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &Collector{
		orch:     orch,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start samples once immediately, then on every tick until Stop.
func (c *Collector) Start() {
	go func() {
		defer close(c.doneCh)

		c.Sample()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Sample()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sampling loop and waits for it to exit.
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

// Sample refreshes the printer and job gauges from current state.
func (c *Collector) Sample() {
	printerCounts := c.orch.registry.StatusCounts()
	for _, status := range printerStatuses {
		metrics.PrintersTotal.WithLabelValues(string(status)).Set(float64(printerCounts[status]))
	}

	jobCounts := c.orch.JobCounts()
	for _, status := range jobStatuses {
		metrics.JobsTotal.WithLabelValues(string(status)).Set(float64(jobCounts[status]))
	}
}
