package api

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/kilnlabs/kiln/pkg/log"
	"github.com/kilnlabs/kiln/pkg/metrics"
	"github.com/kilnlabs/kiln/pkg/storage"
)

// DefaultProbeInterval spaces the periodic storage checks.
const DefaultProbeInterval = 30 * time.Second

// Probe periodically verifies that the store answers reads and feeds
// the result into the process health endpoints. The readiness endpoint
// stays unavailable until the first successful check.
type Probe struct {
	store    storage.Store
	interval time.Duration
	logger   zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewProbe creates a storage probe. A non-positive interval falls back
// to the default.
func NewProbe(store storage.Store, interval time.Duration) *Probe {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Probe{
		store:    store,
		interval: interval,
		logger:   log.WithComponent("health-probe"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start checks once immediately, then on every tick until Stop.
func (p *Probe) Start() {
	p.check()
	go func() {
		defer close(p.doneCh)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.check()
			case <-p.stopCh:
				return
			}
		}
	}()
}

// Stop halts the probe loop and waits for it to exit.
func (p *Probe) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *Probe) check() {
	if _, err := p.store.ListPrinters(); err != nil {
		p.logger.Warn().Err(err).Msg("Storage probe failed")
		metrics.RegisterComponent("storage", false, err.Error())
		return
	}
	metrics.RegisterComponent("storage", true, "")
}
