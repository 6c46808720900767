package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/kilnlabs/kiln/pkg/events"
	"github.com/kilnlabs/kiln/pkg/log"
	"github.com/kilnlabs/kiln/pkg/storage"
	"github.com/kilnlabs/kiln/pkg/types"
)

// Poller keeps the registry's cached states fresh. Each cycle it fans
// out one GetState per printer, publishes PRINTER_STATE on transitions
// and PRINTER_ERROR on transitions into ERROR, and stamps LastSeen on
// the stored printer record.
type Poller struct {
	registry *Registry
	broker   *events.Broker
	store    storage.Store
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewPoller creates a poller. A zero interval defaults to 10 seconds.
func NewPoller(registry *Registry, broker *events.Broker, store storage.Store, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Poller{
		registry: registry,
		broker:   broker,
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the polling loop.
func (p *Poller) Start() {
	go p.run()
}

// Stop halts the loop and waits for the in-flight cycle to finish.
func (p *Poller) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *Poller) run() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Poll immediately so dependent components see real states at boot.
	p.pollAll()

	for {
		select {
		case <-ticker.C:
			p.pollAll()
		case <-p.stopCh:
			return
		}
	}
}

// pollAll queries every registered printer concurrently. Adapters
// serialise their own transport access, so fan-out here is safe.
func (p *Poller) pollAll() {
	ids := p.registry.List()
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			p.pollOne(id)
		}(id)
	}
	wg.Wait()
}

func (p *Poller) pollOne(id string) {
	a, err := p.registry.Get(id)
	if err != nil {
		return // unregistered between List and Get
	}

	prev, _, cacheErr := p.registry.CachedState(id)

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	state, err := a.GetState(ctx)
	if err != nil || state == nil {
		state = offlineState()
	}
	p.registry.UpdateState(id, state)

	if cacheErr == nil && prev != nil && prev.Status != state.Status {
		logger := log.WithPrinterID(id)
		logger.Info().
			Str("from", string(prev.Status)).
			Str("to", string(state.Status)).
			Msg("Printer state changed")

		p.broker.Emit(types.EventPrinterState, "poller", map[string]any{
			"printer_id": id,
			"from":       string(prev.Status),
			"to":         string(state.Status),
			"connected":  state.Connected,
		})
		if state.Status == types.PrinterStatusError {
			p.broker.Emit(types.EventPrinterError, "poller", map[string]any{
				"printer_id": id,
			})
		}
	}

	if state.Connected {
		p.touchRecord(id, state.Status)
	}
}

// touchRecord persists the latest status and LastSeen. Best-effort: a
// storage failure never interrupts polling.
func (p *Poller) touchRecord(id string, status types.PrinterStatus) {
	record, err := p.store.GetPrinter(id)
	if err != nil {
		return
	}
	record.Status = status
	record.LastSeen = time.Now().UTC()
	if err := p.store.UpdatePrinter(record); err != nil {
		logger := log.WithPrinterID(id)
		logger.Warn().Err(err).Msg("Failed to persist printer state")
	}
}
