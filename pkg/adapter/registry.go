package adapter

import (
	"sync"
	"time"

	"github.com/kilnlabs/kiln/pkg/log"
	"github.com/kilnlabs/kiln/pkg/types"
)

// Registry holds the live adapters and a cache of their last-known
// states. Iteration order is registration order and never changes for
// the lifetime of an entry, so selector decisions are reproducible.
//
// IdlePrinters and CachedState read only the cache; they never touch a
// transport. The poller is the sole writer of cached states.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	order    []string
	states   map[string]*cachedState
}

type cachedState struct {
	state     *types.PrinterState
	updatedAt time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		states:   make(map[string]*cachedState),
	}
}

// Register adds an adapter under its ID. Duplicate IDs are rejected.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := a.ID()
	if _, exists := r.adapters[id]; exists {
		return types.NewError(types.CodeValidationError, "printer already registered: %s", id)
	}
	r.adapters[id] = a
	r.order = append(r.order, id)
	r.states[id] = &cachedState{state: offlineState(), updatedAt: time.Now().UTC()}

	logger := log.WithPrinterID(id)
	logger.Info().
		Str("type", string(a.Type())).
		Str("profile", a.Profile().ID).
		Msg("Printer registered")
	return nil
}

// Unregister removes an adapter and closes its transport.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	a, exists := r.adapters[id]
	if !exists {
		r.mu.Unlock()
		return types.NewError(types.CodeNotFound, "printer not registered: %s", id)
	}
	delete(r.adapters, id)
	delete(r.states, id)
	for i, entry := range r.order {
		if entry == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	logger := log.WithPrinterID(id)
	if err := a.Close(); err != nil {
		logger.Warn().Err(err).Msg("Adapter close failed")
	}
	logger.Info().Msg("Printer unregistered")
	return nil
}

// Get returns the adapter for an ID.
func (r *Registry) Get(id string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, exists := r.adapters[id]
	if !exists {
		return nil, types.NewError(types.CodeNotFound, "printer not registered: %s", id)
	}
	return a, nil
}

// List returns printer IDs in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered printers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// UpdateState replaces the cached state for a printer. Unknown IDs are
// ignored (the printer may have been unregistered mid-poll).
func (r *Registry) UpdateState(id string, state *types.PrinterState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[id]; !exists {
		return
	}
	r.states[id] = &cachedState{state: state, updatedAt: time.Now().UTC()}
}

// CachedState returns the last polled state and its capture time.
func (r *Registry) CachedState(id string) (*types.PrinterState, time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cs, exists := r.states[id]
	if !exists {
		return nil, time.Time{}, types.NewError(types.CodeNotFound, "printer not registered: %s", id)
	}
	return cs.state, cs.updatedAt, nil
}

// IdlePrinters returns connected, idle printer IDs in registration
// order, reading only cached state.
func (r *Registry) IdlePrinters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var idle []string
	for _, id := range r.order {
		cs := r.states[id]
		if cs != nil && cs.state.Connected && cs.state.Status == types.PrinterStatusIdle {
			idle = append(idle, id)
		}
	}
	return idle
}

// StatusCounts tallies printers by cached status.
func (r *Registry) StatusCounts() map[types.PrinterStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[types.PrinterStatus]int)
	for _, id := range r.order {
		cs := r.states[id]
		if cs == nil {
			continue
		}
		counts[cs.state.Status]++
	}
	return counts
}

// CloseAll closes every adapter, for shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	r.adapters = make(map[string]Adapter)
	r.states = make(map[string]*cachedState)
	r.order = nil
	r.mu.Unlock()

	for _, a := range adapters {
		if err := a.Close(); err != nil {
			logger := log.WithPrinterID(a.ID())
			logger.Warn().Err(err).Msg("Adapter close failed")
		}
	}
}
