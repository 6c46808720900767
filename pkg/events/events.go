package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kilnlabs/kiln/pkg/metrics"
	"github.com/kilnlabs/kiln/pkg/types"
)

const (
	publishBuffer    = 100
	subscriberBuffer = 50
	historyCap       = 500
)

// Subscription is one subscriber's view of the event stream. Events
// arrive on C in publish order; when the subscriber falls behind, the
// oldest buffered event is dropped and counted, never silently.
type Subscription struct {
	C       <-chan *types.Event
	ch      chan *types.Event
	filter  map[types.EventType]bool // nil matches every type
	dropped atomic.Uint64
}

// Dropped returns how many events this subscriber lost to overflow.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) wants(t types.EventType) bool {
	if s.filter == nil {
		return true
	}
	return s.filter[t]
}

// Broker manages event subscriptions, distribution, and the bounded
// history consumed by the recent_events tool
type Broker struct {
	subscribers map[*Subscription]bool
	mu          sync.RWMutex
	eventCh     chan *types.Event
	stopCh      chan struct{}

	// history is a fixed-capacity ring, newest at next-1
	history     []*types.Event
	historyNext int
	historyFull bool
	historyMu   sync.Mutex
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[*Subscription]bool),
		eventCh:     make(chan *types.Event, publishBuffer),
		stopCh:      make(chan struct{}),
		history:     make([]*types.Event, historyCap),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription. With no arguments the
// subscription receives every event; otherwise only the listed types.
func (b *Broker) Subscribe(eventTypes ...types.EventType) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{ch: make(chan *types.Event, subscriberBuffer)}
	sub.C = sub.ch
	if len(eventTypes) > 0 {
		sub.filter = make(map[types.EventType]bool, len(eventTypes))
		for _, t := range eventTypes {
			sub.filter[t] = true
		}
	}
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub.ch)
	}
}

// Publish records the event in history and queues it for fan-out.
// History visibility is synchronous, so a caller that publishes and
// immediately reads History sees its own event; per-subscriber
// delivery is asynchronous but preserves publish order.
func (b *Broker) Publish(event *types.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	metrics.EventsPublishedTotal.WithLabelValues(string(event.Type)).Inc()

	b.historyMu.Lock()
	b.history[b.historyNext] = event
	b.historyNext = (b.historyNext + 1) % historyCap
	if b.historyNext == 0 {
		b.historyFull = true
	}
	b.historyMu.Unlock()

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// Emit is a convenience wrapper around Publish.
func (b *Broker) Emit(eventType types.EventType, source string, data map[string]any) {
	b.Publish(&types.Event{Type: eventType, Source: source, Data: data})
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Buffer full: drop the oldest queued event and count it
			select {
			case <-sub.ch:
				sub.dropped.Add(1)
			default:
			}
			select {
			case sub.ch <- event:
			default:
				sub.dropped.Add(1)
			}
		}
	}
}

// History returns up to limit recent events, oldest first. With no
// type arguments every event qualifies. limit <= 0 means no limit.
func (b *Broker) History(limit int, eventTypes ...types.EventType) []*types.Event {
	var filter map[types.EventType]bool
	if len(eventTypes) > 0 {
		filter = make(map[types.EventType]bool, len(eventTypes))
		for _, t := range eventTypes {
			filter[t] = true
		}
	}

	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	var ordered []*types.Event
	if b.historyFull {
		ordered = append(ordered, b.history[b.historyNext:]...)
		ordered = append(ordered, b.history[:b.historyNext]...)
	} else {
		ordered = append(ordered, b.history[:b.historyNext]...)
	}

	var out []*types.Event
	for _, e := range ordered {
		if filter != nil && !filter[e.Type] {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
