/*
Package events provides the typed pub/sub event bus for Kiln.

The broker fans fleet events out to any number of subscribers and keeps
a bounded in-memory history so agents can ask "what just happened"
without holding a subscription open. Event types and payloads are
defined in pkg/types.

# Architecture

	┌─────────────────────── EVENT BUS ─────────────────────────┐
	│                                                             │
	│   Publish(event)                                            │
	│        │                                                    │
	│        ├──► history ring (bounded, synchronous)             │
	│        │                                                    │
	│        ▼                                                    │
	│   event channel ──► run loop ──► broadcast                  │
	│                                     │                       │
	│                      ┌──────────────┼──────────────┐        │
	│                      ▼              ▼              ▼        │
	│                subscriber A    subscriber B   subscriber C  │
	│                (buffered)      (buffered)     (buffered)    │
	└─────────────────────────────────────────────────────────────┘

Delivery guarantees:

  - Events published in sequence are delivered in sequence to each
    subscriber; delivery may lag but never re-orders.
  - A slow subscriber loses its oldest buffered events first, and every
    loss is counted on the subscription. Other subscribers are never
    affected.
  - History writes are synchronous with Publish, so a publisher reads
    its own event back immediately.

# Usage

Subscribing to everything:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for event := range sub.C {
		fmt.Println(event.Type, event.Source)
	}

Subscribing to specific types:

	sub := broker.Subscribe(types.EventJobFailed, types.EventPrinterError)

Publishing:

	broker.Emit(types.EventJobSubmitted, "fleet", map[string]any{
		"job_id": job.ID,
		"file":   job.SourceFile,
	})

Reading recent history:

	recent := broker.History(20, types.EventSafetyEscalated)

# Integration Points

  - pkg/fleet publishes job lifecycle events
  - pkg/adapter's poller publishes printer state transitions
  - pkg/health publishes progress, stall, and vision alerts
  - pkg/safety publishes escalation events
  - pkg/tools serves recent_events from the history ring
*/
package events
