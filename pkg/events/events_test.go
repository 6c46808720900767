package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnlabs/kiln/pkg/types"
)

// TestPublishDelivers tests basic publish/subscribe delivery
func TestPublishDelivers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Emit(types.EventJobSubmitted, "fleet", map[string]any{"job_id": "job-1"})

	select {
	case event := <-sub.C:
		assert.Equal(t, types.EventJobSubmitted, event.Type)
		assert.Equal(t, "fleet", event.Source)
		assert.Equal(t, "job-1", event.Data["job_id"])
		assert.False(t, event.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

// TestSubscribeFilter tests type-filtered subscriptions
func TestSubscribeFilter(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe(types.EventJobFailed)
	defer broker.Unsubscribe(sub)

	broker.Emit(types.EventJobSubmitted, "fleet", nil)
	broker.Emit(types.EventJobFailed, "fleet", map[string]any{"job_id": "job-1"})

	select {
	case event := <-sub.C:
		assert.Equal(t, types.EventJobFailed, event.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("filtered event not delivered")
	}

	// The non-matching event must never arrive
	select {
	case event := <-sub.C:
		t.Fatalf("unexpected event delivered: %s", event.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestDeliveryOrder tests that per-subscriber delivery preserves
// publish order
func TestDeliveryOrder(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	const n = 30
	for i := 0; i < n; i++ {
		broker.Emit(types.EventPrintProgress, "health", map[string]any{"seq": i})
	}

	for i := 0; i < n; i++ {
		select {
		case event := <-sub.C:
			assert.Equal(t, i, event.Data["seq"])
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
}

// TestDropOldestOnOverflow tests the slow-subscriber policy: oldest
// events are dropped first and every loss is counted
func TestDropOldestOnOverflow(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	// Never read until all events are published; fill the buffer and
	// force ten overflows.
	total := subscriberBuffer + 10
	for i := 0; i < total; i++ {
		broker.Emit(types.EventPrintProgress, "health", map[string]any{"seq": i})
	}

	require.Eventually(t, func() bool {
		return sub.Dropped() == 10
	}, 2*time.Second, 10*time.Millisecond, "dropped counter should reach 10")

	// The oldest surviving event is the one after the dropped prefix.
	select {
	case event := <-sub.C:
		assert.Equal(t, 10, event.Data["seq"])
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered after overflow")
	}
}

// TestHistory tests the bounded history ring
func TestHistory(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	for i := 0; i < 5; i++ {
		broker.Emit(types.EventJobSubmitted, "fleet", map[string]any{"seq": i})
	}
	broker.Emit(types.EventSafetyEscalated, "safety", map[string]any{"tool": "send_gcode"})

	t.Run("returns events oldest first", func(t *testing.T) {
		all := broker.History(0)
		require.Len(t, all, 6)
		assert.Equal(t, 0, all[0].Data["seq"])
		assert.Equal(t, types.EventSafetyEscalated, all[5].Type)
	})

	t.Run("limit keeps the newest", func(t *testing.T) {
		last := broker.History(2)
		require.Len(t, last, 2)
		assert.Equal(t, 4, last[0].Data["seq"])
		assert.Equal(t, types.EventSafetyEscalated, last[1].Type)
	})

	t.Run("type filter applies before limit", func(t *testing.T) {
		escalations := broker.History(10, types.EventSafetyEscalated)
		require.Len(t, escalations, 1)
		assert.Equal(t, "send_gcode", escalations[0].Data["tool"])
	})
}

// TestHistoryRingWraps tests that history is bounded and keeps the
// most recent events once capacity is exceeded
func TestHistoryRingWraps(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	total := historyCap + 25
	for i := 0; i < total; i++ {
		broker.Emit(types.EventPrintProgress, "health", map[string]any{"seq": i})
	}

	all := broker.History(0)
	require.Len(t, all, historyCap)
	assert.Equal(t, 25, all[0].Data["seq"], "oldest retained event")
	assert.Equal(t, total-1, all[historyCap-1].Data["seq"], "newest event")
}

// TestUnsubscribe tests subscription removal
func TestUnsubscribe(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	assert.Equal(t, 1, broker.SubscriberCount())

	broker.Unsubscribe(sub)
	assert.Equal(t, 0, broker.SubscriberCount())

	// Channel is closed after unsubscribe
	_, ok := <-sub.C
	assert.False(t, ok)

	// Unsubscribing twice is safe
	broker.Unsubscribe(sub)
}

// TestFanOutIsolation tests that one slow subscriber does not block
// delivery to others
func TestFanOutIsolation(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	slow := broker.Subscribe()
	fast := broker.Subscribe()
	defer broker.Unsubscribe(slow)
	defer broker.Unsubscribe(fast)

	// The fast subscriber reads in lockstep with publishing; the slow
	// one never reads and must overflow without affecting the fast one.
	total := subscriberBuffer * 2
	for i := 0; i < total; i++ {
		broker.Emit(types.EventPrinterState, "poller", map[string]any{"seq": fmt.Sprintf("%d", i)})
		select {
		case <-fast.C:
		case <-time.After(2 * time.Second):
			t.Fatalf("fast subscriber starved at event %d", i)
		}
	}

	require.Eventually(t, func() bool {
		return slow.Dropped() == uint64(total-subscriberBuffer)
	}, 2*time.Second, 10*time.Millisecond)
}
