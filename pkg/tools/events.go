package tools

import (
	"context"

	"github.com/kilnlabs/kiln/pkg/types"
)

const defaultEventLimit = 50

func (d *Dispatcher) registerEventTools() {
	d.register(&Tool{
		Name:        "recent_events",
		Description: "Recent fleet events from the bus history, oldest first",
		Params: []Param{
			{Name: "limit", Type: "integer", Description: "Maximum events (default 50)"},
			{Name: "types", Type: "array", Description: "Event types to include; empty means all"},
		},
		Handler: d.recentEvents,
	})
}

func (d *Dispatcher) recentEvents(ctx context.Context, args Args) (map[string]any, error) {
	limit := args.Int("limit", defaultEventLimit)

	var filter []types.EventType
	for _, t := range args.Strings("types") {
		filter = append(filter, types.EventType(t))
	}

	events := d.deps.Broker.History(limit, filter...)
	return map[string]any{"events": events, "count": len(events)}, nil
}
