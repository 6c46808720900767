package tools

import (
	"context"

	"github.com/kilnlabs/kiln/pkg/safety"
	"github.com/kilnlabs/kiln/pkg/types"
)

func (d *Dispatcher) registerHealthTools() {
	printerParam := Param{Name: "printer_id", Type: "string", Description: "Target printer; optional with a single registered printer"}

	d.register(&Tool{
		Name:        "check_health",
		Description: "One-shot health check: temperatures, connection, sensors, and detected print phase",
		Params:      []Param{printerParam},
		Handler:     d.checkHealth,
	})
	d.register(&Tool{
		Name:        "start_monitoring",
		Description: "Start a periodic health-monitoring session for a printer",
		Params: []Param{
			printerParam,
			{Name: "job_id", Type: "string", Description: "Job the session watches"},
			{Name: "interval_seconds", Type: "integer", Description: "Seconds between checks"},
			{Name: "check_count", Type: "integer", Description: "Checks before the session completes"},
			{Name: "initial_delay_seconds", Type: "integer", Description: "Wait before the first check"},
			{Name: "drift_threshold", Type: "number", Description: "Thermal drift threshold in Celsius"},
			{Name: "stall_timeout_seconds", Type: "integer", Description: "Frozen-progress timeout; 0 disables stall detection"},
			{Name: "auto_pause", Type: "boolean", Description: "Pause the print on a critical report"},
		},
		Handler: d.startMonitoring,
	})
	d.register(&Tool{
		Name:        "stop_monitoring",
		Description: "Stop a printer's monitoring session; stopping an already-stopped session returns the final snapshot",
		Params:      []Param{printerParam},
		Handler:     d.stopMonitoring,
	})
	d.register(&Tool{
		Name:        "monitoring_status",
		Description: "The running session for a printer, or a past session by session_id",
		Params: []Param{
			printerParam,
			{Name: "session_id", Type: "string", Description: "Look up a specific session instead"},
		},
		Handler: d.monitoringStatus,
	})
	d.register(&Tool{
		Name:        "health_history",
		Description: "Recent health reports for a printer, oldest first",
		Params:      []Param{printerParam},
		Handler:     d.healthHistory,
	})
}

func (d *Dispatcher) checkHealth(ctx context.Context, args Args) (map[string]any, error) {
	a, err := d.resolveAdapter(args)
	if err != nil {
		return nil, err
	}
	report, err := d.deps.Monitor.CheckOnce(ctx, a.ID())
	if err != nil {
		return nil, err
	}
	return map[string]any{"report": report}, nil
}

func (d *Dispatcher) startMonitoring(ctx context.Context, args Args) (map[string]any, error) {
	a, err := d.resolveAdapter(args)
	if err != nil {
		return nil, err
	}

	base := d.deps.Config.MonitorPolicy()
	policy := types.MonitorPolicy{
		InitialDelay:   args.Seconds("initial_delay_seconds", base.InitialDelay),
		CheckCount:     args.Int("check_count", base.CheckCount),
		Interval:       args.Seconds("interval_seconds", base.Interval),
		AutoPause:      args.Bool("auto_pause") || base.AutoPause,
		DriftThreshold: base.DriftThreshold,
		StallTimeout:   args.Seconds("stall_timeout_seconds", base.StallTimeout),
	}
	if drift, ok := args.Float("drift_threshold"); ok {
		policy.DriftThreshold = drift
	}

	return d.runGated(ctx, args, &safety.Request{
		Tool:      "start_monitoring",
		PrinterID: a.ID(),
		Details:   map[string]any{"interval": policy.Interval.String(), "check_count": policy.CheckCount},
		Action: func(ctx context.Context) (any, error) {
			session, err := d.deps.Monitor.StartMonitoring(a.ID(), args.String("job_id"), &policy)
			if err != nil {
				return nil, err
			}
			return map[string]any{"session_id": session.ID, "session": session}, nil
		},
	})
}

func (d *Dispatcher) stopMonitoring(ctx context.Context, args Args) (map[string]any, error) {
	a, err := d.resolveAdapter(args)
	if err != nil {
		return nil, err
	}

	return d.runGated(ctx, args, &safety.Request{
		Tool:      "stop_monitoring",
		PrinterID: a.ID(),
		Action: func(ctx context.Context) (any, error) {
			session, err := d.deps.Monitor.StopMonitoring(a.ID())
			if err != nil {
				return nil, err
			}
			return map[string]any{"session": session}, nil
		},
	})
}

func (d *Dispatcher) monitoringStatus(ctx context.Context, args Args) (map[string]any, error) {
	if sessionID := args.String("session_id"); sessionID != "" {
		session, err := d.deps.Monitor.Session(sessionID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"session": session, "running": session.Status == types.SessionStatusMonitoring}, nil
	}

	a, err := d.resolveAdapter(args)
	if err != nil {
		return nil, err
	}
	session, running := d.deps.Monitor.ActiveSession(a.ID())
	payload := map[string]any{"printer_id": a.ID(), "running": running}
	if running {
		payload["session"] = session
	}
	return payload, nil
}

func (d *Dispatcher) healthHistory(ctx context.Context, args Args) (map[string]any, error) {
	a, err := d.resolveAdapter(args)
	if err != nil {
		return nil, err
	}
	reports := d.deps.Monitor.History(a.ID())
	return map[string]any{"printer_id": a.ID(), "reports": reports, "count": len(reports)}, nil
}
