package tools

import (
	"context"

	"github.com/kilnlabs/kiln/pkg/safety"
	"github.com/kilnlabs/kiln/pkg/types"
)

func (d *Dispatcher) registerRecoveryTools() {
	jobParam := Param{Name: "job_id", Type: "string", Required: true, Description: "Job the checkpoint or plan belongs to"}

	d.register(&Tool{
		Name:        "save_checkpoint",
		Description: "Persist a resume point for a job",
		Params: []Param{
			jobParam,
			{Name: "printer_id", Type: "string", Description: "Printer running the job"},
			{Name: "phase", Type: "string", Description: "Print phase at checkpoint time"},
			{Name: "progress_percent", Type: "number", Required: true, Description: "Completion 0-100"},
			{Name: "state", Type: "object", Description: "Machine state: z_height, layer_number, temperatures"},
		},
		Handler: d.saveCheckpoint,
	})
	d.register(&Tool{
		Name:        "list_checkpoints",
		Description: "A job's checkpoints, oldest first",
		Params:      []Param{jobParam},
		Handler:     d.listCheckpoints,
	})
	d.register(&Tool{
		Name:        "plan_recovery",
		Description: "Recommend a recovery strategy for a failed print",
		Params: []Param{
			jobParam,
			{Name: "failure_type", Type: "string", Required: true, Description: "Failure classification, e.g. POWER_LOSS"},
			{Name: "progress_percent", Type: "number", Description: "Completion at failure time"},
		},
		Handler: d.planRecovery,
	})
	d.register(&Tool{
		Name:        "execute_recovery",
		Description: "Execute a recovery strategy, consuming one retry slot",
		Params: []Param{
			jobParam,
			{Name: "strategy", Type: "string", Required: true, Description: "Strategy to execute, e.g. RESUME_FROM_CHECKPOINT"},
		},
		Handler: d.executeRecovery,
	})
	d.register(&Tool{
		Name:        "reset_retries",
		Description: "Restore a job's full recovery retry budget",
		Params:      []Param{jobParam},
		Handler:     d.resetRetries,
	})
}

func (d *Dispatcher) saveCheckpoint(ctx context.Context, args Args) (map[string]any, error) {
	jobID, err := args.RequireString("job_id")
	if err != nil {
		return nil, err
	}
	progress, err := args.RequireFloat("progress_percent")
	if err != nil {
		return nil, err
	}
	state := checkpointState(args.Map("state"))

	return d.runGated(ctx, args, &safety.Request{
		Tool:      "save_checkpoint",
		PrinterID: args.String("printer_id"),
		Details:   map[string]any{"job_id": jobID, "progress": progress},
		Action: func(ctx context.Context) (any, error) {
			cp, err := d.deps.Recovery.SaveCheckpoint(jobID, args.String("printer_id"), args.String("phase"), progress, state)
			if err != nil {
				return nil, err
			}
			return map[string]any{"checkpoint_id": cp.ID, "checkpoint": cp}, nil
		},
	})
}

func (d *Dispatcher) listCheckpoints(ctx context.Context, args Args) (map[string]any, error) {
	jobID, err := args.RequireString("job_id")
	if err != nil {
		return nil, err
	}
	cps, err := d.deps.Recovery.Checkpoints(jobID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"job_id": jobID, "checkpoints": cps, "count": len(cps)}, nil
}

func (d *Dispatcher) planRecovery(ctx context.Context, args Args) (map[string]any, error) {
	jobID, err := args.RequireString("job_id")
	if err != nil {
		return nil, err
	}
	failureType, err := args.RequireString("failure_type")
	if err != nil {
		return nil, err
	}
	progress, _ := args.Float("progress_percent")

	rec, err := d.deps.Recovery.PlanRecovery(jobID, types.FailureType(failureType), progress)
	if err != nil {
		return nil, err
	}
	return map[string]any{"recommendation": rec}, nil
}

func (d *Dispatcher) executeRecovery(ctx context.Context, args Args) (map[string]any, error) {
	jobID, err := args.RequireString("job_id")
	if err != nil {
		return nil, err
	}
	strategy, err := args.RequireString("strategy")
	if err != nil {
		return nil, err
	}

	return d.runGated(ctx, args, &safety.Request{
		Tool:    "execute_recovery",
		Details: map[string]any{"job_id": jobID, "strategy": strategy},
		Action: func(ctx context.Context) (any, error) {
			result, err := d.deps.Recovery.ExecuteRecovery(jobID, types.RecoveryStrategy(strategy))
			if err != nil {
				return nil, err
			}
			return map[string]any{"result": result}, nil
		},
	})
}

func (d *Dispatcher) resetRetries(ctx context.Context, args Args) (map[string]any, error) {
	jobID, err := args.RequireString("job_id")
	if err != nil {
		return nil, err
	}

	return d.runGated(ctx, args, &safety.Request{
		Tool:    "reset_retries",
		Details: map[string]any{"job_id": jobID},
		Action: func(ctx context.Context) (any, error) {
			d.deps.Recovery.ResetRetries(jobID)
			return map[string]any{"job_id": jobID, "reset": true}, nil
		},
	})
}

// checkpointState converts the loose state bag of a tool call into the
// typed checkpoint fields; unknown keys ride along in Extra.
func checkpointState(bag map[string]any) types.CheckpointState {
	var state types.CheckpointState
	num := func(key string) float64 {
		f, _ := Args(bag).Float(key)
		return f
	}
	state.ZHeight = num("z_height")
	state.LayerNumber = Args(bag).Int("layer_number", 0)
	state.HotendTemp = num("hotend_temp")
	state.BedTemp = num("bed_temp")
	state.FilamentExtruded = num("filament_extruded")
	state.FanPercent = num("fan_percent")
	state.FlowPercent = num("flow_percent")

	known := map[string]bool{
		"z_height": true, "layer_number": true, "hotend_temp": true,
		"bed_temp": true, "filament_extruded": true, "fan_percent": true,
		"flow_percent": true,
	}
	for k, v := range bag {
		if !known[k] {
			if state.Extra == nil {
				state.Extra = make(map[string]any)
			}
			state.Extra[k] = v
		}
	}
	return state
}
