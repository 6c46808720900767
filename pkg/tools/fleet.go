package tools

import (
	"context"
	"time"

	"github.com/kilnlabs/kiln/pkg/adapter"
	"github.com/kilnlabs/kiln/pkg/config"
	"github.com/kilnlabs/kiln/pkg/fleet"
	"github.com/kilnlabs/kiln/pkg/safety"
	"github.com/kilnlabs/kiln/pkg/types"
)

const defaultHistoryLimit = 50

func (d *Dispatcher) registerFleetTools() {
	d.register(&Tool{
		Name:        "fleet_status",
		Description: "Fleet-wide utilization: printers by status, jobs by status, and per-printer cached state",
		Handler:     d.fleetStatus,
	})
	d.register(&Tool{
		Name:        "register_printer",
		Description: "Register a printer backend and connect its adapter",
		Params: []Param{
			{Name: "name", Type: "string", Required: true, Description: "Unique printer name"},
			{Name: "type", Type: "string", Required: true, Description: "octoprint, moonraker, bambu, prusaconnect, or serial"},
			{Name: "host", Type: "string", Description: "Base URL or IP"},
			{Name: "api_key", Type: "string", Description: "Backend credential"},
			{Name: "serial", Type: "string", Description: "Bambu device serial"},
			{Name: "model", Type: "string", Description: "Safety-profile identifier, e.g. prusa_mk4"},
			{Name: "options", Type: "object", Description: "Adapter-specific settings (baud, access_code, device)"},
		},
		Handler: d.registerPrinter,
	})
	d.register(&Tool{
		Name:        "unregister_printer",
		Description: "Remove a printer and close its adapter",
		Params: []Param{
			{Name: "printer_id", Type: "string", Required: true, Description: "Printer to remove"},
		},
		Handler: d.unregisterPrinter,
	})
	d.register(&Tool{
		Name:        "submit_job",
		Description: "Queue a print job for assignment",
		Params: []Param{
			{Name: "source_file", Type: "string", Required: true, Description: "File the job will print"},
			{Name: "priority", Type: "integer", Description: "Larger is more urgent"},
			{Name: "max_attempts", Type: "integer", Description: "Printer failures tolerated before the job fails (default 3)"},
			{Name: "preferred_printer", Type: "string", Description: "Printer to favor when idle"},
			{Name: "submitted_by", Type: "string", Description: "Caller identity for the job record"},
		},
		Handler: d.submitJob,
	})
	d.register(&Tool{
		Name:        "assign_job",
		Description: "Bind one queued job to an idle printer",
		Params: []Param{
			{Name: "job_id", Type: "string", Required: true, Description: "Queued job to place"},
		},
		Handler: d.assignJob,
	})
	d.register(&Tool{
		Name:        "assign_all",
		Description: "Drain the queue onto idle printers in priority order",
		Handler:     d.assignAll,
	})
	d.register(&Tool{
		Name:        "job_status",
		Description: "Current state of one job",
		Params: []Param{
			{Name: "job_id", Type: "string", Required: true, Description: "Job to inspect"},
		},
		Handler: d.jobStatus,
	})
	d.register(&Tool{
		Name:        "queue_summary",
		Description: "Job counts by status plus the queued backlog in assignment order",
		Handler:     d.queueSummary,
	})
	d.register(&Tool{
		Name:        "cancel_job",
		Description: "Cancel a non-terminal job, stopping its printer if it was printing; cancelling a finished job reports cancelled=false",
		Params: []Param{
			{Name: "job_id", Type: "string", Required: true, Description: "Job to cancel"},
			{Name: "reason", Type: "string", Description: "Recorded on the job's error field"},
		},
		Handler: d.cancelJob,
	})
	d.register(&Tool{
		Name:        "job_history",
		Description: "Finished jobs, newest first",
		Params: []Param{
			{Name: "limit", Type: "integer", Description: "Maximum rows (default 50)"},
		},
		Handler: d.jobHistory,
	})
	d.register(&Tool{
		Name:        "mark_job_printing",
		Description: "Record that the assigned printer accepted the print",
		Params: []Param{
			{Name: "job_id", Type: "string", Required: true},
		},
		Handler: d.markJobPrinting,
	})
	d.register(&Tool{
		Name:        "mark_job_completed",
		Description: "Record a successful print and release the printer",
		Params: []Param{
			{Name: "job_id", Type: "string", Required: true},
		},
		Handler: d.markJobCompleted,
	})
	d.register(&Tool{
		Name:        "mark_job_failed",
		Description: "Record a failed print; the job requeues until its attempts run out",
		Params: []Param{
			{Name: "job_id", Type: "string", Required: true},
			{Name: "reason", Type: "string", Required: true, Description: "What went wrong"},
		},
		Handler: d.markJobFailed,
	})
	d.register(&Tool{
		Name:        "purge_completed",
		Description: "Drop terminal jobs from the active set; history rows remain",
		Params: []Param{
			{Name: "age_seconds", Type: "integer", Description: "Only purge jobs finished at least this long ago (default 0: all)"},
		},
		Handler: d.purgeCompleted,
	})
	d.register(&Tool{
		Name:        "cancel_all_queued",
		Description: "Cancel every queued job",
		Params: []Param{
			{Name: "reason", Type: "string", Description: "Recorded on each job's error field"},
		},
		Handler: d.cancelAllQueued,
	})
}

func (d *Dispatcher) fleetStatus(ctx context.Context, args Args) (map[string]any, error) {
	u := d.deps.Orchestrator.Utilization()

	printers := make([]map[string]any, 0, d.deps.Registry.Len())
	for _, id := range d.deps.Registry.List() {
		entry := map[string]any{"printer_id": id}
		if state, at, err := d.deps.Registry.CachedState(id); err == nil {
			entry["state"] = state
			entry["state_at"] = at
		}
		if job, bound := d.deps.Orchestrator.JobForPrinter(id); bound {
			entry["job_id"] = job.ID
		}
		printers = append(printers, entry)
	}

	return map[string]any{
		"utilization": u,
		"printers":    printers,
	}, nil
}

func (d *Dispatcher) registerPrinter(ctx context.Context, args Args) (map[string]any, error) {
	name, err := args.RequireString("name")
	if err != nil {
		return nil, err
	}
	typeName, err := args.RequireString("type")
	if err != nil {
		return nil, err
	}
	adapterType, err := config.ParseAdapterType(typeName)
	if err != nil {
		return nil, err
	}

	record := &types.PrinterRecord{
		ID:            name,
		AdapterType:   adapterType,
		Connection:    args.StringMap("options"),
		SafetyProfile: args.StringOr("model", "generic"),
		RegisteredAt:  time.Now().UTC(),
	}
	if record.Connection == nil {
		record.Connection = make(map[string]string)
	}
	if host := args.String("host"); host != "" {
		record.Connection["host"] = host
	}
	if key := args.String("api_key"); key != "" {
		record.Connection["api_key"] = key
	}
	if serial := args.String("serial"); serial != "" {
		record.Connection["serial"] = serial
	}

	return d.runGated(ctx, args, &safety.Request{
		Tool:      "register_printer",
		PrinterID: name,
		Details:   map[string]any{"type": string(adapterType), "model": record.SafetyProfile},
		Action: func(ctx context.Context) (any, error) {
			a, err := adapter.New(record)
			if err != nil {
				return nil, err
			}
			if err := d.deps.Registry.Register(a); err != nil {
				a.Close()
				return nil, err
			}
			if err := a.Connect(ctx); err != nil {
				// Registration survives a failed first connect; the
				// poller keeps retrying and the cached state stays
				// offline until the printer answers.
				d.logger.Warn().Str("printer_id", name).Err(err).Msg("Initial connect failed")
			}
			if d.deps.Store != nil {
				if err := d.deps.Store.CreatePrinter(record); err != nil {
					d.logger.Warn().Str("printer_id", name).Err(err).Msg("Printer record persist failed")
				}
			}
			return map[string]any{
				"printer_id": name,
				"type":       string(adapterType),
				"profile":    a.Profile().ID,
			}, nil
		},
	})
}

func (d *Dispatcher) unregisterPrinter(ctx context.Context, args Args) (map[string]any, error) {
	id, err := args.RequireString("printer_id")
	if err != nil {
		return nil, err
	}

	return d.runGated(ctx, args, &safety.Request{
		Tool:      "unregister_printer",
		PrinterID: id,
		Action: func(ctx context.Context) (any, error) {
			if job, bound := d.deps.Orchestrator.JobForPrinter(id); bound {
				return nil, types.NewError(types.CodeConflict,
					"printer %s is bound to job %s, cancel or complete it first", id, job.ID)
			}
			if err := d.deps.Registry.Unregister(id); err != nil {
				return nil, err
			}
			if d.deps.Store != nil {
				if err := d.deps.Store.DeletePrinter(id); err != nil {
					d.logger.Warn().Str("printer_id", id).Err(err).Msg("Printer record delete failed")
				}
			}
			return map[string]any{"printer_id": id, "unregistered": true}, nil
		},
	})
}

func (d *Dispatcher) submitJob(ctx context.Context, args Args) (map[string]any, error) {
	sourceFile, err := args.RequireString("source_file")
	if err != nil {
		return nil, err
	}

	return d.runGated(ctx, args, &safety.Request{
		Tool:    "submit_job",
		Details: map[string]any{"source_file": sourceFile},
		Action: func(ctx context.Context) (any, error) {
			job, err := d.deps.Orchestrator.Submit(sourceFile, fleet.SubmitOptions{
				Priority:         args.Int("priority", 0),
				MaxAttempts:      args.Int("max_attempts", 0),
				PreferredPrinter: args.String("preferred_printer"),
				SubmittedBy:      args.String("submitted_by"),
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"job_id": job.ID, "job": job}, nil
		},
	})
}

func (d *Dispatcher) assignJob(ctx context.Context, args Args) (map[string]any, error) {
	jobID, err := args.RequireString("job_id")
	if err != nil {
		return nil, err
	}
	result, err := d.deps.Orchestrator.Assign(jobID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"assignment": result, "assigned": result.Success}, nil
}

func (d *Dispatcher) assignAll(ctx context.Context, args Args) (map[string]any, error) {
	results := d.deps.Orchestrator.AssignAll()
	assigned := 0
	for _, r := range results {
		if r.Success {
			assigned++
		}
	}
	return map[string]any{
		"assignments": results,
		"assigned":    assigned,
		"unassigned":  len(results) - assigned,
	}, nil
}

func (d *Dispatcher) jobStatus(ctx context.Context, args Args) (map[string]any, error) {
	jobID, err := args.RequireString("job_id")
	if err != nil {
		return nil, err
	}
	job, err := d.deps.Orchestrator.Job(jobID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"job": job}, nil
}

func (d *Dispatcher) queueSummary(ctx context.Context, args Args) (map[string]any, error) {
	counts := d.deps.Orchestrator.JobCounts()

	var queued []*types.Job
	for _, job := range d.deps.Orchestrator.Jobs() {
		if job.Status == types.JobStatusQueued {
			queued = append(queued, job)
		}
	}

	return map[string]any{
		"counts": counts,
		"queued": queued,
	}, nil
}

func (d *Dispatcher) cancelJob(ctx context.Context, args Args) (map[string]any, error) {
	jobID, err := args.RequireString("job_id")
	if err != nil {
		return nil, err
	}
	reason := args.String("reason")

	return d.runGated(ctx, args, &safety.Request{
		Tool:    "cancel_job",
		Details: map[string]any{"job_id": jobID, "reason": reason},
		Action: func(ctx context.Context) (any, error) {
			cancelled, printerID, err := d.deps.Orchestrator.Cancel(jobID, reason)
			if err != nil {
				return nil, err
			}
			payload := map[string]any{"job_id": jobID, "cancelled": cancelled}

			// The orchestrator only flips state; a printing job's
			// hardware is stopped here, with no orchestrator lock held.
			if printerID != "" {
				payload["printer_id"] = printerID
				if a, err := d.deps.Registry.Get(printerID); err == nil {
					if err := a.CancelPrint(ctx); err != nil {
						d.logger.Warn().
							Str("job_id", jobID).
							Str("printer_id", printerID).
							Err(err).
							Msg("Print stop failed, job cancelled anyway")
						payload["printer_stopped"] = false
					} else {
						payload["printer_stopped"] = true
					}
				}
			}
			return payload, nil
		},
	})
}

func (d *Dispatcher) jobHistory(ctx context.Context, args Args) (map[string]any, error) {
	limit := args.Int("limit", defaultHistoryLimit)
	jobs, err := d.deps.Orchestrator.History(limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"jobs": jobs, "count": len(jobs)}, nil
}

func (d *Dispatcher) markJobPrinting(ctx context.Context, args Args) (map[string]any, error) {
	jobID, err := args.RequireString("job_id")
	if err != nil {
		return nil, err
	}
	job, err := d.deps.Orchestrator.MarkPrinting(jobID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"job": job}, nil
}

func (d *Dispatcher) markJobCompleted(ctx context.Context, args Args) (map[string]any, error) {
	jobID, err := args.RequireString("job_id")
	if err != nil {
		return nil, err
	}
	job, err := d.deps.Orchestrator.MarkCompleted(jobID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"job": job}, nil
}

func (d *Dispatcher) markJobFailed(ctx context.Context, args Args) (map[string]any, error) {
	jobID, err := args.RequireString("job_id")
	if err != nil {
		return nil, err
	}
	reason, err := args.RequireString("reason")
	if err != nil {
		return nil, err
	}
	job, err := d.deps.Orchestrator.MarkFailed(jobID, reason)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"job":        job,
		"will_retry": job.Status == types.JobStatusQueued,
	}, nil
}

func (d *Dispatcher) purgeCompleted(ctx context.Context, args Args) (map[string]any, error) {
	age := args.Seconds("age_seconds", 0)
	return d.runGated(ctx, args, &safety.Request{
		Tool:    "purge_completed",
		Details: map[string]any{"age": age.String()},
		Action: func(ctx context.Context) (any, error) {
			n, err := d.deps.Orchestrator.PurgeCompleted(age)
			if err != nil {
				return nil, err
			}
			return map[string]any{"purged": n}, nil
		},
	})
}

func (d *Dispatcher) cancelAllQueued(ctx context.Context, args Args) (map[string]any, error) {
	reason := args.String("reason")
	return d.runGated(ctx, args, &safety.Request{
		Tool:    "cancel_all_queued",
		Details: map[string]any{"reason": reason},
		Action: func(ctx context.Context) (any, error) {
			n, err := d.deps.Orchestrator.CancelAllQueued(reason)
			if err != nil {
				return nil, err
			}
			return map[string]any{"cancelled": n}, nil
		},
	})
}
