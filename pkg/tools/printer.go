package tools

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/kilnlabs/kiln/pkg/gcode"
	"github.com/kilnlabs/kiln/pkg/safety"
	"github.com/kilnlabs/kiln/pkg/types"
)

const (
	defaultAwaitTimeout = time.Hour
	defaultAwaitPoll    = 5 * time.Second
)

func (d *Dispatcher) registerPrinterTools() {
	printerParam := Param{Name: "printer_id", Type: "string", Description: "Target printer; optional with a single registered printer"}

	d.register(&Tool{
		Name:        "printer_status",
		Description: "Live printer state: connection, status, temperatures, and in-flight job progress",
		Params:      []Param{printerParam},
		Handler:     d.printerStatus,
	})
	d.register(&Tool{
		Name:        "printer_files",
		Description: "List the files stored on the printer",
		Params:      []Param{printerParam},
		Handler:     d.printerFiles,
	})
	d.register(&Tool{
		Name:        "upload_file",
		Description: "Upload a local G-code file to the printer; the content is scanned before transfer",
		Params: []Param{
			printerParam,
			{Name: "local_path", Type: "string", Required: true, Description: "Path to the local file"},
		},
		Handler: d.uploadFile,
	})
	d.register(&Tool{
		Name:        "delete_file",
		Description: "Delete a file from the printer",
		Params: []Param{
			printerParam,
			{Name: "remote_path", Type: "string", Required: true, Description: "File path on the printer"},
		},
		Handler: d.deleteFile,
	})
	d.register(&Tool{
		Name:        "start_print",
		Description: "Start printing a file already on the printer; pre-flight checks run first",
		Params: []Param{
			printerParam,
			{Name: "file_name", Type: "string", Required: true, Description: "File on the printer to print"},
			{Name: "material", Type: "string", Description: "Expected material type for pre-flight"},
		},
		Handler: d.startPrint,
	})
	d.register(&Tool{
		Name:        "cancel_print",
		Description: "Cancel the current print",
		Params:      []Param{printerParam},
		Handler:     d.cancelPrint,
	})
	d.register(&Tool{
		Name:        "pause_print",
		Description: "Pause the current print",
		Params:      []Param{printerParam},
		Handler:     d.pausePrint,
	})
	d.register(&Tool{
		Name:        "resume_print",
		Description: "Resume a paused print",
		Params:      []Param{printerParam},
		Handler:     d.resumePrint,
	})
	d.register(&Tool{
		Name:        "emergency_stop",
		Description: "Halt the printer immediately; fire-and-forget, never waits for acknowledgement",
		Params:      []Param{printerParam},
		Handler:     d.emergencyStop,
	})
	d.register(&Tool{
		Name:        "set_temperature",
		Description: "Set a heater target, clamped to the printer's safety profile",
		Params: []Param{
			printerParam,
			{Name: "element", Type: "string", Required: true, Description: "tool or bed"},
			{Name: "target", Type: "number", Required: true, Description: "Target temperature in Celsius"},
		},
		Handler: d.setTemperature,
	})
	d.register(&Tool{
		Name:        "send_gcode",
		Description: "Send a batch of G-code commands after static safety analysis",
		Params: []Param{
			printerParam,
			{Name: "commands", Type: "array", Required: true, Description: "G-code lines, at most 100"},
		},
		Handler: d.sendGCode,
	})
	d.register(&Tool{
		Name:        "validate_gcode",
		Description: "Statically analyse G-code against the printer's safety profile without sending it",
		Params: []Param{
			printerParam,
			{Name: "commands", Type: "array", Required: true, Description: "G-code lines to analyse"},
		},
		Handler: d.validateGCode,
	})
	d.register(&Tool{
		Name:        "preflight_check",
		Description: "Run the pre-print readiness checks without starting anything",
		Params: []Param{
			printerParam,
			{Name: "local_path", Type: "string", Description: "Local file to validate"},
			{Name: "material", Type: "string", Description: "Expected material type"},
			{Name: "remote_name", Type: "string", Description: "File that must exist on the printer"},
		},
		Handler: d.preflightCheck,
	})
	d.register(&Tool{
		Name:        "printer_snapshot",
		Description: "Fetch a webcam frame from the printer as base64 JPEG",
		Params:      []Param{printerParam},
		Handler:     d.printerSnapshot,
	})
	d.register(&Tool{
		Name:        "firmware_status",
		Description: "Report installed and available firmware versions",
		Params:      []Param{printerParam},
		Handler:     d.firmwareStatus,
	})
	d.register(&Tool{
		Name:        "update_firmware",
		Description: "Start a firmware update on printers that support it",
		Params: []Param{
			printerParam,
			{Name: "component", Type: "string", Description: "Component to update; empty means the default target"},
		},
		Handler: d.updateFirmware,
	})
	d.register(&Tool{
		Name:        "rollback_firmware",
		Description: "Roll a component back to its previous firmware",
		Params: []Param{
			printerParam,
			{Name: "component", Type: "string", Required: true, Description: "Component to roll back"},
		},
		Handler: d.rollbackFirmware,
	})
	d.register(&Tool{
		Name:        "await_print_completion",
		Description: "Block until the current print reaches a terminal printer state or the timeout expires",
		Params: []Param{
			printerParam,
			{Name: "timeout_seconds", Type: "integer", Description: "Give up after this long (default 3600)"},
			{Name: "poll_seconds", Type: "integer", Description: "Poll interval (default 5)"},
		},
		Handler: d.awaitPrintCompletion,
	})
}

func (d *Dispatcher) printerStatus(ctx context.Context, args Args) (map[string]any, error) {
	a, err := d.resolveAdapter(args)
	if err != nil {
		return nil, err
	}

	state, err := a.GetState(ctx)
	if err != nil {
		return nil, err
	}
	result := map[string]any{
		"printer_id":   a.ID(),
		"adapter_type": string(a.Type()),
		"profile":      a.Profile().ID,
		"state":        state,
		"capabilities": a.Capabilities(),
	}
	if state.Connected {
		if job, err := a.GetJob(ctx); err == nil && job != nil {
			result["job"] = job
		}
	}
	return result, nil
}

func (d *Dispatcher) printerFiles(ctx context.Context, args Args) (map[string]any, error) {
	a, err := d.resolveAdapter(args)
	if err != nil {
		return nil, err
	}
	files, err := a.ListFiles(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"printer_id": a.ID(), "files": files, "count": len(files)}, nil
}

func (d *Dispatcher) uploadFile(ctx context.Context, args Args) (map[string]any, error) {
	a, err := d.resolveAdapter(args)
	if err != nil {
		return nil, err
	}
	localPath, err := args.RequireString("local_path")
	if err != nil {
		return nil, err
	}

	return d.runGated(ctx, args, &safety.Request{
		Tool:      "upload_file",
		PrinterID: a.ID(),
		Adapter:   a,
		LocalPath: localPath,
		Details:   map[string]any{"local_path": localPath},
		Action: func(ctx context.Context) (any, error) {
			if err := a.UploadFile(ctx, localPath); err != nil {
				return nil, err
			}
			return map[string]any{"uploaded": localPath}, nil
		},
	})
}

func (d *Dispatcher) deleteFile(ctx context.Context, args Args) (map[string]any, error) {
	a, err := d.resolveAdapter(args)
	if err != nil {
		return nil, err
	}
	remotePath, err := args.RequireString("remote_path")
	if err != nil {
		return nil, err
	}

	return d.runGated(ctx, args, &safety.Request{
		Tool:      "delete_file",
		PrinterID: a.ID(),
		Adapter:   a,
		Details:   map[string]any{"remote_path": remotePath},
		Action: func(ctx context.Context) (any, error) {
			if err := a.DeleteFile(ctx, remotePath); err != nil {
				return nil, err
			}
			return map[string]any{"deleted": remotePath}, nil
		},
	})
}

func (d *Dispatcher) startPrint(ctx context.Context, args Args) (map[string]any, error) {
	a, err := d.resolveAdapter(args)
	if err != nil {
		return nil, err
	}
	fileName, err := args.RequireString("file_name")
	if err != nil {
		return nil, err
	}

	return d.runGated(ctx, args, &safety.Request{
		Tool:       "start_print",
		PrinterID:  a.ID(),
		Adapter:    a,
		RemoteName: fileName,
		Material:   args.String("material"),
		Details:    map[string]any{"file_name": fileName},
		Action: func(ctx context.Context) (any, error) {
			if err := a.StartPrint(ctx, fileName); err != nil {
				return nil, err
			}
			return map[string]any{"printing": fileName}, nil
		},
	})
}

func (d *Dispatcher) cancelPrint(ctx context.Context, args Args) (map[string]any, error) {
	return d.simpleControl(ctx, args, "cancel_print", func(ctx context.Context, a printerOps) error {
		return a.CancelPrint(ctx)
	})
}

func (d *Dispatcher) pausePrint(ctx context.Context, args Args) (map[string]any, error) {
	return d.simpleControl(ctx, args, "pause_print", func(ctx context.Context, a printerOps) error {
		return a.PausePrint(ctx)
	})
}

func (d *Dispatcher) resumePrint(ctx context.Context, args Args) (map[string]any, error) {
	return d.simpleControl(ctx, args, "resume_print", func(ctx context.Context, a printerOps) error {
		return a.ResumePrint(ctx)
	})
}

func (d *Dispatcher) emergencyStop(ctx context.Context, args Args) (map[string]any, error) {
	return d.simpleControl(ctx, args, "emergency_stop", func(ctx context.Context, a printerOps) error {
		return a.EmergencyStop(ctx)
	})
}

// printerOps is the slice of the adapter contract the one-verb control
// tools need.
type printerOps interface {
	CancelPrint(ctx context.Context) error
	PausePrint(ctx context.Context) error
	ResumePrint(ctx context.Context) error
	EmergencyStop(ctx context.Context) error
}

func (d *Dispatcher) simpleControl(ctx context.Context, args Args, tool string, op func(context.Context, printerOps) error) (map[string]any, error) {
	a, err := d.resolveAdapter(args)
	if err != nil {
		return nil, err
	}

	return d.runGated(ctx, args, &safety.Request{
		Tool:      tool,
		PrinterID: a.ID(),
		Adapter:   a,
		Action: func(ctx context.Context) (any, error) {
			if err := op(ctx, a); err != nil {
				return nil, err
			}
			return map[string]any{"printer_id": a.ID()}, nil
		},
	})
}

func (d *Dispatcher) setTemperature(ctx context.Context, args Args) (map[string]any, error) {
	a, err := d.resolveAdapter(args)
	if err != nil {
		return nil, err
	}
	element := strings.ToLower(args.String("element"))
	if element != "tool" && element != "bed" {
		return nil, types.NewError(types.CodeValidationError, "element must be tool or bed")
	}
	target, err := args.RequireFloat("target")
	if err != nil {
		return nil, err
	}

	return d.runGated(ctx, args, &safety.Request{
		Tool:      "set_temperature",
		PrinterID: a.ID(),
		Adapter:   a,
		Details:   map[string]any{"element": element, "target": target},
		Action: func(ctx context.Context) (any, error) {
			var err error
			if element == "tool" {
				err = a.SetToolTemp(ctx, target)
			} else {
				err = a.SetBedTemp(ctx, target)
			}
			if err != nil {
				return nil, err
			}
			return map[string]any{"element": element, "target": target}, nil
		},
	})
}

func (d *Dispatcher) sendGCode(ctx context.Context, args Args) (map[string]any, error) {
	a, err := d.resolveAdapter(args)
	if err != nil {
		return nil, err
	}
	commands := args.Strings("commands")
	if len(commands) == 0 {
		return nil, types.NewError(types.CodeValidationError, "commands is required")
	}

	return d.runGated(ctx, args, &safety.Request{
		Tool:      "send_gcode",
		PrinterID: a.ID(),
		Adapter:   a,
		GCode:     commands,
		Details:   map[string]any{"command_count": len(commands)},
		Action: func(ctx context.Context) (any, error) {
			if err := a.SendGCode(ctx, commands); err != nil {
				return nil, err
			}
			return map[string]any{"sent": len(commands)}, nil
		},
	})
}

func (d *Dispatcher) validateGCode(ctx context.Context, args Args) (map[string]any, error) {
	a, err := d.resolveAdapter(args)
	if err != nil {
		return nil, err
	}
	commands := args.Strings("commands")
	if len(commands) == 0 {
		return nil, types.NewError(types.CodeValidationError, "commands is required")
	}

	result := gcode.Analyze(strings.Join(commands, "\n"), a.Profile())
	payload := map[string]any{
		"valid":         result.OK(),
		"command_count": len(result.Commands),
	}
	if len(result.Violations) > 0 {
		payload["violations"] = result.Violations
		payload["blocked_commands"] = result.BlockedCommands()
	}
	if len(result.Warnings) > 0 {
		payload["warnings"] = result.Warnings
	}
	return payload, nil
}

func (d *Dispatcher) preflightCheck(ctx context.Context, args Args) (map[string]any, error) {
	a, err := d.resolveAdapter(args)
	if err != nil {
		return nil, err
	}

	result := safety.RunPreflight(ctx, a, d.deps.Store, safety.PreflightOptions{
		LocalPath:  args.String("local_path"),
		Material:   args.String("material"),
		RemoteName: args.String("remote_name"),
		Strict:     d.deps.Config.StrictMaterialCheck,
	})
	payload := map[string]any{
		"printer_id": a.ID(),
		"ready":      result.Ready,
		"checks":     result.Checks,
	}
	if len(result.Errors) > 0 {
		payload["errors"] = result.Errors
	}
	if len(result.Warnings) > 0 {
		payload["warnings"] = result.Warnings
	}
	return payload, nil
}

func (d *Dispatcher) printerSnapshot(ctx context.Context, args Args) (map[string]any, error) {
	a, err := d.resolveAdapter(args)
	if err != nil {
		return nil, err
	}
	frame, err := a.GetSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"printer_id": a.ID(),
		"image":      base64.StdEncoding.EncodeToString(frame),
		"media_type": "image/jpeg",
		"bytes":      len(frame),
	}
	if url, err := a.GetStreamURL(); err == nil && url != "" {
		payload["stream_url"] = url
	}
	return payload, nil
}

func (d *Dispatcher) firmwareStatus(ctx context.Context, args Args) (map[string]any, error) {
	a, err := d.resolveAdapter(args)
	if err != nil {
		return nil, err
	}
	status, err := a.FirmwareStatus(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"printer_id": a.ID(), "firmware": status}, nil
}

func (d *Dispatcher) updateFirmware(ctx context.Context, args Args) (map[string]any, error) {
	a, err := d.resolveAdapter(args)
	if err != nil {
		return nil, err
	}
	component := args.String("component")

	return d.runGated(ctx, args, &safety.Request{
		Tool:      "update_firmware",
		PrinterID: a.ID(),
		Adapter:   a,
		Details:   map[string]any{"component": component},
		Action: func(ctx context.Context) (any, error) {
			if err := a.UpdateFirmware(ctx, component); err != nil {
				return nil, err
			}
			return map[string]any{"component": component, "started": true}, nil
		},
	})
}

func (d *Dispatcher) rollbackFirmware(ctx context.Context, args Args) (map[string]any, error) {
	a, err := d.resolveAdapter(args)
	if err != nil {
		return nil, err
	}
	component, err := args.RequireString("component")
	if err != nil {
		return nil, err
	}

	return d.runGated(ctx, args, &safety.Request{
		Tool:      "rollback_firmware",
		PrinterID: a.ID(),
		Adapter:   a,
		Details:   map[string]any{"component": component},
		Action: func(ctx context.Context) (any, error) {
			if err := a.RollbackFirmware(ctx, component); err != nil {
				return nil, err
			}
			return map[string]any{"component": component, "rolled_back": true}, nil
		},
	})
}

func (d *Dispatcher) awaitPrintCompletion(ctx context.Context, args Args) (map[string]any, error) {
	a, err := d.resolveAdapter(args)
	if err != nil {
		return nil, err
	}
	timeout := args.Seconds("timeout_seconds", defaultAwaitTimeout)
	poll := args.Seconds("poll_seconds", defaultAwaitPoll)
	if poll <= 0 {
		poll = defaultAwaitPoll
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		state, err := a.GetState(ctx)
		if err != nil {
			return nil, err
		}
		if state.Connected && !state.Status.Busy() {
			payload := map[string]any{
				"printer_id": a.ID(),
				"completed":  true,
				"status":     string(state.Status),
			}
			if job, err := a.GetJob(ctx); err == nil && job != nil {
				payload["job"] = job
			}
			return payload, nil
		}

		if time.Now().After(deadline) {
			payload := map[string]any{
				"printer_id": a.ID(),
				"completed":  false,
				"status":     string(state.Status),
			}
			if job, err := a.GetJob(ctx); err == nil && job != nil {
				payload["job"] = job
			}
			return payload, nil
		}

		select {
		case <-ctx.Done():
			return nil, types.WrapError(types.CodeError, ctx.Err(), "wait interrupted")
		case <-ticker.C:
		}
	}
}
