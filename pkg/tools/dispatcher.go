package tools

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/kilnlabs/kiln/pkg/adapter"
	"github.com/kilnlabs/kiln/pkg/config"
	"github.com/kilnlabs/kiln/pkg/events"
	"github.com/kilnlabs/kiln/pkg/fleet"
	"github.com/kilnlabs/kiln/pkg/health"
	"github.com/kilnlabs/kiln/pkg/log"
	"github.com/kilnlabs/kiln/pkg/metrics"
	"github.com/kilnlabs/kiln/pkg/recovery"
	"github.com/kilnlabs/kiln/pkg/safety"
	"github.com/kilnlabs/kiln/pkg/storage"
	"github.com/kilnlabs/kiln/pkg/types"
)

// Deps are the collaborators behind the tool surface. Tools never touch
// hardware directly; every mutation goes through an adapter, the
// orchestrator, or the monitor, and every gated mutation goes through
// the safety gate first.
type Deps struct {
	Config       *config.Config
	Store        storage.Store
	Registry     *adapter.Registry
	Orchestrator *fleet.Orchestrator
	Gate         *safety.Gate
	Broker       *events.Broker
	Monitor      *health.Manager
	Recovery     *recovery.Planner
}

// Handler executes one tool call. The returned map is the success
// payload; Dispatch wraps it into the envelope.
type Handler func(ctx context.Context, args Args) (map[string]any, error)

// Param describes one tool argument for schema generation.
type Param struct {
	Name        string
	Type        string // string, number, integer, boolean, array
	Required    bool
	Description string
}

// Tool is one agent-callable operation.
type Tool struct {
	Name        string
	Description string
	Params      []Param
	Handler     Handler
}

// Level returns the tool's safety classification.
func (t *Tool) Level() types.SafetyLevel {
	return safety.Classify(t.Name)
}

// Dispatcher owns the tool catalogue. Registration happens once at
// construction; Dispatch is safe for concurrent use.
type Dispatcher struct {
	deps   Deps
	logger zerolog.Logger

	tools map[string]*Tool
	order []string
}

// NewDispatcher builds the dispatcher and registers the full catalogue.
func NewDispatcher(deps Deps) *Dispatcher {
	d := &Dispatcher{
		deps:   deps,
		logger: log.WithComponent("tools"),
		tools:  make(map[string]*Tool),
	}
	d.registerPrinterTools()
	d.registerFleetTools()
	d.registerEventTools()
	d.registerHealthTools()
	d.registerRecoveryTools()
	d.registerSafetyTools()
	return d
}

// Tools lists the catalogue in registration order.
func (d *Dispatcher) Tools() []*Tool {
	out := make([]*Tool, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.tools[name])
	}
	return out
}

// Dispatch runs one tool call and always returns an envelope: a
// success payload with success=true, or a failure with the error's
// code, message, and retryability. Handler panics are not recovered;
// a panicking handler is a bug, not a tool failure.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, rawArgs map[string]any) map[string]any {
	tool, exists := d.tools[name]
	if !exists {
		return failure(types.NewError(types.CodeNotFound, "unknown tool: %s", name))
	}

	timer := metrics.NewTimer()
	result, err := tool.Handler(ctx, Args(rawArgs))
	timer.ObserveDurationVec(metrics.ToolDuration, name)

	if err != nil {
		metrics.ToolInvocationsTotal.WithLabelValues(name, "error").Inc()
		d.logger.Debug().
			Str("tool", name).
			Str("code", string(types.CodeOf(err))).
			Str("error", err.Error()).
			Msg("Tool call failed")
		return failure(err)
	}

	metrics.ToolInvocationsTotal.WithLabelValues(name, "success").Inc()
	return success(result)
}

func (d *Dispatcher) register(t *Tool) {
	if _, dup := d.tools[t.Name]; dup {
		panic(fmt.Sprintf("tool registered twice: %s", t.Name))
	}
	d.tools[t.Name] = t
	d.order = append(d.order, t.Name)
}

// success wraps a payload into the envelope. A nil payload becomes a
// bare success.
func success(result map[string]any) map[string]any {
	env := map[string]any{"success": true}
	for k, v := range result {
		env[k] = v
	}
	return env
}

// failure builds the error envelope. Diagnostic details attached to
// the error (blocked_commands, pre-flight checks) are lifted to the
// top level next to the error object.
func failure(err error) map[string]any {
	e := types.AsError(err)
	env := map[string]any{
		"success": false,
		"error": map[string]any{
			"code":      string(e.Code),
			"message":   e.Error(),
			"retryable": e.Retryable(),
		},
	}
	for k, v := range e.Details {
		if k != "success" && k != "error" {
			env[k] = v
		}
	}
	return env
}

// runGated takes a request through the safety gate and folds the
// outcome into a tool payload. The caller's Action must return a
// map[string]any (or nil).
func (d *Dispatcher) runGated(ctx context.Context, args Args, req *safety.Request) (map[string]any, error) {
	req.AuthToken = args.String("auth_token")
	req.DryRun = args.Bool("dry_run")

	out, err := d.deps.Gate.Run(ctx, req)
	if err != nil {
		return nil, err
	}

	if out.Confirmation != nil {
		return map[string]any{
			"confirmation_required": true,
			"confirmation_token":    out.Confirmation.Token,
			"tool":                  out.Confirmation.Tool,
			"expires_at":            out.Confirmation.ExpiresAt,
			"message":               out.Confirmation.Message,
		}, nil
	}

	var result map[string]any
	if out.DryRun {
		result = map[string]any{"dry_run": true}
	} else if m, ok := out.Result.(map[string]any); ok {
		result = m
	} else {
		result = map[string]any{}
	}
	if len(out.Warnings) > 0 {
		result["warnings"] = out.Warnings
	}
	return result, nil
}

// resolveAdapter finds the target printer. With no printer_id argument
// a single-printer fleet resolves to that printer; anything else is an
// error that names the problem.
func (d *Dispatcher) resolveAdapter(args Args) (adapter.Adapter, error) {
	id := args.String("printer_id")
	if id == "" {
		ids := d.deps.Registry.List()
		switch len(ids) {
		case 0:
			return nil, types.NewError(types.CodeNotFound, "no printers registered")
		case 1:
			id = ids[0]
		default:
			return nil, types.NewError(types.CodeValidationError,
				"printer_id is required when %d printers are registered", len(ids))
		}
	}
	return d.deps.Registry.Get(id)
}
