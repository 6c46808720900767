package tools

import (
	"context"
	"strings"
	"time"

	"github.com/kilnlabs/kiln/pkg/safety"
	"github.com/kilnlabs/kiln/pkg/types"
)

const defaultAuditLimit = 50

func (d *Dispatcher) registerSafetyTools() {
	d.register(&Tool{
		Name:        "safety_status",
		Description: "The gate's live state: cooldowns, recent blocks, and pending confirmations",
		Handler:     d.safetyStatus,
	})
	d.register(&Tool{
		Name:        "safety_audit",
		Description: "Recent audit entries for gated operations, newest first",
		Params: []Param{
			{Name: "limit", Type: "integer", Description: "Maximum entries (default 50)"},
		},
		Handler: d.safetyAudit,
	})
	d.register(&Tool{
		Name:        "confirm_action",
		Description: "Execute a parked operation with its confirmation token; each token works exactly once",
		Params: []Param{
			{Name: "confirmation_token", Type: "string", Required: true, Description: "Token from the parked call"},
		},
		Handler: d.confirmAction,
	})
	d.register(&Tool{
		Name:        "set_loaded_material",
		Description: "Record what filament is loaded in a printer, consumed by pre-flight material checks",
		Params: []Param{
			{Name: "printer_id", Type: "string", Description: "Target printer; optional with a single registered printer"},
			{Name: "material", Type: "string", Required: true, Description: "Material type, e.g. PLA, PETG, ABS"},
			{Name: "color", Type: "string", Description: "Filament color"},
		},
		Handler: d.setLoadedMaterial,
	})
	d.register(&Tool{
		Name:        "list_materials",
		Description: "The known material types and their printing envelopes",
		Handler:     d.listMaterials,
	})
}

func (d *Dispatcher) safetyStatus(ctx context.Context, args Args) (map[string]any, error) {
	return map[string]any{"status": d.deps.Gate.Status()}, nil
}

func (d *Dispatcher) safetyAudit(ctx context.Context, args Args) (map[string]any, error) {
	limit := args.Int("limit", defaultAuditLimit)
	entries, err := d.deps.Store.ListAudit(limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entries, "count": len(entries)}, nil
}

func (d *Dispatcher) confirmAction(ctx context.Context, args Args) (map[string]any, error) {
	token, err := args.RequireString("confirmation_token")
	if err != nil {
		return nil, err
	}

	out, err := d.deps.Gate.Confirm(ctx, token)
	if err != nil {
		return nil, err
	}

	result, _ := out.Result.(map[string]any)
	if result == nil {
		result = map[string]any{}
	}
	result["confirmed"] = true
	if len(out.Warnings) > 0 {
		result["warnings"] = out.Warnings
	}
	return result, nil
}

func (d *Dispatcher) setLoadedMaterial(ctx context.Context, args Args) (map[string]any, error) {
	a, err := d.resolveAdapter(args)
	if err != nil {
		return nil, err
	}
	material, err := args.RequireString("material")
	if err != nil {
		return nil, err
	}
	material = strings.ToUpper(strings.TrimSpace(material))
	if _, known := safety.MaterialFor(material); !known {
		return nil, types.NewError(types.CodeValidationError,
			"unknown material %q, known types: %s", material, strings.Join(safety.Materials(), ", "))
	}

	return d.runGated(ctx, args, &safety.Request{
		Tool:      "set_loaded_material",
		PrinterID: a.ID(),
		Details:   map[string]any{"material": material},
		Action: func(ctx context.Context) (any, error) {
			record := &types.Material{
				PrinterID: a.ID(),
				Type:      material,
				Color:     args.String("color"),
				LoadedAt:  time.Now().UTC(),
			}
			if err := d.deps.Store.SetMaterial(record); err != nil {
				return nil, err
			}

			compat := safety.CheckCompatibility(material, a.Profile())
			return map[string]any{
				"material":      record,
				"compatibility": compat,
			}, nil
		},
	})
}

func (d *Dispatcher) listMaterials(ctx context.Context, args Args) (map[string]any, error) {
	names := safety.Materials()
	specs := make([]any, 0, len(names))
	for _, name := range names {
		if spec, ok := safety.MaterialFor(name); ok {
			specs = append(specs, spec)
		}
	}
	return map[string]any{"materials": specs, "count": len(specs)}, nil
}
