package safety

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kilnlabs/kiln/pkg/adapter"
	"github.com/kilnlabs/kiln/pkg/storage"
	"github.com/kilnlabs/kiln/pkg/types"
)

// maxPrintFileSize caps uploads; SD cards and printer firmwares choke
// well before this.
const maxPrintFileSize = 2 << 30

// gcodeExtensions are the file extensions the analyser and pre-flight
// accept as printable G-code.
var gcodeExtensions = map[string]bool{
	".gcode": true,
	".gco":   true,
	".g":     true,
}

func isGCodeExt(path string) bool {
	return gcodeExtensions[strings.ToLower(filepath.Ext(path))]
}

// PreflightCheck is one named verdict in a pre-flight run.
type PreflightCheck struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// PreflightResult aggregates every check. Ready is true only when all
// checks passed; Errors repeats the failed checks for the envelope.
type PreflightResult struct {
	Ready    bool             `json:"ready"`
	Checks   []PreflightCheck `json:"checks"`
	Errors   []string         `json:"errors,omitempty"`
	Warnings []string         `json:"warnings,omitempty"`
}

func (r *PreflightResult) add(name string, passed bool, message string) {
	r.Checks = append(r.Checks, PreflightCheck{Name: name, Passed: passed, Message: message})
	if !passed {
		r.Errors = append(r.Errors, fmt.Sprintf("%s: %s", name, message))
	}
}

// PreflightOptions selects the conditional checks.
type PreflightOptions struct {
	LocalPath  string // local file to validate before upload
	Material   string // expected material type
	RemoteName string // file name that must exist on the printer
	Strict     bool   // material incompatibility blocks instead of warning
}

// RunPreflight verifies a printer is ready to start a print. Check
// failures never surface as an error; they produce Ready=false with
// the aggregated list.
func RunPreflight(ctx context.Context, a adapter.Adapter, store storage.Store, opts PreflightOptions) *PreflightResult {
	result := &PreflightResult{}

	state, err := a.GetState(ctx)
	if err != nil {
		// GetState only errors on hard failures such as rejected
		// credentials; everything downstream needs the state, so
		// report and stop.
		result.add("printer_connected", false, err.Error())
		return result
	}

	if state.Connected {
		result.add("printer_connected", true, "")
	} else {
		result.add("printer_connected", false, "printer is not connected")
	}

	if state.Status == types.PrinterStatusIdle {
		result.add("printer_idle", true, "")
	} else {
		result.add("printer_idle", false, fmt.Sprintf("printer status is %s", state.Status))
	}

	if state.Status == types.PrinterStatusError {
		result.add("no_errors", false, "printer reports an error state")
	} else {
		result.add("no_errors", true, "")
	}

	checkTemperatures(result, state, a.Profile())

	if opts.Material != "" {
		checkMaterial(result, a, store, opts)
	}

	if opts.LocalPath != "" {
		checkLocalFile(result, opts.LocalPath)
	}

	if opts.RemoteName != "" {
		checkRemoteFile(ctx, result, a, opts.RemoteName)
	}

	result.Ready = len(result.Errors) == 0
	return result
}

// checkTemperatures verifies actual readings sit below the profile
// ceilings. Missing readings pass; an unreachable printer already
// failed printer_connected.
func checkTemperatures(result *PreflightResult, state *types.PrinterState, profile *types.SafetyProfile) {
	if profile == nil || (state.Hotend == nil && state.Bed == nil) {
		result.add("temperatures_safe", true, "no temperature readings reported")
		return
	}

	var over []string
	if state.Hotend != nil && profile.MaxHotendTemp > 0 && state.Hotend.Actual > profile.MaxHotendTemp {
		over = append(over, fmt.Sprintf("hotend %.1fC exceeds ceiling %.0fC", state.Hotend.Actual, profile.MaxHotendTemp))
	}
	if state.Bed != nil && profile.MaxBedTemp > 0 && state.Bed.Actual > profile.MaxBedTemp {
		over = append(over, fmt.Sprintf("bed %.1fC exceeds ceiling %.0fC", state.Bed.Actual, profile.MaxBedTemp))
	}
	if len(over) > 0 {
		result.add("temperatures_safe", false, strings.Join(over, "; "))
		return
	}
	result.add("temperatures_safe", true, "")
}

// checkMaterial runs material_match against the loaded-material record
// and material_compatible against the intelligence table.
func checkMaterial(result *PreflightResult, a adapter.Adapter, store storage.Store, opts PreflightOptions) {
	if store != nil {
		loaded, err := store.GetMaterial(a.ID())
		if err == nil && loaded != nil {
			if strings.EqualFold(loaded.Type, opts.Material) {
				result.add("material_match", true, "")
			} else {
				result.add("material_match", false,
					fmt.Sprintf("loaded material is %s, expected %s", loaded.Type, opts.Material))
			}
		}
	}

	comp := CheckCompatibility(opts.Material, a.Profile())
	result.Warnings = append(result.Warnings, comp.Warnings...)
	switch {
	case comp.Compatible:
		result.add("material_compatible", true, "")
	case opts.Strict:
		result.add("material_compatible", false, strings.Join(comp.Reasons, "; "))
	default:
		result.add("material_compatible", true, "")
		result.Warnings = append(result.Warnings, comp.Reasons...)
	}
}

func checkLocalFile(result *PreflightResult, path string) {
	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		result.add("file_valid", false, fmt.Sprintf("%s does not exist", path))
		return
	case err != nil:
		result.add("file_valid", false, err.Error())
		return
	case !info.Mode().IsRegular():
		result.add("file_valid", false, fmt.Sprintf("%s is not a regular file", path))
		return
	case !isGCodeExt(path):
		result.add("file_valid", false, fmt.Sprintf("%s is not a G-code file", filepath.Base(path)))
		return
	case info.Size() == 0:
		result.add("file_valid", false, fmt.Sprintf("%s is empty", filepath.Base(path)))
		return
	case info.Size() >= maxPrintFileSize:
		result.add("file_valid", false, fmt.Sprintf("%s is %d bytes, over the 2 GiB limit", filepath.Base(path), info.Size()))
		return
	}

	f, err := os.Open(path)
	if err != nil {
		result.add("file_valid", false, fmt.Sprintf("%s is not readable: %v", filepath.Base(path), err))
		return
	}
	f.Close()
	result.add("file_valid", true, "")
}

func checkRemoteFile(ctx context.Context, result *PreflightResult, a adapter.Adapter, remote string) {
	files, err := a.ListFiles(ctx)
	if err != nil {
		result.add("file_on_printer", false, fmt.Sprintf("could not list files: %v", err))
		return
	}
	for _, f := range files {
		if strings.EqualFold(f.Name, remote) || strings.EqualFold(f.Path, remote) {
			result.add("file_on_printer", true, "")
			return
		}
	}
	result.add("file_on_printer", false, fmt.Sprintf("%s not found on the printer", remote))
}
