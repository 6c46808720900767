package safety

import (
	"time"

	"github.com/kilnlabs/kiln/pkg/types"
)

// Scope labels group tools for token auth. A token carries the scopes
// it may exercise; "*" grants all of them.
const (
	ScopeControl = "control" // direct printer manipulation
	ScopeFleet   = "fleet"   // queue and job management
	ScopeAdmin   = "admin"   // registration, firmware, maintenance
)

// toolLevels is the static classification of every mutating tool.
// Tools absent from the table are read-only and default to safe.
var toolLevels = map[string]types.SafetyLevel{
	"emergency_stop": types.SafetyLevelEmergency,

	"start_print":       types.SafetyLevelConfirm,
	"cancel_print":      types.SafetyLevelConfirm,
	"send_gcode":        types.SafetyLevelConfirm,
	"set_temperature":   types.SafetyLevelConfirm,
	"delete_file":       types.SafetyLevelConfirm,
	"update_firmware":   types.SafetyLevelConfirm,
	"rollback_firmware": types.SafetyLevelConfirm,
	"execute_recovery":  types.SafetyLevelConfirm,
	"cancel_all_queued": types.SafetyLevelConfirm,

	"upload_file":         types.SafetyLevelCaution,
	"pause_print":         types.SafetyLevelCaution,
	"resume_print":        types.SafetyLevelCaution,
	"submit_job":          types.SafetyLevelCaution,
	"cancel_job":          types.SafetyLevelCaution,
	"register_printer":    types.SafetyLevelCaution,
	"unregister_printer":  types.SafetyLevelCaution,
	"start_monitoring":    types.SafetyLevelCaution,
	"stop_monitoring":     types.SafetyLevelCaution,
	"save_checkpoint":     types.SafetyLevelCaution,
	"set_loaded_material": types.SafetyLevelCaution,
	"purge_completed":     types.SafetyLevelCaution,
	"reset_retries":       types.SafetyLevelCaution,
}

// Classify returns the safety level for a tool name.
func Classify(tool string) types.SafetyLevel {
	if level, ok := toolLevels[tool]; ok {
		return level
	}
	return types.SafetyLevelSafe
}

// toolScopes assigns each gated tool its auth scope. Unlisted tools
// require the control scope.
var toolScopes = map[string]string{
	"submit_job":        ScopeFleet,
	"cancel_job":        ScopeFleet,
	"cancel_all_queued": ScopeFleet,
	"purge_completed":   ScopeFleet,
	"reset_retries":     ScopeFleet,

	"register_printer":   ScopeAdmin,
	"unregister_printer": ScopeAdmin,
	"update_firmware":    ScopeAdmin,
	"rollback_firmware":  ScopeAdmin,
}

// ScopeFor returns the auth scope a tool requires.
func ScopeFor(tool string) string {
	if scope, ok := toolScopes[tool]; ok {
		return scope
	}
	return ScopeControl
}

// Limit is one tool's rate policy: a minimum spacing between calls and
// a ceiling on calls per sliding minute.
type Limit struct {
	MinInterval  time.Duration
	MaxPerMinute int
}

// toolLimits is the per-tool rate-limit table. emergency_stop carries
// no entry: a halt must never wait out a rate limiter. Gated tools
// without an entry are not rate limited either.
var toolLimits = map[string]Limit{
	"start_print":       {MinInterval: 2 * time.Second, MaxPerMinute: 6},
	"cancel_print":      {MinInterval: time.Second, MaxPerMinute: 10},
	"pause_print":       {MinInterval: time.Second, MaxPerMinute: 12},
	"resume_print":      {MinInterval: time.Second, MaxPerMinute: 12},
	"send_gcode":        {MinInterval: 500 * time.Millisecond, MaxPerMinute: 30},
	"set_temperature":   {MinInterval: 500 * time.Millisecond, MaxPerMinute: 20},
	"upload_file":       {MinInterval: 2 * time.Second, MaxPerMinute: 10},
	"delete_file":       {MinInterval: 500 * time.Millisecond, MaxPerMinute: 20},
	"submit_job":        {MinInterval: 200 * time.Millisecond, MaxPerMinute: 60},
	"execute_recovery":  {MinInterval: 2 * time.Second, MaxPerMinute: 6},
	"update_firmware":   {MinInterval: 30 * time.Second, MaxPerMinute: 2},
	"rollback_firmware": {MinInterval: 30 * time.Second, MaxPerMinute: 2},
	"register_printer":  {MinInterval: 500 * time.Millisecond, MaxPerMinute: 20},
}

// LimitFor returns the rate policy for a tool, if it has one.
func LimitFor(tool string) (Limit, bool) {
	lim, ok := toolLimits[tool]
	return lim, ok
}
