package types

import (
	"time"
)

// Job represents the unit of printable work owned by the orchestrator
type Job struct {
	ID               string         `json:"id"`
	SourceFile       string         `json:"source_file"`
	SubmittedBy      string         `json:"submitted_by,omitempty"`
	Priority         int            `json:"priority"` // larger = more urgent
	Status           JobStatus      `json:"status"`
	AssignedPrinter  string         `json:"assigned_printer,omitempty"`
	Attempt          int            `json:"attempt"`
	MaxAttempts      int            `json:"max_attempts"`
	FailedPrinters   []string       `json:"failed_printers,omitempty"` // printers that already failed this job
	PreferredPrinter string         `json:"preferred_printer,omitempty"`
	SubmittedAt      time.Time      `json:"submitted_at"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      time.Time      `json:"completed_at"`
	Error            string         `json:"error,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"` // opaque, passed through to tool callers
}

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusAssigned  JobStatus = "ASSIGNED"
	JobStatusPrinting  JobStatus = "PRINTING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether the status is final. Terminal statuses are
// sticky: no transition leaves them.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Active reports whether the job currently holds a printer binding.
func (s JobStatus) Active() bool {
	return s == JobStatusAssigned || s == JobStatusPrinting
}

// HasFailedOn reports whether the printer already failed this job.
func (j *Job) HasFailedOn(printerID string) bool {
	for _, p := range j.FailedPrinters {
		if p == printerID {
			return true
		}
	}
	return false
}

// RecordFailedPrinter adds the printer to the job's failed set. The set
// only grows.
func (j *Job) RecordFailedPrinter(printerID string) {
	if !j.HasFailedOn(printerID) {
		j.FailedPrinters = append(j.FailedPrinters, printerID)
	}
}

// Clone returns a deep copy safe to hand to readers outside the
// orchestrator's lock.
func (j *Job) Clone() *Job {
	c := *j
	c.FailedPrinters = append([]string(nil), j.FailedPrinters...)
	if j.Metadata != nil {
		c.Metadata = make(map[string]any, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// PrinterRecord represents a registered printer backend
type PrinterRecord struct {
	ID            string            `json:"id"`
	AdapterType   AdapterType       `json:"adapter_type"`
	Connection    map[string]string `json:"connection,omitempty"` // backend-specific parameters
	Capabilities  *Capabilities     `json:"capabilities,omitempty"`
	Status        PrinterStatus     `json:"status"`
	ActiveJobID   string            `json:"active_job_id,omitempty"`
	SafetyProfile string            `json:"safety_profile,omitempty"` // profile identifier, e.g. "prusa_mk4"
	RegisteredAt  time.Time         `json:"registered_at"`
	LastSeen      time.Time         `json:"last_seen"`
}

// Clone returns a deep copy safe to hand to readers outside the
// registry's lock.
func (p *PrinterRecord) Clone() *PrinterRecord {
	c := *p
	if p.Connection != nil {
		c.Connection = make(map[string]string, len(p.Connection))
		for k, v := range p.Connection {
			c.Connection[k] = v
		}
	}
	if p.Capabilities != nil {
		caps := *p.Capabilities
		caps.FileExtensions = append([]string(nil), p.Capabilities.FileExtensions...)
		c.Capabilities = &caps
	}
	return &c
}

// AdapterType identifies the backend protocol a printer speaks
type AdapterType string

const (
	AdapterSerial       AdapterType = "serial"
	AdapterOctoPrint    AdapterType = "octoprint"
	AdapterMoonraker    AdapterType = "moonraker"
	AdapterBambu        AdapterType = "bambu"
	AdapterPrusaConnect AdapterType = "prusaconnect"
)

// PrinterStatus represents the reported state of a printer
type PrinterStatus string

const (
	PrinterStatusIdle       PrinterStatus = "IDLE"
	PrinterStatusPrinting   PrinterStatus = "PRINTING"
	PrinterStatusPaused     PrinterStatus = "PAUSED"
	PrinterStatusCancelling PrinterStatus = "CANCELLING"
	PrinterStatusBusy       PrinterStatus = "BUSY"
	PrinterStatusError      PrinterStatus = "ERROR"
	PrinterStatusOffline    PrinterStatus = "OFFLINE"
	PrinterStatusUnknown    PrinterStatus = "UNKNOWN"
)

// Busy reports whether the printer is occupied with work.
func (s PrinterStatus) Busy() bool {
	switch s {
	case PrinterStatusPrinting, PrinterStatusPaused, PrinterStatusCancelling, PrinterStatusBusy:
		return true
	}
	return false
}

// Capabilities describes what a printer backend can do
type Capabilities struct {
	CanUpload         bool     `json:"can_upload"`
	CanSetTemp        bool     `json:"can_set_temp"`
	CanSendGCode      bool     `json:"can_send_gcode"`
	CanPause          bool     `json:"can_pause"`
	CanStream         bool     `json:"can_stream"`
	CanSnapshot       bool     `json:"can_snapshot"`
	CanProbeBed       bool     `json:"can_probe_bed"`
	CanUpdateFirmware bool     `json:"can_update_firmware"`
	CanDetectFilament bool     `json:"can_detect_filament"`
	FileExtensions    []string `json:"file_extensions,omitempty"`
}

// PrinterState is a point-in-time view of a printer's condition.
// Unreachable backends report Connected=false with StatusOffline rather
// than an error.
type PrinterState struct {
	Connected bool          `json:"connected"`
	Status    PrinterStatus `json:"status"`
	Hotend    *Temperature  `json:"hotend,omitempty"`
	Bed       *Temperature  `json:"bed,omitempty"`
}

// Temperature pairs an actual reading with its target
type Temperature struct {
	Actual float64 `json:"actual"`
	Target float64 `json:"target"`
}

// JobProgress reports the printer's view of the in-flight print.
// Fields are nil when the backend does not report them.
type JobProgress struct {
	FileName      string   `json:"file_name,omitempty"`
	Completion    *float64 `json:"completion,omitempty"`     // 0-100
	TimeElapsed   *int     `json:"time_elapsed,omitempty"`   // seconds
	TimeRemaining *int     `json:"time_remaining,omitempty"` // seconds
}

// File describes one entry in a printer's file listing
type File struct {
	Name string     `json:"name"`
	Path string     `json:"path"`
	Size *int64     `json:"size,omitempty"`
	Date *time.Time `json:"date,omitempty"`
}

// Material records what filament is loaded in a printer
type Material struct {
	PrinterID string    `json:"printer_id"`
	Type      string    `json:"type"` // PLA, PETG, ABS, ...
	Color     string    `json:"color,omitempty"`
	LoadedAt  time.Time `json:"loaded_at"`
}

// SafetyProfile captures the physical limits of a printer model
type SafetyProfile struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	MaxHotendTemp float64     `json:"max_hotend_temp"` // Celsius
	MaxBedTemp    float64     `json:"max_bed_temp"`    // Celsius
	MaxFeedrate   float64     `json:"max_feedrate"`    // mm/min
	BuildVolume   BuildVolume `json:"build_volume"`
}

// BuildVolume is the printable envelope in millimeters
type BuildVolume struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// HealthSession is one monitoring window over a printer and,
// optionally, the job it is printing
type HealthSession struct {
	ID        string            `json:"id"`
	PrinterID string            `json:"printer_id"`
	JobID     string            `json:"job_id,omitempty"`
	Policy    MonitorPolicy     `json:"policy"`
	Snapshots []*StatusSnapshot `json:"snapshots,omitempty"` // append-only
	Reports   []*HealthReport   `json:"reports,omitempty"`   // append-only
	Issues    []*Issue          `json:"issues,omitempty"`
	Status    SessionStatus     `json:"status"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   time.Time         `json:"ended_at"`
}

// MonitorPolicy controls how a health session samples its printer
type MonitorPolicy struct {
	InitialDelay   time.Duration `json:"initial_delay"`
	CheckCount     int           `json:"check_count"`
	Interval       time.Duration `json:"interval"`
	AutoPause      bool          `json:"auto_pause"`
	DriftThreshold float64       `json:"drift_threshold"` // Celsius
	StallTimeout   time.Duration `json:"stall_timeout"`   // 0 disables stall detection
}

// SessionStatus represents the lifecycle state of a health session
type SessionStatus string

const (
	SessionStatusMonitoring SessionStatus = "MONITORING"
	SessionStatusCompleted  SessionStatus = "COMPLETED"
	SessionStatusFailed     SessionStatus = "FAILED"
	SessionStatusAborted    SessionStatus = "ABORTED"
	SessionStatusStalled    SessionStatus = "STALLED"
)

// StatusSnapshot is one raw sample of printer state and progress
type StatusSnapshot struct {
	Timestamp time.Time     `json:"timestamp"`
	State     *PrinterState `json:"state,omitempty"`
	Progress  *JobProgress  `json:"progress,omitempty"`
}

// HealthReport bundles the metrics captured by a single check
type HealthReport struct {
	PrinterID string     `json:"printer_id"`
	Timestamp time.Time  `json:"timestamp"`
	Phase     PrintPhase `json:"phase"`
	Metrics   []*Metric  `json:"metrics,omitempty"`
	Severity  Severity   `json:"severity"` // max of member metric severities
}

// Metric is a single named measurement with its deviation from expected
type Metric struct {
	Name      string   `json:"name"`
	Current   float64  `json:"current"`
	Expected  float64  `json:"expected"`
	Deviation float64  `json:"deviation"` // absolute
	Severity  Severity `json:"severity"`
	Unit      string   `json:"unit,omitempty"`
	Detail    string   `json:"detail,omitempty"`
}

// Issue records a problem observed during a health session
type Issue struct {
	Type      string    `json:"type"` // e.g. "health_critical", "stall"
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// PrintPhase is the detected stage of an in-flight print
type PrintPhase string

const (
	PhaseHeating    PrintPhase = "HEATING"
	PhaseFirstLayer PrintPhase = "FIRST_LAYER"
	PhaseInfill     PrintPhase = "INFILL"
	PhasePerimeters PrintPhase = "PERIMETERS"
	PhaseSupports   PrintPhase = "SUPPORTS"
	PhaseTopLayers  PrintPhase = "TOP_LAYERS"
	PhaseCooling    PrintPhase = "COOLING"
	PhaseIdle       PrintPhase = "IDLE"
	PhaseUnknown    PrintPhase = "UNKNOWN"
)

// Severity orders health findings from benign to urgent
type Severity string

const (
	SeverityOK       Severity = "OK"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Rank maps severity onto the total order OK < WARNING < CRITICAL.
func (s Severity) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	}
	return 0
}

// MaxSeverity returns the more urgent of two severities.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Checkpoint is a durable waypoint sufficient to resume a print
type Checkpoint struct {
	ID          string          `json:"id"`
	JobID       string          `json:"job_id"`
	PrinterID   string          `json:"printer_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Phase       string          `json:"phase"`
	ProgressPct float64         `json:"progress_pct"`
	State       CheckpointState `json:"state"`
}

// CheckpointState captures the machine state at checkpoint time
type CheckpointState struct {
	ZHeight          float64        `json:"z_height"` // mm
	LayerNumber      int            `json:"layer_number"`
	HotendTemp       float64        `json:"hotend_temp"`       // Celsius
	BedTemp          float64        `json:"bed_temp"`          // Celsius
	FilamentExtruded float64        `json:"filament_extruded"` // mm
	FanPercent       float64        `json:"fan_percent"`
	FlowPercent      float64        `json:"flow_percent"`
	Extra            map[string]any `json:"extra,omitempty"`
}

// FailureType classifies why a print failed
type FailureType string

const (
	FailureUserCancelled     FailureType = "USER_CANCELLED"
	FailureThermalRunaway    FailureType = "THERMAL_RUNAWAY"
	FailureBedAdhesion       FailureType = "BED_ADHESION_FAILURE"
	FailureLayerShift        FailureType = "LAYER_SHIFT"
	FailureFirstLayer        FailureType = "FIRST_LAYER_FAILURE"
	FailureFilamentRunout    FailureType = "FILAMENT_RUNOUT"
	FailureNozzleClog        FailureType = "NOZZLE_CLOG"
	FailurePowerLoss         FailureType = "POWER_LOSS"
	FailureNetworkDisconnect FailureType = "NETWORK_DISCONNECT"
	FailureTimeout           FailureType = "TIMEOUT"
	FailurePrinterError      FailureType = "PRINTER_ERROR"
	FailureSoftwareCrash     FailureType = "SOFTWARE_CRASH"
)

// RecoveryStrategy names an action the recovery planner may recommend
type RecoveryStrategy string

const (
	StrategyAbort                RecoveryStrategy = "ABORT"
	StrategyEmergencyStop        RecoveryStrategy = "EMERGENCY_STOP"
	StrategyCancelAndRetry       RecoveryStrategy = "CANCEL_AND_RETRY"
	StrategyPauseAndIntervene    RecoveryStrategy = "PAUSE_AND_INTERVENE"
	StrategyResumeFromCheckpoint RecoveryStrategy = "RESUME_FROM_CHECKPOINT"
	StrategyRestartFromBeginning RecoveryStrategy = "RESTART_FROM_BEGINNING"
	StrategyRetryCurrentStep     RecoveryStrategy = "RETRY_CURRENT_STEP"
)

// Recommendation is the recovery planner's answer for one failure
type Recommendation struct {
	JobID           string             `json:"job_id"`
	FailureType     FailureType        `json:"failure_type"`
	Primary         RecoveryStrategy   `json:"primary"`
	Alternatives    []RecoveryStrategy `json:"alternatives,omitempty"`
	SafetyCritical  bool               `json:"safety_critical"`
	AutoRecoverable bool               `json:"auto_recoverable"`
	HasCheckpoint   bool               `json:"has_checkpoint"`
	Reason          string             `json:"reason,omitempty"`
}

// RecoveryResult reports the outcome of executing a strategy
type RecoveryResult struct {
	JobID        string           `json:"job_id"`
	Strategy     RecoveryStrategy `json:"strategy"`
	Success      bool             `json:"success"`
	TimeSavedPct float64          `json:"time_saved_pct"` // progress preserved by a checkpoint resume
	RetriesUsed  int              `json:"retries_used"`
	Message      string           `json:"message,omitempty"`
}

// AssignmentResult reports one attempt to pair a job with a printer
type AssignmentResult struct {
	JobID     string `json:"job_id"`
	Success   bool   `json:"success"`
	PrinterID string `json:"printer_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// FleetUtilization summarizes the fleet at a point in time
type FleetUtilization struct {
	TotalPrinters    int                   `json:"total_printers"`
	PrintersByStatus map[PrinterStatus]int `json:"printers_by_status"`
	JobsByStatus     map[JobStatus]int     `json:"jobs_by_status"`
	UtilizationPct   float64               `json:"utilization_pct"` // busy / (total - offline)
}

// SafetyLevel classifies how dangerous a tool invocation is
type SafetyLevel string

const (
	SafetyLevelSafe      SafetyLevel = "safe"
	SafetyLevelCaution   SafetyLevel = "caution"
	SafetyLevelConfirm   SafetyLevel = "confirm"
	SafetyLevelEmergency SafetyLevel = "emergency"
)

// Gated reports whether the level is above safe and therefore subject
// to rate limits, circuit breaking and auditing.
func (l SafetyLevel) Gated() bool {
	return l != SafetyLevelSafe && l != ""
}

// NeedsConfirmation reports whether confirm-mode intercepts this level.
func (l SafetyLevel) NeedsConfirmation() bool {
	return l == SafetyLevelConfirm || l == SafetyLevelEmergency
}

// AuditEntry is an immutable record of one gated operation
type AuditEntry struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	ToolName    string         `json:"tool_name"`
	SafetyLevel SafetyLevel    `json:"safety_level"`
	Action      string         `json:"action"` // executed, blocked, rate_limited, auth_denied, preflight_failed, dry_run, confirmed
	PrinterID   string         `json:"printer_id,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// Event represents a fleet event delivered through the bus
type Event struct {
	Type      EventType      `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Source    string         `json:"source,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventType enumerates the events the bus carries
type EventType string

const (
	EventJobSubmitted    EventType = "JOB_SUBMITTED"
	EventJobQueued       EventType = "JOB_QUEUED"
	EventJobStarted      EventType = "JOB_STARTED"
	EventJobCompleted    EventType = "JOB_COMPLETED"
	EventJobFailed       EventType = "JOB_FAILED"
	EventJobCancelled    EventType = "JOB_CANCELLED"
	EventPrintStarted    EventType = "PRINT_STARTED"
	EventPrintCompleted  EventType = "PRINT_COMPLETED"
	EventPrintProgress   EventType = "PRINT_PROGRESS"
	EventPrintTerminal   EventType = "PRINT_TERMINAL"
	EventPrinterState    EventType = "PRINTER_STATE"
	EventPrinterError    EventType = "PRINTER_ERROR"
	EventVisionCheck     EventType = "VISION_CHECK"
	EventVisionAlert     EventType = "VISION_ALERT"
	EventSafetyEscalated EventType = "SAFETY_ESCALATED"
)
