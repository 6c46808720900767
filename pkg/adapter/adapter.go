package adapter

import (
	"context"
	"time"

	"github.com/kilnlabs/kiln/pkg/types"
)

// defaultTimeout bounds command/response exchanges when the caller
// supplies no deadline. File transfers use transferTimeout.
const (
	defaultTimeout  = 10 * time.Second
	transferTimeout = 120 * time.Second
)

// FirmwareStatus describes installed and available firmware.
type FirmwareStatus struct {
	Current          string `json:"current"`
	Available        string `json:"available,omitempty"`
	UpdateInProgress bool   `json:"update_in_progress"`
}

// Adapter translates the uniform printer operations into one backend
// protocol. Implementations serialise their own transport access; callers
// may invoke methods from any goroutine.
//
// GetState never returns an error for mere unreachability: transport
// failures surface as Connected=false with StatusOffline so pollers and
// health checks can keep running.
type Adapter interface {
	ID() string
	Type() types.AdapterType
	Profile() *types.SafetyProfile
	Capabilities() types.Capabilities

	Connect(ctx context.Context) error
	Close() error

	GetState(ctx context.Context) (*types.PrinterState, error)
	GetJob(ctx context.Context) (*types.JobProgress, error)

	ListFiles(ctx context.Context) ([]types.File, error)
	UploadFile(ctx context.Context, localPath string) error
	DeleteFile(ctx context.Context, remotePath string) error

	StartPrint(ctx context.Context, fileName string) error
	CancelPrint(ctx context.Context) error
	PausePrint(ctx context.Context) error
	ResumePrint(ctx context.Context) error

	// EmergencyStop transmits the halt signal without waiting for an
	// acknowledgement. Success means the signal left the process.
	EmergencyStop(ctx context.Context) error

	SetToolTemp(ctx context.Context, celsius float64) error
	SetBedTemp(ctx context.Context, celsius float64) error
	SendGCode(ctx context.Context, lines []string) error

	GetSnapshot(ctx context.Context) ([]byte, error)
	GetStreamURL() (string, error)

	FirmwareStatus(ctx context.Context) (*FirmwareStatus, error)
	UpdateFirmware(ctx context.Context, component string) error
	RollbackFirmware(ctx context.Context, component string) error
}

// New builds an adapter from a stored printer record. The record's
// connection map carries backend-specific settings (host, api_key,
// serial, access_code, device, baud).
func New(record *types.PrinterRecord) (Adapter, error) {
	profile := ProfileFor(record.SafetyProfile)
	switch record.AdapterType {
	case types.AdapterSerial:
		return NewSerial(record.ID, record.Connection, profile)
	case types.AdapterOctoPrint:
		return NewOctoPrint(record.ID, record.Connection, profile)
	case types.AdapterMoonraker:
		return NewMoonraker(record.ID, record.Connection, profile)
	case types.AdapterBambu:
		return NewBambu(record.ID, record.Connection, profile)
	case types.AdapterPrusaConnect:
		return NewPrusaConnect(record.ID, record.Connection, profile)
	default:
		return nil, types.NewError(types.CodeValidationError, "unknown adapter type: %s", record.AdapterType)
	}
}

// errUnsupported is the distinct error class for operations a backend
// cannot perform.
func errUnsupported(adapterType types.AdapterType, op string) error {
	return types.NewError(types.CodeUnsupported, "%s adapter does not support %s", adapterType, op)
}

// checkTempTarget validates a temperature against the profile ceiling
// before any byte reaches the device.
func checkTempTarget(profile *types.SafetyProfile, target, ceiling float64, element string) error {
	if target < 0 {
		return types.NewError(types.CodeValidationError, "%s target %.1fC is negative", element, target)
	}
	if ceiling > 0 && target > ceiling {
		return types.NewError(types.CodeValidationError,
			"%s target %.1fC exceeds profile %s ceiling %.1fC", element, target, profile.ID, ceiling)
	}
	return nil
}

// offlineState is the canonical unreachable-printer state.
func offlineState() *types.PrinterState {
	return &types.PrinterState{Connected: false, Status: types.PrinterStatusOffline}
}

// timeoutCtx applies the default timeout when the caller set no deadline.
func timeoutCtx(ctx context.Context, fallback time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, fallback)
}
