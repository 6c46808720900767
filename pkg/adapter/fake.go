package adapter

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/kilnlabs/kiln/pkg/types"
)

// Fake is an in-memory Adapter for tests. It starts connected and idle,
// records every mutating call, and lets tests inject per-operation
// failures and arbitrary states.
type Fake struct {
	mu      sync.Mutex
	id      string
	profile *types.SafetyProfile
	caps    types.Capabilities

	state types.PrinterState
	job   *types.JobProgress
	files []types.File

	snapshot  []byte
	streamURL string
	firmware  FirmwareStatus

	powerWatts  *float64
	hasFilament *bool

	errs map[string]error

	// Call records, readable through accessors.
	gcodeSent [][]string
	started   []string
	cancels   int
	pauses    int
	resumes   int
	estops    int
	toolTemps []float64
	bedTemps  []float64
	closed    bool
}

// NewFake builds a connected, idle fake printer.
func NewFake(id, model string) *Fake {
	return &Fake{
		id:      id,
		profile: ProfileFor(model),
		caps: types.Capabilities{
			CanUpload:         true,
			CanSetTemp:        true,
			CanSendGCode:      true,
			CanPause:          true,
			CanSnapshot:       true,
			CanStream:         true,
			CanDetectFilament: true,
			FileExtensions:    []string{".gcode", ".gco", ".g"},
		},
		state: types.PrinterState{
			Connected: true,
			Status:    types.PrinterStatusIdle,
			Hotend:    &types.Temperature{Actual: 22, Target: 0},
			Bed:       &types.Temperature{Actual: 22, Target: 0},
		},
		snapshot: []byte("\xff\xd8fake\xff\xd9"),
		errs:     make(map[string]error),
	}
}

func (f *Fake) ID() string                       { return f.id }
func (f *Fake) Type() types.AdapterType          { return "fake" }
func (f *Fake) Profile() *types.SafetyProfile    { return f.profile }
func (f *Fake) Capabilities() types.Capabilities { return f.caps }

// FailWith makes the named operation return err; a nil err clears it.
// Operation names match the method names, e.g. "StartPrint".
func (f *Fake) FailWith(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, op)
		return
	}
	f.errs[op] = err
}

func (f *Fake) injected(op string) error {
	return f.errs[op]
}

// SetStatus updates the reported status and connection flag.
func (f *Fake) SetStatus(status types.PrinterStatus, connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Status = status
	f.state.Connected = connected
}

// SetTemps sets the reported hotend and bed temperatures.
func (f *Fake) SetTemps(hotend, bed types.Temperature) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Hotend = &types.Temperature{Actual: hotend.Actual, Target: hotend.Target}
	f.state.Bed = &types.Temperature{Actual: bed.Actual, Target: bed.Target}
}

// SetJob sets the reported job progress; nil clears it.
func (f *Fake) SetJob(job *types.JobProgress) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.job = job
}

// SetProgress is shorthand for a named job at a completion percentage.
func (f *Fake) SetProgress(fileName string, pct float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.job = &types.JobProgress{FileName: fileName, Completion: &pct}
}

// AddFile appends an entry to the reported file list.
func (f *Fake) AddFile(name string, size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = append(f.files, types.File{Name: name, Path: name, Size: &size})
}

// SetSnapshot sets the webcam frame returned by GetSnapshot.
func (f *Fake) SetSnapshot(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot = data
}

// SetCapabilities replaces the advertised capability set.
func (f *Fake) SetCapabilities(caps types.Capabilities) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.caps = caps
}

func (f *Fake) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("Connect"); err != nil {
		return err
	}
	f.state.Connected = true
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.state.Connected = false
	return nil
}

func (f *Fake) GetState(ctx context.Context) (*types.PrinterState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("GetState"); err != nil {
		return offlineState(), nil
	}
	state := f.state
	if f.state.Hotend != nil {
		h := *f.state.Hotend
		state.Hotend = &h
	}
	if f.state.Bed != nil {
		b := *f.state.Bed
		state.Bed = &b
	}
	return &state, nil
}

func (f *Fake) GetJob(ctx context.Context) (*types.JobProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("GetJob"); err != nil {
		return nil, err
	}
	if f.job == nil {
		return &types.JobProgress{}, nil
	}
	job := *f.job
	return &job, nil
}

func (f *Fake) ListFiles(ctx context.Context) ([]types.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("ListFiles"); err != nil {
		return nil, err
	}
	out := make([]types.File, len(f.files))
	copy(out, f.files)
	return out, nil
}

func (f *Fake) UploadFile(ctx context.Context, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("UploadFile"); err != nil {
		return err
	}
	name := filepath.Base(localPath)
	f.files = append(f.files, types.File{Name: name, Path: name})
	return nil
}

func (f *Fake) DeleteFile(ctx context.Context, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("DeleteFile"); err != nil {
		return err
	}
	for i, file := range f.files {
		if file.Name == remotePath || file.Path == remotePath {
			f.files = append(f.files[:i], f.files[i+1:]...)
			return nil
		}
	}
	return types.NewError(types.CodeFileNotFound, "file not on printer: %s", remotePath)
}

func (f *Fake) StartPrint(ctx context.Context, fileName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("StartPrint"); err != nil {
		return err
	}
	f.started = append(f.started, fileName)
	f.state.Status = types.PrinterStatusPrinting
	zero := 0.0
	f.job = &types.JobProgress{FileName: fileName, Completion: &zero}
	return nil
}

func (f *Fake) CancelPrint(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("CancelPrint"); err != nil {
		return err
	}
	f.cancels++
	f.state.Status = types.PrinterStatusIdle
	f.job = nil
	return nil
}

func (f *Fake) PausePrint(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("PausePrint"); err != nil {
		return err
	}
	f.pauses++
	f.state.Status = types.PrinterStatusPaused
	return nil
}

func (f *Fake) ResumePrint(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("ResumePrint"); err != nil {
		return err
	}
	f.resumes++
	f.state.Status = types.PrinterStatusPrinting
	return nil
}

func (f *Fake) EmergencyStop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("EmergencyStop"); err != nil {
		return err
	}
	f.estops++
	f.state.Status = types.PrinterStatusError
	f.job = nil
	return nil
}

func (f *Fake) SetToolTemp(ctx context.Context, celsius float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := checkTempTarget(f.profile, celsius, f.profile.MaxHotendTemp, "hotend"); err != nil {
		return err
	}
	if err := f.injected("SetToolTemp"); err != nil {
		return err
	}
	f.toolTemps = append(f.toolTemps, celsius)
	if f.state.Hotend != nil {
		f.state.Hotend.Target = celsius
	}
	return nil
}

func (f *Fake) SetBedTemp(ctx context.Context, celsius float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := checkTempTarget(f.profile, celsius, f.profile.MaxBedTemp, "bed"); err != nil {
		return err
	}
	if err := f.injected("SetBedTemp"); err != nil {
		return err
	}
	f.bedTemps = append(f.bedTemps, celsius)
	if f.state.Bed != nil {
		f.state.Bed.Target = celsius
	}
	return nil
}

func (f *Fake) SendGCode(ctx context.Context, lines []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("SendGCode"); err != nil {
		return err
	}
	batch := make([]string, len(lines))
	copy(batch, lines)
	f.gcodeSent = append(f.gcodeSent, batch)
	return nil
}

func (f *Fake) GetSnapshot(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("GetSnapshot"); err != nil {
		return nil, err
	}
	if f.snapshot == nil {
		return nil, errUnsupported("fake", "snapshot")
	}
	out := make([]byte, len(f.snapshot))
	copy(out, f.snapshot)
	return out, nil
}

func (f *Fake) GetStreamURL() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.streamURL == "" {
		return "", errUnsupported("fake", "stream")
	}
	return f.streamURL, nil
}

func (f *Fake) FirmwareStatus(ctx context.Context) (*FirmwareStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.caps.CanUpdateFirmware {
		return nil, errUnsupported("fake", "firmware status")
	}
	fw := f.firmware
	return &fw, nil
}

func (f *Fake) UpdateFirmware(ctx context.Context, component string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.caps.CanUpdateFirmware {
		return errUnsupported("fake", "firmware update")
	}
	f.firmware.Current = f.firmware.Available
	f.firmware.Available = ""
	return nil
}

func (f *Fake) RollbackFirmware(ctx context.Context, component string) error {
	return errUnsupported("fake", "firmware rollback")
}

// SetPowerDraw makes the fake report mains power draw; health checks
// pick it up through their optional-sensor interface.
func (f *Fake) SetPowerDraw(watts float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.powerWatts = &watts
}

// SetFilamentPresent makes the fake report a filament sensor reading.
func (f *Fake) SetFilamentPresent(present bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hasFilament = &present
}

// PowerDraw reports the configured draw; errors until SetPowerDraw is
// called, like a printer without a meter.
func (f *Fake) PowerDraw(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.powerWatts == nil {
		return 0, errUnsupported("fake", "power draw")
	}
	return *f.powerWatts, nil
}

// FilamentPresent reports the configured sensor state; errors until
// SetFilamentPresent is called.
func (f *Fake) FilamentPresent(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hasFilament == nil {
		return false, errUnsupported("fake", "filament sensor")
	}
	return *f.hasFilament, nil
}

// Accessors for call records.

func (f *Fake) GCodeSent() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.gcodeSent))
	copy(out, f.gcodeSent)
	return out
}

func (f *Fake) StartedPrints() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.started))
	copy(out, f.started)
	return out
}

func (f *Fake) Cancels() int        { f.mu.Lock(); defer f.mu.Unlock(); return f.cancels }
func (f *Fake) Pauses() int         { f.mu.Lock(); defer f.mu.Unlock(); return f.pauses }
func (f *Fake) Resumes() int        { f.mu.Lock(); defer f.mu.Unlock(); return f.resumes }
func (f *Fake) EmergencyStops() int { f.mu.Lock(); defer f.mu.Unlock(); return f.estops }
func (f *Fake) Closed() bool        { f.mu.Lock(); defer f.mu.Unlock(); return f.closed }
