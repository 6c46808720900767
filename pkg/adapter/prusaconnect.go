package adapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kilnlabs/kiln/pkg/types"
)

// PrusaConnect talks to a printer running PrusaLink (MK3.5/MK4/MINI/XL
// and MK3S with the PrusaLink add-on). Status and job control use the
// v1 API; files go through the OctoPrint-compatible endpoints because
// the v1 storage API varies across firmware lines.
type PrusaConnect struct {
	id          string
	baseURL     string
	apiKey      string
	snapshotURL string
	profile     *types.SafetyProfile
	client      *http.Client
}

// NewPrusaConnect builds a PrusaLink adapter. Connection keys: "host"
// (required), "api_key", optional "snapshot_url".
func NewPrusaConnect(id string, conn map[string]string, profile *types.SafetyProfile) (*PrusaConnect, error) {
	host := conn["host"]
	if host == "" {
		return nil, types.NewError(types.CodeValidationError, "prusaconnect printer %s: host is required", id)
	}
	return &PrusaConnect{
		id:          id,
		baseURL:     normalizeBaseURL(host),
		apiKey:      conn["api_key"],
		snapshotURL: conn["snapshot_url"],
		profile:     profile,
		client:      &http.Client{},
	}, nil
}

func (p *PrusaConnect) ID() string                    { return p.id }
func (p *PrusaConnect) Type() types.AdapterType       { return types.AdapterPrusaConnect }
func (p *PrusaConnect) Profile() *types.SafetyProfile { return p.profile }

// Capabilities reflect what PrusaLink actually exposes: no arbitrary
// G-code, no temperature override, no firmware management.
func (p *PrusaConnect) Capabilities() types.Capabilities {
	return types.Capabilities{
		CanUpload:      true,
		CanPause:       true,
		CanSnapshot:    p.snapshotURL != "",
		FileExtensions: []string{".gcode", ".bgcode", ".gco", ".g"},
	}
}

func (p *PrusaConnect) doJSON(ctx context.Context, method, path string, body, out any) error {
	headers := map[string]string{"X-Api-Key": p.apiKey}
	return httpJSON(ctx, p.client, method, p.baseURL+path, "prusalink", headers, body, out)
}

func (p *PrusaConnect) Connect(ctx context.Context) error {
	return p.doJSON(ctx, http.MethodGet, "/api/version", nil, nil)
}

func (p *PrusaConnect) Close() error { return nil }

type prusaStatus struct {
	Printer struct {
		State        string  `json:"state"`
		TempNozzle   float64 `json:"temp_nozzle"`
		TargetNozzle float64 `json:"target_nozzle"`
		TempBed      float64 `json:"temp_bed"`
		TargetBed    float64 `json:"target_bed"`
	} `json:"printer"`
	Job struct {
		ID            int64   `json:"id"`
		Progress      float64 `json:"progress"`
		TimeRemaining int     `json:"time_remaining"`
		TimePrinting  int     `json:"time_printing"`
	} `json:"job"`
}

// statusFromPrusa maps PrusaLink's state strings. ATTENTION means the
// printer is waiting on a human, which blocks work the same way an
// error does.
func statusFromPrusa(state string) types.PrinterStatus {
	switch state {
	case "IDLE", "READY", "FINISHED", "STOPPED":
		return types.PrinterStatusIdle
	case "PRINTING":
		return types.PrinterStatusPrinting
	case "PAUSED":
		return types.PrinterStatusPaused
	case "BUSY":
		return types.PrinterStatusBusy
	case "ERROR", "ATTENTION":
		return types.PrinterStatusError
	}
	return types.PrinterStatusUnknown
}

func (p *PrusaConnect) getStatus(ctx context.Context) (*prusaStatus, error) {
	var parsed prusaStatus
	if err := p.doJSON(ctx, http.MethodGet, "/api/v1/status", nil, &parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}

func (p *PrusaConnect) GetState(ctx context.Context) (*types.PrinterState, error) {
	parsed, err := p.getStatus(ctx)
	if err != nil {
		if types.CodeOf(err) == types.CodeAuthError {
			return nil, err
		}
		return offlineState(), nil
	}
	pr := parsed.Printer
	return &types.PrinterState{
		Connected: true,
		Status:    statusFromPrusa(pr.State),
		Hotend:    &types.Temperature{Actual: pr.TempNozzle, Target: pr.TargetNozzle},
		Bed:       &types.Temperature{Actual: pr.TempBed, Target: pr.TargetBed},
	}, nil
}

type prusaJob struct {
	ID            int64   `json:"id"`
	Progress      float64 `json:"progress"`
	TimeRemaining int     `json:"time_remaining"`
	TimePrinting  int     `json:"time_printing"`
	File          struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
	} `json:"file"`
}

func (p *PrusaConnect) GetJob(ctx context.Context) (*types.JobProgress, error) {
	var parsed prusaJob
	if err := p.doJSON(ctx, http.MethodGet, "/api/v1/job", nil, &parsed); err != nil {
		return nil, err
	}
	if parsed.ID == 0 {
		return &types.JobProgress{}, nil
	}

	name := parsed.File.DisplayName
	if name == "" {
		name = parsed.File.Name
	}
	completion := parsed.Progress
	elapsed := parsed.TimePrinting
	remaining := parsed.TimeRemaining
	return &types.JobProgress{
		FileName:      name,
		Completion:    &completion,
		TimeElapsed:   &elapsed,
		TimeRemaining: &remaining,
	}, nil
}

// activeJobID resolves the current job for the v1 job-control
// endpoints, which address jobs by id.
func (p *PrusaConnect) activeJobID(ctx context.Context) (int64, error) {
	parsed, err := p.getStatus(ctx)
	if err != nil {
		return 0, err
	}
	if parsed.Job.ID == 0 {
		return 0, types.NewError(types.CodeNotFound, "no active job on printer %s", p.id)
	}
	return parsed.Job.ID, nil
}

func (p *PrusaConnect) ListFiles(ctx context.Context) ([]types.File, error) {
	var parsed struct {
		Files []octoFileEntry `json:"files"`
	}
	if err := p.doJSON(ctx, http.MethodGet, "/api/files?recursive=true", nil, &parsed); err != nil {
		return nil, err
	}
	return flattenOctoFiles(parsed.Files, nil), nil
}

func (p *PrusaConnect) UploadFile(ctx context.Context, localPath string) error {
	headers := map[string]string{"X-Api-Key": p.apiKey}
	return uploadMultipart(ctx, p.client, p.baseURL+"/api/files/local", "prusalink", headers, localPath, nil)
}

func (p *PrusaConnect) DeleteFile(ctx context.Context, remotePath string) error {
	err := p.doJSON(ctx, http.MethodDelete, "/api/files/local/"+strings.TrimPrefix(remotePath, "/"), nil, nil)
	if types.CodeOf(err) == types.CodeNotFound {
		return types.NewError(types.CodeFileNotFound, "file not on printer: %s", remotePath)
	}
	return err
}

func (p *PrusaConnect) StartPrint(ctx context.Context, fileName string) error {
	body := map[string]any{"command": "select", "print": true}
	return p.doJSON(ctx, http.MethodPost, "/api/files/local/"+strings.TrimPrefix(fileName, "/"), body, nil)
}

func (p *PrusaConnect) CancelPrint(ctx context.Context) error {
	id, err := p.activeJobID(ctx)
	if err != nil {
		return err
	}
	return p.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/api/v1/job/%d", id), nil, nil)
}

func (p *PrusaConnect) PausePrint(ctx context.Context) error {
	id, err := p.activeJobID(ctx)
	if err != nil {
		return err
	}
	return p.doJSON(ctx, http.MethodPut, fmt.Sprintf("/api/v1/job/%d/pause", id), nil, nil)
}

func (p *PrusaConnect) ResumePrint(ctx context.Context) error {
	id, err := p.activeJobID(ctx)
	if err != nil {
		return err
	}
	return p.doJSON(ctx, http.MethodPut, fmt.Sprintf("/api/v1/job/%d/resume", id), nil, nil)
}

// EmergencyStop cancels whatever is running. PrusaLink offers no
// harder stop; an idle printer is already stopped.
func (p *PrusaConnect) EmergencyStop(ctx context.Context) error {
	err := p.CancelPrint(ctx)
	if types.CodeOf(err) == types.CodeNotFound {
		return nil
	}
	return err
}

func (p *PrusaConnect) SetToolTemp(ctx context.Context, celsius float64) error {
	return errUnsupported(types.AdapterPrusaConnect, "set tool temperature")
}

func (p *PrusaConnect) SetBedTemp(ctx context.Context, celsius float64) error {
	return errUnsupported(types.AdapterPrusaConnect, "set bed temperature")
}

func (p *PrusaConnect) SendGCode(ctx context.Context, lines []string) error {
	return errUnsupported(types.AdapterPrusaConnect, "send gcode")
}

func (p *PrusaConnect) GetSnapshot(ctx context.Context) ([]byte, error) {
	if p.snapshotURL == "" {
		return nil, errUnsupported(types.AdapterPrusaConnect, "snapshot")
	}
	ctx, cancel := timeoutCtx(ctx, defaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.snapshotURL, nil)
	if err != nil {
		return nil, types.WrapError(types.CodeInternal, err, "failed to build snapshot request")
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, types.WrapError(types.CodeError, err, "snapshot fetch failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewError(types.CodeError, "snapshot fetch returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (p *PrusaConnect) GetStreamURL() (string, error) {
	return "", errUnsupported(types.AdapterPrusaConnect, "stream")
}

func (p *PrusaConnect) FirmwareStatus(ctx context.Context) (*FirmwareStatus, error) {
	var parsed struct {
		Firmware string `json:"firmware"`
	}
	if err := p.doJSON(ctx, http.MethodGet, "/api/version", nil, &parsed); err != nil {
		return nil, err
	}
	return &FirmwareStatus{Current: parsed.Firmware}, nil
}

func (p *PrusaConnect) UpdateFirmware(ctx context.Context, component string) error {
	return errUnsupported(types.AdapterPrusaConnect, "firmware update")
}

func (p *PrusaConnect) RollbackFirmware(ctx context.Context, component string) error {
	return errUnsupported(types.AdapterPrusaConnect, "firmware rollback")
}
