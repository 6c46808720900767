package adapter

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/kilnlabs/kiln/pkg/types"
)

// OctoPrint talks to an OctoPrint server over its REST API. The server
// sits between kiln and the printer, so a reachable API with a
// disconnected printer reports Connected=true with StatusOffline.
type OctoPrint struct {
	id          string
	baseURL     string
	apiKey      string
	snapshotURL string
	streamURL   string
	profile     *types.SafetyProfile
	client      *http.Client
}

// NewOctoPrint builds an OctoPrint adapter. Connection keys: "host"
// (required), "api_key", optional "snapshot_url" and "stream_url"
// overriding the default webcam endpoints.
func NewOctoPrint(id string, conn map[string]string, profile *types.SafetyProfile) (*OctoPrint, error) {
	host := conn["host"]
	if host == "" {
		return nil, types.NewError(types.CodeValidationError, "octoprint printer %s: host is required", id)
	}
	base := normalizeBaseURL(host)

	snapshot := conn["snapshot_url"]
	if snapshot == "" {
		snapshot = base + "/webcam/?action=snapshot"
	}
	stream := conn["stream_url"]
	if stream == "" {
		stream = base + "/webcam/?action=stream"
	}

	return &OctoPrint{
		id:          id,
		baseURL:     base,
		apiKey:      conn["api_key"],
		snapshotURL: snapshot,
		streamURL:   stream,
		profile:     profile,
		client:      &http.Client{},
	}, nil
}

func (o *OctoPrint) ID() string                    { return o.id }
func (o *OctoPrint) Type() types.AdapterType       { return types.AdapterOctoPrint }
func (o *OctoPrint) Profile() *types.SafetyProfile { return o.profile }

func (o *OctoPrint) Capabilities() types.Capabilities {
	return types.Capabilities{
		CanUpload:         true,
		CanSetTemp:        true,
		CanSendGCode:      true,
		CanPause:          true,
		CanSnapshot:       true,
		CanStream:         true,
		CanUpdateFirmware: true,
		FileExtensions:    []string{".gcode", ".gco", ".g"},
	}
}

func (o *OctoPrint) Connect(ctx context.Context) error {
	return o.doJSON(ctx, http.MethodGet, "/api/version", nil, nil)
}

func (o *OctoPrint) Close() error { return nil }

func (o *OctoPrint) doJSON(ctx context.Context, method, path string, body, out any) error {
	headers := map[string]string{"X-Api-Key": o.apiKey}
	return httpJSON(ctx, o.client, method, o.baseURL+path, "octoprint", headers, body, out)
}

type octoPrinterResponse struct {
	State struct {
		Text  string         `json:"text"`
		Flags octoStateFlags `json:"flags"`
	} `json:"state"`
	Temperature map[string]struct {
		Actual float64 `json:"actual"`
		Target float64 `json:"target"`
	} `json:"temperature"`
}

type octoStateFlags struct {
	Operational   bool `json:"operational"`
	Printing      bool `json:"printing"`
	Paused        bool `json:"paused"`
	Pausing       bool `json:"pausing"`
	Cancelling    bool `json:"cancelling"`
	Error         bool `json:"error"`
	ClosedOrError bool `json:"closedOrError"`
}

// statusFromOctoFlags folds OctoPrint's state flags into one status.
// Transitional flags win over steady ones.
func statusFromOctoFlags(f octoStateFlags) types.PrinterStatus {
	switch {
	case f.Cancelling:
		return types.PrinterStatusCancelling
	case f.Pausing, f.Paused:
		return types.PrinterStatusPaused
	case f.Printing:
		return types.PrinterStatusPrinting
	case f.Error, f.ClosedOrError:
		return types.PrinterStatusError
	case f.Operational:
		return types.PrinterStatusIdle
	}
	return types.PrinterStatusUnknown
}

func (o *OctoPrint) GetState(ctx context.Context) (*types.PrinterState, error) {
	var parsed octoPrinterResponse
	err := o.doJSON(ctx, http.MethodGet, "/api/printer?exclude=sd,history", nil, &parsed)
	if err != nil {
		// 409 means the server is up but its printer is not.
		if types.CodeOf(err) == types.CodeConflict {
			return &types.PrinterState{Connected: true, Status: types.PrinterStatusOffline}, nil
		}
		if types.CodeOf(err) == types.CodeAuthError {
			return nil, err
		}
		return offlineState(), nil
	}

	state := &types.PrinterState{
		Connected: true,
		Status:    statusFromOctoFlags(parsed.State.Flags),
	}
	if t, ok := parsed.Temperature["tool0"]; ok {
		state.Hotend = &types.Temperature{Actual: t.Actual, Target: t.Target}
	}
	if t, ok := parsed.Temperature["bed"]; ok {
		state.Bed = &types.Temperature{Actual: t.Actual, Target: t.Target}
	}
	return state, nil
}

type octoJobResponse struct {
	Job struct {
		File struct {
			Name string `json:"name"`
		} `json:"file"`
	} `json:"job"`
	Progress struct {
		Completion    *float64 `json:"completion"`
		PrintTime     *int     `json:"printTime"`
		PrintTimeLeft *int     `json:"printTimeLeft"`
	} `json:"progress"`
}

func (o *OctoPrint) GetJob(ctx context.Context) (*types.JobProgress, error) {
	var parsed octoJobResponse
	if err := o.doJSON(ctx, http.MethodGet, "/api/job", nil, &parsed); err != nil {
		return nil, err
	}
	return &types.JobProgress{
		FileName:      parsed.Job.File.Name,
		Completion:    parsed.Progress.Completion,
		TimeElapsed:   parsed.Progress.PrintTime,
		TimeRemaining: parsed.Progress.PrintTimeLeft,
	}, nil
}

type octoFileEntry struct {
	Name     string          `json:"name"`
	Path     string          `json:"path"`
	Type     string          `json:"type"`
	Size     *int64          `json:"size"`
	Children []octoFileEntry `json:"children"`
}

func flattenOctoFiles(entries []octoFileEntry, out []types.File) []types.File {
	for _, e := range entries {
		if e.Type == "folder" {
			out = flattenOctoFiles(e.Children, out)
			continue
		}
		out = append(out, types.File{Name: e.Name, Path: e.Path, Size: e.Size})
	}
	return out
}

func (o *OctoPrint) ListFiles(ctx context.Context) ([]types.File, error) {
	var parsed struct {
		Files []octoFileEntry `json:"files"`
	}
	if err := o.doJSON(ctx, http.MethodGet, "/api/files/local?recursive=true", nil, &parsed); err != nil {
		return nil, err
	}
	return flattenOctoFiles(parsed.Files, nil), nil
}

func (o *OctoPrint) UploadFile(ctx context.Context, localPath string) error {
	headers := map[string]string{"X-Api-Key": o.apiKey}
	return uploadMultipart(ctx, o.client, o.baseURL+"/api/files/local", "octoprint", headers, localPath, nil)
}

func (o *OctoPrint) DeleteFile(ctx context.Context, remotePath string) error {
	err := o.doJSON(ctx, http.MethodDelete, "/api/files/local/"+strings.TrimPrefix(remotePath, "/"), nil, nil)
	if types.CodeOf(err) == types.CodeNotFound {
		return types.NewError(types.CodeFileNotFound, "file not on printer: %s", remotePath)
	}
	return err
}

func (o *OctoPrint) StartPrint(ctx context.Context, fileName string) error {
	body := map[string]any{"command": "select", "print": true}
	return o.doJSON(ctx, http.MethodPost, "/api/files/local/"+strings.TrimPrefix(fileName, "/"), body, nil)
}

func (o *OctoPrint) CancelPrint(ctx context.Context) error {
	return o.doJSON(ctx, http.MethodPost, "/api/job", map[string]any{"command": "cancel"}, nil)
}

func (o *OctoPrint) PausePrint(ctx context.Context) error {
	body := map[string]any{"command": "pause", "action": "pause"}
	return o.doJSON(ctx, http.MethodPost, "/api/job", body, nil)
}

func (o *OctoPrint) ResumePrint(ctx context.Context) error {
	body := map[string]any{"command": "pause", "action": "resume"}
	return o.doJSON(ctx, http.MethodPost, "/api/job", body, nil)
}

func (o *OctoPrint) EmergencyStop(ctx context.Context) error {
	return o.SendGCode(ctx, []string{"M112"})
}

func (o *OctoPrint) SetToolTemp(ctx context.Context, celsius float64) error {
	if err := checkTempTarget(o.profile, celsius, o.profile.MaxHotendTemp, "hotend"); err != nil {
		return err
	}
	body := map[string]any{"command": "target", "targets": map[string]float64{"tool0": celsius}}
	return o.doJSON(ctx, http.MethodPost, "/api/printer/tool", body, nil)
}

func (o *OctoPrint) SetBedTemp(ctx context.Context, celsius float64) error {
	if err := checkTempTarget(o.profile, celsius, o.profile.MaxBedTemp, "bed"); err != nil {
		return err
	}
	body := map[string]any{"command": "target", "target": celsius}
	return o.doJSON(ctx, http.MethodPost, "/api/printer/bed", body, nil)
}

func (o *OctoPrint) SendGCode(ctx context.Context, lines []string) error {
	return o.doJSON(ctx, http.MethodPost, "/api/printer/command", map[string]any{"commands": lines}, nil)
}

func (o *OctoPrint) GetSnapshot(ctx context.Context) ([]byte, error) {
	ctx, cancel := timeoutCtx(ctx, defaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.snapshotURL, nil)
	if err != nil {
		return nil, types.WrapError(types.CodeInternal, err, "failed to build snapshot request")
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, types.WrapError(types.CodeError, err, "snapshot fetch failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewError(types.CodeError, "snapshot fetch returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (o *OctoPrint) GetStreamURL() (string, error) {
	return o.streamURL, nil
}

type octoUpdateInfo struct {
	Information map[string]struct {
		DisplayName     string `json:"displayName"`
		UpdateAvailable bool   `json:"updateAvailable"`
		Information     struct {
			Local struct {
				Value string `json:"value"`
			} `json:"local"`
			Remote struct {
				Value string `json:"value"`
			} `json:"remote"`
		} `json:"information"`
	} `json:"information"`
	Status string `json:"status"`
}

// FirmwareStatus reads the softwareupdate plugin. The "octoprint"
// target stands in for the whole stack's version state.
func (o *OctoPrint) FirmwareStatus(ctx context.Context) (*FirmwareStatus, error) {
	var parsed octoUpdateInfo
	if err := o.doJSON(ctx, http.MethodGet, "/plugin/softwareupdate/check", nil, &parsed); err != nil {
		return nil, err
	}
	status := &FirmwareStatus{UpdateInProgress: parsed.Status == "updating"}
	if info, ok := parsed.Information["octoprint"]; ok {
		status.Current = info.Information.Local.Value
		if info.UpdateAvailable {
			status.Available = info.Information.Remote.Value
		}
	}
	return status, nil
}

func (o *OctoPrint) UpdateFirmware(ctx context.Context, component string) error {
	if component == "" {
		component = "octoprint"
	}
	body := map[string]any{"targets": []string{component}, "force": false}
	return o.doJSON(ctx, http.MethodPost, "/plugin/softwareupdate/update", body, nil)
}

func (o *OctoPrint) RollbackFirmware(ctx context.Context, component string) error {
	return errUnsupported(types.AdapterOctoPrint, "firmware rollback")
}
