package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/kilnlabs/kiln/pkg/log"
	"github.com/kilnlabs/kiln/pkg/types"
)

// Moonraker talks to a Klipper printer through Moonraker's JSON-RPC
// WebSocket. Requests are id-correlated; a reader goroutine routes
// responses back to waiting callers. File upload goes over plain HTTP
// because Moonraker only accepts multipart there.
type Moonraker struct {
	id          string
	baseURL     string
	wsURL       string
	snapshotURL string
	streamURL   string
	profile     *types.SafetyProfile
	client      *http.Client

	mu     sync.Mutex
	conn   *websocket.Conn
	nextID int64
	calls  map[int64]chan *rpcResponse
	closed bool
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int64  `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewMoonraker builds a Moonraker adapter. Connection keys: "host"
// (required), optional "snapshot_url" and "stream_url".
func NewMoonraker(id string, conn map[string]string, profile *types.SafetyProfile) (*Moonraker, error) {
	host := conn["host"]
	if host == "" {
		return nil, types.NewError(types.CodeValidationError, "moonraker printer %s: host is required", id)
	}
	base := normalizeBaseURL(host)

	ws := base + "/websocket"
	ws = strings.Replace(ws, "https://", "wss://", 1)
	ws = strings.Replace(ws, "http://", "ws://", 1)

	snapshot := conn["snapshot_url"]
	if snapshot == "" {
		snapshot = base + "/webcam/?action=snapshot"
	}
	stream := conn["stream_url"]
	if stream == "" {
		stream = base + "/webcam/?action=stream"
	}

	return &Moonraker{
		id:          id,
		baseURL:     base,
		wsURL:       ws,
		snapshotURL: snapshot,
		streamURL:   stream,
		profile:     profile,
		client:      &http.Client{},
		calls:       make(map[int64]chan *rpcResponse),
	}, nil
}

func (m *Moonraker) ID() string                    { return m.id }
func (m *Moonraker) Type() types.AdapterType       { return types.AdapterMoonraker }
func (m *Moonraker) Profile() *types.SafetyProfile { return m.profile }

func (m *Moonraker) Capabilities() types.Capabilities {
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

func (m *Moonraker) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureConnected(ctx)
}

func (m *Moonraker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.dropConn()
}

// ensureConnected dials the socket and starts the reader. Callers hold
// m.mu.
func (m *Moonraker) ensureConnected(ctx context.Context) error {
	if m.conn != nil {
		return nil
	}
	if m.closed {
		return types.NewError(types.CodeError, "moonraker adapter closed")
	}

	dialCtx, cancel := timeoutCtx(ctx, defaultTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, m.wsURL, nil)
	if err != nil {
		return types.WrapError(types.CodeError, err, "failed to dial %s", m.wsURL)
	}
	m.conn = conn
	go m.readLoop(conn)
	logger := log.WithPrinterID(m.id)
	logger.Debug().Str("url", m.wsURL).Msg("Moonraker socket connected")
	return nil
}

// dropConn closes the socket and fails every pending call by closing
// its channel. Callers hold m.mu.
func (m *Moonraker) dropConn() error {
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	for id, ch := range m.calls {
		close(ch)
		delete(m.calls, id)
	}
	return err
}

// readLoop is the sole reader on the socket. Responses with an id wake
// the matching caller; notifications are dropped because state flows
// through explicit polling.
func (m *Moonraker) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			if m.conn == conn {
				_ = m.dropConn()
			}
			m.mu.Unlock()
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil || resp.ID == nil {
			continue
		}
		m.mu.Lock()
		if ch, ok := m.calls[*resp.ID]; ok {
			ch <- &resp
			delete(m.calls, *resp.ID)
		}
		m.mu.Unlock()
	}
}

// call runs one JSON-RPC request and waits for its response.
func (m *Moonraker) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, cancel := timeoutCtx(ctx, defaultTimeout)
	defer cancel()

	m.mu.Lock()
	if err := m.ensureConnected(ctx); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.nextID++
	id := m.nextID
	ch := make(chan *rpcResponse, 1)
	m.calls[id] = ch
	err := m.conn.WriteJSON(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		delete(m.calls, id)
		_ = m.dropConn()
		m.mu.Unlock()
		return nil, types.WrapError(types.CodeError, err, "moonraker write failed")
	}
	m.mu.Unlock()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, types.NewError(types.CodeError, "moonraker connection lost")
		}
		if resp.Error != nil {
			return nil, types.NewError(types.CodeError, "moonraker %s: %s", method, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.calls, id)
		m.mu.Unlock()
		return nil, types.WrapError(types.CodeError, ctx.Err(), "moonraker %s timed out", method)
	}
}

type moonrakerObjects struct {
	Status struct {
		PrintStats struct {
			State         string  `json:"state"`
			Filename      string  `json:"filename"`
			PrintDuration float64 `json:"print_duration"`
			TotalDuration float64 `json:"total_duration"`
		} `json:"print_stats"`
		Extruder struct {
			Temperature float64 `json:"temperature"`
			Target      float64 `json:"target"`
		} `json:"extruder"`
		HeaterBed struct {
			Temperature float64 `json:"temperature"`
			Target      float64 `json:"target"`
		} `json:"heater_bed"`
		VirtualSD struct {
			Progress float64 `json:"progress"`
			IsActive bool    `json:"is_active"`
		} `json:"virtual_sdcard"`
		Webhooks struct {
			State        string `json:"state"`
			StateMessage string `json:"state_message"`
		} `json:"webhooks"`
	} `json:"status"`
}

func (m *Moonraker) queryObjects(ctx context.Context) (*moonrakerObjects, error) {
	params := map[string]any{"objects": map[string]any{
		"print_stats":    nil,
		"extruder":       nil,
		"heater_bed":     nil,
		"virtual_sdcard": nil,
		"webhooks":       nil,
	}}
	raw, err := m.call(ctx, "printer.objects.query", params)
	if err != nil {
		return nil, err
	}
	var parsed moonrakerObjects
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, types.WrapError(types.CodeError, err, "failed to decode printer objects")
	}
	return &parsed, nil
}

// statusFromKlippy folds Klipper's two state machines into one status.
// A shut-down Klippy is a firmware halt, not an unreachable printer.
func statusFromKlippy(webhooksState, printState string) types.PrinterStatus {
	switch webhooksState {
	case "shutdown", "error":
		return types.PrinterStatusError
	case "startup":
		return types.PrinterStatusBusy
	}
	switch printState {
	case "printing":
		return types.PrinterStatusPrinting
	case "paused":
		return types.PrinterStatusPaused
	case "standby", "complete", "cancelled":
		return types.PrinterStatusIdle
	case "error":
		return types.PrinterStatusError
	}
	return types.PrinterStatusUnknown
}

func (m *Moonraker) GetState(ctx context.Context) (*types.PrinterState, error) {
	parsed, err := m.queryObjects(ctx)
	if err != nil {
		// Moonraker up with Klippy down answers the query with an
		// error naming Klippy.
		if strings.Contains(strings.ToLower(err.Error()), "klippy") {
			return &types.PrinterState{Connected: true, Status: types.PrinterStatusError}, nil
		}
		return offlineState(), nil
	}

	s := parsed.Status
	return &types.PrinterState{
		Connected: true,
		Status:    statusFromKlippy(s.Webhooks.State, s.PrintStats.State),
		Hotend:    &types.Temperature{Actual: s.Extruder.Temperature, Target: s.Extruder.Target},
		Bed:       &types.Temperature{Actual: s.HeaterBed.Temperature, Target: s.HeaterBed.Target},
	}, nil
}

func (m *Moonraker) GetJob(ctx context.Context) (*types.JobProgress, error) {
	parsed, err := m.queryObjects(ctx)
	if err != nil {
		return nil, err
	}

	s := parsed.Status
	progress := &types.JobProgress{FileName: s.PrintStats.Filename}

	pct := s.VirtualSD.Progress * 100
	progress.Completion = &pct

	elapsed := int(s.PrintStats.PrintDuration)
	progress.TimeElapsed = &elapsed

	// Klipper reports no ETA; extrapolate from elapsed time once the
	// print is far enough in for the ratio to mean anything.
	if p := s.VirtualSD.Progress; p > 0.01 && s.PrintStats.PrintDuration > 0 {
		remaining := int(s.PrintStats.PrintDuration * (1 - p) / p)
		progress.TimeRemaining = &remaining
	}
	return progress, nil
}

func (m *Moonraker) ListFiles(ctx context.Context) ([]types.File, error) {
	raw, err := m.call(ctx, "server.files.list", map[string]string{"root": "gcodes"})
	if err != nil {
		return nil, err
	}
	var entries []struct {
		Path string `json:"path"`
		Size int64  `json:"size"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, types.WrapError(types.CodeError, err, "failed to decode file list")
	}
	files := make([]types.File, 0, len(entries))
	for _, e := range entries {
		size := e.Size
		name := e.Path
		if i := strings.LastIndexByte(name, '/'); i >= 0 {
			name = name[i+1:]
		}
		files = append(files, types.File{Name: name, Path: e.Path, Size: &size})
	}
	return files, nil
}

func (m *Moonraker) UploadFile(ctx context.Context, localPath string) error {
	url := m.baseURL + "/server/files/upload"
	return uploadMultipart(ctx, m.client, url, "moonraker", nil, localPath, map[string]string{"root": "gcodes"})
}

func (m *Moonraker) DeleteFile(ctx context.Context, remotePath string) error {
	path := "gcodes/" + strings.TrimPrefix(remotePath, "/")
	_, err := m.call(ctx, "server.files.delete_file", map[string]string{"path": path})
	if err != nil && strings.Contains(err.Error(), "does not exist") {
		return types.NewError(types.CodeFileNotFound, "file not on printer: %s", remotePath)
	}
	return err
}

func (m *Moonraker) StartPrint(ctx context.Context, fileName string) error {
	_, err := m.call(ctx, "printer.print.start", map[string]string{"filename": fileName})
	return err
}

func (m *Moonraker) CancelPrint(ctx context.Context) error {
	_, err := m.call(ctx, "printer.print.cancel", nil)
	return err
}

func (m *Moonraker) PausePrint(ctx context.Context) error {
	_, err := m.call(ctx, "printer.print.pause", nil)
	return err
}

func (m *Moonraker) ResumePrint(ctx context.Context) error {
	_, err := m.call(ctx, "printer.print.resume", nil)
	return err
}

// EmergencyStop writes the halt frame and returns without waiting for
// a response. Klippy restarts on M112, so the acknowledgement may
// never arrive.
func (m *Moonraker) EmergencyStop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureConnected(ctx); err != nil {
		return err
	}
	m.nextID++
	req := rpcRequest{JSONRPC: "2.0", Method: "printer.emergency_stop", ID: m.nextID}
	if err := m.conn.WriteJSON(req); err != nil {
		_ = m.dropConn()
		return types.WrapError(types.CodeError, err, "moonraker write failed")
	}
	return nil
}

func (m *Moonraker) SetToolTemp(ctx context.Context, celsius float64) error {
	if err := checkTempTarget(m.profile, celsius, m.profile.MaxHotendTemp, "hotend"); err != nil {
		return err
	}
	return m.SendGCode(ctx, []string{fmt.Sprintf("M104 S%.1f", celsius)})
}

func (m *Moonraker) SetBedTemp(ctx context.Context, celsius float64) error {
	if err := checkTempTarget(m.profile, celsius, m.profile.MaxBedTemp, "bed"); err != nil {
		return err
	}
	return m.SendGCode(ctx, []string{fmt.Sprintf("M140 S%.1f", celsius)})
}

func (m *Moonraker) SendGCode(ctx context.Context, lines []string) error {
	for _, line := range lines {
		if _, err := m.call(ctx, "printer.gcode.script", map[string]string{"script": line}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Moonraker) GetSnapshot(ctx context.Context) ([]byte, error) {
	ctx, cancel := timeoutCtx(ctx, defaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.snapshotURL, nil)
	if err != nil {
		return nil, types.WrapError(types.CodeInternal, err, "failed to build snapshot request")
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, types.WrapError(types.CodeError, err, "snapshot fetch failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewError(types.CodeError, "snapshot fetch returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (m *Moonraker) GetStreamURL() (string, error) {
	return m.streamURL, nil
}

var moonrakerUpdateTargets = map[string]bool{
	"klipper":   true,
	"moonraker": true,
	"system":    true,
}

func (m *Moonraker) FirmwareStatus(ctx context.Context) (*FirmwareStatus, error) {
	raw, err := m.call(ctx, "machine.update.status", nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Busy        bool `json:"busy"`
		VersionInfo map[string]struct {
			Version       string `json:"version"`
			RemoteVersion string `json:"remote_version"`
		} `json:"version_info"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, types.WrapError(types.CodeError, err, "failed to decode update status")
	}

	status := &FirmwareStatus{UpdateInProgress: parsed.Busy}
	if info, ok := parsed.VersionInfo["klipper"]; ok {
		status.Current = info.Version
		if info.RemoteVersion != info.Version {
			status.Available = info.RemoteVersion
		}
	}
	return status, nil
}

func (m *Moonraker) UpdateFirmware(ctx context.Context, component string) error {
	if component == "" {
		component = "klipper"
	}
	if !moonrakerUpdateTargets[component] {
		return types.NewError(types.CodeValidationError, "unknown update target %q", component)
	}
	_, err := m.call(ctx, "machine.update."+component, nil)
	return err
}

func (m *Moonraker) RollbackFirmware(ctx context.Context, component string) error {
	if component == "" {
		component = "klipper"
	}
	_, err := m.call(ctx, "machine.update.rollback", map[string]string{"name": component})
	return err
}
