package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/kilnlabs/kiln/pkg/gcode"
	"github.com/kilnlabs/kiln/pkg/log"
	"github.com/kilnlabs/kiln/pkg/types"
)

const (
	serialDefaultBaud    = 115200
	serialMaxReconnect   = 3
	serialReconnectStep  = 2 * time.Second
	serialBootDrainDelay = 500 * time.Millisecond
)

var errSerialTimeout = errors.New("serial read timeout")

// Serial drives a Marlin-family printer over a USB serial port. One
// mutex serialises all port access: a command writes "<cmd>\n" and reads
// lines until an "ok" prefix, an "Error:" prefix, or the deadline.
//
// A port I/O error marks the adapter disconnected; the next operation
// retries the open with linear backoff (attempt x 2s, up to 3 attempts).
type Serial struct {
	id      string
	device  string
	baud    int
	profile *types.SafetyProfile

	mu        sync.Mutex
	port      serial.Port
	pending   []byte
	connected bool
}

// NewSerial builds a serial adapter. Connection keys: "device" (or
// "host") for the port path, optional "baud".
func NewSerial(id string, conn map[string]string, profile *types.SafetyProfile) (*Serial, error) {
	device := conn["device"]
	if device == "" {
		device = conn["host"]
	}
	if device == "" {
		return nil, types.NewError(types.CodeValidationError, "serial printer %s: device is required", id)
	}
	baud := serialDefaultBaud
	if b := conn["baud"]; b != "" {
		n, err := strconv.Atoi(b)
		if err != nil || n <= 0 {
			return nil, types.NewError(types.CodeValidationError, "serial printer %s: bad baud rate %q", id, b)
		}
		baud = n
	}
	return &Serial{id: id, device: device, baud: baud, profile: profile}, nil
}

func (s *Serial) ID() string                    { return s.id }
func (s *Serial) Type() types.AdapterType       { return types.AdapterSerial }
func (s *Serial) Profile() *types.SafetyProfile { return s.profile }

func (s *Serial) Capabilities() types.Capabilities {
	return types.Capabilities{
		CanUpload:      true,
		CanSetTemp:     true,
		CanSendGCode:   true,
		CanPause:       true,
		FileExtensions: []string{".gcode", ".gco", ".g"},
	}
}

func (s *Serial) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureConnected()
}

func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropPort()
}

// ensureConnected opens the port if needed. Callers hold s.mu. Opening
// usually resets the board via DTR, so the boot banner is drained before
// the port is considered usable.
func (s *Serial) ensureConnected() error {
	if s.connected {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= serialMaxReconnect; attempt++ {
		port, err := serial.Open(s.device, &serial.Mode{BaudRate: s.baud})
		if err == nil {
			s.port = port
			s.pending = nil
			s.connected = true
			s.drainInput(serialBootDrainDelay)
			logger := log.WithPrinterID(s.id)
			logger.Info().
				Str("device", s.device).
				Int("baud", s.baud).
				Msg("Serial port opened")
			return nil
		}
		lastErr = err
		if attempt < serialMaxReconnect {
			time.Sleep(time.Duration(attempt) * serialReconnectStep)
		}
	}
	return types.WrapError(types.CodeError, lastErr, "failed to open %s", s.device)
}

// dropPort closes the port and marks the adapter disconnected. Callers
// hold s.mu.
func (s *Serial) dropPort() error {
	s.connected = false
	s.pending = nil
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

// drainInput reads and discards whatever the firmware is emitting, for
// at most the given window. Callers hold s.mu.
func (s *Serial) drainInput(window time.Duration) {
	deadline := time.Now().Add(window)
	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		_ = s.port.SetReadTimeout(time.Until(deadline))
		n, err := s.port.Read(buf)
		if err != nil || n == 0 {
			return
		}
	}
}

// readLine returns the next newline-terminated line, with CR stripped.
// Callers hold s.mu.
func (s *Serial) readLine(deadline time.Time) (string, error) {
	for {
		if i := bytes.IndexByte(s.pending, '\n'); i >= 0 {
			line := strings.TrimRight(string(s.pending[:i]), "\r")
			s.pending = s.pending[i+1:]
			return line, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", errSerialTimeout
		}
		_ = s.port.SetReadTimeout(remaining)
		buf := make([]byte, 256)
		n, err := s.port.Read(buf)
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "", errSerialTimeout
		}
		s.pending = append(s.pending, buf[:n]...)
	}
}

// writeLine transmits one command. Callers hold s.mu.
func (s *Serial) writeLine(cmd string) error {
	_, err := s.port.Write([]byte(cmd + "\n"))
	return err
}

// exchange runs one command/response cycle. The returned lines include
// the terminal "ok" line because Marlin piggybacks payloads on it
// (M105 replies "ok T:... B:..."). A read timeout leaves the port open;
// an I/O error drops it so the next call reconnects.
func (s *Serial) exchange(ctx context.Context, cmd string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exchangeLocked(ctx, cmd)
}

func (s *Serial) exchangeLocked(ctx context.Context, cmd string) ([]string, error) {
	if err := s.ensureConnected(); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(defaultTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	if err := s.writeLine(cmd); err != nil {
		_ = s.dropPort()
		return nil, types.WrapError(types.CodeError, err, "serial write failed")
	}

	var lines []string
	for {
		line, err := s.readLine(deadline)
		if err != nil {
			if !errors.Is(err, errSerialTimeout) {
				_ = s.dropPort()
			}
			return lines, types.WrapError(types.CodeError, err, "no response to %s", firstWord(cmd))
		}
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if strings.HasPrefix(line, "ok") {
			return lines, nil
		}
		if strings.HasPrefix(line, "Error:") {
			return lines, types.NewError(types.CodeError, "printer error: %s", strings.TrimPrefix(line, "Error:"))
		}
	}
}

func (s *Serial) GetState(ctx context.Context) (*types.PrinterState, error) {
	lines, err := s.exchange(ctx, "M105")
	if err != nil {
		// A firmware "Error:" reply still proves the port is live; only
		// a dead or silent port reads as offline.
		for _, line := range lines {
			if strings.HasPrefix(line, "Error:") {
				return &types.PrinterState{Connected: true, Status: types.PrinterStatusError}, nil
			}
		}
		return offlineState(), nil
	}

	state := &types.PrinterState{Connected: true, Status: types.PrinterStatusIdle}
	state.Hotend, state.Bed = parseMarlinTemps(lines)

	for _, line := range lines {
		if strings.HasPrefix(line, "echo:busy") {
			state.Status = types.PrinterStatusBusy
			return state, nil
		}
	}

	// SD progress distinguishes printing from idle.
	if sd, err := s.exchange(ctx, "M27"); err == nil {
		if _, printing := parseMarlinSDProgress(sd); printing {
			state.Status = types.PrinterStatusPrinting
		}
	}
	return state, nil
}

func (s *Serial) GetJob(ctx context.Context) (*types.JobProgress, error) {
	progress := &types.JobProgress{}

	if lines, err := s.exchange(ctx, "M27 C"); err == nil {
		for _, line := range lines {
			if name, ok := strings.CutPrefix(line, "Current file: "); ok {
				progress.FileName = strings.TrimSpace(name)
			}
		}
	}

	lines, err := s.exchange(ctx, "M27")
	if err != nil {
		return nil, err
	}
	if pct, printing := parseMarlinSDProgress(lines); printing {
		progress.Completion = &pct
	}
	return progress, nil
}

func (s *Serial) ListFiles(ctx context.Context) ([]types.File, error) {
	lines, err := s.exchange(ctx, "M20")
	if err != nil {
		return nil, err
	}
	return parseMarlinFileList(lines), nil
}

// UploadFile streams a local G-code file to the printer's SD card via
// M28/M29. The port stays locked for the whole transfer.
func (s *Serial) UploadFile(ctx context.Context, localPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return types.NewError(types.CodeFileNotFound, "local file not found: %s", localPath)
		}
		if os.IsPermission(err) {
			return types.NewError(types.CodePermissionError, "local file not readable: %s", localPath)
		}
		return types.WrapError(types.CodeError, err, "failed to read %s", localPath)
	}

	name := strings.ToUpper(filepath.Base(localPath))

	s.mu.Lock()
	defer s.mu.Unlock()

	transferCtx, cancel := timeoutCtx(ctx, transferTimeout)
	defer cancel()

	if _, err := s.exchangeLocked(transferCtx, "M28 "+name); err != nil {
		return err
	}
	// Comments and blank lines never reach the card; at 115200 baud the
	// saved bytes are real time.
	for _, cmd := range gcode.ParseScript(string(data)) {
		if err := transferCtx.Err(); err != nil {
			_, _ = s.exchangeLocked(context.Background(), "M29")
			return types.WrapError(types.CodeError, err, "upload aborted")
		}
		if _, err := s.exchangeLocked(transferCtx, cmd.Raw); err != nil {
			_, _ = s.exchangeLocked(context.Background(), "M29")
			return err
		}
	}
	_, err = s.exchangeLocked(transferCtx, "M29")
	return err
}

func (s *Serial) DeleteFile(ctx context.Context, remotePath string) error {
	_, err := s.exchange(ctx, "M30 "+strings.ToUpper(remotePath))
	return err
}

func (s *Serial) StartPrint(ctx context.Context, fileName string) error {
	if _, err := s.exchange(ctx, "M23 "+strings.ToUpper(fileName)); err != nil {
		return err
	}
	_, err := s.exchange(ctx, "M24")
	return err
}

func (s *Serial) CancelPrint(ctx context.Context) error {
	_, err := s.exchange(ctx, "M524")
	return err
}

func (s *Serial) PausePrint(ctx context.Context) error {
	_, err := s.exchange(ctx, "M25")
	return err
}

func (s *Serial) ResumePrint(ctx context.Context) error {
	_, err := s.exchange(ctx, "M24")
	return err
}

// EmergencyStop writes M112 and returns without reading. Marlin halts
// before it would acknowledge, so waiting for "ok" would always time
// out.
func (s *Serial) EmergencyStop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureConnected(); err != nil {
		return err
	}
	if err := s.writeLine("M112"); err != nil {
		_ = s.dropPort()
		return types.WrapError(types.CodeError, err, "emergency stop write failed")
	}
	return nil
}

func (s *Serial) SetToolTemp(ctx context.Context, celsius float64) error {
	if err := checkTempTarget(s.profile, celsius, s.profile.MaxHotendTemp, "hotend"); err != nil {
		return err
	}
	_, err := s.exchange(ctx, fmt.Sprintf("M104 S%.1f", celsius))
	return err
}

func (s *Serial) SetBedTemp(ctx context.Context, celsius float64) error {
	if err := checkTempTarget(s.profile, celsius, s.profile.MaxBedTemp, "bed"); err != nil {
		return err
	}
	_, err := s.exchange(ctx, fmt.Sprintf("M140 S%.1f", celsius))
	return err
}

func (s *Serial) SendGCode(ctx context.Context, lines []string) error {
	for _, line := range lines {
		if _, err := s.exchange(ctx, line); err != nil {
			return err
		}
	}
	return nil
}

func (s *Serial) GetSnapshot(ctx context.Context) ([]byte, error) {
	return nil, errUnsupported(types.AdapterSerial, "snapshot")
}

func (s *Serial) GetStreamURL() (string, error) {
	return "", errUnsupported(types.AdapterSerial, "stream")
}

func (s *Serial) FirmwareStatus(ctx context.Context) (*FirmwareStatus, error) {
	lines, err := s.exchange(ctx, "M115")
	if err != nil {
		return nil, err
	}
	for _, line := range lines {
		if i := strings.Index(line, "FIRMWARE_NAME:"); i >= 0 {
			rest := line[i+len("FIRMWARE_NAME:"):]
			if j := strings.Index(rest, " SOURCE_CODE_URL"); j >= 0 {
				rest = rest[:j]
			}
			return &FirmwareStatus{Current: strings.TrimSpace(rest)}, nil
		}
	}
	return &FirmwareStatus{}, nil
}

func (s *Serial) UpdateFirmware(ctx context.Context, component string) error {
	return errUnsupported(types.AdapterSerial, "firmware update")
}

func (s *Serial) RollbackFirmware(ctx context.Context, component string) error {
	return errUnsupported(types.AdapterSerial, "firmware rollback")
}

// parseMarlinTemps extracts hotend and bed readings from an M105 reply
// such as "ok T:210.00 /210.00 B:60.00 /60.00 @:127". Both the spaced
// and the unspaced ("T:210.00/210.00") target forms occur in the wild.
func parseMarlinTemps(lines []string) (hotend, bed *types.Temperature) {
	for _, line := range lines {
		if !strings.Contains(line, "T:") && !strings.Contains(line, "B:") {
			continue
		}
		fields := strings.Fields(line)
		for i := 0; i < len(fields); i++ {
			var dst **types.Temperature
			var val string
			switch {
			case strings.HasPrefix(fields[i], "T:"):
				dst, val = &hotend, fields[i][2:]
			case strings.HasPrefix(fields[i], "B:"):
				dst, val = &bed, fields[i][2:]
			default:
				continue
			}

			actualStr, targetStr := val, ""
			if k := strings.IndexByte(val, '/'); k >= 0 {
				actualStr, targetStr = val[:k], val[k+1:]
			} else if i+1 < len(fields) && strings.HasPrefix(fields[i+1], "/") {
				targetStr = fields[i+1][1:]
				i++
			}

			actual, err := strconv.ParseFloat(actualStr, 64)
			if err != nil {
				continue
			}
			temp := &types.Temperature{Actual: actual}
			if target, err := strconv.ParseFloat(targetStr, 64); err == nil {
				temp.Target = target
			}
			*dst = temp
		}
	}
	return hotend, bed
}

// parseMarlinSDProgress reads an M27 reply. "SD printing byte 150/1000"
// yields (15.0, true); "Not SD printing" yields (0, false).
func parseMarlinSDProgress(lines []string) (pct float64, printing bool) {
	for _, line := range lines {
		rest, ok := strings.CutPrefix(line, "SD printing byte ")
		if !ok {
			continue
		}
		parts := strings.SplitN(strings.TrimSpace(rest), "/", 2)
		if len(parts) != 2 {
			continue
		}
		cur, err1 := strconv.ParseFloat(parts[0], 64)
		total, err2 := strconv.ParseFloat(parts[1], 64)
		if err1 != nil || err2 != nil || total <= 0 {
			continue
		}
		return cur / total * 100, true
	}
	return 0, false
}

// parseMarlinFileList reads an M20 reply: entries between "Begin file
// list" and "End file list", each "NAME.GCO [size]".
func parseMarlinFileList(lines []string) []types.File {
	var files []types.File
	inList := false
	for _, line := range lines {
		switch {
		case strings.EqualFold(line, "Begin file list"):
			inList = true
		case strings.EqualFold(line, "End file list"):
			inList = false
		case inList:
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			file := types.File{Name: fields[0], Path: fields[0]}
			if len(fields) > 1 {
				if size, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
					file.Size = &size
				}
			}
			files = append(files, file)
		}
	}
	return files
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}
