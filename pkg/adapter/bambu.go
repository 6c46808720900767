package adapter

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jlaffaye/ftp"

	"github.com/kilnlabs/kiln/pkg/log"
	"github.com/kilnlabs/kiln/pkg/types"
)

const (
	bambuMQTTPort    = 8883
	bambuFTPPort     = 990
	bambuUser        = "bblp"
	bambuReportFresh = 30 * time.Second
	bambuReportWait  = 5 * time.Second
)

// Bambu drives a Bambu Lab printer in LAN mode. Status arrives as
// JSON over MQTT on device/<serial>/report; commands go out on
// device/<serial>/request. Files move over implicit-TLS FTP on port
// 990. The printer pushes partial status diffs, so reports merge into
// a cached snapshot instead of replacing it.
type Bambu struct {
	id         string
	host       string
	serial     string
	accessCode string
	streamURL  string
	profile    *types.SafetyProfile

	mu       sync.Mutex
	client   mqtt.Client
	status   bambuStatus
	reportAt time.Time
	seq      int64
}

// bambuStatus is the merged view of the printer's push_status reports.
type bambuStatus struct {
	GcodeState   string
	GcodeFile    string
	Percent      float64
	RemainingMin float64
	NozzleTemp   float64
	NozzleTarget float64
	BedTemp      float64
	BedTarget    float64
	PrintError   int64
}

// bambuPrintMsg is one report payload. Pointer fields distinguish
// "absent from this diff" from a zero value.
type bambuPrintMsg struct {
	Print struct {
		Command            string   `json:"command"`
		GcodeState         *string  `json:"gcode_state"`
		GcodeFile          *string  `json:"gcode_file"`
		McPercent          *float64 `json:"mc_percent"`
		McRemainingTime    *float64 `json:"mc_remaining_time"`
		NozzleTemper       *float64 `json:"nozzle_temper"`
		NozzleTargetTemper *float64 `json:"nozzle_target_temper"`
		BedTemper          *float64 `json:"bed_temper"`
		BedTargetTemper    *float64 `json:"bed_target_temper"`
		PrintError         *int64   `json:"print_error"`
	} `json:"print"`
}

// NewBambu builds a Bambu Lab adapter. Connection keys: "host" and
// "serial" (required), "access_code", optional "stream_url".
func NewBambu(id string, conn map[string]string, profile *types.SafetyProfile) (*Bambu, error) {
	host := conn["host"]
	if host == "" {
		return nil, types.NewError(types.CodeValidationError, "bambu printer %s: host is required", id)
	}
	serial := conn["serial"]
	if serial == "" {
		return nil, types.NewError(types.CodeValidationError, "bambu printer %s: serial is required", id)
	}
	accessCode := conn["access_code"]

	stream := conn["stream_url"]
	if stream == "" && accessCode != "" {
		stream = fmt.Sprintf("rtsps://%s:%s@%s:322/streaming/live/1", bambuUser, accessCode, host)
	}

	return &Bambu{
		id:         id,
		host:       host,
		serial:     serial,
		accessCode: accessCode,
		streamURL:  stream,
		profile:    profile,
	}, nil
}

func (b *Bambu) ID() string                    { return b.id }
func (b *Bambu) Type() types.AdapterType       { return types.AdapterBambu }
func (b *Bambu) Profile() *types.SafetyProfile { return b.profile }

func (b *Bambu) Capabilities() types.Capabilities {
	return types.Capabilities{
		CanUpload:      true,
		CanSetTemp:     true,
		CanSendGCode:   true,
		CanPause:       true,
		CanStream:      b.streamURL != "",
		FileExtensions: []string{".gcode", ".3mf"},
	}
}

func (b *Bambu) reportTopic() string  { return "device/" + b.serial + "/report" }
func (b *Bambu) requestTopic() string { return "device/" + b.serial + "/request" }

func (b *Bambu) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ensureConnected()
}

func (b *Bambu) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		b.client.Disconnect(250)
		b.client = nil
	}
	return nil
}

// ensureConnected brings the MQTT session up. Callers hold b.mu. The
// printer's TLS certificate is self-signed, so verification is off.
func (b *Bambu) ensureConnected() error {
	if b.client != nil && b.client.IsConnected() {
		return nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tls://%s:%d", b.host, bambuMQTTPort)).
		SetClientID("kiln-" + b.id).
		SetUsername(bambuUser).
		SetPassword(b.accessCode).
		SetTLSConfig(&tls.Config{InsecureSkipVerify: true}).
		SetAutoReconnect(true).
		SetConnectTimeout(defaultTimeout).
		SetOnConnectHandler(func(c mqtt.Client) {
			c.Subscribe(b.reportTopic(), 0, b.handleReport)
			b.requestPushAll(c)
		}).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			logger := log.WithPrinterID(b.id)
			logger.Warn().Err(err).Msg("Bambu MQTT connection lost")
		})

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(defaultTimeout) {
		return types.NewError(types.CodeError, "bambu connect to %s timed out", b.host)
	}
	if err := tok.Error(); err != nil {
		return types.WrapError(types.CodeError, err, "bambu connect to %s failed", b.host)
	}
	b.client = client
	return nil
}

// requestPushAll asks the printer for a full status report.
func (b *Bambu) requestPushAll(c mqtt.Client) {
	seq := b.nextSeq()
	payload := map[string]any{"pushing": map[string]any{"sequence_id": seq, "command": "pushall"}}
	data, _ := json.Marshal(payload)
	c.Publish(b.requestTopic(), 0, false, data)
}

func (b *Bambu) nextSeq() string {
	b.seq++
	return strconv.FormatInt(b.seq, 10)
}

func (b *Bambu) handleReport(_ mqtt.Client, msg mqtt.Message) {
	var parsed bambuPrintMsg
	if err := json.Unmarshal(msg.Payload(), &parsed); err != nil {
		return
	}
	b.mu.Lock()
	b.status = applyBambuReport(b.status, &parsed)
	b.reportAt = time.Now()
	b.mu.Unlock()
}

// applyBambuReport merges one diff into the cached status.
func applyBambuReport(cur bambuStatus, msg *bambuPrintMsg) bambuStatus {
	p := msg.Print
	if p.GcodeState != nil {
		cur.GcodeState = *p.GcodeState
	}
	if p.GcodeFile != nil {
		cur.GcodeFile = *p.GcodeFile
	}
	if p.McPercent != nil {
		cur.Percent = *p.McPercent
	}
	if p.McRemainingTime != nil {
		cur.RemainingMin = *p.McRemainingTime
	}
	if p.NozzleTemper != nil {
		cur.NozzleTemp = *p.NozzleTemper
	}
	if p.NozzleTargetTemper != nil {
		cur.NozzleTarget = *p.NozzleTargetTemper
	}
	if p.BedTemper != nil {
		cur.BedTemp = *p.BedTemper
	}
	if p.BedTargetTemper != nil {
		cur.BedTarget = *p.BedTargetTemper
	}
	if p.PrintError != nil {
		cur.PrintError = *p.PrintError
	}
	return cur
}

// statusFromBambu maps gcode_state onto the common status enum. A
// nonzero print_error wins over whatever state the printer claims.
func statusFromBambu(s bambuStatus) types.PrinterStatus {
	if s.PrintError != 0 {
		return types.PrinterStatusError
	}
	switch s.GcodeState {
	case "IDLE", "FINISH":
		return types.PrinterStatusIdle
	case "RUNNING":
		return types.PrinterStatusPrinting
	case "PAUSE":
		return types.PrinterStatusPaused
	case "PREPARE", "SLICING":
		return types.PrinterStatusBusy
	case "FAILED":
		return types.PrinterStatusError
	case "":
		return types.PrinterStatusUnknown
	}
	return types.PrinterStatusUnknown
}

// publishPrint sends one command object on the request topic.
func (b *Bambu) publishPrint(ctx context.Context, command string, extra map[string]any) error {
	b.mu.Lock()
	if err := b.ensureConnected(); err != nil {
		b.mu.Unlock()
		return err
	}
	client := b.client
	body := map[string]any{"sequence_id": b.nextSeq(), "command": command}
	b.mu.Unlock()

	for k, v := range extra {
		body[k] = v
	}
	data, err := json.Marshal(map[string]any{"print": body})
	if err != nil {
		return types.WrapError(types.CodeInternal, err, "failed to encode %s", command)
	}

	tok := client.Publish(b.requestTopic(), 0, false, data)
	if !tok.WaitTimeout(defaultTimeout) {
		return types.NewError(types.CodeError, "bambu %s publish timed out", command)
	}
	if err := tok.Error(); err != nil {
		return types.WrapError(types.CodeError, err, "bambu %s publish failed", command)
	}
	return nil
}

func (b *Bambu) GetState(ctx context.Context) (*types.PrinterState, error) {
	status, fresh, err := b.currentStatus(ctx)
	if err != nil {
		return offlineState(), nil
	}
	if !fresh {
		return offlineState(), nil
	}
	return &types.PrinterState{
		Connected: true,
		Status:    statusFromBambu(status),
		Hotend:    &types.Temperature{Actual: status.NozzleTemp, Target: status.NozzleTarget},
		Bed:       &types.Temperature{Actual: status.BedTemp, Target: status.BedTarget},
	}, nil
}

// currentStatus returns the cached report, requesting a fresh push and
// waiting briefly when the cache is stale.
func (b *Bambu) currentStatus(ctx context.Context) (bambuStatus, bool, error) {
	b.mu.Lock()
	if err := b.ensureConnected(); err != nil {
		b.mu.Unlock()
		return bambuStatus{}, false, err
	}
	status, at, client := b.status, b.reportAt, b.client
	b.mu.Unlock()

	if time.Since(at) < bambuReportFresh {
		return status, true, nil
	}

	b.mu.Lock()
	b.requestPushAll(client)
	b.mu.Unlock()

	deadline := time.Now().Add(bambuReportWait)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return bambuStatus{}, false, err
		}
		time.Sleep(200 * time.Millisecond)
		b.mu.Lock()
		status, at = b.status, b.reportAt
		b.mu.Unlock()
		if time.Since(at) < bambuReportFresh {
			return status, true, nil
		}
	}
	return status, false, nil
}

func (b *Bambu) GetJob(ctx context.Context) (*types.JobProgress, error) {
	status, fresh, err := b.currentStatus(ctx)
	if err != nil {
		return nil, err
	}
	if !fresh {
		return nil, types.NewError(types.CodeError, "no status report from printer")
	}

	progress := &types.JobProgress{FileName: status.GcodeFile}
	pct := status.Percent
	progress.Completion = &pct
	remaining := int(status.RemainingMin * 60)
	progress.TimeRemaining = &remaining
	return progress, nil
}

// ftpConnect opens a fresh FTPS session. Bambu firmware only speaks
// implicit TLS on port 990.
func (b *Bambu) ftpConnect() (*ftp.ServerConn, error) {
	addr := fmt.Sprintf("%s:%d", b.host, bambuFTPPort)
	conn, err := ftp.Dial(addr,
		ftp.DialWithTLS(&tls.Config{InsecureSkipVerify: true}),
		ftp.DialWithTimeout(defaultTimeout),
		ftp.DialWithDisabledEPSV(true),
	)
	if err != nil {
		return nil, types.WrapError(types.CodeError, err, "ftp dial %s failed", addr)
	}
	if err := conn.Login(bambuUser, b.accessCode); err != nil {
		_ = conn.Quit()
		return nil, types.WrapError(types.CodeAuthError, err, "ftp login rejected")
	}
	return conn, nil
}

func (b *Bambu) ListFiles(ctx context.Context) ([]types.File, error) {
	conn, err := b.ftpConnect()
	if err != nil {
		return nil, err
	}
	defer conn.Quit()

	entries, err := conn.List("/")
	if err != nil {
		return nil, types.WrapError(types.CodeError, err, "ftp list failed")
	}
	var files []types.File
	for _, e := range entries {
		if e.Type != ftp.EntryTypeFile {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name))
		if ext != ".gcode" && ext != ".3mf" {
			continue
		}
		size := int64(e.Size)
		date := e.Time
		files = append(files, types.File{Name: e.Name, Path: "/" + e.Name, Size: &size, Date: &date})
	}
	return files, nil
}

func (b *Bambu) UploadFile(ctx context.Context, localPath string) error {
	f, err := openLocalFile(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	conn, err := b.ftpConnect()
	if err != nil {
		return err
	}
	defer conn.Quit()

	if err := conn.Stor("/"+filepath.Base(localPath), f); err != nil {
		return types.WrapError(types.CodeError, err, "ftp upload failed")
	}
	return nil
}

func (b *Bambu) DeleteFile(ctx context.Context, remotePath string) error {
	conn, err := b.ftpConnect()
	if err != nil {
		return err
	}
	defer conn.Quit()

	if err := conn.Delete("/" + strings.TrimPrefix(remotePath, "/")); err != nil {
		return types.NewError(types.CodeFileNotFound, "file not on printer: %s", remotePath)
	}
	return nil
}

func (b *Bambu) StartPrint(ctx context.Context, fileName string) error {
	param := "/sdcard/" + strings.TrimPrefix(fileName, "/")
	return b.publishPrint(ctx, "gcode_file", map[string]any{"param": param})
}

func (b *Bambu) CancelPrint(ctx context.Context) error {
	return b.publishPrint(ctx, "stop", nil)
}

func (b *Bambu) PausePrint(ctx context.Context) error {
	return b.publishPrint(ctx, "pause", nil)
}

func (b *Bambu) ResumePrint(ctx context.Context) error {
	return b.publishPrint(ctx, "resume", nil)
}

// EmergencyStop aborts the print. Bambu firmware has no M112
// equivalent; stop is the strongest command the protocol offers.
func (b *Bambu) EmergencyStop(ctx context.Context) error {
	return b.publishPrint(ctx, "stop", nil)
}

func (b *Bambu) SetToolTemp(ctx context.Context, celsius float64) error {
	if err := checkTempTarget(b.profile, celsius, b.profile.MaxHotendTemp, "hotend"); err != nil {
		return err
	}
	return b.SendGCode(ctx, []string{fmt.Sprintf("M104 S%.1f", celsius)})
}

func (b *Bambu) SetBedTemp(ctx context.Context, celsius float64) error {
	if err := checkTempTarget(b.profile, celsius, b.profile.MaxBedTemp, "bed"); err != nil {
		return err
	}
	return b.SendGCode(ctx, []string{fmt.Sprintf("M140 S%.1f", celsius)})
}

func (b *Bambu) SendGCode(ctx context.Context, lines []string) error {
	param := strings.Join(lines, "\n") + "\n"
	return b.publishPrint(ctx, "gcode_line", map[string]any{"param": param})
}

func (b *Bambu) GetSnapshot(ctx context.Context) ([]byte, error) {
	return nil, errUnsupported(types.AdapterBambu, "snapshot")
}

func (b *Bambu) GetStreamURL() (string, error) {
	if b.streamURL == "" {
		return "", errUnsupported(types.AdapterBambu, "stream")
	}
	return b.streamURL, nil
}

func (b *Bambu) FirmwareStatus(ctx context.Context) (*FirmwareStatus, error) {
	return nil, errUnsupported(types.AdapterBambu, "firmware status")
}

func (b *Bambu) UpdateFirmware(ctx context.Context, component string) error {
	return errUnsupported(types.AdapterBambu, "firmware update")
}

func (b *Bambu) RollbackFirmware(ctx context.Context, component string) error {
	return errUnsupported(types.AdapterBambu, "firmware rollback")
}
