package adapter

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/kilnlabs/kiln/pkg/types"
)

// scriptedPort is an in-memory serial.Port that answers each written
// command with a canned reply, keyed by the command word.
type scriptedPort struct {
	mu      sync.Mutex
	replies map[string]string
	pending []byte
}

func (p *scriptedPort) Write(b []byte) (int, error) {
	cmd := firstWord(strings.TrimSpace(string(b)))
	p.mu.Lock()
	defer p.mu.Unlock()
	if reply, ok := p.replies[cmd]; ok {
		p.pending = append(p.pending, reply...)
	}
	return len(b), nil
}

func (p *scriptedPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return 0, nil
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *scriptedPort) SetMode(mode *serial.Mode) error                      { return nil }
func (p *scriptedPort) Drain() error                                         { return nil }
func (p *scriptedPort) ResetInputBuffer() error                              { return nil }
func (p *scriptedPort) ResetOutputBuffer() error                             { return nil }
func (p *scriptedPort) SetDTR(dtr bool) error                                { return nil }
func (p *scriptedPort) SetRTS(rts bool) error                                { return nil }
func (p *scriptedPort) GetModemStatusBits() (*serial.ModemStatusBits, error) { return nil, nil }
func (p *scriptedPort) SetReadTimeout(t time.Duration) error                 { return nil }
func (p *scriptedPort) Close() error                                         { return nil }
func (p *scriptedPort) Break(d time.Duration) error                          { return nil }

func newScriptedSerial(t *testing.T, replies map[string]string) *Serial {
	t.Helper()
	s, err := NewSerial("p1", map[string]string{"device": "/dev/ttyUSB0"}, ProfileFor("ender3"))
	require.NoError(t, err)
	s.port = &scriptedPort{replies: replies}
	s.connected = true
	return s
}

// TestSerialGetStateIdle tests the M105/M27 poll on a healthy printer
func TestSerialGetStateIdle(t *testing.T) {
	s := newScriptedSerial(t, map[string]string{
		"M105": "ok T:21.9/0.0 B:22.4/0.0\n",
		"M27":  "Not SD printing\nok\n",
	})

	state, err := s.GetState(context.Background())
	require.NoError(t, err)
	assert.True(t, state.Connected)
	assert.Equal(t, types.PrinterStatusIdle, state.Status)
	require.NotNil(t, state.Hotend)
	assert.InDelta(t, 21.9, state.Hotend.Actual, 0.01)
}

// TestSerialGetStateFirmwareError tests that a firmware fault reply
// reads as a reachable printer in ERROR, not an offline one
func TestSerialGetStateFirmwareError(t *testing.T) {
	s := newScriptedSerial(t, map[string]string{
		"M105": "Error:MINTEMP triggered, system stopped! Heater_ID: bed\n",
	})

	state, err := s.GetState(context.Background())
	require.NoError(t, err)
	assert.True(t, state.Connected)
	assert.Equal(t, types.PrinterStatusError, state.Status)
}

// TestSerialGetStateSilentPort tests that a port that never answers
// reads as offline
func TestSerialGetStateSilentPort(t *testing.T) {
	s := newScriptedSerial(t, nil)

	state, err := s.GetState(context.Background())
	require.NoError(t, err)
	assert.False(t, state.Connected)
	assert.Equal(t, types.PrinterStatusOffline, state.Status)
}

func TestParseMarlinTemps(t *testing.T) {
	t.Run("spaced targets", func(t *testing.T) {
		hotend, bed := parseMarlinTemps([]string{"ok T:210.30 /215.00 B:60.10 /60.00 @:127 B@:0"})
		require.NotNil(t, hotend)
		require.NotNil(t, bed)
		assert.InDelta(t, 210.3, hotend.Actual, 0.01)
		assert.InDelta(t, 215.0, hotend.Target, 0.01)
		assert.InDelta(t, 60.1, bed.Actual, 0.01)
		assert.InDelta(t, 60.0, bed.Target, 0.01)
	})

	t.Run("unspaced targets", func(t *testing.T) {
		hotend, bed := parseMarlinTemps([]string{"ok T:21.9/0.0 B:22.4/0.0"})
		require.NotNil(t, hotend)
		require.NotNil(t, bed)
		assert.InDelta(t, 21.9, hotend.Actual, 0.01)
		assert.InDelta(t, 0.0, hotend.Target, 0.01)
		assert.InDelta(t, 22.4, bed.Actual, 0.01)
	})

	t.Run("hotend only", func(t *testing.T) {
		hotend, bed := parseMarlinTemps([]string{"ok T:200.00 /200.00"})
		require.NotNil(t, hotend)
		assert.Nil(t, bed)
	})

	t.Run("no temps", func(t *testing.T) {
		hotend, bed := parseMarlinTemps([]string{"ok"})
		assert.Nil(t, hotend)
		assert.Nil(t, bed)
	})
}

func TestParseMarlinSDProgress(t *testing.T) {
	pct, printing := parseMarlinSDProgress([]string{"SD printing byte 150/1000", "ok"})
	assert.True(t, printing)
	assert.InDelta(t, 15.0, pct, 0.01)

	_, printing = parseMarlinSDProgress([]string{"Not SD printing", "ok"})
	assert.False(t, printing)

	_, printing = parseMarlinSDProgress([]string{"SD printing byte 0/0", "ok"})
	assert.False(t, printing, "zero total cannot report progress")
}

func TestParseMarlinFileList(t *testing.T) {
	lines := []string{
		"Begin file list",
		"BENCHY.GCO 1234567",
		"CUBE.GCO",
		"End file list",
		"ok",
	}
	files := parseMarlinFileList(lines)
	require.Len(t, files, 2)

	assert.Equal(t, "BENCHY.GCO", files[0].Name)
	require.NotNil(t, files[0].Size)
	assert.Equal(t, int64(1234567), *files[0].Size)

	assert.Equal(t, "CUBE.GCO", files[1].Name)
	assert.Nil(t, files[1].Size)

	assert.Empty(t, parseMarlinFileList([]string{"ok"}))
}

func TestNewSerialValidation(t *testing.T) {
	_, err := NewSerial("p1", map[string]string{}, ProfileFor("generic"))
	require.Error(t, err)

	_, err = NewSerial("p1", map[string]string{"device": "/dev/ttyUSB0", "baud": "fast"}, ProfileFor("generic"))
	require.Error(t, err)

	s, err := NewSerial("p1", map[string]string{"device": "/dev/ttyUSB0"}, ProfileFor("ender3"))
	require.NoError(t, err)
	assert.Equal(t, serialDefaultBaud, s.baud)
	assert.Equal(t, "ender3", s.Profile().ID)
}

func TestFirstWord(t *testing.T) {
	assert.Equal(t, "M104", firstWord("M104 S200"))
	assert.Equal(t, "M105", firstWord("M105"))
}
