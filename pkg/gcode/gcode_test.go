package gcode

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnlabs/kiln/pkg/types"
)

func testProfile() *types.SafetyProfile {
	return &types.SafetyProfile{
		ID:            "test",
		MaxHotendTemp: 300,
		MaxBedTemp:    200,
		MaxFeedrate:   12000,
	}
}

// TestParseLine covers comment and checksum stripping, line numbers,
// and parameter extraction.
func TestParseLine(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		ok     bool
		code   string
		params map[byte]float64
	}{
		{
			name: "simple move",
			line: "G1 X10.5 Y-2 F3000",
			ok:   true,
			code: "G1",
			params: map[byte]float64{
				'X': 10.5, 'Y': -2, 'F': 3000,
			},
		},
		{
			name:   "set hotend temp",
			line:   "M104 S210",
			ok:     true,
			code:   "M104",
			params: map[byte]float64{'S': 210},
		},
		{
			name:   "lowercase input",
			line:   "m109 s240",
			ok:     true,
			code:   "M109",
			params: map[byte]float64{'S': 240},
		},
		{
			name:   "semicolon comment stripped",
			line:   "G28 ; home all axes",
			ok:     true,
			code:   "G28",
			params: map[byte]float64{},
		},
		{
			name:   "parenthesised comment stripped",
			line:   "G1 (move to start) X0 Y0",
			ok:     true,
			code:   "G1",
			params: map[byte]float64{'X': 0, 'Y': 0},
		},
		{
			name:   "line number and checksum stripped",
			line:   "N42 G1 X5*71",
			ok:     true,
			code:   "G1",
			params: map[byte]float64{'X': 5},
		},
		{
			name:   "leading zero normalised",
			line:   "M05",
			ok:     true,
			code:   "M5",
			params: map[byte]float64{},
		},
		{name: "blank line", line: "   ", ok: false},
		{name: "comment only", line: "; just a comment", ok: false},
		{name: "garbage", line: "hello world", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, ok := ParseLine(tt.line)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.code, cmd.Code)
			assert.Equal(t, tt.params, cmd.Params)
		})
	}
}

// TestParseScript drops blank and comment-only lines.
func TestParseScript(t *testing.T) {
	script := "G28\n\n; heat up\nM104 S210\nM140 S60\n"
	cmds := ParseScript(script)
	require.Len(t, cmds, 3)
	assert.Equal(t, "G28", cmds[0].Code)
	assert.Equal(t, "M104", cmds[1].Code)
	assert.Equal(t, "M140", cmds[2].Code)
}

// TestAnalyzeBlockedCommands rejects firmware-settings writes.
func TestAnalyzeBlockedCommands(t *testing.T) {
	for _, code := range []string{"M500", "M502", "M575 B115200", "M997"} {
		t.Run(code, func(t *testing.T) {
			result := Analyze(code, testProfile())
			require.Len(t, result.Violations, 1)
			assert.False(t, result.OK())
			assert.Equal(t, strings.Fields(code)[0], strings.Fields(result.Violations[0].Command)[0])
		})
	}
}

// TestAnalyzeTempCeilings blocks set-temperature commands above the
// profile ceilings and passes commands at or below them.
func TestAnalyzeTempCeilings(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		blocked bool
	}{
		{name: "hotend above ceiling", script: "M104 S320", blocked: true},
		{name: "hotend at ceiling", script: "M104 S300", blocked: false},
		{name: "hotend wait above ceiling", script: "M109 S301", blocked: true},
		{name: "hotend wait R param above ceiling", script: "M109 R310", blocked: true},
		{name: "bed above ceiling", script: "M140 S220", blocked: true},
		{name: "bed wait at ceiling", script: "M190 S200", blocked: false},
		{name: "report temp no target", script: "M104", blocked: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Analyze(tt.script, testProfile())
			if tt.blocked {
				require.Len(t, result.Violations, 1)
				assert.NotEmpty(t, result.Violations[0].Reason)
			} else {
				assert.True(t, result.OK(), "violations: %v", result.Violations)
			}
		})
	}
}

// TestAnalyzeMixedBatch reports only the offending command and leaves the
// rest of the batch untouched.
func TestAnalyzeMixedBatch(t *testing.T) {
	result := Analyze("M140 S200\nM104 S320", testProfile())

	require.Len(t, result.Commands, 2)
	assert.Contains(t, result.BlockedCommands(), "M104 S320")
	assert.NotContains(t, result.BlockedCommands(), "M140 S200")
}

// TestAnalyzeWarnings verifies sub-bed moves and extreme feedrates warn
// without blocking.
func TestAnalyzeWarnings(t *testing.T) {
	tests := []struct {
		name     string
		script   string
		profile  *types.SafetyProfile
		warnings int
	}{
		{name: "z below bed", script: "G1 Z-5 F1200", profile: testProfile(), warnings: 1},
		{name: "feedrate above profile limit", script: "G1 X10 F15000", profile: testProfile(), warnings: 1},
		{name: "feedrate within limit", script: "G1 X10 F9000", profile: testProfile(), warnings: 0},
		{name: "extreme feedrate without profile", script: "G0 X10 F40000", profile: nil, warnings: 1},
		{name: "both at once", script: "G1 Z-1 F20000", profile: testProfile(), warnings: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Analyze(tt.script, tt.profile)
			assert.True(t, result.OK())
			assert.Len(t, result.Warnings, tt.warnings)
		})
	}
}

// TestAnalyzeNilProfile skips ceiling checks but still blocks firmware
// commands.
func TestAnalyzeNilProfile(t *testing.T) {
	result := Analyze("M104 S400\nM502", nil)
	require.Len(t, result.Violations, 1)
	assert.Contains(t, result.Violations[0].Command, "M502")
}
