package gcode

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kilnlabs/kiln/pkg/types"
)

// MaxBatchLines is the hard cap on commands accepted per send_gcode call.
const MaxBatchLines = 100

// extremeFeedrate is the advisory ceiling used when a profile carries no
// feedrate limit (mm/min).
const extremeFeedrate = 30000.0

// Command is one parsed G-code command.
type Command struct {
	Raw    string           // trimmed source text, comments stripped
	Code   string           // canonical code, e.g. "G1", "M104"
	Params map[byte]float64 // parameter letter -> value
}

// Param returns the value of a parameter letter.
func (c *Command) Param(letter byte) (float64, bool) {
	v, ok := c.Params[letter]
	return v, ok
}

// Commands that write firmware settings or flash firmware. These are never
// forwarded to a printer regardless of profile.
var blockedCommands = map[string]string{
	"M500": "writes settings to EEPROM",
	"M502": "restores factory defaults",
	"M575": "changes the serial baud rate",
	"M997": "starts a firmware update",
}

// hotendTempCodes set the hotend target; bedTempCodes set the bed target.
var (
	hotendTempCodes = map[string]bool{"M104": true, "M109": true}
	bedTempCodes    = map[string]bool{"M140": true, "M190": true}
)

// ParseLine parses a single line of G-code. It strips comments (both ";"
// and parenthesised), optional N line numbers, and "*" checksums. Returns
// ok=false for blank or comment-only lines.
func ParseLine(line string) (Command, bool) {
	line = stripComments(line)
	if line == "" {
		return Command{}, false
	}

	fields := strings.Fields(strings.ToUpper(line))
	if len(fields) == 0 {
		return Command{}, false
	}

	// Skip an N-prefixed line number when a real command follows.
	if fields[0][0] == 'N' && len(fields) > 1 {
		if _, err := strconv.Atoi(fields[0][1:]); err == nil {
			fields = fields[1:]
		}
	}

	letter := fields[0][0]
	if (letter < 'A' || letter > 'Z') || len(fields[0]) < 2 {
		return Command{}, false
	}
	num, err := strconv.ParseFloat(fields[0][1:], 64)
	if err != nil {
		return Command{}, false
	}

	cmd := Command{
		Raw:    strings.Join(fields, " "),
		Code:   fmt.Sprintf("%c%d", letter, int(num)),
		Params: make(map[byte]float64),
	}
	for _, f := range fields[1:] {
		if len(f) < 2 {
			continue
		}
		p := f[0]
		if p < 'A' || p > 'Z' {
			continue
		}
		if v, err := strconv.ParseFloat(f[1:], 64); err == nil {
			cmd.Params[p] = v
		}
	}
	return cmd, true
}

// ParseScript parses a newline-separated batch, dropping blank and
// comment-only lines.
func ParseScript(script string) []Command {
	var cmds []Command
	for _, line := range strings.Split(script, "\n") {
		if cmd, ok := ParseLine(line); ok {
			cmds = append(cmds, cmd)
		}
	}
	return cmds
}

// stripComments removes ";" comments, "(...)" comments, and "*" checksums.
func stripComments(line string) string {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	if i := strings.IndexByte(line, '*'); i >= 0 {
		line = line[:i]
	}
	for {
		open := strings.IndexByte(line, '(')
		if open < 0 {
			break
		}
		end := strings.IndexByte(line[open:], ')')
		if end < 0 {
			line = line[:open]
			break
		}
		line = line[:open] + line[open+end+1:]
	}
	return strings.TrimSpace(line)
}

// Violation is a command the analyser refuses to forward.
type Violation struct {
	Command string `json:"command"`
	Reason  string `json:"reason"`
}

// Result is the outcome of static analysis over a command batch.
type Result struct {
	Commands   []Command
	Violations []Violation
	Warnings   []string
}

// OK reports whether the batch is safe to forward.
func (r *Result) OK() bool {
	return len(r.Violations) == 0
}

// BlockedCommands returns the raw text of each refused command.
func (r *Result) BlockedCommands() []string {
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		out = append(out, v.Command)
	}
	return out
}

// Analyze statically checks a G-code batch against a safety profile.
// Blocking violations are firmware-settings writes and set-temperature
// commands above the profile ceilings. Sub-bed Z moves and extreme
// feedrates produce warnings only. A nil profile skips the ceiling
// checks. The batch-size cap is enforced by the caller, not here.
func Analyze(script string, profile *types.SafetyProfile) *Result {
	result := &Result{Commands: ParseScript(script)}

	for _, cmd := range result.Commands {
		if reason, ok := blockedCommands[cmd.Code]; ok {
			result.Violations = append(result.Violations, Violation{
				Command: cmd.Raw,
				Reason:  reason,
			})
			continue
		}

		if hotendTempCodes[cmd.Code] && profile != nil && profile.MaxHotendTemp > 0 {
			if target, ok := tempTarget(cmd); ok && target > profile.MaxHotendTemp {
				result.Violations = append(result.Violations, Violation{
					Command: cmd.Raw,
					Reason:  fmt.Sprintf("hotend target %.0fC exceeds profile ceiling %.0fC", target, profile.MaxHotendTemp),
				})
				continue
			}
		}
		if bedTempCodes[cmd.Code] && profile != nil && profile.MaxBedTemp > 0 {
			if target, ok := tempTarget(cmd); ok && target > profile.MaxBedTemp {
				result.Violations = append(result.Violations, Violation{
					Command: cmd.Raw,
					Reason:  fmt.Sprintf("bed target %.0fC exceeds profile ceiling %.0fC", target, profile.MaxBedTemp),
				})
				continue
			}
		}

		if isMove(cmd.Code) {
			if z, ok := cmd.Param('Z'); ok && z < 0 {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("%s: Z%.2f moves below the bed", cmd.Raw, z))
			}
			if f, ok := cmd.Param('F'); ok {
				limit := extremeFeedrate
				if profile != nil && profile.MaxFeedrate > 0 {
					limit = profile.MaxFeedrate
				}
				if f > limit {
					result.Warnings = append(result.Warnings,
						fmt.Sprintf("%s: feedrate %.0f exceeds %.0f mm/min", cmd.Raw, f, limit))
				}
			}
		}
	}
	return result
}

// tempTarget extracts the commanded temperature. S is the plain target;
// M109/M190 may use R for a wait-with-cooling target instead.
func tempTarget(cmd Command) (float64, bool) {
	if s, ok := cmd.Param('S'); ok {
		return s, true
	}
	if r, ok := cmd.Param('R'); ok {
		return r, true
	}
	return 0, false
}

func isMove(code string) bool {
	switch code {
	case "G0", "G1", "G2", "G3":
		return true
	}
	return false
}
