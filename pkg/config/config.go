package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kilnlabs/kiln/pkg/types"
)

// Config holds all runtime settings for a kiln process. Every field has a
// default so a bare `kiln serve` works against a single OctoPrint printer
// described by the PRINTER_* environment keys.
type Config struct {
	DataDir string
	APIAddr string

	Log      LogConfig
	Auth     AuthConfig
	Confirm  ConfirmConfig
	Monitor  MonitorConfig
	Recovery RecoveryConfig

	// Printer describes the default printer from the PRINTER_* keys.
	// Empty Host means no default printer is registered at boot.
	Printer PrinterConfig

	// StrictMaterialCheck upgrades material-compatibility warnings to
	// blocking pre-flight errors.
	StrictMaterialCheck bool
}

// LogConfig controls the zerolog output format and level.
type LogConfig struct {
	Format string // "text" or "json"
	Level  string // trace, debug, info, warn, error
}

// AuthConfig enables token auth on gated tools.
type AuthConfig struct {
	Enabled bool
	Token   string
}

// ConfirmConfig controls two-phase confirmation for gated tools.
type ConfirmConfig struct {
	Mode   bool // require confirmation tokens for confirm/emergency tools
	Upload bool // also require confirmation for file uploads
}

// MonitorConfig carries the default health-monitor session policy.
type MonitorConfig struct {
	InitialDelay    time.Duration
	CheckCount      int
	Interval        time.Duration
	AutoPause       bool
	DriftThreshold  float64 // degrees C
	StallTimeout    time.Duration
	HistoryMaxHours int
}

// RecoveryConfig carries the per-job recovery retry budget.
type RecoveryConfig struct {
	MaxRetries int
}

// PrinterConfig describes one printer connection.
type PrinterConfig struct {
	Name   string
	Type   string // octoprint, moonraker, bambu, prusaconnect, serial
	Host   string
	APIKey string
	Serial string // Bambu device serial
	Model  string // safety-profile identifier, e.g. "prusa_mk4"

	// Options carries adapter-specific connection settings (baud rate,
	// access code, port overrides).
	Options map[string]string
}

// Load reads configuration from the environment, falling back to defaults
// for any key that is unset.
func Load() *Config {
	cfg := &Config{
		DataDir: envStr("DATA_DIR", "./kiln-data"),
		APIAddr: envStr("API_ADDR", "127.0.0.1:8090"),
		Log: LogConfig{
			Format: envStr("LOG_FORMAT", "text"),
			Level:  envStr("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			Enabled: envBool("AUTH_ENABLED", false),
			Token:   os.Getenv("AUTH_TOKEN"),
		},
		Confirm: ConfirmConfig{
			Mode:   envBool("CONFIRM_MODE", false),
			Upload: envBool("CONFIRM_UPLOAD", false),
		},
		Monitor: MonitorConfig{
			InitialDelay:    envSeconds("MONITOR_INITIAL_DELAY", 60*time.Second),
			CheckCount:      envInt("MONITOR_CHECK_COUNT", 20),
			Interval:        envSeconds("MONITOR_INTERVAL", 30*time.Second),
			AutoPause:       envBool("MONITOR_AUTO_PAUSE", false),
			DriftThreshold:  envFloat("MONITOR_DRIFT_THRESHOLD", 5.0),
			StallTimeout:    envSeconds("MONITOR_STALL_TIMEOUT", 10*time.Minute),
			HistoryMaxHours: envInt("MONITOR_HISTORY_HOURS", 24),
		},
		Recovery: RecoveryConfig{
			MaxRetries: envInt("RECOVERY_MAX_RETRIES", 3),
		},
		Printer: PrinterConfig{
			Name:   envStr("PRINTER_NAME", "default"),
			Type:   envStr("PRINTER_TYPE", "octoprint"),
			Host:   os.Getenv("PRINTER_HOST"),
			APIKey: os.Getenv("PRINTER_API_KEY"),
			Serial: os.Getenv("PRINTER_SERIAL"),
			Model:  envStr("PRINTER_MODEL", "generic"),
		},
		StrictMaterialCheck: envBool("STRICT_MATERIAL_CHECK", false),
	}
	return cfg
}

// Validate checks cross-field constraints that Load cannot default away.
func (c *Config) Validate() error {
	switch c.Log.Format {
	case "text", "json":
	default:
		return types.NewError(types.CodeValidationError, "LOG_FORMAT must be text or json, got %q", c.Log.Format)
	}
	if c.Auth.Enabled && c.Auth.Token == "" {
		return types.NewError(types.CodeValidationError, "AUTH_ENABLED requires AUTH_TOKEN to be set")
	}
	if c.Recovery.MaxRetries < 0 {
		return types.NewError(types.CodeValidationError, "RECOVERY_MAX_RETRIES must be >= 0")
	}
	if c.Monitor.CheckCount < 1 {
		return types.NewError(types.CodeValidationError, "MONITOR_CHECK_COUNT must be >= 1")
	}
	if c.Printer.Host != "" {
		if _, err := ParseAdapterType(c.Printer.Type); err != nil {
			return err
		}
	}
	return nil
}

// MonitorPolicy converts the monitor settings into the policy type the
// health manager consumes.
func (c *Config) MonitorPolicy() types.MonitorPolicy {
	return types.MonitorPolicy{
		InitialDelay:   c.Monitor.InitialDelay,
		CheckCount:     c.Monitor.CheckCount,
		Interval:       c.Monitor.Interval,
		AutoPause:      c.Monitor.AutoPause,
		DriftThreshold: c.Monitor.DriftThreshold,
		StallTimeout:   c.Monitor.StallTimeout,
	}
}

// ParseAdapterType maps a config string onto the known adapter types.
func ParseAdapterType(s string) (types.AdapterType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "serial", "marlin":
		return types.AdapterSerial, nil
	case "octoprint":
		return types.AdapterOctoPrint, nil
	case "moonraker", "klipper":
		return types.AdapterMoonraker, nil
	case "bambu", "bambulab":
		return types.AdapterBambu, nil
	case "prusaconnect", "prusa":
		return types.AdapterPrusaConnect, nil
	default:
		return "", types.NewError(types.CodeValidationError, "unknown printer type %q", s)
	}
}

// FleetFile is the YAML manifest accepted by `kiln serve --fleet`.
type FleetFile struct {
	APIVersion string         `yaml:"apiVersion"`
	Kind       string         `yaml:"kind"`
	Printers   []FleetPrinter `yaml:"printers"`
	Defaults   *FleetDefaults `yaml:"defaults,omitempty"`
}

// FleetPrinter is one printer definition in the manifest.
type FleetPrinter struct {
	Name    string            `yaml:"name"`
	Type    string            `yaml:"type"`
	Host    string            `yaml:"host"`
	APIKey  string            `yaml:"apiKey,omitempty"`
	Serial  string            `yaml:"serial,omitempty"`
	Model   string            `yaml:"model,omitempty"`
	Options map[string]string `yaml:"options,omitempty"`
}

// FleetDefaults applies to every printer that leaves the field empty.
type FleetDefaults struct {
	Model string `yaml:"model,omitempty"`
}

// LoadFleetFile reads and validates a YAML fleet manifest.
func LoadFleetFile(path string) (*FleetFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fleet file: %w", err)
	}

	var fleet FleetFile
	if err := yaml.Unmarshal(data, &fleet); err != nil {
		return nil, fmt.Errorf("failed to parse fleet file: %w", err)
	}

	if fleet.Kind != "" && fleet.Kind != "Fleet" {
		return nil, types.NewError(types.CodeValidationError, "unsupported manifest kind: %s", fleet.Kind)
	}

	seen := make(map[string]bool, len(fleet.Printers))
	for i := range fleet.Printers {
		p := &fleet.Printers[i]
		if p.Name == "" {
			return nil, types.NewError(types.CodeValidationError, "printer %d: name is required", i)
		}
		if seen[p.Name] {
			return nil, types.NewError(types.CodeValidationError, "duplicate printer name %q", p.Name)
		}
		seen[p.Name] = true
		if _, err := ParseAdapterType(p.Type); err != nil {
			return nil, fmt.Errorf("printer %s: %w", p.Name, err)
		}
		if p.Model == "" && fleet.Defaults != nil {
			p.Model = fleet.Defaults.Model
		}
		if p.Model == "" {
			p.Model = "generic"
		}
	}
	return &fleet, nil
}

// Connection flattens a fleet printer into the connection map stored on
// the printer record.
func (p *FleetPrinter) Connection() map[string]string {
	conn := make(map[string]string, len(p.Options)+3)
	for k, v := range p.Options {
		conn[k] = v
	}
	if p.Host != "" {
		conn["host"] = p.Host
	}
	if p.APIKey != "" {
		conn["api_key"] = p.APIKey
	}
	if p.Serial != "" {
		conn["serial"] = p.Serial
	}
	return conn
}

// Connection flattens the default-printer env settings the same way.
func (p *PrinterConfig) Connection() map[string]string {
	conn := make(map[string]string, len(p.Options)+3)
	for k, v := range p.Options {
		conn[k] = v
	}
	if p.Host != "" {
		conn["host"] = p.Host
	}
	if p.APIKey != "" {
		conn["api_key"] = p.APIKey
	}
	if p.Serial != "" {
		conn["serial"] = p.Serial
	}
	return conn
}

// Environment helpers. Unset and unparseable values fall back to the
// default so a typo degrades rather than crashes.

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// envSeconds reads an integer number of seconds.
func envSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return time.Duration(n) * time.Second
}
