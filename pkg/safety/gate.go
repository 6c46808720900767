package safety

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kilnlabs/kiln/pkg/adapter"
	"github.com/kilnlabs/kiln/pkg/events"
	"github.com/kilnlabs/kiln/pkg/gcode"
	"github.com/kilnlabs/kiln/pkg/log"
	"github.com/kilnlabs/kiln/pkg/metrics"
	"github.com/kilnlabs/kiln/pkg/storage"
	"github.com/kilnlabs/kiln/pkg/types"
)

const (
	// rateWindow is the sliding window for both the per-minute rate
	// limit and the circuit breaker's block count.
	rateWindow = time.Minute

	// breakerThreshold blocked attempts within rateWindow trip the
	// breaker into cooldownPeriod.
	breakerThreshold = 3
	cooldownPeriod   = 5 * time.Minute

	// confirmTTL is how long a parked operation waits for its
	// confirmation token.
	confirmTTL = 5 * time.Minute

	// maxScanBytes bounds how much of an uploaded file the analyser
	// reads. Temperature and firmware commands sit in the preamble;
	// scanning the head catches them without slurping a whole spool's
	// worth of moves.
	maxScanBytes = 4 << 20
)

// Audit actions, one per terminal outcome.
const (
	actionExecuted        = "executed"
	actionBlocked         = "blocked"
	actionRateLimited     = "rate_limited"
	actionAuthDenied      = "auth_denied"
	actionPreflightFailed = "preflight_failed"
	actionDryRun          = "dry_run"
	actionConfirmed       = "confirmed"
)

// Config carries the boot-time gate policy.
type Config struct {
	AuthEnabled    bool
	AuthToken      string // seeds the token store with an all-scope token
	ConfirmMode    bool   // park confirm/emergency tools behind tokens
	ConfirmUpload  bool   // park upload_file too
	StrictMaterial bool   // material incompatibility blocks pre-flight
}

// Request describes one gated tool invocation.
type Request struct {
	Tool      string
	PrinterID string
	AuthToken string         // credential presented by the caller
	Details   map[string]any // recorded on the audit trail

	// GCode is the command batch for send_gcode. LocalPath names a
	// local file: scanned before upload_file, validated by pre-flight.
	// RemoteName and Material feed the start_print pre-flight.
	GCode      []string
	LocalPath  string
	RemoteName string
	Material   string

	// Adapter supplies the safety profile for analysis and the
	// transport for pre-flight. Nil for tools that touch no printer.
	Adapter adapter.Adapter

	// DryRun runs every stage but executes nothing.
	DryRun bool

	// Action performs the operation once every stage passes.
	Action func(ctx context.Context) (any, error)

	confirmed bool // resumed via Confirm; stage 4 is suppressed
}

// Confirmation is returned instead of a result when confirm-mode parks
// the call.
type Confirmation struct {
	Token     string    `json:"confirmation_token"`
	Tool      string    `json:"tool"`
	ExpiresAt time.Time `json:"expires_at"`
	Message   string    `json:"message"`
}

// Outcome is the successful result of a gated invocation: either the
// action's return value, a parked confirmation, or a dry-run report.
type Outcome struct {
	Result       any
	Confirmation *Confirmation
	DryRun       bool
	Warnings     []string // advisory findings from G-code analysis
}

type pendingAction struct {
	req       *Request
	level     types.SafetyLevel
	expiresAt time.Time
}

// Gate runs every mutating tool through the safety pipeline: auth,
// rate limit, circuit breaker, confirmation, G-code analysis,
// pre-flight, audit. All rate and breaker state lives behind one
// mutex; the mutex is never held across I/O.
type Gate struct {
	cfg    Config
	tokens *TokenStore
	store  storage.Store
	broker *events.Broker
	logger zerolog.Logger

	mu        sync.Mutex
	lastCall  map[string]time.Time
	calls     map[string][]time.Time // per-tool timestamps inside rateWindow
	blocks    map[string][]time.Time // per-tool blocked attempts inside rateWindow
	cooldowns map[string]time.Time   // tool -> cooldown expiry
	pending   map[string]*pendingAction
}

// NewGate builds a gate. The store receives audit entries (best
// effort); the broker carries SAFETY_ESCALATED events.
func NewGate(cfg Config, store storage.Store, broker *events.Broker) *Gate {
	g := &Gate{
		cfg:       cfg,
		tokens:    NewTokenStore(),
		store:     store,
		broker:    broker,
		logger:    log.WithComponent("safety"),
		lastCall:  make(map[string]time.Time),
		calls:     make(map[string][]time.Time),
		blocks:    make(map[string][]time.Time),
		cooldowns: make(map[string]time.Time),
		pending:   make(map[string]*pendingAction),
	}
	if cfg.AuthEnabled {
		g.tokens.Seed(cfg.AuthToken, "*")
	}
	return g
}

// Tokens exposes the token store so the API layer can issue scoped
// tokens at runtime.
func (g *Gate) Tokens() *TokenStore {
	return g.tokens
}

// Run takes a request through the full pipeline. Refusals come back as
// coded errors; a parked confirmation or dry run is a nil-error
// Outcome.
func (g *Gate) Run(ctx context.Context, req *Request) (*Outcome, error) {
	if req.Action == nil && !req.DryRun {
		return nil, types.NewError(types.CodeInternal, "gated request for %s has no action", req.Tool)
	}

	level := Classify(req.Tool)
	if !level.Gated() {
		if req.DryRun {
			return &Outcome{DryRun: true}, nil
		}
		result, err := req.Action(ctx)
		return &Outcome{Result: result}, err
	}

	// Stage 1: authentication.
	if err := g.authorize(req); err != nil {
		metrics.SafetyBlocksTotal.WithLabelValues(req.Tool, "auth").Inc()
		g.audit(req, level, actionAuthDenied, map[string]any{"error": err.Error()})
		return nil, err
	}

	// Stages 2 and 3: rate limit and circuit breaker.
	if err := g.admit(req.Tool, level); err != nil {
		switch types.CodeOf(err) {
		case types.CodeSafetyEscalated:
			metrics.SafetyEscalationsTotal.WithLabelValues(req.Tool).Inc()
			g.broker.Emit(types.EventSafetyEscalated, "safety", map[string]any{
				"tool":       req.Tool,
				"printer_id": req.PrinterID,
				"reason":     err.Error(),
			})
			g.audit(req, level, actionBlocked, map[string]any{"error": err.Error()})
		case types.CodeRateLimited:
			metrics.SafetyBlocksTotal.WithLabelValues(req.Tool, "rate_limit").Inc()
			g.audit(req, level, actionRateLimited, map[string]any{"error": err.Error()})
		}
		return nil, err
	}

	// Stage 4: confirmation.
	if g.needsConfirmation(req, level) {
		conf, err := g.park(req, level)
		if err != nil {
			return nil, err
		}
		return &Outcome{Confirmation: conf}, nil
	}

	return g.finish(ctx, req, level, actionExecuted)
}

// Confirm executes a parked operation exactly once. The token is
// consumed on lookup, so a second call with the same token fails even
// if the first execution errored.
func (g *Gate) Confirm(ctx context.Context, token string) (*Outcome, error) {
	g.mu.Lock()
	pa, ok := g.pending[token]
	if ok {
		delete(g.pending, token)
	}
	metrics.ConfirmationsPending.Set(float64(len(g.pending)))
	g.mu.Unlock()

	if !ok {
		return nil, types.NewError(types.CodeInvalidToken, "unknown or already used confirmation token")
	}
	if time.Now().After(pa.expiresAt) {
		return nil, types.NewError(types.CodeTokenExpired, "confirmation token expired at %s", pa.expiresAt.Format(time.RFC3339))
	}

	pa.req.confirmed = true
	g.logger.Info().Str("tool", pa.req.Tool).Msg("Confirmed operation executing")
	return g.finish(ctx, pa.req, pa.level, actionConfirmed)
}

// Status is the safety_status tool's view of the gate.
type Status struct {
	AuthEnabled          bool                 `json:"auth_enabled"`
	ConfirmMode          bool                 `json:"confirm_mode"`
	ConfirmUpload        bool                 `json:"confirm_upload"`
	StrictMaterial       bool                 `json:"strict_material"`
	Cooldowns            map[string]time.Time `json:"cooldowns,omitempty"`
	RecentBlocks         map[string]int       `json:"recent_blocks,omitempty"`
	PendingConfirmations int                  `json:"pending_confirmations"`
}

// Status copies out the gate's live state.
func (g *Gate) Status() *Status {
	now := time.Now()
	s := &Status{
		AuthEnabled:    g.cfg.AuthEnabled,
		ConfirmMode:    g.cfg.ConfirmMode,
		ConfirmUpload:  g.cfg.ConfirmUpload,
		StrictMaterial: g.cfg.StrictMaterial,
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for tool, until := range g.cooldowns {
		if now.Before(until) {
			if s.Cooldowns == nil {
				s.Cooldowns = make(map[string]time.Time)
			}
			s.Cooldowns[tool] = until
		}
	}
	for tool, window := range g.blocks {
		if n := len(pruneWindow(window, now.Add(-rateWindow))); n > 0 {
			if s.RecentBlocks == nil {
				s.RecentBlocks = make(map[string]int)
			}
			s.RecentBlocks[tool] = n
		}
	}
	s.PendingConfirmations = len(g.pending)
	return s
}

func (g *Gate) authorize(req *Request) error {
	if !g.cfg.AuthEnabled {
		return nil
	}
	return g.tokens.Validate(req.AuthToken, ScopeFor(req.Tool))
}

// admit runs the cooldown check and the rate limiter. The cooldown
// check comes first: during an emergency cooldown every invocation is
// refused as escalated, whatever the limiter would say.
func (g *Gate) admit(tool string, level types.SafetyLevel) error {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()

	if until, ok := g.cooldowns[tool]; ok {
		if now.Before(until) {
			return types.NewError(types.CodeSafetyEscalated,
				"%s is in emergency cooldown for another %s", tool, until.Sub(now).Round(time.Second))
		}
		delete(g.cooldowns, tool)
		delete(g.blocks, tool)
	}

	// emergency_stop is deliberately absent from the limit table; a
	// halt must never wait.
	lim, limited := toolLimits[tool]
	if !limited || level == types.SafetyLevelEmergency {
		return nil
	}

	if last, ok := g.lastCall[tool]; ok && now.Sub(last) < lim.MinInterval {
		g.recordBlockLocked(tool, now)
		return types.NewError(types.CodeRateLimited,
			"%s called %s after the previous call, minimum interval is %s",
			tool, now.Sub(last).Round(time.Millisecond), lim.MinInterval)
	}

	window := pruneWindow(g.calls[tool], now.Add(-rateWindow))
	if len(window) >= lim.MaxPerMinute {
		g.calls[tool] = window
		g.recordBlockLocked(tool, now)
		return types.NewError(types.CodeRateLimited,
			"%s exceeded %d calls per minute", tool, lim.MaxPerMinute)
	}

	g.calls[tool] = append(window, now)
	g.lastCall[tool] = now
	return nil
}

// recordBlock counts a refusal toward the tool's circuit breaker.
func (g *Gate) recordBlock(tool string) {
	now := time.Now()
	g.mu.Lock()
	g.recordBlockLocked(tool, now)
	g.mu.Unlock()
}

func (g *Gate) recordBlockLocked(tool string, now time.Time) {
	window := append(pruneWindow(g.blocks[tool], now.Add(-rateWindow)), now)
	g.blocks[tool] = window

	if len(window) >= breakerThreshold && g.cooldowns[tool].IsZero() {
		until := now.Add(cooldownPeriod)
		g.cooldowns[tool] = until
		g.logger.Warn().
			Str("tool", tool).
			Int("blocks", len(window)).
			Time("until", until).
			Msg("Circuit breaker tripped, tool in emergency cooldown")
	}
}

// pruneWindow drops timestamps older than cutoff, preserving order.
func pruneWindow(window []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	return window[i:]
}

func (g *Gate) needsConfirmation(req *Request, level types.SafetyLevel) bool {
	if req.confirmed || req.DryRun {
		return false
	}
	if g.cfg.ConfirmUpload && req.Tool == "upload_file" {
		return true
	}
	return g.cfg.ConfirmMode && level.NeedsConfirmation()
}

func (g *Gate) park(req *Request, level types.SafetyLevel) (*Confirmation, error) {
	token, err := randomToken()
	if err != nil {
		return nil, types.WrapError(types.CodeInternal, err, "could not mint confirmation token")
	}

	now := time.Now()
	pa := &pendingAction{req: req, level: level, expiresAt: now.Add(confirmTTL)}

	g.mu.Lock()
	for t, p := range g.pending {
		if now.After(p.expiresAt) {
			delete(g.pending, t)
		}
	}
	g.pending[token] = pa
	metrics.ConfirmationsPending.Set(float64(len(g.pending)))
	g.mu.Unlock()

	g.logger.Info().Str("tool", req.Tool).Str("level", string(level)).Msg("Operation parked pending confirmation")
	return &Confirmation{
		Token:     token,
		Tool:      req.Tool,
		ExpiresAt: pa.expiresAt,
		Message: fmt.Sprintf("%s is a %s-level operation; call confirm_action with this token within %s",
			req.Tool, level, confirmTTL),
	}, nil
}

// finish runs stages 5 through 7: G-code analysis, pre-flight,
// execution, audit.
func (g *Gate) finish(ctx context.Context, req *Request, level types.SafetyLevel, action string) (*Outcome, error) {
	out := &Outcome{}

	warnings, err := g.analyzeGCode(req)
	if err != nil {
		if types.CodeOf(err) == types.CodeGCodeBlocked {
			// Dangerous content counts toward the breaker; a
			// malformed batch does not.
			g.recordBlock(req.Tool)
			metrics.SafetyBlocksTotal.WithLabelValues(req.Tool, "gcode").Inc()
		} else {
			metrics.SafetyBlocksTotal.WithLabelValues(req.Tool, "validation").Inc()
		}
		g.audit(req, level, actionBlocked, map[string]any{"error": err.Error()})
		return nil, err
	}
	out.Warnings = warnings

	if req.Tool == "start_print" && req.Adapter != nil {
		res := RunPreflight(ctx, req.Adapter, g.store, PreflightOptions{
			LocalPath:  req.LocalPath,
			Material:   req.Material,
			RemoteName: req.RemoteName,
			Strict:     g.cfg.StrictMaterial,
		})
		out.Warnings = append(out.Warnings, res.Warnings...)
		if !res.Ready {
			metrics.SafetyBlocksTotal.WithLabelValues(req.Tool, "preflight").Inc()
			g.audit(req, level, actionPreflightFailed, map[string]any{"errors": res.Errors})
			return nil, types.NewError(types.CodePreflightFailed,
				"pre-flight failed: %s", strings.Join(res.Errors, "; ")).
				WithDetails(map[string]any{"checks": res.Checks, "errors": res.Errors})
		}
	}

	if req.DryRun {
		out.DryRun = true
		g.audit(req, level, actionDryRun, req.Details)
		return out, nil
	}

	result, err := req.Action(ctx)
	out.Result = result
	if err != nil {
		g.audit(req, level, action, mergeDetails(req.Details, map[string]any{"error": err.Error()}))
		return out, err
	}
	g.audit(req, level, action, req.Details)
	return out, nil
}

// analyzeGCode statically checks the send_gcode batch or the head of a
// file bound for upload. Returns advisory warnings on success.
func (g *Gate) analyzeGCode(req *Request) ([]string, error) {
	var profile *types.SafetyProfile
	if req.Adapter != nil {
		profile = req.Adapter.Profile()
	}

	if len(req.GCode) > 0 {
		if len(req.GCode) > gcode.MaxBatchLines {
			return nil, types.NewError(types.CodeValidationError,
				"batch of %d commands exceeds the %d-line cap", len(req.GCode), gcode.MaxBatchLines)
		}
		return checkScript(strings.Join(req.GCode, "\n"), profile)
	}

	if req.Tool == "upload_file" && req.LocalPath != "" && isGCodeExt(req.LocalPath) {
		script, err := readHead(req.LocalPath, maxScanBytes)
		if err != nil {
			return nil, err
		}
		return checkScript(script, profile)
	}

	return nil, nil
}

func checkScript(script string, profile *types.SafetyProfile) ([]string, error) {
	result := gcode.Analyze(script, profile)
	if result.OK() {
		return result.Warnings, nil
	}

	reasons := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		reasons = append(reasons, fmt.Sprintf("%s (%s)", v.Command, v.Reason))
	}
	return nil, types.NewError(types.CodeGCodeBlocked,
		"%d command(s) refused: %s", len(result.Violations), strings.Join(reasons, "; ")).
		WithDetails(map[string]any{
			"blocked_commands": result.BlockedCommands(),
			"warnings":         result.Warnings,
		})
}

func readHead(path string, n int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", types.NewError(types.CodeFileNotFound, "%s does not exist", path)
		}
		if os.IsPermission(err) {
			return "", types.NewError(types.CodePermissionError, "%s is not readable", path)
		}
		return "", types.WrapError(types.CodeError, err, "could not open %s", path)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, n))
	if err != nil {
		return "", types.WrapError(types.CodeError, err, "could not read %s", path)
	}
	return string(data), nil
}

// audit appends a record of a terminal outcome. Best effort: a failed
// write is logged, never propagated.
func (g *Gate) audit(req *Request, level types.SafetyLevel, action string, details map[string]any) {
	if g.store == nil {
		return
	}
	entry := &types.AuditEntry{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		ToolName:    req.Tool,
		SafetyLevel: level,
		Action:      action,
		PrinterID:   req.PrinterID,
		Details:     details,
	}
	if err := g.store.AppendAudit(entry); err != nil {
		g.logger.Warn().Err(err).Str("tool", req.Tool).Str("action", action).Msg("Failed to append audit entry")
	}
}

func mergeDetails(base, extra map[string]any) map[string]any {
	if base == nil {
		return extra
	}
	merged := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
