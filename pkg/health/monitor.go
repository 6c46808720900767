package health

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kilnlabs/kiln/pkg/adapter"
	"github.com/kilnlabs/kiln/pkg/events"
	"github.com/kilnlabs/kiln/pkg/log"
	"github.com/kilnlabs/kiln/pkg/metrics"
	"github.com/kilnlabs/kiln/pkg/storage"
	"github.com/kilnlabs/kiln/pkg/types"
)

// stallEpsilon is the minimum progress delta that counts as forward
// motion for stall detection, in percent.
const stallEpsilon = 0.1

// joinGrace is added to the session interval when Stop waits for the
// monitor goroutine to wind down.
const joinGrace = 5 * time.Second

// Manager owns health-monitor sessions: at most one per printer,
// each backed by its own goroutine. All shared maps live behind one
// mutex; readers get copies.
type Manager struct {
	registry *adapter.Registry
	broker   *events.Broker
	store    storage.Store
	logger   zerolog.Logger

	defaultPolicy types.MonitorPolicy
	historyMax    time.Duration

	mu       sync.Mutex
	active   map[string]*session              // printer ID -> running session
	last     map[string]*types.HealthSession  // printer ID -> most recent finished session
	sessions map[string]*types.HealthSession  // session ID -> session (running or finished)
	history  map[string][]*types.HealthReport // printer ID -> bounded report history
	trackers map[string]*stallTracker         // printer ID -> progress tracker
}

type session struct {
	data   *types.HealthSession
	stopCh chan struct{}
	doneCh chan struct{}
}

type stallTracker struct {
	lastProgress float64
	lastChange   time.Time
	seeded       bool
}

// NewManager builds a session manager. defaultPolicy fills fields the
// caller of StartMonitoring leaves zero; historyMaxHours bounds the
// per-printer report history. store receives audit rows for protective
// actions; a nil store disables that trail.
func NewManager(registry *adapter.Registry, broker *events.Broker, store storage.Store, defaultPolicy types.MonitorPolicy, historyMaxHours int) *Manager {
	if historyMaxHours <= 0 {
		historyMaxHours = 24
	}
	return &Manager{
		registry:      registry,
		broker:        broker,
		store:         store,
		logger:        log.WithComponent("health"),
		defaultPolicy: defaultPolicy,
		historyMax:    time.Duration(historyMaxHours) * time.Hour,
		active:        make(map[string]*session),
		last:          make(map[string]*types.HealthSession),
		sessions:      make(map[string]*types.HealthSession),
		history:       make(map[string][]*types.HealthReport),
		trackers:      make(map[string]*stallTracker),
	}
}

// CheckOnce runs a single health check against a registered printer and
// records it in the printer's history.
func (m *Manager) CheckOnce(ctx context.Context, printerID string) (*types.HealthReport, error) {
	a, err := m.registry.Get(printerID)
	if err != nil {
		return nil, err
	}
	report := CheckHealth(ctx, a, m.defaultPolicy.DriftThreshold)

	m.mu.Lock()
	m.appendHistoryLocked(printerID, report)
	m.mu.Unlock()

	m.broker.Emit(types.EventVisionCheck, "health", map[string]any{
		"printer_id": printerID,
		"severity":   string(report.Severity),
		"phase":      string(report.Phase),
	})
	return report, nil
}

// StartMonitoring opens a session for a printer. Zero policy fields
// inherit the manager defaults; a second session on the same printer is
// refused with CONFLICT.
func (m *Manager) StartMonitoring(printerID, jobID string, policy *types.MonitorPolicy) (*types.HealthSession, error) {
	a, err := m.registry.Get(printerID)
	if err != nil {
		return nil, err
	}

	p := m.defaultPolicy
	if policy != nil {
		if policy.InitialDelay > 0 {
			p.InitialDelay = policy.InitialDelay
		}
		if policy.CheckCount > 0 {
			p.CheckCount = policy.CheckCount
		}
		if policy.Interval > 0 {
			p.Interval = policy.Interval
		}
		if policy.DriftThreshold > 0 {
			p.DriftThreshold = policy.DriftThreshold
		}
		p.AutoPause = policy.AutoPause
		p.StallTimeout = policy.StallTimeout
	}
	if p.Interval <= 0 {
		p.Interval = 30 * time.Second
	}
	if p.CheckCount <= 0 {
		p.CheckCount = 20
	}

	m.mu.Lock()
	if _, busy := m.active[printerID]; busy {
		m.mu.Unlock()
		return nil, types.NewError(types.CodeConflict, "printer %s already has a monitoring session", printerID)
	}

	s := &session{
		data: &types.HealthSession{
			ID:        uuid.NewString(),
			PrinterID: printerID,
			JobID:     jobID,
			Policy:    p,
			Status:    types.SessionStatusMonitoring,
			StartedAt: time.Now().UTC(),
		},
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	m.active[printerID] = s
	m.sessions[s.data.ID] = s.data
	m.trackers[printerID] = &stallTracker{}
	snapshot := cloneSession(s.data)
	m.mu.Unlock()

	metrics.MonitorSessionsActive.Inc()
	m.logger.Info().
		Str("printer_id", printerID).
		Str("session_id", s.data.ID).
		Dur("interval", p.Interval).
		Int("checks", p.CheckCount).
		Msg("Monitoring session started")

	go m.run(s, a)
	return snapshot, nil
}

// StopMonitoring ends the printer's session, if one is running, and
// returns the final session snapshot. Stopping a printer with no
// running session is a no-op that returns the last finished session.
func (m *Manager) StopMonitoring(printerID string) (*types.HealthSession, error) {
	m.mu.Lock()
	s, running := m.active[printerID]
	var final *types.HealthSession
	if !running {
		final = m.last[printerID]
	}
	m.mu.Unlock()

	if !running {
		if final == nil {
			return nil, types.NewError(types.CodeNotFound, "no monitoring session for printer %s", printerID)
		}
		return cloneSession(final), nil
	}

	close(s.stopCh)
	select {
	case <-s.doneCh:
	case <-time.After(s.data.Policy.Interval + joinGrace):
		m.logger.Warn().Str("printer_id", printerID).Msg("Monitor goroutine did not stop in time")
	}

	m.mu.Lock()
	final = m.last[printerID]
	m.mu.Unlock()
	if final == nil {
		return nil, types.NewError(types.CodeInternal, "session for %s ended without a final snapshot", printerID)
	}
	return cloneSession(final), nil
}

// Session returns a session by ID, running or finished.
func (m *Manager) Session(id string) (*types.HealthSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, types.NewError(types.CodeNotFound, "no monitoring session %s", id)
	}
	return cloneSession(s), nil
}

// ActiveSession returns the running session for a printer, if any.
func (m *Manager) ActiveSession(printerID string) (*types.HealthSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[printerID]
	if !ok {
		return nil, false
	}
	return cloneSession(s.data), true
}

// History returns the printer's retained reports, oldest first.
func (m *Manager) History(printerID string) []*types.HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneHistoryLocked(printerID)
	out := make([]*types.HealthReport, len(m.history[printerID]))
	copy(out, m.history[printerID])
	return out
}

// StopAll ends every running session, for shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	printers := make([]string, 0, len(m.active))
	for id := range m.active {
		printers = append(printers, id)
	}
	m.mu.Unlock()

	for _, id := range printers {
		if _, err := m.StopMonitoring(id); err != nil {
			m.logger.Warn().Err(err).Str("printer_id", id).Msg("Failed to stop monitoring session")
		}
	}
}

// run is the per-session loop: initial delay, then one check per
// interval until the check budget is spent, the session is stopped, or
// a stall ends it.
func (m *Manager) run(s *session, a adapter.Adapter) {
	defer close(s.doneCh)
	defer metrics.MonitorSessionsActive.Dec()

	end := types.SessionStatusCompleted

	if s.data.Policy.InitialDelay > 0 {
		select {
		case <-time.After(s.data.Policy.InitialDelay):
		case <-s.stopCh:
			m.finish(s, types.SessionStatusAborted)
			return
		}
	}

	ticker := time.NewTicker(s.data.Policy.Interval)
	defer ticker.Stop()

loop:
	for i := 0; i < s.data.Policy.CheckCount; i++ {
		if done, status := m.step(s, a); done {
			end = status
			break
		}

		if i == s.data.Policy.CheckCount-1 {
			break
		}
		select {
		case <-ticker.C:
		case <-s.stopCh:
			end = types.SessionStatusAborted
			break loop
		}
	}

	m.finish(s, end)
}

// step performs one check and applies the session policies. Returns
// done=true with the terminal status when the session should end early.
func (m *Manager) step(s *session, a adapter.Adapter) (bool, types.SessionStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), s.data.Policy.Interval+joinGrace)
	defer cancel()

	report := CheckHealth(ctx, a, s.data.Policy.DriftThreshold)
	state, _ := a.GetState(ctx)
	progress, _ := a.GetJob(ctx)

	m.mu.Lock()
	s.data.Snapshots = append(s.data.Snapshots, &types.StatusSnapshot{
		Timestamp: report.Timestamp,
		State:     state,
		Progress:  progress,
	})
	s.data.Reports = append(s.data.Reports, report)
	m.appendHistoryLocked(s.data.PrinterID, report)
	m.checkDriftLocked(s, report)
	stalled := m.checkStallLocked(s, progress, report.Timestamp)
	m.mu.Unlock()

	m.broker.Emit(types.EventVisionCheck, "health", map[string]any{
		"printer_id": s.data.PrinterID,
		"session_id": s.data.ID,
		"severity":   string(report.Severity),
		"phase":      string(report.Phase),
	})

	if report.Severity == types.SeverityCritical {
		m.onCritical(ctx, s, a, report)
	}

	if stalled {
		m.addIssue(s, "stall", types.SeverityCritical,
			"no print progress within the stall timeout")
		m.broker.Emit(types.EventVisionAlert, "health", map[string]any{
			"printer_id": s.data.PrinterID,
			"session_id": s.data.ID,
			"issue":      "stall",
		})
		return true, types.SessionStatusStalled
	}
	return false, ""
}

// onCritical records the issue, alerts, and applies the auto-pause
// policy. Pause failures are recorded, never propagated; monitoring
// continues either way.
func (m *Manager) onCritical(ctx context.Context, s *session, a adapter.Adapter, report *types.HealthReport) {
	detail := criticalDetail(report)
	m.addIssue(s, "health_critical", types.SeverityCritical, detail)
	m.broker.Emit(types.EventVisionAlert, "health", map[string]any{
		"printer_id": s.data.PrinterID,
		"session_id": s.data.ID,
		"issue":      "health_critical",
		"detail":     detail,
	})

	if !s.data.Policy.AutoPause {
		return
	}
	if err := a.PausePrint(ctx); err != nil {
		m.logger.Warn().Err(err).Str("printer_id", s.data.PrinterID).Msg("Auto-pause failed")
		m.addIssue(s, "auto_pause_failed", types.SeverityWarning, err.Error())
		m.auditAutoPause(s, "failed", detail, err)
		return
	}
	m.logger.Info().Str("printer_id", s.data.PrinterID).Msg("Print auto-paused on critical health report")
	m.addIssue(s, "auto_pause", types.SeverityWarning, "print paused automatically")
	m.auditAutoPause(s, "executed", detail, nil)
}

// auditAutoPause files the protective pause on the same trail the gate
// writes for agent-initiated actions.
func (m *Manager) auditAutoPause(s *session, action, detail string, pauseErr error) {
	if m.store == nil {
		return
	}
	details := map[string]any{
		"trigger":    "health_critical",
		"session_id": s.data.ID,
		"detail":     detail,
	}
	if pauseErr != nil {
		details["error"] = pauseErr.Error()
	}
	entry := &types.AuditEntry{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		ToolName:    "pause_print",
		SafetyLevel: types.SafetyLevelCaution,
		Action:      action,
		PrinterID:   s.data.PrinterID,
		Details:     details,
	}
	if err := m.store.AppendAudit(entry); err != nil {
		m.logger.Warn().Err(err).Str("printer_id", s.data.PrinterID).Msg("Failed to append audit entry")
	}
}

// checkDriftLocked flags worsening thermal deviation across
// consecutive reports before it reaches the critical band.
func (m *Manager) checkDriftLocked(s *session, report *types.HealthReport) {
	n := len(s.data.Reports)
	if n < 2 {
		return
	}
	prev := s.data.Reports[n-2]
	for _, cur := range report.Metrics {
		if cur.Name != "hotend_temp" && cur.Name != "bed_temp" {
			continue
		}
		if cur.Severity != types.SeverityWarning {
			continue
		}
		for _, old := range prev.Metrics {
			if old.Name == cur.Name && cur.Deviation > old.Deviation && old.Deviation > s.data.Policy.DriftThreshold {
				s.data.Issues = append(s.data.Issues, &types.Issue{
					Type:      "thermal_drift",
					Message:   cur.Name + " deviation is growing across checks",
					Severity:  types.SeverityWarning,
					Timestamp: report.Timestamp,
				})
			}
		}
	}
}

// checkStallLocked updates the progress tracker and reports whether
// the stall timeout has elapsed without forward motion. A zero stall
// timeout disables detection entirely.
func (m *Manager) checkStallLocked(s *session, progress *types.JobProgress, now time.Time) bool {
	if s.data.Policy.StallTimeout <= 0 {
		return false
	}
	if progress == nil || progress.Completion == nil {
		return false
	}

	t := m.trackers[s.data.PrinterID]
	if t == nil {
		t = &stallTracker{}
		m.trackers[s.data.PrinterID] = t
	}

	pct := *progress.Completion
	if !t.seeded {
		t.seeded = true
		t.lastProgress = pct
		t.lastChange = now
		return false
	}

	delta := pct - t.lastProgress
	if delta < 0 {
		delta = -delta
	}
	if delta > stallEpsilon {
		t.lastProgress = pct
		t.lastChange = now
		return false
	}
	return now.Sub(t.lastChange) > s.data.Policy.StallTimeout
}

func (m *Manager) addIssue(s *session, issueType string, severity types.Severity, message string) {
	m.mu.Lock()
	s.data.Issues = append(s.data.Issues, &types.Issue{
		Type:      issueType,
		Message:   message,
		Severity:  severity,
		Timestamp: time.Now().UTC(),
	})
	m.mu.Unlock()
}

// finish moves the session out of MONITORING exactly once and files it
// as the printer's last session.
func (m *Manager) finish(s *session, status types.SessionStatus) {
	m.mu.Lock()
	if s.data.Status == types.SessionStatusMonitoring {
		s.data.Status = status
		s.data.EndedAt = time.Now().UTC()
	}
	delete(m.active, s.data.PrinterID)
	delete(m.trackers, s.data.PrinterID)
	m.last[s.data.PrinterID] = s.data
	m.mu.Unlock()

	m.logger.Info().
		Str("printer_id", s.data.PrinterID).
		Str("session_id", s.data.ID).
		Str("status", string(status)).
		Int("reports", len(s.data.Reports)).
		Msg("Monitoring session ended")
}

func (m *Manager) appendHistoryLocked(printerID string, report *types.HealthReport) {
	m.history[printerID] = append(m.history[printerID], report)
	m.pruneHistoryLocked(printerID)
}

func (m *Manager) pruneHistoryLocked(printerID string) {
	cutoff := time.Now().Add(-m.historyMax)
	reports := m.history[printerID]
	i := 0
	for i < len(reports) && reports[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.history[printerID] = reports[i:]
	}
}

func criticalDetail(report *types.HealthReport) string {
	for _, m := range report.Metrics {
		if m.Severity == types.SeverityCritical {
			if m.Detail != "" {
				return m.Name + ": " + m.Detail
			}
			return m.Name + " is critical"
		}
	}
	return "critical health report"
}

// cloneSession copies a session deep enough that callers can read it
// without holding the manager's lock. Snapshot and report pointers are
// shared; both are append-only.
func cloneSession(s *types.HealthSession) *types.HealthSession {
	c := *s
	c.Snapshots = append([]*types.StatusSnapshot(nil), s.Snapshots...)
	c.Reports = append([]*types.HealthReport(nil), s.Reports...)
	c.Issues = append([]*types.Issue(nil), s.Issues...)
	return &c
}
