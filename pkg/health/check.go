package health

import (
	"context"
	"fmt"
	"time"

	"github.com/kilnlabs/kiln/pkg/adapter"
	"github.com/kilnlabs/kiln/pkg/metrics"
	"github.com/kilnlabs/kiln/pkg/types"
)

// DefaultDriftThreshold is the thermal deviation, in degrees C, below
// which a reading counts as on-target.
const DefaultDriftThreshold = 5.0

// Power draw bounds for the anomaly check, in watts. A reading below
// the floor means the meter or the heater circuit is dead; above the
// ceiling means something is drawing far more than any FDM printer
// should.
const (
	powerFloor   = 10.0
	powerCeiling = 600.0
)

// PowerReporter is implemented by adapters whose backend reports
// mains power draw.
type PowerReporter interface {
	PowerDraw(ctx context.Context) (watts float64, err error)
}

// FilamentReporter is implemented by adapters whose backend has a
// filament runout sensor.
type FilamentReporter interface {
	FilamentPresent(ctx context.Context) (bool, error)
}

// CheckHealth runs one measurement pass against a printer: state and
// progress queries, thermal deviations, progress, and whatever optional
// sensors the adapter exposes. The report's severity is the max of its
// member metrics. A transport failure is itself a finding (connection
// CRITICAL), never an error.
func CheckHealth(ctx context.Context, a adapter.Adapter, driftThreshold float64) *types.HealthReport {
	if driftThreshold <= 0 {
		driftThreshold = DefaultDriftThreshold
	}

	report := &types.HealthReport{
		PrinterID: a.ID(),
		Timestamp: time.Now().UTC(),
		Phase:     types.PhaseUnknown,
		Severity:  types.SeverityOK,
	}

	state, err := a.GetState(ctx)
	if err != nil || state == nil {
		state = &types.PrinterState{Connected: false, Status: types.PrinterStatusOffline}
	}

	if state.Connected {
		report.Metrics = append(report.Metrics, &types.Metric{
			Name: "connection", Current: 1, Expected: 1, Severity: types.SeverityOK,
		})
	} else {
		report.Metrics = append(report.Metrics, &types.Metric{
			Name: "connection", Current: 0, Expected: 1, Deviation: 1,
			Severity: types.SeverityCritical,
			Detail:   "printer is unreachable",
		})
	}

	if state.Hotend != nil && state.Hotend.Target > 0 {
		report.Metrics = append(report.Metrics, thermalMetric("hotend_temp", state.Hotend, driftThreshold))
	}
	if state.Bed != nil && state.Bed.Target > 0 {
		report.Metrics = append(report.Metrics, thermalMetric("bed_temp", state.Bed, driftThreshold))
	}

	var progress *types.JobProgress
	if state.Connected {
		progress, _ = a.GetJob(ctx)
	}
	if progress != nil && progress.Completion != nil {
		report.Metrics = append(report.Metrics, &types.Metric{
			Name:     "print_progress",
			Current:  *progress.Completion,
			Expected: 100,
			Severity: types.SeverityOK,
			Unit:     "%",
		})
	}

	if fr, ok := a.(FilamentReporter); ok && state.Connected {
		if present, err := fr.FilamentPresent(ctx); err == nil {
			m := &types.Metric{Name: "filament_sensor", Expected: 1, Severity: types.SeverityOK}
			if present {
				m.Current = 1
			} else {
				m.Deviation = 1
				m.Severity = types.SeverityCritical
				m.Detail = "filament runout detected"
			}
			report.Metrics = append(report.Metrics, m)
		}
	}

	if pr, ok := a.(PowerReporter); ok && state.Connected {
		if watts, err := pr.PowerDraw(ctx); err == nil {
			report.Metrics = append(report.Metrics, powerMetric(watts))
		}
	}

	if a.Capabilities().CanSnapshot && state.Connected {
		m := &types.Metric{Name: "webcam", Expected: 1, Severity: types.SeverityOK}
		if _, err := a.GetSnapshot(ctx); err != nil {
			m.Deviation = 1
			m.Severity = types.SeverityWarning
			m.Detail = fmt.Sprintf("snapshot failed: %v", err)
		} else {
			m.Current = 1
		}
		report.Metrics = append(report.Metrics, m)
	}

	report.Phase = detectPhase(state, progress)
	for _, m := range report.Metrics {
		report.Severity = types.MaxSeverity(report.Severity, m.Severity)
	}

	metrics.HealthChecksTotal.Inc()
	metrics.HealthAlertsTotal.WithLabelValues(string(report.Severity)).Inc()
	return report
}

// thermalMetric grades a temperature reading against its target:
// within the threshold is OK, within twice the threshold is WARNING,
// beyond that is CRITICAL.
func thermalMetric(name string, t *types.Temperature, threshold float64) *types.Metric {
	dev := t.Actual - t.Target
	if dev < 0 {
		dev = -dev
	}

	severity := types.SeverityOK
	switch {
	case dev > 2*threshold:
		severity = types.SeverityCritical
	case dev > threshold:
		severity = types.SeverityWarning
	}

	return &types.Metric{
		Name:      name,
		Current:   t.Actual,
		Expected:  t.Target,
		Deviation: dev,
		Severity:  severity,
		Unit:      "C",
	}
}

func powerMetric(watts float64) *types.Metric {
	m := &types.Metric{
		Name:     "power_draw",
		Current:  watts,
		Severity: types.SeverityOK,
		Unit:     "W",
	}
	switch {
	case watts < powerFloor:
		m.Expected = powerFloor
		m.Deviation = powerFloor - watts
		m.Severity = types.SeverityCritical
		m.Detail = "draw below heater baseline, meter or circuit fault"
	case watts > powerCeiling:
		m.Expected = powerCeiling
		m.Deviation = watts - powerCeiling
		m.Severity = types.SeverityWarning
		m.Detail = "draw above expected ceiling"
	}
	return m
}

// detectPhase guesses the print stage from status, temperatures, and
// completion. It is a heuristic for reporting, nothing downstream
// branches on it.
func detectPhase(state *types.PrinterState, progress *types.JobProgress) types.PrintPhase {
	if state == nil || !state.Connected {
		return types.PhaseUnknown
	}
	switch state.Status {
	case types.PrinterStatusIdle:
		return types.PhaseIdle
	case types.PrinterStatusPrinting, types.PrinterStatusPaused:
	default:
		return types.PhaseUnknown
	}

	// Heating: a target is set but the hotend is still well below it.
	if state.Hotend != nil && state.Hotend.Target > 0 && state.Hotend.Actual < state.Hotend.Target-3 {
		return types.PhaseHeating
	}

	if progress == nil || progress.Completion == nil {
		return types.PhaseUnknown
	}
	pct := *progress.Completion
	switch {
	case pct < 2:
		return types.PhaseFirstLayer
	case pct < 15:
		return types.PhasePerimeters
	case pct < 85:
		return types.PhaseInfill
	case pct < 98:
		return types.PhaseTopLayers
	default:
		return types.PhaseCooling
	}
}
