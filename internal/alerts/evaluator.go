package alerts

import (
	"fmt"
	"sync"
	"time"

	"codeberg.org/mutker/o2relay/internal/clock"
	"codeberg.org/mutker/o2relay/internal/logger"
	"codeberg.org/mutker/o2relay/internal/protocol"
)

// disconnectCheckInterval is how often the disconnect condition is
// re-examined while the peripheral is away.
const disconnectCheckInterval = 30 * time.Second

// Sink receives triggered alerts. Called outside the evaluator's lock.
type Sink func(Alert)

// Evaluator tracks alert conditions across the reading stream. A condition
// must hold for its rule's sustain duration before firing, and a fired alert
// is not repeated until the resend interval passes. Clearing a condition
// rearms it immediately.
type Evaluator struct {
	mu sync.Mutex

	cfg  Config
	clk  clock.Clock
	sink Sink

	starts      map[string]time.Time
	fired       map[string]time.Time
	lastBattery int
	batterySeen bool
	connected   bool
	discTimer   clock.Timer
}

func NewEvaluator(cfg Config, clk clock.Clock, sink Sink) *Evaluator {
	return &Evaluator{
		cfg:       cfg,
		clk:       clk,
		sink:      sink,
		starts:    make(map[string]time.Time),
		fired:     make(map[string]time.Time),
		connected: false,
	}
}

// EvaluateReading checks one decoded reading against the vitals and battery
// rules and returns whatever fired.
func (e *Evaluator) EvaluateReading(reading protocol.Reading) []Alert {
	e.mu.Lock()

	var out []Alert

	critical := e.evaluateSpO2CriticalLocked(reading)
	if critical != nil {
		out = append(out, *critical)
	}
	if warning := e.evaluateSpO2WarningLocked(reading, critical != nil); warning != nil {
		out = append(out, *warning)
	}
	out = append(out, e.evaluateHRLocked(reading)...)
	if battery := e.evaluateBatteryLocked(reading); battery != nil {
		out = append(out, *battery)
	}

	e.mu.Unlock()

	e.emit(out)

	return out
}

// SetConnected feeds link state into the disconnect rule. While down, a
// timer re-examines the condition so the alert fires even with no readings
// arriving.
func (e *Evaluator) SetConnected(connected bool) {
	e.mu.Lock()

	if connected {
		if _, tracking := e.starts["disconnect"]; tracking {
			logger.Info().Msg("Peripheral back in reach")
		}
		e.resetLocked("disconnect")
		if e.discTimer != nil {
			e.discTimer.Stop()
			e.discTimer = nil
		}
		e.connected = true
		e.mu.Unlock()
		return
	}

	e.connected = false
	e.startLocked("disconnect")
	if e.discTimer == nil {
		e.discTimer = e.clk.AfterFunc(disconnectCheckInterval, e.checkDisconnect)
	}
	e.mu.Unlock()
}

// Reset drops all condition tracking, as after a session restart.
func (e *Evaluator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.starts = make(map[string]time.Time)
	e.fired = make(map[string]time.Time)
	e.batterySeen = false
	if e.discTimer != nil {
		e.discTimer.Stop()
		e.discTimer = nil
	}
}

func (e *Evaluator) checkDisconnect() {
	e.mu.Lock()

	if e.connected {
		e.discTimer = nil
		e.mu.Unlock()
		return
	}

	var out []Alert

	rule := e.cfg.Disconnect
	minutes := int(e.durationLocked("disconnect") / time.Minute)
	if minutes >= rule.Threshold && e.shouldFireLocked("disconnect", rule) {
		if alert := e.fireLocked("disconnect", rule, Alert{
			Type:    TypeDisconnect,
			Message: fmt.Sprintf("Pulse oximeter unreachable for %d minutes", minutes),
		}); alert.Type != "" {
			out = append(out, alert)
		}
	}

	e.discTimer = e.clk.AfterFunc(disconnectCheckInterval, e.checkDisconnect)
	e.mu.Unlock()

	e.emit(out)
}

func (e *Evaluator) evaluateSpO2CriticalLocked(reading protocol.Reading) *Alert {
	rule := e.cfg.SpO2Critical
	if reading.SpO2 >= rule.Threshold {
		e.resetLocked("spo2_critical")
		return nil
	}

	e.startLocked("spo2_critical")
	held := e.durationLocked("spo2_critical")
	if held < rule.SustainDuration || !e.shouldFireLocked("spo2_critical", rule) {
		return nil
	}

	alert := e.fireLocked("spo2_critical", rule, Alert{
		Type:      TypeSpO2Critical,
		Message:   fmt.Sprintf("SpO2 critically low at %d%% for %ds", reading.SpO2, int(held/time.Second)),
		SpO2:      reading.SpO2,
		HeartRate: reading.HeartRate,
	})
	if alert.Type == "" {
		return nil
	}

	return &alert
}

func (e *Evaluator) evaluateSpO2WarningLocked(reading protocol.Reading, criticalFired bool) *Alert {
	rule := e.cfg.SpO2Warning
	if reading.SpO2 >= rule.Threshold {
		e.resetLocked("spo2_warning")
		return nil
	}

	e.startLocked("spo2_warning")
	if criticalFired {
		// The critical alert supersedes the warning this round.
		return nil
	}

	held := e.durationLocked("spo2_warning")
	if held < rule.SustainDuration || !e.shouldFireLocked("spo2_warning", rule) {
		return nil
	}

	alert := e.fireLocked("spo2_warning", rule, Alert{
		Type:      TypeSpO2Warning,
		Message:   fmt.Sprintf("SpO2 low at %d%% for %ds", reading.SpO2, int(held/time.Second)),
		SpO2:      reading.SpO2,
		HeartRate: reading.HeartRate,
	})
	if alert.Type == "" {
		return nil
	}

	return &alert
}

func (e *Evaluator) evaluateHRLocked(reading protocol.Reading) []Alert {
	var out []Alert

	high := e.cfg.HRHigh
	if reading.HeartRate > high.Threshold {
		e.startLocked("hr_high")
		held := e.durationLocked("hr_high")
		if held >= high.SustainDuration && e.shouldFireLocked("hr_high", high) {
			if alert := e.fireLocked("hr_high", high, Alert{
				Type:      TypeHRHigh,
				Message:   fmt.Sprintf("Heart rate high at %d BPM for %ds", reading.HeartRate, int(held/time.Second)),
				SpO2:      reading.SpO2,
				HeartRate: reading.HeartRate,
			}); alert.Type != "" {
				out = append(out, alert)
			}
		}
	} else {
		e.resetLocked("hr_high")
	}

	low := e.cfg.HRLow
	if reading.HeartRate < low.Threshold {
		e.startLocked("hr_low")
		held := e.durationLocked("hr_low")
		if held >= low.SustainDuration && e.shouldFireLocked("hr_low", low) {
			if alert := e.fireLocked("hr_low", low, Alert{
				Type:      TypeHRLow,
				Message:   fmt.Sprintf("Heart rate low at %d BPM for %ds", reading.HeartRate, int(held/time.Second)),
				SpO2:      reading.SpO2,
				HeartRate: reading.HeartRate,
			}); alert.Type != "" {
				out = append(out, alert)
			}
		}
	} else {
		e.resetLocked("hr_low")
	}

	return out
}

// evaluateBatteryLocked alerts on battery level changes only, so a flat
// battery does not spam on every reading. Critical suppresses warning.
func (e *Evaluator) evaluateBatteryLocked(reading protocol.Reading) *Alert {
	if e.batterySeen && e.lastBattery == reading.Battery {
		return nil
	}
	e.batterySeen = true
	e.lastBattery = reading.Battery

	critical := e.cfg.BatteryCritical
	if reading.Battery <= critical.Threshold {
		if !e.shouldFireLocked("battery_critical", critical) {
			return nil
		}
		alert := e.fireLocked("battery_critical", critical, Alert{
			Type:      TypeBatteryCritical,
			Message:   fmt.Sprintf("Pulse oximeter battery critically low at %d%%", reading.Battery),
			SpO2:      reading.SpO2,
			HeartRate: reading.HeartRate,
		})
		if alert.Type == "" {
			return nil
		}
		return &alert
	}

	warning := e.cfg.BatteryWarning
	if reading.Battery <= warning.Threshold {
		if !e.shouldFireLocked("battery_warning", warning) {
			return nil
		}
		alert := e.fireLocked("battery_warning", warning, Alert{
			Type:      TypeBatteryWarning,
			Message:   fmt.Sprintf("Pulse oximeter battery low at %d%%", reading.Battery),
			SpO2:      reading.SpO2,
			HeartRate: reading.HeartRate,
		})
		if alert.Type == "" {
			return nil
		}
		return &alert
	}

	return nil
}

func (e *Evaluator) startLocked(condition string) {
	if _, ok := e.starts[condition]; !ok {
		e.starts[condition] = e.clk.Now()
	}
}

func (e *Evaluator) resetLocked(condition string) {
	delete(e.starts, condition)
	delete(e.fired, condition)
}

func (e *Evaluator) durationLocked(condition string) time.Duration {
	start, ok := e.starts[condition]
	if !ok {
		return 0
	}

	return e.clk.Now().Sub(start)
}

func (e *Evaluator) shouldFireLocked(condition string, rule Rule) bool {
	if last, ok := e.fired[condition]; ok && e.clk.Now().Sub(last) < rule.ResendInterval {
		return false
	}

	return true
}

// fireLocked stamps and records the alert. Disabled rules still mark the
// condition as fired, so re-enabling does not replay a backlog.
func (e *Evaluator) fireLocked(condition string, rule Rule, alert Alert) Alert {
	alert.Severity = rule.Severity
	alert.At = e.clk.Now()
	e.fired[condition] = alert.At

	if !rule.Enabled {
		logger.Info().Str("alert", string(alert.Type)).Msg("Alert suppressed by config")
		return Alert{}
	}

	return alert
}

func (e *Evaluator) emit(alerts []Alert) {
	for _, alert := range alerts {
		if alert.Type == "" {
			continue
		}

		logger.Warn().
			Str("alert", string(alert.Type)).
			Str("severity", alert.Severity.String()).
			Msg(alert.Message)

		if e.sink != nil {
			e.sink(alert)
		}
	}
}
