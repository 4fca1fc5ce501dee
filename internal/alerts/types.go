// Package alerts watches the reading stream for conditions worth surfacing
// locally: low oxygen saturation, heart rate out of range, a draining
// peripheral battery, and a peripheral that stays unreachable. The collector
// does its own alerting; this is the relay-side safety net for when the
// collector is out of reach.
package alerts

import (
	"time"
)

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

type Type string

const (
	TypeSpO2Critical    Type = "spo2_critical"
	TypeSpO2Warning     Type = "spo2_warning"
	TypeHRHigh          Type = "hr_high"
	TypeHRLow           Type = "hr_low"
	TypeBatteryWarning  Type = "battery_warning"
	TypeBatteryCritical Type = "battery_critical"
	TypeDisconnect      Type = "disconnect"
)

// Alert is one triggered condition.
type Alert struct {
	Type      Type
	Severity  Severity
	Message   string
	SpO2      int
	HeartRate int
	At        time.Time
}

// Rule configures one alert condition. Threshold units depend on the rule:
// percent for SpO2 and battery, BPM for heart rate, minutes for disconnect.
// SustainDuration is how long the condition must hold before firing;
// ResendInterval is the minimum gap between repeat alerts for the same
// condition.
type Rule struct {
	Enabled         bool
	Threshold       int
	SustainDuration time.Duration
	ResendInterval  time.Duration
	Severity        Severity
}

type Config struct {
	SpO2Critical    Rule
	SpO2Warning     Rule
	HRHigh          Rule
	HRLow           Rule
	BatteryWarning  Rule
	BatteryCritical Rule
	Disconnect      Rule
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		SpO2Critical: Rule{
			Enabled:         true,
			Threshold:       88,
			SustainDuration: 30 * time.Second,
			ResendInterval:  5 * time.Minute,
			Severity:        SeverityCritical,
		},
		SpO2Warning: Rule{
			Enabled:         true,
			Threshold:       92,
			SustainDuration: 60 * time.Second,
			ResendInterval:  10 * time.Minute,
			Severity:        SeverityWarning,
		},
		HRHigh: Rule{
			Enabled:         true,
			Threshold:       120,
			SustainDuration: 60 * time.Second,
			ResendInterval:  10 * time.Minute,
			Severity:        SeverityWarning,
		},
		HRLow: Rule{
			Enabled:         true,
			Threshold:       45,
			SustainDuration: 60 * time.Second,
			ResendInterval:  10 * time.Minute,
			Severity:        SeverityWarning,
		},
		BatteryWarning: Rule{
			Enabled:        true,
			Threshold:      20,
			ResendInterval: 30 * time.Minute,
			Severity:       SeverityWarning,
		},
		BatteryCritical: Rule{
			Enabled:        true,
			Threshold:      10,
			ResendInterval: 30 * time.Minute,
			Severity:       SeverityHigh,
		},
		Disconnect: Rule{
			Enabled:        true,
			Threshold:      5,
			ResendInterval: 10 * time.Minute,
			Severity:       SeverityWarning,
		},
	}
}
