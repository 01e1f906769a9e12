package types

import "time"

// Action represents a control decision applied (or, in dry run, computed) by
// the system. One is recorded for every device change and for fatal errors.
type Action struct {
	Timestamp       time.Time     `json:"timestamp"`
	Reason          string        `json:"reason"`
	BatteryPercent  float64       `json:"batteryPercent"`
	PreviousMode    OperationMode `json:"previousMode"`
	Mode            OperationMode `json:"mode"`
	PreviousReserve float64       `json:"previousReserve"`
	Reserve         float64       `json:"reserve"`
	ModeChanged     bool          `json:"modeChanged,omitempty"`
	ReserveChanged  bool          `json:"reserveChanged,omitempty"`
	Statuses        []string      `json:"statuses,omitempty"`
	TriggerPercent  float64       `json:"triggerPercent"`
	DryRun          bool          `json:"dryRun,omitempty"`
	Notified        bool          `json:"notified,omitempty"`
	Fatal           bool          `json:"fatal,omitempty"`
	Error           string        `json:"error,omitempty"`
}
