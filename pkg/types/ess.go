package types

import (
	"errors"
	"fmt"
	"time"
)

// ExportRuleBatteryOK is the export rule that allows the battery to export.
const ExportRuleBatteryOK = "battery_ok"

// ErrInvalidConfig is returned when the device isn't configured to allow
// battery export and grid charging. The loop treats it as a poll failure.
var ErrInvalidConfig = errors.New("invalid powerwall config")

// PowerwallState is the telemetry read from the device on every poll.
type PowerwallState struct {
	Timestamp            time.Time     `json:"timestamp"`
	SiteName             string        `json:"siteName"`
	OperationMode        OperationMode `json:"operationMode"`
	BackupReservePercent float64       `json:"backupReservePercent"`
	// BatteryPercent is raw and untrusted until sanitized.
	BatteryPercent     float64 `json:"batteryPercent"`
	ExportRule         string  `json:"exportRule"`
	DisallowGridCharge bool    `json:"disallowGridCharge"`
}

// CanExport is true when the battery may export to the grid.
func (s PowerwallState) CanExport() bool {
	return s.ExportRule == ExportRuleBatteryOK
}

// CanGridCharge is true when the battery may charge from the grid.
func (s PowerwallState) CanGridCharge() bool {
	return !s.DisallowGridCharge
}

// Validate enforces the configuration every rule assumes: toggling between
// self_consumption and autonomous is only meaningful if both export and grid
// charging are permanently allowed on the device.
func (s PowerwallState) Validate() error {
	if !s.CanExport() || !s.CanGridCharge() {
		return fmt.Errorf("%w: export: %q, grid charge: %t", ErrInvalidConfig, s.ExportRule, s.CanGridCharge())
	}
	return nil
}

// ESSMockState represents the internal state of the mock ESS provider.
type ESSMockState struct {
	SiteName             string        `json:"siteName"`
	BatteryPercent       float64       `json:"batteryPercent"`
	OperationMode        OperationMode `json:"operationMode"`
	BackupReservePercent float64       `json:"backupReservePercent"`
	ExportRule           string        `json:"exportRule"`
	DisallowGridCharge   bool          `json:"disallowGridCharge"`
}
