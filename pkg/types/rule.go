package types

import (
	"errors"
	"fmt"
)

// OperationMode is the Powerwall dispatch strategy.
type OperationMode string

const (
	// OperationModeNone marks a "do nothing" rule.
	OperationModeNone            OperationMode = ""
	OperationModeSelfConsumption OperationMode = "self_consumption"
	OperationModeAutonomous      OperationMode = "autonomous"
	OperationModeBackup          OperationMode = "backup"
)

// DecisionPoint is one row of the time windowed rule table.
//
// The window is [TimeStart, TimeEnd) in HHMM. The threshold is PctThresh at
// TimeEnd and moves backwards in time at PctGradientPerHr, so
// threshold(t) = PctThresh - PctGradientPerHr*hoursUntilEnd(t). TimeEnd may
// encode a value past midnight (e.g. 9900) to keep a window open until the
// day rolls over.
type DecisionPoint struct {
	TimeStart        int     `json:"timeStart"`
	TimeEnd          int     `json:"timeEnd"`
	PctThresh        float64 `json:"pctThresh"`
	PctGradientPerHr float64 `json:"pctGradientPerHr"`
	// IffHigher fires the rule when the battery is above the threshold
	// (drain), otherwise when it is below (charge).
	IffHigher bool          `json:"iffHigher"`
	OpMode    OperationMode `json:"opMode"`
	PctMin    float64       `json:"pctMin"`
	// PctMinTrailStop ratchets the reserve upward behind the battery in steps
	// of this size instead of using PctMin.
	PctMinTrailStop *float64 `json:"pctMinTrailStop,omitempty"`
	Reason          string   `json:"reason"`
	AlwaysNotify    bool     `json:"alwaysNotify,omitempty"`
}

// InWindow reports whether the HHMM value falls in [TimeStart, TimeEnd).
func (dp DecisionPoint) InWindow(hhmm int) bool {
	return dp.TimeStart <= hhmm && hhmm < dp.TimeEnd
}

// DoNothing is true for catch-all rules that never touch the device.
func (dp DecisionPoint) DoNothing() bool {
	return dp.OpMode == OperationModeNone
}

// Validate checks a single rule.
func (dp DecisionPoint) Validate() error {
	if dp.Reason == "" {
		return errors.New("reason is required")
	}
	if dp.TimeStart < 0 || dp.TimeStart%100 >= 60 {
		return fmt.Errorf("invalid timeStart %04d", dp.TimeStart)
	}
	if dp.TimeEnd%100 >= 60 {
		return fmt.Errorf("invalid timeEnd %04d", dp.TimeEnd)
	}
	if dp.TimeStart >= dp.TimeEnd {
		return fmt.Errorf("timeStart %04d must be before timeEnd %04d", dp.TimeStart, dp.TimeEnd)
	}
	if dp.PctThresh < 0 || dp.PctThresh > 100 {
		return fmt.Errorf("pctThresh %.2f out of range", dp.PctThresh)
	}
	if dp.PctMin < 0 || dp.PctMin > 100 {
		return fmt.Errorf("pctMin %.2f out of range", dp.PctMin)
	}
	if dp.PctMinTrailStop != nil && *dp.PctMinTrailStop <= 0 {
		return fmt.Errorf("pctMinTrailStop %.2f must be positive", *dp.PctMinTrailStop)
	}
	return nil
}
