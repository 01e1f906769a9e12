package controller

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/raterudder/powerrudder/pkg/ess"
	"github.com/raterudder/powerrudder/pkg/log"
	"github.com/raterudder/powerrudder/pkg/notify"
	"github.com/raterudder/powerrudder/pkg/types"
)

// Controller applies matched rules to the Powerwall.
type Controller struct {
	notifier notify.Notifier
	now      func() time.Time
}

// NewController creates a new Controller. A nil notifier disables
// notifications.
func NewController(n notify.Notifier) *Controller {
	return &Controller{
		notifier: n,
		now:      time.Now,
	}
}

// ApplyOptions are the per-poll settings that affect Apply.
type ApplyOptions struct {
	DryRun            bool
	SendNotifications bool
	// TriggerPercent is recorded on the action for auditing.
	TriggerPercent float64
}

// DesiredReserve returns the backup reserve the rule wants given the current
// state. With a trailing stop the reserve starts from where it is now and
// climbs in steps while the battery is at least one step above it, so it
// never drops.
func DesiredReserve(dp types.DecisionPoint, state types.PowerwallState) float64 {
	if dp.PctMinTrailStop == nil || *dp.PctMinTrailStop <= 0 {
		return math.Floor(dp.PctMin)
	}
	step := *dp.PctMinTrailStop
	desired := state.BackupReservePercent
	for state.BatteryPercent >= desired+step {
		desired += step
	}
	// the device only accepts whole percentages, truncate so the reserve
	// never lands above the battery
	return math.Floor(desired)
}

// Apply moves the Powerwall to the state dp wants. Nothing is called on the
// device when it is already there and nil is returned. state.BatteryPercent
// is expected to be the sanitized reading.
func (c *Controller) Apply(
	ctx context.Context,
	sys ess.System,
	state types.PowerwallState,
	dp types.DecisionPoint,
	opts ApplyOptions,
) (*types.Action, error) {
	if dp.DoNothing() {
		log.Ctx(ctx).DebugContext(ctx, "rule does nothing", slog.String("reason", dp.Reason))
		return nil, nil
	}

	desired := DesiredReserve(dp, state)
	modeChange := state.OperationMode != dp.OpMode
	reserveChange := state.BackupReservePercent != desired
	if !modeChange && !reserveChange {
		log.Ctx(ctx).DebugContext(
			ctx,
			"powerwall already in desired state",
			slog.String("mode", string(dp.OpMode)),
			slog.Float64("reserve", desired),
		)
		return nil, nil
	}

	action := &types.Action{
		Timestamp:       c.now(),
		Reason:          dp.Reason,
		BatteryPercent:  state.BatteryPercent,
		PreviousMode:    state.OperationMode,
		Mode:            state.OperationMode,
		PreviousReserve: state.BackupReservePercent,
		Reserve:         state.BackupReservePercent,
		TriggerPercent:  opts.TriggerPercent,
		DryRun:          opts.DryRun,
	}
	modeStatus := "unchanged"
	reserveStatus := "unchanged"

	logger := log.Ctx(ctx).With(
		slog.String("reason", dp.Reason),
		slog.Float64("battery", state.BatteryPercent),
		slog.String("fromMode", string(state.OperationMode)),
		slog.String("toMode", string(dp.OpMode)),
		slog.Float64("fromReserve", state.BackupReservePercent),
		slog.Float64("toReserve", desired),
	)

	if opts.DryRun {
		logger.InfoContext(ctx, "dry run: skipping powerwall changes")
		if modeChange {
			action.Mode = dp.OpMode
			action.ModeChanged = true
			modeStatus = "dry run"
		}
		if reserveChange {
			action.Reserve = desired
			action.ReserveChanged = true
			reserveStatus = "dry run"
		}
		action.Statuses = []string{modeStatus, reserveStatus}
		return action, nil
	}

	var applyErr error
	if modeChange {
		status, err := sys.SetOperation(ctx, dp.OpMode)
		if err != nil {
			applyErr = fmt.Errorf("failed to set operation mode %s: %w", dp.OpMode, err)
			modeStatus = "failed"
		} else {
			action.Mode = dp.OpMode
			action.ModeChanged = true
			modeStatus = status
		}
	}
	if reserveChange && applyErr == nil {
		status, err := sys.SetBackupReservePercent(ctx, int(desired))
		if err != nil {
			applyErr = fmt.Errorf("failed to set backup reserve %d%%: %w", int(desired), err)
			reserveStatus = "failed"
		} else {
			action.Reserve = desired
			action.ReserveChanged = true
			reserveStatus = status
		}
	}
	action.Statuses = []string{modeStatus, reserveStatus}
	if applyErr != nil {
		action.Error = applyErr.Error()
		logger.ErrorContext(ctx, "failed to apply decision", slog.Any("error", applyErr))
	} else {
		logger.InfoContext(ctx, "applied decision", slog.String("modeStatus", modeStatus), slog.String("reserveStatus", reserveStatus))
	}

	if !action.ModeChanged && !action.ReserveChanged {
		return action, applyErr
	}

	action.Notified = notify.Gate(ctx, c.notifier, opts.SendNotifications, dp.AlwaysNotify, FormatAction(action, modeStatus, reserveStatus))
	return action, applyErr
}

// FormatAction renders the operator message for an applied action.
func FormatAction(a *types.Action, modeStatus, reserveStatus string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "At: %.2f%%, %s", a.BatteryPercent, a.Reason)
	fmt.Fprintf(&sb, " - Mode: %s %s -> %s", modeStatus, a.PreviousMode, a.Mode)
	fmt.Fprintf(&sb, " | Reserve: %s %.0f%% -> %.0f%%", reserveStatus, a.PreviousReserve, a.Reserve)
	if a.Error != "" {
		sb.WriteString(" | Error: ")
		sb.WriteString(a.Error)
	}
	return sb.String()
}
