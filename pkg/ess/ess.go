package ess

import (
	"context"
	"errors"

	"github.com/raterudder/powerrudder/pkg/types"
)

// ErrAuthExpired is returned when the device API rejects our credentials and
// they can't be refreshed. It requires an operator to recredential.
var ErrAuthExpired = errors.New("device authentication expired")

// System defines the interface for interacting with a Powerwall.
type System interface {
	// GetState returns the current telemetry and configuration of the system.
	GetState(ctx context.Context) (types.PowerwallState, error)

	// SetOperation sets the operating mode and returns the device status message.
	SetOperation(ctx context.Context, mode types.OperationMode) (string, error)

	// SetBackupReservePercent sets the backup reserve and returns the device
	// status message.
	SetBackupReservePercent(ctx context.Context, pct int) (string, error)
}
