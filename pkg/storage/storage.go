package storage

import (
	"context"
	"time"

	"github.com/raterudder/powerrudder/pkg/types"
)

// Database persists the settings and the audit trail of applied actions.
type Database interface {
	// Settings
	GetSettings(ctx context.Context) (types.Settings, int, error)
	SetSettings(ctx context.Context, settings types.Settings, version int) error

	// Actions
	InsertAction(ctx context.Context, action types.Action) error
	GetActionHistory(ctx context.Context, start, end time.Time) ([]types.Action, error)
	GetLatestAction(ctx context.Context) (*types.Action, error)

	// Lifecycle
	Close() error
}

// actionIDFormat sorts lexicographically in time order, unlike RFC3339Nano
// which trims trailing zeros.
const actionIDFormat = "2006-01-02T15:04:05.000000000Z"

func actionID(ts time.Time) string {
	return ts.UTC().Format(actionIDFormat)
}
