package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/raterudder/powerrudder/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirestoreProvider(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	// Use a random database for isolation
	randDB := fmt.Sprintf("test-db-%d", time.Now().UnixNano())
	f := NewFirestoreProvider("test-project-id", randDB, "test-site")

	ctx := context.Background()
	require.NoError(t, f.Init(ctx))
	defer f.Close()

	t.Run("Validate", func(t *testing.T) {
		require.NoError(t, f.Validate())
		assert.Error(t, NewFirestoreProvider("", "", "").Validate())
	})

	t.Run("Missing Settings", func(t *testing.T) {
		empty := NewFirestoreProvider("test-project-id", randDB, "empty-site")
		empty.client = f.client
		s, version, err := empty.GetSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, version)
		assert.Empty(t, s.DecisionPoints)
	})

	t.Run("Settings", func(t *testing.T) {
		trail := 5.0
		settings := types.Settings{
			DryRun:              true,
			PollIntervalSeconds: 120,
			DecisionPoints: []types.DecisionPoint{
				{TimeStart: 1600, TimeEnd: 2100, PctThresh: 20, IffHigher: true, OpMode: types.OperationModeAutonomous, PctMin: 20, PctMinTrailStop: &trail, Reason: "peak"},
			},
		}
		require.NoError(t, f.SetSettings(ctx, settings, types.CurrentSettingsVersion))

		gotSettings, version, err := f.GetSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.CurrentSettingsVersion, version)
		assert.Equal(t, settings, gotSettings)
	})

	t.Run("Actions", func(t *testing.T) {
		now := time.Now().Truncate(time.Millisecond).UTC()
		a1 := types.Action{
			Timestamp:    now,
			Reason:       "Peak: drain battery",
			PreviousMode: types.OperationModeSelfConsumption,
			Mode:         types.OperationModeAutonomous,
			ModeChanged:  true,
		}
		a2 := types.Action{Timestamp: now.Add(-2 * time.Hour), Reason: "Old action outside range"}
		a3 := types.Action{Timestamp: now.Add(10 * time.Second), Reason: "Second action in range"}
		require.NoError(t, f.InsertAction(ctx, a1))
		require.NoError(t, f.InsertAction(ctx, a2))
		require.NoError(t, f.InsertAction(ctx, a3))

		actions, err := f.GetActionHistory(ctx, now.Add(-1*time.Minute), now.Add(1*time.Minute))
		require.NoError(t, err)
		require.Len(t, actions, 2)
		assert.Equal(t, "Peak: drain battery", actions[0].Reason)
		assert.True(t, actions[0].ModeChanged)
		assert.Equal(t, "Second action in range", actions[1].Reason)

		latest, err := f.GetLatestAction(ctx)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, "Second action in range", latest.Reason)
	})
}
