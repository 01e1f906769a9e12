package ess

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/raterudder/powerrudder/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMock(t *testing.T) {
	ctx := context.Background()

	t.Run("Defaults", func(t *testing.T) {
		m := NewMock(types.ESSMockState{BatteryPercent: 60})
		state, err := m.GetState(ctx)
		require.NoError(t, err)
		assert.Equal(t, 60.0, state.BatteryPercent)
		assert.NoError(t, state.Validate(), "mock is permissively configured by default")
	})

	t.Run("Queued Readings And Errors", func(t *testing.T) {
		m := NewMock(types.ESSMockState{BatteryPercent: 60})
		m.QueueGetErrors(errors.New("timeout"), nil)
		m.QueueReadings(0, 59.5)

		_, err := m.GetState(ctx)
		assert.ErrorContains(t, err, "timeout")

		state, err := m.GetState(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0.0, state.BatteryPercent)

		state, err = m.GetState(ctx)
		require.NoError(t, err)
		assert.Equal(t, 59.5, state.BatteryPercent)

		state, err = m.GetState(ctx)
		require.NoError(t, err)
		assert.Equal(t, 60.0, state.BatteryPercent)
	})

	t.Run("Mutations", func(t *testing.T) {
		m := NewMock(types.ESSMockState{OperationMode: types.OperationModeSelfConsumption})
		status, err := m.SetOperation(ctx, types.OperationModeAutonomous)
		require.NoError(t, err)
		assert.Equal(t, "Updated", status)
		_, err = m.SetBackupReservePercent(ctx, 35)
		require.NoError(t, err)

		state := m.State()
		assert.Equal(t, types.OperationModeAutonomous, state.OperationMode)
		assert.Equal(t, 35.0, state.BackupReservePercent)
		assert.Equal(t, []types.OperationMode{types.OperationModeAutonomous}, m.OperationCalls())
		assert.Equal(t, []int{35}, m.BackupCalls())

		m.FailSets(errors.New("rejected"), nil)
		_, err = m.SetOperation(ctx, types.OperationModeBackup)
		assert.Error(t, err)
		assert.Equal(t, types.OperationModeAutonomous, m.State().OperationMode)
	})

	t.Run("Drain Simulation", func(t *testing.T) {
		now := time.Date(2025, 6, 1, 19, 0, 0, 0, time.UTC)
		m := NewMock(types.ESSMockState{
			BatteryPercent:       80,
			BackupReservePercent: 20,
			OperationMode:        types.OperationModeAutonomous,
		})
		m.drainPerHour = 10
		m.now = func() time.Time { return now }

		_, err := m.GetState(ctx)
		require.NoError(t, err)
		now = now.Add(90 * time.Minute)
		state, err := m.GetState(ctx)
		require.NoError(t, err)
		assert.InDelta(t, 65.0, state.BatteryPercent, 1e-9)

		now = now.Add(10 * time.Hour)
		state, err = m.GetState(ctx)
		require.NoError(t, err)
		assert.Equal(t, 20.0, state.BatteryPercent, "never drains below the reserve")
	})
}

var _ System = (*Mock)(nil)
var _ System = (*Tesla)(nil)
