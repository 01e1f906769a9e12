package controller

import (
	"context"
	"testing"
	"time"

	"github.com/raterudder/powerrudder/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggers(t *testing.T) {
	dp := types.DecisionPoint{TimeStart: 900, TimeEnd: 1200, PctThresh: 50, PctGradientPerHr: 5}

	t.Run("Interpolates Towards End", func(t *testing.T) {
		now := time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)
		assert.InDelta(t, 1.5, HoursToEnd(dp, now), 1e-9)
		triggerNow, triggerNext := Triggers(dp, now, 300*time.Second)
		assert.Equal(t, 42.5, triggerNow)
		assert.Equal(t, 42.92, triggerNext)
	})

	t.Run("Seconds", func(t *testing.T) {
		now := time.Date(2025, 6, 1, 11, 59, 30, 0, time.UTC)
		assert.InDelta(t, 1.0/120, HoursToEnd(dp, now), 1e-9)
	})

	t.Run("Past Midnight", func(t *testing.T) {
		late := types.DecisionPoint{TimeStart: 2100, TimeEnd: 9900}
		now := time.Date(2025, 6, 1, 23, 15, 0, 0, time.UTC)
		assert.InDelta(t, 75.75, HoursToEnd(late, now), 1e-9)
	})
}

func TestEvaluate(t *testing.T) {
	ctx := context.Background()
	poll := 300 * time.Second
	fast := 60 * time.Second
	at := func(hour, minute int) time.Time {
		return time.Date(2025, 6, 1, hour, minute, 0, 0, time.UTC)
	}

	rules := []types.DecisionPoint{
		{TimeStart: 1600, TimeEnd: 2100, PctThresh: 20, IffHigher: true, OpMode: types.OperationModeAutonomous, PctMin: 20, Reason: "peak drain"},
		{TimeStart: 1600, TimeEnd: 2100, PctThresh: 20, OpMode: types.OperationModeSelfConsumption, PctMin: 20, Reason: "peak hold"},
		{TimeStart: 0, TimeEnd: 2400, PctThresh: 101, OpMode: types.OperationModeSelfConsumption, PctMin: 35, Reason: "default"},
	}

	t.Run("First Match Wins", func(t *testing.T) {
		ev := Evaluate(ctx, rules, 90, 90, at(19, 30), poll, fast)
		assert.Equal(t, OutcomeMatched, ev.Outcome)
		require.NotNil(t, ev.Rule)
		assert.Equal(t, 0, ev.Index)
		assert.Equal(t, "peak drain", ev.Rule.Reason)
		assert.Equal(t, 20.0, ev.TriggerNow)
		assert.Equal(t, poll, ev.Sleep)
	})

	t.Run("Falls Through", func(t *testing.T) {
		ev := Evaluate(ctx, rules, 15, 15, at(19, 30), poll, fast)
		assert.Equal(t, OutcomeMatched, ev.Outcome)
		assert.Equal(t, 1, ev.Index)
	})

	t.Run("Outside Window", func(t *testing.T) {
		ev := Evaluate(ctx, rules, 90, 90, at(21, 0), poll, fast)
		assert.Equal(t, OutcomeMatched, ev.Outcome)
		assert.Equal(t, "default", ev.Rule.Reason)
	})

	t.Run("Equality Never Triggers", func(t *testing.T) {
		ev := Evaluate(ctx, rules[:2], 20, 20, at(19, 30), poll, fast)
		assert.Equal(t, OutcomeNoMatch, ev.Outcome)
		assert.Nil(t, ev.Rule)
		assert.Equal(t, -1, ev.Index)
		assert.Equal(t, poll, ev.Sleep)
	})

	t.Run("No Rules", func(t *testing.T) {
		ev := Evaluate(ctx, nil, 50, 50, at(12, 0), poll, fast)
		assert.Equal(t, OutcomeNoMatch, ev.Outcome)
		assert.Equal(t, poll, ev.Sleep)
	})

	t.Run("Imminent Shortens Sleep", func(t *testing.T) {
		charge := []types.DecisionPoint{
			{TimeStart: 0, TimeEnd: 600, PctThresh: 80, PctGradientPerHr: 10, OpMode: types.OperationModeBackup, PctMin: 80, Reason: "charge overnight"},
			{TimeStart: 0, TimeEnd: 2400, PctThresh: 101, Reason: "catch all"},
		}
		// 05:00 -> trigger now 70, next 70.83; 70.5 isn't below 70 but 70.4
		// is below 70.83
		ev := Evaluate(ctx, charge, 70.5, 70.4, at(5, 0), poll, fast)
		assert.Equal(t, OutcomeImminent, ev.Outcome)
		assert.Equal(t, 0, ev.Index)
		assert.Equal(t, 70.0, ev.TriggerNow)
		assert.Equal(t, 70.83, ev.TriggerNext)
		assert.Equal(t, fast, ev.Sleep)
	})

	t.Run("Fast Retry Capped By Poll", func(t *testing.T) {
		charge := []types.DecisionPoint{
			{TimeStart: 0, TimeEnd: 600, PctThresh: 80, OpMode: types.OperationModeBackup, Reason: "charge"},
		}
		ev := Evaluate(ctx, charge, 81, 79, at(5, 0), 30*time.Second, fast)
		assert.Equal(t, OutcomeImminent, ev.Outcome)
		assert.Equal(t, 30*time.Second, ev.Sleep)
	})

	t.Run("Matched Now Takes Precedence Over Forecast", func(t *testing.T) {
		ev := Evaluate(ctx, rules, 90, 10, at(19, 30), poll, fast)
		assert.Equal(t, OutcomeMatched, ev.Outcome)
		assert.Equal(t, 0, ev.Index)
	})
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "no_match", OutcomeNoMatch.String())
	assert.Equal(t, "matched", OutcomeMatched.String())
	assert.Equal(t, "imminent", OutcomeImminent.String())
}
