package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/raterudder/powerrudder/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	t.Run("ObserveState", func(t *testing.T) {
		m.ObserveState(types.PowerwallState{
			OperationMode:        types.OperationModeAutonomous,
			BackupReservePercent: 20,
			BatteryPercent:       0,
		}, 61.5, time.Second)

		assert.Equal(t, 61.5, testutil.ToFloat64(m.batteryPercent))
		assert.Equal(t, 0.0, testutil.ToFloat64(m.rawBatteryPercent))
		assert.Equal(t, 20.0, testutil.ToFloat64(m.backupReserve))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.operationMode.WithLabelValues("autonomous")))
		assert.Equal(t, 0.0, testutil.ToFloat64(m.operationMode.WithLabelValues("self_consumption")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.patchedReadings))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.polls.WithLabelValues("ok")))
	})

	t.Run("PollFailed", func(t *testing.T) {
		m.PollFailed(3)
		assert.Equal(t, 3.0, testutil.ToFloat64(m.consecutiveFailures))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.polls.WithLabelValues("failure")))
	})

	t.Run("Action", func(t *testing.T) {
		m.Action(nil)
		m.Action(&types.Action{ModeChanged: true, ReserveChanged: true})
		m.Action(&types.Action{ReserveChanged: true, DryRun: true})
		assert.Equal(t, 1.0, testutil.ToFloat64(m.changes.WithLabelValues("mode", "false")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.changes.WithLabelValues("reserve", "false")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.changes.WithLabelValues("reserve", "true")))
	})

	t.Run("Notification", func(t *testing.T) {
		m.Notification("pushover", nil)
		m.Notification("pushover", errors.New("boom"))
		m.Notification("pushover", nil)
		assert.Equal(t, 2.0, testutil.ToFloat64(m.notifications.WithLabelValues("pushover", "ok")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("pushover", "error")))
	})

	t.Run("Exposition", func(t *testing.T) {
		m.Decision("matched")
		expected := `
# HELP powerrudder_decisions_total Total rule table evaluations by outcome.
# TYPE powerrudder_decisions_total counter
powerrudder_decisions_total{outcome="matched"} 1
`
		require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "powerrudder_decisions_total"))
	})
}
