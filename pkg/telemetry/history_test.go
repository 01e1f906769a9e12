package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func historyOf(newestFirst ...float64) *History {
	h := NewHistory()
	for i := len(newestFirst) - 1; i >= 0; i-- {
		h.Add(newestFirst[i])
	}
	return h
}

func TestHistoryAdd(t *testing.T) {
	h := NewHistory()
	assert.Equal(t, 0, h.Len())

	h.Add(85.5)
	h.Add(84.2)
	h.Add(83.1)
	assert.Equal(t, []float64{83.1, 84.2, 85.5}, h.Percentages())
	assert.False(t, h.Full())
}

func TestHistoryBound(t *testing.T) {
	h := NewHistory()
	for i := 0; i < 7; i++ {
		h.Add(80.0 + float64(i))
	}
	assert.Equal(t, MaxHistory, h.Len())
	assert.True(t, h.Full())
	assert.Equal(t, []float64{86, 85, 84, 83, 82}, h.Percentages(), "should hold the 5 most recent, newest first")

	h.Add(50)
	assert.Equal(t, []float64{50, 86, 85, 84, 83}, h.Percentages())
}

func TestHistoryPercentagesIsCopy(t *testing.T) {
	h := historyOf(1, 2)
	p := h.Percentages()
	p[0] = 99
	assert.Equal(t, []float64{1, 2}, h.Percentages())
}

func TestAverageGradient(t *testing.T) {
	assert.Equal(t, 0.0, NewHistory().AverageGradient())
	assert.Equal(t, 0.0, historyOf(85).AverageGradient())
	assert.Equal(t, -5.0, historyOf(80, 85, 90).AverageGradient())
	assert.Equal(t, 5.0, historyOf(90, 85, 80).AverageGradient())
	assert.InDelta(t, 0.5, historyOf(52, 51, 51, 50.5, 50).AverageGradient(), 1e-9)
}

func TestExtrapolate(t *testing.T) {
	_, ok := NewHistory().Extrapolate(1)
	assert.False(t, ok, "empty history has nothing to extrapolate")

	v, ok := historyOf(85).Extrapolate(1)
	require.True(t, ok)
	assert.Equal(t, 85.0, v, "a single sample is returned unchanged")

	h := historyOf(80, 85, 90)
	v, ok = h.Extrapolate(1.0)
	require.True(t, ok)
	assert.Equal(t, 75.0, v)

	v, ok = h.Extrapolate(0.5)
	require.True(t, ok)
	assert.Equal(t, 77.5, v)

	v, ok = historyOf(50.01, 50.0).Extrapolate(1.0 / 3)
	require.True(t, ok)
	assert.Equal(t, 50.01, v, "result is rounded to 2 decimals")
}
