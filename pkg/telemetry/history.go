package telemetry

import (
	"math"
	"slices"
)

// MaxHistory is how many sanitized samples are kept for extrapolation.
const MaxHistory = 5

// History is a bounded, newest-first window of battery percentages. It lives
// for the life of the control loop and is never persisted.
type History struct {
	percentages []float64
}

// NewHistory returns an empty History.
func NewHistory() *History {
	return &History{percentages: make([]float64, 0, MaxHistory+1)}
}

// Add inserts pct as the newest sample, evicting the oldest once the window
// is over capacity.
func (h *History) Add(pct float64) {
	h.percentages = slices.Insert(h.percentages, 0, pct)
	if len(h.percentages) > MaxHistory {
		h.percentages = h.percentages[:MaxHistory]
	}
}

// Len returns the number of samples held.
func (h *History) Len() int {
	return len(h.percentages)
}

// Full is true once the window holds MaxHistory samples.
func (h *History) Full() bool {
	return len(h.percentages) >= MaxHistory
}

// Contains reports whether pct is already present verbatim.
func (h *History) Contains(pct float64) bool {
	return slices.Contains(h.percentages, pct)
}

// Percentages returns a copy of the window, newest first.
func (h *History) Percentages() []float64 {
	return slices.Clone(h.percentages)
}

// AverageGradient is the mean of the consecutive differences across the whole
// window (newest minus the one before it). Fewer than two samples give 0.
func (h *History) AverageGradient() float64 {
	if len(h.percentages) < 2 {
		return 0
	}
	var sum float64
	for i := 0; i < len(h.percentages)-1; i++ {
		sum += h.percentages[i] - h.percentages[i+1]
	}
	return sum / float64(len(h.percentages)-1)
}

// Extrapolate linearly projects the newest sample forward by timeSampling
// poll intervals. It returns false when there is no history.
func (h *History) Extrapolate(timeSampling float64) (float64, bool) {
	if len(h.percentages) == 0 {
		return 0, false
	}
	return Round2(h.percentages[0] + h.AverageGradient()*timeSampling), true
}

// Round2 rounds to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
