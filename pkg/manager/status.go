package manager

import (
	"slices"
	"time"

	"github.com/raterudder/powerrudder/pkg/types"
)

// Status is a snapshot of the loop for the status API.
type Status struct {
	Started             time.Time             `json:"started"`
	LastPoll            time.Time             `json:"lastPoll"`
	LastSuccess         time.Time             `json:"lastSuccess"`
	NextPoll            time.Time             `json:"nextPoll"`
	State               *types.PowerwallState `json:"state,omitempty"`
	BatteryPercent      float64               `json:"batteryPercent"`
	Forecast            float64               `json:"forecast"`
	History             []float64             `json:"history"`
	Outcome             string                `json:"outcome,omitempty"`
	Rule                string                `json:"rule,omitempty"`
	TriggerNow          float64               `json:"triggerNow"`
	TriggerNext         float64               `json:"triggerNext"`
	ConsecutiveFailures int                   `json:"consecutiveFailures"`
	LastError           string                `json:"lastError,omitempty"`
	LastAction          *types.Action         `json:"lastAction,omitempty"`
	DryRun              bool                  `json:"dryRun"`
	Pause               bool                  `json:"pause"`
}

// Status returns a copy of the current status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.status
	s.History = slices.Clone(s.History)
	if s.State != nil {
		st := *s.State
		s.State = &st
	}
	if s.LastAction != nil {
		a := *s.LastAction
		s.LastAction = &a
	}
	return s
}

func (m *Manager) setStatus(fn func(s *Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.status)
}
