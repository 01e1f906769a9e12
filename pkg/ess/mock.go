package ess

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/powerrudder/pkg/log"
	"github.com/raterudder/powerrudder/pkg/types"
)

// Mock is an in-memory Powerwall. It backs the "mock" provider for running
// the loop without hardware and is what the loop tests drive.
type Mock struct {
	mu    sync.Mutex
	state types.ESSMockState
	// percent per hour lost in autonomous mode and gained in self_consumption
	drainPerHour float64
	lastAdvance  time.Time
	now          func() time.Time

	getErrs          []error
	readings         []float64
	operationCalls   []types.OperationMode
	backupCalls      []int
	operationStatus  string
	operationErr     error
	backupReserveErr error
}

// NewMock returns a mock Powerwall in the given state.
func NewMock(state types.ESSMockState) *Mock {
	if state.ExportRule == "" {
		state.ExportRule = types.ExportRuleBatteryOK
	}
	return &Mock{
		state:           state,
		now:             time.Now,
		operationStatus: "Updated",
	}
}

func configuredMock() *Mock {
	m := NewMock(types.ESSMockState{
		SiteName:             "Mock Site",
		OperationMode:        types.OperationModeSelfConsumption,
		BackupReservePercent: 20,
	})
	battery := lflag.String("mock-battery-start", "50", "Starting battery percent of the mock powerwall")
	drain := lflag.String("mock-drain-per-hour", "4", "Percent per hour the mock battery moves")

	lflag.Do(func() {
		var err error
		if m.state.BatteryPercent, err = strconv.ParseFloat(*battery, 64); err != nil {
			panic(fmt.Sprintf("invalid mock-battery-start (%s): %v", *battery, err))
		}
		if m.drainPerHour, err = strconv.ParseFloat(*drain, 64); err != nil {
			panic(fmt.Sprintf("invalid mock-drain-per-hour (%s): %v", *drain, err))
		}
	})
	return m
}

// State returns a copy of the current mock state.
func (m *Mock) State() types.ESSMockState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetBatteryPercent overrides the battery reading.
func (m *Mock) SetBatteryPercent(pct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.BatteryPercent = pct
}

// QueueReadings makes the next GetState calls report these raw battery
// percentages, in order, before falling back to the simulated value.
func (m *Mock) QueueReadings(pcts ...float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readings = append(m.readings, pcts...)
}

// QueueGetErrors makes the next GetState calls fail with errs, in order.
func (m *Mock) QueueGetErrors(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getErrs = append(m.getErrs, errs...)
}

// SetConfig changes the device flags the loop validates every poll.
func (m *Mock) SetConfig(exportRule string, disallowGridCharge bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.ExportRule = exportRule
	m.state.DisallowGridCharge = disallowGridCharge
}

// FailSets makes subsequent mutations fail.
func (m *Mock) FailSets(operationErr, backupErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operationErr = operationErr
	m.backupReserveErr = backupErr
}

// OperationCalls returns every mode passed to SetOperation.
func (m *Mock) OperationCalls() []types.OperationMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.OperationMode(nil), m.operationCalls...)
}

// BackupCalls returns every reserve passed to SetBackupReservePercent.
func (m *Mock) BackupCalls() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.backupCalls...)
}

// advance moves the simulated battery since the last call.
func (m *Mock) advance() {
	now := m.now()
	if m.lastAdvance.IsZero() || m.drainPerHour == 0 {
		m.lastAdvance = now
		return
	}
	delta := m.drainPerHour * now.Sub(m.lastAdvance).Hours()
	m.lastAdvance = now
	switch m.state.OperationMode {
	case types.OperationModeAutonomous:
		m.state.BatteryPercent = max(m.state.BatteryPercent-delta, m.state.BackupReservePercent)
	case types.OperationModeSelfConsumption:
		m.state.BatteryPercent = min(m.state.BatteryPercent+delta, 100)
	}
}

// GetState implements System.
func (m *Mock) GetState(ctx context.Context) (types.PowerwallState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.getErrs) > 0 {
		err := m.getErrs[0]
		m.getErrs = m.getErrs[1:]
		if err != nil {
			return types.PowerwallState{}, err
		}
	}

	m.advance()
	pct := m.state.BatteryPercent
	if len(m.readings) > 0 {
		pct = m.readings[0]
		m.readings = m.readings[1:]
	}

	return types.PowerwallState{
		Timestamp:            m.now(),
		SiteName:             m.state.SiteName,
		OperationMode:        m.state.OperationMode,
		BackupReservePercent: m.state.BackupReservePercent,
		BatteryPercent:       pct,
		ExportRule:           m.state.ExportRule,
		DisallowGridCharge:   m.state.DisallowGridCharge,
	}, nil
}

// SetOperation implements System.
func (m *Mock) SetOperation(ctx context.Context, mode types.OperationMode) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operationCalls = append(m.operationCalls, mode)
	if m.operationErr != nil {
		return "", m.operationErr
	}
	m.advance()
	m.state.OperationMode = mode
	log.Ctx(ctx).DebugContext(ctx, "mock operation mode set", "mode", mode)
	return m.operationStatus, nil
}

// SetBackupReservePercent implements System.
func (m *Mock) SetBackupReservePercent(ctx context.Context, pct int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backupCalls = append(m.backupCalls, pct)
	if m.backupReserveErr != nil {
		return "", m.backupReserveErr
	}
	m.state.BackupReservePercent = float64(pct)
	log.Ctx(ctx).DebugContext(ctx, "mock backup reserve set", "pct", pct)
	return m.operationStatus, nil
}
