package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/raterudder/powerrudder/pkg/controller"
	"github.com/raterudder/powerrudder/pkg/ess"
	"github.com/raterudder/powerrudder/pkg/log"
	"github.com/raterudder/powerrudder/pkg/metrics"
	"github.com/raterudder/powerrudder/pkg/notify"
	"github.com/raterudder/powerrudder/pkg/storage"
	"github.com/raterudder/powerrudder/pkg/telemetry"
	"github.com/raterudder/powerrudder/pkg/types"
)

var (
	// ErrInvalidReading is a battery reading that is unusable even after
	// sanitizing, e.g. a zero before there is enough history to patch it.
	ErrInvalidReading = errors.New("invalid battery reading")

	// ErrUnrecoverable stops the loop. It wraps the error that caused it.
	ErrUnrecoverable = errors.New("unrecoverable failure")
)

// Manager runs the control loop: poll the Powerwall, sanitize the battery
// reading, evaluate the rule table and apply the matching rule.
type Manager struct {
	ess        ess.System
	storage    storage.Database
	notifier   notify.Notifier
	controller *controller.Controller
	metrics    *metrics.Metrics

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	history    *telemetry.History
	confirmer  controller.Confirmer
	settings   *types.Settings
	cachedMode types.OperationMode
	lastSample time.Time
	failures   int
	announced  bool
	lastDryRun string

	mu     sync.Mutex
	status Status
}

// New creates a Manager. A nil m records metrics into a private registry.
func New(sys ess.System, db storage.Database, n notify.Notifier, m *metrics.Metrics) *Manager {
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}
	return &Manager{
		ess:        sys,
		storage:    db,
		notifier:   n,
		controller: controller.NewController(n),
		metrics:    m,
		now:        time.Now,
		sleep:      sleepContext,
		history:    telemetry.NewHistory(),
		status:     Status{Started: time.Now()},
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run polls until ctx is canceled or an unrecoverable failure happens. It
// returns nil when ctx is canceled and an error wrapping ErrUnrecoverable
// otherwise.
func (m *Manager) Run(ctx context.Context) error {
	log.Ctx(ctx).InfoContext(ctx, "starting control loop")
	var next time.Duration
	for {
		if err := m.sleep(ctx, next); err != nil {
			log.Ctx(ctx).InfoContext(ctx, "control loop stopped", slog.Any("reason", err))
			return nil
		}
		d, err := m.Poll(ctx)
		if errors.Is(err, ErrUnrecoverable) {
			return err
		}
		next = d
		m.setStatus(func(s *Status) {
			s.NextPoll = m.now().Add(next)
		})
	}
}

// Poll runs a single iteration of the loop and returns how long to sleep
// before the next one. Errors that don't wrap ErrUnrecoverable have already
// been counted and logged and only need a retry.
func (m *Manager) Poll(ctx context.Context) (time.Duration, error) {
	start := m.now()
	m.setStatus(func(s *Status) {
		s.LastPoll = start
	})

	settings, err := m.loadSettings(ctx)
	if err != nil {
		return m.fail(ctx, defaultSettings(), fmt.Errorf("failed to load settings: %w", err))
	}
	loc, err := settings.TimeLocation()
	if err != nil {
		return m.fail(ctx, settings, err)
	}

	state, err := m.ess.GetState(ctx)
	if err != nil {
		return m.fail(ctx, settings, fmt.Errorf("failed to get powerwall state: %w", err))
	}
	if state.OperationMode == types.OperationModeNone && m.cachedMode != types.OperationModeNone {
		log.Ctx(ctx).WarnContext(ctx, "operation mode missing, using cached mode", slog.String("mode", string(m.cachedMode)))
		state.OperationMode = m.cachedMode
	}
	m.cachedMode = state.OperationMode
	if err := state.Validate(); err != nil {
		return m.fail(ctx, settings, err)
	}

	if !m.announced {
		m.announced = true
		notify.Gate(ctx, m.notifier, settings.SendNotifications, false, fmt.Sprintf("Powerwall monitor started for %s", state.SiteName))
	}

	ratio := 1.0
	if !m.lastSample.IsZero() {
		ratio = start.Sub(m.lastSample).Seconds() / settings.PollInterval().Seconds()
	}
	pct := telemetry.Sanitize(ctx, state.BatteryPercent, m.history, ratio)
	if pct <= 0 {
		return m.fail(ctx, settings, fmt.Errorf("%w: %.2f with %d samples of history", ErrInvalidReading, state.BatteryPercent, m.history.Len()))
	}
	m.lastSample = start
	forecast, ok := m.history.Extrapolate(1.0)
	if !ok {
		forecast = pct
	}

	m.failures = 0
	m.metrics.ObserveState(state, pct, m.now().Sub(start))
	m.setStatus(func(s *Status) {
		st := state
		s.State = &st
		s.BatteryPercent = pct
		s.Forecast = forecast
		s.History = m.history.Percentages()
		s.ConsecutiveFailures = 0
		s.LastError = ""
		s.LastSuccess = start
		s.DryRun = settings.DryRun
		s.Pause = settings.Pause
	})

	if settings.Pause {
		log.Ctx(ctx).InfoContext(ctx, "paused, skipping rule evaluation", slog.Float64("pct", pct))
		m.confirmer.Reset()
		return settings.PollInterval(), nil
	}

	ev := controller.Evaluate(ctx, settings.DecisionPoints, pct, forecast, start.In(loc), settings.PollInterval(), settings.FastRetry())
	m.metrics.Decision(ev.Outcome.String())
	m.setStatus(func(s *Status) {
		s.Outcome = ev.Outcome.String()
		s.Rule = ""
		if ev.Rule != nil {
			s.Rule = ev.Rule.Reason
		}
		s.TriggerNow = ev.TriggerNow
		s.TriggerNext = ev.TriggerNext
	})

	if !m.confirmer.Confirm(ctx, ev, settings.DecisionConfidence) {
		return ev.Sleep, nil
	}

	applied := state
	applied.BatteryPercent = pct
	action, err := m.controller.Apply(ctx, m.ess, applied, *ev.Rule, controller.ApplyOptions{
		DryRun:            settings.DryRun,
		SendNotifications: settings.SendNotifications,
		TriggerPercent:    ev.TriggerNow,
	})
	if action != nil {
		if action.ModeChanged && !action.DryRun {
			m.cachedMode = action.Mode
		}
		m.record(ctx, action)
	}
	if err != nil {
		return m.fail(ctx, settings, err)
	}
	return ev.Sleep, nil
}

// loadSettings re-reads the settings so they can be changed without a
// restart. If they can't be read or are invalid the last good settings are
// kept.
func (m *Manager) loadSettings(ctx context.Context) (types.Settings, error) {
	settings, err := m.readSettings(ctx)
	if err == nil {
		m.settings = &settings
		return settings, nil
	}
	if m.settings == nil {
		return types.Settings{}, err
	}
	log.Ctx(ctx).WarnContext(ctx, "failed to reload settings, keeping previous", slog.Any("error", err))
	return *m.settings, nil
}

func (m *Manager) readSettings(ctx context.Context) (types.Settings, error) {
	settings, version, err := m.storage.GetSettings(ctx)
	if err != nil {
		return types.Settings{}, err
	}
	if version < types.CurrentSettingsVersion {
		migrated, changed, err := types.MigrateSettings(settings, version)
		if err != nil {
			return types.Settings{}, fmt.Errorf("failed to migrate settings: %w", err)
		}
		if changed {
			log.Ctx(ctx).DebugContext(ctx, "migrated settings", slog.Int("oldVersion", version), slog.Int("newVersion", types.CurrentSettingsVersion))
		}
		settings = migrated
	}
	if err := settings.Validate(); err != nil {
		return types.Settings{}, fmt.Errorf("invalid settings: %w", err)
	}
	return settings, nil
}

func defaultSettings() types.Settings {
	s, _, _ := types.MigrateSettings(types.Settings{}, 0)
	return s
}

// fail counts a failed poll. Too many failures in a row, or an expired
// login, escalates to ErrUnrecoverable with a notification that ignores
// SendNotifications.
func (m *Manager) fail(ctx context.Context, settings types.Settings, err error) (time.Duration, error) {
	m.failures++
	// a streak only counts consecutive successful evaluations
	m.confirmer.Reset()
	m.metrics.PollFailed(m.failures)
	m.setStatus(func(s *Status) {
		s.ConsecutiveFailures = m.failures
		s.LastError = err.Error()
	})

	authExpired := errors.Is(err, ess.ErrAuthExpired)
	if !authExpired && m.failures <= settings.MaxConsecutiveFailures {
		log.Ctx(ctx).WarnContext(
			ctx,
			"poll failed",
			slog.Int("failures", m.failures),
			slog.Int("maxFailures", settings.MaxConsecutiveFailures),
			slog.Any("error", err),
		)
		return settings.FailureRetry(), err
	}

	msg := fmt.Sprintf("Powerwall monitor stopping after %d consecutive failures: %v", m.failures, err)
	if authExpired {
		msg = fmt.Sprintf("Powerwall monitor stopping, login expired: %v", err)
	}
	log.Ctx(ctx).ErrorContext(ctx, "unrecoverable failure", slog.Int("failures", m.failures), slog.Any("error", err))
	notified := notify.Gate(ctx, m.notifier, settings.SendNotifications, true, msg)
	m.record(ctx, &types.Action{
		Timestamp: m.now(),
		Reason:    msg,
		Fatal:     true,
		Notified:  notified,
		Error:     err.Error(),
	})
	return 0, fmt.Errorf("%w: %w", ErrUnrecoverable, err)
}

// record stores an action. Repeats of the same dry run decision are skipped
// since the device never reaches the target state.
func (m *Manager) record(ctx context.Context, action *types.Action) {
	m.metrics.Action(action)
	m.setStatus(func(s *Status) {
		s.LastAction = action
	})

	if action.DryRun {
		key := fmt.Sprintf("%s|%s|%.0f", action.Reason, action.Mode, action.Reserve)
		if key == m.lastDryRun {
			return
		}
		m.lastDryRun = key
	} else {
		m.lastDryRun = ""
	}

	if err := m.storage.InsertAction(ctx, *action); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to record action", slog.Any("error", err))
	}
}
