package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/powerrudder/pkg/controller"
	"github.com/raterudder/powerrudder/pkg/ess"
	"github.com/raterudder/powerrudder/pkg/log"
	"github.com/raterudder/powerrudder/pkg/storage"
	"github.com/raterudder/powerrudder/pkg/telemetry"
	"github.com/raterudder/powerrudder/pkg/types"
)

func main() {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	}
	s := storage.Configured()
	rulesFile := lflag.String("rules-file", "config/rules.yaml", "Settings file to upload")
	simulate := lflag.Bool("simulate-actions", false, "Also store the actions a mock powerwall would have taken today")
	lflag.Configure()

	ctx := context.Background()
	defer s.Close()

	settings, version, err := storage.NewFileProvider(*rulesFile, "").GetSettings(ctx)
	if err != nil {
		fail(ctx, "failed to read rules file", err)
	}
	settings, _, err = types.MigrateSettings(settings, version)
	if err != nil {
		fail(ctx, "failed to migrate settings", err)
	}
	if err := settings.Validate(); err != nil {
		fail(ctx, "invalid settings", err)
	}
	if err := s.SetSettings(ctx, settings, types.CurrentSettingsVersion); err != nil {
		fail(ctx, "failed to save settings", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "seeded settings", slog.String("file", *rulesFile), slog.Int("decisionPoints", len(settings.DecisionPoints)))

	if !*simulate {
		return
	}
	n, err := simulateDay(ctx, s, settings, time.Now())
	if err != nil {
		fail(ctx, "failed to simulate actions", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "seeded simulated actions", slog.Int("actions", n))
}

func fail(ctx context.Context, msg string, err error) {
	log.Ctx(ctx).ErrorContext(ctx, msg, slog.Any("error", err))
	os.Exit(1)
}

// simulateDay runs the rule table against a mock powerwall from midnight
// until now and stores every action it takes.
func simulateDay(ctx context.Context, s storage.Database, settings types.Settings, now time.Time) (int, error) {
	loc, err := settings.TimeLocation()
	if err != nil {
		return 0, err
	}
	now = now.In(loc)
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	sys := ess.NewMock(types.ESSMockState{
		SiteName:             "Seed",
		BatteryPercent:       40,
		OperationMode:        types.OperationModeSelfConsumption,
		BackupReservePercent: 20,
	})
	c := controller.NewController(nil)
	history := telemetry.NewHistory()

	var count int
	for t := start; t.Before(now); t = t.Add(settings.PollInterval()) {
		// a crude solar curve: charge through the middle of the day and
		// drain at night
		pct := sys.State().BatteryPercent
		switch {
		case t.Hour() >= 9 && t.Hour() < 16:
			pct = min(pct+1.5, 100)
		default:
			pct = max(pct-0.4, 5)
		}
		sys.SetBatteryPercent(telemetry.Round2(pct))

		state, err := sys.GetState(ctx)
		if err != nil {
			return count, err
		}
		state.BatteryPercent = telemetry.Sanitize(ctx, state.BatteryPercent, history, 1)
		forecast, ok := history.Extrapolate(1)
		if !ok {
			forecast = state.BatteryPercent
		}

		ev := controller.Evaluate(ctx, settings.DecisionPoints, state.BatteryPercent, forecast, t, settings.PollInterval(), settings.FastRetry())
		if ev.Outcome != controller.OutcomeMatched {
			continue
		}
		action, err := c.Apply(ctx, sys, state, *ev.Rule, controller.ApplyOptions{TriggerPercent: ev.TriggerNow})
		if err != nil {
			return count, fmt.Errorf("apply at %s: %w", t.Format(time.Kitchen), err)
		}
		if action == nil {
			continue
		}
		action.Timestamp = t
		if err := s.InsertAction(ctx, *action); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
