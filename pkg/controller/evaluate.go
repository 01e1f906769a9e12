package controller

import (
	"context"
	"log/slog"
	"time"

	"github.com/raterudder/powerrudder/pkg/log"
	"github.com/raterudder/powerrudder/pkg/telemetry"
	"github.com/raterudder/powerrudder/pkg/types"
)

// Outcome is the result of walking the rule table.
type Outcome int

const (
	// OutcomeNoMatch means no rule in the table fired.
	OutcomeNoMatch Outcome = iota
	// OutcomeMatched means Rule fired on the current reading.
	OutcomeMatched
	// OutcomeImminent means Rule is expected to fire by the next poll.
	OutcomeImminent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMatched:
		return "matched"
	case OutcomeImminent:
		return "imminent"
	default:
		return "no_match"
	}
}

// Evaluation is the output of Evaluate.
type Evaluation struct {
	// Rule is nil when Outcome is OutcomeNoMatch.
	Rule        *types.DecisionPoint
	Index       int
	Outcome     Outcome
	TriggerNow  float64
	TriggerNext float64
	// Sleep is how long to wait before the next poll.
	Sleep time.Duration
}

// HHMM encodes the wall clock time as hour*100+minute.
func HHMM(t time.Time) int {
	return t.Hour()*100 + t.Minute()
}

// HoursToEnd returns the fractional hours from now until the end of the
// rule's window. An end past 2400 keeps counting past midnight.
func HoursToEnd(dp types.DecisionPoint, now time.Time) float64 {
	return float64(dp.TimeEnd/100-now.Hour()) +
		float64(dp.TimeEnd%100-now.Minute())/60 -
		float64(now.Second())/3600
}

// Triggers returns the rule's threshold now and the threshold expected after
// sleeping for sleep.
func Triggers(dp types.DecisionPoint, now time.Time, sleep time.Duration) (float64, float64) {
	triggerNow := telemetry.Round2(dp.PctThresh - dp.PctGradientPerHr*HoursToEnd(dp, now))
	triggerNext := telemetry.Round2(triggerNow + dp.PctGradientPerHr*sleep.Seconds()/3600)
	return triggerNow, triggerNext
}

// condition is strict, a reading equal to the trigger never fires.
func condition(pct, trigger float64, iffHigher bool) bool {
	if iffHigher {
		return pct > trigger
	}
	return pct < trigger
}

// Evaluate walks rules in order and returns the first rule whose window
// contains now and whose threshold is crossed by pct. If instead the forecast
// crosses the threshold expected at the next poll the scan stops and the next
// sleep is shortened to fastRetry.
func Evaluate(
	ctx context.Context,
	rules []types.DecisionPoint,
	pct float64,
	forecast float64,
	now time.Time,
	poll time.Duration,
	fastRetry time.Duration,
) Evaluation {
	hhmm := HHMM(now)
	for i := range rules {
		dp := &rules[i]
		if !dp.InWindow(hhmm) {
			continue
		}
		triggerNow, triggerNext := Triggers(*dp, now, poll)
		logger := log.Ctx(ctx).With(
			slog.Int("rule", i),
			slog.String("reason", dp.Reason),
			slog.Float64("pct", pct),
			slog.Float64("forecast", forecast),
			slog.Float64("triggerNow", triggerNow),
			slog.Float64("triggerNext", triggerNext),
			slog.Bool("iffHigher", dp.IffHigher),
		)

		if condition(pct, triggerNow, dp.IffHigher) {
			logger.InfoContext(ctx, "rule matched")
			return Evaluation{
				Rule:        dp,
				Index:       i,
				Outcome:     OutcomeMatched,
				TriggerNow:  triggerNow,
				TriggerNext: triggerNext,
				Sleep:       poll,
			}
		}
		if condition(forecast, triggerNext, dp.IffHigher) {
			sleep := min(poll, fastRetry)
			logger.InfoContext(ctx, "rule expected to match by next poll, retrying sooner", slog.Duration("sleep", sleep))
			return Evaluation{
				Rule:        dp,
				Index:       i,
				Outcome:     OutcomeImminent,
				TriggerNow:  triggerNow,
				TriggerNext: triggerNext,
				Sleep:       sleep,
			}
		}
		logger.DebugContext(ctx, "rule in window but not triggered")
	}

	log.Ctx(ctx).WarnContext(ctx, "no rule matched", slog.Int("hhmm", hhmm), slog.Float64("pct", pct), slog.Int("rules", len(rules)))
	return Evaluation{
		Index:   -1,
		Outcome: OutcomeNoMatch,
		Sleep:   poll,
	}
}
