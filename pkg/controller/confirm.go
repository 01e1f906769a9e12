package controller

import (
	"context"
	"log/slog"

	"github.com/raterudder/powerrudder/pkg/log"
)

// Confirmer debounces decisions: a rule has to match on required consecutive
// polls before it is applied. A decision is identified by its mode and reason
// so reordering the table during a reload doesn't reset a streak.
type Confirmer struct {
	key   string
	count int
}

// Confirm records ev and reports whether it may be applied.
func (c *Confirmer) Confirm(ctx context.Context, ev Evaluation, required int) bool {
	var key string
	if ev.Outcome == OutcomeMatched && ev.Rule != nil {
		key = string(ev.Rule.OpMode) + "|" + ev.Rule.Reason
	}
	if key != c.key {
		if c.count > 0 && c.count < required {
			log.Ctx(ctx).InfoContext(ctx, "spurious decision averted", slog.String("previous", c.key), slog.Int("count", c.count))
		}
		c.key = key
		c.count = 0
	}
	if key == "" {
		return false
	}
	c.count++
	if c.count < required {
		log.Ctx(ctx).InfoContext(
			ctx,
			"decision pending confirmation",
			slog.String("reason", ev.Rule.Reason),
			slog.Int("count", c.count),
			slog.Int("required", required),
		)
		return false
	}
	return true
}

// Reset clears the current streak.
func (c *Confirmer) Reset() {
	c.key = ""
	c.count = 0
}

// Count returns the length of the current streak.
func (c *Confirmer) Count() int {
	return c.count
}
