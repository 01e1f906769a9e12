package telemetry

import (
	"context"
	"log/slog"

	"github.com/raterudder/powerrudder/pkg/log"
)

// Sanitize cleans a raw battery percentage and records it into h.
//
// Once the history is full, a reading of 0 (the device's failure sentinel) or
// one that exactly repeats a sample in the window (a stuck sensor) is replaced
// with the extrapolated value, clamped to [0, 100]. ratio is the time since
// the last good sample divided by the nominal poll interval.
//
// The raw value goes into the history whenever it is positive so a patched
// value never feeds later extrapolation. A zero or negative reading that was
// patched records the patch; one that couldn't be patched isn't recorded.
func Sanitize(ctx context.Context, raw float64, h *History, ratio float64) float64 {
	raw = Round2(raw)
	pct := raw

	if h.Full() && (raw <= 0 || h.Contains(raw)) {
		if extrapolated, ok := h.Extrapolate(ratio); ok {
			pct = Round2(max(min(extrapolated, 100), 0))
			log.Ctx(ctx).WarnContext(
				ctx,
				"bad battery data patched",
				slog.Float64("raw", raw),
				slog.Float64("patched", pct),
				slog.Any("history", h.Percentages()),
				slog.Float64("ratio", ratio),
			)
		}
	}

	switch {
	case raw > 0:
		h.Add(raw)
	case pct > 0:
		h.Add(pct)
	}
	return pct
}
