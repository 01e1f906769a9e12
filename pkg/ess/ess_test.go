package ess

import (
	"log/slog"

	"github.com/raterudder/powerrudder/pkg/log"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}
