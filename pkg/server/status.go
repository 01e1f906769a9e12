package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/raterudder/powerrudder/pkg/log"
	"github.com/raterudder/powerrudder/pkg/types"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, s.status.Status())
}

type settingsResponse struct {
	types.Settings
	Version int `json:"version"`
}

// getSettingsWithMigration returns the settings as the loop sees them. The
// migrated settings are not saved back.
func (s *Server) getSettingsWithMigration(ctx context.Context) (settingsResponse, error) {
	settings, version, err := s.storage.GetSettings(ctx)
	if err != nil {
		return settingsResponse{}, err
	}
	if version < types.CurrentSettingsVersion {
		migrated, _, err := types.MigrateSettings(settings, version)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to migrate settings", slog.Int("currentVersion", version), slog.Any("error", err))
		} else {
			settings = migrated
			version = types.CurrentSettingsVersion
		}
	}
	return settingsResponse{Settings: settings, Version: version}, nil
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	settings, err := s.getSettingsWithMigration(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", slog.Any("error", err))
		writeJSONError(w, "failed to get settings", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, settings)
}
