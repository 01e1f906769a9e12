package ess

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/raterudder/powerrudder/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func siteInfo() map[string]interface{} {
	return map[string]interface{}{
		"response": map[string]interface{}{
			"site_name":              "Home",
			"default_real_mode":      "self_consumption",
			"backup_reserve_percent": 35,
			"components": map[string]interface{}{
				"customer_preferred_export_rule":                 "battery_ok",
				"disallow_charge_from_grid_with_solar_installed": false,
			},
		},
	}
}

func TestTesla(t *testing.T) {
	t.Run("GetState Discovers Site", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			switch r.URL.Path {
			case "/api/1/products":
				json.NewEncoder(w).Encode(map[string]interface{}{
					"response": []map[string]interface{}{
						{"vin": "5YJ3", "display_name": "car"},
						{"energy_site_id": 123456789012, "resource_type": "battery", "site_name": "Home"},
					},
				})
			case "/api/1/energy_sites/123456789012/site_info":
				json.NewEncoder(w).Encode(siteInfo())
			case "/api/1/energy_sites/123456789012/live_status":
				json.NewEncoder(w).Encode(map[string]interface{}{
					"response": map[string]interface{}{"percentage_charged": 87.654},
				})
			default:
				http.Error(w, "not found: "+r.URL.Path, 404)
			}
		}))
		defer ts.Close()

		tc := &Tesla{
			client:      ts.Client(),
			baseURL:     ts.URL,
			accessToken: "tok",
		}

		state, err := tc.GetState(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "123456789012", tc.siteID)
		assert.Equal(t, "Home", state.SiteName)
		assert.Equal(t, types.OperationModeSelfConsumption, state.OperationMode)
		assert.Equal(t, 35.0, state.BackupReservePercent)
		assert.Equal(t, 87.654, state.BatteryPercent)
		assert.True(t, state.CanExport())
		assert.True(t, state.CanGridCharge())
		assert.NoError(t, state.Validate())
	})

	t.Run("No Powerwall", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{"response": []interface{}{}})
		}))
		defer ts.Close()

		tc := &Tesla{client: ts.Client(), baseURL: ts.URL, accessToken: "tok"}
		_, err := tc.GetState(context.Background())
		assert.ErrorContains(t, err, "no powerwall found")
	})

	t.Run("Commands", func(t *testing.T) {
		var gotMode string
		var gotReserve int
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "POST", r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			switch r.URL.Path {
			case "/api/1/energy_sites/42/operation":
				var body map[string]string
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				gotMode = body["default_real_mode"]
			case "/api/1/energy_sites/42/backup":
				var body map[string]int
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				gotReserve = body["backup_reserve_percent"]
			default:
				http.Error(w, "not found", 404)
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"response": map[string]interface{}{"code": 201, "message": "Updated"},
			})
		}))
		defer ts.Close()

		tc := &Tesla{client: ts.Client(), baseURL: ts.URL, accessToken: "tok", siteID: "42"}

		status, err := tc.SetOperation(context.Background(), types.OperationModeAutonomous)
		require.NoError(t, err)
		assert.Equal(t, "Updated", status)
		assert.Equal(t, "autonomous", gotMode)

		status, err = tc.SetBackupReservePercent(context.Background(), 20)
		require.NoError(t, err)
		assert.Equal(t, "Updated", status)
		assert.Equal(t, 20, gotReserve)
	})

	t.Run("Refreshes Expired Token", func(t *testing.T) {
		dir := t.TempDir()
		var refreshes int
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/oauth2/v3/token":
				refreshes++
				var body map[string]string
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "refresh_token", body["grant_type"])
				assert.Equal(t, "ownerapi", body["client_id"])
				assert.Equal(t, "refresh-1", body["refresh_token"])
				json.NewEncoder(w).Encode(map[string]interface{}{
					"access_token":  "fresh",
					"refresh_token": "refresh-2",
					"expires_in":    28800,
				})
			case "/api/1/energy_sites/42/site_info":
				if r.Header.Get("Authorization") != "Bearer fresh" {
					w.WriteHeader(http.StatusUnauthorized)
					return
				}
				json.NewEncoder(w).Encode(siteInfo())
			case "/api/1/energy_sites/42/live_status":
				json.NewEncoder(w).Encode(map[string]interface{}{
					"response": map[string]interface{}{"percentage_charged": 50},
				})
			default:
				http.Error(w, "not found", 404)
			}
		}))
		defer ts.Close()

		tc := &Tesla{
			client:       ts.Client(),
			baseURL:      ts.URL,
			authURL:      ts.URL + "/oauth2/v3/token",
			clientID:     "ownerapi",
			accessToken:  "stale",
			refreshToken: "refresh-1",
			siteID:       "42",
			tokenFile:    filepath.Join(dir, "tokens.json"),
		}

		state, err := tc.GetState(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 50.0, state.BatteryPercent)
		assert.Equal(t, 1, refreshes)
		assert.Equal(t, "fresh", tc.accessToken)
		assert.Equal(t, "refresh-2", tc.refreshToken)
		assert.WithinDuration(t, time.Now().Add(8*time.Hour), tc.tokenExpiry, time.Minute)

		// the rotated tokens are cached for the next start
		b, err := os.ReadFile(tc.tokenFile)
		require.NoError(t, err)
		var cached teslaTokens
		require.NoError(t, json.Unmarshal(b, &cached))
		assert.Equal(t, "refresh-2", cached.RefreshToken)

		restored := &Tesla{tokenFile: tc.tokenFile}
		require.NoError(t, restored.loadTokens())
		assert.Equal(t, "fresh", restored.accessToken)
		assert.Equal(t, "refresh-2", restored.refreshToken)
	})

	t.Run("Rejected Refresh Is Auth Expired", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/oauth2/v3/token" {
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]interface{}{"error": "login_required"})
				return
			}
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer ts.Close()

		tc := &Tesla{
			client:       ts.Client(),
			baseURL:      ts.URL,
			authURL:      ts.URL + "/oauth2/v3/token",
			accessToken:  "stale",
			refreshToken: "revoked",
			siteID:       "42",
		}
		_, err := tc.GetState(context.Background())
		assert.ErrorIs(t, err, ErrAuthExpired)
	})

	t.Run("Server Error Is Transient", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]interface{}{"error": "vehicle unavailable"})
		}))
		defer ts.Close()

		tc := &Tesla{client: ts.Client(), baseURL: ts.URL, accessToken: "tok", siteID: "42"}
		_, err := tc.GetState(context.Background())
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrAuthExpired)
		assert.ErrorContains(t, err, "vehicle unavailable")
	})

	t.Run("Validate", func(t *testing.T) {
		assert.Error(t, newTesla().Validate())
		tc := newTesla()
		tc.refreshToken = "r"
		assert.NoError(t, tc.Validate())
	})
}
