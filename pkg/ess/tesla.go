package ess

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/powerrudder/pkg/common"
	"github.com/raterudder/powerrudder/pkg/log"
	"github.com/raterudder/powerrudder/pkg/types"
)

// Tesla implements the System interface for a Powerwall through the Tesla
// owner API. The first battery energy site on the account is used unless a
// site ID is configured.
type Tesla struct {
	client       *http.Client
	baseURL      string
	authURL      string
	clientID     string
	tokenFile    string
	mu           sync.Mutex
	accessToken  string
	refreshToken string
	tokenExpiry  time.Time
	siteID       string
	siteName     string
}

func newTesla() *Tesla {
	return &Tesla{
		client:   common.HTTPClient(time.Minute),
		baseURL:  "https://owner-api.teslamotors.com",
		authURL:  "https://auth.tesla.com/oauth2/v3/token",
		clientID: "ownerapi",
	}
}

// configuredTesla sets up flags for the Tesla owner API and returns the instance.
func configuredTesla() *Tesla {
	t := newTesla()

	apiURL := lflag.String("tesla-api-url", t.baseURL, "Base URL for the Tesla owner API")
	authURL := lflag.String("tesla-auth-url", t.authURL, "URL used to refresh Tesla access tokens")
	clientID := lflag.String("tesla-client-id", t.clientID, "OAuth client ID used when refreshing tokens")
	accessToken := lflag.String("tesla-access-token", "", "Tesla access token (optional if a refresh token is set)")
	refreshToken := lflag.String("tesla-refresh-token", "", "Tesla refresh token")
	tokenFile := lflag.String("tesla-token-file", "", "File refreshed tokens are cached in and read from on startup (optional)")
	siteID := lflag.String("tesla-energy-site-id", "", "Energy site ID to control (defaults to the first battery site)")
	apiInterval := lflag.Duration("tesla-api-interval", 2*time.Second, "Minimum interval between Tesla API requests, 0 disables the limit")

	lflag.Do(func() {
		t.client = common.RateLimitedHTTPClient(time.Minute, *apiInterval, 5)
		t.baseURL = *apiURL
		t.authURL = *authURL
		t.clientID = *clientID
		t.accessToken = *accessToken
		t.refreshToken = *refreshToken
		t.tokenFile = *tokenFile
		t.siteID = *siteID
		if t.tokenFile != "" {
			if err := t.loadTokens(); err != nil && !errors.Is(err, os.ErrNotExist) {
				panic(fmt.Sprintf("failed to read tesla token file: %v", err))
			}
		}
	})

	return t
}

// Validate ensures the configuration is valid.
func (t *Tesla) Validate() error {
	if t.accessToken == "" && t.refreshToken == "" {
		return errors.New("tesla-access-token or tesla-refresh-token is required")
	}
	if _, err := url.Parse(t.baseURL); err != nil {
		return fmt.Errorf("failed to parse tesla api url (%s): %w", t.baseURL, err)
	}
	if _, err := url.Parse(t.authURL); err != nil {
		return fmt.Errorf("failed to parse tesla auth url (%s): %w", t.authURL, err)
	}
	return nil
}

type teslaTokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
}

func (t *Tesla) loadTokens() error {
	b, err := os.ReadFile(t.tokenFile)
	if err != nil {
		return err
	}
	var tok teslaTokens
	if err := json.Unmarshal(b, &tok); err != nil {
		return fmt.Errorf("failed to decode %s: %w", t.tokenFile, err)
	}
	if tok.RefreshToken != "" {
		t.refreshToken = tok.RefreshToken
	}
	if tok.AccessToken != "" && tok.Expiry.After(time.Now()) {
		t.accessToken = tok.AccessToken
		t.tokenExpiry = tok.Expiry
	}
	return nil
}

func (t *Tesla) saveTokens(ctx context.Context) {
	if t.tokenFile == "" {
		return
	}
	b, err := json.Marshal(teslaTokens{
		AccessToken:  t.accessToken,
		RefreshToken: t.refreshToken,
		Expiry:       t.tokenExpiry,
	})
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to encode tesla tokens", slog.Any("error", err))
		return
	}
	if err := os.WriteFile(t.tokenFile, b, 0o600); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to write tesla token file", slog.String("file", t.tokenFile), slog.Any("error", err))
	}
}

type refreshResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Error        string `json:"error"`
}

// refresh exchanges the refresh token for a new access token. A rejected
// refresh token is ErrAuthExpired.
func (t *Tesla) refresh(ctx context.Context) error {
	if t.refreshToken == "" {
		return fmt.Errorf("%w: no refresh token", ErrAuthExpired)
	}

	body, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     t.clientID,
		"refresh_token": t.refreshToken,
		"scope":         "openid email offline_access",
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", t.authURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("token refresh failed: %w", err)
	}
	defer resp.Body.Close()

	var res refreshResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return fmt.Errorf("failed to decode token refresh response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: refresh rejected (status %d): %s", ErrAuthExpired, resp.StatusCode, res.Error)
	}
	if resp.StatusCode != http.StatusOK || res.AccessToken == "" {
		return fmt.Errorf("token refresh failed (status %d): %s", resp.StatusCode, res.Error)
	}

	t.accessToken = res.AccessToken
	if res.RefreshToken != "" {
		t.refreshToken = res.RefreshToken
	}
	t.tokenExpiry = time.Time{}
	if res.ExpiresIn > 0 {
		t.tokenExpiry = time.Now().Add(time.Duration(res.ExpiresIn) * time.Second)
	}
	log.Ctx(ctx).InfoContext(ctx, "refreshed tesla access token", slog.Time("expiry", t.tokenExpiry))
	t.saveTokens(ctx)
	return nil
}

// ensureToken will not refresh if the access token we have is still valid
func (t *Tesla) ensureToken(ctx context.Context) error {
	if t.accessToken != "" && (t.tokenExpiry.IsZero() || time.Now().Add(time.Minute).Before(t.tokenExpiry)) {
		return nil
	}
	return t.refresh(ctx)
}

type teslaResponse struct {
	Response json.RawMessage `json:"response"`
	Error    string          `json:"error"`
}

// do sends a request to the owner API and decodes the "response" envelope
// into dest. An unauthorized response refreshes the token and retries once.
func (t *Tesla) do(ctx context.Context, method, endpoint string, payload, dest interface{}) error {
	if err := t.ensureToken(ctx); err != nil {
		return err
	}

	u, err := url.Parse(t.baseURL)
	if err != nil {
		return err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return err
	}

	var body []byte
	if payload != nil {
		if body, err = json.Marshal(payload); err != nil {
			return err
		}
	}

	// we try up to 2 times because we might have an expired token
	for i := 0; i < 2; i++ {
		var r io.Reader
		if body != nil {
			r = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Authorization", "Bearer "+t.accessToken)

		resp, err := t.client.Do(req)
		if err != nil {
			return err
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return err
		}

		if resp.StatusCode == http.StatusUnauthorized && i == 0 {
			log.Ctx(ctx).DebugContext(ctx, "tesla token expired", slog.String("endpoint", endpoint))
			if err := t.refresh(ctx); err != nil {
				return err
			}
			continue
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %s unauthorized after refresh", ErrAuthExpired, endpoint)
		}

		var tr teslaResponse
		if err := json.Unmarshal(respBody, &tr); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to decode tesla response", slog.Any("error", err), slog.String("body", string(respBody)))
			return fmt.Errorf("failed to decode tesla response (status %d): %w", resp.StatusCode, err)
		}
		if resp.StatusCode != http.StatusOK {
			log.Ctx(ctx).ErrorContext(ctx, "tesla api error", slog.Int("status", resp.StatusCode), slog.String("error", tr.Error))
			return fmt.Errorf("tesla api error (status %d): %s", resp.StatusCode, tr.Error)
		}

		if dest != nil {
			if err := json.Unmarshal(tr.Response, dest); err != nil {
				return fmt.Errorf("failed to decode tesla result: %w", err)
			}
		}
		return nil
	}
	return nil
}

type productResult struct {
	EnergySiteID json.Number `json:"energy_site_id"`
	ResourceType string      `json:"resource_type"`
	SiteName     string      `json:"site_name"`
}

// ensureSite picks the first battery energy site if none was configured.
func (t *Tesla) ensureSite(ctx context.Context) error {
	if t.siteID != "" {
		return nil
	}
	var products []productResult
	if err := t.do(ctx, "GET", "api/1/products", nil, &products); err != nil {
		return fmt.Errorf("failed to list products: %w", err)
	}
	for _, p := range products {
		if p.ResourceType == "battery" && p.EnergySiteID != "" {
			t.siteID = p.EnergySiteID.String()
			t.siteName = p.SiteName
			log.Ctx(ctx).InfoContext(ctx, "automatically selected energy site", slog.String("siteID", t.siteID), slog.String("siteName", t.siteName))
			return nil
		}
	}
	return errors.New("no powerwall found on account")
}

func (t *Tesla) sitePath(endpoint string) string {
	return "api/1/energy_sites/" + url.PathEscape(t.siteID) + "/" + endpoint
}

type siteInfoResult struct {
	SiteName             string  `json:"site_name"`
	DefaultRealMode      string  `json:"default_real_mode"`
	BackupReservePercent float64 `json:"backup_reserve_percent"`
	Components           struct {
		CustomerPreferredExportRule              string `json:"customer_preferred_export_rule"`
		DisallowChargeFromGridWithSolarInstalled bool   `json:"disallow_charge_from_grid_with_solar_installed"`
	} `json:"components"`
}

type liveStatusResult struct {
	PercentageCharged float64 `json:"percentage_charged"`
}

// GetState returns the status of the Powerwall.
func (t *Tesla) GetState(ctx context.Context) (types.PowerwallState, error) {
	log.Ctx(ctx).DebugContext(ctx, "getting powerwall state")
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureSite(ctx); err != nil {
		return types.PowerwallState{}, err
	}

	var info siteInfoResult
	if err := t.do(ctx, "GET", t.sitePath("site_info"), nil, &info); err != nil {
		return types.PowerwallState{}, fmt.Errorf("site_info failed: %w", err)
	}

	var live liveStatusResult
	if err := t.do(ctx, "GET", t.sitePath("live_status"), nil, &live); err != nil {
		return types.PowerwallState{}, fmt.Errorf("live_status failed: %w", err)
	}

	if info.SiteName != "" {
		t.siteName = info.SiteName
	}

	exportRule := info.Components.CustomerPreferredExportRule
	if exportRule == "" {
		exportRule = "Not Found"
	}

	return types.PowerwallState{
		Timestamp:            time.Now(),
		SiteName:             t.siteName,
		OperationMode:        types.OperationMode(info.DefaultRealMode),
		BackupReservePercent: info.BackupReservePercent,
		BatteryPercent:       live.PercentageCharged,
		ExportRule:           exportRule,
		DisallowGridCharge:   info.Components.DisallowChargeFromGridWithSolarInstalled,
	}, nil
}

type commandResult struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (t *Tesla) command(ctx context.Context, endpoint string, payload interface{}) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureSite(ctx); err != nil {
		return "", err
	}
	var res commandResult
	if err := t.do(ctx, "POST", t.sitePath(endpoint), payload, &res); err != nil {
		return "", fmt.Errorf("%s failed: %w", endpoint, err)
	}
	if res.Message == "" {
		return strconv.Itoa(res.Code), nil
	}
	return res.Message, nil
}

// SetOperation sets the default real mode of the site.
func (t *Tesla) SetOperation(ctx context.Context, mode types.OperationMode) (string, error) {
	return t.command(ctx, "operation", map[string]string{"default_real_mode": string(mode)})
}

// SetBackupReservePercent sets the backup reserve of the site.
func (t *Tesla) SetBackupReservePercent(ctx context.Context, pct int) (string, error) {
	return t.command(ctx, "backup", map[string]int{"backup_reserve_percent": pct})
}
