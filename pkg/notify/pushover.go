package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/raterudder/powerrudder/pkg/common"
	"github.com/raterudder/powerrudder/pkg/log"
)

// Pushover sends push notifications through the Pushover messages API.
type Pushover struct {
	client *http.Client
	apiURL string
	token  string
	user   string
	device string
}

// NewPushover returns a Pushover sink for the given application token and
// user/group key. device optionally restricts delivery to one device.
func NewPushover(apiURL, token, user, device string) *Pushover {
	return &Pushover{
		client: common.HTTPClient(10 * time.Second),
		apiURL: apiURL,
		token:  token,
		user:   user,
		device: device,
	}
}

// Name implements Sink.
func (p *Pushover) Name() string {
	return "pushover"
}

// Validate ensures the sink can send.
func (p *Pushover) Validate() error {
	if p.token == "" || p.user == "" {
		return fmt.Errorf("%w: pushover-token and pushover-user are required", ErrNotConfigured)
	}
	if _, err := url.Parse(p.apiURL); err != nil {
		return fmt.Errorf("failed to parse pushover url (%s): %w", p.apiURL, err)
	}
	return nil
}

type pushoverResponse struct {
	Status  int      `json:"status"`
	Request string   `json:"request"`
	Errors  []string `json:"errors"`
}

// Send implements Sink.
func (p *Pushover) Send(ctx context.Context, msg string) error {
	data := url.Values{}
	data.Set("token", p.token)
	data.Set("user", p.user)
	data.Set("message", msg)
	data.Set("title", "Powerwall")
	if p.device != "" {
		data.Set("device", p.device)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.apiURL, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("pushover request failed: %w", err)
	}
	defer resp.Body.Close()

	var pr pushoverResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return fmt.Errorf("failed to decode pushover response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || pr.Status != 1 {
		return fmt.Errorf("pushover error (status %d): %s", resp.StatusCode, strings.Join(pr.Errors, "; "))
	}
	log.Ctx(ctx).DebugContext(ctx, "pushover accepted message", slog.String("request", pr.Request))
	return nil
}
