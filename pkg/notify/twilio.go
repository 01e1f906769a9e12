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

// Twilio sends SMS through the Twilio Messages API.
type Twilio struct {
	client     *http.Client
	apiURL     string
	accountSID string
	authToken  string
	from       string
	to         string
}

// NewTwilio returns an SMS sink sending from one number to another.
func NewTwilio(apiURL, accountSID, authToken, from, to string) *Twilio {
	return &Twilio{
		client:     common.HTTPClient(10 * time.Second),
		apiURL:     apiURL,
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		to:         to,
	}
}

// Name implements Sink.
func (t *Twilio) Name() string {
	return "twilio"
}

// Validate ensures the sink can send.
func (t *Twilio) Validate() error {
	if t.accountSID == "" || t.authToken == "" || t.from == "" || t.to == "" {
		return fmt.Errorf("%w: twilio-account-sid, twilio-auth-token, twilio-from and twilio-to are required", ErrNotConfigured)
	}
	if _, err := url.Parse(t.apiURL); err != nil {
		return fmt.Errorf("failed to parse twilio url (%s): %w", t.apiURL, err)
	}
	return nil
}

type twilioResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Send implements Sink.
func (t *Twilio) Send(ctx context.Context, msg string) error {
	u, err := url.Parse(t.apiURL)
	if err != nil {
		return err
	}
	u.Path, err = url.JoinPath(u.Path, "2010-04-01", "Accounts", t.accountSID, "Messages.json")
	if err != nil {
		return err
	}

	data := url.Values{}
	data.Set("To", t.to)
	data.Set("From", t.from)
	data.Set("Body", msg)

	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.accountSID, t.authToken)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("twilio request failed: %w", err)
	}
	defer resp.Body.Close()

	var tr twilioResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return fmt.Errorf("failed to decode twilio response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("twilio error %d (status %d): %s", tr.Code, resp.StatusCode, tr.Message)
	}
	log.Ctx(ctx).DebugContext(ctx, "twilio accepted message", slog.String("sid", tr.SID), slog.String("status", tr.Status))
	return nil
}
