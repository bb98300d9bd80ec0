// Package whatsapp sends outbound WhatsApp messages through the Twilio REST
// API and validates inbound webhook signatures.
package whatsapp

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.twilio.com"

// Config holds the Twilio account settings.
type Config struct {
	AccountSID string
	AuthToken  string
	FromNumber string        // E.164 sender number, without the whatsapp: prefix
	BaseURL    string        // defaults to the Twilio API
	Timeout    time.Duration // defaults to 30s
}

// Client posts messages to the Twilio messages endpoint. Safe for concurrent
// use.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

// NewClient creates a Twilio WhatsApp client.
func NewClient(cfg Config, log *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}
}

type sendResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Send delivers text to the recipient's WhatsApp number. The to number is an
// E.164 string; the whatsapp: channel prefix is added here.
func (c *Client) Send(ctx context.Context, to, text string) error {
	form := url.Values{}
	form.Set("From", "whatsapp:"+c.cfg.FromNumber)
	form.Set("To", "whatsapp:"+strings.TrimPrefix(to, "whatsapp:"))
	form.Set("Body", text)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.cfg.BaseURL, c.cfg.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("twilio send: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("twilio send: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("twilio send: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var parsed sendResponse
		_ = json.Unmarshal(data, &parsed)
		return fmt.Errorf("twilio send: status %d: %s", resp.StatusCode, parsed.Message)
	}

	var parsed sendResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("twilio send: decode response: %w", err)
	}
	c.log.Debug("whatsapp message sent", "sid", parsed.SID, "status", parsed.Status)
	return nil
}

// ValidateSignature checks the X-Twilio-Signature header for an inbound
// webhook: HMAC-SHA1 over the full request URL concatenated with the form
// parameters sorted by name, base64 encoded.
func ValidateSignature(authToken, requestURL string, params url.Values, signature string) bool {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(requestURL)
	for _, name := range names {
		for _, value := range params[name] {
			b.WriteString(name)
			b.WriteString(value)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
