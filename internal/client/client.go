// Package client is a small Twilio REST client covering the call and
// stream resources the signaling backend drives.
package client

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	pbx "github.com/agentplexus/omnivoice-pbx"
)

// DefaultBaseURL is the Twilio REST API base URL.
const DefaultBaseURL = "https://api.twilio.com/2010-04-01"

// maxErrorBody bounds how much of a failed response is kept.
const maxErrorBody = 64 << 10

// ErrMissingCredentials is returned by New when neither the config nor the
// environment supplies an account SID and auth token.
var ErrMissingCredentials = errors.New("twilio: account SID and auth token are required")

// Client calls the Twilio REST API for one account.
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

// Config configures the Twilio client.
type Config struct {
	AccountSID string
	AuthToken  string
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a client. Empty credentials fall back to TWILIO_ACCOUNT_SID
// and TWILIO_AUTH_TOKEN.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	c := &Client{
		accountSID: cmp.Or(cfg.AccountSID, os.Getenv("TWILIO_ACCOUNT_SID")),
		authToken:  cmp.Or(cfg.AuthToken, os.Getenv("TWILIO_AUTH_TOKEN")),
		baseURL:    cmp.Or(strings.TrimRight(cfg.BaseURL, "/"), DefaultBaseURL),
		httpClient: cfg.HTTPClient,
	}
	if c.accountSID == "" || c.authToken == "" {
		return nil, ErrMissingCredentials
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return c, nil
}

// AccountSID returns the account the client acts for.
func (c *Client) AccountSID() string {
	return c.accountSID
}

// Account is the subset of the account resource used for health checks.
type Account struct {
	SID          string `json:"sid"`
	FriendlyName string `json:"friendly_name"`
	Status       string `json:"status"`
}

// Call is the subset of the call resource the backend reads.
type Call struct {
	SID         string `json:"sid"`
	To          string `json:"to"`
	From        string `json:"from"`
	Status      string `json:"status"`
	Direction   string `json:"direction"`
	Duration    string `json:"duration"`
	DateCreated string `json:"date_created"`
}

// Stream is a Media Stream attached to a call.
type Stream struct {
	SID     string `json:"sid"`
	CallSID string `json:"call_sid"`
	Name    string `json:"name"`
	Status  string `json:"status"`
}

// MakeCallParams describe an outbound call. Exactly one of URL and Twiml
// should be set.
type MakeCallParams struct {
	To                  string
	From                string
	URL                 string
	Twiml               string
	StatusCallback      string
	StatusCallbackEvent []string
	Timeout             int
}

func (p *MakeCallParams) form() url.Values {
	v := url.Values{"To": {p.To}, "From": {p.From}}
	setIf(v, "Url", p.URL)
	setIf(v, "Twiml", p.Twiml)
	setIf(v, "StatusCallback", p.StatusCallback)
	if len(p.StatusCallbackEvent) > 0 {
		v["StatusCallbackEvent"] = slices.Clone(p.StatusCallbackEvent)
	}
	if p.Timeout > 0 {
		v.Set("Timeout", strconv.Itoa(p.Timeout))
	}
	return v
}

// StartStreamParams describe a unidirectional stream of a call's audio.
// Parameters arrive in the stream's start message.
type StartStreamParams struct {
	URL        string
	Name       string
	Track      string
	Parameters map[string]string
}

func (p *StartStreamParams) form() url.Values {
	v := url.Values{"Url": {p.URL}}
	setIf(v, "Name", p.Name)
	setIf(v, "Track", p.Track)
	for i, k := range slices.Sorted(maps.Keys(p.Parameters)) {
		n := strconv.Itoa(i + 1)
		v.Set("Parameter"+n+".Name", k)
		v.Set("Parameter"+n+".Value", p.Parameters[k])
	}
	return v
}

func setIf(v url.Values, key, value string) {
	if value != "" {
		v.Set(key, value)
	}
}

// GetAccount fetches the account the client authenticates as.
func (c *Client) GetAccount(ctx context.Context) (*Account, error) {
	return send[Account](ctx, c, http.MethodGet, c.resource(), nil)
}

// MakeCall places an outbound call.
func (c *Client) MakeCall(ctx context.Context, params *MakeCallParams) (*Call, error) {
	return send[Call](ctx, c, http.MethodPost, c.resource("Calls"), params.form())
}

// GetCall fetches a call by SID.
func (c *Client) GetCall(ctx context.Context, callSID string) (*Call, error) {
	return send[Call](ctx, c, http.MethodGet, c.resource("Calls", callSID), nil)
}

// HangupCall moves a call to completed.
func (c *Client) HangupCall(ctx context.Context, callSID string) (*Call, error) {
	form := url.Values{"Status": {"completed"}}
	return send[Call](ctx, c, http.MethodPost, c.resource("Calls", callSID), form)
}

// StartStream forks an in-progress call's audio to params.URL.
func (c *Client) StartStream(ctx context.Context, callSID string, params *StartStreamParams) (*Stream, error) {
	return send[Stream](ctx, c, http.MethodPost, c.resource("Calls", callSID, "Streams"), params.form())
}

// StopStream stops a stream identified by SID or name.
func (c *Client) StopStream(ctx context.Context, callSID, stream string) (*Stream, error) {
	form := url.Values{"Status": {"stopped"}}
	return send[Stream](ctx, c, http.MethodPost, c.resource("Calls", callSID, "Streams", stream), form)
}

func send[T any](ctx context.Context, c *Client, method, endpoint string, form url.Values) (*T, error) {
	var v T
	if err := c.request(ctx, method, endpoint, form, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// resource builds the JSON URL of an account sub-resource.
func (c *Client) resource(parts ...string) string {
	var b strings.Builder
	b.WriteString(c.baseURL)
	b.WriteString("/Accounts/")
	b.WriteString(url.PathEscape(c.accountSID))
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(p))
	}
	b.WriteString(".json")
	return b.String()
}

// Error is a Twilio API error response.
type Error struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("twilio error %d: %s", e.Code, e.Message)
}

// Unauthorized reports whether the credentials were rejected.
func (e *Error) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized || e.Code == 20003
}

// request sends an authenticated request, form-encoded when form is
// non-nil, and decodes a JSON response into out.
func (c *Client) request(ctx context.Context, method, endpoint string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", pbx.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &Error{}
	if json.Unmarshal(raw, apiErr) != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	if apiErr.Status == 0 {
		apiErr.Status = resp.StatusCode
	}
	return apiErr
}
