package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TwilioGateway places outbound calls through the Twilio REST calls API.
// No SDK; the two endpoints we use are stable form-encoded POSTs.
type TwilioGateway struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string

	// BaseURL overrides the Twilio API host (tests, regional endpoints).
	BaseURL string

	// RequestTimeout bounds one REST round trip. Callers additionally pass
	// a ctx deadline per dispatch; whichever is shorter wins.
	RequestTimeout time.Duration
}

const twilioDefaultBaseURL = "https://api.twilio.com"

func NewTwilioGateway(cfg TwilioConfig) (*TwilioGateway, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("telephony: twilio account sid and auth token are required")
	}
	base := cfg.BaseURL
	if base == "" {
		base = twilioDefaultBaseURL
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TwilioGateway{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		baseURL:    strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (g *TwilioGateway) Name() string { return "twilio" }

func (g *TwilioGateway) HealthCheck(ctx context.Context) error {
	// Fetching the account resource is the cheapest authenticated call.
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s.json", g.baseURL, g.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(g.accountSID, g.authToken)
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("telephony: twilio health check status %d", resp.StatusCode)
	}
	return nil
}

func (g *TwilioGateway) InitiateCall(ctx context.Context, req InitiateCallRequest) (InitiateCallResult, error) {
	if req.To == "" || req.From == "" {
		return InitiateCallResult{}, &ProviderError{Code: "invalid_number", Message: "to and from are required", Permanent: true}
	}
	twiml, err := RenderScriptTwiML(req.Script, req.Language)
	if err != nil {
		return InitiateCallResult{}, err
	}

	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", req.From)
	form.Set("Twiml", twiml)
	if req.CallbackURL != "" {
		form.Set("StatusCallback", req.CallbackURL)
		form.Set("StatusCallbackEvent", "initiated ringing answered completed")
		form.Set("StatusCallbackMethod", http.MethodPost)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", g.baseURL, g.accountSID)
	var out struct {
		Sid string `json:"sid"`
	}
	if err := g.postForm(ctx, endpoint, form, &out); err != nil {
		return InitiateCallResult{}, err
	}
	if out.Sid == "" {
		return InitiateCallResult{}, &ProviderError{Code: "provider_error", Message: "twilio returned no call sid"}
	}
	return InitiateCallResult{ProviderCallID: out.Sid}, nil
}

func (g *TwilioGateway) EndCall(ctx context.Context, req EndCallRequest) error {
	if req.ProviderCallID == "" {
		return &ProviderError{Code: "invalid_call", Message: "provider call id required", Permanent: true}
	}
	form := url.Values{}
	form.Set("Status", "completed")
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s.json", g.baseURL, g.accountSID, req.ProviderCallID)
	return g.postForm(ctx, endpoint, form, nil)
}

func (g *TwilioGateway) postForm(ctx context.Context, endpoint string, form url.Values, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	httpReq.SetBasicAuth(g.accountSID, g.authToken)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		// Network and timeout failures are transient by definition here;
		// IsTransient recognizes them without wrapping.
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return twilioError(resp.StatusCode, body)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("telephony: twilio response decode: %w", err)
		}
	}
	return nil
}

// twilioError maps a Twilio REST error payload to a classified
// ProviderError. 5xx is always transient; known 4xx codes map to permanent
// reason codes the retry policy recognizes.
func twilioError(status int, body []byte) error {
	var payload struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &payload)

	if status >= 500 {
		return &ProviderError{Code: "provider_error", Message: payload.Message}
	}

	code := "provider_rejected"
	switch payload.Code {
	case 21211, 21214, 21217: // malformed or unroutable To number
		code = "invalid_number"
	case 21610: // recipient has opted out
		code = "do_not_call"
	case 13224, 21215: // geo permissions / no route
		code = "no_route"
	case 20429: // too many requests
		return &ProviderError{Code: "provider_busy", Message: payload.Message}
	}
	msg := payload.Message
	if msg == "" {
		msg = fmt.Sprintf("http status %d", status)
	}
	return &ProviderError{Code: code, Message: msg, Permanent: true}
}
