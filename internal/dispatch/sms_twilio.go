package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const twilioBaseURL = "https://api.twilio.com"

// TwilioSMSProvider sends text messages through the Twilio Messages API.
type TwilioSMSProvider struct {
	accountSID string
	authToken  string
	fromNumber string
	baseURL    string
	httpClient *http.Client
}

// NewTwilioSMSProvider creates a Twilio-backed SMS provider.
func NewTwilioSMSProvider(accountSID, authToken, fromNumber string) *TwilioSMSProvider {
	return &TwilioSMSProvider{
		accountSID: accountSID,
		authToken:  authToken,
		fromNumber: fromNumber,
		baseURL:    twilioBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// SetBaseURL overrides the API endpoint (tests).
func (t *TwilioSMSProvider) SetBaseURL(u string) { t.baseURL = u }

type twilioMessageResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Send delivers one SMS. Twilio error codes are mapped onto the failure
// taxonomy so the orchestrator can tell retryable failures from permanent
// ones.
func (t *TwilioSMSProvider) Send(ctx context.Context, to, body string) (string, error) {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", t.fromNumber)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.baseURL, t.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &ProviderError{Provider: "twilio", Kind: FailureNetwork, Err: err}
	}
	req.SetBasicAuth(t.accountSID, t.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		kind := FailureNetwork
		if errors.Is(err, context.DeadlineExceeded) {
			kind = FailureTimeout
		}
		return "", &ProviderError{Provider: "twilio", Kind: kind, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &ProviderError{Provider: "twilio", Kind: FailureNetwork, Err: err}
	}

	var msg twilioMessageResponse
	if err := json.Unmarshal(payload, &msg); err != nil {
		return "", &ProviderError{Provider: "twilio", Kind: FailureNetwork,
			Err: fmt.Errorf("unexpected response (%d): %w", resp.StatusCode, err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return msg.SID, nil
	}

	apiErr := fmt.Errorf("twilio %d (code %d): %s", resp.StatusCode, msg.Code, msg.Message)
	return "", &ProviderError{Provider: "twilio", Kind: classifyTwilioError(resp.StatusCode, msg.Code), Err: apiErr}
}

// classifyTwilioError maps HTTP status and Twilio error codes onto the
// failure taxonomy. 21211 is "invalid To number", 21610 is "recipient has
// opted out".
func classifyTwilioError(status, code int) FailureKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return FailureAuth
	case status == http.StatusTooManyRequests:
		return FailureRateLimit
	case code == 21211 || code == 21610 || code == 21614:
		return FailureInvalidRecipient
	case status >= 500:
		return FailureNetwork
	default:
		return FailureInvalidRecipient
	}
}
