package assemblyai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTokenURL     = "https://streaming.assemblyai.com/v3/token"
	defaultTokenTimeout = 30 * time.Second
	defaultTokenExpiry  = 60 * time.Second
	maxTokenExpiry      = 600 * time.Second
	maxErrorBody        = 4 << 10
)

var (
	// ErrBadCredential means the API key was rejected (HTTP 401 or 403).
	ErrBadCredential = errors.New("assemblyai: credential rejected")

	// ErrQuotaExceeded means the account is out of balance or rate limited
	// (HTTP 402 or 429).
	ErrQuotaExceeded = errors.New("assemblyai: quota exceeded or rate limited")

	// ErrServiceUnavailable means the token service failed on its side (5xx).
	ErrServiceUnavailable = errors.New("assemblyai: token service unavailable")

	// ErrNetwork means the token request never produced an HTTP response.
	ErrNetwork = errors.New("assemblyai: network failure")

	// ErrUnexpectedResponse covers any other status and malformed or empty
	// token payloads.
	ErrUnexpectedResponse = errors.New("assemblyai: unexpected token response")
)

// TokenError describes a failed token request. It unwraps to exactly one of
// the category sentinels above, plus the underlying cause when there is one.
type TokenError struct {
	// StatusCode is the HTTP status, or 0 when no response was received.
	StatusCode int

	// Detail is the service's error message or the transport error text.
	Detail string

	kind  error
	cause error
}

func (e *TokenError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%v: %s", e.kind, e.Detail)
	}
	return fmt.Sprintf("%v: HTTP %d: %s", e.kind, e.StatusCode, e.Detail)
}

// Unwrap returns the category sentinel and the underlying cause, if any.
func (e *TokenError) Unwrap() []error {
	if e.cause == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.cause}
}

// tokenResponse is the body of a successful token request.
type tokenResponse struct {
	Token            string `json:"token"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

// TokenFetcher exchanges the long-lived API key for a short-lived streaming
// token. The API key is only ever sent to the token endpoint, never over the
// streaming transport.
type TokenFetcher struct {
	APIKey string

	// URL of the token endpoint. Empty means the public AssemblyAI endpoint.
	URL string

	// Expiry requested for each token, clamped to 1s..600s. Zero means 60s.
	Expiry time.Duration

	// Timeout bounds the whole request. Zero means 30s.
	Timeout time.Duration

	// HTTPClient performs the request. Nil means http.DefaultClient.
	HTTPClient *http.Client
}

// expirySeconds returns the clamped expiry hint in whole seconds.
func (f *TokenFetcher) expirySeconds() int {
	d := f.Expiry
	if d <= 0 {
		d = defaultTokenExpiry
	}
	d = min(max(d, time.Second), maxTokenExpiry)
	return int(d / time.Second)
}

// Fetch requests a new token.
func (f *TokenFetcher) Fetch(ctx context.Context) (string, error) {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = defaultTokenTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := f.URL
	if endpoint == "" {
		endpoint = defaultTokenURL
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("assemblyai: parse token URL: %w", err)
	}
	q := u.Query()
	q.Set("expires_in_seconds", strconv.Itoa(f.expirySeconds()))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("assemblyai: build token request: %w", err)
	}
	req.Header.Set("Authorization", f.APIKey)

	client := f.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", &TokenError{Detail: err.Error(), kind: ErrNetwork, cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &TokenError{
			StatusCode: resp.StatusCode,
			Detail:     errorDetail(body, resp.Status),
			kind:       classifyStatus(resp.StatusCode),
		}
	}

	var tr tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&tr); err != nil {
		return "", &TokenError{StatusCode: resp.StatusCode, Detail: "decode body: " + err.Error(), kind: ErrUnexpectedResponse, cause: err}
	}
	if tr.Token == "" {
		return "", &TokenError{StatusCode: resp.StatusCode, Detail: "empty token", kind: ErrUnexpectedResponse}
	}
	return tr.Token, nil
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrBadCredential
	case code == http.StatusPaymentRequired || code == http.StatusTooManyRequests:
		return ErrQuotaExceeded
	case code >= 500:
		return ErrServiceUnavailable
	default:
		return ErrUnexpectedResponse
	}
}

// errorDetail extracts {"error": "..."} from body, falling back to the raw
// text and finally to the HTTP status line.
func errorDetail(body []byte, status string) string {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	if s := strings.TrimSpace(string(body)); s != "" {
		return s
	}
	return status
}
