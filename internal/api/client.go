// Package api is the HTTP client for the Crosswind Cloud management API. It
// covers only the authentication surface: device-login issuance and polling,
// the relay authorization exchange, and machine-token delivery to a relay.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Default request timeout for management API calls.
const defaultTimeout = 10 * time.Second

// UserInfo identifies the authenticated human user.
type UserInfo struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// StartLoginResponse is returned by the device-code issuance endpoint.
type StartLoginResponse struct {
	DeviceToken      string  `json:"device_token"`
	VerificationURL  string  `json:"verification_url"`
	Interval         float64 `json:"interval,omitempty"`
	ExpiresInSeconds float64 `json:"expires_in_seconds"`
}

// CheckLoginResponse is returned by the login poll endpoint.
type CheckLoginResponse struct {
	Status    string    `json:"status"`
	Token     string    `json:"token,omitempty"`
	ExpiresIn *int64    `json:"expires_in,omitempty"`
	User      *UserInfo `json:"user,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Login poll statuses.
const (
	StatusAuthenticated = "authenticated"
	StatusPending       = "pending"
	StatusSlowDown      = "slow_down"
	StatusDenied        = "denied"
	StatusExpired       = "expired"
	StatusInvalid       = "invalid"
)

// RelayInfo describes the relay record held by Crosswind Cloud.
type RelayInfo struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Code         string    `json:"code"`
	AuthorizedBy *UserInfo `json:"authorized_by,omitempty"`
}

// AuthorizeRelayRequest asks the exchange endpoint to mint a machine token
// for the referenced relay.
type AuthorizeRelayRequest struct {
	RelayID  string            `json:"relay_id"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// AuthorizeRelayResponse carries the minted machine-scoped token.
type AuthorizeRelayResponse struct {
	MachineToken string    `json:"machine_token"`
	ExpiresAt    string    `json:"expires_at"`
	ExpiresIn    float64   `json:"expires_in"`
	Abilities    []string  `json:"abilities,omitempty"`
	Relay        RelayInfo `json:"relay"`
}

// TokenDelivery is the payload handed to a relay instance after a successful
// authorization exchange.
type TokenDelivery struct {
	MachineToken string   `json:"machine_token"`
	ExpiresAt    string   `json:"expires_at"`
	RelayID      string   `json:"relay_id"`
	RelayCode    string   `json:"relay_code"`
	Abilities    []string `json:"abilities,omitempty"`
}

// APIError is a non-2xx response from the management API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API returned HTTP %d: %s", e.StatusCode, e.Message)
}

// apiErrorBody is the JSON error shape used across the management API.
type apiErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// Client calls the Crosswind Cloud management API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client for the given API base URL.
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// JWKSEndpoint returns the URL of the published signing-key document.
func (c *Client) JWKSEndpoint() string {
	return c.baseURL + "/api/.well-known/jwks.json"
}

// StartLogin requests a new device authorization.
func (c *Client) StartLogin(ctx context.Context) (*StartLoginResponse, error) {
	var out StartLoginResponse
	if err := c.do(ctx, http.MethodPost, "/api/cli/start-login", "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckLogin polls the state of a pending device authorization.
func (c *Client) CheckLogin(ctx context.Context, deviceToken string) (*CheckLoginResponse, error) {
	var out CheckLoginResponse
	path := "/api/cli/check-login/" + url.PathEscape(deviceToken)
	if err := c.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AuthorizeRelay exchanges the user token for a machine-scoped relay token.
func (c *Client) AuthorizeRelay(ctx context.Context, userToken string, req *AuthorizeRelayRequest) (*AuthorizeRelayResponse, error) {
	var out AuthorizeRelayResponse
	if err := c.do(ctx, http.MethodPost, "/api/cli/authorize-relay", userToken, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeliverToken hands a freshly minted machine token to the relay instance at
// relayURL (scheme://host:port/prefix).
func (c *Client) DeliverToken(ctx context.Context, relayURL string, delivery *TokenDelivery) error {
	body, err := json.Marshal(delivery)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(relayURL, "/")+"/token", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var parsed apiErrorBody
	if err := json.Unmarshal(data, &parsed); err == nil && parsed.Message != "" {
		apiErr.Message = parsed.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}
