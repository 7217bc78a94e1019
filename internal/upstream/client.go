// Package upstream implements gateway.IdentityProvider against the identity service HTTP API.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tyemirov/sessiongate/internal/gateway"
)

const (
	loginPath   = "/login"
	refreshPath = "/refresh"
	mePath      = "/me"
	revokePath  = "/revoke"

	maxResponseBytes = 1 << 20
	// DefaultTimeout bounds each upstream call when no timeout is configured.
	DefaultTimeout = 5 * time.Second
)

var (
	errEmptyBaseURL   = errors.New("upstream.empty_base_url")
	errInvalidBaseURL = errors.New("upstream.invalid_base_url")
)

// Client talks JSON to the identity service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// NewClient validates baseURL and returns a Client with the given per-call timeout.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errEmptyBaseURL
	}
	parsed, parseErr := url.Parse(trimmed)
	if parseErr != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("%w: %s", errInvalidBaseURL, trimmed)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    trimmed,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Login exchanges credentials for a token pair.
func (client *Client) Login(ctx context.Context, credentials gateway.Credentials) (gateway.TokenPair, error) {
	var response tokenResponse
	status, callErr := client.call(ctx, http.MethodPost, loginPath, "", loginRequest{Username: credentials.Username, Password: credentials.Password}, &response)
	if callErr != nil {
		return gateway.TokenPair{}, fmt.Errorf("upstream.login: %w", callErr)
	}
	if isAuthRejection(status) {
		return gateway.TokenPair{}, fmt.Errorf("upstream.login: %w", gateway.ErrInvalidCredentials)
	}
	if status != http.StatusOK {
		return gateway.TokenPair{}, fmt.Errorf("upstream.login.status_%d: %w", status, gateway.ErrUpstreamUnavailable)
	}
	if response.AccessToken == "" || response.RefreshToken == "" {
		return gateway.TokenPair{}, fmt.Errorf("upstream.login: %w", gateway.ErrMalformedResponse)
	}
	return gateway.TokenPair{AccessToken: response.AccessToken, RefreshToken: response.RefreshToken}, nil
}

// Refresh exchanges a refresh token. The returned RefreshToken is empty when the service did not rotate it.
func (client *Client) Refresh(ctx context.Context, refreshToken string) (gateway.TokenPair, error) {
	var response tokenResponse
	status, callErr := client.call(ctx, http.MethodPost, refreshPath, "", refreshRequest{RefreshToken: refreshToken}, &response)
	if callErr != nil {
		return gateway.TokenPair{}, fmt.Errorf("upstream.refresh: %w", callErr)
	}
	if isAuthRejection(status) {
		return gateway.TokenPair{}, fmt.Errorf("upstream.refresh: %w", gateway.ErrRefreshRejected)
	}
	if status != http.StatusOK {
		return gateway.TokenPair{}, fmt.Errorf("upstream.refresh.status_%d: %w", status, gateway.ErrUpstreamUnavailable)
	}
	if response.AccessToken == "" {
		return gateway.TokenPair{}, fmt.Errorf("upstream.refresh: %w", gateway.ErrMalformedResponse)
	}
	return gateway.TokenPair{AccessToken: response.AccessToken, RefreshToken: response.RefreshToken}, nil
}

// FetchIdentity resolves the identity behind an access token.
func (client *Client) FetchIdentity(ctx context.Context, accessToken string) (gateway.Identity, error) {
	if strings.TrimSpace(accessToken) == "" {
		return gateway.Identity{}, fmt.Errorf("upstream.me: %w", gateway.ErrUnauthenticated)
	}
	var identity gateway.Identity
	status, callErr := client.call(ctx, http.MethodGet, mePath, accessToken, nil, &identity)
	if callErr != nil {
		return gateway.Identity{}, fmt.Errorf("upstream.me: %w", callErr)
	}
	if isAuthRejection(status) {
		return gateway.Identity{}, fmt.Errorf("upstream.me: %w", gateway.ErrUnauthenticated)
	}
	if status != http.StatusOK {
		return gateway.Identity{}, fmt.Errorf("upstream.me.status_%d: %w", status, gateway.ErrUpstreamUnavailable)
	}
	if identity.UserID == "" {
		return gateway.Identity{}, fmt.Errorf("upstream.me: %w", gateway.ErrMalformedResponse)
	}
	return identity, nil
}

// Revoke asks the service to invalidate a refresh token.
func (client *Client) Revoke(ctx context.Context, refreshToken string) error {
	status, callErr := client.call(ctx, http.MethodPost, revokePath, "", refreshRequest{RefreshToken: refreshToken}, nil)
	if callErr != nil {
		return fmt.Errorf("upstream.revoke: %w", callErr)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("upstream.revoke.status_%d: %w", status, gateway.ErrUpstreamUnavailable)
	}
	return nil
}

// call returns the response status; decode target is filled only for 200 responses.
func (client *Client) call(ctx context.Context, method string, path string, bearer string, payload any, target any) (int, error) {
	var body io.Reader
	if payload != nil {
		encoded, encodeErr := json.Marshal(payload)
		if encodeErr != nil {
			return 0, fmt.Errorf("encode: %w", encodeErr)
		}
		body = bytes.NewReader(encoded)
	}
	request, requestErr := http.NewRequestWithContext(ctx, method, client.baseURL+path, body)
	if requestErr != nil {
		return 0, fmt.Errorf("%v: %w", requestErr, gateway.ErrUpstreamUnavailable)
	}
	request.Header.Set("Accept", "application/json")
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}

	response, doErr := client.httpClient.Do(request)
	if doErr != nil {
		return 0, fmt.Errorf("%v: %w", doErr, gateway.ErrUpstreamUnavailable)
	}
	defer func() { _ = response.Body.Close() }()

	limited := io.LimitReader(response.Body, maxResponseBytes)
	if response.StatusCode != http.StatusOK || target == nil {
		_, _ = io.Copy(io.Discard, limited)
		return response.StatusCode, nil
	}
	if decodeErr := json.NewDecoder(limited).Decode(target); decodeErr != nil {
		return response.StatusCode, fmt.Errorf("decode: %v: %w", decodeErr, gateway.ErrMalformedResponse)
	}
	return response.StatusCode, nil
}

func isAuthRejection(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}
