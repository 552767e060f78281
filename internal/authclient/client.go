package authclient

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

	"github.com/ledgerline/session-core/internal/session"
)

// Auth service paths. The gatekeeper excludes these from interception so
// auth traffic never recursively triggers token attachment or renewal.
const (
	PathLogin   = "/auth/login"
	PathRefresh = "/auth/refresh"
	PathLogout  = "/auth/logout"
)

// maxErrorBodySize caps how much of an error response body is read.
const maxErrorBodySize = 4 << 10

// Client talks to the authentication service.
//
// Every request is bounded by the configured timeout; a timeout is
// classified as ErrNetwork like any other transport failure.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates an auth service client.
//
// The client deliberately uses its own plain http.Client: auth calls must
// not pass through the gatekeeper transport.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// LoginResult is the service response to a successful login.
type LoginResult struct {
	AccessToken      string       `json:"access_token"`
	RefreshToken     string       `json:"refresh_token"`
	ExpiresInSeconds int          `json:"expires_in"`
	User             session.User `json:"user"`
}

// RefreshResult is the service response to a successful token refresh.
// RefreshToken is empty when the server did not rotate it.
type RefreshResult struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	ExpiresInSeconds int    `json:"expires_in"`
}

// serviceError is the error body the auth service returns.
type serviceError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Login authenticates with email and password.
//
// A 401 response is ErrInvalidCredentials; transport failures are
// ErrNetwork. Other statuses are reported with the service's error body.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	body := map[string]string{"email": email, "password": password}

	resp, err := c.post(ctx, PathLogin, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	switch {
	case resp.StatusCode == http.StatusOK:
		var result LoginResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("%w: decoding login response: %w", ErrNetwork, err)
		}
		return &result, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, readServiceError(resp.Body))
	default:
		return nil, fmt.Errorf("login failed with status %d: %s", resp.StatusCode, readServiceError(resp.Body))
	}
}

// Refresh exchanges a refresh token for a new access token.
//
// A 401 or 403 response means the refresh token is expired or revoked:
// ErrRefreshTokenInvalid, which is terminal. Transport failures are
// ErrNetwork and may be retried by the caller.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	body := map[string]string{"refresh_token": refreshToken}

	resp, err := c.post(ctx, PathRefresh, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	switch {
	case resp.StatusCode == http.StatusOK:
		var result RefreshResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("%w: decoding refresh response: %w", ErrNetwork, err)
		}
		return &result, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s", ErrRefreshTokenInvalid, readServiceError(resp.Body))
	case resp.StatusCode >= 500:
		// Server-side trouble is transient from the client's point of view.
		return nil, fmt.Errorf("%w: refresh failed with status %d", ErrNetwork, resp.StatusCode)
	default:
		return nil, fmt.Errorf("refresh failed with status %d: %s", resp.StatusCode, readServiceError(resp.Body))
	}
}

// Logout notifies the service that the refresh token should be revoked.
//
// Best-effort: local session teardown proceeds regardless of the outcome,
// so callers typically log the returned error and move on.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	body := map[string]string{"refresh_token": refreshToken}

	resp, err := c.post(ctx, PathLogout, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("logout failed with status %d", resp.StatusCode)
	}
	return nil
}

// RolePermissions fetches the authoritative page allow-list for a role.
//
// The returned order is the server's. An empty list is a valid,
// restrictive result, distinct from a failed fetch.
func (c *Client) RolePermissions(ctx context.Context, role string) ([]string, error) {
	endpoint := c.baseURL + "/roles/" + url.PathEscape(role) + "/permissions"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %w", ErrPermissionFetch, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPermissionFetch, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrPermissionFetch, resp.StatusCode)
	}

	var pages []string
	if err := json.NewDecoder(resp.Body).Decode(&pages); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %w", ErrPermissionFetch, err)
	}
	if pages == nil {
		pages = []string{}
	}
	return pages, nil
}

// post issues a JSON POST to the given auth service path.
func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	return resp, nil
}

// readServiceError extracts a printable message from an error response body.
func readServiceError(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBodySize))
	if err != nil || len(data) == 0 {
		return "no error detail"
	}

	var svcErr serviceError
	if json.Unmarshal(data, &svcErr) == nil && svcErr.Message != "" {
		if svcErr.Kind != "" {
			return svcErr.Kind + ": " + svcErr.Message
		}
		return svcErr.Message
	}
	return string(data)
}
