package gatekeeper

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ledgerline/session-core/internal/authclient"
	"github.com/ledgerline/session-core/internal/session"
)

// ErrAuthorizationDenied is returned when a request still fails
// authorization after the single retry with a renewed credential.
var ErrAuthorizationDenied = errors.New("gatekeeper: authorization denied after refresh")

// Renewer is the slice of the refresh scheduler the gatekeeper needs.
type Renewer interface {
	Renew(ctx context.Context) (*session.Session, error)
}

// SessionReader is the read-only view of the session store.
type SessionReader interface {
	Read(ctx context.Context) (*session.Session, error)
}

// Logger is the minimal logging interface the transport needs.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// excludedPaths are never intercepted: attaching or renewing credentials
// on the auth endpoints themselves would recurse.
var excludedPaths = map[string]bool{
	authclient.PathLogin:   true,
	authclient.PathRefresh: true,
	authclient.PathLogout:  true,
}

// Transport is the gatekeeping http.RoundTripper.
//
// It reads the session store before each send and attaches the bearer
// credential when a non-expired access token exists; an absent or expired
// session goes out unauthenticated (the caller should expect rejection).
// It never writes the store.
type Transport struct {
	base    http.RoundTripper
	store   SessionReader
	renewer Renewer
	now     func() time.Time
	logger  Logger
}

// NewTransport creates a gatekeeping transport over base.
// A nil base uses http.DefaultTransport; a nil now uses time.Now.
func NewTransport(base http.RoundTripper, store SessionReader, renewer Renewer, now func() time.Time, logger Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if now == nil {
		now = time.Now
	}
	return &Transport{
		base:    base,
		store:   store,
		renewer: renewer,
		now:     now,
		logger:  logger,
	}
}

// Client returns an http.Client using this transport.
func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if excludedPaths[req.URL.Path] {
		return t.base.RoundTrip(req)
	}

	ctx := req.Context()

	token := t.currentToken(ctx)
	first := cloneWithAuth(req, token)

	resp, err := t.base.RoundTrip(first)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	// One coordinated renewal, then exactly one resubmission. A request
	// whose body cannot be replayed is surfaced as-is.
	if req.Body != nil && req.GetBody == nil {
		t.logger.Warn("cannot retry request after refresh: body is not replayable",
			"method", req.Method, "path", req.URL.Path)
		return resp, nil
	}

	renewed, renewErr := t.renewer.Renew(ctx)
	if renewErr != nil {
		t.logger.Debug("renewal failed, surfacing original authorization failure",
			"path", req.URL.Path, "error", renewErr)
		return resp, nil
	}

	drainAndClose(resp)

	retry, err := rewindRequest(req)
	if err != nil {
		return nil, err
	}
	retry = cloneWithAuth(retry, renewed.AccessToken)

	retryResp, err := t.base.RoundTrip(retry)
	if err != nil {
		return nil, err
	}
	if retryResp.StatusCode == http.StatusUnauthorized {
		drainAndClose(retryResp)
		return nil, ErrAuthorizationDenied
	}
	return retryResp, nil
}

// currentToken returns the bearer token to attach, or empty when no valid
// session exists.
func (t *Transport) currentToken(ctx context.Context) string {
	sess, err := t.store.Read(ctx)
	if err != nil {
		t.logger.Warn("reading session for request", "error", err)
		return ""
	}
	if sess == nil || sess.Expired(t.now()) {
		return ""
	}
	return sess.AccessToken
}

// cloneWithAuth returns a shallow clone of req with the Authorization
// header set (or removed when token is empty). The original request is
// never mutated; retries need its pristine state.
func cloneWithAuth(req *http.Request, token string) *http.Request {
	out := req.Clone(req.Context())
	if token == "" {
		out.Header.Del("Authorization")
	} else {
		out.Header.Set("Authorization", "Bearer "+token)
	}
	return out
}

// rewindRequest produces a fresh copy of req with a replayable body.
func rewindRequest(req *http.Request) (*http.Request, error) {
	out := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		out.Body = body
	}
	return out, nil
}

// drainAndClose discards a response body so the connection can be reused.
func drainAndClose(resp *http.Response) {
	if resp.Body != nil {
		resp.Body.Close() //nolint:errcheck // best effort
	}
}
