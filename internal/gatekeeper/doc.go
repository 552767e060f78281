// Package gatekeeper intercepts outbound API calls for the dashboard.
//
// It is an http.RoundTripper that attaches the session's bearer credential
// to every request, and on an authorization failure awaits the shared
// renewal flight and resubmits the original request exactly once with the
// fresh credential. A second authorization failure surfaces as
// ErrAuthorizationDenied; there is no further retry. Auth service calls
// (login, refresh, logout) pass through untouched so renewal can never
// recurse.
//
// The gatekeeper never writes the session store; renewal side effects
// belong exclusively to the refresh scheduler.
package gatekeeper
