package authclient

import "errors"

// Failure taxonomy for auth operations.
// Use errors.Is() to classify; wrapped errors carry detail.
var (
	// ErrInvalidCredentials means login was rejected. No session side effects.
	ErrInvalidCredentials = errors.New("authclient: invalid credentials")

	// ErrNetwork means a call failed to reach the service or timed out.
	// Transient: refresh operations retry once, everything else surfaces it.
	ErrNetwork = errors.New("authclient: network failure")

	// ErrRefreshTokenInvalid means the service rejected the refresh token
	// (expired or revoked). Terminal: forces the full logout cascade.
	ErrRefreshTokenInvalid = errors.New("authclient: refresh token invalid")

	// ErrPermissionFetch means a role permission lookup failed. The caller
	// retains the previously known permission set.
	ErrPermissionFetch = errors.New("authclient: permission fetch failed")
)
