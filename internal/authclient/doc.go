// Package authclient is the HTTP client for the upstream authentication
// service: login, token refresh, logout, and role permission lookups.
//
// It classifies failures into the taxonomy the rest of the system acts on:
// transport problems are ErrNetwork (retryable), a rejected refresh token
// is ErrRefreshTokenInvalid (terminal, forces the logout cascade), and a
// rejected login is ErrInvalidCredentials (surfaced to the caller).
package authclient
