package session

import (
	"errors"
	"time"
)

// User is the signed-in identity attached to a session.
type User struct {
	ID    string   `json:"id"`
	Email string   `json:"email"`
	Roles []string `json:"roles"`

	// Permissions is the statically assigned, role-scoped permission list
	// (e.g. "sales:read"), in server order.
	Permissions []string `json:"permissions"`

	// RolePermissionsOverride, when present, is the live
	// administrator-controlled page allow-list fetched from the permission
	// service. It takes precedence over Permissions for UI gating. Only the
	// permission synchronizer writes it.
	RolePermissionsOverride []string `json:"role_permissions_override,omitempty"`
}

// HasRole reports whether the user holds the given role.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// EffectivePermissions returns the permission list the UI should gate on:
// the override when one is present, the static assignment otherwise.
func (u *User) EffectivePermissions() []string {
	if u.RolePermissionsOverride != nil {
		return u.RolePermissionsOverride
	}
	return u.Permissions
}

// Session is the authenticated state for one signed-in user.
// The access token is an opaque bearer credential; expiry is tracked
// out-of-band via ExpiresAt rather than decoded from the token.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         User      `json:"user"`
}

// Expired reports whether the access token has expired at the given instant.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Validate checks the all-or-nothing invariant: every required field of a
// present session must be set. The refresh token is optional (some
// deployments issue access-only sessions).
func (s *Session) Validate() error {
	if s.AccessToken == "" {
		return errors.New("session missing access token")
	}
	if s.ExpiresAt.IsZero() {
		return errors.New("session missing expiry")
	}
	if s.User.ID == "" {
		return errors.New("session missing user id")
	}
	return nil
}

// Clone returns a deep copy of the session. Callers that mutate a session
// read from the store must work on a copy so shared slices are not aliased.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.User.Roles = append([]string(nil), s.User.Roles...)
	out.User.Permissions = append([]string(nil), s.User.Permissions...)
	if s.User.RolePermissionsOverride != nil {
		out.User.RolePermissionsOverride = append([]string(nil), s.User.RolePermissionsOverride...)
	}
	return &out
}
