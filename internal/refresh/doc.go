// Package refresh owns the session renewal lifecycle.
//
// The scheduler is a small state machine (Idle → Scheduled → Refreshing →
// Scheduled or LoggedOut) that proactively renews the access token ahead of
// expiry and exposes a single-flight Renew operation: any number of
// concurrent callers observing an authorization failure collapse into one
// network refresh call and share its outcome.
//
// A terminal refresh failure (the service rejects the refresh token) runs
// the logout cascade: the pending timer is cancelled, the store is cleared,
// and the terminal callback fires so the owning agent can announce the
// logout to sibling contexts. The cascade runs on the flight's own context,
// so it completes even when every waiting caller has already gone away.
package refresh
