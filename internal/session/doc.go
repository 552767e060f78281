// Package session defines the session data model and its durable store.
//
// A session is all-or-nothing: it is either fully present (access token,
// expiry, user) or absent. The store enforces this at the persistence
// boundary: a malformed or partial record is purged and reported as
// absent rather than propagated. The persisted record lives in the shared
// per-profile database, so every sibling context reads the same session.
package session
