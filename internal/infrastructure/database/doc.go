// Package database manages the shared per-profile SQLite store.
//
// The database file is the one durable resource shared by every agent
// context on the same profile: it holds the persisted session record and
// the transient broadcast markers sibling contexts watch for. WAL mode is
// used so concurrent contexts can read while one writes.
package database
