// Package permsync keeps the session's live permission allow-list aligned
// with the permission service.
//
// Administrators edit role permissions centrally; the synchronizer either
// fetches the current list for a role (Reconcile) or applies a list that a
// peer app already fetched and relayed (ApplyUpdate). Either way the list
// lands in the session record's override field inside a single store
// transaction, and the caller learns whether anything actually changed so
// redundant UI re-renders are suppressed.
//
// A failed fetch never degrades the session: the previous permission set
// stays in force and the failure is reported to the caller.
package permsync
