// Package agent composes the session subsystems into the facade the host
// application drives.
//
// The agent owns the signed-in lifecycle: login and logout against the
// auth service, session persistence, proactive renewal scheduling, the
// gatekept HTTP client for API calls, permission reconciliation, and the
// propagation of every session event to sibling contexts and peer apps.
// Host code registers change listeners and re-renders from the change
// payload; it never touches the store or the scheduler directly.
package agent
