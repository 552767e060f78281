package mqtt

import "fmt"

// topicPrefix is the base for all Ledgerline session topics.
const topicPrefix = "ledgerline/session"

// Topics provides builders for Ledgerline session MQTT topics.
// Using these helpers keeps topic naming consistent across apps.
type Topics struct{}

// AppEvents returns the topic an application listens on for session
// notifications addressed to it.
//
// Example: ledgerline/session/crm/events
func (Topics) AppEvents(appID string) string {
	return fmt.Sprintf("%s/%s/events", topicPrefix, appID)
}

// AppPresence returns the presence topic for an application's agent.
// Online/offline status is published here, retained, including via LWT.
//
// Example: ledgerline/session/crm/presence
func (Topics) AppPresence(appID string) string {
	return fmt.Sprintf("%s/%s/presence", topicPrefix, appID)
}

// AllPresence returns a pattern matching presence for every app.
//
// Pattern: ledgerline/session/+/presence
func (Topics) AllPresence() string {
	return fmt.Sprintf("%s/+/presence", topicPrefix)
}
