// Package mqtt wraps the paho MQTT client for cross-app session notifications.
//
// The broker is the advisory channel between cooperating Ledgerline apps:
// delivery is best-effort, and the agent stays fully functional when the
// broker is unreachable. The wrapper adds connection state tracking,
// automatic re-subscription after reconnect, presence via Last Will and
// Testament, and panic recovery around message handlers.
package mqtt
