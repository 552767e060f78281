// Package broadcast propagates session events between execution contexts.
//
// Two delivery channels exist. Sibling contexts on the same profile share
// the SQLite store, so a transient marker row works like a storage-change
// notification: the watcher polls for new markers and hands them to
// subscribers. Cooperating apps elsewhere in the deployment are reached
// over the MQTT broker, best-effort, restricted to an explicit peer-app
// allow-list.
//
// Consumers are idempotent by contract: each message carries a nonce and
// the broadcaster invokes subscribers at most once per nonce within the
// retention window, regardless of how many channels delivered it.
package broadcast
