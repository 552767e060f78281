package broadcast

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ledgerline/session-core/internal/infrastructure/mqtt"
)

// Handler receives a broadcast message together with its delivery source.
// Handlers run on the broadcaster's goroutines and should not block.
type Handler func(msg *Message, source Source)

// Broker is the slice of the MQTT client the broadcaster needs.
// A nil Broker disables the cross-app channel entirely.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Logger is the minimal logging interface the broadcaster needs.
// Compatible with logging.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config tunes the broadcaster.
type Config struct {
	ContextID      string
	AppID          string
	PeerApps       []string
	QoS            byte
	PollInterval   time.Duration
	NonceRetention time.Duration
}

// Broadcaster fans session events out to sibling contexts (marker rows in
// the shared profile database) and cooperating apps (MQTT), and fans
// inbound events from both channels into registered handlers, deduplicated
// by nonce.
type Broadcaster struct {
	cfg     Config
	markers *markerChannel
	broker  Broker
	peers   map[string]bool
	dedupe  *nonceCache
	logger  Logger

	mu       sync.Mutex
	handlers []Handler
	lastSeq  int64

	stop chan struct{}
	done chan struct{}
}

// New creates a Broadcaster over the shared database and optional broker.
func New(db *sql.DB, broker Broker, cfg Config, logger Logger) *Broadcaster {
	peers := make(map[string]bool, len(cfg.PeerApps))
	for _, app := range cfg.PeerApps {
		peers[app] = true
	}
	return &Broadcaster{
		cfg:     cfg,
		markers: &markerChannel{db: db},
		broker:  broker,
		peers:   peers,
		dedupe:  newNonceCache(cfg.NonceRetention, nil),
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Subscribe registers a handler for inbound messages. Must be called
// before Start; there is no unsubscribe.
func (b *Broadcaster) Subscribe(handler Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, handler)
	b.mu.Unlock()
}

// Start begins watching the marker table and, when a broker is configured,
// listening on this app's event topic. Historical markers are skipped; only
// events after this point are delivered.
func (b *Broadcaster) Start(ctx context.Context) error {
	seq, err := b.markers.latestSeq(ctx)
	if err != nil {
		return fmt.Errorf("initialising marker watcher: %w", err)
	}
	b.mu.Lock()
	b.lastSeq = seq
	b.mu.Unlock()

	if b.broker != nil {
		topic := mqtt.Topics{}.AppEvents(b.cfg.AppID)
		if err := b.broker.Subscribe(topic, b.cfg.QoS, b.handleBrokerMessage); err != nil {
			// The broker channel is advisory; the profile channel still works.
			b.logger.Warn("broker subscription failed, cross-app notifications disabled",
				"topic", topic, "error", err)
		}
	}

	go b.pollLoop()
	return nil
}

// Close stops the marker watcher. Safe to call once.
func (b *Broadcaster) Close() {
	close(b.stop)
	<-b.done
}

// Announce publishes a session event on every channel: a marker row for
// sibling contexts, then a best-effort broker publish per allow-listed
// peer app. Broker failures are logged and swallowed; the marker write is
// the one that must succeed.
func (b *Broadcaster) Announce(ctx context.Context, kind Kind, payload any) error {
	msg, err := NewMessage(kind, payload, b.cfg.ContextID, b.cfg.AppID)
	if err != nil {
		return err
	}

	if err := b.markers.insert(ctx, msg); err != nil {
		return fmt.Errorf("announcing %s: %w", kind, err)
	}

	if b.broker != nil {
		encoded, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encoding %s notification: %w", kind, err)
		}
		for _, peer := range b.cfg.PeerApps {
			topic := mqtt.Topics{}.AppEvents(peer)
			if err := b.broker.Publish(topic, encoded, b.cfg.QoS, false); err != nil {
				b.logger.Warn("peer notification failed", "peer", peer, "kind", kind, "error", err)
			}
		}
	}

	b.logger.Debug("announced session event", "kind", kind, "nonce", msg.Nonce)
	return nil
}

// pollLoop watches the marker table for rows written by sibling contexts.
func (b *Broadcaster) pollLoop() {
	defer close(b.done)

	interval := b.cfg.PollInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.pollOnce()
		}
	}
}

func (b *Broadcaster) pollOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b.mu.Lock()
	since := b.lastSeq
	b.mu.Unlock()

	msgs, last, err := b.markers.fetchSince(ctx, since)
	if err != nil {
		b.logger.Error("polling broadcast markers", "error", err)
		return
	}

	b.mu.Lock()
	if last > b.lastSeq {
		b.lastSeq = last
	}
	b.mu.Unlock()

	for _, msg := range msgs {
		b.dispatch(msg, SourceProfile)
	}
}

// handleBrokerMessage filters and dispatches a message from the broker.
func (b *Broadcaster) handleBrokerMessage(topic string, payload []byte) error {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Type != TypeDiscriminator {
		// Unrelated traffic on the topic is ignored silently.
		b.logger.Debug("ignoring non-session message", "topic", topic)
		return nil
	}
	if !b.peers[msg.OriginApp] {
		b.logger.Warn("dropping notification from unlisted app", "origin_app", msg.OriginApp)
		return nil
	}
	b.dispatch(&msg, SourceApp)
	return nil
}

// dispatch hands a message to subscribers once per nonce, skipping the
// broadcaster's own echoes.
func (b *Broadcaster) dispatch(msg *Message, source Source) {
	if msg.OriginContext == b.cfg.ContextID {
		return
	}
	if !b.dedupe.observe(msg.Nonce) {
		b.logger.Debug("duplicate notification suppressed", "nonce", msg.Nonce, "source", source.String())
		return
	}

	b.mu.Lock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	b.logger.Debug("delivering session event", "kind", msg.Kind, "source", source.String(), "origin_context", msg.OriginContext)
	for _, h := range handlers {
		h(msg, source)
	}
}
