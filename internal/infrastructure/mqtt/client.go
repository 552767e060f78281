package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ledgerline/session-core/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultOpTimeout is the maximum time to wait for publish/subscribe acks.
	defaultOpTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the wait for pending operations on disconnect (ms).
	defaultDisconnectQuiesce = 1000

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second
)

// MessageHandler is the callback signature for received messages.
// Handlers run on paho's goroutines and should not block for long.
type MessageHandler func(topic string, payload []byte) error

// Logger is the minimal logging interface the client needs.
// Compatible with logging.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// subscription holds details for re-subscription after reconnect.
type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// Client is a connection to the deployment's notification broker.
//
// All methods are safe for concurrent use. Subscriptions are restored
// automatically when the connection drops and comes back.
type Client struct {
	client pahomqtt.Client
	cfg    config.BrokerConfig
	appID  string
	logger Logger

	mu            sync.RWMutex
	connected     bool
	subscriptions map[string]subscription
}

// Connect establishes a connection to the MQTT broker.
//
// The client publishes a retained online status to its app presence topic
// and configures a Last Will so peers observe an unexpected disconnect.
// Reconnection is automatic with exponential backoff; during an outage,
// Publish returns ErrNotConnected and callers treat delivery as skipped.
func Connect(cfg config.BrokerConfig, appID string, logger Logger) (*Client, error) {
	c := &Client{
		cfg:           cfg,
		appID:         appID,
		logger:        logger,
		subscriptions: make(map[string]subscription),
	}

	opts := c.buildOptions()
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The OnConnect callback runs asynchronously; mark connected here so
	// IsConnected is accurate immediately after Connect returns.
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	return c, nil
}

// buildOptions creates paho client options from broker config.
func (c *Client) buildOptions() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if c.cfg.TLS {
		scheme = "ssl"
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, c.cfg.Host, c.cfg.Port))

	opts.SetClientID(c.cfg.ClientID)
	if c.cfg.Auth.Username != "" {
		opts.SetUsername(c.cfg.Auth.Username)
		opts.SetPassword(c.cfg.Auth.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Duration(c.cfg.Reconnect.InitialDelay) * time.Second)
	opts.SetMaxReconnectInterval(time.Duration(c.cfg.Reconnect.MaxDelay) * time.Second)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	opts.SetWill(Topics{}.AppPresence(c.appID), presencePayload(c.appID, "offline", "unexpected_disconnect"), 1, true)

	return opts
}

// handleConnect runs on initial connect and every reconnect.
func (c *Client) handleConnect() {
	c.mu.Lock()
	c.connected = true
	subs := make([]subscription, 0, len(c.subscriptions))
	for _, s := range c.subscriptions {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		c.client.Subscribe(s.topic, s.qos, c.wrapHandler(s.handler))
	}

	c.client.Publish(Topics{}.AppPresence(c.appID), byte(c.cfg.QoS), true,
		presencePayload(c.appID, "online", ""))
}

func (c *Client) handleDisconnect(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Warn("broker connection lost", "error", err)
	}
}

// IsConnected returns the last known connection state.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// HealthCheck verifies the broker connection is alive.
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Close publishes a graceful offline status and disconnects.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	if c.IsConnected() {
		token := c.client.Publish(Topics{}.AppPresence(c.appID), byte(c.cfg.QoS), true,
			presencePayload(c.appID, "offline", "graceful_shutdown"))
		token.WaitTimeout(defaultOpTimeout)
	}

	c.client.Disconnect(defaultDisconnectQuiesce)

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	return nil
}

// wrapHandler adds panic recovery and error logging around a handler.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil && c.logger != nil {
				c.logger.Error("broker handler panic recovered",
					"topic", msg.Topic(),
					"panic", r,
				)
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil && c.logger != nil {
			c.logger.Warn("broker handler returned error",
				"topic", msg.Topic(),
				"error", err,
			)
		}
	}
}

// presencePayload builds the JSON presence document for an app's agent.
func presencePayload(appID, status, reason string) string {
	ts := time.Now().UTC().Format(time.RFC3339)
	if reason == "" {
		return fmt.Sprintf(`{"status":%q,"app_id":%q,"timestamp":%q}`, status, appID, ts)
	}
	return fmt.Sprintf(`{"status":%q,"app_id":%q,"reason":%q,"timestamp":%q}`, status, appID, reason, ts)
}
