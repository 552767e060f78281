// Ledgerline session agent.
//
// sessiond is the session sidecar for one Ledgerline dashboard context. It
// owns login/logout against the auth service, persists the session in the
// shared profile store, keeps the access token fresh ahead of expiry, and
// relays session and permission changes to sibling contexts and
// cooperating apps.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/ledgerline/session-core/internal/agent"
	"github.com/ledgerline/session-core/internal/authclient"
	"github.com/ledgerline/session-core/internal/broadcast"
	"github.com/ledgerline/session-core/internal/gatekeeper"
	"github.com/ledgerline/session-core/internal/infrastructure/config"
	"github.com/ledgerline/session-core/internal/infrastructure/database"
	"github.com/ledgerline/session-core/internal/infrastructure/logging"
	"github.com/ledgerline/session-core/internal/infrastructure/mqtt"
	"github.com/ledgerline/session-core/internal/permsync"
	"github.com/ledgerline/session-core/internal/refresh"
	"github.com/ledgerline/session-core/internal/session"
)

// Version information, set at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// defaultConfigPath is used when LEDGERLINE_CONFIG is not set.
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
func run(ctx context.Context) error {
	// Use the default logger until config is loaded.
	log := logging.Default()
	log.Info("starting Ledgerline session agent",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)

	contextID := cfg.Agent.ContextID
	if contextID == "" {
		contextID = uuid.NewString()
	}
	log.Info("context identity assigned", "context_id", contextID, "app_id", cfg.Agent.AppID)

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Storage.Path,
		WALMode:     cfg.Storage.WALMode,
		BusyTimeout: cfg.Storage.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening profile store: %w", err)
	}
	defer func() {
		log.Info("closing profile store")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing profile store", "error", closeErr)
		}
	}()
	log.Info("profile store opened", "path", cfg.Storage.Path)

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating profile store: %w", err)
	}

	store := session.NewStore(db.DB, log)
	authClient := authclient.New(cfg.AuthService.BaseURL, cfg.AuthService.RequestTimeout())

	scheduler := refresh.NewScheduler(store, authClient, refresh.NewClock(), refresh.Config{
		SafetyMargin: cfg.Session.SafetyMarginDuration(),
		MinDelay:     cfg.Session.MinRefreshDelayDuration(),
	}, log)

	// The broker channel is optional; sibling contexts on this profile are
	// reached through the store either way.
	var broker broadcast.Broker
	var mqttClient *mqtt.Client
	if cfg.Broker.Enabled {
		mqttClient, err = mqtt.Connect(cfg.Broker, cfg.Agent.AppID, log)
		if err != nil {
			return fmt.Errorf("connecting to broker: %w", err)
		}
		defer func() {
			log.Info("disconnecting from broker")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing broker connection", "error", closeErr)
			}
		}()
		broker = mqttClient
		log.Info("broker connected",
			"broker", fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port),
			"peer_apps", cfg.Broker.PeerApps,
		)
	} else {
		log.Info("broker disabled, cross-app notifications off")
	}

	broadcaster := broadcast.New(db.DB, broker, broadcast.Config{
		ContextID:      contextID,
		AppID:          cfg.Agent.AppID,
		PeerApps:       cfg.Broker.PeerApps,
		QoS:            byte(cfg.Broker.QoS),
		PollInterval:   cfg.Session.MarkerPollIntervalDuration(),
		NonceRetention: cfg.Session.NonceRetentionDuration(),
	}, log)

	transport := gatekeeper.NewTransport(nil, store, scheduler, nil, log)

	sessionAgent := agent.New(
		agent.Config{ContextID: contextID, AppID: cfg.Agent.AppID},
		agent.Deps{
			Store:        store,
			Auth:         authClient,
			Scheduler:    scheduler,
			Broadcaster:  broadcaster,
			Synchronizer: permsync.New(store, authClient, log),
			HTTPClient:   transport.Client(),
			Logger:       log,
		},
	)
	sessionAgent.OnChange(func(change agent.Change) {
		log.Info("session changed",
			"kind", string(change.Kind),
			"signed_in", change.Session != nil,
			"permissions", len(change.Permissions),
		)
	})

	if err := sessionAgent.Start(ctx); err != nil {
		return fmt.Errorf("starting session agent: %w", err)
	}
	defer sessionAgent.Close()

	if err := healthCheck(ctx, db, mqttClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	log.Info("Ledgerline session agent stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses the LEDGERLINE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("LEDGERLINE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies infrastructure connections are healthy.
// The broker client may be nil when the broker is disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("profile store: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("broker: %w", err)
		}
	}
	return nil
}
