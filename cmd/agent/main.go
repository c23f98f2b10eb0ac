// Package main is the entry point for the relay trade-execution agent.
// The agent runs next to the trader: it holds the broker session locally,
// keeps a command channel open to the cloud signal engine, and executes
// trade directives against the broker while the local kill switch and
// account registry retain final authority over every order.
//
// Startup sequence:
//  1. Load configuration from environment variables (.env supported)
//  2. Initialize logging
//  3. Open the local credential store and restore any saved identities
//  4. Build the broker session (live or simulated) and load active accounts
//  5. Wire the execution pipeline, orchestrator, and realtime feed
//  6. Activate or reconnect the cloud session and open the command channel
//  7. Start the telemetry and token-refresh schedules
//  8. Serve the local status API and wait for SIGINT/SIGTERM
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/relay/internal/broker"
	"github.com/aristath/relay/internal/cloud"
	"github.com/aristath/relay/internal/config"
	"github.com/aristath/relay/internal/credstore"
	"github.com/aristath/relay/internal/events"
	"github.com/aristath/relay/internal/orchestrator"
	"github.com/aristath/relay/internal/pipeline"
	"github.com/aristath/relay/internal/registry"
	"github.com/aristath/relay/internal/scheduler"
	"github.com/aristath/relay/internal/security"
	"github.com/aristath/relay/internal/server"
	"github.com/aristath/relay/pkg/logger"
)

func main() {
	// Load configuration first to get log level
	cfg, err := config.Load()
	if err != nil {
		// Use fallback logger if config fails
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: true,
	})
	logger.SetGlobalLogger(log)

	log.Info().
		Str("broker_mode", cfg.BrokerMode).
		Str("data_dir", cfg.DataDir).
		Msg("Starting relay agent")

	bus := events.NewBus(log)
	reg := registry.New(bus, log)

	// Credential store keeps broker credentials and cloud tokens across restarts
	store, err := credstore.New(filepath.Join(cfg.DataDir, "credentials.db"), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open credential store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close credential store")
		}
	}()

	fingerprint := security.DeviceFingerprint(log)

	cloudSession := cloud.NewSession(cfg.CloudBaseURL, cfg.CloudWSURL, fingerprint, cfg.CloudCertFingerprint, log)
	cloudSession.OnCredentialsRotated(func(creds cloud.Credentials) {
		if err := store.StoreCloudTokens(credstore.CloudTokens{
			BotID:             creds.BotID,
			AccessToken:       creds.AccessToken,
			RefreshToken:      creds.RefreshToken,
			DeviceFingerprint: creds.DeviceFingerprint,
		}); err != nil {
			log.Error().Err(err).Msg("Failed to persist cloud tokens")
		}
	})
	restoreCloudSession(cloudSession, store, log)

	brokerSession, err := buildBrokerSession(cfg, store, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build broker session")
	}

	executor := pipeline.NewExecutor(brokerSession, log)

	channel := cloudSession.Channel()
	orch := orchestrator.New(reg, executor, bus, channel, log)

	channel.SetDirectiveHandler(func(d cloud.Directive) {
		orch.HandleDirective(context.Background(), d)
	})
	channel.SetCommandHandler(orch.HandleCommand)
	channel.SetStateHandler(orch.OnCloudStateChange)

	// Authenticate with the broker and seed the registry before any
	// directive can arrive over the channel.
	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := brokerSession.Authenticate(startupCtx); err != nil {
		startupCancel()
		log.Fatal().Err(err).Msg("Broker authentication failed")
	}

	accounts, err := brokerSession.ListActiveAccounts(startupCtx)
	if err != nil {
		startupCancel()
		log.Fatal().Err(err).Msg("Failed to load broker accounts")
	}
	orch.LoadAccounts(accounts)
	log.Info().Int("accounts", len(accounts)).Msg("Broker accounts loaded")

	feed, err := startBrokerFeed(startupCtx, cfg, brokerSession, orch, log)
	startupCancel()
	if err != nil {
		// The feed keeps retrying on its own; startup continues degraded
		log.Error().Err(err).Msg("Realtime feed connect failed, retrying in background")
	}

	orch.SetActivated(cloudSession.Activated())

	// First-run activation: exchange the single-use token for bot credentials
	if !cloudSession.Activated() && cfg.ActivationToken != "" {
		activateCloudSession(cloudSession, cfg.ActivationToken, log)
		orch.SetActivated(cloudSession.Activated())
	}

	if cloudSession.Activated() {
		connectCtx, connectCancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := cloudSession.Connect(connectCtx); err != nil {
			log.Error().Err(err).Msg("Cloud channel connect failed")
		}
		connectCancel()
	} else {
		log.Warn().Msg("Cloud session not activated, running in standalone mode")
	}

	sched := scheduler.New(log)
	telemetryJob := scheduler.NewTelemetrySnapshotJob(reg, cloudSession, log)
	if err := sched.AddJob(scheduler.TelemetrySchedule, telemetryJob); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule telemetry job")
	}
	refreshJob := scheduler.NewTokenRefreshJob(cloudSession, log)
	if err := sched.AddJob(scheduler.RefreshSchedule, refreshJob); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule token refresh job")
	}
	if feed != nil {
		feedTokenJob := scheduler.NewFeedTokenJob(brokerSession, feed, log)
		if err := sched.AddJob(scheduler.FeedTokenSchedule, feedTokenJob); err != nil {
			log.Fatal().Err(err).Msg("Failed to schedule feed token job")
		}
	}
	sched.Start()

	// Push a first snapshot right away so the engine sees the agent as soon
	// as it is up
	if err := sched.RunNow(telemetryJob); err != nil {
		log.Warn().Err(err).Msg("Initial telemetry snapshot failed")
	}

	srv := server.New(server.Config{
		Port:         cfg.Port,
		Log:          log,
		Registry:     reg,
		Orchestrator: orch,
		CloudSession: cloudSession,
		Bus:          bus,
		DevMode:      cfg.DevMode,
	})

	// Start server in goroutine
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down agent...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	sched.Stop()

	if feed != nil {
		if err := feed.Stop(); err != nil {
			log.Error().Err(err).Msg("Feed shutdown failed")
		}
	}

	cloudSession.Shutdown()

	if err := brokerSession.Logout(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Broker logout failed")
	}

	log.Info().Msg("Shutdown complete")
}

// restoreCloudSession loads saved cloud tokens into the session, if any exist
func restoreCloudSession(session *cloud.Session, store *credstore.Store, log zerolog.Logger) {
	tokens, err := store.GetCloudTokens()
	if err != nil {
		log.Error().Err(err).Msg("Failed to read cloud tokens from credential store")
		return
	}
	if tokens == nil {
		return
	}

	session.Restore(cloud.Credentials{
		BotID:             tokens.BotID,
		AccessToken:       tokens.AccessToken,
		RefreshToken:      tokens.RefreshToken,
		DeviceFingerprint: tokens.DeviceFingerprint,
	})
	log.Info().Str("bot_id", tokens.BotID).Msg("Restored cloud session from credential store")
}

// activateCloudSession performs first-run activation. The rotation hook
// persists the resulting credentials. Activation failure is not fatal: the
// agent keeps running against the broker and the operator can retry with a
// fresh token.
func activateCloudSession(session *cloud.Session, token string, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	creds, err := session.Activate(ctx, token)
	if err != nil {
		log.Error().Err(err).Msg("Cloud activation failed")
		return
	}
	log.Info().Str("bot_id", creds.BotID).Msg("Cloud session activated")
}

// buildBrokerSession selects the session implementation from configuration.
// The mode is explicit: credentials never imply one or the other.
func buildBrokerSession(cfg *config.Config, store *credstore.Store, log zerolog.Logger) (broker.Session, error) {
	if cfg.BrokerMode == config.BrokerModeSimulated {
		return broker.NewSimulatedSession(log), nil
	}

	username, apiKey, err := resolveBrokerCredentials(cfg, store, log)
	if err != nil {
		return nil, err
	}
	return broker.NewRealSession(cfg.BrokerBaseURL, username, apiKey, log)
}

// resolveBrokerCredentials prefers the environment and falls back to the
// credential store. Environment-supplied credentials are written back so
// later runs work without them.
func resolveBrokerCredentials(cfg *config.Config, store *credstore.Store, log zerolog.Logger) (string, string, error) {
	if cfg.BrokerUsername != "" && cfg.BrokerAPIKey != "" {
		if err := store.StoreBrokerCredentials(credstore.BrokerCredentials{
			Username: cfg.BrokerUsername,
			APIKey:   cfg.BrokerAPIKey,
		}); err != nil {
			log.Error().Err(err).Msg("Failed to persist broker credentials")
		}
		return cfg.BrokerUsername, cfg.BrokerAPIKey, nil
	}

	saved, err := store.GetBrokerCredentials()
	if err != nil {
		return "", "", err
	}
	if saved == nil {
		return "", "", errors.New("no broker credentials: set BROKER_USERNAME and BROKER_API_KEY")
	}
	return saved.Username, saved.APIKey, nil
}

// startBrokerFeed opens the realtime account feed in live mode and wires
// its callbacks into the orchestrator. Simulated sessions have no feed, so
// the broker side is reported as connected immediately.
func startBrokerFeed(ctx context.Context, cfg *config.Config, session broker.Session, orch *orchestrator.Orchestrator, log zerolog.Logger) (*broker.Feed, error) {
	if cfg.BrokerMode == config.BrokerModeSimulated {
		orch.OnBrokerStateChange(broker.FeedConnected)
		return nil, nil
	}

	token, err := session.Token(ctx)
	if err != nil {
		return nil, err
	}

	feed := broker.NewFeed(cfg.BrokerWSURL, token, log)
	feed.OnFill(orch.OnFill)
	feed.OnAccountUpdate(orch.OnAccountUpdate)
	feed.OnPositionUpdate(orch.OnPositionUpdate)
	feed.OnOrderUpdate(orch.OnOrderUpdate)
	feed.OnStateChange(orch.OnBrokerStateChange)

	return feed, feed.Start()
}
