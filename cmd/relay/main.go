package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/config"
	"chatsync/internal/constants"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/presence"
	"chatsync/internal/relay"
	"chatsync/internal/retry"
	"chatsync/internal/store"
	"chatsync/internal/tracing"
	"chatsync/pkg/circuitbreaker"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	verbose    = flag.Bool("verbose", false, "Enable debug logging")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("chatsync relay %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Relay error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting chatsync relay")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.ValidateRelay(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	applyLogLevel(logger, cfg.LogLevel)

	tracingManager := tracing.NewTracingManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	// The database may sit on a volume that is still being mounted.
	var st *store.Store
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: constants.DefaultRetryBackoffMs * time.Millisecond,
		MaxDelay:     constants.DefaultMaxBackoffMs * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})
	err = backoff.Retry(ctx, func() error {
		var openErr error
		st, openErr = store.Open(ctx, cfg.Database.Path)
		if openErr != nil {
			logger.Warnf("Failed to open relay database: %v", openErr)
		}
		return openErr
	})
	if err != nil {
		return fmt.Errorf("failed to open database after retries: %w", err)
	}
	defer st.Close()

	reg, err := newPresence(ctx, cfg.Presence, logger)
	if err != nil {
		return err
	}

	authSvc, err := auth.NewService(auth.Options{
		Secret: []byte(cfg.Auth.JWTSecret),
		Alg:    cfg.Auth.Algorithm,
		TTL:    time.Duration(cfg.Auth.TokenTTLH) * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to create auth service: %w", err)
	}

	hub := relay.New(authSvc, st, st, reg, relay.Options{
		HandshakeTimeout: time.Duration(cfg.Relay.HandshakeTimeoutMs) * time.Millisecond,
		TypingExpiry:     time.Duration(cfg.Relay.TypingExpiryMs) * time.Millisecond,
		PingInterval:     time.Duration(cfg.Relay.PingIntervalMs) * time.Millisecond,
		PongTimeout:      time.Duration(cfg.Relay.PongTimeoutMs) * time.Millisecond,
		SendBuffer:       cfg.Relay.SendBufferSize,
		MaxContentBytes:  cfg.Relay.MaxContentBytes,
		Breaker: circuitbreaker.Options{
			MaxFailures:  uint32(cfg.Relay.BreakerMaxFailures), // #nosec G115 - validated positive by defaults
			ResetTimeout: time.Duration(cfg.Relay.BreakerResetTimeout) * time.Millisecond,
		},
		Logger:  logger,
		Metrics: metrics.GetRegistry(),
	})
	hub.Handle(models.KindProfileUpdate, relay.PayloadHandler(st.ApplyProfileUpdate))
	hub.Handle(models.KindMembershipAction, relay.MembershipHandler(st.ApplyMembershipAction))
	hub.Start(ctx)

	watcher := config.NewConfigWatcher(*configPath, 0, logger)
	watcher.OnConfigChange(func(c *models.Config) {
		if !*verbose {
			applyLogLevel(logger, c.LogLevel)
		}
	})
	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.WithError(err).Warn("Configuration watcher stopped")
		}
	}()

	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	server := NewServer(cfg.Server, Deps{
		Hub:     hub,
		Store:   st,
		Auth:    authSvc,
		Metrics: metrics.GetRegistry(),
		Logger:  logger,
	})
	serverErrCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultGracefulShutdownSec*time.Second)
	defer cancel()

	// The HTTP server does not track upgraded connections; the hub closes
	// them with going-away so clients reconnect to another relay.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server did not shut down cleanly")
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown relay gracefully: %w", err)
	}

	logger.Info("Relay shutdown completed")
	return nil
}

func newPresence(ctx context.Context, cfg models.PresenceConfig, logger *logrus.Logger) (presence.Registry, error) {
	if cfg.Backend != "redis" {
		logger.Info("Using in-memory presence registry")
		return presence.NewMemoryRegistry(), nil
	}
	client, err := presence.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	nodeID := os.Getenv("HOSTNAME")
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	logger.WithFields(logrus.Fields{"addr": cfg.RedisAddr, "node": nodeID}).Info("Using redis presence registry")
	return presence.NewRedisRegistry(client, cfg.KeyPrefix, nodeID), nil
}

func applyLogLevel(logger *logrus.Logger, level string) {
	if level == "" {
		logger.SetLevel(logrus.InfoLevel)
		return
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", level)
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
}
