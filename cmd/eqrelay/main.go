package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/MikeSquared-Agency/eqrelay/internal/api"
	"github.com/MikeSquared-Agency/eqrelay/internal/callevent"
	"github.com/MikeSquared-Agency/eqrelay/internal/config"
	"github.com/MikeSquared-Agency/eqrelay/internal/correlator"
	"github.com/MikeSquared-Agency/eqrelay/internal/gateway"
	"github.com/MikeSquared-Agency/eqrelay/internal/hermes"
	"github.com/MikeSquared-Agency/eqrelay/internal/secrets"
	"github.com/MikeSquared-Agency/eqrelay/internal/signature"
	"github.com/MikeSquared-Agency/eqrelay/internal/store"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("eqrelay starting",
		"port", cfg.Port,
		"strategy", cfg.Strategy,
		"store", cfg.Store,
		"ttl", cfg.TTL,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Store
	policy, err := store.ParseDuplicatePolicy(cfg.DuplicatePolicy)
	if err != nil {
		slog.Error("invalid duplicate policy", "error", err)
		os.Exit(1)
	}
	st, err := openStore(ctx, cfg, store.Options{TTL: cfg.TTL, Duplicate: policy})
	if err != nil {
		slog.Error("failed to open store", "backend", cfg.Store, "error", err)
		os.Exit(1)
	}
	defer st.Close()
	slog.Info("store ready", "backend", cfg.Store)

	go store.NewSweeper(st, cfg.SweepInterval, slog.Default()).Run(ctx)

	// Signing secret
	secret, err := loadSigningSecret(ctx, cfg)
	if err != nil {
		slog.Error("failed to load webhook secret", "error", err)
		os.Exit(1)
	}
	if secret == "" && !cfg.InsecureSkipSignature {
		slog.Warn("no webhook secret configured, all deliveries will be rejected")
	}
	if cfg.InsecureSkipSignature {
		slog.Warn("signature verification disabled")
	}
	verifier := signature.NewVerifier(secret, cfg.SignatureTolerance)

	// Correlator
	strategy, err := correlator.New(cfg.Strategy, st, correlator.Options{RecencyWindow: cfg.RecencyWindow}, slog.Default())
	if err != nil {
		slog.Error("failed to build correlator", "error", err)
		os.Exit(1)
	}
	if strategy.Name() == correlator.Recency {
		slog.Warn("recency correlation assumes a single call in flight", "window", cfg.RecencyWindow)
	}

	// NATS/Hermes (optional)
	var hermesClient *hermes.Client
	if cfg.NatsURL != "" {
		hermesClient, err = hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, slog.Default())
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer hermesClient.Close()
		slog.Info("NATS connected", "url", cfg.NatsURL)
	} else {
		slog.Info("NATS not configured, events will not be published")
	}

	// Gateway
	var pub gateway.Publisher
	if hermesClient != nil {
		pub = hermesClient
	}
	svc := gateway.New(st, strategy, pub, gateway.Config{
		Decode: callevent.Options{
			ResultField:     cfg.ResultField,
			SessionVariable: cfg.SessionVariable,
		},
		RegisterOnPoll: cfg.RegisterOnPoll,
	}, slog.Default())

	if hermesClient != nil && cfg.NatsSubmitSubject != "" {
		if err := hermesClient.Subscribe(cfg.NatsSubmitSubject, svc.HandleDelivery); err != nil {
			slog.Error("failed to subscribe to deliveries", "error", err)
			os.Exit(1)
		}
	}

	// HTTP API
	srv := api.NewServer(cfg.Port, svc, verifier, api.Options{
		WebhookID:     cfg.WebhookID,
		ResultField:   cfg.ResultField,
		SkipSignature: cfg.InsecureSkipSignature,
		Status: api.StatusInfo{
			Strategy:       strategy.Name(),
			Store:          cfg.Store,
			TTL:            cfg.TTL,
			RegisterOnPoll: cfg.RegisterOnPoll,
		},
	}, slog.Default())
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	// Announce registration
	if hermesClient != nil {
		if err := hermesClient.Publish(hermes.SubjectRegistered, map[string]any{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"port":      cfg.Port,
			"strategy":  strategy.Name(),
		}); err != nil {
			slog.Warn("failed to publish registration", "error", err)
		}
	}

	slog.Info("eqrelay ready", "port", cfg.Port)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown error", "error", err)
	}
	cancel()
	slog.Info("eqrelay stopped")
}

func openStore(ctx context.Context, cfg config.Config, opts store.Options) (store.Store, error) {
	switch cfg.Store {
	case config.StorePostgres:
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL, opts)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	case config.StoreRedis:
		return store.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, opts)
	case config.StoreMemory:
		return store.NewMemoryStore(opts), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store)
}

// loadSigningSecret prefers WEBHOOK_SECRET and only reaches SSM when a
// parameter name is configured.
func loadSigningSecret(ctx context.Context, cfg config.Config) (string, error) {
	if cfg.WebhookSecret != "" || cfg.WebhookSecretParam == "" {
		return secrets.SigningSecret(ctx, cfg.WebhookSecret, cfg.WebhookSecretParam, nil)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("load aws config: %w", err)
	}
	params, err := secrets.NewParamStore(ssm.NewFromConfig(awsCfg))
	if err != nil {
		return "", err
	}
	return secrets.SigningSecret(ctx, "", cfg.WebhookSecretParam, params)
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
