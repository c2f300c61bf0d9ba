package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/agent"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/channels"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/channels/discord"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/channels/slack"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/channels/teams"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/channels/telegram"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/channels/webchat"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/channels/whatsapp"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/config"
	httpapi "github.com/alexcelewicz/MaiaChat-V2-sub008/internal/http"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/oauth"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/service"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/store"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/store/pg"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/store/sqlite"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/tracing"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/webhook"
)

// webhookRateLimit bounds callback intake per (tenant, channel type).
const (
	webhookRateLimit  = 120
	webhookRateWindow = time.Minute
)

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	traceShutdown, err := tracing.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
		traceShutdown = func(context.Context) error { return nil }
	}

	// Storage: Postgres in managed mode, sqlite otherwise.
	var (
		accounts      store.ChannelAccountStore
		providerKeys  store.ProviderKeyStore
		conversations store.ConversationStore
		closeStore    func() error
		mode          = "standalone"
	)
	if cfg.IsManagedMode() {
		stores, db, err := pg.NewStores(cfg.Database.PostgresDSN, cfg.Database.EncryptionKey)
		if err != nil {
			slog.Error("failed to open postgres", "error", err)
			os.Exit(1)
		}
		accounts, providerKeys, conversations = stores.Accounts, stores.ProviderKeys, stores.Conversations
		closeStore = db.Close
		mode = "managed"
	} else {
		st, err := sqlite.Open(config.ExpandHome(cfg.Database.SQLitePath), cfg.Database.EncryptionKey)
		if err != nil {
			slog.Error("failed to open sqlite store", "error", err)
			os.Exit(1)
		}
		accounts, providerKeys, conversations = st, st.ProviderKeys(), st
		closeStore = st.Close
	}

	registry := channels.NewRegistry()
	registry.Register(channels.TypeTelegram, telegram.Factory)
	registry.Register(channels.TypeDiscord, discord.Factory)
	registry.Register(channels.TypeWhatsApp, whatsapp.Factory)
	registry.Register(channels.TypeWebchat, webchat.Factory)
	registry.Register(channels.TypeSlack, slack.NewFactory(cfg.Channels.Slack))
	registry.Register(channels.TypeTeams, teams.NewFactory(cfg.Channels.Teams))

	manager := channels.NewManager(registry)
	pipeline := agent.NewClient(cfg.Agent)

	var oauthProviders []channels.OAuthProvider
	if cfg.Channels.Slack.ClientID != "" {
		redirectURL := cfg.Server.PublicURL + "/v1/oauth/callback"
		oauthProviders = append(oauthProviders, slack.NewOAuthProvider(cfg.Channels.Slack, redirectURL))
	}
	flows := oauth.NewCoordinator(accounts, oauthProviders...)

	svc := service.New(service.Options{
		Accounts:      accounts,
		ProviderKeys:  providerKeys,
		Manager:       manager,
		Pipeline:      pipeline,
		Conversations: conversations,
		OAuth:         flows,
		Config:        cfg,
	})

	ingestor := webhook.New(manager, channels.NewRateLimiter(webhookRateLimit, webhookRateWindow))
	server := httpapi.NewServer(cfg.Server, httpapi.ServerDeps{
		Accounts: accounts,
		Service:  svc,
		Manager:  manager,
		OAuth:    flows,
		Ingestor: ingestor,
	})

	slog.Info("maiachat gateway starting",
		"version", Version,
		"mode", mode,
		"oauth_providers", flows.Supported(),
	)

	// Boot recovery: runtime state is in-memory only, so every active
	// account reconnects from scratch.
	svc.StartAllChannels(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("graceful shutdown initiated", "signal", sig)
	case err := <-errCh:
		if err != nil {
			slog.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	svc.Shutdown(shutdownCtx)
	flows.Close()
	if err := closeStore(); err != nil {
		slog.Warn("store close failed", "error", err)
	}
	if err := traceShutdown(shutdownCtx); err != nil {
		slog.Warn("trace flush failed", "error", err)
	}
	cancel()
}
