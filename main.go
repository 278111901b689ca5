package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"vox/internal/auth"
	"vox/internal/config"
	"vox/internal/core"
	"vox/internal/httpapi"
	"vox/internal/metrics"
	"vox/internal/pipeline"
	"vox/internal/sfu"
	"vox/internal/store"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	configPath := flag.String("config", "vox.toml", "Config file path")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "path", *configPath, "err", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.ListenAddr = *addr
	}
	if *dbPath != "" {
		cfg.Server.DatabasePath = *dbPath
	}

	level := slog.LevelInfo
	if *debug || cfg.Server.Debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("starting server", "version", Version, "addr", cfg.Server.ListenAddr, "db", cfg.Server.DatabasePath)

	tokenSecret := cfg.Auth.TokenSecret
	if tokenSecret == "" {
		tokenSecret = os.Getenv("VOX_TOKEN_SECRET")
	}
	verifier, err := auth.NewJWTVerifier(tokenSecret)
	if err != nil {
		slog.Error("configure token verification", "err", err)
		os.Exit(1)
	}

	sqliteStore, err := store.Open(cfg.Server.DatabasePath)
	if err != nil {
		slog.Error("open sqlite store", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			slog.Error("close sqlite store", "err", closeErr)
		}
	}()

	mets := metrics.New()
	registry := core.NewRegistry()
	registry.SetMetrics(mets)
	presence := core.NewPresence(registry, sqliteStore)
	pipe := pipeline.New(registry)

	var sfuClient *sfu.Client
	if cfg.SFU.BaseURL != "" {
		sfuClient, err = sfu.New(sfu.Config{
			BaseURL:   cfg.SFU.BaseURL,
			APIKey:    cfg.SFU.APIKey,
			APISecret: cfg.SFU.APISecret,
			TokenTTL:  time.Duration(cfg.SFU.TokenTTLSeconds) * time.Second,
		})
		if err != nil {
			slog.Error("configure voice tokens", "err", err)
			os.Exit(1)
		}
		slog.Info("voice tokens enabled", "sfu", sfuClient.URL())
	} else {
		slog.Info("voice tokens disabled: no sfu configured")
	}

	srv := httpapi.New(httpapi.Deps{
		Registry:         registry,
		Presence:         presence,
		Store:            sqliteStore,
		Pipeline:         pipe,
		Verifier:         verifier,
		SFU:              sfuClient,
		Metrics:          mets,
		MaxMessageLength: cfg.Limits.MaxMessageLength,
		SendBuffer:       cfg.Limits.SendBuffer,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var runErr error
	if cfg.Server.TLS {
		runErr = srv.RunTLS(ctx, cfg.Server.ListenAddr, cfg.Server.TLSHostname)
	} else {
		runErr = srv.Run(ctx, cfg.Server.ListenAddr)
	}
	if runErr != nil {
		slog.Error("server exited", "err", runErr)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}
