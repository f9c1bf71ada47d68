package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/chatrelay/internal/agent"
	"github.com/ashureev/chatrelay/internal/api"
	"github.com/ashureev/chatrelay/internal/config"
	"github.com/ashureev/chatrelay/internal/observability"
	"github.com/ashureev/chatrelay/internal/store"
	"github.com/ashureev/chatrelay/internal/sweeper"
	"github.com/ashureev/chatrelay/internal/transport"
	"github.com/ashureev/chatrelay/internal/vitality"
)

func newRunCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRelay(cmd.Context(), o)
		},
	}
	addRunFlags(cmd.Flags(), o)
	return cmd
}

// sendFunc adapts a send method to vitality.Sender.
type sendFunc func(ctx context.Context, chatID, text string) error

func (f sendFunc) Send(ctx context.Context, chatID, text string) error {
	return f(ctx, chatID, text)
}

//nolint:gocognit,funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func runRelay(ctx context.Context, o *options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, logger, err := o.setup(os.Stdout)
	if err != nil {
		return err
	}
	if !o.noPolling {
		if err := cfg.RequireBackend(); err != nil {
			return err
		}
	}

	snap, err := config.LoadSnapshot(cfg.AppConfigPath)
	if err != nil {
		logger.Error("Failed to load app configuration", "path", cfg.AppConfigPath, "error", err)
		return err
	}
	logger.Info("Starting relay",
		"config", cfg.AppConfigPath,
		"config_hash", snap.Hash,
		"entities", len(snap.App.Entities),
		"self_active", snap.App.Self.Active,
		"port", cfg.Port)

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		logger.Error("Failed to initialize database", "error", err)
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		logger.Error("Database health check failed", "error", err)
		return err
	}
	logger.Info("Database connected", "path", cfg.DBPath)

	observability.InitMetrics()
	watcher := config.NewWatcher(cfg.AppConfigPath, snap, logger)

	client := transport.NewClient(cfg.BridgeURL, repo, logger)
	ingest := transport.NewIngestor(repo, func() string { return watcher.Current().OwnerJID() }, logger)
	listener := transport.NewListener(cfg.BridgeURL, ingest, repo, logger)

	var (
		msgAgent *agent.Agent
		notifier vitality.Sender = client
	)
	if !o.noPolling {
		ai := snap.App.AI
		backend := agent.NewOpenAIBackend(agent.OpenAIConfig{
			BaseURL:           cfg.AIBaseURL,
			APIKey:            cfg.AIAPIKey,
			RequestsPerMinute: ai.RequestsPerMinute,
			Timeout:           ai.Timeout(),
		}, logger)
		msgAgent, err = agent.New(agent.Options{
			Store:    repo,
			Config:   watcher,
			Backend:  backend,
			Sender:   client,
			Logger:   logger,
			Interval: time.Duration(o.pollingInterval) * time.Second,
		})
		if err != nil {
			return err
		}
		notifier = sendFunc(msgAgent.Notify)
	} else {
		logger.Info("Message agent disabled")
	}

	checker, err := vitality.New(watcher.Current, notifier, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	health := api.NewHealthServer(logger)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return listener.Run(gctx) })
	g.Go(func() error { return sweeper.New(repo, watcher, logger).Run(gctx) })
	if o.noVitality {
		logger.Info("Vitality checks disabled by flag")
	} else {
		g.Go(func() error { return checker.Run(gctx) })
	}
	if msgAgent != nil {
		g.Go(func() error {
			health.SetServing(true)
			defer health.SetServing(false)
			return msgAgent.Run(gctx)
		})
	}
	if cfg.GRPCHealthAddr != "" {
		g.Go(func() error { return health.Serve(gctx, cfg.GRPCHealthAddr) })
	}
	if cfg.Port != "" {
		handler := api.NewHandler(repo, watcher, listener, logger)
		srv := &http.Server{
			Addr: ":" + cfg.Port,
			Handler: api.NewRouter(handler, api.RouterOptions{
				AllowedOrigins: cfg.AllowedOrigins,
				WebhookToken:   cfg.WebhookToken,
			}),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		g.Go(func() error { return serveHTTP(gctx, srv, logger) })
	}

	if !o.noStartupMessage && !o.noVitality && snap.App.Vitality.Enabled {
		g.Go(func() error {
			if err := checker.SendStartup(gctx); err != nil {
				logger.Warn("Failed to send startup message", "error", err)
			}
			return nil
		})
	}

	err = g.Wait()
	if err != nil {
		logger.Error("Relay stopped with error", "error", err)
		return err
	}
	logger.Info("Relay stopped")
	return nil
}

func serveHTTP(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}
