// parambind binds device parameters to headless UI elements and serves them
// over HTTP.
// Usage: go run ./cmd/parambind --config configs/parambind.example.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/parambind/internal/config"
	"github.com/rickgao/parambind/internal/connection"
	"github.com/rickgao/parambind/internal/database"
	"github.com/rickgao/parambind/internal/history"
	"github.com/rickgao/parambind/internal/poller"
	"github.com/rickgao/parambind/internal/reconnect"
	"github.com/rickgao/parambind/internal/ui"
	"github.com/rickgao/parambind/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/parambind.example.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("parambind failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// Load configuration
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Set up structured logging
	level, _ := cfg.Log.SlogLevel()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting parambind",
		"version", version.Version,
		"commit", version.Commit,
		"config", configPath,
		"peer_url", cfg.Peer.URL,
		"bindings", len(cfg.Bindings),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Create connection manager
	mgr := connection.NewManager(cfg.Peer.URL,
		connection.WithLogger(logger.With("component", "connection")),
		connection.WithRequestTimeout(cfg.Peer.RequestTimeout),
		connection.WithDialer(connection.WebSocketDialer{
			Config: connection.ClientConfig{
				UserAgent:    version.UserAgent("parambind"),
				PingInterval: cfg.Peer.PingInterval,
				PingTimeout:  cfg.Peer.PingTimeout,
				WriteTimeout: cfg.Peer.WriteTimeout,
				BufferSize:   connection.DefaultClientConfig().BufferSize,
			},
			Logger: logger.With("component", "transport"),
		}),
	)
	mgr.AddListener(connection.EventError, func(ev connection.Event) {
		logger.Warn("connection error", "error", ev.Err)
	})
	mgr.AddListener(connection.EventClose, func(ev connection.Event) {
		logger.Info("connection closed", "error", ev.Err)
	})

	// Bind configured parameters
	panel := ui.NewPanel(mgr)
	for _, b := range cfg.Bindings {
		if b.Mode == config.ModeEditable {
			panel.AddField(b.Name, b.Initial)
		} else {
			panel.AddLabel(b.Name, b.Initial)
		}
	}

	var handlerOpts []ui.HandlerOption

	// Optional update history
	var writer *history.Writer
	if cfg.Database.Enabled() {
		logger.Info("connecting to database",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Name,
		)

		pool, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		writer = history.NewWriter(history.Config{
			BatchSize:     cfg.History.BatchSize,
			FlushInterval: cfg.History.FlushInterval,
			BufferSize:    cfg.History.BufferSize,
		}, pool, logger.With("component", "history"))

		if err := writer.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("create history schema: %w", err)
		}
		for _, b := range mgr.Bindings() {
			writer.Watch(b)
		}
		if err := writer.Start(ctx); err != nil {
			return fmt.Errorf("start history writer: %w", err)
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			writer.Stop(shutdownCtx)
		}()

		handlerOpts = append(handlerOpts,
			ui.WithHealthCheck("postgres", pool.Ping),
			ui.WithStats("history", func() any { return writer.Stats() }),
		)
		logger.Info("database connected")
	}

	// Optional periodic refresh
	if cfg.Poller.Interval > 0 {
		p := poller.New(poller.Config{
			Interval:    cfg.Poller.Interval,
			Concurrency: cfg.Poller.Concurrency,
			Names:       cfg.Poller.Names,
		}, mgr, logger.With("component", "poller"))
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("start poller: %w", err)
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			p.Stop(shutdownCtx)
		}()
		handlerOpts = append(handlerOpts, ui.WithStats("poller", func() any { return p.Stats() }))
	}

	var sup *reconnect.Supervisor
	if cfg.Reconnect.IsEnabled() {
		sup = reconnect.New(reconnect.Config{
			BaseDelay: cfg.Reconnect.BaseDelay,
			MaxDelay:  cfg.Reconnect.MaxDelay,
		}, mgr, logger.With("component", "reconnect"))
		handlerOpts = append(handlerOpts, ui.WithStats("reconnect", func() any {
			return map[string]int64{"attempts": sup.Attempts(), "connects": sup.Connects()}
		}))
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: ui.NewHandler(panel, mgr, logger.With("component", "http"), handlerOpts...),
	}

	g, gctx := errgroup.WithContext(ctx)

	// Peer connection
	if sup != nil {
		g.Go(func() error {
			if err := sup.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	} else {
		g.Go(func() error {
			if err := mgr.Connect(gctx, ""); err != nil {
				return fmt.Errorf("connect peer: %w", err)
			}
			<-gctx.Done()
			mgr.Disconnect()
			return nil
		})
	}

	// HTTP surface
	g.Go(func() error {
		logger.Info("starting http server", "port", cfg.HTTP.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	logger.Info("parambind running",
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.HTTP.Port),
	)

	err = g.Wait()

	logger.Info("shutting down...")
	mgr.Disconnect()

	if err != nil {
		return err
	}
	logger.Info("parambind stopped")
	return nil
}
