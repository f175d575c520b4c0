// peersim serves a simulated device parameter store for parambind.
// Usage: go run ./cmd/peersim --config configs/parambind.example.yaml
//
// Lines typed on stdin as "<name> <value>" are pushed to every client as
// unsolicited updates.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/rickgao/parambind/internal/config"
	"github.com/rickgao/parambind/internal/peer"
	"github.com/rickgao/parambind/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/parambind.example.yaml", "path to config file")
	listen := flag.String("listen", "", "listen address (overrides peersim.listen)")
	flag.Parse()

	cfg, err := config.LoadPeerSim(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.PeerSim.Listen = *listen
	}

	level, _ := cfg.Log.SlogLevel()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting peersim",
		"version", version.Version,
		"listen", cfg.PeerSim.Listen,
		"path", cfg.PeerSim.Path,
		"parameters", len(cfg.PeerSim.Values),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	sim := peer.NewServer(peer.Config{
		Values:        cfg.PeerSim.Values,
		Silent:        cfg.PeerSim.Silent,
		ResponseDelay: cfg.PeerSim.ResponseDelay,
	}, logger)

	mux := http.NewServeMux()
	mux.Handle(cfg.PeerSim.Path, sim)
	mux.HandleFunc("/values", func(w http.ResponseWriter, r *http.Request) {
		values := make(map[string]string)
		for _, name := range sim.Names() {
			values[name], _ = sim.Value(name)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"sessions": sim.Sessions(),
			"requests": sim.Requests(),
			"values":   values,
		})
	})

	server := &http.Server{Addr: cfg.PeerSim.Listen, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("peersim server error", "error", err)
			cancel()
		}
	}()

	// Pushes are read only from an interactive terminal.
	if term.IsTerminal(int(os.Stdin.Fd())) {
		logger.Info("type \"<name> <value>\" to push an update")
		go pushFromStdin(ctx, sim, logger)
	}

	<-ctx.Done()

	logger.Info("shutting down...")
	sim.CloseAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)

	logger.Info("peersim stopped")
}

// pushFromStdin reads "<name> <value>" lines and pushes them as updates.
func pushFromStdin(ctx context.Context, sim *peer.Server, logger *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		name, value, _ := strings.Cut(line, " ")
		sim.Push(name, value)
		fmt.Printf("pushed %s = %q to %d clients\n", name, value, sim.Sessions())
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("stdin closed", "error", err)
	}
}
