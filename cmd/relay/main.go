package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/comigor/relay-go/internal/agent"
	"github.com/comigor/relay-go/internal/config"
	"github.com/comigor/relay-go/internal/history"
	"github.com/comigor/relay-go/internal/llm"
	"github.com/comigor/relay-go/internal/logger"
	"github.com/comigor/relay-go/internal/mcpserver"
	"github.com/comigor/relay-go/internal/server"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		logger.L.Error("relay exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	// stdout carries the MCP protocol in mcp mode
	if cfg.Server.Transport == "mcp" {
		logger.SetOutput(os.Stderr, cfg.Log.Format)
	} else {
		logger.SetFormat(cfg.Log.Format)
	}
	logger.SetLevel(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize text generation
	gen, err := llm.New(cfg.LLM)
	if err != nil {
		return err
	}

	opts := []agent.Option{agent.WithDialer(agent.DefaultDialer(version))}
	var store *history.Store
	if cfg.History.Enabled {
		store = history.New(cfg.History.DBPath)
		defer store.Close()
		opts = append(opts, agent.WithRecorder(store))
	}

	agents, err := agent.New(ctx, gen, *cfg, opts...)
	if err != nil {
		return err
	}
	defer agents.Close()

	if cfg.Server.Transport == "mcp" {
		logger.L.Info("serving handlers over MCP stdio", "handlers", agents.Registry.Names())
		return mcpserver.Serve(agents.Registry, version)
	}

	var lister server.HistoryLister
	if store != nil {
		lister = store
	}
	srv := server.New(agents.Registry, lister, cfg.Server.RequestTimeout)
	serverAddr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	return srv.ListenAndServe(ctx, serverAddr)
}
