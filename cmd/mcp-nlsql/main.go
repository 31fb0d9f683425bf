// Package main provides the entry point for the mcp-nlsql gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/txn2/mcp-nlsql/internal/server"
	"github.com/txn2/mcp-nlsql/pkg/config"
)

// @title        mcp-nlsql REST API
// @version      1.0
// @description  Natural-language to T-SQL query gateway.
// @BasePath     /api/v1
//
// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serverOptions struct {
	configPath  string
	transport   string
	address     string
	showVersion bool
}

func parseFlags() serverOptions {
	opts := serverOptions{}
	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.transport, "transport", "", "Transport type: stdio, http (overrides config)")
	flag.StringVar(&opts.address, "address", "", "Listen address for HTTP transport (overrides config)")
	flag.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	flag.Parse()
	return opts
}

func setupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}

func run() error {
	opts := parseFlags()

	if opts.showVersion {
		fmt.Printf("mcp-nlsql version %s\n", server.Version)
		return nil
	}
	if opts.configPath == "" {
		return fmt.Errorf("a configuration file is required (-config)")
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg, opts)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg)

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Error("closing server", "error", err)
		}
	}()

	ctx := setupSignalHandler()
	logger.Info("starting gateway",
		"name", cfg.Server.Name,
		"transport", cfg.Server.Transport,
		"version", server.Version)
	return srv.Run(ctx)
}

func applyFlagOverrides(cfg *config.Config, opts serverOptions) {
	if opts.transport != "" {
		cfg.Server.Transport = opts.transport
	}
	if opts.address != "" {
		cfg.Server.Address = opts.address
	}
}

// newLogger writes structured logs to stderr so stdout stays clean for the
// stdio transport.
func newLogger(cfg *config.Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, nil)).With(
		"service", cfg.Server.Name)
}
