// Package server wires the configured components into the running gateway:
// the MCP server, the REST handler, and the shared connection pools.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	_ "github.com/txn2/mcp-nlsql/internal/apidocs" // register swagger docs
	"github.com/txn2/mcp-nlsql/pkg/audit"
	auditpg "github.com/txn2/mcp-nlsql/pkg/audit/postgres"
	auditsqlite "github.com/txn2/mcp-nlsql/pkg/audit/sqlite"
	"github.com/txn2/mcp-nlsql/pkg/config"
	"github.com/txn2/mcp-nlsql/pkg/database/migrate"
	"github.com/txn2/mcp-nlsql/pkg/execute"
	"github.com/txn2/mcp-nlsql/pkg/generate"
	"github.com/txn2/mcp-nlsql/pkg/health"
	"github.com/txn2/mcp-nlsql/pkg/httpapi"
	"github.com/txn2/mcp-nlsql/pkg/llm"
	"github.com/txn2/mcp-nlsql/pkg/metrics"
	"github.com/txn2/mcp-nlsql/pkg/pipeline"
	"github.com/txn2/mcp-nlsql/pkg/schema"
	"github.com/txn2/mcp-nlsql/pkg/sqlguard"
	"github.com/txn2/mcp-nlsql/pkg/toolkit"
)

// Version is set at build time.
var Version = "dev"

// readOnlyIntent reports whether the DSN routes connections to a read-only
// replica via ApplicationIntent.
func readOnlyIntent(dsn string) bool {
	return strings.Contains(strings.ToLower(dsn), "applicationintent=readonly")
}

const (
	auditCleanupInterval = 24 * time.Hour
	shutdownGrace        = 10 * time.Second
)

// Server holds the wired gateway components.
type Server struct {
	cfg       *config.Config
	db        *sql.DB
	auditDB   *sql.DB
	auditor   audit.Logger
	mcpServer *mcp.Server
	handler   http.Handler
	checker   *health.Checker
	logger    *slog.Logger
}

// New builds the gateway from configuration. The target database is opened
// but not pinged; readiness reports connectivity at runtime.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	catalog, err := schema.NewCatalog(cfg.Schema)
	if err != nil {
		return nil, fmt.Errorf("building schema catalog: %w", err)
	}

	db, err := sql.Open("sqlserver", cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening target database: %w", err)
	}
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if !readOnlyIntent(cfg.Database.DSN) {
		logger.Warn("database DSN does not set ApplicationIntent=ReadOnly; statement validation is the only write guard")
	}

	s := &Server{cfg: cfg, db: db, logger: logger}

	if err := s.setupAudit(); err != nil {
		s.Close()
		return nil, err
	}

	validator := sqlguard.New(catalog, sqlguard.Limits{
		MaxRowCap:        cfg.Pipeline.MaxRowCap,
		MaxSubqueryDepth: cfg.Pipeline.MaxSubqueryDepth,
	})
	client, err := llm.NewOpenAIClient(cfg.LLM, logger)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating llm client: %w", err)
	}
	generator := generate.New(client, generate.NewPromptBuilder(catalog, cfg.Pipeline.MaxRowCap), catalog, logger)
	executor := execute.New(db, execute.Options{
		RowCap:  cfg.Pipeline.DefaultRowCap,
		Timeout: cfg.Pipeline.StatementTimeout,
	}, logger)

	meters, err := metrics.NewPipeline()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating metrics: %w", err)
	}

	pipe := pipeline.New(generator, validator, executor, s.auditor, meters,
		pipeline.Config{MaxAttempts: cfg.Pipeline.MaxAttempts}, logger)

	s.checker = health.NewChecker()
	s.checker.Register("database", db.PingContext)
	s.checker.Register("llm", func(context.Context) error {
		if cfg.LLM.APIKey == "" {
			return errors.New("api key not configured")
		}
		return nil
	})
	if s.auditDB != nil {
		s.checker.Register("audit", s.auditDB.PingContext)
	}

	s.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    cfg.Server.Name,
		Version: cfg.Server.Version,
	}, nil)
	toolkit.New(pipe, catalog, logger).Register(s.mcpServer)

	s.handler = s.buildHTTPHandler(pipe)
	return s, nil
}

// setupAudit selects the audit sink: structured log, Postgres, or SQLite.
func (s *Server) setupAudit() error {
	cfg := s.cfg.Audit
	if !cfg.Enabled {
		s.auditor = audit.NewSlogLogger(s.logger)
		return nil
	}

	switch cfg.Store {
	case "", "log":
		s.auditor = audit.NewSlogLogger(s.logger)

	case "postgres":
		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return fmt.Errorf("opening audit database: %w", err)
		}
		if err := migrate.Run(db); err != nil {
			db.Close()
			return fmt.Errorf("migrating audit database: %w", err)
		}
		store := auditpg.New(db, auditpg.Config{RetentionDays: cfg.RetentionDays})
		store.StartCleanupRoutine(auditCleanupInterval)
		s.auditDB = db
		s.auditor = store

	case "sqlite":
		store, err := auditsqlite.Open(auditsqlite.Config{
			Path:          cfg.Path,
			RetentionDays: cfg.RetentionDays,
		})
		if err != nil {
			return fmt.Errorf("opening audit store: %w", err)
		}
		store.StartCleanupRoutine(auditCleanupInterval)
		s.auditor = store

	default:
		return fmt.Errorf("unknown audit store %q", cfg.Store)
	}
	return nil
}

// buildHTTPHandler composes the REST API, health endpoints, and the MCP
// streamable endpoint under one handler. API key auth, when enabled, guards
// both the REST API and /mcp.
func (s *Server) buildHTTPHandler(pipe *pipeline.Pipeline) http.Handler {
	var authMiddle func(http.Handler) http.Handler
	if s.cfg.APIKeys.Enabled {
		authMiddle = httpapi.RequireKey(httpapi.NewKeyAuthenticator(s.cfg.APIKeys))
	}

	rest := httpapi.NewHandler(pipe, s.checker, authMiddle,
		httpapi.Options{DefaultPageSize: s.cfg.Pipeline.DefaultPageSize}, s.logger)

	var mcpHandler http.Handler = mcp.NewStreamableHTTPHandler(
		func(*http.Request) *mcp.Server { return s.mcpServer }, nil)
	if authMiddle != nil {
		mcpHandler = authMiddle(mcpHandler)
	}

	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpHandler)
	mux.Handle("/", rest)
	return mux
}

// Handler returns the combined HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Checker returns the readiness checker.
func (s *Server) Checker() *health.Checker {
	return s.checker
}

// Run serves on the configured transport until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	switch s.cfg.Server.Transport {
	case "", "stdio":
		s.checker.SetReady()
		return s.mcpServer.Run(ctx, &mcp.StdioTransport{})

	case "http":
		return s.runHTTP(ctx)

	default:
		return fmt.Errorf("unknown transport %q", s.cfg.Server.Transport)
	}
}

func (s *Server) runHTTP(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Address,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "address", s.cfg.Server.Address)
		errCh <- srv.ListenAndServe()
	}()
	s.checker.SetReady()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.checker.SetDraining()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

// Close releases connection pools and the audit sink.
func (s *Server) Close() error {
	var errs []error
	if s.auditor != nil {
		if err := s.auditor.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.auditDB != nil {
		if err := s.auditDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
