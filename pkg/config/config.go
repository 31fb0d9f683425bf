// Package config loads and validates the gateway configuration.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete gateway configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	LLM      LLMConfig      `yaml:"llm"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Schema   SchemaConfig   `yaml:"schema"`
	Audit    AuditConfig    `yaml:"audit"`
	APIKeys  APIKeysConfig  `yaml:"api_keys"`
}

// ServerConfig configures the inbound surfaces.
type ServerConfig struct {
	Name      string `yaml:"name"`
	Version   string `yaml:"version"`
	Transport string `yaml:"transport"` // "stdio", "http"
	Address   string `yaml:"address"`
}

// DatabaseConfig configures the SQL Server connection used by the executor.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// LLMConfig configures the language-model backend.
type LLMConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	Model          string        `yaml:"model"`
	Temperature    float64       `yaml:"temperature"`
	MaxTokens      int           `yaml:"max_tokens"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
}

// PipelineConfig configures the generate-validate-execute pipeline.
type PipelineConfig struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	DefaultRowCap    int           `yaml:"default_row_cap"`
	MaxRowCap        int           `yaml:"max_row_cap"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
	MaxSubqueryDepth int           `yaml:"max_subquery_depth"`
	DefaultPageSize  int           `yaml:"default_page_size"`
}

// SchemaConfig holds the curated schema catalog and allow-list.
type SchemaConfig struct {
	DefaultSchema string         `yaml:"default_schema"`
	Objects       []ObjectConfig `yaml:"objects"`
}

// ObjectConfig describes one allow-listed table or view.
type ObjectConfig struct {
	Name        string         `yaml:"name"` // schema-qualified, e.g. "Sales.SalesOrderHeader"
	Kind        string         `yaml:"kind"` // "table", "view"
	Description string         `yaml:"description"`
	PrimaryKey  []string       `yaml:"primary_key"`
	Columns     []ColumnConfig `yaml:"columns"`
}

// ColumnConfig describes a column of an allow-listed object.
type ColumnConfig struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Description string `yaml:"description,omitempty"`
}

// AuditConfig configures audit logging.
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Store         string `yaml:"store"` // "log", "postgres", "sqlite"
	DSN           string `yaml:"dsn"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// APIKeysConfig configures API key authentication for the REST surface.
type APIKeysConfig struct {
	Enabled bool        `yaml:"enabled"`
	Keys    []APIKeyDef `yaml:"keys"`
}

// APIKeyDef defines an API key.
type APIKeyDef struct {
	Key  string `yaml:"key"`
	Name string `yaml:"name"`
}

// Load reads configuration from a file.
// The path is expected to come from command line arguments, controlled by the operator.
func Load(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from raw YAML bytes.
func Parse(data []byte) (*Config, error) {
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = "mcp-nlsql"
	}
	if cfg.Server.Version == "" {
		cfg.Server.Version = "1.0.0"
	}
	if cfg.Server.Transport == "" {
		cfg.Server.Transport = "stdio"
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = "https://api.openai.com/v1/chat/completions"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o-mini"
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = 0.1
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 800
	}
	if cfg.LLM.RequestTimeout == 0 {
		cfg.LLM.RequestTimeout = 30 * time.Second
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 2
	}
	if cfg.LLM.MaxConcurrent == 0 {
		cfg.LLM.MaxConcurrent = 4
	}
	if cfg.Pipeline.MaxAttempts == 0 {
		cfg.Pipeline.MaxAttempts = 3
	}
	if cfg.Pipeline.DefaultRowCap == 0 {
		cfg.Pipeline.DefaultRowCap = 5000
	}
	if cfg.Pipeline.MaxRowCap == 0 {
		cfg.Pipeline.MaxRowCap = 10000
	}
	if cfg.Pipeline.StatementTimeout == 0 {
		cfg.Pipeline.StatementTimeout = 30 * time.Second
	}
	if cfg.Pipeline.MaxSubqueryDepth == 0 {
		cfg.Pipeline.MaxSubqueryDepth = 3
	}
	if cfg.Pipeline.DefaultPageSize == 0 {
		cfg.Pipeline.DefaultPageSize = 20
	}
	if cfg.Schema.DefaultSchema == "" {
		cfg.Schema.DefaultSchema = "dbo"
	}
	if cfg.Audit.Store == "" {
		cfg.Audit.Store = "log"
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = 90
	}
}

// Validate validates the configuration. All problems are collected and
// reported together so the operator can fix them in one pass. A non-nil
// error means the process must not start serving.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.DSN == "" {
		errs = append(errs, "database.dsn is required")
	}
	if c.LLM.APIKey == "" {
		errs = append(errs, "llm.api_key is required")
	}
	if len(c.Schema.Objects) == 0 {
		errs = append(errs, "schema.objects must list at least one allow-listed object")
	}
	for i, obj := range c.Schema.Objects {
		if obj.Name == "" {
			errs = append(errs, fmt.Sprintf("schema.objects[%d].name is required", i))
			continue
		}
		switch obj.Kind {
		case "", "table", "view":
		default:
			errs = append(errs, fmt.Sprintf("schema.objects[%d].kind must be table or view, got %q", i, obj.Kind))
		}
		if len(obj.Columns) == 0 {
			errs = append(errs, fmt.Sprintf("schema.objects[%d] (%s) must list its columns", i, obj.Name))
		}
	}
	if c.Pipeline.MaxAttempts < 1 {
		errs = append(errs, "pipeline.max_attempts must be at least 1")
	}
	if c.Pipeline.DefaultRowCap > c.Pipeline.MaxRowCap {
		errs = append(errs, "pipeline.default_row_cap must not exceed pipeline.max_row_cap")
	}
	switch c.Audit.Store {
	case "log":
	case "postgres":
		if c.Audit.Enabled && c.Audit.DSN == "" {
			errs = append(errs, "audit.dsn is required for the postgres audit store")
		}
	case "sqlite":
		if c.Audit.Enabled && c.Audit.Path == "" {
			errs = append(errs, "audit.path is required for the sqlite audit store")
		}
	default:
		errs = append(errs, fmt.Sprintf("audit.store must be log, postgres or sqlite, got %q", c.Audit.Store))
	}
	switch c.Server.Transport {
	case "stdio", "http":
	default:
		errs = append(errs, fmt.Sprintf("server.transport must be stdio or http, got %q", c.Server.Transport))
	}
	if c.APIKeys.Enabled && len(c.APIKeys.Keys) == 0 {
		errs = append(errs, "api_keys.keys must list at least one key when api_keys.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
