package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/txn2/mcp-nlsql/pkg/llm"
	"github.com/txn2/mcp-nlsql/pkg/schema"
)

// ErrNoCandidate indicates the model produced no usable statement text.
var ErrNoCandidate = errors.New("generate: model produced no statement")

// Input describes one generation request.
type Input struct {
	Question string
	Page     Pagination

	// Repair, when set, turns the request into a repair attempt for a
	// previously failed candidate.
	Repair *Repair
}

// Generator produces exactly one SQL candidate per call. Candidate selection
// across attempts is the pipeline's job, not the generator's.
type Generator struct {
	client  llm.Client
	prompts *PromptBuilder
	catalog *schema.Catalog
	logger  *slog.Logger
}

// New creates a generator.
func New(client llm.Client, prompts *PromptBuilder, catalog *schema.Catalog, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{client: client, prompts: prompts, catalog: catalog, logger: logger}
}

// Generate asks the model for one T-SQL candidate. The raw completion is
// cleaned: code fences are stripped and everything after the first statement
// terminator is discarded.
func (g *Generator) Generate(ctx context.Context, in Input) (string, error) {
	hints := schema.ExtractHints(in.Question)

	req := llm.Request{System: g.prompts.System(hints)}
	if in.Repair != nil {
		req.User = g.prompts.RepairUser(in.Question, in.Page, *in.Repair)
	} else {
		req.User = g.prompts.User(in.Question, in.Page)
	}

	completion, err := g.client.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}

	sql := Clean(completion)
	if sql == "" {
		return "", ErrNoCandidate
	}

	g.logger.Debug("generated sql candidate",
		"repair", in.Repair != nil,
		"length", len(sql))
	return sql, nil
}

// Clean normalizes a raw model completion into statement text: markdown
// code fences come off, and only the first semicolon-terminated statement
// survives. Models occasionally return commentary after the query; the
// clamp keeps a stray second statement from ever reaching validation as
// part of the candidate.
func Clean(completion string) string {
	sql := strings.TrimSpace(completion)

	if strings.HasPrefix(sql, "```") {
		sql = strings.TrimPrefix(sql, "```sql")
		sql = strings.TrimPrefix(sql, "```")
		if end := strings.Index(sql, "```"); end >= 0 {
			sql = sql[:end]
		}
	}
	sql = strings.TrimSpace(sql)

	if i := strings.IndexByte(sql, ';'); i >= 0 {
		sql = sql[:i]
	}
	return strings.TrimSpace(sql)
}
