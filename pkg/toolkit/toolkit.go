// Package toolkit exposes the query pipeline over MCP: the nlsql_ask and
// nlsql_execute tools, a schema resource template, and the allow-list
// resource.
package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-nlsql/pkg/generate"
	"github.com/txn2/mcp-nlsql/pkg/pipeline"
	"github.com/txn2/mcp-nlsql/pkg/schema"
)

const sourceMCP = "mcp"

// Toolkit registers the pipeline's MCP surface on a server.
type Toolkit struct {
	pipeline *pipeline.Pipeline
	catalog  *schema.Catalog
	logger   *slog.Logger
}

// New creates a toolkit.
func New(p *pipeline.Pipeline, catalog *schema.Catalog, logger *slog.Logger) *Toolkit {
	if logger == nil {
		logger = slog.Default()
	}
	return &Toolkit{pipeline: p, catalog: catalog, logger: logger}
}

// Register adds the tools and resources to server.
func (t *Toolkit) Register(server *mcp.Server) {
	t.registerAskTool(server)
	t.registerExecuteTool(server)
	t.registerSchemaTemplate(server)
	t.registerAllowlistResource(server)
}

// askInput is the input schema for the nlsql_ask tool.
type askInput struct {
	Question string `json:"question" jsonschema:"the natural-language question to answer from the database"`
	Page     int    `json:"page,omitempty" jsonschema:"1-based result page"`
	PageSize int    `json:"page_size,omitempty" jsonschema:"rows per page"`
}

// executeInput is the input schema for the nlsql_execute tool.
type executeInput struct {
	SQL string `json:"sql" jsonschema:"a single read-only T-SQL SELECT statement"`
}

func (t *Toolkit) registerAskTool(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name: "nlsql_ask",
		Description: "Answer a natural-language question by generating, validating, and running " +
			"a read-only T-SQL query against the allow-listed schema. Returns the executed SQL " +
			"and bounded results.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in askInput) (*mcp.CallToolResult, any, error) {
		return t.handleAsk(ctx, in)
	})
}

func (t *Toolkit) registerExecuteTool(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name: "nlsql_execute",
		Description: "Validate a caller-written T-SQL SELECT statement against the read-only " +
			"policy and run it when accepted. No generation or repair is involved.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in executeInput) (*mcp.CallToolResult, any, error) {
		return t.handleExecute(ctx, in)
	})
}

func (t *Toolkit) handleAsk(ctx context.Context, in askInput) (*mcp.CallToolResult, any, error) {
	if in.Question == "" {
		return errorResult("question is required"), nil, nil
	}

	resp, err := t.pipeline.Ask(ctx, pipeline.Request{
		Question:  in.Question,
		Page:      generate.Pagination{Page: in.Page, PageSize: in.PageSize},
		Operation: "ask",
		Source:    sourceMCP,
	})
	if err != nil {
		t.logger.Error("ask tool failed", "error", err)
		return errorResult(outageMessage(err)), nil, nil
	}
	return pipelineResult(resp)
}

func (t *Toolkit) handleExecute(ctx context.Context, in executeInput) (*mcp.CallToolResult, any, error) {
	if in.SQL == "" {
		return errorResult("sql is required"), nil, nil
	}

	resp, err := t.pipeline.ExecuteStatement(ctx, pipeline.Request{
		Operation: "execute",
		Source:    sourceMCP,
	}, in.SQL)
	if err != nil {
		t.logger.Error("execute tool failed", "error", err)
		return errorResult(outageMessage(err)), nil, nil
	}
	return pipelineResult(resp)
}

// pipelineResult renders a terminal pipeline response as a tool result.
// Non-success outcomes become IsError results so the calling agent can react.
func pipelineResult(resp *pipeline.Response) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling pipeline response: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		IsError: resp.Outcome != pipeline.OutcomeSucceeded,
	}, resp, nil
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
		IsError: true,
	}
}

// outageMessage keeps transport-level failures terse for the agent.
func outageMessage(err error) string {
	switch {
	case pipeline.IsUnavailable(err):
		return "The query service is temporarily unavailable. Try again shortly."
	case pipeline.IsTimeout(err):
		return "The query service timed out. Try again shortly."
	default:
		return "The query could not be processed."
	}
}
