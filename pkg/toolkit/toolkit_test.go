package toolkit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-nlsql/pkg/config"
	"github.com/txn2/mcp-nlsql/pkg/execute"
	"github.com/txn2/mcp-nlsql/pkg/generate"
	"github.com/txn2/mcp-nlsql/pkg/llm"
	"github.com/txn2/mcp-nlsql/pkg/pipeline"
	"github.com/txn2/mcp-nlsql/pkg/schema"
	"github.com/txn2/mcp-nlsql/pkg/sqlguard"
)

const testSQL = "SELECT TOP (10) ProductID, Name FROM Production.Product ORDER BY ProductID"

type scriptedClient struct {
	completions []string
	calls       int
}

func (c *scriptedClient) Complete(context.Context, llm.Request) (string, error) {
	i := c.calls
	c.calls++
	if i >= len(c.completions) {
		return "", llm.ErrEmptyCompletion
	}
	return c.completions[i], nil
}

func testCatalog(t *testing.T) *schema.Catalog {
	t.Helper()
	catalog, err := schema.NewCatalog(config.SchemaConfig{
		DefaultSchema: "Production",
		Objects: []config.ObjectConfig{
			{
				Name:        "Production.Product",
				Kind:        "table",
				Description: "Products sold or used in assembly",
				PrimaryKey:  []string{"ProductID"},
				Columns: []config.ColumnConfig{
					{Name: "ProductID", Type: "int"},
					{Name: "Name", Type: "nvarchar(50)"},
				},
			},
			{
				Name: "Production.ProductCategory",
				Kind: "table",
				Columns: []config.ColumnConfig{
					{Name: "ProductCategoryID", Type: "int"},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("building catalog: %v", err)
	}
	return catalog
}

func newTestToolkit(t *testing.T, client llm.Client) (*Toolkit, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("opening sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	catalog := testCatalog(t)
	validator := sqlguard.New(catalog, sqlguard.Limits{MaxRowCap: 5000, MaxSubqueryDepth: 3})
	generator := generate.New(client, generate.NewPromptBuilder(catalog, 5000), catalog, logger)
	executor := execute.New(db, execute.Options{RowCap: 100, Timeout: 5 * time.Second}, logger)
	p := pipeline.New(generator, validator, executor, nil, nil, pipeline.Config{MaxAttempts: 2}, logger)

	return New(p, catalog, logger), mock
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) != 1 {
		t.Fatalf("content items = %d, want 1", len(result.Content))
	}
	text, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("content type = %T, want TextContent", result.Content[0])
	}
	return text.Text
}

func TestRegister(t *testing.T) {
	tk, _ := newTestToolkit(t, &scriptedClient{})
	server := mcp.NewServer(&mcp.Implementation{Name: "test", Version: "v0.0.1"}, nil)
	tk.Register(server)
}

func TestHandleAsk(t *testing.T) {
	t.Run("returns results for an answerable question", func(t *testing.T) {
		tk, mock := newTestToolkit(t, &scriptedClient{completions: []string{testSQL}})
		mock.ExpectQuery(testSQL).WillReturnRows(
			sqlmock.NewRows([]string{"ProductID", "Name"}).AddRow(1, "Adjustable Race"))

		result, _, err := tk.handleAsk(context.Background(), askInput{Question: "top products"})
		if err != nil {
			t.Fatalf("handleAsk: %v", err)
		}
		if result.IsError {
			t.Fatalf("IsError = true: %s", resultText(t, result))
		}

		var resp pipeline.Response
		if err := json.Unmarshal([]byte(resultText(t, result)), &resp); err != nil {
			t.Fatalf("unmarshaling result: %v", err)
		}
		if resp.Outcome != pipeline.OutcomeSucceeded {
			t.Errorf("outcome = %q, want succeeded", resp.Outcome)
		}
		if resp.SQL != testSQL {
			t.Errorf("sql = %q", resp.SQL)
		}
	})

	t.Run("missing question is a tool error", func(t *testing.T) {
		tk, _ := newTestToolkit(t, &scriptedClient{})
		result, _, err := tk.handleAsk(context.Background(), askInput{})
		if err != nil {
			t.Fatalf("handleAsk: %v", err)
		}
		if !result.IsError {
			t.Error("IsError = false, want true")
		}
	})

	t.Run("exhausted run is a tool error with detail", func(t *testing.T) {
		tk, _ := newTestToolkit(t, &scriptedClient{completions: []string{
			"DELETE FROM Production.Product",
			"DROP TABLE Production.Product",
		}})

		result, _, err := tk.handleAsk(context.Background(), askInput{Question: "destroy"})
		if err != nil {
			t.Fatalf("handleAsk: %v", err)
		}
		if !result.IsError {
			t.Fatal("IsError = false, want true")
		}

		var resp pipeline.Response
		if err := json.Unmarshal([]byte(resultText(t, result)), &resp); err != nil {
			t.Fatalf("unmarshaling result: %v", err)
		}
		if resp.Outcome != pipeline.OutcomeExhausted {
			t.Errorf("outcome = %q, want exhausted", resp.Outcome)
		}
	})
}

func TestHandleExecute(t *testing.T) {
	t.Run("runs an accepted statement", func(t *testing.T) {
		tk, mock := newTestToolkit(t, &scriptedClient{})
		mock.ExpectQuery(testSQL).WillReturnRows(
			sqlmock.NewRows([]string{"ProductID", "Name"}).AddRow(1, "Adjustable Race"))

		result, _, err := tk.handleExecute(context.Background(), executeInput{SQL: testSQL})
		if err != nil {
			t.Fatalf("handleExecute: %v", err)
		}
		if result.IsError {
			t.Fatalf("IsError = true: %s", resultText(t, result))
		}
	})

	t.Run("rejected statement is a tool error", func(t *testing.T) {
		tk, _ := newTestToolkit(t, &scriptedClient{})

		result, _, err := tk.handleExecute(context.Background(), executeInput{SQL: "DELETE FROM Production.Product"})
		if err != nil {
			t.Fatalf("handleExecute: %v", err)
		}
		if !result.IsError {
			t.Fatal("IsError = false, want true")
		}

		var resp pipeline.Response
		if err := json.Unmarshal([]byte(resultText(t, result)), &resp); err != nil {
			t.Fatalf("unmarshaling result: %v", err)
		}
		if resp.Outcome != pipeline.OutcomeRejected {
			t.Errorf("outcome = %q, want rejected", resp.Outcome)
		}
	})
}

func TestHandleSchemaResource(t *testing.T) {
	tk, _ := newTestToolkit(t, &scriptedClient{})

	t.Run("returns an allow-listed object", func(t *testing.T) {
		req := &mcp.ReadResourceRequest{
			Params: &mcp.ReadResourceParams{URI: "schema://Production/Product"},
		}
		result, err := tk.handleSchemaResource(context.Background(), req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(result.Contents) != 1 {
			t.Fatalf("contents = %d, want 1", len(result.Contents))
		}

		var obj schema.Object
		if err := json.Unmarshal([]byte(result.Contents[0].Text), &obj); err != nil {
			t.Fatalf("unmarshaling resource: %v", err)
		}
		if obj.Name != "Production.Product" {
			t.Errorf("name = %q", obj.Name)
		}
		if len(obj.Columns) != 2 {
			t.Errorf("columns = %d, want 2", len(obj.Columns))
		}
	})

	t.Run("unknown object is not found", func(t *testing.T) {
		req := &mcp.ReadResourceRequest{
			Params: &mcp.ReadResourceParams{URI: "schema://Sales/Secrets"},
		}
		if _, err := tk.handleSchemaResource(context.Background(), req); err == nil {
			t.Fatal("expected resource-not-found error")
		}
	})

	t.Run("malformed uri is not found", func(t *testing.T) {
		req := &mcp.ReadResourceRequest{
			Params: &mcp.ReadResourceParams{URI: "glossary://nope"},
		}
		if _, err := tk.handleSchemaResource(context.Background(), req); err == nil {
			t.Fatal("expected resource-not-found error")
		}
	})
}

func TestHandleAllowlistResource(t *testing.T) {
	tk, _ := newTestToolkit(t, &scriptedClient{})

	result, err := tk.handleAllowlistResource(context.Background(), &mcp.ReadResourceRequest{
		Params: &mcp.ReadResourceParams{URI: allowlistURI},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var body struct {
		DefaultSchema string           `json:"default_schema"`
		Objects       []allowlistEntry `json:"objects"`
	}
	if err := json.Unmarshal([]byte(result.Contents[0].Text), &body); err != nil {
		t.Fatalf("unmarshaling resource: %v", err)
	}
	if body.DefaultSchema != "Production" {
		t.Errorf("default schema = %q", body.DefaultSchema)
	}
	if len(body.Objects) != 2 {
		t.Errorf("objects = %d, want 2", len(body.Objects))
	}
}
