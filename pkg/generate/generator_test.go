package generate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/txn2/mcp-nlsql/pkg/config"
	"github.com/txn2/mcp-nlsql/pkg/llm"
	"github.com/txn2/mcp-nlsql/pkg/schema"
)

type stubClient struct {
	completion string
	err        error
	lastReq    llm.Request
}

func (s *stubClient) Complete(_ context.Context, req llm.Request) (string, error) {
	s.lastReq = req
	return s.completion, s.err
}

func testCatalog(t *testing.T) *schema.Catalog {
	t.Helper()
	catalog, err := schema.NewCatalog(config.SchemaConfig{
		DefaultSchema: "dbo",
		Objects: []config.ObjectConfig{
			{
				Name:        "Sales.SalesOrderHeader",
				Kind:        "table",
				Description: "Sales order headers",
				PrimaryKey:  []string{"SalesOrderID"},
				Columns: []config.ColumnConfig{
					{Name: "SalesOrderID", Type: "int"},
					{Name: "TotalDue", Type: "money"},
				},
			},
			{
				Name:       "Production.Product",
				Kind:       "table",
				PrimaryKey: []string{"ProductID"},
				Columns: []config.ColumnConfig{
					{Name: "ProductID", Type: "int"},
					{Name: "Name", Type: "nvarchar"},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("building catalog: %v", err)
	}
	return catalog
}

func newTestGenerator(t *testing.T, client llm.Client) *Generator {
	t.Helper()
	catalog := testCatalog(t)
	return New(client, NewPromptBuilder(catalog, 5000), catalog, nil)
}

func TestGenerator_Generate(t *testing.T) {
	t.Run("returns cleaned candidate", func(t *testing.T) {
		client := &stubClient{completion: "```sql\nSELECT TOP (5) ProductID FROM Production.Product ORDER BY ProductID;\n```"}
		g := newTestGenerator(t, client)

		sql, err := g.Generate(context.Background(), Input{Question: "first five products"})
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		want := "SELECT TOP (5) ProductID FROM Production.Product ORDER BY ProductID"
		if sql != want {
			t.Errorf("got %q, want %q", sql, want)
		}
	})

	t.Run("system prompt carries schema and constraints", func(t *testing.T) {
		client := &stubClient{completion: "SELECT 1"}
		g := newTestGenerator(t, client)

		if _, err := g.Generate(context.Background(), Input{Question: "how many orders"}); err != nil {
			t.Fatalf("Generate: %v", err)
		}
		sys := client.lastReq.System
		for _, want := range []string{
			"T-SQL",
			"Sales.SalesOrderHeader",
			"ORDER BY",
			"OFFSET",
		} {
			if !strings.Contains(sys, want) {
				t.Errorf("system prompt missing %q", want)
			}
		}
	})

	t.Run("pagination appears in user prompt", func(t *testing.T) {
		client := &stubClient{completion: "SELECT 1"}
		g := newTestGenerator(t, client)

		_, err := g.Generate(context.Background(), Input{
			Question: "orders",
			Page:     Pagination{Page: 3, PageSize: 20},
		})
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if !strings.Contains(client.lastReq.User, "OFFSET 40 ROWS FETCH NEXT 20 ROWS ONLY") {
			t.Errorf("user prompt missing pagination window: %q", client.lastReq.User)
		}
	})

	t.Run("repair prompt quotes the failed query", func(t *testing.T) {
		client := &stubClient{completion: "SELECT 1"}
		g := newTestGenerator(t, client)

		_, err := g.Generate(context.Background(), Input{
			Question: "orders",
			Repair: &Repair{
				SQL:     "SELECT TOP (10) TotalDue FROM Sales.SalesOrderHeader",
				Failure: "row-limited queries must include ORDER BY",
			},
		})
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		user := client.lastReq.User
		if !strings.Contains(user, "SELECT TOP (10) TotalDue FROM Sales.SalesOrderHeader") {
			t.Errorf("repair prompt missing failed query: %q", user)
		}
		if !strings.Contains(user, "row-limited queries must include ORDER BY") {
			t.Errorf("repair prompt missing failure text: %q", user)
		}
	})

	t.Run("empty completion reported", func(t *testing.T) {
		client := &stubClient{completion: "```sql\n```"}
		g := newTestGenerator(t, client)

		_, err := g.Generate(context.Background(), Input{Question: "q"})
		if !errors.Is(err, ErrNoCandidate) {
			t.Errorf("got %v, want ErrNoCandidate", err)
		}
	})

	t.Run("client errors propagate", func(t *testing.T) {
		client := &stubClient{err: llm.ErrUnavailable}
		g := newTestGenerator(t, client)

		_, err := g.Generate(context.Background(), Input{Question: "q"})
		if !errors.Is(err, llm.ErrUnavailable) {
			t.Errorf("got %v, want ErrUnavailable", err)
		}
	})
}

func TestClean(t *testing.T) {
	cases := map[string]struct {
		in   string
		want string
	}{
		"plain statement":      {"SELECT 1", "SELECT 1"},
		"fenced with language": {"```sql\nSELECT 1\n```", "SELECT 1"},
		"fenced bare":          {"```\nSELECT 1\n```", "SELECT 1"},
		"trailing terminator":  {"SELECT 1;", "SELECT 1"},
		"second statement clamped": {
			"SELECT TOP (5) a FROM t ORDER BY a; DROP TABLE t",
			"SELECT TOP (5) a FROM t ORDER BY a",
		},
		"commentary after fence dropped": {
			"```sql\nSELECT 1\n```\nThis query counts rows.",
			"SELECT 1",
		},
		"whitespace only": {"   \n\t", ""},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if got := Clean(tc.in); got != tc.want {
				t.Errorf("Clean(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
