package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/txn2/mcp-nlsql/pkg/config"
	"github.com/txn2/mcp-nlsql/pkg/execute"
	"github.com/txn2/mcp-nlsql/pkg/generate"
	"github.com/txn2/mcp-nlsql/pkg/health"
	"github.com/txn2/mcp-nlsql/pkg/llm"
	"github.com/txn2/mcp-nlsql/pkg/pipeline"
	"github.com/txn2/mcp-nlsql/pkg/schema"
	"github.com/txn2/mcp-nlsql/pkg/sqlguard"
)

const testSQL = "SELECT TOP (10) ProductID, Name FROM Production.Product ORDER BY ProductID"

// scriptedClient returns one completion per call, in order.
type scriptedClient struct {
	completions []string
	errs        []error
	calls       int
}

func (c *scriptedClient) Complete(context.Context, llm.Request) (string, error) {
	i := c.calls
	c.calls++
	if i < len(c.errs) && c.errs[i] != nil {
		return "", c.errs[i]
	}
	if i >= len(c.completions) {
		return "", io.EOF
	}
	return c.completions[i], nil
}

func newTestPipeline(t *testing.T, client llm.Client) (*pipeline.Pipeline, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("opening sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	catalog, err := schema.NewCatalog(config.SchemaConfig{
		DefaultSchema: "Production",
		Objects: []config.ObjectConfig{
			{
				Name:       "Production.Product",
				Kind:       "table",
				PrimaryKey: []string{"ProductID"},
				Columns: []config.ColumnConfig{
					{Name: "ProductID", Type: "int"},
					{Name: "Name", Type: "nvarchar(50)"},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("building catalog: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	validator := sqlguard.New(catalog, sqlguard.Limits{MaxRowCap: 5000, MaxSubqueryDepth: 3})
	generator := generate.New(client, generate.NewPromptBuilder(catalog, 5000), catalog, logger)
	executor := execute.New(db, execute.Options{RowCap: 100, Timeout: 5 * time.Second}, logger)

	return pipeline.New(generator, validator, executor, nil, nil, pipeline.Config{MaxAttempts: 2}, logger), mock
}

func newTestHandler(t *testing.T, client llm.Client, authMiddle func(http.Handler) http.Handler) (*Handler, sqlmock.Sqlmock) {
	t.Helper()
	p, mock := newTestPipeline(t, client)
	checker := health.NewChecker()
	checker.SetReady()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandler(p, checker, authMiddle, Options{}, logger), mock
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) pipeline.Response {
	t.Helper()
	var resp pipeline.Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return resp
}

func TestPostQuery_Success(t *testing.T) {
	client := &scriptedClient{completions: []string{testSQL}}
	h, mock := newTestHandler(t, client, nil)
	mock.ExpectQuery(testSQL).WillReturnRows(
		sqlmock.NewRows([]string{"ProductID", "Name"}).AddRow(1, "Adjustable Race"))

	rec := postJSON(t, h, "/api/v1/query", `{"question":"top products"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	resp := decodeResponse(t, rec)
	if resp.Outcome != pipeline.OutcomeSucceeded {
		t.Errorf("outcome = %q, want succeeded", resp.Outcome)
	}
	if resp.SQL != testSQL {
		t.Errorf("sql = %q", resp.SQL)
	}
	if resp.Result == nil || resp.Result.RowCount != 1 {
		t.Errorf("result = %+v, want 1 row", resp.Result)
	}
}

func TestPostQuery_BadRequests(t *testing.T) {
	h, _ := newTestHandler(t, &scriptedClient{}, nil)

	t.Run("missing question", func(t *testing.T) {
		rec := postJSON(t, h, "/api/v1/query", `{}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := postJSON(t, h, "/api/v1/query", `{"question":`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("question too long", func(t *testing.T) {
		long := strings.Repeat("x", 1001)
		rec := postJSON(t, h, "/api/v1/query", `{"question":"`+long+`"}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("page out of range", func(t *testing.T) {
		rec := postJSON(t, h, "/api/v1/query", `{"question":"q","page":-1}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("page size too large", func(t *testing.T) {
		rec := postJSON(t, h, "/api/v1/query", `{"question":"q","page":1,"page_size":5000}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestPostQuery_ExhaustedIsUnprocessable(t *testing.T) {
	client := &scriptedClient{completions: []string{
		"DELETE FROM Production.Product",
		"DROP TABLE Production.Product",
	}}
	h, _ := newTestHandler(t, client, nil)

	rec := postJSON(t, h, "/api/v1/query", `{"question":"destroy everything"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.Outcome != pipeline.OutcomeExhausted {
		t.Errorf("outcome = %q, want exhausted", resp.Outcome)
	}
}

func TestPostQuery_ModelOutage(t *testing.T) {
	// The pipeline retries outages until its budget runs out, then the
	// outage surfaces as a 503 rather than a 422.
	client := &scriptedClient{errs: []error{llm.ErrUnavailable, llm.ErrUnavailable}}
	h, _ := newTestHandler(t, client, nil)

	rec := postJSON(t, h, "/api/v1/query", `{"question":"q"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestPostExecute(t *testing.T) {
	t.Run("accepted statement runs", func(t *testing.T) {
		h, mock := newTestHandler(t, &scriptedClient{}, nil)
		mock.ExpectQuery(testSQL).WillReturnRows(
			sqlmock.NewRows([]string{"ProductID", "Name"}).AddRow(1, "Adjustable Race"))

		body, _ := json.Marshal(executeRequest{SQL: testSQL})
		rec := postJSON(t, h, "/api/v1/execute", string(body))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("rejected statement is unprocessable", func(t *testing.T) {
		h, _ := newTestHandler(t, &scriptedClient{}, nil)

		rec := postJSON(t, h, "/api/v1/execute", `{"sql":"DELETE FROM Production.Product"}`)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("status = %d, want 422", rec.Code)
		}
		resp := decodeResponse(t, rec)
		if resp.Outcome != pipeline.OutcomeRejected {
			t.Errorf("outcome = %q, want rejected", resp.Outcome)
		}
	})

	t.Run("missing sql", func(t *testing.T) {
		h, _ := newTestHandler(t, &scriptedClient{}, nil)
		rec := postJSON(t, h, "/api/v1/execute", `{}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestHealthEndpoints(t *testing.T) {
	auth := RequireKey(NewKeyAuthenticator(config.APIKeysConfig{
		Keys: []config.APIKeyDef{{Key: "secret", Name: "ci"}},
	}))
	h, _ := newTestHandler(t, &scriptedClient{}, auth)

	// Health endpoints bypass authentication.
	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}

	// API endpoints do not.
	rec := postJSON(t, h, "/api/v1/query", `{"question":"q"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated query = %d, want 401", rec.Code)
	}
}
