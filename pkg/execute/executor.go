// Package execute runs validated statements against SQL Server with a
// statement timeout and a hard row cap. It accepts only sqlguard.Validated
// statements, so unvalidated SQL cannot reach the database through this
// package.
package execute

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/txn2/mcp-nlsql/pkg/sqlguard"
)

// Column describes one result column.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// Result is a bounded query result. Rows never exceeds the executor's row
// cap; HasMore reports whether the statement produced more rows than were
// returned.
type Result struct {
	Columns  []Column        `json:"columns"`
	Rows     [][]interface{} `json:"rows"`
	RowCount int             `json:"row_count"`
	HasMore  bool            `json:"has_more"`
	Elapsed  time.Duration   `json:"-"`
}

// Options bounds executor behavior.
type Options struct {
	// RowCap is the maximum number of rows returned per statement.
	RowCap int

	// Timeout bounds each statement's execution.
	Timeout time.Duration
}

const (
	defaultRowCap  = 5000
	defaultTimeout = 30 * time.Second
)

// Executor coordinates statement execution over a shared connection pool.
type Executor struct {
	db      *sql.DB
	rowCap  int
	timeout time.Duration
	logger  *slog.Logger
}

// New creates an executor over db.
func New(db *sql.DB, opts Options, logger *slog.Logger) *Executor {
	if opts.RowCap <= 0 {
		opts.RowCap = defaultRowCap
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{db: db, rowCap: opts.RowCap, timeout: opts.Timeout, logger: logger}
}

// Execute runs the statement and collects its rows up to the row cap. The
// statement is rewritten to materialize at most cap+1 rows server-side, so
// the cap bounds database work rather than just the returned slice. Errors
// are classified as *Error so callers can decide whether a repair attempt
// makes sense.
func (e *Executor) Execute(ctx context.Context, stmt sqlguard.Validated) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	rows, err := e.db.QueryContext(ctx, stmt.Bounded(e.rowCap+1))
	if err != nil {
		execErr := classify(err)
		e.logger.Error("statement execution failed",
			"kind", string(execErr.Kind),
			"number", execErr.Number,
			"elapsed", time.Since(start))
		return nil, execErr
	}
	defer rows.Close()

	result, err := e.collect(rows)
	if err != nil {
		return nil, classify(err)
	}
	result.Elapsed = time.Since(start)

	e.logger.Debug("statement executed",
		"rows", result.RowCount,
		"has_more", result.HasMore,
		"elapsed", result.Elapsed)
	return result, nil
}

// Ping verifies database connectivity.
func (e *Executor) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.db.PingContext(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// collect drains rows up to the cap. One extra Next call past the cap sets
// HasMore without fetching the remainder.
func (e *Executor) collect(rows *sql.Rows) (*Result, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	columns := make([]Column, len(types))
	for i, ct := range types {
		columns[i] = Column{Name: ct.Name(), Type: ct.DatabaseTypeName()}
	}

	result := &Result{Columns: columns, Rows: [][]interface{}{}}
	for rows.Next() {
		if result.RowCount >= e.rowCap {
			result.HasMore = true
			e.logger.Warn("result truncated at row cap", "row_cap", e.rowCap)
			break
		}

		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
		result.RowCount++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
