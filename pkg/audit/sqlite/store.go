// Package sqlite provides embedded SQLite storage for audit logs, for
// deployments that want durable audit history without a PostgreSQL server.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"github.com/txn2/mcp-nlsql/pkg/audit"
)

const (
	defaultRetentionDays = 90
	defaultQueryCapacity = 100
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS audit_logs (
	id             TEXT PRIMARY KEY,
	timestamp      TIMESTAMP NOT NULL,
	correlation_id TEXT NOT NULL,
	stage          TEXT NOT NULL,
	operation      TEXT NOT NULL DEFAULT '',
	source         TEXT NOT NULL DEFAULT '',
	attempt        INTEGER NOT NULL DEFAULT 0,
	question       TEXT NOT NULL DEFAULT '',
	sql_text       TEXT NOT NULL DEFAULT '',
	verdict_reason TEXT NOT NULL DEFAULT '',
	objects        TEXT NOT NULL DEFAULT '[]',
	success        BOOLEAN NOT NULL DEFAULT 0,
	error_kind     TEXT NOT NULL DEFAULT '',
	error_message  TEXT NOT NULL DEFAULT '',
	row_count      INTEGER NOT NULL DEFAULT 0,
	duration_ms    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_logs_correlation ON audit_logs (correlation_id);
CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs (timestamp);
`

var auditColumns = []string{
	"id", "timestamp", "correlation_id", "stage", "operation", "source",
	"attempt", "question", "sql_text", "verdict_reason", "objects",
	"success", "error_kind", "error_message", "row_count", "duration_ms",
}

// Store implements audit.Logger using SQLite.
type Store struct {
	db            *sql.DB
	retentionDays int
	cancel        context.CancelFunc
	done          chan struct{}
}

// Config configures the SQLite audit store.
type Config struct {
	// Path is the database file path. ":memory:" keeps the log in memory.
	Path          string
	RetentionDays int
}

// Open opens (or creates) the database file and prepares the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite audit store: path is required")
	}
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = defaultRetentionDays
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	// SQLite serializes writers; one connection avoids lock contention.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("preparing audit schema: %w", err)
	}

	return &Store{db: db, retentionDays: cfg.RetentionDays}, nil
}

// Log records an audit event.
func (s *Store) Log(ctx context.Context, event audit.Event) error {
	objects, err := json.Marshal(event.Objects)
	if err != nil {
		objects = []byte("[]")
	}

	query := `
		INSERT INTO audit_logs
		(id, timestamp, correlation_id, stage, operation, source, attempt, question, sql_text, verdict_reason, objects, success, error_kind, error_message, row_count, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		event.ID,
		event.Timestamp,
		event.CorrelationID,
		string(event.Stage),
		event.Operation,
		event.Source,
		event.Attempt,
		event.Question,
		event.SQL,
		event.VerdictReason,
		string(objects),
		event.Success,
		event.ErrorKind,
		event.ErrorMessage,
		event.RowCount,
		event.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("inserting audit log: %w", err)
	}
	return nil
}

func applyAuditFilter(qb sq.SelectBuilder, filter audit.QueryFilter) sq.SelectBuilder {
	if filter.CorrelationID != "" {
		qb = qb.Where(sq.Eq{"correlation_id": filter.CorrelationID})
	}
	if filter.Stage != "" {
		qb = qb.Where(sq.Eq{"stage": string(filter.Stage)})
	}
	if filter.Operation != "" {
		qb = qb.Where(sq.Eq{"operation": filter.Operation})
	}
	if filter.StartTime != nil {
		qb = qb.Where(sq.GtOrEq{"timestamp": *filter.StartTime})
	}
	if filter.EndTime != nil {
		qb = qb.Where(sq.LtOrEq{"timestamp": *filter.EndTime})
	}
	if filter.Success != nil {
		qb = qb.Where(sq.Eq{"success": *filter.Success})
	}
	return qb
}

// Query retrieves audit events matching the filter, newest first.
func (s *Store) Query(ctx context.Context, filter audit.QueryFilter) ([]audit.Event, error) {
	qb := applyAuditFilter(sq.Select(auditColumns...).From("audit_logs"), filter)
	qb = qb.OrderBy("timestamp DESC", "id DESC")
	if filter.Limit > 0 {
		qb = qb.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		qb = qb.Offset(uint64(filter.Offset))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building audit query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	allocCap := defaultQueryCapacity
	if filter.Limit > 0 && filter.Limit < allocCap {
		allocCap = filter.Limit
	}
	events := make([]audit.Event, 0, allocCap)

	for rows.Next() {
		var event audit.Event
		var stage string
		var objects string
		if err := rows.Scan(
			&event.ID,
			&event.Timestamp,
			&event.CorrelationID,
			&stage,
			&event.Operation,
			&event.Source,
			&event.Attempt,
			&event.Question,
			&event.SQL,
			&event.VerdictReason,
			&objects,
			&event.Success,
			&event.ErrorKind,
			&event.ErrorMessage,
			&event.RowCount,
			&event.DurationMS,
		); err != nil {
			return nil, fmt.Errorf("scanning audit log row: %w", err)
		}
		event.Stage = audit.Stage(stage)
		if objects != "" {
			_ = json.Unmarshal([]byte(objects), &event.Objects)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit log rows: %w", err)
	}
	return events, nil
}

// Cleanup removes audit logs older than retention period.
func (s *Store) Cleanup(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE timestamp < ?`, cutoff); err != nil {
		return fmt.Errorf("cleaning up audit logs: %w", err)
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically deletes
// old audit logs. The goroutine is stopped when Close is called.
func (s *Store) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.Cleanup(ctx)
			}
		}
	}()
}

// Close stops the cleanup goroutine and closes the database.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return s.db.Close()
}

var _ audit.Logger = (*Store)(nil)
