// Package audit records every stage of the question-to-result pipeline.
// Events for one request share a correlation ID so a rejected candidate,
// its repair attempts, and the final outcome can be reconstructed in order.
package audit

import (
	"context"
	"time"
)

// Logger defines the interface for audit logging.
type Logger interface {
	// Log records an audit event.
	Log(ctx context.Context, event Event) error

	// Query retrieves audit events matching the filter.
	Query(ctx context.Context, filter QueryFilter) ([]Event, error)

	// Close releases resources.
	Close() error
}

// Event represents one auditable pipeline stage.
type Event struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	Stage         Stage     `json:"stage"`
	Operation     string    `json:"operation"`
	Source        string    `json:"source,omitempty"`
	Attempt       int       `json:"attempt"`
	Question      string    `json:"question,omitempty"`
	SQL           string    `json:"sql,omitempty"`
	VerdictReason string    `json:"verdict_reason,omitempty"`
	Objects       []string  `json:"objects,omitempty"`
	Success       bool      `json:"success"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	RowCount      int       `json:"row_count"`
	DurationMS    int64     `json:"duration_ms"`
}

// QueryFilter defines criteria for querying audit events.
type QueryFilter struct {
	CorrelationID string
	Stage         Stage
	Operation     string
	StartTime     *time.Time
	EndTime       *time.Time
	Success       *bool
	Limit         int
	Offset        int
}

// Config configures audit logging.
type Config struct {
	Enabled       bool
	RetentionDays int
}
