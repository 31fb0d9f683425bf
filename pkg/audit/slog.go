package audit

import (
	"context"
	"errors"
	"log/slog"
)

// SlogLogger writes audit events to a structured log. It is the default
// audit sink when no database store is configured. Query is unsupported; a
// log stream cannot be filtered after the fact.
type SlogLogger struct {
	logger *slog.Logger
}

// ErrQueryUnsupported is returned by sinks that cannot query history.
var ErrQueryUnsupported = errors.New("audit: store does not support queries")

// NewSlogLogger creates a log-backed audit sink.
func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger}
}

// Log implements Logger.
func (l *SlogLogger) Log(ctx context.Context, event Event) error {
	l.logger.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.String("event_id", event.ID),
		slog.String("correlation_id", event.CorrelationID),
		slog.String("stage", string(event.Stage)),
		slog.String("operation", event.Operation),
		slog.Int("attempt", event.Attempt),
		slog.Bool("success", event.Success),
		slog.String("verdict_reason", event.VerdictReason),
		slog.String("error_kind", event.ErrorKind),
		slog.Int("row_count", event.RowCount),
		slog.Int64("duration_ms", event.DurationMS),
	)
	return nil
}

// Query implements Logger.
func (l *SlogLogger) Query(context.Context, QueryFilter) ([]Event, error) {
	return nil, ErrQueryUnsupported
}

// Close implements Logger.
func (l *SlogLogger) Close() error { return nil }

var _ Logger = (*SlogLogger)(nil)
