package audit

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Stage identifies which pipeline stage an event records.
type Stage string

const (
	// StageGeneration is a language-model generation attempt.
	StageGeneration Stage = "generation"

	// StageValidation is a safety-validator verdict.
	StageValidation Stage = "validation"

	// StageExecution is a database execution attempt.
	StageExecution Stage = "execution"

	// StagePipeline is the terminal outcome of a whole request.
	StagePipeline Stage = "pipeline"
)

// NewEvent creates an event for one pipeline stage. Event IDs are ULIDs so
// events for a correlation ID sort in creation order.
func NewEvent(correlationID string, stage Stage) *Event {
	return &Event{
		ID:            ulid.Make().String(),
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
		Stage:         stage,
	}
}

// WithOperation records which external operation drove the request.
func (e *Event) WithOperation(operation, source string) *Event {
	e.Operation = operation
	e.Source = source
	return e
}

// WithAttempt records the attempt number, 1-based.
func (e *Event) WithAttempt(attempt int) *Event {
	e.Attempt = attempt
	return e
}

// WithQuestion records the natural-language question.
func (e *Event) WithQuestion(question string) *Event {
	e.Question = question
	return e
}

// WithSQL records the candidate statement text.
func (e *Event) WithSQL(sql string) *Event {
	e.SQL = sql
	return e
}

// WithVerdict records a validation outcome.
func (e *Event) WithVerdict(accepted bool, reason string, objects []string) *Event {
	e.Success = accepted
	e.VerdictReason = reason
	e.Objects = objects
	return e
}

// WithResult records the stage outcome.
func (e *Event) WithResult(success bool, errorKind, errorMsg string, durationMS int64) *Event {
	e.Success = success
	e.ErrorKind = errorKind
	e.ErrorMessage = errorMsg
	e.DurationMS = durationMS
	return e
}

// WithRowCount records how many rows an execution returned.
func (e *Event) WithRowCount(n int) *Event {
	e.RowCount = n
	return e
}
