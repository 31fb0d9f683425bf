// Package pipeline drives the generate-validate-execute loop. It owns the
// attempt budget and the repair decisions; no statement reaches the executor
// without an accepting verdict, which the sqlguard.Validated type enforces
// at compile time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/mcp-nlsql/pkg/audit"
	"github.com/txn2/mcp-nlsql/pkg/execute"
	"github.com/txn2/mcp-nlsql/pkg/generate"
	"github.com/txn2/mcp-nlsql/pkg/llm"
	"github.com/txn2/mcp-nlsql/pkg/metrics"
	"github.com/txn2/mcp-nlsql/pkg/sqlguard"
)

// Outcome is the terminal state of one pipeline run.
type Outcome string

const (
	// OutcomeSucceeded means a validated statement executed and returned rows.
	OutcomeSucceeded Outcome = "succeeded"

	// OutcomeExhausted means every attempt in the budget failed.
	OutcomeExhausted Outcome = "exhausted"

	// OutcomeRejected means a caller-provided statement failed validation.
	OutcomeRejected Outcome = "rejected"

	// OutcomeFailed means a non-repairable failure ended the run early.
	OutcomeFailed Outcome = "failed"
)

// state tracks where the controller is inside one run. Transitions:
// generating -> validating -> executing or repairing; executing -> done or
// repairing; repairing -> generating while budget remains, else done.
type state int

const (
	stateGenerating state = iota
	stateValidating
	stateExecuting
	stateRepairing
	stateDone
)

// Request describes one question-to-result run.
type Request struct {
	Question string
	Page     generate.Pagination

	// Operation and Source label audit events ("ask" via "mcp", etc).
	Operation string
	Source    string

	// CorrelationID ties all audit events of the run together. Assigned
	// when empty.
	CorrelationID string
}

// Response is the terminal result of a run. Message is safe to show to the
// caller; it is drawn from the closed validator and executor vocabularies.
type Response struct {
	CorrelationID string          `json:"correlation_id"`
	Outcome       Outcome         `json:"outcome"`
	SQL           string          `json:"sql,omitempty"`
	Result        *execute.Result `json:"result,omitempty"`
	Attempts      int             `json:"attempts"`
	Message       string          `json:"message,omitempty"`
	ElapsedMS     int64           `json:"elapsed_ms"`
	Elapsed       time.Duration   `json:"-"`
}

func (r *Response) finish(start time.Time) *Response {
	r.Elapsed = time.Since(start)
	r.ElapsedMS = r.Elapsed.Milliseconds()
	return r
}

const defaultMaxAttempts = 3

// Config bounds the pipeline.
type Config struct {
	// MaxAttempts is the total generation budget per run, first attempt
	// included.
	MaxAttempts int
}

// Pipeline wires the generator, validator and executor into the repair loop.
type Pipeline struct {
	generator   *generate.Generator
	validator   *sqlguard.Validator
	executor    *execute.Executor
	auditor     audit.Logger
	metrics     *metrics.Pipeline
	logger      *slog.Logger
	maxAttempts int
}

// New creates a pipeline. auditor and meters may be nil, in which case
// auditing falls back to the structured log and metrics are dropped.
func New(
	generator *generate.Generator,
	validator *sqlguard.Validator,
	executor *execute.Executor,
	auditor audit.Logger,
	meters *metrics.Pipeline,
	cfg Config,
	logger *slog.Logger,
) *Pipeline {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	if auditor == nil {
		auditor = audit.NewSlogLogger(logger)
	}
	return &Pipeline{
		generator:   generator,
		validator:   validator,
		executor:    executor,
		auditor:     auditor,
		metrics:     meters,
		logger:      logger,
		maxAttempts: cfg.MaxAttempts,
	}
}

// Ask runs the full loop: generate a candidate, validate it, execute it,
// and repair on recoverable failures until the attempt budget runs out.
func (p *Pipeline) Ask(ctx context.Context, req Request) (*Response, error) {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	start := time.Now()

	resp, err := p.run(ctx, req)
	if err != nil {
		p.auditPipeline(ctx, req, &Response{Outcome: OutcomeFailed}, start, err)
		return nil, err
	}

	resp.finish(start)
	p.auditPipeline(ctx, req, resp, start, nil)
	if p.metrics != nil {
		p.metrics.RecordDuration(ctx, resp.Elapsed.Seconds(), string(resp.Outcome))
		if resp.Outcome == OutcomeExhausted {
			p.metrics.RecordExhaustion(ctx)
		}
	}
	return resp, nil
}

// run is the state machine. Model outages and timeouts consume attempts
// like any other failure; run returns an error only on cancellation or when
// the budget runs out on an outage, so callers can report service health
// rather than query quality.
func (p *Pipeline) run(ctx context.Context, req Request) (*Response, error) {
	var (
		attempt     int
		repair      *generate.Repair
		sql         string
		stmt        sqlguard.Validated
		lastFailure string
		genErr      error
	)

	current := stateGenerating
	for current != stateDone {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}

		switch current {
		case stateGenerating:
			attempt++
			if p.metrics != nil {
				p.metrics.RecordAttempt(ctx, repair != nil)
			}

			genStart := time.Now()
			candidate, err := p.generator.Generate(ctx, generate.Input{
				Question: req.Question,
				Page:     req.Page,
				Repair:   repair,
			})
			p.auditStage(ctx, req, audit.NewEvent(req.CorrelationID, audit.StageGeneration).
				WithAttempt(attempt).
				WithQuestion(req.Question).
				WithSQL(candidate).
				WithResult(err == nil, "", errText(err), time.Since(genStart).Milliseconds()))
			if err != nil {
				if errors.Is(err, generate.ErrNoCandidate) {
					lastFailure = "The model produced no statement."
					repair = &generate.Repair{SQL: sql, Failure: "The previous response contained no SQL statement. Respond with exactly one SELECT statement."}
					current = stateRepairing
					continue
				}
				if errors.Is(err, llm.ErrTimeout) || errors.Is(err, llm.ErrUnavailable) {
					// Transient model failure: burn the attempt and retry
					// with the same prompt. The repair context is left as
					// is; the outage says nothing about the SQL.
					lastFailure = "The language model did not respond."
					genErr = err
					current = stateRepairing
					continue
				}
				return nil, err
			}
			genErr = nil
			sql = candidate
			current = stateValidating

		case stateValidating:
			validated, verdict := p.validator.Admit(sql)
			p.auditStage(ctx, req, audit.NewEvent(req.CorrelationID, audit.StageValidation).
				WithAttempt(attempt).
				WithSQL(sql).
				WithVerdict(verdict.Accepted, string(verdict.Reason), verdict.Objects))

			if !verdict.Accepted {
				if p.metrics != nil {
					p.metrics.RecordRejection(ctx, string(verdict.Reason))
				}
				lastFailure = verdict.Reason.Message()
				repair = &generate.Repair{SQL: sql, Failure: verdict.FailureDescription()}
				current = stateRepairing
				continue
			}
			stmt = validated
			current = stateExecuting

		case stateExecuting:
			execStart := time.Now()
			result, err := p.executor.Execute(ctx, stmt)
			if err != nil {
				var execErr *execute.Error
				if !errors.As(err, &execErr) {
					return nil, fmt.Errorf("pipeline: executing statement: %w", err)
				}

				p.auditStage(ctx, req, audit.NewEvent(req.CorrelationID, audit.StageExecution).
					WithAttempt(attempt).
					WithSQL(sql).
					WithResult(false, string(execErr.Kind), execErr.Message, time.Since(execStart).Milliseconds()))
				if p.metrics != nil {
					p.metrics.RecordExecution(ctx, false)
				}

				if !execErr.Kind.Repairable() {
					return &Response{
						CorrelationID: req.CorrelationID,
						Outcome:       OutcomeFailed,
						SQL:           sql,
						Attempts:      attempt,
						Message:       execErr.UserMessage(),
					}, nil
				}

				lastFailure = execErr.UserMessage()
				repair = &generate.Repair{SQL: sql, Failure: execErr.Message}
				current = stateRepairing
				continue
			}

			p.auditStage(ctx, req, audit.NewEvent(req.CorrelationID, audit.StageExecution).
				WithAttempt(attempt).
				WithSQL(sql).
				WithRowCount(result.RowCount).
				WithResult(true, "", "", result.Elapsed.Milliseconds()))
			if p.metrics != nil {
				p.metrics.RecordExecution(ctx, true)
			}

			return &Response{
				CorrelationID: req.CorrelationID,
				Outcome:       OutcomeSucceeded,
				SQL:           sql,
				Result:        result,
				Attempts:      attempt,
			}, nil

		case stateRepairing:
			if attempt >= p.maxAttempts {
				if genErr != nil {
					// The budget ran out on a model outage; surface the
					// outage so the API layer can answer 503/504 instead
					// of blaming the question.
					return nil, fmt.Errorf("pipeline: generating statement: %w", genErr)
				}
				return &Response{
					CorrelationID: req.CorrelationID,
					Outcome:       OutcomeExhausted,
					SQL:           sql,
					Attempts:      attempt,
					Message:       exhaustedMessage(lastFailure),
				}, nil
			}
			current = stateGenerating
		}
	}

	// Unreachable: every state either continues or returns.
	return nil, errors.New("pipeline: state machine ended without a response")
}

// ExecuteStatement validates caller-provided SQL and, when accepted, runs it.
// There is no repair: the caller owns the statement text.
func (p *Pipeline) ExecuteStatement(ctx context.Context, req Request, sql string) (*Response, error) {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	start := time.Now()

	stmt, verdict := p.validator.Admit(sql)
	p.auditStage(ctx, req, audit.NewEvent(req.CorrelationID, audit.StageValidation).
		WithAttempt(1).
		WithSQL(sql).
		WithVerdict(verdict.Accepted, string(verdict.Reason), verdict.Objects))

	if !verdict.Accepted {
		if p.metrics != nil {
			p.metrics.RecordRejection(ctx, string(verdict.Reason))
		}
		resp := (&Response{
			CorrelationID: req.CorrelationID,
			Outcome:       OutcomeRejected,
			SQL:           sql,
			Attempts:      1,
			Message:       verdict.Reason.Message(),
		}).finish(start)
		p.auditPipeline(ctx, req, resp, start, nil)
		return resp, nil
	}

	execStart := time.Now()
	result, err := p.executor.Execute(ctx, stmt)
	if err != nil {
		var execErr *execute.Error
		if !errors.As(err, &execErr) {
			return nil, fmt.Errorf("pipeline: executing statement: %w", err)
		}
		p.auditStage(ctx, req, audit.NewEvent(req.CorrelationID, audit.StageExecution).
			WithAttempt(1).
			WithSQL(sql).
			WithResult(false, string(execErr.Kind), execErr.Message, time.Since(execStart).Milliseconds()))
		if p.metrics != nil {
			p.metrics.RecordExecution(ctx, false)
		}

		resp := (&Response{
			CorrelationID: req.CorrelationID,
			Outcome:       OutcomeFailed,
			SQL:           sql,
			Attempts:      1,
			Message:       execErr.UserMessage(),
		}).finish(start)
		p.auditPipeline(ctx, req, resp, start, nil)
		return resp, nil
	}

	p.auditStage(ctx, req, audit.NewEvent(req.CorrelationID, audit.StageExecution).
		WithAttempt(1).
		WithSQL(sql).
		WithRowCount(result.RowCount).
		WithResult(true, "", "", result.Elapsed.Milliseconds()))
	if p.metrics != nil {
		p.metrics.RecordExecution(ctx, true)
	}

	resp := (&Response{
		CorrelationID: req.CorrelationID,
		Outcome:       OutcomeSucceeded,
		SQL:           sql,
		Result:        result,
		Attempts:      1,
	}).finish(start)
	p.auditPipeline(ctx, req, resp, start, nil)
	return resp, nil
}

func (p *Pipeline) auditStage(ctx context.Context, req Request, event *audit.Event) {
	event.WithOperation(req.Operation, req.Source)
	if err := p.auditor.Log(ctx, *event); err != nil {
		p.logger.Error("writing audit event", "error", err, "stage", string(event.Stage))
	}
}

func (p *Pipeline) auditPipeline(ctx context.Context, req Request, resp *Response, start time.Time, runErr error) {
	event := audit.NewEvent(req.CorrelationID, audit.StagePipeline).
		WithOperation(req.Operation, req.Source).
		WithQuestion(req.Question).
		WithAttempt(resp.Attempts).
		WithSQL(resp.SQL).
		WithResult(resp.Outcome == OutcomeSucceeded, string(resp.Outcome), errText(runErr), time.Since(start).Milliseconds())
	if resp.Result != nil {
		event.WithRowCount(resp.Result.RowCount)
	}
	if err := p.auditor.Log(ctx, *event); err != nil {
		p.logger.Error("writing audit event", "error", err, "stage", "pipeline")
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// exhaustedMessage describes a spent attempt budget using the last failure's
// pre-written message.
func exhaustedMessage(lastFailure string) string {
	if lastFailure == "" {
		return "The question could not be answered with a valid query."
	}
	return "The question could not be answered with a valid query. Last failure: " + lastFailure
}

// Timeout and outage classification for API layers.
func IsUnavailable(err error) bool {
	return errors.Is(err, llm.ErrUnavailable)
}

func IsTimeout(err error) bool {
	return errors.Is(err, llm.ErrTimeout)
}
