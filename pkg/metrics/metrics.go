// Package metrics exposes pipeline counters through OpenTelemetry. With no
// meter provider installed the instruments are no-ops, so callers record
// unconditionally.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/txn2/mcp-nlsql"

// Pipeline holds the pipeline's counters and histograms.
type Pipeline struct {
	attempts    metric.Int64Counter
	rejections  metric.Int64Counter
	executions  metric.Int64Counter
	exhaustions metric.Int64Counter
	duration    metric.Float64Histogram
}

// NewPipeline creates the pipeline instruments.
func NewPipeline() (*Pipeline, error) {
	meter := otel.Meter(meterName)

	attempts, err := meter.Int64Counter("nlsql.pipeline.attempts",
		metric.WithDescription("Generation attempts, including repairs"))
	if err != nil {
		return nil, err
	}
	rejections, err := meter.Int64Counter("nlsql.validator.rejections",
		metric.WithDescription("Candidates rejected by the safety validator"))
	if err != nil {
		return nil, err
	}
	executions, err := meter.Int64Counter("nlsql.executions",
		metric.WithDescription("Statements executed against the database"))
	if err != nil {
		return nil, err
	}
	exhaustions, err := meter.Int64Counter("nlsql.pipeline.exhaustions",
		metric.WithDescription("Requests that exhausted their attempt budget"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("nlsql.pipeline.duration",
		metric.WithDescription("End-to-end pipeline duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		attempts:    attempts,
		rejections:  rejections,
		executions:  executions,
		exhaustions: exhaustions,
		duration:    duration,
	}, nil
}

// RecordAttempt counts one generation attempt.
func (p *Pipeline) RecordAttempt(ctx context.Context, repair bool) {
	p.attempts.Add(ctx, 1, metric.WithAttributes(attribute.Bool("repair", repair)))
}

// RecordRejection counts one validator rejection by reason.
func (p *Pipeline) RecordRejection(ctx context.Context, reason string) {
	p.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordExecution counts one database execution by outcome.
func (p *Pipeline) RecordExecution(ctx context.Context, success bool) {
	p.executions.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

// RecordExhaustion counts one exhausted request.
func (p *Pipeline) RecordExhaustion(ctx context.Context) {
	p.exhaustions.Add(ctx, 1)
}

// RecordDuration records one end-to-end pipeline run by outcome.
func (p *Pipeline) RecordDuration(ctx context.Context, seconds float64, outcome string) {
	p.duration.Record(ctx, seconds, metric.WithAttributes(attribute.String("outcome", outcome)))
}
