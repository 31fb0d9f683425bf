// Package llm abstracts the language-model backend used for SQL generation.
// The pipeline depends only on the Client interface; the OpenAI-compatible
// implementation lives alongside it.
package llm

import (
	"context"
	"errors"
)

// Request is one completion request.
type Request struct {
	// System sets the system prompt, establishing the model's role and
	// constraints.
	System string

	// User is the user-turn prompt.
	User string
}

// Client produces completions. Implementations must be safe for
// concurrent use.
type Client interface {
	// Complete returns the model's text completion for the request.
	// The returned error distinguishes timeouts and backend outages via
	// ErrTimeout and ErrUnavailable so callers can map them to stages of
	// the pipeline's error taxonomy.
	Complete(ctx context.Context, req Request) (string, error)
}

var (
	// ErrTimeout indicates the completion did not arrive within the
	// configured request timeout or the caller's context deadline.
	ErrTimeout = errors.New("llm: request timed out")

	// ErrUnavailable indicates the backend could not serve the request
	// after retries, including open-circuit rejections.
	ErrUnavailable = errors.New("llm: backend unavailable")

	// ErrEmptyCompletion indicates the backend responded without usable
	// content.
	ErrEmptyCompletion = errors.New("llm: empty completion")
)
