package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/txn2/mcp-nlsql/pkg/config"
)

const (
	defaultModel       = "gpt-4o-mini"
	defaultMaxTokens   = 1024
	defaultTimeout     = 30 * time.Second
	defaultMaxRetries  = 2
	defaultConcurrency = 4

	initialBackoff = time.Second
)

// OpenAIClient talks to an OpenAI-compatible chat completions endpoint.
// Requests are bounded by a concurrency semaphore, retried with exponential
// backoff on transient failures, and guarded by a circuit breaker so a dead
// backend fails fast instead of queueing work.
type OpenAIClient struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	maxRetries  uint64

	retryInterval time.Duration

	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	sem        *semaphore.Weighted
	logger     *slog.Logger
}

// NewOpenAIClient creates a client from configuration. The base URL must
// point at a chat-completions endpoint.
func NewOpenAIClient(cfg config.LLMConfig, logger *slog.Logger) (*OpenAIClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("llm: base_url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}
	concurrency := cfg.MaxConcurrent
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "llm",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("llm circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})

	return &OpenAIClient{
		baseURL:     cfg.BaseURL,
		apiKey:      cfg.APIKey,
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
		maxRetries:  uint64(maxRetries),

		retryInterval: initialBackoff,

		httpClient:  &http.Client{Timeout: timeout},
		breaker:     breaker,
		sem:         semaphore.NewWeighted(int64(concurrency)),
		logger:      logger,
	}, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete implements Client.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", classifyContextErr(err)
	}
	defer c.sem.Release(1)

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.completeWithRetry(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		return "", err
	}
	return result.(string), nil
}

// completeWithRetry retries transient failures with exponential backoff
// starting at one second and doubling each attempt.
func (c *OpenAIClient) completeWithRetry(ctx context.Context, req Request) (string, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryInterval
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	var content string
	attempt := 0
	op := func() error {
		attempt++
		var err error
		content, err = c.complete(ctx, req)
		if err != nil && attempt <= int(c.maxRetries) && isRetryable(err) {
			c.logger.Warn("llm request failed, retrying",
				"attempt", attempt,
				"error", err)
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, c.maxRetries), ctx))
	if err != nil {
		return "", err
	}
	return content, nil
}

// complete performs a single HTTP round trip. Non-retryable failures are
// marked permanent so the backoff loop stops immediately.
func (c *OpenAIClient) complete(ctx context.Context, req Request) (string, error) {
	var messages []chatMessage
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.User})

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("llm: marshaling request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("llm: creating request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return "", fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		return "", backoff.Permanent(fmt.Errorf("llm: status %d: %s", resp.StatusCode, truncate(respBody, 256)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", backoff.Permanent(fmt.Errorf("llm: parsing response: %w", err))
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", backoff.Permanent(ErrEmptyCompletion)
	}
	return parsed.Choices[0].Message.Content, nil
}

func isRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func classifyContextErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

var _ Client = (*OpenAIClient)(nil)
