// Package llm is the LLM Client (spec §4.2): a single seam every pipeline
// stage calls through, adding circuit breaking, bounded concurrency,
// retries, and token accounting on top of a pluggable Provider.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkoukk/tiktoken-go"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/sirupsen/logrus"

	pipelineerrors "github.com/opsconductor/opsconductor/internal/errors"

	"github.com/opsconductor/opsconductor/internal/config"
	"github.com/opsconductor/opsconductor/pkg/llm/openaicompat"
)

// ChatMessage is one turn in a chat-completion request.
type ChatMessage struct {
	Role    string
	Content string
}

// ChatRequest is what a pipeline stage asks the LLM Client to complete.
type ChatRequest struct {
	Messages    []ChatMessage
	Temperature float32
	MaxTokens   int
	// JSONSchema, when non-empty, asks the provider to constrain its
	// output to this schema (used by Stage A/B/C's structured outputs).
	JSONSchema string
}

// ChatResponse is the provider's completion plus token accounting.
type ChatResponse struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// ChatCompleter is the interface every pipeline stage depends on, satisfied
// by *Client. Stages take this instead of *Client directly so tests can
// substitute a fake without spinning up gobreaker/semaphore/tiktoken.
type ChatCompleter interface {
	ChatCompletion(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// Provider is the one-method seam behind which concrete LLM backends live.
// Only openaicompat.Provider ships; see DESIGN.md for why the others in the
// retrieval pack's go.mod were not wired.
type Provider interface {
	ChatCompletion(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// Client wraps a Provider with the resilience behavior every stage needs:
// a circuit breaker so a failing LLM backend fails fast, a semaphore
// bounding in-flight requests, retry-with-backoff for transient failures,
// and token counting to reject oversized prompts before they're sent.
type Client struct {
	provider      Provider
	breaker       *gobreaker.CircuitBreaker
	sem           *semaphore.Weighted
	retryCount    int
	contextWindow int
	admissionWait time.Duration
	encoding      *tiktoken.Tiktoken
	logger        logrus.FieldLogger
}

// NewClient builds a Client from cfg. Only the "openai-compatible" provider
// is supported (spec §8).
func NewClient(cfg config.LLMConfig, logger logrus.FieldLogger) (*Client, error) {
	if cfg.Provider != "openai-compatible" {
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}

	provider := &openaicompatAdapter{inner: openaicompat.New(cfg.Endpoint, cfg.Model, cfg.Timeout)}

	breakerSettings := gobreaker.Settings{
		Name:        "llm-client",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
	}

	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer encoding: %w", err)
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	contextWindow := cfg.ContextWindow
	if contextWindow <= 0 {
		contextWindow = 8192
	}
	admissionWait := cfg.AdmissionWait
	if admissionWait <= 0 {
		admissionWait = 500 * time.Millisecond
	}

	return &Client{
		provider:      provider,
		breaker:       gobreaker.NewCircuitBreaker(breakerSettings),
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		retryCount:    cfg.RetryCount,
		contextWindow: contextWindow,
		admissionWait: admissionWait,
		encoding:      enc,
		logger:        logger,
	}, nil
}

// CountTokens returns the number of tokens the encoding assigns to text.
func (c *Client) CountTokens(text string) int {
	return len(c.encoding.Encode(text, nil, nil))
}

// promptTokenCount sums CountTokens over every message in req.
func (c *Client) promptTokenCount(req ChatRequest) int {
	total := 0
	for _, m := range req.Messages {
		total += c.CountTokens(m.Content)
	}
	return total
}

// acquireAdmission waits up to c.admissionWait for a free concurrency slot.
// If the slot frees up in time, it returns nil with the slot held (caller
// must Release). If ctx itself is done first, that cancellation propagates
// unchanged. Otherwise the admission wait elapsed first and the caller is
// rejected with Overloaded rather than queued indefinitely (spec §5).
func (c *Client) acquireAdmission(ctx context.Context) error {
	admissionCtx, cancel := context.WithTimeout(ctx, c.admissionWait)
	defer cancel()

	err := c.sem.Acquire(admissionCtx, 1)
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return fmt.Errorf("llm client: %w", ctx.Err())
	}

	return pipelineerrors.New(pipelineerrors.ErrorTypeOverloaded,
		"llm client: no free concurrency slot within admission wait")
}

// ChatCompletion runs req through the circuit breaker, a bounded
// concurrency gate, and retry-with-backoff, rejecting requests that would
// overflow the configured context window before they reach the provider.
func (c *Client) ChatCompletion(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	promptTokens := c.promptTokenCount(req)
	if promptTokens+req.MaxTokens > c.contextWindow {
		return ChatResponse{}, &ContextOverflowError{
			PromptTokens:  promptTokens,
			MaxTokens:     req.MaxTokens,
			ContextWindow: c.contextWindow,
		}
	}

	if err := c.acquireAdmission(ctx); err != nil {
		return ChatResponse{}, err
	}
	defer c.sem.Release(1)

	result, err := backoff.Retry(ctx, func() (ChatResponse, error) {
		out, berr := c.breaker.Execute(func() (interface{}, error) {
			return c.provider.ChatCompletion(ctx, req)
		})
		if berr != nil {
			if berr == gobreaker.ErrOpenState || berr == gobreaker.ErrTooManyRequests {
				return ChatResponse{}, backoff.Permanent(&UnavailableError{Cause: berr})
			}
			return ChatResponse{}, berr
		}
		return out.(ChatResponse), nil
	},
		backoff.WithMaxTries(uint(maxInt(c.retryCount, 0)+1)),
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
	)
	if err != nil {
		c.logger.WithError(err).Warn("llm chat completion failed")
		return ChatResponse{}, err
	}
	return result, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// UnavailableError indicates the circuit breaker has tripped open.
type UnavailableError struct {
	Cause error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("llm backend unavailable: %v", e.Cause)
}

func (e *UnavailableError) Unwrap() error { return e.Cause }

// ContextOverflowError indicates a request's tokens exceed the configured
// context window (spec §7's ContextOverflow).
type ContextOverflowError struct {
	PromptTokens  int
	MaxTokens     int
	ContextWindow int
}

func (e *ContextOverflowError) Error() string {
	return fmt.Sprintf("prompt+completion tokens (%d+%d) exceed context window %d",
		e.PromptTokens, e.MaxTokens, e.ContextWindow)
}

// openaicompatAdapter translates between this package's ChatRequest/
// ChatResponse and openaicompat's wire-level Request/Response, keeping
// openaicompat free of an import-cycle dependency on this package.
type openaicompatAdapter struct {
	inner *openaicompat.Provider
}

func (a *openaicompatAdapter) ChatCompletion(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	msgs := make([]openaicompat.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = openaicompat.Message{Role: m.Role, Content: m.Content}
	}
	out, err := a.inner.ChatCompletion(ctx, openaicompat.Request{
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		JSONSchema:  req.JSONSchema,
	})
	if err != nil {
		return ChatResponse{}, err
	}
	return ChatResponse{
		Content:          out.Content,
		PromptTokens:     out.PromptTokens,
		CompletionTokens: out.CompletionTokens,
	}, nil
}
