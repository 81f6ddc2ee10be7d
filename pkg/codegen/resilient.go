package codegen

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"

	"autocoder/pkg/logx"
)

// RetryPolicy controls backoff between attempts.
type RetryPolicy struct {
	MaxAttempts   int // including the first
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultRetryPolicy is used for zero-valued fields.
//
//nolint:gochecknoglobals // default config pattern
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:   3,
	InitialDelay:  2 * time.Second,
	MaxDelay:      time.Minute,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// Delay returns the wait before attempt. The first attempt never waits.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := time.Duration(float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt-2)))
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter && delay > 0 {
		// ±10%
		delay += time.Duration(float64(delay) * 0.1 * (2*rand.Float64() - 1))
	}
	return delay
}

// ResilientClient adds rate limiting, per-request timeouts and retries of
// retryable errors to another client.
type ResilientClient struct {
	next    LLMClient
	limiter *rate.Limiter
	policy  RetryPolicy
	timeout time.Duration
	logger  *logx.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewResilientClient wraps next. requestsPerMinute <= 0 disables limiting
// and timeout <= 0 disables the per-request deadline.
func NewResilientClient(next LLMClient, policy RetryPolicy, requestsPerMinute int, timeout time.Duration) *ResilientClient {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if policy.BackoffFactor <= 0 {
		policy.BackoffFactor = DefaultRetryPolicy.BackoffFactor
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = DefaultRetryPolicy.MaxDelay
	}

	limit := rate.Inf
	if requestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(requestsPerMinute))
	}
	return &ResilientClient{
		next:    next,
		limiter: rate.NewLimiter(limit, 1),
		policy:  policy,
		timeout: timeout,
		logger:  logx.NewLogger("codegen"),
		sleep:   sleepContext,
	}
}

// Model returns the wrapped client's model.
func (c *ResilientClient) Model() string {
	return c.next.Model()
}

// Complete calls the wrapped client until it succeeds, a non-retryable error
// occurs, or the attempt budget is spent.
//
//nolint:gocritic // Request is passed by value across all providers
func (c *ResilientClient) Complete(ctx context.Context, req Request) (Response, error) {
	var lastErr *Error
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		if err := c.sleep(ctx, c.policy.Delay(attempt)); err != nil {
			return Response{}, NewErrorWithCause(ErrorTypeTransient, err, "canceled during backoff")
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return Response{}, NewErrorWithCause(ErrorTypeTransient, err, "rate limiter wait failed")
		}

		resp, err := c.attempt(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = Classify(err)
		if !lastErr.IsRetryable() || ctx.Err() != nil {
			return Response{}, lastErr
		}
		c.logger.Warn("%s attempt %d/%d failed: %v", c.next.Model(), attempt, c.policy.MaxAttempts, lastErr)
	}
	return Response{}, fmt.Errorf("giving up after %d attempts: %w", c.policy.MaxAttempts, lastErr)
}

//nolint:gocritic // Request is passed by value across all providers
func (c *ResilientClient) attempt(ctx context.Context, req Request) (Response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.next.Complete(ctx, req)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
