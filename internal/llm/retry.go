package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Napageneral/lorekeeper/internal/config"
	"github.com/Napageneral/lorekeeper/internal/logger"
)

// Policy is the retry budget for one external call.
type Policy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// RateLimitDelay is multiplied by the attempt number after a quota rejection.
	RateLimitDelay time.Duration
}

// PolicyFrom extracts the retry settings from the pipeline config.
func PolicyFrom(p config.Pipeline) Policy {
	return Policy{
		MaxRetries:     p.MaxRetries,
		InitialBackoff: p.InitialBackoff,
		MaxBackoff:     p.MaxBackoff,
		RateLimitDelay: p.RateLimitDelay,
	}
}

// Retry runs op until it succeeds, fails permanently, or the budget is spent.
// Transient errors back off exponentially; rate-limit errors wait
// RateLimitDelay*attempt instead. Exhaustion is reported as ErrRetriesExhausted
// wrapping the last error.
func Retry[T any](ctx context.Context, p Policy, log *logger.Logger, name string, op func(ctx context.Context) (T, error)) (T, error) {
	log = logger.OrNop(log)

	b := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		b.InitialInterval = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}

	attempt := 0
	var lastErr error
	lastTransient := false

	result, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		lastTransient = IsTransient(err)
		if !lastTransient {
			return v, backoff.Permanent(err)
		}
		if IsRateLimited(err) && p.RateLimitDelay > 0 {
			return v, &backoff.RetryAfterError{Duration: p.RateLimitDelay * time.Duration(attempt)}
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, d time.Duration) {
			log.Warn("retrying external call", "call", name, "attempt", attempt, "delay", d.String(), "error", err.Error())
		}),
	)
	if err == nil {
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}
	if lastTransient && lastErr != nil {
		return result, fmt.Errorf("%s after %d attempts: %w: %w", name, attempt, ErrRetriesExhausted, lastErr)
	}
	if lastErr != nil {
		return result, lastErr
	}
	return result, err
}

// RetryingCompleter applies Retry to every completion.
type RetryingCompleter struct {
	inner  Completer
	policy Policy
	log    *logger.Logger
}

// WithRetry wraps c with the retry policy.
func WithRetry(c Completer, p Policy, log *logger.Logger) *RetryingCompleter {
	return &RetryingCompleter{inner: c, policy: p, log: logger.OrNop(log)}
}

func (r *RetryingCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	return Retry(ctx, r.policy, r.log, "complete", func(ctx context.Context) (string, error) {
		return r.inner.Complete(ctx, prompt)
	})
}

// RetryingEmbedder applies Retry to every embedding call.
type RetryingEmbedder struct {
	inner  Embedder
	policy Policy
	log    *logger.Logger
}

// WithEmbedRetry wraps e with the retry policy.
func WithEmbedRetry(e Embedder, p Policy, log *logger.Logger) *RetryingEmbedder {
	return &RetryingEmbedder{inner: e, policy: p, log: logger.OrNop(log)}
}

func (r *RetryingEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	return Retry(ctx, r.policy, r.log, "embed", func(ctx context.Context) ([]float64, error) {
		return r.inner.Embed(ctx, text)
	})
}
