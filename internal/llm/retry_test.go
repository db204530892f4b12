package llm

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Napageneral/lorekeeper/internal/gemini"
)

func fastPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		RateLimitDelay: time.Millisecond,
	}
}

func TestRetryRecoversFromTransientErrors(t *testing.T) {
	calls := 0
	c := WithRetry(CompleterFunc(func(ctx context.Context, prompt string) (string, error) {
		calls++
		if calls < 3 {
			return "", &gemini.APIError{Code: http.StatusServiceUnavailable}
		}
		return "ok:" + prompt, nil
	}), fastPolicy(), nil)

	out, err := c.Complete(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "ok:p", out)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	bad := &gemini.APIError{Code: http.StatusBadRequest, Message: "bad"}
	c := WithRetry(CompleterFunc(func(ctx context.Context, prompt string) (string, error) {
		calls++
		return "", bad
	}), fastPolicy(), nil)

	_, err := c.Complete(context.Background(), "p")
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.False(t, errors.Is(err, ErrRetriesExhausted))
	var apiErr *gemini.APIError
	assert.True(t, errors.As(err, &apiErr))
}

func TestRetryExhaustionWrapsLastError(t *testing.T) {
	calls := 0
	e := WithEmbedRetry(EmbedderFunc(func(ctx context.Context, text string) ([]float64, error) {
		calls++
		return nil, &gemini.APIError{Code: http.StatusTooManyRequests, Status: "RESOURCE_EXHAUSTED"}
	}), fastPolicy(), nil)

	_, err := e.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.True(t, IsRateLimited(err))
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	c := WithRetry(CompleterFunc(func(ctx context.Context, prompt string) (string, error) {
		calls++
		cancel()
		return "", context.DeadlineExceeded
	}), fastPolicy(), nil)

	_, err := c.Complete(ctx, "p")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(ErrRateLimited))
	assert.True(t, IsTransient(&gemini.APIError{Code: 500}))
	assert.False(t, IsTransient(&gemini.APIError{Code: 404}))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(errors.New("boom")))
	assert.False(t, IsTransient(nil))
}
