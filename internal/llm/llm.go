// Package llm defines the completion and embedding contracts the pipeline
// consumes, the Gemini-backed implementations, and the shared retry policy.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/Napageneral/lorekeeper/internal/gemini"
)

var (
	// ErrRetriesExhausted wraps the last error once the retry budget is spent.
	ErrRetriesExhausted = errors.New("llm: retries exhausted")
	// ErrRateLimited marks a provider quota rejection.
	ErrRateLimited = errors.New("llm: rate limited")
)

// Completer turns a prompt into text.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Embedder turns text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, prompt string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// EmbedderFunc adapts a function to Embedder.
type EmbedderFunc func(ctx context.Context, text string) ([]float64, error)

func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float64, error) {
	return f(ctx, text)
}

// IsRateLimited reports whether err is a provider quota rejection.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var apiErr *gemini.APIError
	return errors.As(err, &apiErr) && apiErr.RateLimited()
}

// IsTransient reports whether err is worth retrying: timeouts, network
// failures, rate limits and 5xx responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || IsRateLimited(err) {
		return true
	}
	var apiErr *gemini.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var transient interface{ Temporary() bool }
	if errors.As(err, &transient) {
		return transient.Temporary()
	}
	return false
}

// GeminiCompleter implements Completer over generateContent with JSON output.
type GeminiCompleter struct {
	client *gemini.Client
	model  string
}

// NewGeminiCompleter creates a completer for model.
func NewGeminiCompleter(client *gemini.Client, model string) *GeminiCompleter {
	return &GeminiCompleter{client: client, model: model}
}

func (g *GeminiCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	temp := 0.1
	resp, err := g.client.GenerateContent(ctx, g.model, &gemini.GenerateContentRequest{
		Contents: []gemini.Content{{Role: "user", Parts: []gemini.Part{{Text: prompt}}}},
		GenerationConfig: &gemini.GenerationConfig{
			ResponseMimeType: "application/json",
			Temperature:      &temp,
		},
	})
	if err != nil {
		return "", err
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("prompt blocked: %s", resp.PromptFeedback.BlockReason)
	}
	text := gemini.ResponseText(resp)
	if text == "" {
		return "", fmt.Errorf("empty completion")
	}
	return text, nil
}

// GeminiEmbedder implements Embedder over embedContent.
type GeminiEmbedder struct {
	client *gemini.Client
	model  string
}

// NewGeminiEmbedder creates an embedder for model.
func NewGeminiEmbedder(client *gemini.Client, model string) *GeminiEmbedder {
	return &GeminiEmbedder{client: client, model: model}
}

func (g *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	resp, err := g.client.EmbedContent(ctx, &gemini.EmbedContentRequest{
		Model:   "models/" + g.model,
		Content: gemini.Content{Parts: []gemini.Part{{Text: text}}},
	})
	if err != nil {
		return nil, err
	}
	if resp.Embedding == nil || len(resp.Embedding.Values) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	return resp.Embedding.Values, nil
}
