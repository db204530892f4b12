package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestGenerateContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/test-model:generateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "k" {
			t.Errorf("expected api key in query")
		}
		var req GenerateContentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if len(req.Contents) != 1 || req.Contents[0].Parts[0].Text != "hello" {
			t.Errorf("unexpected request: %+v", req)
		}
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"{\"ok\":"},{"text":"true}"}]}}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2}}`))
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL))
	resp, err := c.GenerateContent(context.Background(), "test-model", &GenerateContentRequest{
		Contents: []Content{{Role: "user", Parts: []Part{{Text: "hello"}}}},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got := ResponseText(resp); got != `{"ok":true}` {
		t.Fatalf("unexpected text %q", got)
	}
	stats := c.GetUsageStats()
	if stats.GenerateCalls != 1 || stats.PromptTokens != 3 || stats.OutputTokens != 2 {
		t.Fatalf("unexpected usage: %+v", stats)
	}
}

func TestEmbedContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/gemini-embedding-001:embedContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"embedding":{"values":[0.1,0.2,0.3]}}`))
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL))
	resp, err := c.EmbedContent(context.Background(), &EmbedContentRequest{
		Model:   "models/gemini-embedding-001",
		Content: Content{Parts: []Part{{Text: "abc"}}},
	})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(resp.Embedding.Values) != 3 {
		t.Fatalf("expected 3 values, got %d", len(resp.Embedding.Values))
	}
	if c.GetUsageStats().EmbedChars != 3 {
		t.Fatalf("expected 3 embed chars")
	}
}

func TestRateLimitedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`))
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL))
	_, err := c.GenerateContent(context.Background(), "m", &GenerateContentRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if !apiErr.RateLimited() || !apiErr.Retryable() {
		t.Fatalf("expected rate limited + retryable: %+v", apiErr)
	}
	if apiErr.RetryAfter != 7*time.Second {
		t.Fatalf("expected retry-after 7s, got %v", apiErr.RetryAfter)
	}
	if apiErr.Message != "quota" {
		t.Fatalf("expected message from body, got %q", apiErr.Message)
	}
}

func TestBadRequestNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL))
	_, err := c.EmbedContent(context.Background(), &EmbedContentRequest{Model: "m"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Retryable() {
		t.Fatalf("400 should not be retryable")
	}
}
