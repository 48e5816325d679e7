package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func chatHandler(t *testing.T, body string, status int) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

const okCompletion = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1,
  "model": "test-model",
  "choices": [{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],
  "usage": {"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}
}`

func TestChatLocal_Success(t *testing.T) {
	srv := httptest.NewServer(chatHandler(t, okCompletion, http.StatusOK))
	defer srv.Close()

	c := New(Config{
		Provider:     ProviderLocal,
		LocalBaseURL: srv.URL,
		LocalModel:   "test-model",
		MaxRetries:   3,
	})

	resp, err := c.ChatLocal(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("ChatLocal failed: %v", err)
	}
	if resp.Content != "hello" {
		t.Fatalf("unexpected content: %q", resp.Content)
	}
	if resp.TotalTokens != 2 {
		t.Fatalf("unexpected token usage: %d", resp.TotalTokens)
	}
}

func TestChat_PermanentErrorStopsImmediately(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad request","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	c := New(Config{
		Provider:     ProviderLocal,
		LocalBaseURL: srv.URL,
		LocalModel:   "test-model",
		MaxRetries:   3,
	})

	_, err := c.ChatLocal(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err == nil {
		t.Fatalf("expected permanent error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly 1 call on permanent 4xx, got %d", calls)
	}
}

func TestChat_FailoverToNextEndpointOnExhaustion(t *testing.T) {
	var cloudCalls, localCalls int32

	cloud := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&cloudCalls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer cloud.Close()

	local := httptest.NewServer(chatHandler(t, okCompletion, http.StatusOK))
	defer local.Close()

	c := New(Config{
		Provider:     ProviderBoth,
		CloudAPIKey:  "key",
		CloudBaseURL: cloud.URL,
		CloudModel:   "cloud-model",
		LocalBaseURL: local.URL,
		LocalModel:   "local-model",
		MaxRetries:   1, // exhaust cloud after a single failing attempt
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := c.Chat(ctx, Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("expected failover to succeed on local, got error: %v", err)
	}
	if resp.Content != "hello" {
		t.Fatalf("unexpected content: %q", resp.Content)
	}
	if atomic.LoadInt32(&cloudCalls) == 0 {
		t.Fatalf("expected cloud to be tried first")
	}
	if atomic.LoadInt32(&localCalls) != 0 && atomic.LoadInt32(&localCalls) > 1 {
		t.Fatalf("unexpected local call count: %d", localCalls)
	}
}

func TestWarmUpLocal_FailureIsNonFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{
		Provider:     ProviderLocal,
		LocalBaseURL: srv.URL,
		LocalModel:   "test-model",
		MaxRetries:   1,
	})

	// Must not panic despite every attempt failing.
	c.WarmUpLocal(context.Background(), "be nice")
}

func TestChatDirect_UnconfiguredEndpointErrors(t *testing.T) {
	c := New(Config{Provider: ProviderLocal, LocalBaseURL: "http://127.0.0.1:1", LocalModel: "m", MaxRetries: 1})
	_, err := c.ChatCloud(context.Background(), Request{})
	if err == nil {
		t.Fatalf("expected error for unconfigured cloud endpoint")
	}
	want := fmt.Sprintf("llm: endpoint %q is not configured", "cloud")
	if len(err.Error()) == 0 || err.Error()[:len(want)] != want {
		t.Fatalf("unexpected error message: %v", err)
	}
}
