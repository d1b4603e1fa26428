package openai_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-proxy/internal/models"
	"github.com/nulpointcorp/llm-proxy/internal/providers"
	"github.com/nulpointcorp/llm-proxy/internal/providers/openai"
)

func newAdapter(t *testing.T, handler http.Handler) *openai.Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return openai.New(&models.Provider{Name: "test-openai", BaseURL: srv.URL}, "sk-test")
}

func TestChat_NonStreaming(t *testing.T) {
	a := newAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}

		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload["model"] != "gpt-4o" {
			t.Errorf("model = %v", payload["model"])
		}
		if _, ok := payload["stream"]; ok {
			t.Error("stream flag set on non-streaming request")
		}

		json.NewEncoder(w).Encode(map[string]any{
			"id":    "cmpl-1",
			"model": "gpt-4o",
			"choices": []map[string]any{{
				"message":       map[string]string{"role": "assistant", "content": "hello"},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 7, "completion_tokens": 3, "total_tokens": 10},
		})
	}))

	resp, err := a.Chat(context.Background(), &providers.Request{
		Model:    "gpt-4o",
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "hello" || resp.FinishReason != "stop" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Usage.TotalTokens != 10 {
		t.Errorf("TotalTokens = %d, want 10", resp.Usage.TotalTokens)
	}
}

func TestChat_Streaming(t *testing.T) {
	a := newAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
			`data: {not valid json`, // must be skipped, not fatal
			`data: {"choices":[{"delta":{"content":"lo"}}]}`,
			`data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":2,"completion_tokens":2,"total_tokens":4}}`,
			`data: [DONE]`,
		}
		for _, f := range frames {
			fmt.Fprintf(w, "%s\n\n", f)
		}
	}))

	resp, err := a.Chat(context.Background(), &providers.Request{
		Model:    "gpt-4o",
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
		Stream:   true,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Stream == nil {
		t.Fatal("Stream is nil")
	}

	var content string
	var finish string
	var usage *providers.Usage
	for chunk := range resp.Stream {
		if chunk.Err != nil {
			t.Fatalf("chunk error: %v", chunk.Err)
		}
		content += chunk.Content
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}
	if content != "Hello" {
		t.Errorf("content = %q, want Hello", content)
	}
	if finish != "stop" {
		t.Errorf("finish = %q, want stop", finish)
	}
	if usage == nil || usage.TotalTokens != 4 {
		t.Errorf("usage = %+v, want total 4", usage)
	}
}

func TestChat_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		class  string
	}{
		{401, providers.ClassAuthentication},
		{402, providers.ClassQuotaExceeded},
		{404, providers.ClassModelNotFound},
		{429, providers.ClassRateLimit},
		{500, providers.ClassServerError},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			a := newAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]string{"message": "upstream says no"},
				})
			}))

			_, err := a.Chat(context.Background(), &providers.Request{Model: "m"})
			var perr *providers.Error
			if !errors.As(err, &perr) {
				t.Fatalf("error type %T: %v", err, err)
			}
			if perr.Class != tt.class {
				t.Errorf("Class = %q, want %q", perr.Class, tt.class)
			}
			if perr.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", perr.StatusCode, tt.status)
			}
			if perr.Message != "upstream says no" {
				t.Errorf("Message = %q", perr.Message)
			}
		})
	}
}

func TestChat_StreamingUpstreamError(t *testing.T) {
	// A non-200 on a streaming request must surface as an error before any
	// chunk channel exists.
	a := newAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(429)
		json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": "slow down"}})
	}))

	_, err := a.Chat(context.Background(), &providers.Request{Model: "m", Stream: true})
	var perr *providers.Error
	if !errors.As(err, &perr) || perr.Class != providers.ClassRateLimit {
		t.Fatalf("err = %v, want rate_limit", err)
	}
}

func TestChat_Timeout(t *testing.T) {
	a := newAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := a.Chat(ctx, &providers.Request{Model: "m"})
	var perr *providers.Error
	if !errors.As(err, &perr) || perr.Class != providers.ClassTimeout {
		t.Fatalf("err = %v, want timeout class", err)
	}
}

func TestCompletion(t *testing.T) {
	a := newAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		if payload["prompt"] != "once upon" {
			t.Errorf("prompt = %v", payload["prompt"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "cmpl-2",
			"model": "gpt-3.5-turbo-instruct",
			"choices": []map[string]any{{
				"text":          " a time",
				"finish_reason": "stop",
			}},
		})
	}))

	resp, err := a.Completion(context.Background(), &providers.Request{
		Model:  "gpt-3.5-turbo-instruct",
		Prompt: "once upon",
	})
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if resp.Content != " a time" {
		t.Errorf("Content = %q", resp.Content)
	}
}

func TestEmbedding(t *testing.T) {
	a := newAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model": "text-embedding-3-small",
			"data": []map[string]any{
				{"embedding": []float64{0.1, 0.2}},
				{"embedding": []float64{0.3, 0.4}},
			},
			"usage": map[string]int{"prompt_tokens": 4, "total_tokens": 4},
		})
	}))

	resp, err := a.Embedding(context.Background(), &providers.Request{
		Model: "text-embedding-3-small",
		Input: []string{"a", "b"},
	})
	if err != nil {
		t.Fatalf("Embedding: %v", err)
	}
	if len(resp.Embeddings) != 2 || len(resp.Embeddings[0]) != 2 {
		t.Errorf("Embeddings = %v", resp.Embeddings)
	}
}

func TestListModels(t *testing.T) {
	a := newAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"id": "gpt-4o", "owned_by": "openai"}},
		})
	}))

	list, err := a.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(list) != 1 || list[0].ID != "gpt-4o" {
		t.Errorf("models = %+v", list)
	}
}
