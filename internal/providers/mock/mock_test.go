package mock_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jmoiron/sqlx/types"

	"github.com/nulpointcorp/llm-proxy/internal/models"
	"github.com/nulpointcorp/llm-proxy/internal/providers"
	"github.com/nulpointcorp/llm-proxy/internal/providers/mock"
)

func newAdapter(config string) *mock.Adapter {
	p := &models.Provider{Name: "mock-1", Kind: models.KindMock}
	if config != "" {
		p.ConfigJSON = types.JSONText(config)
	}
	return mock.New(p)
}

func TestChat(t *testing.T) {
	a := newAdapter("")
	resp, err := a.Chat(context.Background(), &providers.Request{
		Model:    "mock-gpt-4",
		Messages: []providers.Message{{Role: "user", Content: "ping"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !strings.Contains(resp.Content, "ping") {
		t.Errorf("Content = %q, should echo the last message", resp.Content)
	}
	if resp.FinishReason != "stop" || resp.Usage.TotalTokens == 0 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestChat_Streaming(t *testing.T) {
	a := newAdapter("")
	resp, err := a.Chat(context.Background(), &providers.Request{
		Model:    "mock-gpt-4",
		Messages: []providers.Message{{Role: "user", Content: "ping"}},
		Stream:   true,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	var content strings.Builder
	var sawFinish bool
	for chunk := range resp.Stream {
		content.WriteString(chunk.Content)
		if chunk.FinishReason != "" {
			sawFinish = true
			if chunk.Usage == nil {
				t.Error("terminal chunk missing usage")
			}
		}
	}
	if !sawFinish {
		t.Error("stream ended without a terminal chunk")
	}
	if !strings.Contains(content.String(), "ping") {
		t.Errorf("streamed content = %q", content.String())
	}
}

func TestFailureInjection(t *testing.T) {
	a := newAdapter(`{"failure_rate": 1.0}`)
	_, err := a.Chat(context.Background(), &providers.Request{Model: "m"})

	var perr *providers.Error
	if !errors.As(err, &perr) {
		t.Fatalf("error type %T: %v", err, err)
	}
	if perr.Class != providers.ClassServerError || perr.StatusCode != 500 {
		t.Errorf("got class=%s status=%d, want server_error/500", perr.Class, perr.StatusCode)
	}
}

func TestEmbedding_Deterministic(t *testing.T) {
	a := newAdapter("")
	req := &providers.Request{Model: "mock-text-embedding", Input: []string{"hello world"}}

	r1, err := a.Embedding(context.Background(), req)
	if err != nil {
		t.Fatalf("Embedding: %v", err)
	}
	r2, err := a.Embedding(context.Background(), req)
	if err != nil {
		t.Fatalf("Embedding: %v", err)
	}

	if len(r1.Embeddings) != 1 || len(r1.Embeddings[0]) != 512 {
		t.Fatalf("unexpected shape: %d x %d", len(r1.Embeddings), len(r1.Embeddings[0]))
	}
	for i := range r1.Embeddings[0] {
		if r1.Embeddings[0][i] != r2.Embeddings[0][i] {
			t.Fatal("embeddings not deterministic for identical input")
		}
	}
}

func TestListModels(t *testing.T) {
	a := newAdapter("")
	list, err := a.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(list) == 0 {
		t.Error("empty model list")
	}
}
