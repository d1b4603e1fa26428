// Package mock implements the "mock" provider kind: canned in-process
// responses with configurable delay and failure injection. Used by tests and
// staging environments; never talks to the network.
package mock

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-proxy/internal/models"
	"github.com/nulpointcorp/llm-proxy/internal/providers"
)

func init() {
	providers.Register(models.KindMock, func(p *models.Provider, apiKey string) (providers.Adapter, error) {
		return New(p), nil
	})
}

// Adapter fabricates responses locally.
//
// Provider config keys:
//
//	simulate_delay — seconds to sleep before answering (float, default 0)
//	failure_rate   — probability of a synthetic 500 per call (0..1, default 0)
type Adapter struct {
	name        string
	delay       time.Duration
	failureRate float64
}

// New builds a mock adapter from the provider record's config.
func New(p *models.Provider) *Adapter {
	cfg := p.Config()
	a := &Adapter{name: p.Name}
	if v, ok := cfg["simulate_delay"].(float64); ok && v > 0 {
		a.delay = time.Duration(v * float64(time.Second))
	}
	if v, ok := cfg["failure_rate"].(float64); ok {
		a.failureRate = v
	}
	return a
}

func (a *Adapter) Name() string { return a.name }

// Chat fabricates a chat completion echoing the last user message.
func (a *Adapter) Chat(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	if err := a.simulate(ctx); err != nil {
		return nil, err
	}

	last := "no message"
	if n := len(req.Messages); n > 0 {
		last = req.Messages[n-1].Content
	}
	content := "This is a mock response to: " + last

	if req.Stream {
		return a.stream(ctx, req.Model, content), nil
	}
	return a.canned(req.Model, content), nil
}

// Completion fabricates a legacy completion echoing the prompt.
func (a *Adapter) Completion(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	if err := a.simulate(ctx); err != nil {
		return nil, err
	}

	prompt := req.Prompt
	if prompt == "" {
		prompt = "no prompt"
	}
	content := "Mock completion for: " + prompt

	if req.Stream {
		return a.stream(ctx, req.Model, content), nil
	}
	return a.canned(req.Model, content), nil
}

// Embedding fabricates deterministic vectors from the input text.
func (a *Adapter) Embedding(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	if err := a.simulate(ctx); err != nil {
		return nil, err
	}

	const dims = 512
	out := &providers.Response{Model: req.Model}
	tokens := 0
	for _, text := range req.Input {
		vec := make([]float64, dims)
		var h uint64 = 14695981039346656037
		for _, b := range []byte(text) {
			h = (h ^ uint64(b)) * 1099511628211
		}
		for i := range vec {
			h = h*6364136223846793005 + 1442695040888963407
			vec[i] = float64(h%1000) / 1000.0
		}
		out.Embeddings = append(out.Embeddings, vec)
		tokens += len(strings.Fields(text))
	}
	out.Usage = providers.Usage{InputTokens: tokens, TotalTokens: tokens}
	return out, nil
}

// ListModels returns a fixed catalogue.
func (a *Adapter) ListModels(ctx context.Context) ([]providers.ModelInfo, error) {
	if err := a.simulate(ctx); err != nil {
		return nil, err
	}
	return []providers.ModelInfo{
		{ID: "mock-gpt-3.5-turbo", OwnedBy: a.name},
		{ID: "mock-gpt-4", OwnedBy: a.name},
		{ID: "mock-text-embedding", OwnedBy: a.name},
	}, nil
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	return a.simulate(ctx)
}

func (a *Adapter) simulate(ctx context.Context) error {
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return providers.Classify(a.name, ctx.Err())
		}
	}
	if a.failureRate > 0 && rand.Float64() < a.failureRate {
		return &providers.Error{
			Provider:   a.name,
			Class:      providers.ClassServerError,
			StatusCode: 500,
			Message:    "simulated provider failure",
		}
	}
	return nil
}

func (a *Adapter) canned(model, content string) *providers.Response {
	words := len(strings.Fields(content))
	return &providers.Response{
		ID:           fmt.Sprintf("mock-%s", uuid.NewString()),
		Model:        model,
		Content:      content,
		FinishReason: "stop",
		Usage: providers.Usage{
			InputTokens:  10,
			OutputTokens: words,
			TotalTokens:  10 + words,
		},
	}
}

func (a *Adapter) stream(ctx context.Context, model, content string) *providers.Response {
	ch := make(chan providers.StreamChunk, 16)
	words := strings.Fields(content)

	go func() {
		defer close(ch)
		for i, w := range words {
			chunk := providers.StreamChunk{Content: w}
			if i < len(words)-1 {
				chunk.Content += " "
			}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
		ch <- providers.StreamChunk{
			FinishReason: "stop",
			Usage: &providers.Usage{
				InputTokens:  10,
				OutputTokens: len(words),
				TotalTokens:  10 + len(words),
			},
		}
	}()

	return &providers.Response{
		ID:     fmt.Sprintf("mock-%s", uuid.NewString()),
		Model:  model,
		Stream: ch,
	}
}
