// Package anthropic implements the "anthropic" provider kind on the official
// SDK. Chat maps onto the Messages API; legacy completions are bridged
// through it. Embeddings are not offered upstream and fail over to the next
// provider in the chain.
package anthropic

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/llm-proxy/internal/models"
	"github.com/nulpointcorp/llm-proxy/internal/providers"
)

const defaultBaseURL = "https://api.anthropic.com/v1"

func init() {
	providers.Register(models.KindAnthropic, func(p *models.Provider, apiKey string) (providers.Adapter, error) {
		return New(p, apiKey), nil
	})
}

// Adapter talks to Anthropic with one API key.
type Adapter struct {
	name   string
	client anthropic.Client
}

// New builds an adapter for the provider record.
func New(p *models.Provider, apiKey string) *Adapter {
	base := strings.TrimRight(p.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return &Adapter{
		name: p.Name,
		client: anthropic.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL(base),
		),
	}
}

func (a *Adapter) Name() string { return a.name }

// Chat performs a message completion.
func (a *Adapter) Chat(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	params := a.buildParams(req)
	if req.Stream {
		return a.streamMessage(ctx, params), nil
	}
	return a.newMessage(ctx, params)
}

// Completion bridges a legacy prompt request onto the Messages API.
func (a *Adapter) Completion(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	bridged := *req
	bridged.Messages = []providers.Message{{Role: "user", Content: req.Prompt}}
	bridged.Prompt = ""
	return a.Chat(ctx, &bridged)
}

// Embedding is not offered by Anthropic. The model_not_found class sends the
// executor to the next provider in the chain instead of retrying keys here.
func (a *Adapter) Embedding(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	return nil, &providers.Error{
		Provider:   a.name,
		Class:      providers.ClassModelNotFound,
		StatusCode: 404,
		Message:    "embeddings are not supported by this provider",
	}
}

// ListModels lists the upstream's models.
func (a *Adapter) ListModels(ctx context.Context) ([]providers.ModelInfo, error) {
	page, err := a.client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return nil, a.wrap(err)
	}
	out := make([]providers.ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		out = append(out, providers.ModelInfo{ID: string(m.ID), OwnedBy: "anthropic"})
	}
	return out, nil
}

// HealthCheck verifies auth and connectivity with a single-item listing.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	_, err := a.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)})
	if err != nil {
		return a.wrap(err)
	}
	return nil
}

func (a *Adapter) buildParams(req *providers.Request) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = providers.DefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = anthropic.Float(req.TopP)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}

	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	sdkRole := anthropic.MessageParamRoleUser
	if strings.ToLower(role) == "assistant" {
		sdkRole = anthropic.MessageParamRoleAssistant
	}
	return anthropic.MessageParam{
		Role: sdkRole,
		Content: []anthropic.ContentBlockParamUnion{
			{OfText: &anthropic.TextBlockParam{Text: content}},
		},
	}
}

func (a *Adapter) newMessage(ctx context.Context, params anthropic.MessageNewParams) (*providers.Response, error) {
	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, a.wrap(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &providers.Response{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Content:      sb.String(),
		FinishReason: finishReason(string(msg.StopReason)),
		Usage: providers.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}

func (a *Adapter) streamMessage(ctx context.Context, params anthropic.MessageNewParams) *providers.Response {
	ch := make(chan providers.StreamChunk, 64)
	stream := a.client.Messages.NewStreaming(ctx, params)

	go func() {
		defer close(ch)

		// Sends race client disconnects; an abandoned consumer must not pin
		// this goroutine forever.
		send := func(chunk providers.StreamChunk) bool {
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var usage providers.Usage
		for stream.Next() {
			switch ev := stream.Current().AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text != "" && !send(providers.StreamChunk{Content: delta.Text}) {
						return
					}
				case *anthropic.TextDelta:
					if delta.Text != "" && !send(providers.StreamChunk{Content: delta.Text}) {
						return
					}
				}
			case anthropic.MessageStartEvent:
				usage.InputTokens = int(ev.Message.Usage.InputTokens)
			case anthropic.MessageDeltaEvent:
				usage.OutputTokens = int(ev.Usage.OutputTokens)
			}
		}

		if err := stream.Err(); err != nil {
			send(providers.StreamChunk{Err: a.wrap(err)})
			return
		}

		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
		send(providers.StreamChunk{FinishReason: "stop", Usage: &usage})
	}()

	return &providers.Response{Stream: ch}
}

// finishReason maps Anthropic stop reasons to the OpenAI vocabulary the
// proxy speaks.
func finishReason(stop string) string {
	switch stop {
	case "max_tokens":
		return "length"
	case "end_turn", "stop_sequence", "":
		return "stop"
	default:
		return stop
	}
}

func (a *Adapter) wrap(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &providers.Error{
			Provider:   a.name,
			Class:      providers.ClassFromStatus(apierr.StatusCode),
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return providers.Classify(a.name, err)
}
