// Package openai implements the "openai" provider kind: a hand-rolled HTTP
// client speaking the OpenAI wire format. Any OpenAI-compatible vendor is
// served by this adapter with a per-provider base URL.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nulpointcorp/llm-proxy/internal/models"
	"github.com/nulpointcorp/llm-proxy/internal/providers"
)

const defaultBaseURL = "https://api.openai.com/v1"

const userAgent = "llm-proxy/1.0"

func init() {
	providers.Register(models.KindOpenAI, func(p *models.Provider, apiKey string) (providers.Adapter, error) {
		return New(p, apiKey), nil
	})
}

// Adapter talks to one OpenAI-compatible upstream with one API key.
type Adapter struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

// New builds an adapter for the provider record. The per-attempt timeout is
// enforced by the caller's context, not the http.Client, so streamed bodies
// are not cut off mid-read.
func New(p *models.Provider, apiKey string) *Adapter {
	base := strings.TrimRight(p.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return &Adapter{
		name:    p.Name,
		baseURL: base,
		apiKey:  apiKey,
		client:  &http.Client{},
	}
}

func (a *Adapter) Name() string { return a.name }

// Chat performs a chat completion against POST {base}/chat/completions.
func (a *Adapter) Chat(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	payload := a.basePayload(req)
	payload["messages"] = req.Messages
	return a.complete(ctx, "/chat/completions", payload, req.Stream, parseChatChoice, parseChatDelta)
}

// Completion performs a legacy completion against POST {base}/completions.
func (a *Adapter) Completion(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	payload := a.basePayload(req)
	payload["prompt"] = req.Prompt
	return a.complete(ctx, "/completions", payload, req.Stream, parseTextChoice, parseTextDelta)
}

// basePayload builds the wire payload common to chat and completion.
// Unknown overlay keys ride along via Extra and may override anything.
func (a *Adapter) basePayload(req *providers.Request) map[string]any {
	payload := map[string]any{"model": req.Model}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if req.TopP > 0 {
		payload["top_p"] = req.TopP
	}
	if len(req.Stop) > 0 {
		payload["stop"] = req.Stop
	}
	if req.User != "" {
		payload["user"] = req.User
	}
	if req.Stream {
		payload["stream"] = true
	}
	for k, v := range req.Extra {
		payload[k] = v
	}
	return payload
}

// choiceParser extracts (content, finishReason) from one non-stream choice;
// deltaParser does the same for one stream chunk choice.
type (
	choiceParser func(choice map[string]json.RawMessage) (string, string)
	deltaParser  func(choice map[string]json.RawMessage) (string, string)
)

func (a *Adapter) complete(ctx context.Context, path string, payload map[string]any, stream bool, parse choiceParser, parseDelta deltaParser) (*providers.Response, error) {
	resp, err := a.post(ctx, path, payload)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, a.statusError(resp)
	}

	if stream {
		return a.consumeStream(ctx, resp, parseDelta), nil
	}

	defer resp.Body.Close()
	return a.parseBody(resp.Body, parse)
}

// Embedding computes embeddings against POST {base}/embeddings.
func (a *Adapter) Embedding(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	payload := map[string]any{
		"model": req.Model,
		"input": req.Input,
	}
	if req.User != "" {
		payload["user"] = req.User
	}
	for k, v := range req.Extra {
		payload[k] = v
	}

	resp, err := a.post(ctx, "/embeddings", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, a.statusError(resp)
	}

	var body struct {
		Model string `json:"model"`
		Data  []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
		Usage providers.Usage `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, a.transportError(err)
	}

	out := &providers.Response{Model: body.Model, Usage: body.Usage}
	for _, d := range body.Data {
		out.Embeddings = append(out.Embeddings, d.Embedding)
	}
	return out, nil
}

// ListModels lists the upstream's models via GET {base}/models.
func (a *Adapter) ListModels(ctx context.Context) ([]providers.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		return nil, a.transportError(err)
	}
	a.setHeaders(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, a.transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, a.statusError(resp)
	}

	var body struct {
		Data []providers.ModelInfo `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, a.transportError(err)
	}
	return body.Data, nil
}

// HealthCheck verifies auth and connectivity with a model listing.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	_, err := a.ListModels(ctx)
	return err
}

func (a *Adapter) post(ctx context.Context, path string, payload map[string]any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, a.transportError(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, a.transportError(err)
	}
	a.setHeaders(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, providers.Classify(a.name, err)
	}
	return resp, nil
}

func (a *Adapter) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
}

func (a *Adapter) parseBody(r io.Reader, parse choiceParser) (*providers.Response, error) {
	var body struct {
		ID      string                       `json:"id"`
		Model   string                       `json:"model"`
		Choices []map[string]json.RawMessage `json:"choices"`
		Usage   providers.Usage              `json:"usage"`
	}
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return nil, a.transportError(err)
	}
	if len(body.Choices) == 0 {
		return nil, &providers.Error{
			Provider: a.name,
			Class:    providers.ClassUnknown,
			Message:  "no choices in response",
		}
	}
	content, finish := parse(body.Choices[0])
	return &providers.Response{
		ID:           body.ID,
		Model:        body.Model,
		Content:      content,
		FinishReason: finish,
		Usage:        body.Usage,
	}, nil
}

// consumeStream reads SSE frames off the established response body. The
// status was verified before the first chunk, so every error from here on
// is in-band.
func (a *Adapter) consumeStream(ctx context.Context, resp *http.Response, parseDelta deltaParser) *providers.Response {
	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimSpace(line[len("data: "):])
			if data == "[DONE]" {
				return
			}

			var frame struct {
				Choices []map[string]json.RawMessage `json:"choices"`
				Usage   *providers.Usage             `json:"usage"`
			}
			if err := json.Unmarshal([]byte(data), &frame); err != nil {
				continue // skip malformed frames
			}

			chunk := providers.StreamChunk{Usage: frame.Usage}
			if len(frame.Choices) > 0 {
				chunk.Content, chunk.FinishReason = parseDelta(frame.Choices[0])
			}
			if chunk.Content == "" && chunk.FinishReason == "" && chunk.Usage == nil {
				continue
			}

			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil {
			select {
			case ch <- providers.StreamChunk{Err: providers.Classify(a.name, err)}:
			case <-ctx.Done():
			}
		}
	}()

	return &providers.Response{Stream: ch}
}

func parseChatChoice(choice map[string]json.RawMessage) (string, string) {
	var msg providers.Message
	_ = json.Unmarshal(choice["message"], &msg)
	return msg.Content, finishReason(choice)
}

func parseChatDelta(choice map[string]json.RawMessage) (string, string) {
	var delta struct {
		Content string `json:"content"`
	}
	_ = json.Unmarshal(choice["delta"], &delta)
	return delta.Content, finishReason(choice)
}

func parseTextChoice(choice map[string]json.RawMessage) (string, string) {
	return textField(choice), finishReason(choice)
}

func parseTextDelta(choice map[string]json.RawMessage) (string, string) {
	return textField(choice), finishReason(choice)
}

func textField(choice map[string]json.RawMessage) string {
	var text string
	_ = json.Unmarshal(choice["text"], &text)
	return text
}

func finishReason(choice map[string]json.RawMessage) string {
	var fr string
	_ = json.Unmarshal(choice["finish_reason"], &fr)
	return fr
}

// statusError converts a non-200 response into a classified error, pulling
// the upstream error message out of the body when it parses.
func (a *Adapter) statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	msg := strings.TrimSpace(string(raw))

	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Message != "" {
		msg = body.Error.Message
	}

	return &providers.Error{
		Provider:   a.name,
		Class:      providers.ClassFromStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Message:    msg,
	}
}

func (a *Adapter) transportError(err error) error {
	if perr := providers.Classify(a.name, err); perr.Class != providers.ClassUnknown {
		return perr
	}
	return &providers.Error{
		Provider: a.name,
		Class:    providers.ClassUnknown,
		Message:  fmt.Sprintf("transport: %v", err),
	}
}
