// Package proxy is the OpenAI-compatible HTTP ingress: request parsing and
// validation, bearer auth, rate-limit admission, dispatch through the
// fallback executor, SSE pass-through for streaming upstreams, and exactly
// one audit record per request.
package proxy

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-proxy/internal/audit"
	"github.com/nulpointcorp/llm-proxy/internal/breaker"
	"github.com/nulpointcorp/llm-proxy/internal/crypto"
	"github.com/nulpointcorp/llm-proxy/internal/fallback"
	"github.com/nulpointcorp/llm-proxy/internal/keystore"
	"github.com/nulpointcorp/llm-proxy/internal/metrics"
	"github.com/nulpointcorp/llm-proxy/internal/models"
	"github.com/nulpointcorp/llm-proxy/internal/providers"
	"github.com/nulpointcorp/llm-proxy/internal/ratelimit"
	"github.com/nulpointcorp/llm-proxy/internal/resolver"
	"github.com/nulpointcorp/llm-proxy/internal/store"
	"github.com/nulpointcorp/llm-proxy/pkg/apierr"
)

// Route labels for metrics and audit.
const (
	routeChat        = "chat_completions"
	routeCompletions = "completions"
	routeEmbeddings  = "embeddings"
)

// Deps are the gateway's collaborators. Limiter, Audit and Metrics are
// optional and nil-safe.
type Deps struct {
	Executor *fallback.Executor
	Resolver *resolver.Resolver
	Limiter  *ratelimit.Checker
	Audit    *audit.Recorder
	Store    *store.Store
	Keystore *keystore.Keystore
	Breaker  *breaker.Breaker
	Cipher   *crypto.Cipher
	Metrics  *metrics.Registry
	Logger   *slog.Logger
}

// Options holds optional gateway tuning.
type Options struct {
	// CORSOrigins for the CORS middleware; nil allows all.
	CORSOrigins []string

	// Ready is the readiness probe behind GET /readyz; nil means always
	// ready.
	Ready func(ctx context.Context) error

	// Version is reported by GET /health.
	Version string
}

// Gateway is the HTTP front of the proxy.
type Gateway struct {
	exec     *fallback.Executor
	resolver *resolver.Resolver
	limiter  *ratelimit.Checker
	audit    *audit.Recorder
	store    *store.Store
	keys     *keystore.Keystore
	breaker  *breaker.Breaker
	cipher   *crypto.Cipher
	metrics  *metrics.Registry
	log      *slog.Logger

	corsOrigins []string
	ready       func(ctx context.Context) error
	version     string
}

// NewGateway creates a Gateway.
func NewGateway(d Deps, opts Options) *Gateway {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	return &Gateway{
		exec:        d.Executor,
		resolver:    d.Resolver,
		limiter:     d.Limiter,
		audit:       d.Audit,
		store:       d.Store,
		keys:        d.Keystore,
		breaker:     d.Breaker,
		cipher:      d.Cipher,
		metrics:     d.Metrics,
		log:         log,
		corsOrigins: opts.CORSOrigins,
		ready:       opts.Ready,
		version:     version,
	}
}

// ── request parsing ─────────────────────────────────────────────────────────

// knownRequestKeys are the top-level body fields the proxy interprets;
// everything else passes through in the extras map.
var knownRequestKeys = map[string]bool{
	"model": true, "messages": true, "prompt": true, "input": true,
	"max_tokens": true, "temperature": true, "top_p": true,
	"stop": true, "stream": true, "user": true,
}

// parseRequest normalizes an inbound completion/embedding body. Unknown
// fields are preserved in Extra so adapters can pass them upstream.
func parseRequest(body []byte) (*providers.Request, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %s", err)
	}

	req := &providers.Request{}
	if v, ok := raw["model"]; ok {
		if err := json.Unmarshal(v, &req.Model); err != nil {
			return nil, fmt.Errorf("field 'model' must be a string")
		}
	}
	if v, ok := raw["messages"]; ok {
		if err := json.Unmarshal(v, &req.Messages); err != nil {
			return nil, fmt.Errorf("field 'messages' must be an array of {role, content}")
		}
	}
	if v, ok := raw["prompt"]; ok {
		prompt, err := stringOrJoined(v)
		if err != nil {
			return nil, fmt.Errorf("field 'prompt' must be a string or array of strings")
		}
		req.Prompt = prompt
	}
	if v, ok := raw["input"]; ok {
		input, err := stringList(v)
		if err != nil {
			return nil, fmt.Errorf("field 'input' must be a string or array of strings")
		}
		req.Input = input
	}
	if v, ok := raw["max_tokens"]; ok {
		if err := json.Unmarshal(v, &req.MaxTokens); err != nil {
			return nil, fmt.Errorf("field 'max_tokens' must be an integer")
		}
	}
	if v, ok := raw["temperature"]; ok {
		if err := json.Unmarshal(v, &req.Temperature); err != nil {
			return nil, fmt.Errorf("field 'temperature' must be a number")
		}
	}
	if v, ok := raw["top_p"]; ok {
		if err := json.Unmarshal(v, &req.TopP); err != nil {
			return nil, fmt.Errorf("field 'top_p' must be a number")
		}
	}
	if v, ok := raw["stop"]; ok {
		stop, err := stringList(v)
		if err != nil {
			return nil, fmt.Errorf("field 'stop' must be a string or array of strings")
		}
		req.Stop = stop
	}
	if v, ok := raw["stream"]; ok {
		if err := json.Unmarshal(v, &req.Stream); err != nil {
			return nil, fmt.Errorf("field 'stream' must be a boolean")
		}
	}
	if v, ok := raw["user"]; ok {
		if err := json.Unmarshal(v, &req.User); err != nil {
			return nil, fmt.Errorf("field 'user' must be a string")
		}
	}

	for k, v := range raw {
		if knownRequestKeys[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			continue
		}
		if req.Extra == nil {
			req.Extra = map[string]any{}
		}
		req.Extra[k] = val
	}
	return req, nil
}

func stringList(raw json.RawMessage) ([]string, error) {
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}, nil
	}
	return nil, fmt.Errorf("not a string or string array")
}

func stringOrJoined(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		return strings.Join(arr, "\n"), nil
	}
	return "", fmt.Errorf("not a string")
}

// ── dispatch handlers ───────────────────────────────────────────────────────

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatch(ctx, routeChat)
}

func (g *Gateway) handleCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatch(ctx, routeCompletions)
}

func (g *Gateway) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	g.dispatch(ctx, routeEmbeddings)
}

// dispatch is the shared pipeline for all three completion-style endpoints.
func (g *Gateway) dispatch(ctx *fasthttp.RequestCtx, route string) {
	start := time.Now()
	reqID := requestIDFrom(ctx)
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return // streaming is finalised by the stream writer
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	// 1. Parse and validate.
	req, err := parseRequest(ctx.PostBody())
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.TypeInvalidRequest, reqID)
		g.emitAudit(ctx, "", nil, providers.Usage{}, start, apierr.TypeInvalidRequest, err.Error())
		return
	}
	if msg := validate(req, route); msg != "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, msg, apierr.TypeInvalidRequest, reqID)
		g.emitAudit(ctx, req.Model, nil, providers.Usage{}, start, apierr.TypeInvalidRequest, msg)
		return
	}
	alias := req.Model

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("route", route),
		slog.String("model", alias),
		slog.Bool("stream", req.Stream),
	)

	// 2. Rate-limit admission — before any upstream work.
	if g.limiter != nil {
		apiKey, _ := ctx.UserValue("api_key").(string)
		denial := g.limiter.CheckRequest(ctx, apiKey, ctx.RemoteIP().String(), ratelimit.TokenEstimate)
		if denial != nil {
			if g.metrics != nil {
				g.metrics.RecordRateLimit(denial.Check, false)
			}
			g.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("request_id", reqID),
				slog.String("check", denial.Check),
			)
			apierr.WriteRateLimit(ctx, int(denial.Result.RetryAfter.Seconds()), reqID)
			g.emitAudit(ctx, alias, nil, providers.Usage{}, start,
				apierr.TypeRateLimit, "rate limit exceeded: "+denial.Check)
			return
		}
		if g.metrics != nil {
			g.metrics.RecordRateLimit("request", true)
		}
	}

	// 3. Dispatch through the fallback chain.
	res, err := g.exec.Execute(ctx, "", alias, req)
	if err != nil {
		g.log.ErrorContext(ctx, "dispatch_failed",
			slog.String("request_id", reqID),
			slog.String("model", alias),
			slog.String("error", err.Error()),
		)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"internal server error", apierr.TypeInternalError, reqID)
		g.emitAudit(ctx, alias, nil, providers.Usage{}, start,
			apierr.TypeInternalError, err.Error())
		return
	}

	if !res.Success {
		status := res.FailureStatus()
		apierr.Write(ctx, status, res.Err.Message, res.Err.Class, reqID)
		g.emitAudit(ctx, alias, res, providers.Usage{}, start, res.Err.Class, res.Err.Message)
		return
	}

	// 4a. Streaming pass-through.
	if req.Stream && res.Response.Stream != nil {
		streaming = true
		g.writeSSE(ctx, route, res, func(usage providers.Usage) {
			dur := time.Since(start)
			g.emitAudit(ctx, alias, res, usage, start, "", "")
			if g.metrics != nil {
				g.metrics.DecInFlight()
				g.metrics.ObserveHTTP(route, fasthttp.StatusOK, dur)
				g.metrics.AddTokens(res.Provider.Name, usage.InputTokens, usage.OutputTokens)
			}
			g.log.InfoContext(context.Background(), "stream_complete",
				slog.String("request_id", reqID),
				slog.String("provider", res.Provider.Name),
				slog.Int("output_tokens", usage.OutputTokens),
				slog.Duration("elapsed", dur),
			)
		})
		return
	}

	// 4b. Non-streaming envelope.
	var body []byte
	switch route {
	case routeEmbeddings:
		body = marshalEmbeddings(res.Response)
	case routeCompletions:
		body = marshalCompletion(res.Response)
	default:
		body = marshalChat(res.Response)
	}

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("provider", res.Provider.Name),
		slog.String("model", res.Response.Model),
		slog.Int("attempts", len(res.Attempts)),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	g.emitAudit(ctx, alias, res, res.Response.Usage, start, "", "")
}

// validate enforces the per-route required fields.
func validate(req *providers.Request, route string) string {
	if req.Model == "" {
		return "field 'model' is required"
	}
	switch route {
	case routeChat:
		if len(req.Messages) == 0 {
			return "field 'messages' is required"
		}
	case routeCompletions:
		if req.Prompt == "" {
			return "field 'prompt' is required"
		}
		req.Messages = nil
	case routeEmbeddings:
		if len(req.Input) == 0 {
			return "field 'input' is required"
		}
		if req.Stream {
			return "embeddings do not support streaming"
		}
		req.Messages = nil
		req.Prompt = ""
	}
	return ""
}

// ── models / health ─────────────────────────────────────────────────────────

func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	aliases, err := g.resolver.Aliases(ctx)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to list models", apierr.TypeInternalError, requestIDFrom(ctx))
		return
	}
	data := make([]map[string]any, 0, len(aliases))
	for _, a := range aliases {
		data = append(data, map[string]any{
			"id":       a,
			"object":   "model",
			"owned_by": "llm-proxy",
		})
	}
	writeJSON(ctx, map[string]any{"object": "list", "data": data})
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{"status": "ok", "version": g.version})
}

func (g *Gateway) handleReadyz(ctx *fasthttp.RequestCtx) {
	if g.ready != nil {
		if err := g.ready(ctx); err != nil {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			writeJSON(ctx, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

// ── response envelopes ──────────────────────────────────────────────────────

type envelopeUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func toEnvelopeUsage(u providers.Usage) envelopeUsage {
	total := u.TotalTokens
	if total == 0 {
		total = u.InputTokens + u.OutputTokens
	}
	return envelopeUsage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      total,
	}
}

func responseID(resp *providers.Response, prefix string) string {
	if resp.ID != "" {
		return resp.ID
	}
	return prefix + "-" + uuid.New().String()
}

func marshalChat(resp *providers.Response) []byte {
	finish := resp.FinishReason
	if finish == "" {
		finish = "stop"
	}
	body, _ := json.Marshal(map[string]any{
		"id":      responseID(resp, "chatcmpl"),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   resp.Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": resp.Content},
			"finish_reason": finish,
		}},
		"usage": toEnvelopeUsage(resp.Usage),
	})
	return body
}

func marshalCompletion(resp *providers.Response) []byte {
	finish := resp.FinishReason
	if finish == "" {
		finish = "stop"
	}
	body, _ := json.Marshal(map[string]any{
		"id":      responseID(resp, "cmpl"),
		"object":  "text_completion",
		"created": time.Now().Unix(),
		"model":   resp.Model,
		"choices": []map[string]any{{
			"index":         0,
			"text":          resp.Content,
			"finish_reason": finish,
		}},
		"usage": toEnvelopeUsage(resp.Usage),
	})
	return body
}

func marshalEmbeddings(resp *providers.Response) []byte {
	data := make([]map[string]any, len(resp.Embeddings))
	for i, vec := range resp.Embeddings {
		data[i] = map[string]any{
			"object":    "embedding",
			"index":     i,
			"embedding": vec,
		}
	}
	body, _ := json.Marshal(map[string]any{
		"object": "list",
		"data":   data,
		"model":  resp.Model,
		"usage": map[string]int{
			"prompt_tokens": resp.Usage.InputTokens,
			"total_tokens":  resp.Usage.TotalTokens,
		},
	})
	return body
}

// ── streaming ───────────────────────────────────────────────────────────────

// writeSSE frames the upstream chunk channel as Server-Sent Events:
// `data: {json}\n\n` per chunk, terminated by `data: [DONE]\n\n`. Mid-stream
// upstream failures surface as one in-band error frame; the stream is then
// terminated — a 200 was already committed, so there is nothing to retry.
// onComplete fires once the stream drains, with the upstream-reported usage
// (or a chars/4 estimate when the upstream reported none).
func (g *Gateway) writeSSE(ctx *fasthttp.RequestCtx, route string, res *fallback.Result, onComplete func(usage providers.Usage)) {
	resp := res.Response
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	streamID := responseID(resp, "chatcmpl")

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() // client disconnects surface as write panics

		var (
			sb    strings.Builder
			usage providers.Usage
		)

		for chunk := range resp.Stream {
			if chunk.Err != nil {
				frame, _ := json.Marshal(map[string]any{
					"error": map[string]string{
						"message": chunk.Err.Error(),
						"type":    providers.ClassServerError,
					},
				})
				fmt.Fprintf(w, "data: %s\n\n", frame)
				w.Flush()
				break
			}
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
			sb.WriteString(chunk.Content)

			frame, _ := json.Marshal(streamFrame(route, streamID, resp.Model, chunk))
			fmt.Fprintf(w, "data: %s\n\n", frame)
			w.Flush()
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush()

		if usage.OutputTokens == 0 {
			// ~4 characters per token.
			est := sb.Len() / 4
			if est == 0 {
				est = 1
			}
			usage.OutputTokens = est
			usage.TotalTokens = usage.InputTokens + est
		}
		if onComplete != nil {
			onComplete(usage)
		}
	})
}

// streamFrame builds one OpenAI-shaped streaming frame for the route.
func streamFrame(route, id, model string, chunk providers.StreamChunk) map[string]any {
	var finish any
	if chunk.FinishReason != "" {
		finish = chunk.FinishReason
	}

	if route == routeCompletions {
		return map[string]any{
			"id":      id,
			"object":  "text_completion",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{{
				"index":         0,
				"text":          chunk.Content,
				"finish_reason": finish,
			}},
		}
	}
	return map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         map[string]string{"content": chunk.Content},
			"finish_reason": finish,
		}},
	}
}

// ── audit ───────────────────────────────────────────────────────────────────

// emitAudit records exactly one audit row for the request. res may be nil
// (rejections before dispatch); usage overrides the response usage for
// streaming, where tokens are only known after the drain.
func (g *Gateway) emitAudit(
	ctx *fasthttp.RequestCtx,
	alias string,
	res *fallback.Result,
	usage providers.Usage,
	start time.Time,
	errType, errMsg string,
) {
	if g.audit == nil {
		return
	}

	rec := models.AuditRecord{
		RequestID:    requestIDFrom(ctx),
		ClientIP:     ctx.RemoteIP().String(),
		UserAgent:    string(ctx.Request.Header.UserAgent()),
		Endpoint:     string(ctx.Path()),
		Method:       string(ctx.Method()),
		ModelAlias:   alias,
		StatusCode:   ctx.Response.StatusCode(),
		LatencyMs:    time.Since(start).Milliseconds(),
		ErrorType:    errType,
		ErrorMessage: errMsg,
	}

	if res != nil {
		if len(res.Attempts) > 0 {
			chain, err := json.Marshal(res.Attempts)
			if err == nil {
				rec.FallbackJSON = chain
			}
			rec.FallbackCount = res.FallbackCount()
		}
		if res.Provider != nil {
			rec.ProviderID = sql.NullInt64{Int64: res.Provider.ID, Valid: true}
			rec.UpstreamModel = res.UpstreamModel
		}
		if res.Credential != nil {
			rec.KeyID = res.Credential.KeyID
		}
	}

	if res != nil && res.Success {
		u := usage
		if u == (providers.Usage{}) && res.Response != nil {
			u = res.Response.Usage
		}
		rec.InputTokens = u.InputTokens
		rec.OutputTokens = u.OutputTokens
		rec.TotalTokens = u.TotalTokens
		if rec.TotalTokens == 0 {
			rec.TotalTokens = u.InputTokens + u.OutputTokens
		}
	}

	g.audit.Record(rec)
}
