// Package providers defines the normalized request/response contract between
// the dispatch pipeline and upstream LLM adapters, the error taxonomy the
// fallback policy branches on, and the kind registry adapters register into.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-proxy/internal/models"
)

// DefaultMaxTokens is used when a chat request carries no max_tokens and the
// upstream requires one.
const DefaultMaxTokens = 4096

// DefaultTimeout is the per-attempt upstream timeout when neither the
// provider record nor configuration supplies one.
const DefaultTimeout = 30 * time.Second

type (
	// Request is the normalized form of an incoming completion request.
	// Exactly one of Messages (chat) or Prompt (legacy completion) is set;
	// Input is set for embeddings.
	Request struct {
		Model       string
		Messages    []Message
		Prompt      string
		Input       []string
		MaxTokens   int
		Temperature float64
		TopP        float64
		Stop        []string
		Stream      bool
		User        string

		// Extra carries pass-through fields the proxy does not interpret,
		// including mapping-overlay keys it does not recognize.
		Extra map[string]any
	}

	// Message is a single chat message.
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// Usage is the upstream token accounting.
	Usage struct {
		InputTokens  int `json:"prompt_tokens"`
		OutputTokens int `json:"completion_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}

	// Response is the normalized upstream result. For streaming requests
	// Stream is non-nil and the other fields fill in as the stream drains.
	Response struct {
		ID           string
		Model        string
		Content      string
		FinishReason string
		Usage        Usage

		// Embeddings is set only for embedding requests.
		Embeddings [][]float64

		// Stream delivers chunks in upstream order; closed at end of stream.
		Stream <-chan StreamChunk
	}

	// StreamChunk is one delta of a streaming response. A terminal chunk
	// carries FinishReason (and Usage when the upstream reports it); Err is
	// set when the upstream fails mid-stream.
	StreamChunk struct {
		Content      string
		FinishReason string
		Usage        *Usage
		Err          error
	}

	// ModelInfo is one entry of an upstream model listing.
	ModelInfo struct {
		ID      string `json:"id"`
		OwnedBy string `json:"owned_by"`
	}
)

// Adapter is the upstream-facing contract. Implementations are stateless
// with respect to credentials: one Adapter is built per (provider, key)
// attempt and carries that key only.
type Adapter interface {
	// Name returns the provider record's name, for logs and attempt records.
	Name() string

	// Chat performs a chat completion. Blocking calls honour ctx.
	Chat(ctx context.Context, req *Request) (*Response, error)

	// Completion performs a legacy text completion.
	Completion(ctx context.Context, req *Request) (*Response, error)

	// Embedding computes embeddings for req.Input.
	Embedding(ctx context.Context, req *Request) (*Response, error)

	// ListModels lists the upstream's models.
	ListModels(ctx context.Context) ([]ModelInfo, error)

	// HealthCheck verifies auth and connectivity.
	HealthCheck(ctx context.Context) error
}

// ── Error taxonomy ──────────────────────────────────────────────────────────

// Error classes. The fallback executor's propagation policy branches on
// these; synthetic classes never come from an upstream response.
const (
	ClassRateLimit      = "rate_limit"
	ClassAuthentication = "authentication"
	ClassModelNotFound  = "model_not_found"
	ClassQuotaExceeded  = "quota_exceeded"
	ClassServerError    = "server_error"
	ClassTimeout        = "timeout"
	ClassUnknown        = "unknown_error"

	// Synthetic classes, produced by the executor itself.
	ClassBreakerOpen     = "circuit_breaker_open"
	ClassNoAvailableKeys = "no_available_keys"
)

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Error is a classified upstream failure.
type Error struct {
	// Provider is the provider record's name.
	Provider string
	// Class is one of the Class* constants.
	Class string
	// StatusCode is the upstream HTTP status, 0 when none was received.
	StatusCode int
	// Message is the upstream (or transport) error text.
	Message string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status=%d): %s", e.Provider, e.Class, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Class, e.Message)
}

// HTTPStatus implements StatusCoder. When the upstream supplied no status
// the class decides.
func (e *Error) HTTPStatus() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	switch e.Class {
	case ClassRateLimit:
		return http.StatusTooManyRequests
	case ClassAuthentication:
		return http.StatusUnauthorized
	case ClassModelNotFound:
		return http.StatusNotFound
	case ClassQuotaExceeded:
		return http.StatusPaymentRequired
	case ClassTimeout:
		return http.StatusGatewayTimeout
	case ClassBreakerOpen, ClassNoAvailableKeys:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ClassFromStatus maps an upstream HTTP status to an error class.
func ClassFromStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ClassAuthentication
	case status == http.StatusPaymentRequired:
		return ClassQuotaExceeded
	case status == http.StatusNotFound:
		return ClassModelNotFound
	case status == http.StatusTooManyRequests:
		return ClassRateLimit
	case status >= 500:
		return ClassServerError
	default:
		return ClassUnknown
	}
}

// Classify wraps an arbitrary adapter error into *Error. Context expiry
// becomes ClassTimeout; an existing *Error passes through unchanged.
func Classify(provider string, err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Provider: provider, Class: ClassTimeout, Message: err.Error()}
	}
	return &Error{Provider: provider, Class: ClassUnknown, Message: err.Error()}
}

// ── Kind registry ───────────────────────────────────────────────────────────

// Factory builds an Adapter for one provider record with one decrypted key.
type Factory func(p *models.Provider, apiKey string) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register installs a factory for a provider kind. Called from adapter
// package init; re-registering a kind panics.
func Register(kind string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[kind]; dup {
		panic("providers: duplicate kind " + kind)
	}
	registry[kind] = f
}

// New builds an adapter for the provider record using its registered kind.
func New(p *models.Provider, apiKey string) (Adapter, error) {
	registryMu.RLock()
	f, ok := registry[p.Kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("providers: unknown kind %q", p.Kind)
	}
	return f(p, apiKey)
}

// Known reports whether kind has a registered factory. Admin writes reject
// unknown kinds with this.
func Known(kind string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[kind]
	return ok
}

// Kinds returns the registered kinds, sorted.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
