// Package fallback implements the multi-attempt dispatch pipeline: resolve
// the alias to its provider chain, gate each provider on its circuit
// breaker, walk credentials within a provider, and stop according to the
// error-class propagation policy.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-proxy/internal/keystore"
	"github.com/nulpointcorp/llm-proxy/internal/metrics"
	"github.com/nulpointcorp/llm-proxy/internal/models"
	"github.com/nulpointcorp/llm-proxy/internal/providers"
	"github.com/nulpointcorp/llm-proxy/internal/resolver"
)

// maxKeyAttempts bounds credential retries within one provider.
const maxKeyAttempts = 3

// TargetResolver yields the ordered provider chain for an alias.
type TargetResolver interface {
	Resolve(ctx context.Context, tenant, alias string) ([]resolver.Target, error)
}

// KeySelector selects credentials and records attempt outcomes. exclude
// names credentials already burned within the current request.
type KeySelector interface {
	Select(ctx context.Context, providerID int64, strategy string, exclude []int64) (*models.Credential, error)
	RecordUsage(ctx context.Context, credID int64, tokens int, success bool) error
	Decrypt(c *models.Credential) (string, error)
}

// CircuitBreaker gates providers and receives attempt verdicts.
type CircuitBreaker interface {
	Allow(ctx context.Context, providerID int64) bool
	RecordSuccess(ctx context.Context, providerID int64)
	RecordFailure(ctx context.Context, providerID int64)
}

// Attempt is one try within a fallback. Synthetic attempts (breaker gate,
// empty keystore) carry no key id, no status, and zero latency.
type Attempt struct {
	Provider  string `json:"provider"`
	KeyID     string `json:"key_id,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
	Status    int    `json:"status,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// synthetic reports whether the attempt never reached an upstream.
func (a *Attempt) synthetic() bool {
	return a.ErrorType == providers.ClassBreakerOpen ||
		a.ErrorType == providers.ClassNoAvailableKeys
}

// Result is the outcome of one Execute call. On success Response is set and
// Err is nil; on failure Err carries the terminal classified error. Attempts
// are in dispatch order either way.
type Result struct {
	Success       bool
	Response      *providers.Response
	Attempts      []Attempt
	TotalLatency  time.Duration
	Provider      *models.Provider
	Credential    *models.Credential
	UpstreamModel string
	Err           *providers.Error
}

// FallbackCount is the number of attempts beyond the first.
func (r *Result) FallbackCount() int {
	if len(r.Attempts) <= 1 {
		return 0
	}
	return len(r.Attempts) - 1
}

// FailureStatus is the HTTP status a failed result maps to: the last
// upstream attempt's status, or the error class's mapping when the upstream
// never answered. A chain where no provider was tried at all is a 503.
func (r *Result) FailureStatus() int {
	for i := len(r.Attempts) - 1; i >= 0; i-- {
		if !r.Attempts[i].synthetic() && r.Attempts[i].Status > 0 {
			return r.Attempts[i].Status
		}
	}
	if r.Err != nil {
		return r.Err.HTTPStatus()
	}
	return 500
}

// Options configures an Executor.
type Options struct {
	// Factory builds adapters; defaults to providers.New.
	Factory providers.Factory

	// MaxAttempts is the total upstream-attempt budget per request. Must be
	// ≥ 1; synthetic attempts do not consume it.
	MaxAttempts int

	// DefaultTimeout bounds one upstream attempt when the provider record
	// carries no timeout.
	DefaultTimeout time.Duration

	// Metrics enables attempt/failover instrumentation. Nil-safe.
	Metrics *metrics.Registry
}

// Executor walks an alias's provider chain until an attempt succeeds or the
// propagation policy stops it.
type Executor struct {
	resolver TargetResolver
	keys     KeySelector
	breaker  CircuitBreaker
	log      *slog.Logger

	factory        providers.Factory
	maxAttempts    int
	defaultTimeout time.Duration
	metrics        *metrics.Registry
}

// New creates an Executor.
func New(res TargetResolver, keys KeySelector, cb CircuitBreaker, log *slog.Logger, opts Options) *Executor {
	factory := opts.Factory
	if factory == nil {
		factory = providers.New
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = providers.DefaultTimeout
	}
	return &Executor{
		resolver:       res,
		keys:           keys,
		breaker:        cb,
		log:            log,
		factory:        factory,
		maxAttempts:    maxAttempts,
		defaultTimeout: timeout,
		metrics:        opts.Metrics,
	}
}

// Execute dispatches one normalized request under alias's fallback chain.
// The returned error is non-nil only for infrastructure failures (resolution
// against the store); upstream failures end up in Result.Err.
func (e *Executor) Execute(ctx context.Context, tenant, alias string, req *providers.Request) (*Result, error) {
	start := time.Now()

	targets, err := e.resolver.Resolve(ctx, tenant, alias)
	if err != nil {
		return nil, fmt.Errorf("fallback: resolve %q: %w", alias, err)
	}

	res := &Result{}
	if len(targets) == 0 {
		res.Err = &providers.Error{
			Class:      providers.ClassModelNotFound,
			StatusCode: 404,
			Message:    fmt.Sprintf("model %q not found", alias),
		}
		res.TotalLatency = time.Since(start)
		return res, nil
	}

	budget := e.maxAttempts
	prevProvider := ""
	prevReason := ""

	for _, target := range targets {
		if budget <= 0 {
			break
		}
		p := target.Provider

		if !e.breaker.Allow(ctx, p.ID) {
			e.log.WarnContext(ctx, "circuit_breaker_open",
				slog.String("alias", alias),
				slog.String("provider", p.Name),
			)
			if e.metrics != nil {
				e.metrics.RecordCircuitBreakerRejection(p.Name)
			}
			res.Attempts = append(res.Attempts, Attempt{
				Provider:  p.Name,
				ErrorType: providers.ClassBreakerOpen,
			})
			continue
		}

		// Switching providers after a failed one is a failover event.
		if prevProvider != "" && prevProvider != p.Name {
			if e.metrics != nil {
				e.metrics.RecordFailover(alias, prevProvider, p.Name, prevReason)
			}
		}

		nextProvider := false
		tried := make([]int64, 0, maxKeyAttempts)
		for try := 0; try < maxKeyAttempts && budget > 0 && !nextProvider; try++ {
			cred, err := e.keys.Select(ctx, p.ID, selectionStrategy(&p), tried)
			if err != nil {
				if errors.Is(err, keystore.ErrNoAvailableKeys) {
					// Only an untouched provider yields a synthetic attempt;
					// running out of fresh keys mid-rotation just moves on.
					if len(tried) == 0 {
						e.log.WarnContext(ctx, "no_available_keys",
							slog.String("alias", alias),
							slog.String("provider", p.Name),
						)
						res.Attempts = append(res.Attempts, Attempt{
							Provider:  p.Name,
							ErrorType: providers.ClassNoAvailableKeys,
						})
						prevProvider, prevReason = p.Name, providers.ClassNoAvailableKeys
					}
					break
				}
				return nil, fmt.Errorf("fallback: select key for %s: %w", p.Name, err)
			}
			tried = append(tried, cred.ID)

			attempt, resp, perr := e.dispatch(ctx, &p, cred, &target, req)
			res.Attempts = append(res.Attempts, *attempt)

			if perr == nil {
				res.Success = true
				res.Response = resp
				res.Provider = &p
				res.Credential = cred
				res.UpstreamModel = target.UpstreamModel
				res.TotalLatency = time.Since(start)
				return res, nil
			}

			budget--
			res.Err = perr
			prevProvider, prevReason = p.Name, perr.Class

			switch perr.Class {
			case providers.ClassRateLimit, providers.ClassServerError, providers.ClassTimeout:
				// Recoverable: the next credential of the same provider may
				// fare better.
			case providers.ClassAuthentication, providers.ClassQuotaExceeded, providers.ClassModelNotFound:
				// Destructive for this provider, but the chain continues.
				nextProvider = true
			default:
				// unknown_error: a malformed request will not improve
				// elsewhere.
				res.TotalLatency = time.Since(start)
				e.recordExhausted(alias)
				return res, nil
			}
		}
	}

	res.TotalLatency = time.Since(start)
	if res.Err == nil {
		// Every attempt was synthetic; no upstream was ever tried.
		res.Err = &providers.Error{
			Class:      providers.ClassNoAvailableKeys,
			StatusCode: 503,
			Message:    fmt.Sprintf("no provider available for %q", alias),
		}
		if n := len(res.Attempts); n > 0 {
			res.Err.Class = res.Attempts[n-1].ErrorType
		}
	}
	e.recordExhausted(alias)
	return res, nil
}

// dispatch performs one upstream attempt against (provider, credential).
func (e *Executor) dispatch(
	ctx context.Context,
	p *models.Provider,
	cred *models.Credential,
	target *resolver.Target,
	req *providers.Request,
) (*Attempt, *providers.Response, *providers.Error) {

	attempt := &Attempt{Provider: p.Name, KeyID: cred.KeyID}

	apiKey, err := e.keys.Decrypt(cred)
	if err != nil {
		perr := &providers.Error{Provider: p.Name, Class: providers.ClassUnknown,
			Message: fmt.Sprintf("credential %s unusable: %s", cred.KeyID, err)}
		attempt.ErrorType = perr.Class
		return attempt, nil, perr
	}

	adapter, err := e.factory(p, apiKey)
	if err != nil {
		perr := &providers.Error{Provider: p.Name, Class: providers.ClassUnknown, Message: err.Error()}
		attempt.ErrorType = perr.Class
		return attempt, nil, perr
	}

	effReq := effectiveRequest(req, target)

	// Streaming attempts are bounded by client cancellation, not the
	// per-attempt timeout: the chunk channel outlives this call.
	attemptCtx := ctx
	var cancel context.CancelFunc
	if !req.Stream {
		attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout(e.defaultTimeout))
	}

	start := time.Now()
	var resp *providers.Response
	switch {
	case len(effReq.Input) > 0:
		resp, err = adapter.Embedding(attemptCtx, effReq)
	case len(effReq.Messages) > 0:
		resp, err = adapter.Chat(attemptCtx, effReq)
	default:
		resp, err = adapter.Completion(attemptCtx, effReq)
	}
	dur := time.Since(start)
	if cancel != nil {
		cancel()
	}
	attempt.LatencyMs = dur.Milliseconds()

	if err != nil {
		perr := providers.Classify(p.Name, err)
		attempt.ErrorType = perr.Class
		attempt.Status = perr.StatusCode

		e.breaker.RecordFailure(ctx, p.ID)
		if err := e.keys.RecordUsage(ctx, cred.ID, 0, false); err != nil {
			e.log.ErrorContext(ctx, "usage_record_failed",
				slog.String("provider", p.Name),
				slog.String("key_id", cred.KeyID),
				slog.String("error", err.Error()),
			)
		}
		if e.metrics != nil {
			e.metrics.ObserveUpstreamAttempt(p.Name, perr.Class, dur)
		}
		e.log.WarnContext(ctx, "provider_attempt_failed",
			slog.String("provider", p.Name),
			slog.String("key_id", cred.KeyID),
			slog.String("reason", perr.Class),
			slog.Int("status", perr.StatusCode),
			slog.Int64("latency_ms", attempt.LatencyMs),
			slog.String("error", perr.Message),
		)
		return attempt, nil, perr
	}

	attempt.Status = 200

	e.breaker.RecordSuccess(ctx, p.ID)
	// Streaming usage is unknown at this point; the terminal chunk carries
	// it and the gateway accounts for tokens there.
	if err := e.keys.RecordUsage(ctx, cred.ID, resp.Usage.TotalTokens, true); err != nil {
		e.log.ErrorContext(ctx, "usage_record_failed",
			slog.String("provider", p.Name),
			slog.String("key_id", cred.KeyID),
			slog.String("error", err.Error()),
		)
	}
	if e.metrics != nil {
		e.metrics.ObserveUpstreamAttempt(p.Name, "ok", dur)
		e.metrics.AddTokens(p.Name, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}
	return attempt, resp, nil
}

func (e *Executor) recordExhausted(alias string) {
	if e.metrics != nil {
		e.metrics.RecordFailoverExhausted(alias)
	}
}

// selectionStrategy reads the provider's configured key-selection strategy;
// anything unrecognized falls back to priority inside the keystore.
func selectionStrategy(p *models.Provider) string {
	if s, ok := p.Config()["selection_strategy"].(string); ok {
		return s
	}
	return keystore.StrategyPriority
}

// effectiveRequest builds the request actually sent upstream: the client's
// normalized request with the mapping's upstream model name and the config
// overlay applied on top. Overlay keys win on conflict; keys the proxy does
// not interpret pass through in Extra.
func effectiveRequest(req *providers.Request, target *resolver.Target) *providers.Request {
	eff := *req
	eff.Model = target.UpstreamModel

	if len(target.Overlay) == 0 {
		return &eff
	}

	// Copy-on-write for the extras map; the caller's request is shared
	// across attempts.
	extra := make(map[string]any, len(req.Extra)+len(target.Overlay))
	for k, v := range req.Extra {
		extra[k] = v
	}

	for k, v := range target.Overlay {
		switch k {
		case "max_tokens":
			if n, ok := asInt(v); ok {
				eff.MaxTokens = n
			}
		case "temperature":
			if f, ok := asFloat(v); ok {
				eff.Temperature = f
			}
		case "top_p":
			if f, ok := asFloat(v); ok {
				eff.TopP = f
			}
		case "stop":
			if s := asStrings(v); s != nil {
				eff.Stop = s
			}
		case "user":
			if s, ok := v.(string); ok {
				eff.User = s
			}
		default:
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		eff.Extra = extra
	}
	return &eff
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func asStrings(v any) []string {
	switch s := v.(type) {
	case string:
		return []string{s}
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			str, ok := e.(string)
			if !ok {
				return nil
			}
			out = append(out, str)
		}
		return out
	}
	return nil
}
