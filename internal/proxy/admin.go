package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jmoiron/sqlx/types"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-proxy/internal/breaker"
	"github.com/nulpointcorp/llm-proxy/internal/crypto"
	"github.com/nulpointcorp/llm-proxy/internal/models"
	"github.com/nulpointcorp/llm-proxy/internal/providers"
	"github.com/nulpointcorp/llm-proxy/internal/store"
	"github.com/nulpointcorp/llm-proxy/pkg/apierr"
)

// Admin surface: provider / credential / mapping CRUD plus the operational
// endpoints (key health, breaker health and reset). Everything here sits
// behind requireAdmin.

func pathID(ctx *fasthttp.RequestCtx) (int64, bool) {
	raw, _ := ctx.UserValue("id").(string)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid id in path", apierr.TypeInvalidRequest, requestIDFrom(ctx))
		return 0, false
	}
	return id, true
}

// adminError maps store errors onto the envelope.
func (g *Gateway) adminError(ctx *fasthttp.RequestCtx, err error) {
	if errors.Is(err, store.ErrNotFound) {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			"not found", apierr.TypeInvalidRequest, requestIDFrom(ctx))
		return
	}
	g.log.Error("admin_store_error", slog.String("error", err.Error()))
	apierr.Write(ctx, fasthttp.StatusInternalServerError,
		"storage error", apierr.TypeInternalError, requestIDFrom(ctx))
}

func decodeBody(ctx *fasthttp.RequestCtx, dst any) bool {
	if err := json.Unmarshal(ctx.PostBody(), dst); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err), apierr.TypeInvalidRequest, requestIDFrom(ctx))
		return false
	}
	return true
}

// ── providers ───────────────────────────────────────────────────────────────

type providerPayload struct {
	Name           string         `json:"name"`
	Kind           string         `json:"kind"`
	BaseURL        string         `json:"base_url"`
	Config         map[string]any `json:"config"`
	Status         string         `json:"status"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	MaxRetries     int            `json:"max_retries"`
}

func (p *providerPayload) validate() string {
	if p.Name == "" {
		return "field 'name' is required"
	}
	if !providers.Known(p.Kind) {
		return fmt.Sprintf("unknown provider kind %q (known: %v)", p.Kind, providers.Kinds())
	}
	switch p.Status {
	case "", models.ProviderActive, models.ProviderDisabled, models.ProviderMaintenance:
	default:
		return fmt.Sprintf("invalid status %q", p.Status)
	}
	return ""
}

func (p *providerPayload) toModel() *models.Provider {
	status := p.Status
	if status == "" {
		status = models.ProviderActive
	}
	var cfg types.JSONText
	if len(p.Config) > 0 {
		cfg, _ = json.Marshal(p.Config)
	}
	return &models.Provider{
		Name:           p.Name,
		Kind:           p.Kind,
		BaseURL:        p.BaseURL,
		ConfigJSON:     cfg,
		Status:         status,
		TimeoutSeconds: p.TimeoutSeconds,
		MaxRetries:     p.MaxRetries,
	}
}

func (g *Gateway) handleCreateProvider(ctx *fasthttp.RequestCtx) {
	var payload providerPayload
	if !decodeBody(ctx, &payload) {
		return
	}
	if msg := payload.validate(); msg != "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, msg, apierr.TypeInvalidRequest, requestIDFrom(ctx))
		return
	}
	p := payload.toModel()
	id, err := g.store.CreateProvider(ctx, p)
	if err != nil {
		g.adminError(ctx, err)
		return
	}
	p.ID = id
	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, p)
}

func (g *Gateway) handleListProviders(ctx *fasthttp.RequestCtx) {
	list, err := g.store.ListProviders(ctx)
	if err != nil {
		g.adminError(ctx, err)
		return
	}
	writeJSON(ctx, list)
}

func (g *Gateway) handleGetProvider(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	p, err := g.store.GetProvider(ctx, id)
	if err != nil {
		g.adminError(ctx, err)
		return
	}
	writeJSON(ctx, p)
}

func (g *Gateway) handleUpdateProvider(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	var payload providerPayload
	if !decodeBody(ctx, &payload) {
		return
	}
	if msg := payload.validate(); msg != "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, msg, apierr.TypeInvalidRequest, requestIDFrom(ctx))
		return
	}
	p := payload.toModel()
	p.ID = id
	if err := g.store.UpdateProvider(ctx, p); err != nil {
		g.adminError(ctx, err)
		return
	}
	writeJSON(ctx, p)
}

func (g *Gateway) handleDeleteProvider(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	if err := g.store.DeleteProvider(ctx, id); err != nil {
		g.adminError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// ── credentials ─────────────────────────────────────────────────────────────

type credentialPayload struct {
	KeyID        string `json:"key_id"`
	APIKey       string `json:"api_key"`
	Priority     int    `json:"priority"`
	Status       string `json:"status"`
	RateLimitRPM int    `json:"rate_limit_rpm"`
	RateLimitTPM int    `json:"rate_limit_tpm"`
	DailyQuota   int    `json:"daily_quota"`
	MonthlyQuota int    `json:"monthly_quota"`
}

// credentialView is the admin read shape: ciphertext never leaves the
// store, the key material is masked to its last four characters.
type credentialView struct {
	ID                  int64  `json:"id"`
	ProviderID          int64  `json:"provider_id"`
	KeyID               string `json:"key_id"`
	MaskedKey           string `json:"masked_key"`
	Priority            int    `json:"priority"`
	Status              string `json:"status"`
	RateLimitRPM        int    `json:"rate_limit_rpm"`
	RateLimitTPM        int    `json:"rate_limit_tpm"`
	DailyQuota          int    `json:"daily_quota"`
	MonthlyQuota        int    `json:"monthly_quota"`
	CurrentDailyUsage   int    `json:"current_daily_usage"`
	CurrentMonthlyUsage int    `json:"current_monthly_usage"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

func (g *Gateway) credentialToView(c *models.Credential) credentialView {
	masked := ""
	if plain, err := g.cipher.Decrypt(c.KeyCiphertext); err == nil {
		masked = crypto.Mask(plain)
	}
	return credentialView{
		ID:                  c.ID,
		ProviderID:          c.ProviderID,
		KeyID:               c.KeyID,
		MaskedKey:           masked,
		Priority:            c.Priority,
		Status:              c.Status,
		RateLimitRPM:        c.RateLimitRPM,
		RateLimitTPM:        c.RateLimitTPM,
		DailyQuota:          c.DailyQuota,
		MonthlyQuota:        c.MonthlyQuota,
		CurrentDailyUsage:   c.CurrentDailyUsage,
		CurrentMonthlyUsage: c.CurrentMonthlyUsage,
		ConsecutiveFailures: c.ConsecutiveFailures,
	}
}

func (g *Gateway) handleCreateCredential(ctx *fasthttp.RequestCtx) {
	providerID, ok := pathID(ctx)
	if !ok {
		return
	}
	var payload credentialPayload
	if !decodeBody(ctx, &payload) {
		return
	}
	if payload.KeyID == "" || payload.APIKey == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"fields 'key_id' and 'api_key' are required", apierr.TypeInvalidRequest, requestIDFrom(ctx))
		return
	}
	if _, err := g.store.GetProvider(ctx, providerID); err != nil {
		g.adminError(ctx, err)
		return
	}

	ciphertext, err := g.cipher.Encrypt(payload.APIKey)
	if err != nil {
		g.log.Error("credential_encrypt_failed", slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"encryption failed", apierr.TypeInternalError, requestIDFrom(ctx))
		return
	}

	status := payload.Status
	if status == "" {
		status = models.KeyActive
	}
	c := &models.Credential{
		ProviderID:    providerID,
		KeyID:         payload.KeyID,
		KeyCiphertext: ciphertext,
		Priority:      payload.Priority,
		Status:        status,
		RateLimitRPM:  payload.RateLimitRPM,
		RateLimitTPM:  payload.RateLimitTPM,
		DailyQuota:    payload.DailyQuota,
		MonthlyQuota:  payload.MonthlyQuota,
	}
	id, err := g.store.CreateCredential(ctx, c)
	if err != nil {
		g.adminError(ctx, err)
		return
	}
	c.ID = id
	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, g.credentialToView(c))
}

func (g *Gateway) handleListCredentials(ctx *fasthttp.RequestCtx) {
	providerID, ok := pathID(ctx)
	if !ok {
		return
	}
	list, err := g.store.ListCredentials(ctx, providerID)
	if err != nil {
		g.adminError(ctx, err)
		return
	}
	views := make([]credentialView, len(list))
	for i := range list {
		views[i] = g.credentialToView(&list[i])
	}
	writeJSON(ctx, views)
}

func (g *Gateway) handleUpdateCredentialStatus(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	var payload struct {
		Status string `json:"status"`
	}
	if !decodeBody(ctx, &payload) {
		return
	}
	switch payload.Status {
	case models.KeyActive, models.KeyDisabled, models.KeyExhausted, models.KeyFailed:
	default:
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid status %q", payload.Status), apierr.TypeInvalidRequest, requestIDFrom(ctx))
		return
	}
	if err := g.store.UpdateCredentialStatus(ctx, id, payload.Status); err != nil {
		g.adminError(ctx, err)
		return
	}
	c, err := g.store.GetCredential(ctx, id)
	if err != nil {
		g.adminError(ctx, err)
		return
	}
	writeJSON(ctx, g.credentialToView(c))
}

func (g *Gateway) handleDeleteCredential(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	if err := g.store.DeleteCredential(ctx, id); err != nil {
		g.adminError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (g *Gateway) handleKeyHealth(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	h, err := g.keys.KeyHealth(ctx, id)
	if err != nil {
		g.adminError(ctx, err)
		return
	}
	writeJSON(ctx, h)
}

// ── mappings ────────────────────────────────────────────────────────────────

type mappingPayload struct {
	AliasName     string         `json:"alias_name"`
	ProviderID    int64          `json:"provider_id"`
	UpstreamModel string         `json:"upstream_model"`
	OrderIndex    int            `json:"order_index"`
	IsDefault     bool           `json:"is_default"`
	Config        map[string]any `json:"config"`
}

func (m *mappingPayload) validate() string {
	if m.AliasName == "" {
		return "field 'alias_name' is required"
	}
	if m.ProviderID <= 0 {
		return "field 'provider_id' is required"
	}
	if m.UpstreamModel == "" {
		return "field 'upstream_model' is required"
	}
	return ""
}

func (m *mappingPayload) toModel() *models.ModelMapping {
	var cfg types.JSONText
	if len(m.Config) > 0 {
		cfg, _ = json.Marshal(m.Config)
	}
	return &models.ModelMapping{
		AliasName:     m.AliasName,
		ProviderID:    m.ProviderID,
		UpstreamModel: m.UpstreamModel,
		OrderIndex:    m.OrderIndex,
		IsDefault:     m.IsDefault,
		ConfigJSON:    cfg,
	}
}

func (g *Gateway) handleCreateMapping(ctx *fasthttp.RequestCtx) {
	var payload mappingPayload
	if !decodeBody(ctx, &payload) {
		return
	}
	if msg := payload.validate(); msg != "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, msg, apierr.TypeInvalidRequest, requestIDFrom(ctx))
		return
	}
	if _, err := g.store.GetProvider(ctx, payload.ProviderID); err != nil {
		g.adminError(ctx, err)
		return
	}
	m := payload.toModel()
	id, err := g.store.CreateMapping(ctx, m)
	if err != nil {
		g.adminError(ctx, err)
		return
	}
	m.ID = id
	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, m)
}

func (g *Gateway) handleListMappings(ctx *fasthttp.RequestCtx) {
	list, err := g.store.ListMappings(ctx)
	if err != nil {
		g.adminError(ctx, err)
		return
	}
	writeJSON(ctx, list)
}

func (g *Gateway) handleUpdateMapping(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	var payload mappingPayload
	if !decodeBody(ctx, &payload) {
		return
	}
	if msg := payload.validate(); msg != "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, msg, apierr.TypeInvalidRequest, requestIDFrom(ctx))
		return
	}
	m := payload.toModel()
	m.ID = id
	if err := g.store.UpdateMapping(ctx, m); err != nil {
		g.adminError(ctx, err)
		return
	}
	writeJSON(ctx, m)
}

func (g *Gateway) handleDeleteMapping(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	if err := g.store.DeleteMapping(ctx, id); err != nil {
		g.adminError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// ── circuit breaker ─────────────────────────────────────────────────────────

func (g *Gateway) handleBreakerHealth(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	p, err := g.store.GetProvider(ctx, id)
	if err != nil {
		g.adminError(ctx, err)
		return
	}
	h := g.breaker.Health(ctx, id)
	if g.metrics != nil {
		g.metrics.SetCircuitBreaker(p.Name, breakerStateValue(h.State))
	}
	writeJSON(ctx, map[string]any{
		"provider":    p.Name,
		"state":       h.State,
		"failures":    h.Failures,
		"retry_after": h.RetryAfter.Seconds(),
	})
}

func (g *Gateway) handleBreakerReset(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	p, err := g.store.GetProvider(ctx, id)
	if err != nil {
		g.adminError(ctx, err)
		return
	}
	g.breaker.Reset(ctx, id)
	if g.metrics != nil {
		g.metrics.SetCircuitBreaker(p.Name, 0)
	}
	g.log.Info("breaker_reset",
		slog.String("provider", p.Name),
		slog.String("by", func() string { u, _ := ctx.UserValue("admin_user").(string); return u }()),
	)
	writeJSON(ctx, map[string]string{"provider": p.Name, "state": breaker.StateClosed})
}

func breakerStateValue(state string) int64 {
	switch state {
	case breaker.StateOpen:
		return 1
	case breaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
