// Package models defines the persistent domain records the proxy core
// operates on: providers, their credentials, model mappings, audit rows,
// and admin users.
//
// The core never mutates these records directly — it receives immutable
// snapshots from internal/store for the duration of a single request.
// All writes go through the store.
package models

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx/types"
)

// Provider status values.
const (
	ProviderActive      = "active"
	ProviderDisabled    = "disabled"
	ProviderMaintenance = "maintenance"
)

// Credential status values.
const (
	KeyActive    = "active"
	KeyDisabled  = "disabled"
	KeyExhausted = "exhausted"
	KeyFailed    = "failed"
)

// Provider kinds. The set is closed; new kinds are added by registering a
// constructor in internal/providers and extending admin-write validation.
const (
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
	KindMock      = "mock"
)

// Provider is a configured upstream LLM service.
type Provider struct {
	ID             int64          `db:"id"`
	Name           string         `db:"name"`
	Kind           string         `db:"kind"`
	BaseURL        string         `db:"base_url"`
	ConfigJSON     types.JSONText `db:"config_json"`
	Status         string         `db:"status"`
	TimeoutSeconds int            `db:"timeout_seconds"`
	MaxRetries     int            `db:"max_retries"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      sql.NullTime   `db:"updated_at"`
}

// Timeout returns the per-provider request timeout, falling back to def
// when the record carries no value.
func (p *Provider) Timeout(def time.Duration) time.Duration {
	if p.TimeoutSeconds <= 0 {
		return def
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Config decodes the provider's opaque config mapping. Returns an empty
// map when the column is NULL or empty.
func (p *Provider) Config() map[string]any {
	return decodeJSONMap(p.ConfigJSON)
}

// Credential is one API key bound to a provider, plus its health and
// quota metadata. KeyCiphertext is AES-GCM output; only internal/keystore
// decrypts it, and only at the moment the key is handed to an adapter.
type Credential struct {
	ID                  int64        `db:"id"`
	ProviderID          int64        `db:"provider_id"`
	KeyID               string       `db:"key_id"`
	KeyCiphertext       string       `db:"key_ciphertext"`
	Priority            int          `db:"priority"`
	Status              string       `db:"status"`
	RateLimitRPM        int          `db:"rate_limit_rpm"`
	RateLimitTPM        int          `db:"rate_limit_tpm"`
	DailyQuota          int          `db:"daily_quota"`
	MonthlyQuota        int          `db:"monthly_quota"`
	CurrentDailyUsage   int          `db:"current_daily_usage"`
	CurrentMonthlyUsage int          `db:"current_monthly_usage"`
	LastUsedAt          sql.NullTime `db:"last_used_at"`
	LastFailedAt        sql.NullTime `db:"last_failed_at"`
	ConsecutiveFailures int          `db:"consecutive_failures"`
	CreatedAt           time.Time    `db:"created_at"`
	UpdatedAt           sql.NullTime `db:"updated_at"`
}

// ModelMapping maps a client-visible alias to one provider's upstream
// model name. Many mappings may share an alias; order_index ascending is
// the fallback order, and at most one mapping per alias is the default.
type ModelMapping struct {
	ID            int64          `db:"id"`
	AliasName     string         `db:"alias_name"`
	ProviderID    int64          `db:"provider_id"`
	UpstreamModel string         `db:"upstream_model"`
	OrderIndex    int            `db:"order_index"`
	IsDefault     bool           `db:"is_default"`
	ConfigJSON    types.JSONText `db:"config_json"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     sql.NullTime   `db:"updated_at"`
}

// Overlay decodes the per-mapping config overlay applied on top of the
// normalized request.
func (m *ModelMapping) Overlay() map[string]any {
	return decodeJSONMap(m.ConfigJSON)
}

// AuditRecord is one row of the requests_audit table — exactly one per
// completed proxy request.
type AuditRecord struct {
	ID            int64          `db:"id"`
	RequestID     string         `db:"request_id"`
	TenantID      string         `db:"tenant_id"`
	ClientIP      string         `db:"client_ip"`
	UserAgent     string         `db:"user_agent"`
	Endpoint      string         `db:"endpoint"`
	Method        string         `db:"method"`
	ModelAlias    string         `db:"model_alias"`
	ProviderID    sql.NullInt64  `db:"provider_id"`
	UpstreamModel string         `db:"upstream_model"`
	KeyID         string         `db:"key_id"`
	StatusCode    int            `db:"status_code"`
	LatencyMs     int64          `db:"latency_ms"`
	InputTokens   int            `db:"input_tokens"`
	OutputTokens  int            `db:"output_tokens"`
	TotalTokens   int            `db:"total_tokens"`
	FallbackJSON  types.JSONText `db:"fallback_chain_json"`
	FallbackCount int            `db:"fallback_count"`
	ErrorType     string         `db:"error_type"`
	ErrorMessage  string         `db:"error_message"`
	CreatedAt     time.Time      `db:"created_at"`
}

// User is an admin-surface principal. The APIKey column authenticates
// bearer tokens on /admin/*; only rows with IsAdmin may write.
type User struct {
	ID           int64        `db:"id"`
	Username     string       `db:"username"`
	Email        string       `db:"email"`
	PasswordHash string       `db:"password_hash"`
	IsActive     bool         `db:"is_active"`
	IsAdmin      bool         `db:"is_admin"`
	APIKey       string       `db:"api_key"`
	RateLimitRPM int          `db:"rate_limit_rpm"`
	CreatedAt    time.Time    `db:"created_at"`
	LastLoginAt  sql.NullTime `db:"last_login_at"`
}

// decodeJSONMap tolerates NULL scans: JSONText reads a NULL column as "{}".
func decodeJSONMap(raw []byte) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}
