// Package store is the sqlx-backed repository for providers, credentials,
// model mappings, users and audit rows.
//
// The driver is chosen from the DATABASE_URL scheme: postgres:// (or
// postgresql://) uses lib/pq, anything else is treated as a SQLite DSN.
// Schema migrations are embedded and applied with goose at startup.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/nulpointcorp/llm-proxy/internal/models"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// FailedKeyThreshold is the consecutive-failure count at which a credential
// is flagged failed and excluded from selection until an operator resets it.
const FailedKeyThreshold = 10

// Store wraps the database handle and owns all SQL in the proxy.
type Store struct {
	db       *sqlx.DB
	driver   string
	dialect  string
	migEntry string
}

// Open connects to the database named by url. It does not run migrations;
// call Migrate before serving.
func Open(url string) (*Store, error) {
	driver, dialect, dsn := resolveDriver(url)

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// modernc's driver serializes writes; a single connection avoids
		// SQLITE_BUSY under concurrent use.
		db.SetMaxOpenConns(1)
	}

	return &Store{
		db:       db,
		driver:   driver,
		dialect:  dialect,
		migEntry: "migrations/" + migrationDir(driver),
	}, nil
}

func resolveDriver(url string) (driver, dialect, dsn string) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return "postgres", "postgres", url
	default:
		return "sqlite", "sqlite3", url
	}
}

func migrationDir(driver string) string {
	if driver == "postgres" {
		return "postgres"
	}
	return "sqlite"
}

// Migrate applies all pending embedded migrations.
func (s *Store) Migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrationsFS, s.migEntry)
	if err != nil {
		return fmt.Errorf("store: migrations fs: %w", err)
	}
	goose.SetBaseFS(sub)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(s.dialect); err != nil {
		return fmt.Errorf("store: goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db.DB, "."); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Ping verifies connectivity; used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ── Providers ───────────────────────────────────────────────────────────────

// CreateProvider inserts p and returns its id.
func (s *Store) CreateProvider(ctx context.Context, p *models.Provider) (int64, error) {
	q := s.db.Rebind(`
		INSERT INTO providers (name, kind, base_url, config_json, status, timeout_seconds, max_retries, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	return s.insert(ctx, "providers", q,
		p.Name, p.Kind, p.BaseURL, nullableJSON(p.ConfigJSON), p.Status, p.TimeoutSeconds, p.MaxRetries, time.Now().UTC())
}

// GetProvider returns one provider by id.
func (s *Store) GetProvider(ctx context.Context, id int64) (*models.Provider, error) {
	var p models.Provider
	q := s.db.Rebind(`SELECT * FROM providers WHERE id = ?`)
	if err := s.db.GetContext(ctx, &p, q, id); err != nil {
		return nil, wrapGet("provider", err)
	}
	return &p, nil
}

// ListProviders returns all providers ordered by id.
func (s *Store) ListProviders(ctx context.Context) ([]models.Provider, error) {
	var out []models.Provider
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM providers ORDER BY id`); err != nil {
		return nil, fmt.Errorf("store: list providers: %w", err)
	}
	return out, nil
}

// UpdateProvider updates the mutable columns of p by id.
func (s *Store) UpdateProvider(ctx context.Context, p *models.Provider) error {
	q := s.db.Rebind(`
		UPDATE providers
		SET name = ?, kind = ?, base_url = ?, config_json = ?, status = ?,
		    timeout_seconds = ?, max_retries = ?, updated_at = ?
		WHERE id = ?`)
	return s.updateOne(ctx, "provider", q,
		p.Name, p.Kind, p.BaseURL, nullableJSON(p.ConfigJSON), p.Status,
		p.TimeoutSeconds, p.MaxRetries, time.Now().UTC(), p.ID)
}

// DeleteProvider removes a provider; credentials and mappings cascade.
func (s *Store) DeleteProvider(ctx context.Context, id int64) error {
	q := s.db.Rebind(`DELETE FROM providers WHERE id = ?`)
	return s.updateOne(ctx, "provider", q, id)
}

// ── Credentials ─────────────────────────────────────────────────────────────

// CreateCredential inserts c and returns its id.
func (s *Store) CreateCredential(ctx context.Context, c *models.Credential) (int64, error) {
	q := s.db.Rebind(`
		INSERT INTO provider_keys
			(provider_id, key_id, key_ciphertext, priority, status,
			 rate_limit_rpm, rate_limit_tpm, daily_quota, monthly_quota, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	return s.insert(ctx, "provider_keys", q,
		c.ProviderID, c.KeyID, c.KeyCiphertext, c.Priority, c.Status,
		c.RateLimitRPM, c.RateLimitTPM, c.DailyQuota, c.MonthlyQuota, time.Now().UTC())
}

// GetCredential returns one credential by id.
func (s *Store) GetCredential(ctx context.Context, id int64) (*models.Credential, error) {
	var c models.Credential
	q := s.db.Rebind(`SELECT * FROM provider_keys WHERE id = ?`)
	if err := s.db.GetContext(ctx, &c, q, id); err != nil {
		return nil, wrapGet("credential", err)
	}
	return &c, nil
}

// ListCredentials returns all credentials of one provider, ordered by
// priority then id. Stable order matters to the round-robin strategy.
func (s *Store) ListCredentials(ctx context.Context, providerID int64) ([]models.Credential, error) {
	var out []models.Credential
	q := s.db.Rebind(`SELECT * FROM provider_keys WHERE provider_id = ? ORDER BY priority, id`)
	if err := s.db.SelectContext(ctx, &out, q, providerID); err != nil {
		return nil, fmt.Errorf("store: list credentials: %w", err)
	}
	return out, nil
}

// UpdateCredentialStatus sets a credential's status.
func (s *Store) UpdateCredentialStatus(ctx context.Context, id int64, status string) error {
	q := s.db.Rebind(`UPDATE provider_keys SET status = ?, updated_at = ? WHERE id = ?`)
	return s.updateOne(ctx, "credential", q, status, time.Now().UTC(), id)
}

// DeleteCredential removes a credential.
func (s *Store) DeleteCredential(ctx context.Context, id int64) error {
	q := s.db.Rebind(`DELETE FROM provider_keys WHERE id = ?`)
	return s.updateOne(ctx, "credential", q, id)
}

// RecordCredentialUsage applies one attempt's outcome to a credential in a
// single transaction: usage counters move on every attempt, the failure
// streak resets on success and grows on failure, and a streak of
// FailedKeyThreshold flags the row failed. A credential that reaches its
// daily or monthly quota is flagged exhausted.
func (s *Store) RecordCredentialUsage(ctx context.Context, id int64, success bool) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	var c models.Credential
	if err := tx.GetContext(ctx, &c, tx.Rebind(`SELECT * FROM provider_keys WHERE id = ?`), id); err != nil {
		return wrapGet("credential", err)
	}

	now := time.Now().UTC()
	c.CurrentDailyUsage++
	c.CurrentMonthlyUsage++

	if success {
		c.ConsecutiveFailures = 0
		c.LastUsedAt = sql.NullTime{Time: now, Valid: true}
	} else {
		c.ConsecutiveFailures++
		c.LastFailedAt = sql.NullTime{Time: now, Valid: true}
		if c.ConsecutiveFailures >= FailedKeyThreshold {
			c.Status = models.KeyFailed
		}
	}

	if c.Status == models.KeyActive {
		if (c.DailyQuota > 0 && c.CurrentDailyUsage >= c.DailyQuota) ||
			(c.MonthlyQuota > 0 && c.CurrentMonthlyUsage >= c.MonthlyQuota) {
			c.Status = models.KeyExhausted
		}
	}

	q := tx.Rebind(`
		UPDATE provider_keys
		SET current_daily_usage = ?, current_monthly_usage = ?, status = ?,
		    consecutive_failures = ?, last_used_at = ?, last_failed_at = ?, updated_at = ?
		WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, q,
		c.CurrentDailyUsage, c.CurrentMonthlyUsage, c.Status,
		c.ConsecutiveFailures, c.LastUsedAt, c.LastFailedAt, now, id); err != nil {
		return fmt.Errorf("store: record usage: %w", err)
	}
	return tx.Commit()
}

// ResetDailyUsage zeroes daily counters and re-activates exhausted keys
// whose monthly quota still has headroom. Run by an external scheduler.
func (s *Store) ResetDailyUsage(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE provider_keys SET current_daily_usage = 0,
		status = CASE
			WHEN status = 'exhausted' AND (monthly_quota = 0 OR current_monthly_usage < monthly_quota)
			THEN 'active' ELSE status
		END`)
	if err != nil {
		return fmt.Errorf("store: reset daily usage: %w", err)
	}
	return nil
}

// ResetMonthlyUsage zeroes monthly counters and re-activates exhausted keys.
func (s *Store) ResetMonthlyUsage(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE provider_keys SET current_monthly_usage = 0, current_daily_usage = 0,
		status = CASE WHEN status = 'exhausted' THEN 'active' ELSE status END`)
	if err != nil {
		return fmt.Errorf("store: reset monthly usage: %w", err)
	}
	return nil
}

// ── Model mappings ──────────────────────────────────────────────────────────

// CreateMapping inserts m and returns its id. When m is flagged default, any
// previous default for the same alias is demoted in the same transaction.
func (s *Store) CreateMapping(ctx context.Context, m *models.ModelMapping) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if m.IsDefault {
		if err := demoteDefault(ctx, tx, m.AliasName, 0); err != nil {
			return 0, err
		}
	}

	q := tx.Rebind(`
		INSERT INTO model_mappings (alias_name, provider_id, upstream_model, order_index, is_default, config_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	id, err := s.insertTx(ctx, tx, "model_mappings", q,
		m.AliasName, m.ProviderID, m.UpstreamModel, m.OrderIndex, m.IsDefault, nullableJSON(m.ConfigJSON), time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

// UpdateMapping updates the mutable columns of m, keeping the one-default-
// per-alias invariant.
func (s *Store) UpdateMapping(ctx context.Context, m *models.ModelMapping) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if m.IsDefault {
		if err := demoteDefault(ctx, tx, m.AliasName, m.ID); err != nil {
			return err
		}
	}

	q := tx.Rebind(`
		UPDATE model_mappings
		SET alias_name = ?, provider_id = ?, upstream_model = ?, order_index = ?,
		    is_default = ?, config_json = ?, updated_at = ?
		WHERE id = ?`)
	res, err := tx.ExecContext(ctx, q,
		m.AliasName, m.ProviderID, m.UpstreamModel, m.OrderIndex,
		m.IsDefault, nullableJSON(m.ConfigJSON), time.Now().UTC(), m.ID)
	if err != nil {
		return fmt.Errorf("store: update mapping: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func demoteDefault(ctx context.Context, tx *sqlx.Tx, alias string, keepID int64) error {
	q := tx.Rebind(`UPDATE model_mappings SET is_default = FALSE WHERE alias_name = ? AND id <> ?`)
	if _, err := tx.ExecContext(ctx, q, alias, keepID); err != nil {
		return fmt.Errorf("store: demote default mapping: %w", err)
	}
	return nil
}

// DeleteMapping removes a mapping.
func (s *Store) DeleteMapping(ctx context.Context, id int64) error {
	q := s.db.Rebind(`DELETE FROM model_mappings WHERE id = ?`)
	return s.updateOne(ctx, "mapping", q, id)
}

// MappingsForAlias returns the fallback chain for one alias: order_index
// ascending, ties broken by id ascending. Empty when the alias is unmapped.
func (s *Store) MappingsForAlias(ctx context.Context, alias string) ([]models.ModelMapping, error) {
	var out []models.ModelMapping
	q := s.db.Rebind(`SELECT * FROM model_mappings WHERE alias_name = ? ORDER BY order_index, id`)
	if err := s.db.SelectContext(ctx, &out, q, alias); err != nil {
		return nil, fmt.Errorf("store: mappings for alias: %w", err)
	}
	return out, nil
}

// ListMappings returns all mappings ordered by alias then fallback order.
func (s *Store) ListMappings(ctx context.Context) ([]models.ModelMapping, error) {
	var out []models.ModelMapping
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM model_mappings ORDER BY alias_name, order_index, id`); err != nil {
		return nil, fmt.Errorf("store: list mappings: %w", err)
	}
	return out, nil
}

// Aliases returns the distinct alias names, sorted, for GET /v1/models.
func (s *Store) Aliases(ctx context.Context) ([]string, error) {
	var out []string
	if err := s.db.SelectContext(ctx, &out, `SELECT DISTINCT alias_name FROM model_mappings ORDER BY alias_name`); err != nil {
		return nil, fmt.Errorf("store: aliases: %w", err)
	}
	return out, nil
}

// ── Users ───────────────────────────────────────────────────────────────────

// UserByAPIKey returns the active user owning the given admin token.
func (s *Store) UserByAPIKey(ctx context.Context, apiKey string) (*models.User, error) {
	var u models.User
	q := s.db.Rebind(`SELECT * FROM users WHERE api_key = ? AND is_active = TRUE`)
	if err := s.db.GetContext(ctx, &u, q, apiKey); err != nil {
		return nil, wrapGet("user", err)
	}
	return &u, nil
}

// CreateUser inserts u and returns its id.
func (s *Store) CreateUser(ctx context.Context, u *models.User) (int64, error) {
	q := s.db.Rebind(`
		INSERT INTO users (username, email, password_hash, is_active, is_admin, api_key, rate_limit_rpm, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	return s.insert(ctx, "users", q,
		u.Username, u.Email, u.PasswordHash, u.IsActive, u.IsAdmin, u.APIKey, u.RateLimitRPM, time.Now().UTC())
}

// ── Audit ───────────────────────────────────────────────────────────────────

// InsertAuditBatch writes a batch of audit rows in one transaction.
func (s *Store) InsertAuditBatch(ctx context.Context, recs []models.AuditRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	q := tx.Rebind(`
		INSERT INTO requests_audit
			(request_id, tenant_id, client_ip, user_agent, endpoint, method,
			 model_alias, provider_id, upstream_model, key_id, status_code,
			 latency_ms, input_tokens, output_tokens, total_tokens,
			 fallback_chain_json, fallback_count, error_type, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for i := range recs {
		r := &recs[i]
		created := r.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, q,
			r.RequestID, r.TenantID, r.ClientIP, r.UserAgent, r.Endpoint, r.Method,
			r.ModelAlias, r.ProviderID, r.UpstreamModel, r.KeyID, r.StatusCode,
			r.LatencyMs, r.InputTokens, r.OutputTokens, r.TotalTokens,
			nullableJSON(r.FallbackJSON), r.FallbackCount, r.ErrorType, r.ErrorMessage, created); err != nil {
			return fmt.Errorf("store: insert audit: %w", err)
		}
	}
	return tx.Commit()
}

// AuditByRequestID returns audit rows for one request id, oldest first.
func (s *Store) AuditByRequestID(ctx context.Context, requestID string) ([]models.AuditRecord, error) {
	var out []models.AuditRecord
	q := s.db.Rebind(`SELECT * FROM requests_audit WHERE request_id = ? ORDER BY id`)
	if err := s.db.SelectContext(ctx, &out, q, requestID); err != nil {
		return nil, fmt.Errorf("store: audit by request id: %w", err)
	}
	return out, nil
}

// ── helpers ─────────────────────────────────────────────────────────────────

// insert runs an INSERT and returns the new row id. Postgres has no
// LastInsertId, so the id is read back with RETURNING there.
func (s *Store) insert(ctx context.Context, table, query string, args ...any) (int64, error) {
	if s.driver == "postgres" {
		var id int64
		if err := s.db.GetContext(ctx, &id, query+" RETURNING id", args...); err != nil {
			return 0, fmt.Errorf("store: insert %s: %w", table, err)
		}
		return id, nil
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("store: insert %s: %w", table, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: insert %s: %w", table, err)
	}
	return id, nil
}

func (s *Store) insertTx(ctx context.Context, tx *sqlx.Tx, table, query string, args ...any) (int64, error) {
	if s.driver == "postgres" {
		var id int64
		if err := tx.GetContext(ctx, &id, query+" RETURNING id", args...); err != nil {
			return 0, fmt.Errorf("store: insert %s: %w", table, err)
		}
		return id, nil
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("store: insert %s: %w", table, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: insert %s: %w", table, err)
	}
	return id, nil
}

func (s *Store) updateOne(ctx context.Context, what, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: update %s: %w", what, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func wrapGet(what string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("store: get %s: %w", what, err)
}

// nullableJSON maps an empty raw message to NULL so drivers without JSON
// affinity don't store empty strings.
func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
