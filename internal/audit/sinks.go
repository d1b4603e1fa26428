package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/nulpointcorp/llm-proxy/internal/models"
	"github.com/nulpointcorp/llm-proxy/internal/store"
)

// ── database sink ───────────────────────────────────────────────────────────

// StoreSink writes batches into the requests_audit table.
type StoreSink struct {
	store *store.Store
}

// NewStoreSink wraps the shared store. Close is a no-op; the store's
// lifecycle belongs to the app.
func NewStoreSink(st *store.Store) *StoreSink {
	return &StoreSink{store: st}
}

func (s *StoreSink) WriteBatch(ctx context.Context, recs []models.AuditRecord) error {
	return s.store.InsertAuditBatch(ctx, recs)
}

func (s *StoreSink) Close() error { return nil }

// ── log sink ────────────────────────────────────────────────────────────────

// LogSink emits one structured log line per record.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) WriteBatch(ctx context.Context, recs []models.AuditRecord) error {
	for _, r := range recs {
		s.log.InfoContext(ctx, "request",
			slog.String("request_id", r.RequestID),
			slog.String("endpoint", r.Endpoint),
			slog.String("model_alias", r.ModelAlias),
			slog.String("upstream_model", r.UpstreamModel),
			slog.Int64("provider_id", r.ProviderID.Int64),
			slog.Int("status", r.StatusCode),
			slog.Int64("latency_ms", r.LatencyMs),
			slog.Int("total_tokens", r.TotalTokens),
			slog.Int("fallback_count", r.FallbackCount),
			slog.String("error_type", r.ErrorType),
		)
	}
	return nil
}

func (s *LogSink) Close() error { return nil }

// ── clickhouse sink ─────────────────────────────────────────────────────────

const clickhouseSchema = `
CREATE TABLE IF NOT EXISTS requests_audit (
    request_id          String,
    tenant_id           String,
    client_ip           String,
    user_agent          String,
    endpoint            String,
    method              String,
    model_alias         String,
    provider_id         Int64,
    upstream_model      String,
    key_id              String,
    status_code         Int32,
    latency_ms          Int64,
    input_tokens        Int32,
    output_tokens       Int32,
    total_tokens        Int32,
    fallback_chain_json String,
    fallback_count      Int32,
    error_type          String,
    error_message       String,
    created_at          DateTime64(3)
) ENGINE = MergeTree()
ORDER BY (created_at, request_id)
`

// ClickHouseSink batch-inserts records over the native protocol, for
// deployments that keep the audit trail out of the operational database.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink connects with the given DSN and ensures the audit table
// exists.
func NewClickHouseSink(ctx context.Context, dsn string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("audit: clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("audit: clickhouse ping: %w", err)
	}
	if err := conn.Exec(ctx, clickhouseSchema); err != nil {
		return nil, fmt.Errorf("audit: clickhouse schema: %w", err)
	}
	return &ClickHouseSink{conn: conn}, nil
}

func (s *ClickHouseSink) WriteBatch(ctx context.Context, recs []models.AuditRecord) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO requests_audit")
	if err != nil {
		return fmt.Errorf("audit: prepare batch: %w", err)
	}
	for _, r := range recs {
		if err := batch.Append(
			r.RequestID,
			r.TenantID,
			r.ClientIP,
			r.UserAgent,
			r.Endpoint,
			r.Method,
			r.ModelAlias,
			r.ProviderID.Int64,
			r.UpstreamModel,
			r.KeyID,
			int32(r.StatusCode),
			r.LatencyMs,
			int32(r.InputTokens),
			int32(r.OutputTokens),
			int32(r.TotalTokens),
			string(r.FallbackJSON),
			int32(r.FallbackCount),
			r.ErrorType,
			r.ErrorMessage,
			r.CreatedAt,
		); err != nil {
			return fmt.Errorf("audit: append: %w", err)
		}
	}
	return batch.Send()
}

func (s *ClickHouseSink) Close() error { return s.conn.Close() }
