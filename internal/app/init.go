package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/llm-proxy/internal/audit"
	"github.com/nulpointcorp/llm-proxy/internal/breaker"
	"github.com/nulpointcorp/llm-proxy/internal/crypto"
	"github.com/nulpointcorp/llm-proxy/internal/fallback"
	"github.com/nulpointcorp/llm-proxy/internal/keystore"
	"github.com/nulpointcorp/llm-proxy/internal/metrics"
	"github.com/nulpointcorp/llm-proxy/internal/proxy"
	"github.com/nulpointcorp/llm-proxy/internal/ratelimit"
	"github.com/nulpointcorp/llm-proxy/internal/resolver"
	"github.com/nulpointcorp/llm-proxy/internal/store"
)

// initStore opens the database and applies pending migrations.
func (a *App) initStore(ctx context.Context) error {
	a.log.Info("opening store", slog.String("url", redactURL(a.cfg.DatabaseURL)))

	st, err := store.Open(a.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return fmt.Errorf("migrate: %w", err)
	}
	a.st = st
	a.log.Info("store ready")

	return nil
}

// initInfra connects to Redis. Rate limits, per-key usage counters and
// breaker state all live there, so this is a hard dependency.
func (a *App) initInfra(ctx context.Context) error {
	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")

	return nil
}

// initServices creates the cipher, Prometheus registry and audit recorder.
func (a *App) initServices(ctx context.Context) error {
	cipher, err := crypto.New(a.cfg.Security.EncryptionKey)
	if err != nil {
		return fmt.Errorf("cipher: %w", err)
	}
	a.cipher = cipher

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	sink, err := a.buildAuditSink(ctx)
	if err != nil {
		return fmt.Errorf("audit sink: %w", err)
	}
	a.rec = audit.New(a.baseCtx, sink, a.log,
		audit.WithDropCallback(a.prom.RecordAuditDropped),
	)
	a.log.Info("audit recorder started", slog.String("sink", a.cfg.Audit.Sink))

	return nil
}

// initGateway wires the request path: resolver → keystore → breaker →
// fallback executor → HTTP gateway.
func (a *App) initGateway(_ context.Context) error {
	keys := keystore.New(a.st, a.rdb, a.cipher)
	res := resolver.New(a.st, a.log)
	cb := breaker.New(a.rdb, a.cfg.Proxy.CBFailureThreshold, a.cfg.Proxy.CBRecoveryTimeout)

	exec := fallback.New(res, keys, cb, a.log, fallback.Options{
		MaxAttempts:    a.cfg.Proxy.MaxFallbackAttempts,
		DefaultTimeout: a.cfg.Proxy.DefaultTimeout,
		Metrics:        a.prom,
	})

	limiter := ratelimit.NewChecker(a.rdb, a.cfg.RateLimit)

	a.gw = proxy.NewGateway(proxy.Deps{
		Executor: exec,
		Resolver: res,
		Limiter:  limiter,
		Audit:    a.rec,
		Store:    a.st,
		Keystore: keys,
		Breaker:  cb,
		Cipher:   a.cipher,
		Metrics:  a.prom,
		Logger:   a.log,
	}, proxy.Options{
		CORSOrigins: a.cfg.CORSOrigins,
		Ready:       a.readyProbe(),
		Version:     a.version,
	})
	a.srv = a.gw.NewServer()

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
