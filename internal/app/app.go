// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initStore  — database connection + schema migrations
//  2. initInfra  — Redis (rate limits, key counters, breaker state)
//  3. initServices — cipher, metrics, audit recorder
//  4. initGateway  — resolver, keystore, fallback executor, HTTP surface
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-proxy/internal/audit"
	"github.com/nulpointcorp/llm-proxy/internal/config"
	"github.com/nulpointcorp/llm-proxy/internal/crypto"
	"github.com/nulpointcorp/llm-proxy/internal/metrics"
	"github.com/nulpointcorp/llm-proxy/internal/proxy"
	"github.com/nulpointcorp/llm-proxy/internal/store"

	// Register provider adapters.
	_ "github.com/nulpointcorp/llm-proxy/internal/providers/anthropic"
	_ "github.com/nulpointcorp/llm-proxy/internal/providers/mock"
	_ "github.com/nulpointcorp/llm-proxy/internal/providers/openai"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	st  *store.Store
	rdb *redis.Client

	cipher *crypto.Cipher
	prom   *metrics.Registry
	rec    *audit.Recorder

	gw  *proxy.Gateway
	srv *fasthttp.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", a.initStore},
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting proxy",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("audit_sink", a.cfg.Audit.Sink),
		slog.Int("max_fallback_attempts", a.cfg.Proxy.MaxFallbackAttempts),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.ListenAndServe(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := a.srv.ShutdownWithContext(shutCtx); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.rec != nil {
		if err := a.rec.Close(); err != nil {
			a.log.Error("audit recorder close error", slog.String("error", err.Error()))
		}
		a.rec = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.st = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// buildAuditSink selects the sink the recorder flushes into.
func (a *App) buildAuditSink(ctx context.Context) (audit.Sink, error) {
	switch a.cfg.Audit.Sink {
	case "database":
		return audit.NewStoreSink(a.st), nil
	case "clickhouse":
		return audit.NewClickHouseSink(ctx, a.cfg.Audit.ClickHouseURL)
	case "log":
		return audit.NewLogSink(a.log), nil
	default:
		return nil, fmt.Errorf("unknown audit sink: %s", a.cfg.Audit.Sink)
	}
}

// readyProbe reports readiness of the two hard dependencies.
func (a *App) readyProbe() func(ctx context.Context) error {
	return func(ctx context.Context) error {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := a.st.Ping(probeCtx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		if err := a.rdb.Ping(probeCtx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		return nil
	}
}
