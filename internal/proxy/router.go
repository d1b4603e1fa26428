package proxy

import (
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// Handler builds the full route table with the middleware chain applied.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	// OpenAI-compatible surface. The bearer token is the caller's own
	// credential; it is never forwarded upstream.
	r.POST("/v1/chat/completions", g.requireBearer(g.handleChatCompletions))
	r.POST("/v1/completions", g.requireBearer(g.handleCompletions))
	r.POST("/v1/embeddings", g.requireBearer(g.handleEmbeddings))
	r.GET("/v1/models", g.requireBearer(g.handleModels))

	r.GET("/health", g.handleHealth)
	r.GET("/readyz", g.handleReadyz)
	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	// Admin surface.
	r.POST("/admin/providers", g.requireAdmin(g.handleCreateProvider))
	r.GET("/admin/providers", g.requireAdmin(g.handleListProviders))
	r.GET("/admin/providers/{id}", g.requireAdmin(g.handleGetProvider))
	r.PUT("/admin/providers/{id}", g.requireAdmin(g.handleUpdateProvider))
	r.DELETE("/admin/providers/{id}", g.requireAdmin(g.handleDeleteProvider))

	r.POST("/admin/providers/{id}/keys", g.requireAdmin(g.handleCreateCredential))
	r.GET("/admin/providers/{id}/keys", g.requireAdmin(g.handleListCredentials))
	r.PATCH("/admin/keys/{id}", g.requireAdmin(g.handleUpdateCredentialStatus))
	r.DELETE("/admin/keys/{id}", g.requireAdmin(g.handleDeleteCredential))
	r.GET("/admin/keys/{id}/health", g.requireAdmin(g.handleKeyHealth))

	r.POST("/admin/mappings", g.requireAdmin(g.handleCreateMapping))
	r.GET("/admin/mappings", g.requireAdmin(g.handleListMappings))
	r.PUT("/admin/mappings/{id}", g.requireAdmin(g.handleUpdateMapping))
	r.DELETE("/admin/mappings/{id}", g.requireAdmin(g.handleDeleteMapping))

	r.GET("/admin/providers/{id}/breaker", g.requireAdmin(g.handleBreakerHealth))
	r.POST("/admin/providers/{id}/breaker/reset", g.requireAdmin(g.handleBreakerReset))

	return applyMiddleware(r.Handler,
		g.recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
	)
}

// NewServer wraps the handler in a configured fasthttp server. The write
// timeout is generous because streaming responses hold the connection.
func (g *Gateway) NewServer() *fasthttp.Server {
	return &fasthttp.Server{
		Handler:      g.Handler(),
		Name:         "llm-proxy",
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Minute,
	}
}
