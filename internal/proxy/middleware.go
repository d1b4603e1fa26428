package proxy

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-proxy/pkg/apierr"
)

// requestIDHeader is set on every response, including panics and rejections.
const requestIDHeader = "X-Proxy-Request-ID"

// requestIDFrom returns the id stamped by the requestID middleware.
func requestIDFrom(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue("request_id").(string)
	return id
}

// recovery catches panics in any handler and returns a 500 without crashing
// the server process. The request id survives into the error envelope.
func (g *Gateway) recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				g.log.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				ctx.ResetBody()
				apierr.Write(ctx, fasthttp.StatusInternalServerError,
					"internal server error", apierr.TypeInternalError, requestIDFrom(ctx))
			}
		}()
		next(ctx)
	}
}

// requestID stamps every request with a UUID, echoed in the response header
// and available to handlers via the "request_id" user value. A client-supplied
// id is honoured so callers can correlate with their own tracing.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek(requestIDHeader))
		if id == "" {
			id = uuid.New().String()
		}
		ctx.SetUserValue("request_id", id)
		ctx.Response.Header.Set(requestIDHeader, id)
		next(ctx)
	}
}

// timing records the total handler duration in the X-Response-Time header.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// corsHandler returns a CORS middleware for the configured origins.
//
//   - nil or []string{"*"} → Access-Control-Allow-Origin: *
//   - specific origins      → joined with ", "
//
// OPTIONS preflights are answered with 204 and no body.
func corsHandler(origins []string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	origin := "*"
	if len(origins) > 0 && !(len(origins) == 1 && origins[0] == "*") {
		origin = strings.Join(origins, ", ")
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
			ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			ctx.Response.Header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+requestIDHeader)

			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// requireBearer guards /v1/*: a bearer token must be present. The token is
// opaque to the proxy — it only serves as the rate-limit identity and is
// never forwarded upstream.
func (g *Gateway) requireBearer(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		token := bearerToken(ctx)
		if token == "" {
			apierr.Write(ctx, fasthttp.StatusUnauthorized,
				"missing bearer token", apierr.TypeAuthentication, requestIDFrom(ctx))
			return
		}
		ctx.SetUserValue("api_key", token)
		next(ctx)
	}
}

// requireAdmin guards /admin/*: the bearer token must resolve to an active
// user row flagged admin.
func (g *Gateway) requireAdmin(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		token := bearerToken(ctx)
		if token == "" {
			apierr.Write(ctx, fasthttp.StatusUnauthorized,
				"missing bearer token", apierr.TypeAuthentication, requestIDFrom(ctx))
			return
		}
		u, err := g.store.UserByAPIKey(ctx, token)
		if err != nil {
			apierr.Write(ctx, fasthttp.StatusUnauthorized,
				"invalid token", apierr.TypeAuthentication, requestIDFrom(ctx))
			return
		}
		if !u.IsAdmin {
			apierr.Write(ctx, fasthttp.StatusForbidden,
				"admin privileges required", apierr.TypeAuthentication, requestIDFrom(ctx))
			return
		}
		ctx.SetUserValue("admin_user", u.Username)
		next(ctx)
	}
}

func bearerToken(ctx *fasthttp.RequestCtx) string {
	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// applyMiddleware wraps h with the given chain; the first middleware becomes
// the outermost wrapper:
//
//	applyMiddleware(h, mw1, mw2) → mw1(mw2(h))
func applyMiddleware(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
