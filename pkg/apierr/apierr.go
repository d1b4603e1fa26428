// Package apierr provides the structured error envelope returned to clients,
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// Error types beyond the upstream error classes.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeAuthentication = "authentication"
	TypeRateLimit      = "rate_limit"
	TypeInternalError  = "internal_error"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		RequestID string `json:"request_id"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given
// HTTP status. errType is an upstream error class or one of the Type*
// constants; requestID echoes X-Proxy-Request-ID.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, requestID string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message:   message,
		Type:      errType,
		RequestID: requestID,
	}})
	ctx.SetBody(body)
}

// WriteRateLimit writes a 429 with a Retry-After header.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfterSeconds int, requestID string) {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimit, requestID)
}
