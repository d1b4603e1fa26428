package proxy

import (
	"strings"
	"testing"

	"github.com/valyala/fasthttp"
)

func TestRecovery_PanicBecomes500(t *testing.T) {
	g := NewGateway(Deps{}, Options{})

	h := applyMiddleware(func(ctx *fasthttp.RequestCtx) {
		ctx.SetBodyString("partial output")
		panic("boom")
	}, g.recovery, requestID)

	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod("GET")
	ctx.Request.SetRequestURI("/v1/models")
	h(&ctx)

	if ctx.Response.StatusCode() != 500 {
		t.Errorf("status = %d", ctx.Response.StatusCode())
	}
	body := string(ctx.Response.Body())
	if strings.Contains(body, "partial output") {
		t.Error("partial body survived the panic")
	}
	if !strings.Contains(body, "internal_error") {
		t.Errorf("body = %s", body)
	}
	if len(ctx.Response.Header.Peek(requestIDHeader)) == 0 {
		t.Error("request id header missing")
	}
}

func TestRequestID_ClientSuppliedIsHonoured(t *testing.T) {
	var got string
	h := requestID(func(ctx *fasthttp.RequestCtx) {
		got = requestIDFrom(ctx)
	})

	t.Run("generated", func(t *testing.T) {
		var ctx fasthttp.RequestCtx
		h(&ctx)
		if got == "" {
			t.Fatal("no id generated")
		}
		if string(ctx.Response.Header.Peek(requestIDHeader)) != got {
			t.Error("header and user value disagree")
		}
	})

	t.Run("client-supplied", func(t *testing.T) {
		var ctx fasthttp.RequestCtx
		ctx.Request.Header.Set(requestIDHeader, "trace-42")
		h(&ctx)
		if got != "trace-42" {
			t.Errorf("id = %q", got)
		}
	})
}

func TestCORS_Preflight(t *testing.T) {
	h := corsHandler([]string{"https://app.example.com"})(func(ctx *fasthttp.RequestCtx) {
		ctx.SetBodyString("handler ran")
	})

	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod(fasthttp.MethodOptions)
	h(&ctx)

	if ctx.Response.StatusCode() != 204 {
		t.Errorf("status = %d", ctx.Response.StatusCode())
	}
	if strings.Contains(string(ctx.Response.Body()), "handler ran") {
		t.Error("preflight reached the handler")
	}
	if o := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); o != "https://app.example.com" {
		t.Errorf("origin = %q", o)
	}
}
