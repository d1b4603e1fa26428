package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/nulpointcorp/llm-proxy/internal/models"
)

func TestClassFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{401, ClassAuthentication},
		{403, ClassAuthentication},
		{402, ClassQuotaExceeded},
		{404, ClassModelNotFound},
		{429, ClassRateLimit},
		{500, ClassServerError},
		{502, ClassServerError},
		{503, ClassServerError},
		{418, ClassUnknown},
		{400, ClassUnknown},
	}
	for _, tt := range tests {
		if got := ClassFromStatus(tt.status); got != tt.want {
			t.Errorf("ClassFromStatus(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	t.Run("deadline becomes timeout", func(t *testing.T) {
		e := Classify("p1", fmt.Errorf("request: %w", context.DeadlineExceeded))
		if e.Class != ClassTimeout {
			t.Errorf("Class = %q, want timeout", e.Class)
		}
	})

	t.Run("typed error passes through", func(t *testing.T) {
		orig := &Error{Provider: "p1", Class: ClassRateLimit, StatusCode: 429}
		e := Classify("p1", fmt.Errorf("wrapped: %w", orig))
		if e != orig {
			t.Error("expected the original *Error back")
		}
	})

	t.Run("opaque error is unknown", func(t *testing.T) {
		e := Classify("p1", errors.New("connection reset"))
		if e.Class != ClassUnknown {
			t.Errorf("Class = %q, want unknown_error", e.Class)
		}
	})
}

func TestError_HTTPStatus(t *testing.T) {
	if got := (&Error{Class: ClassServerError, StatusCode: 502}).HTTPStatus(); got != 502 {
		t.Errorf("explicit status: got %d, want 502", got)
	}

	classStatuses := map[string]int{
		ClassRateLimit:       http.StatusTooManyRequests,
		ClassAuthentication:  http.StatusUnauthorized,
		ClassModelNotFound:   http.StatusNotFound,
		ClassQuotaExceeded:   http.StatusPaymentRequired,
		ClassTimeout:         http.StatusGatewayTimeout,
		ClassBreakerOpen:     http.StatusServiceUnavailable,
		ClassNoAvailableKeys: http.StatusServiceUnavailable,
		ClassUnknown:         http.StatusInternalServerError,
	}
	for class, want := range classStatuses {
		if got := (&Error{Class: class}).HTTPStatus(); got != want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", class, got, want)
		}
	}
}

func TestRegistry(t *testing.T) {
	Register("test-kind", func(p *models.Provider, apiKey string) (Adapter, error) {
		return nil, errors.New("not constructible")
	})

	if !Known("test-kind") {
		t.Error("Known(test-kind) = false")
	}
	if Known("no-such-kind") {
		t.Error("Known(no-such-kind) = true")
	}

	if _, err := New(&models.Provider{Kind: "no-such-kind"}, "k"); err == nil {
		t.Error("New with unknown kind should fail")
	}

	found := false
	for _, k := range Kinds() {
		if k == "test-kind" {
			found = true
		}
	}
	if !found {
		t.Errorf("Kinds() = %v, missing test-kind", Kinds())
	}
}
