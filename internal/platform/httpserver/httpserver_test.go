package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWrapSetsRequestIDWhenMissing(t *testing.T) {
	var seen string
	h := Wrap(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/", nil))

	got := rec.Header().Get(RequestIDHeader)
	if got == "" || got != seen {
		t.Fatalf("header=%q context=%q", got, seen)
	}
}

func TestWrapPreservesRequestID(t *testing.T) {
	h := Wrap(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
	req.Header.Set(RequestIDHeader, "rid-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get(RequestIDHeader); got != "rid-123" {
		t.Fatalf("X-Request-Id=%q, want rid-123", got)
	}
}

func TestWrapRecoversPanic(t *testing.T) {
	h := Wrap(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("boom") }))
	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
	req.Header.Set(RequestIDHeader, "rid-9")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"request_id":"rid-9"`) {
		t.Fatalf("expected request id in body: %s", rec.Body.String())
	}
}

func TestReadyz(t *testing.T) {
	cases := []struct {
		name   string
		check  error
		status int
		body   string
	}{
		{name: "ok", status: http.StatusOK, body: `"status":"ready"`},
		{name: "failing", check: errors.New("db down"), status: http.StatusServiceUnavailable, body: `"error":"db down"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := Readyz("esmda", ReadinessCheck{Name: "db", Check: func(context.Context) error { return tc.check }})
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/readyz", nil))
			if rec.Code != tc.status || !strings.Contains(rec.Body.String(), tc.body) {
				t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("ESMDA_HTTP_ADDR", "127.0.0.1:9090")
	t.Setenv("ESMDA_HTTP_SHUTDOWN_TIMEOUT", "3s")
	cfg, err := ConfigFromEnv("esmda")
	if err != nil || cfg.Addr != "127.0.0.1:9090" || cfg.ShutdownTimeout.Seconds() != 3 {
		t.Fatalf("ConfigFromEnv()=%+v err=%v", cfg, err)
	}
	if err := (Config{Addr: ":1"}).Validate(); err == nil {
		t.Fatalf("expected missing service to fail")
	}
}
