package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHealthzEndpoint(t *testing.T) {
	env := newTestEnv(func(c *Config) { c.ReadOnly = true })

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `"ok":true`) {
		t.Fatalf("expected health response to contain ok=true, got: %s", body)
	}
	if !strings.Contains(body, `"profile":"test"`) {
		t.Fatalf("expected health response to contain profile, got: %s", body)
	}
	if !strings.Contains(body, `"readOnly":true`) {
		t.Fatalf("expected health response to report read-only, got: %s", body)
	}
}

func TestHealthzNeedsNoToken(t *testing.T) {
	env := newTestEnv(func(c *Config) { c.Token = "secret" })

	rr := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
}

func TestHealthzMethodNotAllowed(t *testing.T) {
	env := newTestEnv(nil)

	rr := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rr.Code)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	env := newTestEnv(func(c *Config) { c.Token = "secret" })

	tests := []struct {
		name   string
		mutate func(r *http.Request)
		want   int
	}{
		{name: "missing", mutate: func(*http.Request) {}, want: http.StatusUnauthorized},
		{name: "wrong bearer", mutate: func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, want: http.StatusUnauthorized},
		{name: "not bearer", mutate: func(r *http.Request) { r.Header.Set("Authorization", "Basic secret") }, want: http.StatusUnauthorized},
		{name: "bearer", mutate: func(r *http.Request) { r.Header.Set("Authorization", "Bearer secret") }, want: http.StatusOK},
		{name: "query", mutate: func(r *http.Request) { r.URL.RawQuery = "token=secret" }, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
			tt.mutate(req)
			rr := httptest.NewRecorder()
			env.srv.Handler().ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Fatalf("expected status %d, got %d: %s", tt.want, rr.Code, rr.Body.String())
			}
			if tt.want == http.StatusUnauthorized && !strings.Contains(rr.Body.String(), `"code":"UNAUTHORIZED"`) {
				t.Fatalf("expected json error body, got: %s", rr.Body.String())
			}
		})
	}
}

func TestWithRecoverReturnsJSONError(t *testing.T) {
	h := withRecover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"code":"INTERNAL_ERROR"`) {
		t.Fatalf("expected json error body, got: %s", rr.Body.String())
	}
}

func TestNewServerDefaults(t *testing.T) {
	srv := NewServer(Config{})
	if srv.Addr() != "127.0.0.1:8420" {
		t.Fatalf("unexpected default addr %q", srv.Addr())
	}
	if srv.Hub() == nil {
		t.Fatal("expected a hub to be created")
	}
}
