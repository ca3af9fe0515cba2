package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/claudinethelobster/clawfather/internal/config"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func testConfig() *config.Config {
	return &config.Config{
		WebPort:            "8080",
		WebDomain:          "http://localhost:8080",
		Env:                "development",
		LogLevel:           "error",
		MasterKey:          testMasterKey,
		SSHPort:            22,
		IdleTimeout:        30 * time.Minute,
		TickPeriod:         30 * time.Second,
		MaxSessionsPer:     3,
		ControlSocketDir:   "/tmp/clawdfather-test",
		RateLimitRPM:       600,
		DBStatementTimeout: 30000,
		HTTPReadTimeout:    10 * time.Second,
		HTTPWriteTimeout:   30 * time.Second,
		HTTPIdleTimeout:    60 * time.Second,
		RequestTimeout:     30 * time.Second,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := New(testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return srv
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var body struct {
		Status         string `json:"status"`
		ActiveSessions int    `json:"active_sessions"`
		DB             string `json:"db"`
		Version        string `json:"version"`
		UptimeS        int64  `json:"uptime_s"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad health body: %v", err)
	}
	if body.Status != "ok" || body.DB != "ok" || body.Version == "" {
		t.Errorf("unexpected health payload: %s", w.Body.String())
	}
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	srv := newTestServer(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/auth/me"},
		{http.MethodGet, "/api/v1/keys"},
		{http.MethodGet, "/api/v1/connections"},
		{http.MethodGet, "/api/v1/sessions"},
		{http.MethodGet, "/api/v1/audit"},
		{http.MethodDelete, "/api/v1/auth/session"},
	}

	for _, p := range paths {
		req := httptest.NewRequest(p.method, p.path, nil)
		w := httptest.NewRecorder()
		srv.Router().ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d", p.method, p.path, w.Code)
		}
	}
}

func TestOAuthStartUnconfigured(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/oauth/github/start", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 when GitHub OAuth unconfigured, got %d", w.Code)
	}
}

func TestStripeWebhookUnconfigured(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", nil)
	req.Header.Set("Stripe-Signature", "t=1,v1=00")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when webhook secret missing, got %d", w.Code)
	}
}
