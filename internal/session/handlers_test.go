package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/claudinethelobster/clawfather/internal/account"
	"github.com/claudinethelobster/clawfather/internal/audit"
	"github.com/claudinethelobster/clawfather/internal/probe"
)

func newTestRouter(t *testing.T) (*gin.Engine, *Manager, account.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := account.NewMemoryStore()
	svc, err := account.NewService(store, testMasterKey)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	auditLog := audit.NewLogger(audit.NewMemoryStore(), slog.Default())
	mgr := NewManager(Config{
		SocketDir:      t.TempDir(),
		DefaultSSHPort: 22,
		MaxSessions:    3,
		WebDomain:      "ws://localhost:8080",
		ProbeTimeout:   time.Second,
	}, svc, NewRegistry(), probe.New(), auditLog, slog.Default())

	r := gin.New()
	h := NewHandler(mgr, store, func(c *gin.Context) string { return "acct_1" })
	h.RegisterRoutes(r.Group("/api/v1"))

	addAccount(t, store, "acct_1", 100)
	return r, mgr, store
}

func doJSON(t *testing.T, r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unparseable error body: %s", w.Body.String())
	}
	return body.Error.Code
}

func TestBootstrapEndpoint_InvalidUsername(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/sessions/bootstrap",
		`{"host":"1.2.3.4","username":"Root!"}`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != "validation_error" {
		t.Errorf("expected validation_error, got %q", code)
	}
}

func TestBootstrapEndpoint_MissingFields(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/sessions/bootstrap", `{"host":"1.2.3.4"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestBootstrapEndpoint_NeedsSetup(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/sessions/bootstrap",
		`{"host":"1.2.3.4","username":"deploy"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var body struct {
		Status         string  `json:"status"`
		ConnectionID   string  `json:"connection_id"`
		InstallCommand *string `json:"install_command"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if body.Status != "needs_setup" || body.ConnectionID == "" || body.InstallCommand == nil {
		t.Errorf("unexpected bootstrap response: %s", w.Body.String())
	}
}

func TestConfirmEndpoint_NotFound(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/sessions/bootstrap/conn_missing/confirm", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if code := errorCode(t, w); code != "not_found" {
		t.Errorf("expected not_found, got %q", code)
	}
}

func TestConfirmEndpoint_KeypairRevoked(t *testing.T) {
	r, mgr, store := newTestRouter(t)

	res, err := mgr.Bootstrap(context.Background(), "acct_1", "1.2.3.4", "deploy", 0)
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	conn, _ := store.GetConnection(context.Background(), res.ConnectionID)

	// Deactivate the key behind the store's back to hit the 409 path
	key, _ := store.GetKeypair(context.Background(), conn.KeypairID)
	key.Active = false
	if err := store.CreateKeypair(context.Background(), key); err != nil {
		t.Fatalf("CreateKeypair failed: %v", err)
	}

	w := doJSON(t, r, http.MethodPost, "/api/v1/sessions/bootstrap/"+conn.ID+"/confirm", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != "keypair_revoked" {
		t.Errorf("expected keypair_revoked, got %q", code)
	}
}

func TestListSessions_Empty(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodGet, "/api/v1/sessions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestTerminateEndpoint_NotFound(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodDelete, "/api/v1/sessions/sess_missing", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestTerminateEndpoint_EndsLease(t *testing.T) {
	r, _, store := newTestRouter(t)
	ctx := context.Background()

	_ = store.CreateLease(ctx, &account.SessionLease{
		ID: "sess_1", AccountID: "acct_1", ConnectionID: "conn_1",
		Status: account.LeaseActive, StartedAt: time.Now(),
	})
	_ = store.StartAccountSession(ctx, "sess_1", "acct_1")

	w := doJSON(t, r, http.MethodDelete, "/api/v1/sessions/sess_1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	lease, _ := store.GetLease(ctx, "sess_1")
	if lease.Status != account.LeaseEnded || lease.Reason != ReasonUserTerminate {
		t.Errorf("unexpected lease after terminate: %+v", lease)
	}
}
