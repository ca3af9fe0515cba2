package account

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/claudinethelobster/clawfather/internal/audit"
	"github.com/claudinethelobster/clawfather/internal/probe"
)

func installCmd(pub string) string {
	return "mkdir -p ~/.ssh && echo '" + pub + "' >> ~/.ssh/authorized_keys"
}

func newHandlerRouter(t *testing.T) (*gin.Engine, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc, store := newTestService(t)
	createTestAccount(t, store, "acct_1")

	h := NewHandler(svc, probe.New(), audit.NewLogger(audit.NewMemoryStore(), slog.Default()),
		func(c *gin.Context) string { return "acct_1" }, installCmd, 22)

	r := gin.New()
	h.RegisterRoutes(r.Group("/api/v1"))
	return r, svc
}

func request(t *testing.T, r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
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

func TestKeysEndpoint_GenerateListDelete(t *testing.T) {
	r, _ := newHandlerRouter(t)

	// Generate a server-side keypair
	w := request(t, r, http.MethodPost, "/api/v1/keys", `{"label":"laptop"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create key: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		Data Keypair `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("bad create body: %v", err)
	}
	if !strings.HasPrefix(created.Data.Fingerprint, "SHA256:") || created.Data.PublicKey == "" {
		t.Errorf("unexpected key payload: %+v", created.Data)
	}
	if strings.Contains(w.Body.String(), "Ciphertext") || strings.Contains(w.Body.String(), "PRIVATE KEY") {
		t.Errorf("private material leaked in response")
	}

	// List shows it
	w = request(t, r, http.MethodGet, "/api/v1/keys", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list keys: expected 200, got %d", w.Code)
	}

	// Install command renders the public key
	w = request(t, r, http.MethodGet, "/api/v1/keys/"+created.Data.ID+"/install-command", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "authorized_keys") {
		t.Fatalf("install-command: %d %s", w.Code, w.Body.String())
	}

	// Deleting the only key is refused
	w = request(t, r, http.MethodDelete, "/api/v1/keys/"+created.Data.ID, "")
	if w.Code != http.StatusConflict {
		t.Fatalf("last-key delete: expected 409, got %d", w.Code)
	}
	var errBody struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &errBody)
	if errBody.Error.Code != "last_key" {
		t.Errorf("expected last_key, got %q", errBody.Error.Code)
	}

	// With a second key in place, deletion succeeds
	w = request(t, r, http.MethodPost, "/api/v1/keys", `{"label":"backup"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("second key: expected 201, got %d", w.Code)
	}
	w = request(t, r, http.MethodDelete, "/api/v1/keys/"+created.Data.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete with spare key: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestConnectionsEndpoint_CRUD(t *testing.T) {
	r, _ := newHandlerRouter(t)

	w := request(t, r, http.MethodPost, "/api/v1/connections",
		`{"host":"10.1.2.3","username":"deploy","label":"prod box"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create connection: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		Data Connection `json:"data"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &created)
	if created.Data.Port != 22 {
		t.Errorf("port not defaulted: %d", created.Data.Port)
	}

	// Duplicate tuple refused
	w = request(t, r, http.MethodPost, "/api/v1/connections",
		`{"host":"10.1.2.3","username":"deploy"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate connection: expected 409, got %d", w.Code)
	}

	// Invalid username refused
	w = request(t, r, http.MethodPost, "/api/v1/connections",
		`{"host":"10.1.2.4","username":"Bad User"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid username: expected 400, got %d", w.Code)
	}

	// Get / patch / delete
	w = request(t, r, http.MethodGet, "/api/v1/connections/"+created.Data.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get connection: %d", w.Code)
	}

	w = request(t, r, http.MethodPatch, "/api/v1/connections/"+created.Data.ID, `{"label":"renamed"}`)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "renamed") {
		t.Fatalf("patch connection: %d %s", w.Code, w.Body.String())
	}

	w = request(t, r, http.MethodDelete, "/api/v1/connections/"+created.Data.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete connection: %d", w.Code)
	}
	w = request(t, r, http.MethodGet, "/api/v1/connections/"+created.Data.ID, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("deleted connection still readable: %d", w.Code)
	}
}

func TestConnectionTest_RevokedKeypair(t *testing.T) {
	r, svc := newHandlerRouter(t)
	ctx := context.Background()

	w := request(t, r, http.MethodPost, "/api/v1/connections",
		`{"host":"10.1.2.3","username":"deploy"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create connection failed: %d", w.Code)
	}
	var created struct {
		Data Connection `json:"data"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &created)

	// Deactivate the bound keypair (a replacement keeps last-key happy)
	if _, err := svc.GenerateKeypair(ctx, "acct_1", "replacement"); err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}
	if err := svc.RemoveKey(ctx, "acct_1", created.Data.KeypairID); err != nil {
		t.Fatalf("RemoveKey failed: %v", err)
	}

	w = request(t, r, http.MethodPost, "/api/v1/connections/"+created.Data.ID+"/test", `{}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 keypair_revoked, got %d: %s", w.Code, w.Body.String())
	}
}

