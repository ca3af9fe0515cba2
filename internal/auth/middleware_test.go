package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/claudinethelobster/clawfather/internal/account"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newAuthFixture(t *testing.T) (*account.Service, string) {
	t.Helper()
	store := account.NewMemoryStore()
	svc, err := account.NewService(store, testMasterKey)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	now := time.Now()
	if err := store.CreateAccount(context.Background(), &account.Account{ID: "acct_1", Active: true, CreatedAt: now, LastSeenAt: now}); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	plaintext, _, err := svc.IssueToken(context.Background(), "acct_1", "", 0, "", "")
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	return svc, plaintext
}

func newAuthRouter(svc *account.Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(svc), RequireAuth())
	r.GET("/whoami", func(c *gin.Context) {
		acct, _ := GetAccount(c)
		c.JSON(http.StatusOK, gin.H{"id": acct.ID})
	})
	return r
}

func TestExtractToken(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer abc123")
	if got := ExtractToken(req); got != "abc123" {
		t.Errorf("header extraction failed: %q", got)
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "cookietoken"})
	if got := ExtractToken(req); got != "cookietoken" {
		t.Errorf("cookie extraction failed: %q", got)
	}

	req = httptest.NewRequest("GET", "/", nil)
	if got := ExtractToken(req); got != "" {
		t.Errorf("expected empty token, got %q", got)
	}
}

func TestMiddleware_ValidToken(t *testing.T) {
	svc, token := newAuthFixture(t)
	r := newAuthRouter(svc)

	req := httptest.NewRequest("GET", "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestMiddleware_CookieToken(t *testing.T) {
	svc, token := newAuthFixture(t)
	r := newAuthRouter(svc)

	req := httptest.NewRequest("GET", "/whoami", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: token})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 via cookie, got %d", w.Code)
	}
}

func TestRequireAuth_Unauthorized(t *testing.T) {
	svc, _ := newAuthFixture(t)
	r := newAuthRouter(svc)

	// No token at all
	req := httptest.NewRequest("GET", "/whoami", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	// Garbage token
	req = httptest.NewRequest("GET", "/whoami", nil)
	req.Header.Set("Authorization", "Bearer nonsense")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", w.Code)
	}
}
