// Package auth provides bearer-token authentication and the GitHub OAuth
// login flow.
//
// Tokens are opaque 64-hex-char strings; only their SHA-256 lands in the
// store. The middleware accepts them from the Authorization header or the
// session_token cookie.
package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/claudinethelobster/clawfather/internal/account"
)

const (
	// ContextKeyAccount is the gin context key for the resolved account.
	ContextKeyAccount = "authAccount"
	// ContextKeyTokenRecord is the gin context key for the AppSession row.
	ContextKeyTokenRecord = "authTokenRecord"

	// CookieName carries the token for browser clients.
	CookieName = "session_token"
)

// Middleware resolves a bearer token to an account and stores both in the
// gin context. Requests without a valid token pass through unauthenticated;
// RequireAuth rejects them.
func Middleware(svc *account.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractToken(c.Request)
		if token != "" {
			acct, rec, err := svc.GetAccountByToken(c.Request.Context(), token, time.Now())
			if err == nil {
				c.Set(ContextKeyAccount, acct)
				c.Set(ContextKeyTokenRecord, rec)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests that did not authenticate.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := c.Get(ContextKeyAccount); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"code":    "unauthorized",
					"message": "Valid bearer token required.",
				},
			})
			return
		}
		c.Next()
	}
}

// ExtractToken pulls the bearer token from the Authorization header or the
// session cookie, normalized.
func ExtractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		h = strings.TrimSpace(h)
		if strings.HasPrefix(strings.ToLower(h), "bearer ") {
			return strings.TrimSpace(h[len("bearer "):])
		}
		return h
	}
	if cookie, err := r.Cookie(CookieName); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}

// GetAccount returns the authenticated account from the gin context.
func GetAccount(c *gin.Context) (*account.Account, bool) {
	v, ok := c.Get(ContextKeyAccount)
	if !ok {
		return nil, false
	}
	acct, ok := v.(*account.Account)
	return acct, ok
}

// GetTokenRecord returns the AppSession row backing the request's token.
func GetTokenRecord(c *gin.Context) (*account.AppSession, bool) {
	v, ok := c.Get(ContextKeyTokenRecord)
	if !ok {
		return nil, false
	}
	rec, ok := v.(*account.AppSession)
	return rec, ok
}

// AccountID is a convenience accessor for handlers that only need the id.
func AccountID(c *gin.Context) string {
	if acct, ok := GetAccount(c); ok {
		return acct.ID
	}
	return ""
}
