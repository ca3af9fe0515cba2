package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/claudinethelobster/clawfather/internal/account"
	"github.com/claudinethelobster/clawfather/internal/audit"
	"github.com/claudinethelobster/clawfather/internal/logging"
)

// Handler provides the auth HTTP endpoints.
type Handler struct {
	accounts *account.Service
	oauth    *GitHubOAuth
	auditLog *audit.Logger
	secure   bool // Secure flag on the session cookie
}

// NewHandler creates a new auth handler.
func NewHandler(accounts *account.Service, oauth *GitHubOAuth, auditLog *audit.Logger, secureCookies bool) *Handler {
	return &Handler{accounts: accounts, oauth: oauth, auditLog: auditLog, secure: secureCookies}
}

// Start handles POST /api/v1/auth/oauth/github/start.
func (h *Handler) Start(c *gin.Context) {
	if !h.oauth.Configured() {
		c.JSON(http.StatusBadGateway, gin.H{
			"error": gin.H{"code": "github_unavailable", "message": "GitHub login is not configured"},
		})
		return
	}

	authorizeURL, state, err := h.oauth.Start(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("oauth start failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "internal_error", "message": "Failed to start login"},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"authorize_url": authorizeURL,
		"state":         state,
	})
}

// Callback handles GET /api/v1/auth/oauth/github/callback?code&state.
// JSON clients (Accept: application/json) get the token in the body;
// browsers get a redirect with a Set-Cookie.
func (h *Handler) Callback(c *gin.Context) {
	code := c.Query("code")
	state := c.Query("state")
	if code == "" || state == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "validation_error", "message": "code and state are required"},
		})
		return
	}

	acct, created, err := h.oauth.Callback(c.Request.Context(), code, state)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidState):
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{"code": "invalid_state", "message": "Login state is invalid or expired. Start again."},
			})
		case errors.Is(err, ErrInvalidCode):
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{"code": "invalid_code", "message": "GitHub rejected the authorization code."},
			})
		case errors.Is(err, ErrGitHubUnavailable):
			c.JSON(http.StatusBadGateway, gin.H{
				"error": gin.H{"code": "github_unavailable", "message": "GitHub is unreachable. Try again."},
			})
		default:
			logging.L(c.Request.Context()).Error("oauth callback failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": gin.H{"code": "internal_error", "message": "Login failed"},
			})
		}
		return
	}

	token, _, err := h.accounts.IssueToken(c.Request.Context(), acct.ID, "", 0, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		logging.L(c.Request.Context()).Error("token issue failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "internal_error", "message": "Login failed"},
		})
		return
	}

	h.auditLog.Record(c.Request.Context(), acct.ID, audit.ActionLogin, "", "github", c.ClientIP())

	if strings.Contains(c.GetHeader("Accept"), "application/json") {
		c.JSON(http.StatusOK, gin.H{
			"data": gin.H{
				"token":       token,
				"account":     acct,
				"new_account": created,
			},
		})
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(CookieName, token, int(account.DefaultTokenTTL.Seconds()), "/", "", h.secure, true)
	c.Redirect(http.StatusFound, "/")
}

// Logout handles DELETE /api/v1/auth/session — revokes the caller's token.
func (h *Handler) Logout(c *gin.Context) {
	rec, ok := GetTokenRecord(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{"code": "unauthorized", "message": "Valid bearer token required."},
		})
		return
	}

	if err := h.accounts.RevokeToken(c.Request.Context(), rec.ID); err != nil {
		logging.L(c.Request.Context()).Error("token revoke failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "internal_error", "message": "Failed to revoke session"},
		})
		return
	}

	h.auditLog.Record(c.Request.Context(), rec.AccountID, audit.ActionLogout, rec.ID, "", c.ClientIP())
	c.SetCookie(CookieName, "", -1, "/", "", h.secure, true)
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"revoked": true}})
}

// Me handles GET /api/v1/auth/me — profile plus linked providers.
func (h *Handler) Me(c *gin.Context) {
	acct, _ := GetAccount(c)

	identities, err := h.accounts.Store().ListOAuthIdentities(c.Request.Context(), acct.ID)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list identities", "error", err)
		identities = nil
	}
	if identities == nil {
		identities = []*account.OAuthIdentity{}
	}

	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"account":   acct,
			"providers": identities,
		},
	})
}
