package session

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/claudinethelobster/clawfather/internal/account"
	"github.com/claudinethelobster/clawfather/internal/logging"
)

// AccountIDFunc extracts the authenticated account id from the request.
type AccountIDFunc func(c *gin.Context) string

// Handler provides the session HTTP endpoints.
type Handler struct {
	manager   *Manager
	store     account.Store
	accountID AccountIDFunc
}

// NewHandler creates a new session handler.
func NewHandler(manager *Manager, store account.Store, accountID AccountIDFunc) *Handler {
	return &Handler{manager: manager, store: store, accountID: accountID}
}

// RegisterRoutes sets up session routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sessions/bootstrap", h.Bootstrap)
	r.POST("/sessions/bootstrap/:connId/confirm", h.Confirm)
	r.GET("/sessions", h.List)
	r.DELETE("/sessions/:id", h.Terminate)
}

// BootstrapRequest is the bootstrap input.
type BootstrapRequest struct {
	Host     string `json:"host" binding:"required"`
	Username string `json:"username" binding:"required"`
	Port     int    `json:"port"`
}

// Bootstrap handles POST /sessions/bootstrap.
func (h *Handler) Bootstrap(c *gin.Context) {
	var req BootstrapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "validation_error", "message": "host and username are required"},
		})
		return
	}

	res, err := h.manager.Bootstrap(c.Request.Context(), h.accountID(c), req.Host, req.Username, req.Port)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{"code": "validation_error", "message": err.Error()},
			})
			return
		}
		logging.L(c.Request.Context()).Error("bootstrap failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "internal_error", "message": "bootstrap failed"},
		})
		return
	}

	c.JSON(http.StatusOK, res)
}

// Confirm handles POST /sessions/bootstrap/:connId/confirm.
func (h *Handler) Confirm(c *gin.Context) {
	res, err := h.manager.Confirm(c.Request.Context(), h.accountID(c), c.Param("connId"),
		c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		h.writeConfirmError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"session":  res.Lease,
		"chat_url": res.ChatURL,
		"token":    res.Token,
	})
}

func (h *Handler) writeConfirmError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, account.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{"code": "not_found", "message": "connection not found"},
		})
	case errors.Is(err, ErrKeypairRevoked):
		c.JSON(http.StatusConflict, gin.H{
			"error": gin.H{"code": "keypair_revoked", "message": "the connection's keypair has been revoked"},
		})
	case errors.Is(err, ErrInsufficientCredits):
		c.JSON(http.StatusConflict, gin.H{
			"error": gin.H{"code": "insufficient_credits", "message": "top up credits before starting a session"},
		})
	case errors.Is(err, ErrSessionLimit):
		c.JSON(http.StatusConflict, gin.H{
			"error": gin.H{"code": "session_limit_reached", "message": "too many concurrent sessions"},
		})
	case errors.Is(err, ErrConnectFailed):
		c.JSON(http.StatusBadGateway, gin.H{
			"error": gin.H{"code": "ssh_connect_failed", "message": err.Error()},
		})
	case errors.Is(err, ErrLaunchFailed):
		c.JSON(http.StatusBadGateway, gin.H{
			"error": gin.H{"code": "ssh_connect_failed", "message": "failed to launch session"},
		})
	default:
		logging.L(c.Request.Context()).Error("confirm failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "internal_error", "message": "confirm failed"},
		})
	}
}

// List handles GET /sessions — persistent leases annotated with live state.
func (h *Handler) List(c *gin.Context) {
	acct := h.accountID(c)
	leases, err := h.store.ListLeases(c.Request.Context(), acct)
	if err != nil {
		logging.L(c.Request.Context()).Error("list sessions failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "internal_error", "message": "failed to list sessions"},
		})
		return
	}

	type item struct {
		*account.SessionLease
		Live bool `json:"live"`
	}
	out := make([]item, 0, len(leases))
	for _, l := range leases {
		_, live := h.manager.Registry().Get(l.ID)
		out = append(out, item{SessionLease: l, Live: live})
	}

	c.JSON(http.StatusOK, gin.H{"data": out})
}

// Terminate handles DELETE /sessions/:id.
func (h *Handler) Terminate(c *gin.Context) {
	id := c.Param("id")
	lease, err := h.store.GetLease(c.Request.Context(), id)
	if err != nil || lease.AccountID != h.accountID(c) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{"code": "not_found", "message": "session not found"},
		})
		return
	}

	if err := h.manager.Terminate(c.Request.Context(), id, ReasonUserTerminate); err != nil {
		logging.L(c.Request.Context()).Error("terminate failed", "session", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "internal_error", "message": "failed to terminate session"},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"terminated": true}})
}
