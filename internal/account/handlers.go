package account

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/claudinethelobster/clawfather/internal/audit"
	"github.com/claudinethelobster/clawfather/internal/idgen"
	"github.com/claudinethelobster/clawfather/internal/logging"
	"github.com/claudinethelobster/clawfather/internal/probe"
	"github.com/claudinethelobster/clawfather/internal/validation"
)

// AccountIDFunc extracts the authenticated account id from the request.
type AccountIDFunc func(c *gin.Context) string

// InstallCommandFunc renders the authorized_keys install snippet for a
// public key. Injected to keep the command format owned by the session
// package.
type InstallCommandFunc func(publicKey string) string

// Handler provides keypair and connection endpoints.
type Handler struct {
	svc        *Service
	prober     *probe.Prober
	auditLog   *audit.Logger
	accountID  AccountIDFunc
	installCmd InstallCommandFunc
	sshPort    int
}

// NewHandler creates a new account handler.
func NewHandler(svc *Service, prober *probe.Prober, auditLog *audit.Logger, accountID AccountIDFunc, installCmd InstallCommandFunc, sshPort int) *Handler {
	return &Handler{
		svc:        svc,
		prober:     prober,
		auditLog:   auditLog,
		accountID:  accountID,
		installCmd: installCmd,
		sshPort:    sshPort,
	}
}

// RegisterRoutes sets up key and connection routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/keys", h.ListKeys)
	r.POST("/keys", h.CreateKey)
	r.DELETE("/keys/:id", h.DeleteKey)
	r.GET("/keys/:id/install-command", h.InstallCommand)

	r.GET("/connections", h.ListConnections)
	r.POST("/connections", h.CreateConnection)
	r.GET("/connections/:id", h.GetConnection)
	r.PATCH("/connections/:id", h.UpdateConnection)
	r.DELETE("/connections/:id", h.DeleteConnection)
	r.POST("/connections/:id/test", h.TestConnection)
}

// Keys

// ListKeys handles GET /keys.
func (h *Handler) ListKeys(c *gin.Context) {
	keys, err := h.svc.Store().ListKeypairs(c.Request.Context(), h.accountID(c))
	if err != nil {
		logging.L(c.Request.Context()).Error("list keys failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "internal_error", "message": "failed to list keys"},
		})
		return
	}
	if keys == nil {
		keys = []*Keypair{}
	}
	c.JSON(http.StatusOK, gin.H{"data": keys})
}

// CreateKeyRequest creates either a server-generated keypair (no public
// key supplied) or registers a user-held public key.
type CreateKeyRequest struct {
	Label     string `json:"label"`
	PublicKey string `json:"public_key"`
}

// CreateKey handles POST /keys.
func (h *Handler) CreateKey(c *gin.Context) {
	var req CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "validation_error", "message": "invalid request body"},
		})
		return
	}
	req.Label = validation.SanitizeString(req.Label, 200)
	acct := h.accountID(c)

	var (
		key *Keypair
		err error
	)
	if req.PublicKey != "" {
		key, err = h.svc.AddKey(c.Request.Context(), acct, req.PublicKey, req.Label)
	} else {
		key, err = h.svc.GenerateKeypair(c.Request.Context(), acct, req.Label)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "validation_error", "message": "could not register key"},
		})
		return
	}

	h.auditLog.Record(c.Request.Context(), acct, audit.ActionKeyAdded, key.ID, key.Fingerprint, c.ClientIP())
	c.JSON(http.StatusCreated, gin.H{"data": key})
}

// DeleteKey handles DELETE /keys/:id.
func (h *Handler) DeleteKey(c *gin.Context) {
	acct := h.accountID(c)
	keyID := c.Param("id")

	err := h.svc.RemoveKey(c.Request.Context(), acct, keyID)
	switch {
	case errors.Is(err, ErrLastKey):
		c.JSON(http.StatusConflict, gin.H{
			"error": gin.H{"code": "last_key", "message": "an account must retain at least one active key"},
		})
		return
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{"code": "not_found", "message": "key not found"},
		})
		return
	case err != nil:
		logging.L(c.Request.Context()).Error("remove key failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "internal_error", "message": "failed to remove key"},
		})
		return
	}

	h.auditLog.Record(c.Request.Context(), acct, audit.ActionKeyRemoved, keyID, "", c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"removed": true}})
}

// InstallCommand handles GET /keys/:id/install-command.
func (h *Handler) InstallCommand(c *gin.Context) {
	key, err := h.svc.Store().GetKeypair(c.Request.Context(), c.Param("id"))
	if err != nil || key.AccountID != h.accountID(c) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{"code": "not_found", "message": "key not found"},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"command": h.installCmd(key.PublicKey)})
}

// Connections

// ListConnections handles GET /connections.
func (h *Handler) ListConnections(c *gin.Context) {
	conns, err := h.svc.Store().ListConnections(c.Request.Context(), h.accountID(c))
	if err != nil {
		logging.L(c.Request.Context()).Error("list connections failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "internal_error", "message": "failed to list connections"},
		})
		return
	}
	if conns == nil {
		conns = []*Connection{}
	}
	c.JSON(http.StatusOK, gin.H{"data": conns})
}

// ConnectionRequest is the create/update payload.
type ConnectionRequest struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Label    string `json:"label"`
	KeyID    string `json:"key_id"`
}

// CreateConnection handles POST /connections.
func (h *Handler) CreateConnection(c *gin.Context) {
	var req ConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "validation_error", "message": "invalid request body"},
		})
		return
	}
	if req.Port == 0 {
		req.Port = h.sshPort
	}
	if !validation.IsValidHost(req.Host) || !validation.IsValidUsername(req.Username) || !validation.IsValidPort(req.Port) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "validation_error", "message": "invalid host, port, or username"},
		})
		return
	}
	acct := h.accountID(c)

	var key *Keypair
	var err error
	if req.KeyID != "" {
		key, err = h.svc.Store().GetKeypair(c.Request.Context(), req.KeyID)
		if err != nil || key.AccountID != acct {
			c.JSON(http.StatusNotFound, gin.H{
				"error": gin.H{"code": "not_found", "message": "key not found"},
			})
			return
		}
	} else {
		key, err = h.svc.EnsureKeypair(c.Request.Context(), acct)
		if err != nil {
			logging.L(c.Request.Context()).Error("ensure keypair failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": gin.H{"code": "internal_error", "message": "failed to prepare keypair"},
			})
			return
		}
	}

	conn := &Connection{
		ID:        idgen.WithPrefix("conn_"),
		AccountID: acct,
		KeypairID: key.ID,
		Host:      req.Host,
		Port:      req.Port,
		Username:  req.Username,
		Label:     validation.SanitizeString(req.Label, 200),
		CreatedAt: time.Now(),
	}
	if err := h.svc.Store().CreateConnection(c.Request.Context(), conn); err != nil {
		if errors.Is(err, ErrDuplicateConnection) {
			c.JSON(http.StatusConflict, gin.H{
				"error": gin.H{"code": "connection_exists", "message": "connection already exists"},
			})
			return
		}
		logging.L(c.Request.Context()).Error("create connection failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "internal_error", "message": "failed to save connection"},
		})
		return
	}

	h.auditLog.Record(c.Request.Context(), acct, audit.ActionConnectionSaved, conn.ID, conn.Host, c.ClientIP())
	c.JSON(http.StatusCreated, gin.H{"data": conn})
}

func (h *Handler) ownedConnection(c *gin.Context) (*Connection, bool) {
	conn, err := h.svc.Store().GetConnection(c.Request.Context(), c.Param("id"))
	if err != nil || conn.AccountID != h.accountID(c) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{"code": "not_found", "message": "connection not found"},
		})
		return nil, false
	}
	return conn, true
}

// GetConnection handles GET /connections/:id.
func (h *Handler) GetConnection(c *gin.Context) {
	conn, ok := h.ownedConnection(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": conn})
}

// UpdateConnection handles PATCH /connections/:id. Only the label and
// keypair binding are mutable; host/port/user identify the connection.
func (h *Handler) UpdateConnection(c *gin.Context) {
	conn, ok := h.ownedConnection(c)
	if !ok {
		return
	}

	var req ConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "validation_error", "message": "invalid request body"},
		})
		return
	}

	if req.Label != "" {
		conn.Label = validation.SanitizeString(req.Label, 200)
	}
	if req.KeyID != "" {
		key, err := h.svc.Store().GetKeypair(c.Request.Context(), req.KeyID)
		if err != nil || key.AccountID != conn.AccountID {
			c.JSON(http.StatusNotFound, gin.H{
				"error": gin.H{"code": "not_found", "message": "key not found"},
			})
			return
		}
		conn.KeypairID = key.ID
		// A different key has not been proven against the host.
		conn.LastTestResult = ""
	}

	if err := h.svc.Store().UpdateConnection(c.Request.Context(), conn); err != nil {
		logging.L(c.Request.Context()).Error("update connection failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "internal_error", "message": "failed to update connection"},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": conn})
}

// DeleteConnection handles DELETE /connections/:id.
func (h *Handler) DeleteConnection(c *gin.Context) {
	if err := h.svc.Store().DeleteConnection(c.Request.Context(), h.accountID(c), c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{"code": "not_found", "message": "connection not found"},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"deleted": true}})
}

// TestRequest is the body of POST /connections/:id/test.
type TestRequest struct {
	AcceptHostKey bool `json:"accept_host_key"`
}

// TestConnection handles POST /connections/:id/test. The pinned host key
// only rotates when the caller explicitly accepts the new one.
func (h *Handler) TestConnection(c *gin.Context) {
	conn, ok := h.ownedConnection(c)
	if !ok {
		return
	}

	var req TestRequest
	_ = c.ShouldBindJSON(&req) // empty body allowed

	key, err := h.svc.Store().GetKeypair(c.Request.Context(), conn.KeypairID)
	if err != nil || !key.Active {
		c.JSON(http.StatusConflict, gin.H{
			"error": gin.H{"code": "keypair_revoked", "message": "the connection's keypair has been revoked"},
		})
		return
	}

	privPEM, err := h.svc.DecryptPrivateKey(key)
	if err != nil {
		h.auditLog.Record(c.Request.Context(), conn.AccountID, audit.ActionCryptoFailure, key.ID, "keypair decrypt failed", c.ClientIP())
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "internal_error", "message": "key unavailable"},
		})
		return
	}

	expected := conn.PinnedHostKey
	if req.AcceptHostKey {
		expected = "" // rotation explicitly accepted
	}

	res := h.prober.TestConnection(c.Request.Context(), conn.Host, conn.Port, conn.Username, privPEM, expected, 0)

	pin := ""
	if res.Result == probe.ResultOK {
		pin = res.HostKeyFingerprint
	}
	if err := h.svc.Store().RecordTestResult(c.Request.Context(), conn.ID, res.Result, pin, time.Now()); err != nil {
		logging.L(c.Request.Context()).Error("record test result failed", "error", err)
	}
	h.auditLog.Record(c.Request.Context(), conn.AccountID, audit.ActionConnectionTested, conn.ID, res.Result, c.ClientIP())

	c.JSON(http.StatusOK, gin.H{"data": res})
}
