// Package chat is the WebSocket gateway between authenticated clients and
// their shell sessions. Clients authenticate with a first frame carrying a
// session-bound bearer token; message frames are executed over the
// session's control channel and results fan out to every attached peer.
package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/claudinethelobster/clawfather/internal/account"
	"github.com/claudinethelobster/clawfather/internal/logging"
	"github.com/claudinethelobster/clawfather/internal/metrics"
	"github.com/claudinethelobster/clawfather/internal/session"
)

// Close codes on the chat socket.
const (
	CloseSessionClosed = 4000
	CloseBadAuth       = 4001
	CloseWrongSession  = 4003
)

const (
	authDeadline  = 10 * time.Second
	writeDeadline = 10 * time.Second
	pongDeadline  = 60 * time.Second
	pingInterval  = 30 * time.Second
	maxFrameSize  = 64 * 1024
)

// normalCloseCodes are close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Executor runs a chat command against a live session.
type Executor interface {
	Execute(ctx context.Context, sessionID, command string) ([]byte, error)
}

// Gateway upgrades chat connections and shuttles frames.
type Gateway struct {
	registry *session.Registry
	accounts *account.Service
	executor Executor
	logger   *slog.Logger
}

// NewGateway creates the chat gateway.
func NewGateway(registry *session.Registry, accounts *account.Service, executor Executor, logger *slog.Logger) *Gateway {
	return &Gateway{
		registry: registry,
		accounts: accounts,
		executor: executor,
		logger:   logger,
	}
}

// frame is the wire shape for both directions.
type frame struct {
	Type       string          `json:"type"`
	Token      string          `json:"token,omitempty"`
	Text       string          `json:"text,omitempty"`
	Role       string          `json:"role,omitempty"`
	Status     string          `json:"status,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Message    string          `json:"message,omitempty"`
	Connection json.RawMessage `json:"connection,omitempty"`
}

// client is one connected chat peer. It implements session.Peer.
type client struct {
	gw        *Gateway
	conn      *websocket.Conn
	sessionID string
	send      chan []byte

	kickOnce   sync.Once
	kicked     chan struct{}
	kickCode   int
	kickReason string
	kickMsg    string
}

// Deliver implements session.Peer without blocking the broadcaster.
func (c *client) Deliver(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Kick implements session.Peer: emit session_closed, then close.
func (c *client) Kick(code int, reason, message string) {
	c.kickOnce.Do(func() {
		c.kickCode = code
		c.kickReason = reason
		c.kickMsg = message
		close(c.kicked)
	})
}

// HandleWebSocket serves GET /ws/sessions/:id. The HTTP layer does not
// authenticate this route; the first frame must be {type:"auth", token}.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	// Await the auth frame.
	_ = conn.SetReadDeadline(time.Now().Add(authDeadline))
	var authFrame frame
	if err := conn.ReadJSON(&authFrame); err != nil || authFrame.Type != "auth" {
		closeWith(conn, CloseBadAuth, "auth frame required")
		return
	}

	acct, rec, err := g.accounts.GetAccountByToken(r.Context(), strings.TrimSpace(authFrame.Token), time.Now())
	if err != nil {
		closeWith(conn, CloseBadAuth, "invalid token")
		return
	}
	if rec.SessionID != sessionID {
		closeWith(conn, CloseWrongSession, "token not bound to this session")
		return
	}
	snap, live := g.registry.Get(sessionID)
	if !live || snap.AccountID != acct.ID {
		closeWith(conn, CloseWrongSession, "session not found")
		return
	}

	cl := &client{
		gw:        g,
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan []byte, 256),
		kicked:    make(chan struct{}),
	}
	if !g.registry.AddPeer(sessionID, cl) {
		closeWith(conn, CloseWrongSession, "session not found")
		return
	}
	metrics.ActiveWebSocketClients.Inc()

	// Hello frame with the connection summary.
	connInfo, _ := json.Marshal(map[string]any{
		"id":        snap.ConnectionID,
		"sessionId": snap.ID,
		"startedAt": snap.StartedAt,
	})
	cl.Deliver(mustMarshal(frame{Type: "session", Connection: connInfo}))

	go cl.writePump()
	cl.readPump()
}

func (g *Gateway) handleMessage(cl *client, text string) {
	g.registry.Touch(cl.sessionID)
	g.broadcast(cl.sessionID, frame{Type: "status", Status: "thinking"})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		ctx = logging.WithSessionID(logging.WithLogger(ctx, g.logger), cl.sessionID)

		out, err := g.executor.Execute(ctx, cl.sessionID, text)
		if err != nil {
			logging.L(ctx).Warn("chat command failed", "error", err)
			g.broadcast(cl.sessionID, frame{
				Type: "message", Role: "assistant",
				Text: "command failed: " + err.Error(),
			})
		} else {
			g.broadcast(cl.sessionID, frame{Type: "message", Role: "assistant", Text: string(out)})
		}
		g.broadcast(cl.sessionID, frame{Type: "status", Status: "done"})
	}()
}

func (g *Gateway) broadcast(sessionID string, f frame) {
	g.registry.Broadcast(sessionID, mustMarshal(f))
}

// readPump consumes client frames until the connection drops.
func (c *client) readPump() {
	defer func() {
		c.gw.registry.RemovePeer(c.sessionID, c)
		metrics.ActiveWebSocketClients.Dec()
		c.Kick(websocket.CloseNormalClosure, "", "")
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongDeadline))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongDeadline))
		return nil
	})

	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.gw.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongDeadline))

		switch f.Type {
		case "message":
			if strings.TrimSpace(f.Text) == "" {
				continue
			}
			c.gw.handleMessage(c, f.Text)
		case "heartbeat":
			c.Deliver(mustMarshal(frame{Type: "heartbeat_ack"}))
			c.gw.registry.Touch(c.sessionID)
		}
	}
}

// writePump drains the send queue, pings idle connections, and performs the
// kick handshake.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-c.kicked:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if c.kickCode >= 4000 {
				_ = c.conn.WriteMessage(websocket.TextMessage, mustMarshal(frame{
					Type:    "session_closed",
					Reason:  c.kickReason,
					Message: c.kickMsg,
				}))
			}
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(closeCodeOrNormal(c.kickCode), c.kickReason))
			return

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func closeCodeOrNormal(code int) int {
	if code == 0 {
		return websocket.CloseNormalClosure
	}
	return code
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = conn.Close()
}

func mustMarshal(f frame) []byte {
	b, _ := json.Marshal(f)
	return b
}
