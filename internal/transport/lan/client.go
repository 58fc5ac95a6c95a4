package lan

import (
	"crypto/subtle"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentpager/agentpager/internal/common/config"
	"github.com/agentpager/agentpager/internal/common/logger"
	"github.com/agentpager/agentpager/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = config.MaxClientMsgBytes
	sendBufferSize = 64
)

// Client is one connected WebSocket client. send is never closed; the hub
// closes done instead, so a broadcast racing a disconnect can at worst write
// into a buffer nobody drains.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu            sync.Mutex
	authenticated bool
	lastActivity  time.Time

	// authExempt marks unix-socket clients, which skip token auth.
	authExempt bool

	logger *logger.Logger
}

// Authenticated reports whether the client may issue non-auth actions.
func (c *Client) Authenticated() bool {
	if c.authExempt {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// ReadPump reads actions from the WebSocket connection.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			break
		}
		c.touch()

		action, err := protocol.DecodeAction(message)
		if err != nil {
			// Recoverable: tell the client and keep the connection.
			c.sendError(protocol.ErrCodeProtocol, err.Error())
			continue
		}

		if action.Type == protocol.ActionAuth {
			c.handleAuth(action.Payload)
			continue
		}

		if !c.Authenticated() {
			c.sendError(protocol.ErrCodeProtocol, "authentication required")
			continue
		}

		c.hub.dispatch(c.id, action)
	}
}

// handleAuth compares the bearer token in constant time. Success flips the
// authenticated flag; failure sends an error and closes with policy code 1008.
func (c *Client) handleAuth(payload json.RawMessage) {
	var p protocol.AuthPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.sendError(protocol.ErrCodeProtocol, "malformed auth payload")
		return
	}

	if subtle.ConstantTimeCompare([]byte(p.Token), []byte(c.hub.token)) != 1 {
		c.sendError("AUTH_FAILED", "invalid token")
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "auth failed"),
			time.Now().Add(writeWait))
		c.conn.Close()
		return
	}

	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()

	c.hub.SendTo(c.id, protocol.EventAuthOK, "", map[string]interface{}{})
	c.hub.notifyConnect(c.id)
}

func (c *Client) sendError(code, message string) {
	c.hub.SendTo(c.id, protocol.EventError, "", &protocol.ErrorPayload{
		Code:        code,
		Message:     message,
		Recoverable: true,
	})
}

// WritePump writes messages to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send queues a message for the client. A full buffer drops the message and
// reports failure; the hub prunes the client on the next broadcast.
func (c *Client) Send(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}
