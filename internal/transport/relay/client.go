// Package relay maintains the outbound WebSocket uplink to the remote relay
// service, mirroring LAN broadcasts to remote clients with optional
// end-to-end encryption.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentpager/agentpager/internal/common/logger"
	"github.com/agentpager/agentpager/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256

	reconnectBase = 2 * time.Second
	reconnectCap  = 60 * time.Second
)

// ClientID identifies the relay as an action source to the orchestrator.
const ClientID = "relay"

// ActionHandler receives validated actions from remote clients.
type ActionHandler func(clientID string, action *protocol.Action)

// ConnectHandler fires after each successful (re)connect so the orchestrator
// can replay full state through the uplink.
type ConnectHandler func(clientID string)

// Client is the outbound relay connection. It is single-writer by
// construction: one goroutine drains the send channel per connection.
type Client struct {
	url    string
	room   string
	secret string
	cipher *Cipher // nil disables E2E
	logger *logger.Logger

	seq       atomic.Int64
	connected atomic.Bool

	send chan []byte

	onAction  ActionHandler
	onConnect ConnectHandler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a relay client. cipher may be nil to send plaintext
// envelopes.
func NewClient(relayURL, room, secret string, cipher *Cipher, log *logger.Logger) *Client {
	return &Client{
		url:    relayURL,
		room:   room,
		secret: secret,
		cipher: cipher,
		logger: log.WithFields(zap.String("component", "relay")),
		send:   make(chan []byte, sendBufferSize),
	}
}

// SetActionHandler registers the inbound action callback.
func (c *Client) SetActionHandler(h ActionHandler) { c.onAction = h }

// SetConnectHandler registers the post-connect callback.
func (c *Client) SetConnectHandler(h ConnectHandler) { c.onConnect = h }

// Start begins the connect/reconnect loop.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop tears the uplink down.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Connected reports whether the uplink is currently established.
func (c *Client) Connected() bool { return c.connected.Load() }

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", fmt.Errorf("invalid relay url: %w", err)
	}
	q := u.Query()
	q.Set("room", c.room)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// run is the reconnect loop: exponential backoff with jitter, 2 s base,
// 60 s cap, never giving up while the context lives.
func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()

	dialURL, err := c.dialURL()
	if err != nil {
		c.logger.Error("relay disabled", zap.Error(err))
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectBase
	bo.MaxInterval = reconnectCap
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.dial(ctx, dialURL)
		if err != nil {
			wait := bo.NextBackOff()
			c.logger.Warn("relay connect failed",
				zap.Error(err), zap.Duration("retry_in", wait))
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return
			}
		}

		bo.Reset()
		// Anything still queued predates the disconnect; remote clients must
		// see the state dump before any fresh event.
		c.drainSend()
		c.connected.Store(true)
		c.logger.Info("relay connected", zap.String("room", c.room))
		if c.onConnect != nil {
			c.onConnect(ClientID)
		}

		c.serve(ctx, conn)
		c.connected.Store(false)
		c.logger.Warn("relay disconnected")
	}
}

func (c *Client) dial(ctx context.Context, dialURL string) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.secret)

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, dialURL, header)
	return conn, err
}

// serve runs the reader and writer for one connection and returns when
// either fails or the context dies.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	stop := make(chan struct{})

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Close the conn on cancellation so the reader cannot hang on a
	// half-open peer.
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
				time.Now().Add(writeWait))
			conn.Close()
		case <-stop:
		}
	}()

	// Writer: single goroutine drains the send channel, pinging so a
	// silently dead uplink fails the read deadline instead of lingering.
	go func() {
		defer close(done)
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case msg := <-c.send:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Reader.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		c.handleInbound(data)
	}

	conn.Close()
	close(stop)
	<-done
}

// handleInbound decrypts wrapped messages, then dispatches actions.
func (c *Client) handleInbound(data []byte) {
	if wrapped, ok := IsWrapped(data); ok {
		if c.cipher == nil {
			c.logger.Warn("received encrypted message without e2e configured")
			return
		}
		plain, err := c.cipher.Decrypt(wrapped)
		if err != nil {
			c.logger.Warn("failed to decrypt relay message", zap.Error(err))
			return
		}
		data = plain
	}

	action, err := protocol.DecodeAction(data)
	if err != nil {
		c.logger.Warn("invalid relay action", zap.Error(err))
		return
	}
	if c.onAction != nil {
		c.onAction(ClientID, action)
	}
}

// Broadcast mirrors an event through the uplink. Messages are silently
// dropped while the relay is down; LAN delivery is unaffected.
func (c *Client) Broadcast(eventType, sessionID string, payload interface{}) {
	seq := c.seq.Add(1)
	env := protocol.NewEnvelope(seq, eventType, sessionID, payload)
	data, err := env.Encode()
	if err != nil {
		c.logger.Error("failed to encode envelope", zap.Error(err))
		return
	}

	if c.cipher != nil {
		hint := &Hint{Type: eventType}
		if eventType == protocol.EventPermissionRequest {
			if p, ok := payload.(*protocol.PermissionRequestPayload); ok {
				hint.ToolName = p.ToolName
				hint.Risk = p.RiskLevel
			}
		}
		wrapped, err := c.cipher.Encrypt(data, hint)
		if err != nil {
			c.logger.Error("failed to encrypt envelope", zap.Error(err))
			return
		}
		data, err = json.Marshal(wrapped)
		if err != nil {
			c.logger.Error("failed to marshal wrapped message", zap.Error(err))
			return
		}
	}

	if !c.connected.Load() {
		// Uplink down; drop.
		return
	}
	select {
	case c.send <- data:
	default:
		// Buffer full; drop.
	}
}

// drainSend empties the send channel. Called with the writer stopped, before
// a reconnect announces itself.
func (c *Client) drainSend() {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

// SendTo targets the relay's single logical client; equivalent to Broadcast.
func (c *Client) SendTo(_ string, eventType, sessionID string, payload interface{}) {
	c.Broadcast(eventType, sessionID, payload)
}
