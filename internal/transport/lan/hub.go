package lan

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentpager/agentpager/internal/common/logger"
	"github.com/agentpager/agentpager/pkg/protocol"
)

// ActionHandler receives validated actions from LAN clients.
type ActionHandler func(clientID string, action *protocol.Action)

// ConnectHandler fires when a client is ready to receive the state dump.
type ConnectHandler func(clientID string)

// SessionCounter supplies the active-session count for heartbeats.
type SessionCounter func() int

// Hub tracks connected clients and fans broadcasts out to them. The seq
// counter is per-transport: every outbound message on this transport gets
// the next value.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client

	seq        atomic.Int64
	maxClients int

	token       string
	requireAuth bool

	onAction     ActionHandler
	onConnect    ConnectHandler
	sessionCount SessionCounter

	heartbeat time.Duration
	stopCh    chan struct{}
	wg        sync.WaitGroup

	logger *logger.Logger
}

// NewHub creates a hub.
func NewHub(token string, requireAuth bool, maxClients int, heartbeat time.Duration, log *logger.Logger) *Hub {
	return &Hub{
		clients:     make(map[string]*Client),
		maxClients:  maxClients,
		token:       token,
		requireAuth: requireAuth,
		heartbeat:   heartbeat,
		stopCh:      make(chan struct{}),
		logger:      log.WithFields(zap.String("component", "lan-hub")),
	}
}

// SetActionHandler registers the inbound action callback.
func (h *Hub) SetActionHandler(fn ActionHandler) { h.onAction = fn }

// SetConnectHandler registers the new-client callback.
func (h *Hub) SetConnectHandler(fn ConnectHandler) { h.onConnect = fn }

// SetSessionCounter registers the heartbeat session counter.
func (h *Hub) SetSessionCounter(fn SessionCounter) { h.sessionCount = fn }

// Start launches the heartbeat loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.heartbeatLoop()
}

// Stop closes every client with a going-away code and stops the heartbeat.
func (h *Hub) Stop() {
	close(h.stopCh)
	h.wg.Wait()

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	// The snapshot and the map swap happen under one lock acquisition, so a
	// concurrent Unregister either removed the client before the snapshot or
	// finds the fresh map; each done closes exactly once.
	for _, c := range clients {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
			time.Now().Add(writeWait))
		close(c.done)
	}
}

// register admits a new connection, enforcing the client cap.
func (h *Hub) register(conn *websocket.Conn, authExempt bool) (*Client, bool) {
	h.mu.Lock()
	if len(h.clients) >= h.maxClients {
		h.mu.Unlock()
		return nil, false
	}
	id := uuid.New().String()
	c := &Client{
		id:           id,
		hub:          h,
		conn:         conn,
		send:         make(chan []byte, sendBufferSize),
		done:         make(chan struct{}),
		authExempt:   authExempt,
		lastActivity: time.Now(),
		logger:       h.logger.WithFields(zap.String("client_id", id[:8])),
	}
	h.clients[c.id] = c
	h.mu.Unlock()

	h.logger.Info("client connected",
		zap.String("client_id", c.id[:8]), zap.Bool("auth_exempt", authExempt))
	return c, true
}

// Unregister removes a client. The membership check makes the done close
// exactly-once no matter how many paths (read pump exit, broadcast prune,
// shutdown) race to remove the same client. send is deliberately left open.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()
	if ok {
		close(c.done)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) dispatch(clientID string, action *protocol.Action) {
	if h.onAction != nil {
		h.onAction(clientID, action)
	}
}

// notifyConnect triggers the orchestrator's full-state replay for a client
// that just became eligible to receive events.
func (h *Hub) notifyConnect(clientID string) {
	if h.onConnect != nil {
		h.onConnect(clientID)
	}
}

// Broadcast fans an event out to every connected client. The client set is
// copied under the lock; network writes happen outside it. Clients whose
// send buffer is full are pruned.
func (h *Hub) Broadcast(eventType, sessionID string, payload interface{}) {
	seq := h.seq.Add(1)
	env := protocol.NewEnvelope(seq, eventType, sessionID, payload)
	data, err := env.Encode()
	if err != nil {
		h.logger.Error("failed to encode envelope", zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if h.requireAuth && !c.Authenticated() {
			continue
		}
		if !c.Send(data) {
			h.logger.Warn("client send buffer full, dropping client",
				zap.String("client_id", c.id[:8]))
			h.Unregister(c)
			c.conn.Close()
		}
	}
}

// SendTo sends one event to a single client. The message still consumes a
// transport seq so the per-client ordering contract holds.
func (h *Hub) SendTo(clientID, eventType, sessionID string, payload interface{}) {
	h.mu.RLock()
	c, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	seq := h.seq.Add(1)
	env := protocol.NewEnvelope(seq, eventType, sessionID, payload)
	data, err := env.Encode()
	if err != nil {
		h.logger.Error("failed to encode envelope", zap.Error(err))
		return
	}
	if !c.Send(data) {
		h.Unregister(c)
		c.conn.Close()
	}
}

func (h *Hub) heartbeatLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			count := 0
			if h.sessionCount != nil {
				count = h.sessionCount()
			}
			h.Broadcast(protocol.EventHeartbeat, "", &protocol.HeartbeatPayload{
				ServerTime:     time.Now().UTC().Format(time.RFC3339),
				ActiveSessions: count,
			})
		}
	}
}
