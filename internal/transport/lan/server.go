// Package lan serves the local WebSocket transport: phones and CLIs on the
// same network connect here, plus a unix socket for same-host tooling that
// skips token auth.
package lan

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/agentpager/agentpager/internal/common/errors"
	"github.com/agentpager/agentpager/internal/common/logger"
	"github.com/agentpager/agentpager/pkg/protocol"
)

// restClientID identifies actions arriving through the REST fallback
// endpoints rather than a WebSocket connection.
const restClientID = "rest"

// HealthFunc supplies the health snapshot served on /api/health.
type HealthFunc func() map[string]interface{}

// Server owns the LAN listeners: a TCP listener on the configured host:port
// and a unix socket for auth-exempt local clients.
type Server struct {
	hub        *Hub
	host       string
	port       int
	socketPath string
	health     HealthFunc
	logger     *logger.Logger

	tcpSrv  *http.Server
	sockSrv *http.Server

	upgrader websocket.Upgrader
}

// NewServer creates the LAN server around an existing hub.
func NewServer(hub *Hub, host string, port int, socketPath string, health HealthFunc, log *logger.Logger) *Server {
	return &Server{
		hub:        hub,
		host:       host,
		port:       port,
		socketPath: socketPath,
		health:     health,
		logger:     log.WithFields(zap.String("component", "lan-server")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local transport; clients are phones on the LAN or local tools.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start binds both listeners. A taken TCP port is fatal: the LAN transport is
// the primary surface and silently losing it would strand every client.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	tcpLn, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind LAN listener on %s: %w", addr, err)
	}

	// Stale socket from an unclean shutdown; remove before binding.
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		tcpLn.Close()
		return fmt.Errorf("failed to remove stale socket %s: %w", s.socketPath, err)
	}
	sockLn, err := net.Listen("unix", s.socketPath)
	if err != nil {
		tcpLn.Close()
		return fmt.Errorf("failed to bind unix socket %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		tcpLn.Close()
		sockLn.Close()
		return fmt.Errorf("failed to restrict socket permissions: %w", err)
	}

	s.tcpSrv = &http.Server{Handler: s.buildRouter(false)}
	s.sockSrv = &http.Server{Handler: s.buildRouter(true)}

	go func() {
		if err := s.tcpSrv.Serve(tcpLn); err != nil && err != http.ErrServerClosed {
			s.logger.Error("LAN server error", zap.Error(err))
		}
	}()
	go func() {
		if err := s.sockSrv.Serve(sockLn); err != nil && err != http.ErrServerClosed {
			s.logger.Error("unix socket server error", zap.Error(err))
		}
	}()

	s.logger.Info("LAN transport listening",
		zap.String("addr", addr), zap.String("socket", s.socketPath))
	return nil
}

// Stop shuts both listeners down and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	if s.tcpSrv != nil {
		s.tcpSrv.Shutdown(ctx)
	}
	if s.sockSrv != nil {
		s.sockSrv.Shutdown(ctx)
	}
	os.Remove(s.socketPath)
}

// buildRouter assembles the gin routes. Unix socket clients are auth-exempt;
// TCP clients are exempt only when the hub does not require auth.
func (s *Server) buildRouter(socket bool) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/ws", func(c *gin.Context) {
		s.handleWebSocket(c, socket || !s.hub.requireAuth)
	})

	api := router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.POST("/approve", s.handleApprove)
		api.POST("/deny", s.handleDeny)
	}
	return router
}

func (s *Server) handleWebSocket(c *gin.Context, authExempt bool) {
	if s.hub.ClientCount() >= s.hub.maxClients {
		appErr := apperrors.Unavailable("too many connected clients")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client, ok := s.hub.register(conn, authExempt)
	if !ok {
		// Lost the race for the last slot.
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "client limit reached"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()

	// Auth-exempt clients never send an auth action, so trigger the state
	// dump immediately.
	if authExempt {
		s.hub.notifyConnect(client.id)
	} else if s.hub.requireAuth {
		s.hub.SendTo(client.id, protocol.EventAuthRequired, "", map[string]interface{}{})
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	snapshot := map[string]interface{}{"status": "ok"}
	if s.health != nil {
		snapshot = s.health()
	}
	c.JSON(http.StatusOK, snapshot)
}

// handleApprove is the REST fallback for clients that cannot hold a
// WebSocket open. It feeds the same action pipeline as /ws.
func (s *Server) handleApprove(c *gin.Context) {
	var req protocol.ApprovePayload
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if req.RequestID == "" {
		appErr := apperrors.BadRequest("requestId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	s.dispatchREST(c, protocol.ActionApprove, &req)
}

func (s *Server) handleDeny(c *gin.Context) {
	var req protocol.DenyPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if req.RequestID == "" {
		appErr := apperrors.BadRequest("requestId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	s.dispatchREST(c, protocol.ActionDeny, &req)
}

func (s *Server) dispatchREST(c *gin.Context, actionType string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		appErr := apperrors.InternalError("failed to encode action", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	s.hub.dispatch(restClientID, &protocol.Action{Type: actionType, Payload: raw})
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
