// Package hook serves the ingestion surface agents call into: a loopback
// HTTP endpoint plus a unix socket in the data directory. Permission hooks
// block here until the orchestrator resolves them.
package hook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentpager/agentpager/internal/agent/adapter"
	"github.com/agentpager/agentpager/internal/common/config"
	apperrors "github.com/agentpager/agentpager/internal/common/errors"
	"github.com/agentpager/agentpager/internal/common/logger"
)

const tokenHeader = "X-Bridge-Token"

// BlockResult is the response body for a blocking permission hook.
type BlockResult struct {
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"`
}

// EventHandler is the orchestrator's entry point. For permission requests it
// blocks until a decision exists; ctx cancellation means the hook process
// went away. For all other kinds the result is ignored.
type EventHandler func(ctx context.Context, ad adapter.Adapter, ev *adapter.NormalizedEvent) *BlockResult

// Server owns the hook listeners.
type Server struct {
	registry *adapter.Registry
	handler  EventHandler

	port       int
	secret     string
	socketPath string
	logger     *logger.Logger

	tcpSrv  *http.Server
	sockSrv *http.Server
}

// NewServer creates the hook server.
func NewServer(registry *adapter.Registry, handler EventHandler, port int, secret, socketPath string, log *logger.Logger) *Server {
	return &Server{
		registry:   registry,
		handler:    handler,
		port:       port,
		secret:     secret,
		socketPath: socketPath,
		logger:     log.WithFields(zap.String("component", "hook-server")),
	}
}

// Start binds the unix socket and the loopback TCP port. The socket is the
// authoritative ingress: failing to bind it is fatal. A taken TCP port only
// logs a warning and the server runs socket-only, so a half-dead previous
// gateway cannot block restart.
func (s *Server) Start() error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket %s: %w", s.socketPath, err)
	}
	sockLn, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to bind hook socket %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		sockLn.Close()
		return fmt.Errorf("failed to restrict socket permissions: %w", err)
	}

	s.sockSrv = &http.Server{Handler: s.buildRouter(false)}
	go func() {
		if err := s.sockSrv.Serve(sockLn); err != nil && err != http.ErrServerClosed {
			s.logger.Error("hook socket server error", zap.Error(err))
		}
	}()

	addr := fmt.Sprintf("127.0.0.1:%d", s.port)
	tcpLn, err := net.Listen("tcp", addr)
	if err != nil {
		s.logger.Warn("hook HTTP port unavailable, serving socket only",
			zap.String("addr", addr), zap.Error(err))
	} else {
		s.tcpSrv = &http.Server{Handler: s.buildRouter(true)}
		go func() {
			if err := s.tcpSrv.Serve(tcpLn); err != nil && err != http.ErrServerClosed {
				s.logger.Error("hook HTTP server error", zap.Error(err))
			}
		}()
	}

	s.logger.Info("hook ingestion listening",
		zap.String("socket", s.socketPath), zap.Int("port", s.port))
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

// buildRouter assembles the shared routes. Token auth applies to the TCP
// listener only; the unix socket is protected by its file permissions.
func (s *Server) buildRouter(requireToken bool) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if requireToken {
		router.Use(s.tokenAuth())
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/hook/:agent/:endpoint", s.handleHook)
	// Legacy route: maps to the default adapter's Notification endpoint.
	router.POST("/notification", func(c *gin.Context) {
		ad := s.registry.Default()
		if ad == nil {
			appErr := apperrors.InternalError("no adapters registered", nil)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		s.process(c, ad, "Notification")
	})
	return router
}

func (s *Server) tokenAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" {
			c.Next()
			return
		}
		token := c.GetHeader(tokenHeader)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.secret)) != 1 {
			appErr := apperrors.Unauthorized("invalid hook token")
			c.AbortWithStatusJSON(appErr.HTTPStatus, appErr)
			return
		}
		c.Next()
	}
}

func (s *Server) handleHook(c *gin.Context) {
	ad, ok := s.registry.Get(c.Param("agent"))
	if !ok {
		appErr := apperrors.BadRequest(fmt.Sprintf("unknown agent %q", c.Param("agent")))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	s.process(c, ad, c.Param("endpoint"))
}

// process reads and normalizes the hook body, then either blocks on the
// orchestrator (permission requests) or hands the event off and returns.
func (s *Server) process(c *gin.Context, ad adapter.Adapter, endpoint string) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, config.MaxHookPayloadBytes)
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			appErr := apperrors.PayloadTooLarge(config.MaxHookPayloadBytes)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		appErr := apperrors.BadRequest("failed to read body")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if !json.Valid(body) {
		appErr := apperrors.BadRequest("body is not valid JSON")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	ev := ad.NormalizeHookPayload(body, endpoint)
	if ev == nil {
		appErr := apperrors.BadRequest(fmt.Sprintf("unrecognized payload for endpoint %q", endpoint))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if ev.Kind == adapter.EventPermissionRequest {
		// Blocks until human decision, timeout, or hook disconnect. The
		// request context doubles as the abort signal: the orchestrator
		// denies with "Hook connection lost" when it fires early.
		result := s.handler(c.Request.Context(), ad, ev)
		if result == nil {
			result = &BlockResult{Blocked: true, Reason: "internal error"}
		}
		c.JSON(http.StatusOK, result)
		return
	}

	// Fire and forget; hooks must not wait on broadcast fan-out.
	go s.handler(context.Background(), ad, ev)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
