package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentpager/agentpager/internal/agent/adapter"
	"github.com/agentpager/agentpager/internal/approval"
	"github.com/agentpager/agentpager/internal/common/config"
	"github.com/agentpager/agentpager/internal/common/logger"
	"github.com/agentpager/agentpager/internal/gateway"
	"github.com/agentpager/agentpager/internal/hook"
	"github.com/agentpager/agentpager/internal/keys"
	"github.com/agentpager/agentpager/internal/session"
	"github.com/agentpager/agentpager/internal/store"
	"github.com/agentpager/agentpager/internal/tmux"
	"github.com/agentpager/agentpager/internal/transport/lan"
	"github.com/agentpager/agentpager/internal/transport/relay"
	"github.com/agentpager/agentpager/pkg/protocol"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting AgentPager gateway...")

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Load or generate the signing keypair
	keyPair, err := keys.Load(cfg.KeysDir())
	if err != nil {
		log.Fatal("Failed to load signing keys", zap.Error(err))
	}
	log.Info("Loaded signing keypair")

	// 5. Open the store
	st, err := store.Open(cfg.DatabasePath(), log)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()

	// 6. Initialize the adapter registry and probe agent binaries
	registry := adapter.NewRegistry(log)
	registry.LoadDefaults()
	registry.DetectAll()
	log.Info("Loaded adapter registry", zap.Int("adapters", len(registry.List())))

	// 7. Multiplexer driver
	mux := tmux.NewDriver(log)

	// 8. Session manager + recovery of sessions from a previous run
	sessions := session.NewManager(st, mux, registry, config.MaxSessions, log)
	if err := sessions.Recover(ctx); err != nil {
		log.Fatal("Session recovery failed", zap.Error(err))
	}

	// 9. Approval blocker
	blocker := approval.NewBlocker(log)

	// 10. Orchestrator
	orch := gateway.New(cfg, st, sessions, blocker, registry, mux, log)

	// 11. LAN transport
	hub := lan.NewHub(cfg.LAN.Token, cfg.LAN.RequireAuth, config.MaxClients, cfg.HeartbeatInterval(), log)
	hub.SetActionHandler(func(clientID string, action *protocol.Action) {
		orch.HandleAction(hub, clientID, action)
	})
	hub.SetConnectHandler(func(clientID string) {
		orch.OnClientConnect(hub, clientID)
	})
	hub.SetSessionCounter(sessions.Size)
	orch.AttachTransport(hub)
	orch.SetClientCounter(hub.ClientCount)

	lanServer := lan.NewServer(hub, cfg.LAN.Host, cfg.LAN.Port, cfg.GatewaySocketPath(), orch.Health, log)
	if err := lanServer.Start(); err != nil {
		log.Fatal("Failed to start LAN transport", zap.Error(err))
	}
	hub.Start()

	// 12. Relay transport (optional)
	var relayClient *relay.Client
	if cfg.Relay.Enabled {
		var cipher *relay.Cipher
		if cfg.Relay.E2EEnabled {
			cipher, err = buildCipher(keyPair.Private, cfg.Relay.PeerPublicKey)
			if err != nil {
				log.Fatal("Failed to set up relay encryption", zap.Error(err))
			}
		}
		relayClient = relay.NewClient(cfg.Relay.URL, cfg.Relay.Room, cfg.Relay.Secret, cipher, log)
		relayClient.SetActionHandler(func(clientID string, action *protocol.Action) {
			orch.HandleAction(relayClient, clientID, action)
		})
		relayClient.SetConnectHandler(func(clientID string) {
			orch.OnClientConnect(relayClient, clientID)
		})
		orch.AttachTransport(relayClient)
		relayClient.Start(ctx)
		log.Info("Relay uplink enabled", zap.String("url", cfg.Relay.URL), zap.Bool("e2e", cipher != nil))
	}

	// 13. Hook ingestion
	hookServer := hook.NewServer(registry, orch.HandleHook, cfg.Hook.Port, cfg.Hook.Secret, cfg.HookSocketPath(), log)
	if err := hookServer.Start(); err != nil {
		log.Fatal("Failed to start hook ingestion", zap.Error(err))
	}

	// 14. Background work
	orch.Start(ctx)
	log.Info("Gateway ready", zap.String("data_dir", cfg.DataDir))

	// 15. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down gateway...")

	// 16. Graceful shutdown: stop accepting hooks, deny pendings, close
	// transports, close the store (deferred).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	hookServer.Stop(shutdownCtx)
	orch.Stop()
	if relayClient != nil {
		relayClient.Stop()
	}
	hub.Stop()
	lanServer.Stop(shutdownCtx)
	cancel()

	log.Info("Gateway stopped")
}

func buildCipher(priv ed25519.PrivateKey, peerHex string) (*relay.Cipher, error) {
	if peerHex == "" {
		return nil, fmt.Errorf("relay.peer_public_key is required when e2e is enabled")
	}
	peer, err := keys.ParsePublicKey(peerHex)
	if err != nil {
		return nil, err
	}
	return relay.NewCipher(priv, peer)
}
