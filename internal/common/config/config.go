// Package config loads gateway configuration from config.toml in the data
// directory, with environment variable overrides.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Resource limits. These are hard caps, not tunables.
const (
	MaxSessions          = 20
	MaxClients           = 5
	MaxPendingPerSession = 100
	MaxHookPayloadBytes  = 1 << 20  // 1 MiB
	MaxDiffBytes         = 256 << 10
	MaxClientMsgBytes    = 64 << 10
	MaxTerminalBytes     = 5 << 20
)

// Config is the root gateway configuration.
type Config struct {
	DataDir string `mapstructure:"data_dir"`

	Hook    HookConfig    `mapstructure:"hook"`
	LAN     LANConfig     `mapstructure:"lan"`
	Relay   RelayConfig   `mapstructure:"relay"`
	Logging LoggingConfig `mapstructure:"logging"`

	AutoApproveSafe   bool `mapstructure:"auto_approve_safe"`
	ApprovalTimeoutMS int  `mapstructure:"approval_timeout_ms"`
	HeartbeatSeconds  int  `mapstructure:"heartbeat_seconds"`
	CaptureLines      int  `mapstructure:"capture_lines"`
}

// HookConfig covers the hook ingestion surface.
type HookConfig struct {
	Port   int    `mapstructure:"port"`
	Secret string `mapstructure:"secret"`
}

// LANConfig covers the local WebSocket server.
type LANConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// RequireAuth enforces the auth action before any other action on TCP
	// clients. Unix socket clients are always exempt.
	RequireAuth bool   `mapstructure:"require_auth"`
	Token       string `mapstructure:"token"`
}

// RelayConfig covers the outbound relay uplink.
type RelayConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	URL        string `mapstructure:"url"`
	Room       string `mapstructure:"room"`
	Secret     string `mapstructure:"secret"`
	E2EEnabled bool   `mapstructure:"e2e_enabled"`
	// PeerPublicKey is the hex-encoded ed25519 signing public key of the
	// paired phone, required when E2EEnabled is set.
	PeerPublicKey string `mapstructure:"peer_public_key"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ApprovalTimeout returns the approval timeout as a duration.
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutMS) * time.Millisecond
}

// HeartbeatInterval returns the heartbeat interval as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// DatabasePath returns the sqlite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "agentpager.db")
}

// HookSocketPath returns the hook unix socket path.
func (c *Config) HookSocketPath() string {
	return filepath.Join(c.DataDir, "hook.sock")
}

// GatewaySocketPath returns the client unix socket path.
func (c *Config) GatewaySocketPath() string {
	return filepath.Join(c.DataDir, "gateway.sock")
}

// KeysDir returns the signing key directory.
func (c *Config) KeysDir() string {
	return filepath.Join(c.DataDir, "keys")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentpager"
	}
	return filepath.Join(home, ".agentpager")
}

// Load reads config.toml from the data directory, applying env overrides.
// A missing hook secret is generated and written back so hook wrapper
// scripts installed later can read it.
func Load() (*Config, error) {
	return LoadFrom(defaultDataDir())
}

// LoadFrom loads configuration rooted at the given data directory.
func LoadFrom(dataDir string) (*Config, error) {
	// Optional .env for development; ignore if absent.
	_ = godotenv.Load()

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(dataDir)

	v.SetDefault("data_dir", dataDir)
	v.SetDefault("hook.port", 8377)
	v.SetDefault("lan.host", "127.0.0.1")
	v.SetDefault("lan.port", 8378)
	v.SetDefault("lan.require_auth", true)
	v.SetDefault("relay.enabled", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("auto_approve_safe", false)
	v.SetDefault("approval_timeout_ms", int(5*time.Minute/time.Millisecond))
	v.SetDefault("heartbeat_seconds", 15)
	v.SetDefault("capture_lines", 200)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// Environment overrides.
	_ = v.BindEnv("hook.port", "BRIDGE_PORT")
	_ = v.BindEnv("hook.secret", "BRIDGE_SECRET")
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("lan.host", "AGENTPAGER_BIND_HOST")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.DataDir = dataDir

	// First run: generate the hook secret and persist it.
	if cfg.Hook.Secret == "" {
		secret, err := generateSecret()
		if err != nil {
			return nil, err
		}
		cfg.Hook.Secret = secret
		v.Set("hook.secret", secret)
		cfgPath := filepath.Join(dataDir, "config.toml")
		if err := v.WriteConfigAs(cfgPath); err != nil {
			return nil, fmt.Errorf("failed to persist generated hook secret: %w", err)
		}
	}

	if cfg.LAN.Token == "" {
		cfg.LAN.Token = cfg.Hook.Secret
	}

	return &cfg, nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
