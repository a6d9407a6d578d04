package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix = "EASEL"

	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "easel.db"
	defaultLogLevel      = "info"
	defaultRelayURL      = "http://127.0.0.1:8080"
	defaultQueuePath     = "easel-queue.db"
	defaultPeerPort      = 9090
	defaultFlushSeconds  = 30
	defaultMaxHistoryLen = 200
)

// RelayConfig captures runtime configuration for the relay server.
type RelayConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
}

// AgentConfig captures runtime configuration for the editing agent.
type AgentConfig struct {
	AuthorID          string
	RelayURL          string
	QueuePath         string
	PeerPort          int
	PeerInstance      string
	FlushSeconds      int
	MaxHistoryEntries int
	LogLevel          string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("relay.url", defaultRelayURL)
	configViper.SetDefault("queue.path", defaultQueuePath)
	configViper.SetDefault("peer.port", defaultPeerPort)
	configViper.SetDefault("peer.instance", "")
	configViper.SetDefault("author.id", "")
	configViper.SetDefault("sync.flush_seconds", defaultFlushSeconds)
	configViper.SetDefault("history.max_entries", defaultMaxHistoryLen)
}

// LoadRelay parses relay server configuration from viper.
func LoadRelay(configViper *viper.Viper) (RelayConfig, error) {
	cfg := RelayConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
	}
	if strings.TrimSpace(cfg.HTTPAddress) == "" {
		return RelayConfig{}, fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		return RelayConfig{}, fmt.Errorf("database.path is required")
	}
	return cfg, nil
}

// LoadAgent parses editing agent configuration from viper.
func LoadAgent(configViper *viper.Viper) (AgentConfig, error) {
	cfg := AgentConfig{
		AuthorID:          configViper.GetString("author.id"),
		RelayURL:          configViper.GetString("relay.url"),
		QueuePath:         configViper.GetString("queue.path"),
		PeerPort:          configViper.GetInt("peer.port"),
		PeerInstance:      configViper.GetString("peer.instance"),
		FlushSeconds:      configViper.GetInt("sync.flush_seconds"),
		MaxHistoryEntries: configViper.GetInt("history.max_entries"),
		LogLevel:          configViper.GetString("log.level"),
	}
	if strings.TrimSpace(cfg.AuthorID) == "" {
		return AgentConfig{}, fmt.Errorf("author.id is required")
	}
	if strings.TrimSpace(cfg.RelayURL) == "" {
		return AgentConfig{}, fmt.Errorf("relay.url is required")
	}
	if cfg.PeerPort <= 0 {
		return AgentConfig{}, fmt.Errorf("peer.port must be positive")
	}
	return cfg, nil
}
