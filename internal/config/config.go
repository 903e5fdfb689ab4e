// Package config loads mesh daemon configuration from layered sources:
// built-in defaults, an optional YAML file, then environment variable
// overrides — the same layering the identity/crypto reference project
// in the pack uses for its own config loader.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable named by the specification's constants.
type Config struct {
	Nickname string `yaml:"nickname"`

	MaxNeighbors   int           `yaml:"max_neighbors"`
	PeerTimeout    time.Duration `yaml:"peer_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffCap     time.Duration `yaml:"backoff_cap"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	MaxTTL         uint8 `yaml:"max_ttl"`
	RelayFanout    int   `yaml:"relay_fanout"`
	QueueHighWater int   `yaml:"queue_high_water"`
	QueueLowWater  int   `yaml:"queue_low_water"`

	SeenSetCapacity int `yaml:"seenset_capacity"`
	MaxStore        int `yaml:"max_store"`

	ChannelKDF         string        `yaml:"channel_kdf"` // "argon2id" | "pbkdf2"
	ChannelIdleHorizon time.Duration `yaml:"channel_idle_horizon"`

	ControlListenAddr string `yaml:"control_listen_addr"`
	MetricsListenAddr string `yaml:"metrics_listen_addr"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration implied directly by the
// specification's named constants.
func Default() Config {
	return Config{
		Nickname: "anonymous",

		MaxNeighbors:   8,
		PeerTimeout:    90 * time.Second,
		ConnectTimeout: 10 * time.Second,
		BackoffBase:    1 * time.Second,
		BackoffCap:     60 * time.Second,

		HandshakeTimeout: 30 * time.Second,

		MaxTTL:         7,
		RelayFanout:    3,
		QueueHighWater: 64,
		QueueLowWater:  16,

		SeenSetCapacity: 10000,
		MaxStore:        10000,

		ChannelKDF:         "argon2id",
		ChannelIdleHorizon: 24 * time.Hour,

		ControlListenAddr: "127.0.0.1:7331",
		MetricsListenAddr: "127.0.0.1:7332",

		LogLevel: "error",
	}
}

// Load applies defaults, then an optional YAML file at path (ignored if
// it does not exist), then environment variable overrides. envFile, if
// non-empty, is read via godotenv before the environment is consulted —
// useful in development so MESH_* vars can live in a checked-in .env.
func Load(path string, envFile string) (Config, error) {
	cfg := Default()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("config: load env file: %w", err)
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MESH_NICKNAME"); v != "" {
		cfg.Nickname = v
	}
	if v := os.Getenv("MESH_MAX_NEIGHBORS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxNeighbors = n
		}
	}
	if v := os.Getenv("MESH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MESH_CONTROL_LISTEN_ADDR"); v != "" {
		cfg.ControlListenAddr = v
	}
	if v := os.Getenv("MESH_METRICS_LISTEN_ADDR"); v != "" {
		cfg.MetricsListenAddr = v
	}
	if v := os.Getenv("MESH_CHANNEL_KDF"); v != "" {
		cfg.ChannelKDF = v
	}
}
