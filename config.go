// config.go
package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the server configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// DBPath is the SQLite database path (":memory:" for ephemeral).
	DBPath string `yaml:"db_path"`

	// TokenTTLHours is the validity window of issued auth tokens.
	TokenTTLHours int `yaml:"token_ttl_hours"`

	// Chat holds the realtime transport settings.
	Chat ChatConfig `yaml:"chat"`
}

// ChatConfig bounds the realtime transport.
type ChatConfig struct {
	PingIntervalSeconds    int   `yaml:"ping_interval_seconds"`
	PongWaitSeconds        int   `yaml:"pong_wait_seconds"`
	WriteWaitSeconds       int   `yaml:"write_wait_seconds"`
	MaxConversationMembers int   `yaml:"max_conversation_members"`
	MaxFrameBytes          int64 `yaml:"max_frame_bytes"`
}

func (c ChatConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

func (c ChatConfig) PongWait() time.Duration {
	return time.Duration(c.PongWaitSeconds) * time.Second
}

func (c ChatConfig) WriteWait() time.Duration {
	return time.Duration(c.WriteWaitSeconds) * time.Second
}

func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLHours) * time.Hour
}

// LoadConfig loads configuration from a YAML file, falling back to
// defaults when the file does not exist.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration. The ping interval
// must stay comfortably below the pong wait.
func DefaultConfig() *Config {
	return &Config{
		Listen:        ":8080",
		DBPath:        "hivechat.db",
		TokenTTLHours: 24,
		Chat: ChatConfig{
			PingIntervalSeconds:    25,
			PongWaitSeconds:        60,
			WriteWaitSeconds:       10,
			MaxConversationMembers: 8,
			MaxFrameBytes:          64 * 1024,
		},
	}
}
